// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"fmt"

	"github.com/ownerleads/pipeline/internal/models"
)

// ListActiveAccounts returns the outbound accounts in least-recently-used
// order, which is the dispatcher's deterministic selection policy.
func (s *Store) ListActiveAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, handle, session_string, last_used_at, is_active
		FROM user_accounts
		WHERE is_active = TRUE
		ORDER BY last_used_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list active accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.ID, &a.Handle, &a.Session, &a.LastUsedAt, &a.IsActive); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// TouchAccountLastUsed bumps the account's recency after a send so the
// LRU rotation moves on.
func (s *Store) TouchAccountLastUsed(ctx context.Context, accountID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE user_accounts SET last_used_at = NOW() WHERE id = $1
	`, accountID)
	if err != nil {
		return fmt.Errorf("touch account %d: %w", accountID, err)
	}
	return nil
}

// DeactivateAccount takes an account out of the pool after an
// unrecoverable send failure.
func (s *Store) DeactivateAccount(ctx context.Context, accountID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE user_accounts SET is_active = FALSE WHERE id = $1
	`, accountID)
	if err != nil {
		return fmt.Errorf("deactivate account %d: %w", accountID, err)
	}
	return nil
}

// UpsertAccount registers an outbound account or refreshes its session,
// reactivating it if it was disabled.
func (s *Store) UpsertAccount(ctx context.Context, handle, session string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_accounts (handle, session_string)
		VALUES ($1, $2)
		ON CONFLICT (handle) DO UPDATE SET
			session_string = EXCLUDED.session_string,
			is_active      = TRUE
	`, handle, session)
	if err != nil {
		return fmt.Errorf("upsert account %s: %w", handle, err)
	}
	return nil
}
