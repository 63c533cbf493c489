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
	"encoding/json"
	"fmt"
	"time"

	"github.com/ownerleads/pipeline/internal/models"
)

// GetContactStatus returns the contact status for a user, or an empty
// status when the user has never been contacted.
func (s *Store) GetContactStatus(ctx context.Context, userID int64) (models.ContactStatus, error) {
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT status FROM contacted_users WHERE user_id = $1
	`, userID).Scan(&status)
	if err != nil {
		if isNoRows(err) {
			return "", nil
		}
		return "", fmt.Errorf("get contact status %d: %w", userID, err)
	}
	return models.ContactStatus(status), nil
}

// GetContact retrieves a full contact record, or nil when absent.
func (s *Store) GetContact(ctx context.Context, userID int64) (*models.ContactRecord, error) {
	var (
		c       models.ContactRecord
		status  string
		history []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, handle, status, COALESCE(first_contact_ref, 0),
		       dialog_history, last_contact_at
		FROM contacted_users
		WHERE user_id = $1
	`, userID).Scan(&c.ID, &c.UserID, &c.Handle, &status, &c.FirstContactRef, &history, &c.LastContactAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get contact %d: %w", userID, err)
	}

	c.Status = models.ContactStatus(status)
	if err := json.Unmarshal(history, &c.DialogHistory); err != nil {
		return nil, fmt.Errorf("decode dialog history for %d: %w", userID, err)
	}
	return &c, nil
}

// UpsertContact creates the contact record on first outbound send, with
// the outbound greeting as the first dialog entry. A redelivered send for
// an existing pending contact only refreshes the handle and timestamp; a
// terminal status is never reset.
func (s *Store) UpsertContact(ctx context.Context, userID int64, handle string, firstContactRef int64, greeting string) error {
	entry, err := json.Marshal([]models.DialogEntry{{
		Timestamp: time.Now().UTC(),
		Sender:    "system",
		Text:      greeting,
	}})
	if err != nil {
		return fmt.Errorf("encode greeting entry: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO contacted_users (user_id, handle, status, first_contact_ref, dialog_history)
		VALUES ($1, $2, 'pending', $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			handle          = EXCLUDED.handle,
			last_contact_at = NOW()
		WHERE contacted_users.status = 'pending'
	`, userID, handle, firstContactRef, entry)
	if err != nil {
		return fmt.Errorf("upsert contact %d: %w", userID, err)
	}
	return nil
}

// AppendDialog records a user reply and moves the contact to the given
// status. Status only moves forward: a contact already in a terminal
// state keeps it regardless of the verdict on a late reply.
func (s *Store) AppendDialog(ctx context.Context, userID int64, status models.ContactStatus, text string) error {
	entry, err := json.Marshal(models.DialogEntry{
		Timestamp: time.Now().UTC(),
		Sender:    "user",
		Text:      text,
	})
	if err != nil {
		return fmt.Errorf("encode dialog entry: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE contacted_users
		SET status          = CASE WHEN status = 'pending' THEN $1 ELSE status END,
		    dialog_history  = dialog_history || $2::jsonb,
		    last_contact_at = NOW()
		WHERE user_id = $3
	`, string(status), entry, userID)
	if err != nil {
		return fmt.Errorf("append dialog %d: %w", userID, err)
	}
	return nil
}
