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

// Package store is the Postgres-backed durable ledger for the pipeline:
// ingested channel messages, contacted users and their dialog history,
// confirmed owner leads, outbound accounts, monitored channels, and
// runtime settings. It is the source of truth; the Redis dedup cache is
// only an optimization in front of it.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// Store provides the ledger operations the pipeline consumes.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store backed by the given Postgres pool. It ensures the
// schema exists on creation.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure ledger schema: %w", err)
	}
	slog.Info("ledger store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS processed_messages (
			id              BIGSERIAL PRIMARY KEY,
			channel_id      BIGINT NOT NULL,
			message_id      BIGINT NOT NULL,
			message_text    TEXT NOT NULL,
			content_hash    TEXT NOT NULL,
			author_id       BIGINT DEFAULT 0,
			author_handle   TEXT DEFAULT '',
			permalink       TEXT DEFAULT '',
			ingested_at     TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(channel_id, message_id)
		);
		CREATE INDEX IF NOT EXISTS idx_messages_hash ON processed_messages(content_hash);

		CREATE TABLE IF NOT EXISTS contacted_users (
			id                 BIGSERIAL PRIMARY KEY,
			user_id            BIGINT NOT NULL UNIQUE,
			handle             TEXT DEFAULT '',
			status             TEXT NOT NULL DEFAULT 'pending',
			first_contact_ref  BIGINT REFERENCES processed_messages(id),
			dialog_history     JSONB NOT NULL DEFAULT '[]',
			last_contact_at    TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_contacts_status ON contacted_users(status);

		CREATE TABLE IF NOT EXISTS owner_leads (
			id                  BIGSERIAL PRIMARY KEY,
			contacted_user_id   BIGINT NOT NULL UNIQUE REFERENCES contacted_users(id),
			source_message_id   BIGINT NOT NULL REFERENCES processed_messages(id),
			owner_response_text TEXT NOT NULL,
			found_at            TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS user_accounts (
			id             BIGSERIAL PRIMARY KEY,
			handle         TEXT NOT NULL UNIQUE,
			session_string TEXT NOT NULL,
			last_used_at   TIMESTAMPTZ DEFAULT NOW(),
			is_active      BOOLEAN DEFAULT TRUE
		);

		CREATE TABLE IF NOT EXISTS channels (
			id        BIGINT PRIMARY KEY,
			name      TEXT DEFAULT '',
			keywords  TEXT DEFAULT '',
			is_active BOOLEAN DEFAULT TRUE
		);

		CREATE TABLE IF NOT EXISTS settings (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	return err
}

// GetSetting returns the value for key, or fallback when unset.
func (s *Store) GetSetting(ctx context.Context, key, fallback string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `
		SELECT value FROM settings WHERE key = $1
	`, key).Scan(&value)
	if err != nil {
		if isNoRows(err) {
			return fallback, nil
		}
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting upserts a settings value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}
