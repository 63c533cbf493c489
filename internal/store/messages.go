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

// RecordMessage persists an ingested channel message and returns its ledger
// ID. Idempotent on (channel_id, message_id): redelivered ingestion work
// resolves to the already-recorded row.
func (s *Store) RecordMessage(ctx context.Context, m models.ChannelMessage) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO processed_messages
			(channel_id, message_id, message_text, content_hash, author_id, author_handle, permalink)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (channel_id, message_id) DO UPDATE SET channel_id = EXCLUDED.channel_id
		RETURNING id
	`, m.ChannelID, m.MessageID, m.Text, m.ContentHash, m.AuthorID, m.AuthorHandle, m.Permalink).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("record message %d/%d: %w", m.ChannelID, m.MessageID, err)
	}
	return id, nil
}

// GetMessage retrieves a channel message by ledger ID. Returns nil when
// the message does not exist.
func (s *Store) GetMessage(ctx context.Context, ref int64) (*models.ChannelMessage, error) {
	var m models.ChannelMessage
	err := s.pool.QueryRow(ctx, `
		SELECT id, channel_id, message_id, message_text, content_hash,
		       author_id, author_handle, permalink, ingested_at
		FROM processed_messages
		WHERE id = $1
	`, ref).Scan(
		&m.ID, &m.ChannelID, &m.MessageID, &m.Text, &m.ContentHash,
		&m.AuthorID, &m.AuthorHandle, &m.Permalink, &m.IngestedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get message %d: %w", ref, err)
	}
	return &m, nil
}
