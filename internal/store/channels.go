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
	"strings"

	"github.com/ownerleads/pipeline/internal/models"
)

// ListActiveChannels returns the monitored channels with their keyword
// overrides parsed. Channels with no keywords fall back to the default
// set at classification time.
func (s *Store) ListActiveChannels(ctx context.Context) ([]models.Channel, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, keywords, is_active
		FROM channels
		WHERE is_active = TRUE
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list active channels: %w", err)
	}
	defer rows.Close()

	var channels []models.Channel
	for rows.Next() {
		var (
			c   models.Channel
			raw string
		)
		if err := rows.Scan(&c.ID, &c.Name, &raw, &c.IsActive); err != nil {
			return nil, err
		}
		c.Keywords = splitKeywords(raw)
		channels = append(channels, c)
	}
	return channels, rows.Err()
}

// AddChannel registers a channel for monitoring, reactivating it if it
// was previously removed.
func (s *Store) AddChannel(ctx context.Context, id int64, name string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO channels (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET
			name      = EXCLUDED.name,
			is_active = TRUE
	`, id, name)
	if err != nil {
		return fmt.Errorf("add channel %d: %w", id, err)
	}
	return nil
}

// RemoveChannel stops monitoring a channel. The row is kept so its
// keyword override survives a later re-add.
func (s *Store) RemoveChannel(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE channels SET is_active = FALSE WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("remove channel %d: %w", id, err)
	}
	return nil
}

// SetChannelKeywords replaces a channel's keyword override.
func (s *Store) SetChannelKeywords(ctx context.Context, id int64, keywords []string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE channels SET keywords = $1 WHERE id = $2
	`, strings.Join(keywords, ","), id)
	if err != nil {
		return fmt.Errorf("set channel keywords %d: %w", id, err)
	}
	return nil
}

// splitKeywords parses the comma-separated keyword column.
func splitKeywords(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var keywords []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keywords = append(keywords, k)
		}
	}
	return keywords
}
