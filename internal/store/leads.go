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
	"time"

	"github.com/ownerleads/pipeline/internal/models"
)

// InsertLead records a confirmed owner exactly once per contact. Returns
// false when the contact already has a lead, which happens when a user
// replies with an owner phrase more than once. The UNIQUE constraint on
// contacted_user_id backs the check under concurrent redelivery.
func (s *Store) InsertLead(ctx context.Context, contactRef, sourceRef int64, responseText string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO owner_leads (contacted_user_id, source_message_id, owner_response_text)
		VALUES ($1, $2, $3)
		ON CONFLICT (contacted_user_id) DO NOTHING
	`, contactRef, sourceRef, responseText)
	if err != nil {
		return false, fmt.Errorf("insert lead for contact %d: %w", contactRef, err)
	}
	return tag.RowsAffected() > 0, nil
}

// LeadSummary is a lead joined with its contact and source message, the
// shape the ops API and the leads CLI render.
type LeadSummary struct {
	Handle    string    `json:"handle"`
	UserID    int64     `json:"user_id"`
	AdText    string    `json:"ad_text"`
	Permalink string    `json:"permalink,omitempty"`
	Response  string    `json:"response"`
	FoundAt   time.Time `json:"found_at"`
}

// ListRecentLeads returns the most recently confirmed owners, newest first.
func (s *Store) ListRecentLeads(ctx context.Context, limit int) ([]LeadSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT cu.handle, cu.user_id, pm.message_text, pm.permalink,
		       ol.owner_response_text, ol.found_at
		FROM owner_leads ol
		JOIN contacted_users cu ON ol.contacted_user_id = cu.id
		JOIN processed_messages pm ON ol.source_message_id = pm.id
		ORDER BY ol.found_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent leads: %w", err)
	}
	defer rows.Close()

	var leads []LeadSummary
	for rows.Next() {
		var l LeadSummary
		if err := rows.Scan(&l.Handle, &l.UserID, &l.AdText, &l.Permalink, &l.Response, &l.FoundAt); err != nil {
			return nil, err
		}
		leads = append(leads, l)
	}
	return leads, rows.Err()
}

// GetLeadByContact returns the lead for a contact, or nil when none exists.
func (s *Store) GetLeadByContact(ctx context.Context, contactRef int64) (*models.Lead, error) {
	var l models.Lead
	err := s.pool.QueryRow(ctx, `
		SELECT id, contacted_user_id, source_message_id, owner_response_text, found_at
		FROM owner_leads
		WHERE contacted_user_id = $1
	`, contactRef).Scan(&l.ID, &l.ContactRef, &l.SourceRef, &l.OwnerResponse, &l.FoundAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get lead for contact %d: %w", contactRef, err)
	}
	return &l, nil
}
