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

// Package models defines the data structures shared across the pipeline.
package models

import "time"

// ContactStatus is the qualification state of a contacted user.
type ContactStatus string

const (
	StatusPending     ContactStatus = "pending"
	StatusOwner       ContactStatus = "owner"
	StatusAgent       ContactStatus = "agent"
	StatusBlacklisted ContactStatus = "blacklisted"
)

// Terminal reports whether no further outbound contact should be made.
func (s ContactStatus) Terminal() bool {
	return s == StatusOwner || s == StatusAgent || s == StatusBlacklisted
}

// ChannelMessage is a classified-ad post captured from a monitored channel.
// Immutable after ingestion; downstream work items reference it by ID.
type ChannelMessage struct {
	ID           int64
	ChannelID    int64
	MessageID    int64
	Text         string
	ContentHash  string
	AuthorID     int64
	AuthorHandle string
	Permalink    string
	IngestedAt   time.Time
}

// DialogEntry is one line of a contact's dialog history.
type DialogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Sender    string    `json:"sender"` // "system" or "user"
	Text      string    `json:"text"`
}

// ContactRecord tracks a user the pipeline has messaged.
// Status only moves forward from pending; dialog history is append-only.
type ContactRecord struct {
	ID              int64
	UserID          int64
	Handle          string
	Status          ContactStatus
	FirstContactRef int64 // ChannelMessage.ID that triggered the contact
	DialogHistory   []DialogEntry
	LastContactAt   time.Time
}

// Lead is a confirmed property owner with supporting evidence.
type Lead struct {
	ID            int64
	ContactRef    int64
	SourceRef     int64
	OwnerResponse string
	FoundAt       time.Time
}

// Account is one outbound-capable messaging identity.
type Account struct {
	ID         int64
	Handle     string
	Session    string
	LastUsedAt time.Time
	IsActive   bool
}

// Channel is a monitored source with optional keyword overrides.
type Channel struct {
	ID       int64
	Name     string
	Keywords []string
	IsActive bool
}

// Queue event payloads. Consumers must tolerate unknown extra fields,
// which encoding/json gives us for free.

// NewAdEvent is published on new-ad-found after a channel message passed
// the ad filter and the dedup gate.
type NewAdEvent struct {
	MessageRef   int64  `json:"message_ref"`
	ChannelID    int64  `json:"channel_id"`
	MessageID    int64  `json:"message_id"`
	Text         string `json:"text"`
	AuthorID     int64  `json:"author_id"`
	AuthorHandle string `json:"author_handle,omitempty"`
	Permalink    string `json:"permalink,omitempty"`
}

// SendDMRequest is published on send-dm-request to ask a dispatcher to
// open a dialog with the ad's author.
type SendDMRequest struct {
	UserID     int64  `json:"user_id"`
	Handle     string `json:"handle,omitempty"`
	Text       string `json:"text"`
	MessageRef int64  `json:"message_ref"`
}

// DMResponseEvent is published on dm-response-received when a contacted
// user replies.
type DMResponseEvent struct {
	UserID int64  `json:"user_id"`
	Handle string `json:"handle,omitempty"`
	Text   string `json:"text"`
}

// OwnerConfirmedEvent is published on owner-confirmed for the notification
// sink once a reply classifies as owner and the lead is recorded.
type OwnerConfirmedEvent struct {
	UserID    int64     `json:"user_id"`
	Handle    string    `json:"handle,omitempty"`
	Response  string    `json:"response"`
	AdText    string    `json:"ad_text"`
	Permalink string    `json:"permalink,omitempty"`
	FoundAt   time.Time `json:"found_at"`
}
