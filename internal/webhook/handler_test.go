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

package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ownerleads/pipeline/internal/broker"
	"github.com/ownerleads/pipeline/internal/classify"
	"github.com/ownerleads/pipeline/internal/models"
)

type fakeLedger struct {
	mu       sync.Mutex
	channels []models.Channel
	statuses map[int64]models.ContactStatus
	recorded []models.ChannelMessage
	nextRef  int64
}

func (f *fakeLedger) RecordMessage(ctx context.Context, m models.ChannelMessage) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, m)
	f.nextRef++
	return f.nextRef, nil
}

func (f *fakeLedger) GetContactStatus(ctx context.Context, userID int64) (models.ContactStatus, error) {
	return f.statuses[userID], nil
}

func (f *fakeLedger) ListActiveChannels(ctx context.Context) ([]models.Channel, error) {
	return f.channels, nil
}

type fakeFilter struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (f *fakeFilter) MarkContent(ctx context.Context, hash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	if f.seen[hash] {
		return false, nil
	}
	f.seen[hash] = true
	return true, nil
}

type published struct {
	topic   string
	payload any
}

type fakePublisher struct {
	mu    sync.Mutex
	items []published
}

func (f *fakePublisher) Publish(ctx context.Context, topic string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, published{topic: topic, payload: payload})
	return nil
}

func newTestHandler(ledger *fakeLedger, pub *fakePublisher) *Handler {
	return NewHandler(Config{
		Ledger:    ledger,
		Filter:    &fakeFilter{},
		Publisher: pub,
		Ads:       classify.KeywordAdFilter{},
		Secret:    "test-secret",
	})
}

func postUpdate(t *testing.T, h http.HandlerFunc, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gateway-Token", "test-secret")
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

// TestServeChannelPost_QualifyingAd verifies the full ingestion path:
// filter pass, dedup claim, persisted message, new-ad-found event.
func TestServeChannelPost_QualifyingAd(t *testing.T) {
	ledger := &fakeLedger{
		channels: []models.Channel{{ID: 100, Name: "sales", IsActive: true}},
		statuses: map[int64]models.ContactStatus{},
	}
	pub := &fakePublisher{}
	h := newTestHandler(ledger, pub)

	rr := postUpdate(t, h.ServeChannelPost, "/updates/channel-post", ChannelPostUpdate{
		ChannelID:    100,
		MessageID:    7,
		Text:         "Продаю квартиру 45 м2, без посредников, 5 млн",
		AuthorID:     42,
		AuthorHandle: "seller",
		Permalink:    "https://t.example/sales/7",
	})

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusAccepted)
	}
	if len(ledger.recorded) != 1 {
		t.Fatalf("expected 1 recorded message, got %d", len(ledger.recorded))
	}
	if ledger.recorded[0].ContentHash == "" {
		t.Error("recorded message missing content hash")
	}

	if len(pub.items) != 1 || pub.items[0].topic != broker.TopicNewAd {
		t.Fatalf("expected 1 new-ad event, got %+v", pub.items)
	}
	event := pub.items[0].payload.(models.NewAdEvent)
	if event.AuthorID != 42 || event.MessageRef != 1 {
		t.Errorf("wrong event fields: %+v", event)
	}
}

// TestServeChannelPost_DuplicateContent verifies the reposted-ad gate:
// the same ad text, even restyled in case and spacing, ingests once.
func TestServeChannelPost_DuplicateContent(t *testing.T) {
	ledger := &fakeLedger{
		channels: []models.Channel{{ID: 100, Name: "sales", IsActive: true}},
		statuses: map[int64]models.ContactStatus{},
	}
	pub := &fakePublisher{}
	h := newTestHandler(ledger, pub)

	texts := []string{
		"Продаю квартиру 45 м2, без посредников, 5 млн",
		"ПРОДАЮ  квартиру 45 м2,   без посредников, 5 млн",
	}
	for _, text := range texts {
		postUpdate(t, h.ServeChannelPost, "/updates/channel-post", ChannelPostUpdate{
			ChannelID: 100,
			MessageID: 7,
			Text:      text,
			AuthorID:  42,
		})
	}

	if len(pub.items) != 1 {
		t.Errorf("expected exactly 1 new-ad event for duplicate content, got %d", len(pub.items))
	}
}

// TestServeChannelPost_Gates verifies posts that must not reach the queue.
func TestServeChannelPost_Gates(t *testing.T) {
	tests := []struct {
		name   string
		post   ChannelPostUpdate
		status models.ContactStatus
	}{
		{
			name: "non-ad chatter",
			post: ChannelPostUpdate{ChannelID: 100, MessageID: 1, Text: "всем привет, как дела?", AuthorID: 42},
		},
		{
			name: "unmonitored channel",
			post: ChannelPostUpdate{ChannelID: 999, MessageID: 1, Text: "Продаю квартиру 45 м2, 5 млн", AuthorID: 42},
		},
		{
			name: "empty text",
			post: ChannelPostUpdate{ChannelID: 100, MessageID: 1, Text: "   ", AuthorID: 42},
		},
		{
			name:   "author already classified",
			post:   ChannelPostUpdate{ChannelID: 100, MessageID: 1, Text: "Продаю квартиру 45 м2, 5 млн", AuthorID: 42},
			status: models.StatusAgent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := &fakeLedger{
				channels: []models.Channel{{ID: 100, Name: "sales", IsActive: true}},
				statuses: map[int64]models.ContactStatus{42: tt.status},
			}
			pub := &fakePublisher{}
			h := newTestHandler(ledger, pub)

			rr := postUpdate(t, h.ServeChannelPost, "/updates/channel-post", tt.post)
			if rr.Code != http.StatusAccepted {
				t.Fatalf("status = %d, want %d", rr.Code, http.StatusAccepted)
			}
			if len(pub.items) != 0 {
				t.Errorf("gate failed, %d events published", len(pub.items))
			}
		})
	}
}

// TestServeChannelPost_ChannelKeywordOverride verifies per-channel keywords
// replace the defaults.
func TestServeChannelPost_ChannelKeywordOverride(t *testing.T) {
	ledger := &fakeLedger{
		channels: []models.Channel{
			{ID: 100, Name: "garages", Keywords: []string{"гараж"}, IsActive: true},
		},
		statuses: map[int64]models.ContactStatus{},
	}
	pub := &fakePublisher{}
	h := newTestHandler(ledger, pub)

	postUpdate(t, h.ServeChannelPost, "/updates/channel-post", ChannelPostUpdate{
		ChannelID: 100, MessageID: 1, Text: "Продаю гараж, 500 тыс", AuthorID: 42,
	})
	postUpdate(t, h.ServeChannelPost, "/updates/channel-post", ChannelPostUpdate{
		ChannelID: 100, MessageID: 2, Text: "Продаю квартиру, 5 млн", AuthorID: 43,
	})

	if len(pub.items) != 1 {
		t.Fatalf("expected only the keyword-matching post, got %d events", len(pub.items))
	}
	if pub.items[0].payload.(models.NewAdEvent).MessageID != 1 {
		t.Errorf("wrong post passed the filter: %+v", pub.items[0].payload)
	}
}

// TestServeDirectMessage verifies reply forwarding and the bot/empty gates.
func TestServeDirectMessage(t *testing.T) {
	tests := []struct {
		name string
		dm   DirectMessageUpdate
		want int // expected dm-response events
	}{
		{
			name: "user reply forwarded",
			dm:   DirectMessageUpdate{UserID: 42, Handle: "seller", Text: "я собственник"},
			want: 1,
		},
		{
			name: "bot reply ignored",
			dm:   DirectMessageUpdate{UserID: 42, Text: "я собственник", IsBot: true},
			want: 0,
		},
		{
			name: "empty reply ignored",
			dm:   DirectMessageUpdate{UserID: 42, Text: "  "},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{}
			h := newTestHandler(&fakeLedger{}, pub)

			rr := postUpdate(t, h.ServeDirectMessage, "/updates/direct-message", tt.dm)
			if rr.Code != http.StatusAccepted {
				t.Fatalf("status = %d, want %d", rr.Code, http.StatusAccepted)
			}
			if got := len(pub.items); got != tt.want {
				t.Fatalf("got %d events, want %d", got, tt.want)
			}
			if tt.want == 1 {
				if pub.items[0].topic != broker.TopicDMResponse {
					t.Errorf("topic = %q, want %q", pub.items[0].topic, broker.TopicDMResponse)
				}
				event := pub.items[0].payload.(models.DMResponseEvent)
				if event.UserID != 42 || event.Text != "я собственник" {
					t.Errorf("wrong event fields: %+v", event)
				}
			}
		})
	}
}

// TestAuthorization verifies the shared-secret gate on both endpoints.
func TestAuthorization(t *testing.T) {
	h := newTestHandler(&fakeLedger{}, &fakePublisher{})

	for _, path := range []string{"/updates/channel-post", "/updates/direct-message"} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader("{}"))
		req.Header.Set("X-Gateway-Token", "wrong")
		rr := httptest.NewRecorder()

		if path == "/updates/channel-post" {
			h.ServeChannelPost(rr, req)
		} else {
			h.ServeDirectMessage(rr, req)
		}

		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want %d", path, rr.Code, http.StatusUnauthorized)
		}
	}
}

// TestContentHash verifies normalization folds case and whitespace.
func TestContentHash(t *testing.T) {
	a := contentHash("Продаю квартиру 45 м2")
	b := contentHash("  продаю   КВАРТИРУ 45 м2 ")
	if a != b {
		t.Errorf("normalized variants hash differently: %q vs %q", a, b)
	}
	if c := contentHash("Продаю гараж"); c == a {
		t.Error("different ads must hash differently")
	}
}
