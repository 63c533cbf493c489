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

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ownerleads/pipeline/internal/broker"
	"github.com/ownerleads/pipeline/internal/models"
	"github.com/ownerleads/pipeline/internal/transport"
)

type sentDM struct {
	accountID int64
	userID    int64
	text      string
}

type fakeLedger struct {
	mu          sync.Mutex
	accounts    []models.Account
	statuses    map[int64]models.ContactStatus
	upserted    []int64
	touched     []int64
	deactivated []int64
}

func (f *fakeLedger) ListActiveAccounts(ctx context.Context) ([]models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Account(nil), f.accounts...), nil
}

func (f *fakeLedger) TouchAccountLastUsed(ctx context.Context, accountID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, accountID)
	return nil
}

func (f *fakeLedger) DeactivateAccount(ctx context.Context, accountID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated = append(f.deactivated, accountID)
	return nil
}

func (f *fakeLedger) GetContactStatus(ctx context.Context, userID int64) (models.ContactStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[userID], nil
}

func (f *fakeLedger) UpsertContact(ctx context.Context, userID int64, handle string, ref int64, greeting string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted = append(f.upserted, userID)
	return nil
}

type fakeMarker struct {
	mu        sync.Mutex
	contacted map[int64]bool
	marked    []int64
}

func (f *fakeMarker) UserContacted(ctx context.Context, userID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contacted[userID], nil
}

func (f *fakeMarker) MarkUserContacted(ctx context.Context, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, userID)
	return nil
}

// fakeQuota mirrors the Redis tracker's semantics: atomic increment, a
// reserve succeeds only while the counter is below the ceiling.
type fakeQuota struct {
	mu      sync.Mutex
	ceiling int
	counts  map[int64]int
}

func (f *fakeQuota) TryReserve(ctx context.Context, accountID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts == nil {
		f.counts = make(map[int64]int)
	}
	if f.counts[accountID] >= f.ceiling {
		return false, nil
	}
	f.counts[accountID]++
	return true, nil
}

type fakeMessenger struct {
	mu   sync.Mutex
	err  error
	sent []sentDM
}

func (f *fakeMessenger) SendDirectMessage(ctx context.Context, account models.Account, userID int64, text string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentDM{accountID: account.ID, userID: userID, text: text})
	return fmt.Sprintf("m%d", len(f.sent)), nil
}

func newTestDispatcher(ledger *fakeLedger, marker *fakeMarker, quota *fakeQuota, messenger *fakeMessenger) *Dispatcher {
	return New(Config{
		Ledger:    ledger,
		Marker:    marker,
		Quota:     quota,
		Messenger: messenger,
		// No pre-send delay in tests.
	})
}

func requestBody(t *testing.T, req models.SendDMRequest) []byte {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return body
}

// TestHandleSendRequest_Success verifies the happy path: LRU account is
// used, the DM goes out, and the contact is recorded everywhere.
func TestHandleSendRequest_Success(t *testing.T) {
	ledger := &fakeLedger{
		accounts: []models.Account{{ID: 1}, {ID: 2}},
		statuses: map[int64]models.ContactStatus{},
	}
	marker := &fakeMarker{contacted: map[int64]bool{}}
	quota := &fakeQuota{ceiling: 20}
	messenger := &fakeMessenger{}
	d := newTestDispatcher(ledger, marker, quota, messenger)

	body := requestBody(t, models.SendDMRequest{UserID: 42, Handle: "seller", Text: "Здравствуйте!", MessageRef: 7})

	if err := d.HandleSendRequest(context.Background(), body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(messenger.sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(messenger.sent))
	}
	if messenger.sent[0].accountID != 1 {
		t.Errorf("expected least-recently-used account 1, got %d", messenger.sent[0].accountID)
	}
	if len(ledger.upserted) != 1 || ledger.upserted[0] != 42 {
		t.Errorf("contact not upserted: %v", ledger.upserted)
	}
	if len(marker.marked) != 1 || marker.marked[0] != 42 {
		t.Errorf("contacted marker not set: %v", marker.marked)
	}
	if len(ledger.touched) != 1 || ledger.touched[0] != 1 {
		t.Errorf("account recency not touched: %v", ledger.touched)
	}
}

// TestHandleSendRequest_PoolExhausted verifies backpressure: two accounts
// at their ceiling requeue the work item and leave the ledger untouched.
func TestHandleSendRequest_PoolExhausted(t *testing.T) {
	ledger := &fakeLedger{
		accounts: []models.Account{{ID: 1}, {ID: 2}},
		statuses: map[int64]models.ContactStatus{},
	}
	marker := &fakeMarker{contacted: map[int64]bool{}}
	quota := &fakeQuota{ceiling: 1, counts: map[int64]int{1: 1, 2: 1}}
	messenger := &fakeMessenger{}
	d := newTestDispatcher(ledger, marker, quota, messenger)

	body := requestBody(t, models.SendDMRequest{UserID: 42, Text: "hi"})

	err := d.HandleSendRequest(context.Background(), body)
	if !errors.Is(err, broker.ErrRequeue) {
		t.Fatalf("expected ErrRequeue, got %v", err)
	}

	if len(messenger.sent) != 0 {
		t.Errorf("no DM should be sent, got %d", len(messenger.sent))
	}
	if len(ledger.upserted) != 0 || len(ledger.touched) != 0 {
		t.Errorf("ledger must be untouched on requeue: upserted=%v touched=%v",
			ledger.upserted, ledger.touched)
	}
	if len(marker.marked) != 0 {
		t.Errorf("marker must be untouched on requeue: %v", marker.marked)
	}
}

// TestHandleSendRequest_SkipsExhaustedAccount verifies LRU iteration moves
// past an account at its ceiling.
func TestHandleSendRequest_SkipsExhaustedAccount(t *testing.T) {
	ledger := &fakeLedger{
		accounts: []models.Account{{ID: 1}, {ID: 2}},
		statuses: map[int64]models.ContactStatus{},
	}
	marker := &fakeMarker{contacted: map[int64]bool{}}
	quota := &fakeQuota{ceiling: 1, counts: map[int64]int{1: 1}}
	messenger := &fakeMessenger{}
	d := newTestDispatcher(ledger, marker, quota, messenger)

	body := requestBody(t, models.SendDMRequest{UserID: 42, Text: "hi"})
	if err := d.HandleSendRequest(context.Background(), body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(messenger.sent) != 1 || messenger.sent[0].accountID != 2 {
		t.Fatalf("expected send via account 2, got %+v", messenger.sent)
	}
}

// TestHandleSendRequest_AlreadyContacted verifies the idempotent gate.
func TestHandleSendRequest_AlreadyContacted(t *testing.T) {
	ledger := &fakeLedger{
		accounts: []models.Account{{ID: 1}},
		statuses: map[int64]models.ContactStatus{},
	}
	marker := &fakeMarker{contacted: map[int64]bool{42: true}}
	quota := &fakeQuota{ceiling: 20}
	messenger := &fakeMessenger{}
	d := newTestDispatcher(ledger, marker, quota, messenger)

	body := requestBody(t, models.SendDMRequest{UserID: 42, Text: "hi"})
	if err := d.HandleSendRequest(context.Background(), body); err != nil {
		t.Fatalf("duplicate work must be dropped silently, got %v", err)
	}
	if len(messenger.sent) != 0 {
		t.Errorf("no DM should be sent to a contacted user")
	}
}

// TestHandleSendRequest_TerminalStatusGate verifies the ledger gate holds
// even when the cache marker is missing (e.g. expired).
func TestHandleSendRequest_TerminalStatusGate(t *testing.T) {
	ledger := &fakeLedger{
		accounts: []models.Account{{ID: 1}},
		statuses: map[int64]models.ContactStatus{42: models.StatusAgent},
	}
	marker := &fakeMarker{contacted: map[int64]bool{}}
	quota := &fakeQuota{ceiling: 20}
	messenger := &fakeMessenger{}
	d := newTestDispatcher(ledger, marker, quota, messenger)

	body := requestBody(t, models.SendDMRequest{UserID: 42, Text: "hi"})
	if err := d.HandleSendRequest(context.Background(), body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messenger.sent) != 0 {
		t.Errorf("no DM should be sent to a classified user")
	}
}

// TestHandleSendRequest_PrivacyRestricted verifies a privacy block is
// terminal: the contact is recorded so the user is never retried.
func TestHandleSendRequest_PrivacyRestricted(t *testing.T) {
	ledger := &fakeLedger{
		accounts: []models.Account{{ID: 1}},
		statuses: map[int64]models.ContactStatus{},
	}
	marker := &fakeMarker{contacted: map[int64]bool{}}
	quota := &fakeQuota{ceiling: 20}
	messenger := &fakeMessenger{err: transport.ErrPrivacyRestricted}
	d := newTestDispatcher(ledger, marker, quota, messenger)

	body := requestBody(t, models.SendDMRequest{UserID: 42, Text: "hi"})
	if err := d.HandleSendRequest(context.Background(), body); err != nil {
		t.Fatalf("privacy block must not requeue, got %v", err)
	}

	if len(marker.marked) != 1 || marker.marked[0] != 42 {
		t.Errorf("user must be marked contacted after privacy block: %v", marker.marked)
	}
	if len(ledger.upserted) != 1 {
		t.Errorf("contact must be recorded after privacy block: %v", ledger.upserted)
	}
}

// TestHandleSendRequest_FatalErrorDeactivatesAccount verifies an
// unrecoverable account failure removes it from the pool without retry.
func TestHandleSendRequest_FatalErrorDeactivatesAccount(t *testing.T) {
	ledger := &fakeLedger{
		accounts: []models.Account{{ID: 1}},
		statuses: map[int64]models.ContactStatus{},
	}
	marker := &fakeMarker{contacted: map[int64]bool{}}
	quota := &fakeQuota{ceiling: 20}
	messenger := &fakeMessenger{err: &transport.FatalError{Err: errors.New("session revoked")}}
	d := newTestDispatcher(ledger, marker, quota, messenger)

	body := requestBody(t, models.SendDMRequest{UserID: 42, Text: "hi"})
	if err := d.HandleSendRequest(context.Background(), body); err != nil {
		t.Fatalf("fatal send failure must not requeue, got %v", err)
	}

	if len(ledger.deactivated) != 1 || ledger.deactivated[0] != 1 {
		t.Errorf("account must be deactivated: %v", ledger.deactivated)
	}
	if len(marker.marked) != 0 {
		t.Errorf("user must stay uncontacted after a non-privacy failure: %v", marker.marked)
	}
}

// TestHandleSendRequest_MalformedPayloadDropped verifies bad JSON is acked
// away rather than poisoning the queue.
func TestHandleSendRequest_MalformedPayloadDropped(t *testing.T) {
	ledger := &fakeLedger{accounts: []models.Account{{ID: 1}}, statuses: map[int64]models.ContactStatus{}}
	d := newTestDispatcher(ledger, &fakeMarker{contacted: map[int64]bool{}}, &fakeQuota{ceiling: 1}, &fakeMessenger{})

	if err := d.HandleSendRequest(context.Background(), []byte("not json")); err != nil {
		t.Fatalf("malformed payload must be dropped, got %v", err)
	}
}

// TestQuotaCeilingInvariant runs concurrent dispatches against a small
// pool and checks successful sends never exceed ceiling × accounts.
func TestQuotaCeilingInvariant(t *testing.T) {
	const (
		ceiling  = 3
		accounts = 2
		attempts = 40
	)

	ledger := &fakeLedger{
		accounts: []models.Account{{ID: 1}, {ID: 2}},
		statuses: map[int64]models.ContactStatus{},
	}
	marker := &fakeMarker{contacted: map[int64]bool{}}
	quota := &fakeQuota{ceiling: ceiling}
	messenger := &fakeMessenger{}
	d := newTestDispatcher(ledger, marker, quota, messenger)

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(user int64) {
			defer wg.Done()
			body, _ := json.Marshal(models.SendDMRequest{UserID: user, Text: "hi"})
			_ = d.HandleSendRequest(context.Background(), body)
		}(int64(100 + i))
	}
	wg.Wait()

	if got, max := len(messenger.sent), ceiling*accounts; got > max {
		t.Errorf("sends exceeded quota: got %d, ceiling allows %d", got, max)
	}
	if len(messenger.sent) == 0 {
		t.Error("expected at least some sends to succeed")
	}
}
