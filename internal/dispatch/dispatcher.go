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

// Package dispatch consumes send-dm-request work items: it picks an
// outbound account under quota in least-recently-used order, applies a
// randomized pre-send delay, performs the send, and records the contact.
// When every account is at its ceiling the work item is handed back to
// the broker instead of being dropped.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/ownerleads/pipeline/internal/broker"
	"github.com/ownerleads/pipeline/internal/models"
	"github.com/ownerleads/pipeline/internal/transport"
)

// Ledger is the slice of the durable store the dispatcher needs.
type Ledger interface {
	ListActiveAccounts(ctx context.Context) ([]models.Account, error)
	TouchAccountLastUsed(ctx context.Context, accountID int64) error
	DeactivateAccount(ctx context.Context, accountID int64) error
	GetContactStatus(ctx context.Context, userID int64) (models.ContactStatus, error)
	UpsertContact(ctx context.Context, userID int64, handle string, firstContactRef int64, greeting string) error
}

// ContactMarker is the dedup cache's contacted-user key space.
type ContactMarker interface {
	UserContacted(ctx context.Context, userID int64) (bool, error)
	MarkUserContacted(ctx context.Context, userID int64) error
}

// Quota reserves per-account send slots.
type Quota interface {
	TryReserve(ctx context.Context, accountID int64) (bool, error)
}

// Dispatcher processes send-dm-request work items.
type Dispatcher struct {
	ledger    Ledger
	marker    ContactMarker
	quota     Quota
	messenger transport.Messenger

	delayMin time.Duration
	delayMax time.Duration
}

// Config holds the dispatcher's collaborators and tuning.
type Config struct {
	Ledger    Ledger
	Marker    ContactMarker
	Quota     Quota
	Messenger transport.Messenger

	// DelayMin/DelayMax bound the randomized pre-send pause.
	DelayMin time.Duration
	DelayMax time.Duration
}

// New creates a dispatcher.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		ledger:    cfg.Ledger,
		marker:    cfg.Marker,
		quota:     cfg.Quota,
		messenger: cfg.Messenger,
		delayMin:  cfg.DelayMin,
		delayMax:  cfg.DelayMax,
	}
}

// HandleSendRequest is the broker handler for send-dm-request.
func (d *Dispatcher) HandleSendRequest(ctx context.Context, body []byte) error {
	var req models.SendDMRequest
	if err := json.Unmarshal(body, &req); err != nil {
		slog.Warn("dropping malformed send request", "error", err)
		return nil
	}

	// Idempotent gate: redelivered or duplicate work for an already
	// contacted user is dropped, not an error.
	contacted, err := d.marker.UserContacted(ctx, req.UserID)
	if err != nil {
		slog.Warn("contacted-user check failed, falling back to ledger", "error", err)
	} else if contacted {
		slog.Debug("user already contacted, dropping send request", "user_id", req.UserID)
		return nil
	}

	status, err := d.ledger.GetContactStatus(ctx, req.UserID)
	if err != nil {
		return err // transient, redeliver
	}
	if status != "" {
		slog.Debug("user already in ledger, dropping send request",
			"user_id", req.UserID,
			"status", status,
		)
		return nil
	}

	account, ok, err := d.selectAccount(ctx)
	if err != nil {
		return err
	}
	if !ok {
		slog.Warn("all accounts at quota, requeueing send request", "user_id", req.UserID)
		return broker.ErrRequeue
	}

	// Humanization pause, not correctness-critical.
	if err := d.pause(ctx); err != nil {
		return broker.ErrRequeue
	}

	msgID, sendErr := d.messenger.SendDirectMessage(ctx, account, req.UserID, req.Text)
	switch {
	case sendErr == nil:
		slog.Info("dm sent",
			"user_id", req.UserID,
			"account", account.ID,
			"message_id", msgID,
		)
		d.recordContact(ctx, account, req)
		return nil

	case errors.Is(sendErr, transport.ErrPrivacyRestricted):
		// Terminal for this user: record the contact so the pipeline
		// never retries someone who blocks DMs.
		slog.Warn("recipient restricts dms, marking contacted anyway", "user_id", req.UserID)
		d.recordContact(ctx, account, req)
		return nil

	default:
		var fatal *transport.FatalError
		if errors.As(sendErr, &fatal) {
			slog.Error("account unusable, deactivating",
				"account", account.ID,
				"error", sendErr,
			)
			if err := d.ledger.DeactivateAccount(ctx, account.ID); err != nil {
				slog.Error("deactivate account failed", "account", account.ID, "error", err)
			}
		}
		// No automatic retry for send failures: blindly rescheduling
		// against a rate-limiting remote turns one failure into a storm.
		slog.Error("dm send failed, leaving for manual follow-up",
			"user_id", req.UserID,
			"account", account.ID,
			"error", sendErr,
		)
		return nil
	}
}

// selectAccount walks the active pool in least-recently-used order and
// returns the first account with quota left.
func (d *Dispatcher) selectAccount(ctx context.Context) (models.Account, bool, error) {
	accounts, err := d.ledger.ListActiveAccounts(ctx)
	if err != nil {
		return models.Account{}, false, err
	}

	for _, account := range accounts {
		reserved, err := d.quota.TryReserve(ctx, account.ID)
		if err != nil {
			return models.Account{}, false, err
		}
		if reserved {
			return account, true, nil
		}
	}
	return models.Account{}, false, nil
}

// recordContact applies the post-send bookkeeping. The send already
// happened, so failures here are logged rather than returned: an error
// would requeue the item and send the DM twice. The ledger stays the
// source of truth; the cache marker is best-effort.
func (d *Dispatcher) recordContact(ctx context.Context, account models.Account, req models.SendDMRequest) {
	if err := d.ledger.TouchAccountLastUsed(ctx, account.ID); err != nil {
		slog.Error("touch account failed", "account", account.ID, "error", err)
	}
	if err := d.marker.MarkUserContacted(ctx, req.UserID); err != nil {
		slog.Error("mark contacted failed", "user_id", req.UserID, "error", err)
	}
	if err := d.ledger.UpsertContact(ctx, req.UserID, req.Handle, req.MessageRef, req.Text); err != nil {
		slog.Error("upsert contact failed", "user_id", req.UserID, "error", err)
	}
}

// pause sleeps a random duration within the configured range, aborting on
// context cancellation.
func (d *Dispatcher) pause(ctx context.Context) error {
	if d.delayMax <= 0 {
		return nil
	}
	delay := d.delayMin
	if spread := d.delayMax - d.delayMin; spread > 0 {
		delay += time.Duration(rand.Int63n(int64(spread)))
	}

	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
