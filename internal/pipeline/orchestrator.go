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

// Package pipeline is the orchestrator for the lead-qualification state
// machine. Per user: NEW → PENDING after the first DM goes out, then a
// reply resolves to OWNER, AGENT, or stays PENDING on ambiguity. It owns
// the consumers for new-ad-found and dm-response-received and emits
// send-dm-request and owner-confirmed work items.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ownerleads/pipeline/internal/classify"
	"github.com/ownerleads/pipeline/internal/models"
)

// WelcomeMessageKey is the settings key holding the outbound greeting.
const WelcomeMessageKey = "welcome_message"

// DefaultWelcomeMessage is used until an operator configures one.
const DefaultWelcomeMessage = "Здравствуйте! Подскажите, вы собственник квартиры или агент?"

// Ledger is the slice of the durable store the orchestrator needs.
type Ledger interface {
	GetContactStatus(ctx context.Context, userID int64) (models.ContactStatus, error)
	GetContact(ctx context.Context, userID int64) (*models.ContactRecord, error)
	GetMessage(ctx context.Context, ref int64) (*models.ChannelMessage, error)
	AppendDialog(ctx context.Context, userID int64, status models.ContactStatus, text string) error
	InsertLead(ctx context.Context, contactRef, sourceRef int64, responseText string) (bool, error)
	GetSetting(ctx context.Context, key, fallback string) (string, error)
}

// ContactMarker is the dedup cache's contacted-user key space.
type ContactMarker interface {
	UserContacted(ctx context.Context, userID int64) (bool, error)
}

// Publisher emits work items to the durable queues.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Topic names injected so the orchestrator does not depend on the broker
// package (tests publish into a slice).
const (
	topicSendDM         = "send-dm-request"
	topicOwnerConfirmed = "owner-confirmed"
)

// Orchestrator wires ad events and replies through the state machine.
type Orchestrator struct {
	ledger     Ledger
	marker     ContactMarker
	publisher  Publisher
	classifier classify.ResponseClassifier

	locks userLocks
}

// Config holds the orchestrator's collaborators.
type Config struct {
	Ledger     Ledger
	Marker     ContactMarker
	Publisher  Publisher
	Classifier classify.ResponseClassifier
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		ledger:     cfg.Ledger,
		marker:     cfg.Marker,
		publisher:  cfg.Publisher,
		classifier: cfg.Classifier,
	}
}

// HandleNewAd is the broker handler for new-ad-found: it gates on contact
// state and emits a send-dm-request for the ad's author.
func (o *Orchestrator) HandleNewAd(ctx context.Context, body []byte) error {
	var ad models.NewAdEvent
	if err := json.Unmarshal(body, &ad); err != nil {
		slog.Warn("dropping malformed ad event", "error", err)
		return nil
	}

	if ad.AuthorID == 0 {
		// Channel posts without an attributable author cannot be contacted.
		slog.Warn("skipping ad without author", "message_ref", ad.MessageRef)
		return nil
	}

	status, err := o.ledger.GetContactStatus(ctx, ad.AuthorID)
	if err != nil {
		return fmt.Errorf("gate contact status: %w", err)
	}
	if status.Terminal() {
		slog.Info("author already classified, skipping dm",
			"user_id", ad.AuthorID,
			"status", status,
		)
		return nil
	}

	contacted, err := o.marker.UserContacted(ctx, ad.AuthorID)
	if err != nil {
		slog.Warn("contacted-user check failed, relying on dispatcher gate", "error", err)
	} else if contacted {
		slog.Debug("author already contacted, skipping dm", "user_id", ad.AuthorID)
		return nil
	}

	greeting, err := o.ledger.GetSetting(ctx, WelcomeMessageKey, DefaultWelcomeMessage)
	if err != nil {
		return fmt.Errorf("load welcome message: %w", err)
	}

	req := models.SendDMRequest{
		UserID:     ad.AuthorID,
		Handle:     ad.AuthorHandle,
		Text:       greeting,
		MessageRef: ad.MessageRef,
	}
	if err := o.publisher.Publish(ctx, topicSendDM, req); err != nil {
		return fmt.Errorf("publish send request: %w", err)
	}

	slog.Info("dm requested for ad author",
		"user_id", ad.AuthorID,
		"message_ref", ad.MessageRef,
	)
	return nil
}

// HandleDMResponse is the broker handler for dm-response-received: it
// classifies the reply, advances the contact's status, and records a lead
// on an owner verdict.
func (o *Orchestrator) HandleDMResponse(ctx context.Context, body []byte) error {
	var reply models.DMResponseEvent
	if err := json.Unmarshal(body, &reply); err != nil {
		slog.Warn("dropping malformed reply event", "error", err)
		return nil
	}

	// All mutations for one user happen under their lock; replies from
	// different users proceed in parallel.
	lock := o.locks.lock(reply.UserID)
	defer lock.Unlock()

	contact, err := o.ledger.GetContact(ctx, reply.UserID)
	if err != nil {
		return fmt.Errorf("load contact: %w", err)
	}
	if contact == nil {
		// Reply from someone the pipeline never messaged (or whose record
		// was purged) — nothing to transition.
		slog.Warn("reply from unknown user dropped", "user_id", reply.UserID)
		return nil
	}

	verdict := o.classifier.Classify(reply.Text)
	status := verdictStatus(verdict)

	if err := o.ledger.AppendDialog(ctx, reply.UserID, status, reply.Text); err != nil {
		return fmt.Errorf("append dialog: %w", err)
	}

	slog.Info("reply classified",
		"user_id", reply.UserID,
		"verdict", verdict,
		"previous_status", contact.Status,
	)

	if verdict != classify.VerdictOwner {
		return nil
	}

	// Exactly one lead per contact: a user replying with an owner phrase
	// twice must not produce a second lead.
	inserted, err := o.ledger.InsertLead(ctx, contact.ID, contact.FirstContactRef, reply.Text)
	if err != nil {
		return fmt.Errorf("insert lead: %w", err)
	}
	if !inserted {
		slog.Debug("lead already recorded", "user_id", reply.UserID)
		return nil
	}

	event := models.OwnerConfirmedEvent{
		UserID:   reply.UserID,
		Handle:   contact.Handle,
		Response: reply.Text,
		FoundAt:  time.Now().UTC(),
	}
	if source, err := o.ledger.GetMessage(ctx, contact.FirstContactRef); err != nil {
		slog.Error("load source ad for notification failed", "error", err)
	} else if source != nil {
		event.AdText = source.Text
		event.Permalink = source.Permalink
	}

	if err := o.publisher.Publish(ctx, topicOwnerConfirmed, event); err != nil {
		// The lead is durable; only the notification fizzled. Redelivery
		// would not re-publish (lead insert now reports duplicate), so
		// log instead of failing the work item.
		slog.Error("publish owner-confirmed failed", "user_id", reply.UserID, "error", err)
	}

	slog.Info("owner confirmed, lead recorded", "user_id", reply.UserID)
	return nil
}

func verdictStatus(v classify.Verdict) models.ContactStatus {
	switch v {
	case classify.VerdictOwner:
		return models.StatusOwner
	case classify.VerdictAgent:
		return models.StatusAgent
	default:
		return models.StatusPending
	}
}
