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

// Package webhook receives push updates from the messaging gateway. The
// gateway POSTs every post from subscribed channels and every incoming
// direct message to the registered endpoints; this handler filters the
// channel posts down to qualifying sale ads and feeds both streams into
// the work queues.
package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/ownerleads/pipeline/internal/broker"
	"github.com/ownerleads/pipeline/internal/classify"
	"github.com/ownerleads/pipeline/internal/models"
)

// ChannelPostUpdate is the gateway's channel-post payload.
type ChannelPostUpdate struct {
	ChannelID    int64  `json:"channel_id"`
	MessageID    int64  `json:"message_id"`
	Text         string `json:"text"`
	AuthorID     int64  `json:"author_id"`
	AuthorHandle string `json:"author_handle"`
	Permalink    string `json:"permalink"`
}

// DirectMessageUpdate is the gateway's incoming-DM payload.
type DirectMessageUpdate struct {
	UserID int64  `json:"user_id"`
	Handle string `json:"handle"`
	Text   string `json:"text"`
	IsBot  bool   `json:"is_bot"`
}

// Ledger is the slice of the durable store the handler needs.
type Ledger interface {
	RecordMessage(ctx context.Context, m models.ChannelMessage) (int64, error)
	GetContactStatus(ctx context.Context, userID int64) (models.ContactStatus, error)
	ListActiveChannels(ctx context.Context) ([]models.Channel, error)
}

// ContentFilter is the dedup cache's content key space.
type ContentFilter interface {
	MarkContent(ctx context.Context, contentHash string) (bool, error)
}

// Publisher emits work items to the durable queues.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Handler processes gateway push updates.
type Handler struct {
	ledger    Ledger
	filter    ContentFilter
	publisher Publisher
	ads       classify.AdFilter
	secret    string
}

// Config holds the handler's collaborators.
type Config struct {
	Ledger    Ledger
	Filter    ContentFilter
	Publisher Publisher
	Ads       classify.AdFilter
	Secret    string
}

// NewHandler creates a gateway update handler.
func NewHandler(cfg Config) *Handler {
	return &Handler{
		ledger:    cfg.Ledger,
		filter:    cfg.Filter,
		publisher: cfg.Publisher,
		ads:       cfg.Ads,
		secret:    cfg.Secret,
	}
}

// authorized validates the shared-secret header the gateway is configured
// to send with every update.
func (h *Handler) authorized(r *http.Request) bool {
	if h.secret == "" {
		return true
	}
	return r.Header.Get("X-Gateway-Token") == h.secret
}

// ServeChannelPost handles channel-post update requests.
//
// The gateway expects a fast 202 for anything it delivered; a non-2xx
// makes it retry the same update, so filtering decisions (not an ad,
// duplicate, already-classified author) are absorbed here rather than
// surfaced as errors.
func (h *Handler) ServeChannelPost(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Error("failed to read channel-post body", "error", err)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var post ChannelPostUpdate
	if err := json.Unmarshal(body, &post); err != nil {
		slog.Warn("channel-post body not valid JSON, dropping", "body_len", len(body))
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	h.processChannelPost(r.Context(), post)
}

// ServeDirectMessage handles incoming-DM update requests.
func (h *Handler) ServeDirectMessage(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Error("failed to read direct-message body", "error", err)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var dm DirectMessageUpdate
	if err := json.Unmarshal(body, &dm); err != nil {
		slog.Warn("direct-message body not valid JSON, dropping", "body_len", len(body))
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.WriteHeader(http.StatusAccepted)

	if dm.IsBot {
		slog.Debug("ignoring reply from bot account", "user_id", dm.UserID)
		return
	}
	if dm.UserID == 0 || strings.TrimSpace(dm.Text) == "" {
		slog.Debug("ignoring empty direct message", "user_id", dm.UserID)
		return
	}

	event := models.DMResponseEvent{
		UserID: dm.UserID,
		Handle: dm.Handle,
		Text:   dm.Text,
	}
	if err := h.publisher.Publish(r.Context(), broker.TopicDMResponse, event); err != nil {
		slog.Error("publish dm response failed", "user_id", dm.UserID, "error", err)
	}
}

// processChannelPost runs one channel post through the ad filter and the
// dedup gate, records it, and emits a new-ad-found event.
func (h *Handler) processChannelPost(ctx context.Context, post ChannelPostUpdate) {
	if strings.TrimSpace(post.Text) == "" {
		return
	}

	channel, err := h.lookupChannel(ctx, post.ChannelID)
	if err != nil {
		slog.Error("channel lookup failed", "channel_id", post.ChannelID, "error", err)
		return
	}
	if channel == nil {
		slog.Debug("post from unmonitored channel dropped", "channel_id", post.ChannelID)
		return
	}

	if !h.ads.IsQualifyingAd(post.Text, channel.Keywords) {
		slog.Debug("post did not qualify as sale ad",
			"channel_id", post.ChannelID,
			"message_id", post.MessageID,
		)
		return
	}

	hash := contentHash(post.Text)
	isNew, err := h.filter.MarkContent(ctx, hash)
	if err != nil {
		slog.Warn("content dedup check failed, proceeding", "error", err)
	} else if !isNew {
		slog.Debug("duplicate ad content skipped",
			"channel_id", post.ChannelID,
			"message_id", post.MessageID,
		)
		return
	}

	if post.AuthorID != 0 {
		status, err := h.ledger.GetContactStatus(ctx, post.AuthorID)
		if err != nil {
			slog.Warn("author status check failed, proceeding", "error", err)
		} else if status.Terminal() {
			slog.Debug("ad author already classified, skipping",
				"user_id", post.AuthorID,
				"status", status,
			)
			return
		}
	}

	ref, err := h.ledger.RecordMessage(ctx, models.ChannelMessage{
		ChannelID:    post.ChannelID,
		MessageID:    post.MessageID,
		Text:         post.Text,
		ContentHash:  hash,
		AuthorID:     post.AuthorID,
		AuthorHandle: post.AuthorHandle,
		Permalink:    post.Permalink,
	})
	if err != nil {
		slog.Error("record message failed",
			"channel_id", post.ChannelID,
			"message_id", post.MessageID,
			"error", err,
		)
		return
	}

	slog.Info("qualifying ad captured",
		"channel", channel.Name,
		"message_ref", ref,
		"author_id", post.AuthorID,
	)

	event := models.NewAdEvent{
		MessageRef:   ref,
		ChannelID:    post.ChannelID,
		MessageID:    post.MessageID,
		Text:         post.Text,
		AuthorID:     post.AuthorID,
		AuthorHandle: post.AuthorHandle,
		Permalink:    post.Permalink,
	}
	if err := h.publisher.Publish(ctx, broker.TopicNewAd, event); err != nil {
		slog.Error("publish new ad failed", "message_ref", ref, "error", err)
	}
}

// lookupChannel resolves a channel ID against the monitored set. Returns
// nil when the channel is unknown or inactive.
func (h *Handler) lookupChannel(ctx context.Context, id int64) (*models.Channel, error) {
	channels, err := h.ledger.ListActiveChannels(ctx)
	if err != nil {
		return nil, err
	}
	for i := range channels {
		if channels[i].ID == id {
			return &channels[i], nil
		}
	}
	return nil, nil
}

// contentHash fingerprints ad text for the reposted-ad dedup gate.
// Case and whitespace variations of the same ad hash identically.
func contentHash(text string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Serve starts the webhook HTTP server on the given port.
// It binds the port immediately and signals readiness via the returned
// channel before starting to accept connections.
func Serve(ctx context.Context, port int, handler *Handler) (<-chan struct{}, error) {
	mux := http.NewServeMux()

	mux.HandleFunc("/updates/channel-post", handler.ServeChannelPost)
	mux.HandleFunc("/updates/direct-message", handler.ServeDirectMessage)

	server := &http.Server{
		Handler: mux,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind webhook port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("webhook server shutting down")
		server.Close()
	}()

	go func() {
		slog.Info("webhook server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("webhook server error", "error", err)
		}
	}()

	return ready, nil
}
