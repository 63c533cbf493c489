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

// Package ops exposes the operator API: reviewing confirmed leads,
// managing the monitored channel set, and editing the outreach greeting.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ownerleads/pipeline/internal/models"
	"github.com/ownerleads/pipeline/internal/pipeline"
	"github.com/ownerleads/pipeline/internal/store"
)

const defaultLeadsLimit = 50

// Directory is the slice of the durable store the operator API needs.
type Directory interface {
	ListRecentLeads(ctx context.Context, limit int) ([]store.LeadSummary, error)
	ListActiveChannels(ctx context.Context) ([]models.Channel, error)
	AddChannel(ctx context.Context, id int64, name string) error
	RemoveChannel(ctx context.Context, id int64) error
	SetChannelKeywords(ctx context.Context, id int64, keywords []string) error
	ListActiveAccounts(ctx context.Context) ([]models.Account, error)
	UpsertAccount(ctx context.Context, handle, session string) error
	DeactivateAccount(ctx context.Context, accountID int64) error
	GetSetting(ctx context.Context, key, fallback string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// API serves the operator endpoints.
type API struct {
	directory Directory
	token     string

	// ready checks backing services for /health; nil means always healthy.
	ready func(ctx context.Context) error
}

// NewAPI creates the operator API over the given store.
func NewAPI(directory Directory, token string) *API {
	return &API{directory: directory, token: token}
}

// WithReadyCheck installs a backing-service probe for /health.
func (a *API) WithReadyCheck(ready func(ctx context.Context) error) *API {
	a.ready = ready
	return a
}

// Router builds the chi route table.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", a.health)

	r.Group(func(r chi.Router) {
		r.Use(a.auth)

		r.Get("/leads", a.listLeads)

		r.Get("/channels", a.listChannels)
		r.Post("/channels", a.addChannel)
		r.Delete("/channels/{id}", a.removeChannel)
		r.Put("/channels/{id}/keywords", a.setKeywords)

		r.Get("/accounts", a.listAccounts)
		r.Post("/accounts", a.addAccount)
		r.Delete("/accounts/{id}", a.deactivateAccount)

		r.Get("/welcome-message", a.getWelcome)
		r.Put("/welcome-message", a.setWelcome)
	})

	return r
}

// auth requires the configured bearer token on every mutating or
// data-bearing route. An empty token disables the check (local dev).
func (a *API) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != a.token {
				writeError(w, http.StatusUnauthorized, "invalid or missing token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		if err := a.ready(r.Context()); err != nil {
			slog.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) listLeads(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 {
		limit = defaultLeadsLimit
	}

	leads, err := a.directory.ListRecentLeads(r.Context(), limit)
	if err != nil {
		slog.Error("list leads failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list leads failed")
		return
	}
	if leads == nil {
		leads = []store.LeadSummary{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"leads": leads})
}

func (a *API) listChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := a.directory.ListActiveChannels(r.Context())
	if err != nil {
		slog.Error("list channels failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list channels failed")
		return
	}
	if channels == nil {
		channels = []models.Channel{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"channels": channels})
}

func (a *API) addChannel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ID == 0 {
		writeError(w, http.StatusBadRequest, "body must carry a non-zero channel id")
		return
	}

	if err := a.directory.AddChannel(r.Context(), body.ID, body.Name); err != nil {
		slog.Error("add channel failed", "channel_id", body.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "add channel failed")
		return
	}

	slog.Info("channel added to watch list", "channel_id", body.ID, "name", body.Name)
	writeJSON(w, http.StatusCreated, map[string]any{"id": body.ID})
}

func (a *API) removeChannel(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "channel id must be numeric")
		return
	}

	if err := a.directory.RemoveChannel(r.Context(), id); err != nil {
		slog.Error("remove channel failed", "channel_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "remove channel failed")
		return
	}

	slog.Info("channel removed from watch list", "channel_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) setKeywords(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "channel id must be numeric")
		return
	}

	var body struct {
		Keywords []string `json:"keywords"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	if err := a.directory.SetChannelKeywords(r.Context(), id, body.Keywords); err != nil {
		slog.Error("set channel keywords failed", "channel_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "set keywords failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"id": id, "keywords": body.Keywords})
}

// accountView is the account shape returned to operators. Session blobs
// never leave the service.
type accountView struct {
	ID         int64     `json:"id"`
	Handle     string    `json:"handle"`
	LastUsedAt time.Time `json:"last_used_at"`
	IsActive   bool      `json:"is_active"`
}

func (a *API) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := a.directory.ListActiveAccounts(r.Context())
	if err != nil {
		slog.Error("list accounts failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list accounts failed")
		return
	}

	views := make([]accountView, 0, len(accounts))
	for _, acc := range accounts {
		views = append(views, accountView{
			ID:         acc.ID,
			Handle:     acc.Handle,
			LastUsedAt: acc.LastUsedAt,
			IsActive:   acc.IsActive,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"accounts": views})
}

func (a *API) addAccount(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Handle  string `json:"handle"`
		Session string `json:"session"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Handle) == "" {
		writeError(w, http.StatusBadRequest, "body must carry a non-empty handle")
		return
	}

	if err := a.directory.UpsertAccount(r.Context(), body.Handle, body.Session); err != nil {
		slog.Error("add account failed", "handle", body.Handle, "error", err)
		writeError(w, http.StatusInternalServerError, "add account failed")
		return
	}

	slog.Info("outreach account registered", "handle", body.Handle)
	writeJSON(w, http.StatusCreated, map[string]string{"handle": body.Handle})
}

func (a *API) deactivateAccount(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "account id must be numeric")
		return
	}

	if err := a.directory.DeactivateAccount(r.Context(), id); err != nil {
		slog.Error("deactivate account failed", "account_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "deactivate account failed")
		return
	}

	slog.Info("outreach account deactivated", "account_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) getWelcome(w http.ResponseWriter, r *http.Request) {
	text, err := a.directory.GetSetting(r.Context(),
		pipeline.WelcomeMessageKey, pipeline.DefaultWelcomeMessage)
	if err != nil {
		slog.Error("load welcome message failed", "error", err)
		writeError(w, http.StatusInternalServerError, "load welcome message failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

func (a *API) setWelcome(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Text) == "" {
		writeError(w, http.StatusBadRequest, "body must carry non-empty text")
		return
	}

	if err := a.directory.SetSetting(r.Context(), pipeline.WelcomeMessageKey, body.Text); err != nil {
		slog.Error("save welcome message failed", "error", err)
		writeError(w, http.StatusInternalServerError, "save welcome message failed")
		return
	}

	slog.Info("welcome message updated", "length", len(body.Text))
	writeJSON(w, http.StatusOK, map[string]string{"text": body.Text})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Serve starts the operator API server on the given port. It binds the
// port immediately and signals readiness via the returned channel before
// starting to accept connections.
func Serve(ctx context.Context, port int, api *API) (<-chan struct{}, error) {
	server := &http.Server{
		Handler: api.Router(),
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind ops port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("ops server shutting down")
		server.Close()
	}()

	go func() {
		slog.Info("ops server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("ops server error", "error", err)
		}
	}()

	return ready, nil
}
