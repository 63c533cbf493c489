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

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ownerleads/pipeline/internal/models"
)

// GatewayClient talks to the messaging gateway sidecar that holds the
// actual chat sessions. The gateway exposes one send endpoint per account
// and pushes inbound updates to our webhook.
type GatewayClient struct {
	httpClient *http.Client
	baseURL    string
	authToken  string
}

// NewGatewayClient creates a gateway-backed Messenger.
func NewGatewayClient(baseURL, authToken string) *GatewayClient {
	return &GatewayClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		authToken:  authToken,
	}
}

type sendRequest struct {
	UserID  int64  `json:"user_id"`
	Text    string `json:"text"`
	Session string `json:"session"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
}

// SendDirectMessage delivers text to userID through the account's session.
func (c *GatewayClient) SendDirectMessage(ctx context.Context, account models.Account, userID int64, text string) (string, error) {
	payload, err := json.Marshal(sendRequest{
		UserID:  userID,
		Text:    text,
		Session: account.Session,
	})
	if err != nil {
		return "", fmt.Errorf("marshal send request: %w", err)
	}

	url := fmt.Sprintf("%s/accounts/%d/messages", c.baseURL, account.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	var out sendResponse
	_ = json.Unmarshal(body, &out)

	switch {
	case resp.StatusCode == http.StatusOK:
		return out.MessageID, nil

	case resp.StatusCode == http.StatusForbidden && out.Code == "PRIVACY_RESTRICTED":
		return "", ErrPrivacyRestricted

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", &FatalError{Err: fmt.Errorf("gateway rejected account %d: HTTP %d %s", account.ID, resp.StatusCode, out.Code)}

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", &TransientError{Err: fmt.Errorf("gateway HTTP %d", resp.StatusCode)}

	default:
		slog.Error("unexpected gateway response",
			"account", account.ID,
			"status", resp.StatusCode,
			"body", string(body),
		)
		return "", fmt.Errorf("gateway returned HTTP %d", resp.StatusCode)
	}
}
