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

// Package transport abstracts the chat system behind a Messenger
// interface and classifies send failures into the taxonomy the dispatcher
// acts on: privacy blocks are terminal per user, transient faults are
// retryable, fatal faults take the account out of the pool.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/ownerleads/pipeline/internal/models"
)

// ErrPrivacyRestricted means the recipient blocks direct messages.
// Terminal for that user: the pipeline records the contact anyway so the
// work item is never retried.
var ErrPrivacyRestricted = errors.New("recipient restricts direct messages")

// TransientError is a retryable send failure (network, rate limiting).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient send failure: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError is an unrecoverable account failure (revoked session, ban).
// The dispatcher deactivates the account on seeing one.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal send failure: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// Messenger sends direct messages through one outbound account.
type Messenger interface {
	// SendDirectMessage delivers text to userID via the given account and
	// returns the transport's message ID.
	SendDirectMessage(ctx context.Context, account models.Account, userID int64, text string) (string, error)
}
