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

// Package dedup tracks already-processed ad content and already-contacted
// users in Redis with a TTL per key space. The cache is an optimization
// over the durable ledger: a rare duplicate send after a missed mark is
// acceptable, a missed mark after a successful send is not, so marking is
// separate from checking where a send must complete in between.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ContentTTL is how long processed ad content hashes are remembered.
	ContentTTL = 7 * 24 * time.Hour

	// ContactTTL is how long contacted-user markers are remembered. Longer
	// than ContentTTL so a user is not re-messaged when they repost.
	ContactTTL = 30 * 24 * time.Hour

	contentKeyPrefix = "seen:ad:"
	contactKeyPrefix = "seen:user:"
)

// Filter gates reprocessing of identical content and repeat contact of
// the same user.
type Filter struct {
	rdb        *redis.Client
	contentTTL time.Duration
	contactTTL time.Duration
}

// NewFilter creates a dedup filter backed by Redis.
func NewFilter(rdb *redis.Client) *Filter {
	return &Filter{
		rdb:        rdb,
		contentTTL: ContentTTL,
		contactTTL: ContactTTL,
	}
}

// MarkContent atomically records a content hash as processed. Returns true
// if the hash was new; false means another worker already claimed it.
func (f *Filter) MarkContent(ctx context.Context, contentHash string) (bool, error) {
	key := contentKeyPrefix + contentHash

	// SET NX = set only if the key does not exist, so two workers racing
	// on the same hash resolve to exactly one winner.
	set, err := f.rdb.SetNX(ctx, key, 1, f.contentTTL).Result()
	if err != nil {
		return false, fmt.Errorf("dedup content SETNX: %w", err)
	}
	return set, nil
}

// UserContacted reports whether a contacted-user marker exists.
func (f *Filter) UserContacted(ctx context.Context, userID int64) (bool, error) {
	key := fmt.Sprintf("%s%d", contactKeyPrefix, userID)

	n, err := f.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("dedup contact EXISTS: %w", err)
	}
	return n > 0, nil
}

// MarkUserContacted records a user as contacted after a successful (or
// terminally failed) send.
func (f *Filter) MarkUserContacted(ctx context.Context, userID int64) error {
	key := fmt.Sprintf("%s%d", contactKeyPrefix, userID)

	if err := f.rdb.Set(ctx, key, 1, f.contactTTL).Err(); err != nil {
		return fmt.Errorf("dedup contact SET: %w", err)
	}
	return nil
}
