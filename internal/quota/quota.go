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

// Package quota bounds outbound message volume per account with
// hour-bucketed Redis counters. The counters are advisory, not a durable
// ledger: stale buckets expire on their own and a restart at worst
// forgets part of the current hour.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// bucketRetention keeps a counter alive past its hour so clock skew or
	// a restart cannot resurrect a drained bucket as fresh.
	bucketRetention = 2 * time.Hour

	keyPrefix = "quota:dm:"
)

// Tracker enforces a per-account hourly ceiling on outbound sends.
type Tracker struct {
	rdb     *redis.Client
	ceiling int64
	now     func() time.Time
}

// NewTracker creates a quota tracker with the given per-hour ceiling.
func NewTracker(rdb *redis.Client, ceiling int) *Tracker {
	return &Tracker{
		rdb:     rdb,
		ceiling: int64(ceiling),
		now:     time.Now,
	}
}

// TryReserve atomically claims one send slot for the account in the
// current hour bucket. Returns false once the ceiling is reached.
//
// INCR is atomic per key, so two dispatchers racing on the last slot see
// distinct counter values and at most one of them passes the ceiling
// check. A rejected reserve leaves the counter overshot by one, which is
// harmless: the bucket expires and the overshoot never grants a slot.
func (t *Tracker) TryReserve(ctx context.Context, accountID int64) (bool, error) {
	key := bucketKey(accountID, t.now())

	n, err := t.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("quota INCR: %w", err)
	}

	if n == 1 {
		// First reserve in this bucket sets the retention window.
		if err := t.rdb.Expire(ctx, key, bucketRetention).Err(); err != nil {
			return false, fmt.Errorf("quota EXPIRE: %w", err)
		}
	}

	return n <= t.ceiling, nil
}

// bucketKey builds the counter key for an account and the hour containing ts.
func bucketKey(accountID int64, ts time.Time) string {
	return fmt.Sprintf("%s%d:%d", keyPrefix, accountID, ts.Unix()/3600)
}
