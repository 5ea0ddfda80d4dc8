// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

const bucketKeyPrefix = "bucket:"

// bucketState is the persisted token bucket. Tokens refill continuously at
// capacity/window and cap at capacity.
type bucketState struct {
	Tokens    float64   `json:"tokens"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TakeToken attempts to consume one token from the named bucket. The bucket
// is shared across all workers through the store, so concurrent crawls of
// the same host observe one budget. When no token is available, ok is false
// and wait is the time until the next token accrues.
func (s *Store) TakeToken(_ context.Context, name string, capacity int, window time.Duration) (ok bool, wait time.Duration, err error) {
	if capacity <= 0 || window <= 0 {
		return false, 0, fmt.Errorf("bucket %s: capacity and window must be positive", name)
	}
	key := []byte(bucketKeyPrefix + name)
	refillPerSec := float64(capacity) / window.Seconds()

	err = s.db.Update(func(txn *badger.Txn) error {
		now := time.Now()
		state := bucketState{Tokens: float64(capacity), UpdatedAt: now}

		item, gerr := txn.Get(key)
		switch {
		case gerr == nil:
			if verr := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &state)
			}); verr != nil {
				return verr
			}
			elapsed := now.Sub(state.UpdatedAt).Seconds()
			if elapsed > 0 {
				state.Tokens += elapsed * refillPerSec
				if state.Tokens > float64(capacity) {
					state.Tokens = float64(capacity)
				}
			}
			state.UpdatedAt = now
		case errors.Is(gerr, badger.ErrKeyNotFound):
			// fresh bucket starts full
		default:
			return gerr
		}

		if state.Tokens >= 1 {
			state.Tokens--
			ok = true
		} else {
			deficit := 1 - state.Tokens
			wait = time.Duration(deficit / refillPerSec * float64(time.Second))
		}

		data, merr := json.Marshal(state)
		if merr != nil {
			return merr
		}
		// Idle buckets expire after two full refill windows.
		e := badger.NewEntry(key, data).WithTTL(2 * window)
		return txn.SetEntry(e)
	})
	if err != nil {
		return false, 0, fmt.Errorf("take token %s: %w", name, err)
	}
	return ok, wait, nil
}
