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
)

const lockKeyPrefix = "lock:"

// AcquireLock atomically creates a lock key with the given TTL. Returns
// false when the lock is already held. Used for notification deduplication
// windows and single-flight recompute guards; the TTL bounds the suppression
// window so a crashed holder never wedges the key.
func (s *Store) AcquireLock(_ context.Context, name string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("lock %s: ttl must be positive", name)
	}
	key := []byte(lockKeyPrefix + name)

	acquired := false
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil // held
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		e := badger.NewEntry(key, []byte{1}).WithTTL(ttl)
		if err := txn.SetEntry(e); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return acquired, nil
}

// ReleaseLock drops a lock before its TTL expires. Releasing an unheld lock
// is not an error.
func (s *Store) ReleaseLock(ctx context.Context, name string) error {
	return s.Delete(ctx, lockKeyPrefix+name)
}
