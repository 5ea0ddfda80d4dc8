// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

// Package kv provides the BadgerDB-backed coordination store. It carries
// short-lived cross-worker state that does not belong in the relational
// store: deduplication and recompute locks, per-host rate limit buckets and
// the cached beat schedule.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/pfielding/spyglass/internal/config"
	"github.com/pfielding/spyglass/internal/logging"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("kv: key not found")

// Store wraps a BadgerDB instance with JSON value helpers.
type Store struct {
	db     *badger.DB
	stopGC chan struct{}
}

// Open opens (or creates) the store. In-memory mode is used for tests and
// development.
func Open(cfg config.KVConfig) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open kv store: %w", err)
	}

	s := &Store{db: db, stopGC: make(chan struct{})}
	if !cfg.InMemory {
		go s.gcLoop()
	}
	return s, nil
}

// gcLoop runs value log garbage collection periodically. Badger requires
// the caller to drive GC.
func (s *Store) gcLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			for {
				if err := s.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
		}
	}
}

// Close stops background GC and closes the database.
func (s *Store) Close() error {
	close(s.stopGC)
	if err := s.db.Close(); err != nil {
		logging.Error().Err(err).Msg("Failed to close kv store")
		return err
	}
	return nil
}

// SetJSON stores a JSON-encoded value. A zero ttl means no expiry.
func (s *Store) SetJSON(_ context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), data)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
}

// GetJSON loads a JSON-encoded value into out. Returns ErrNotFound for
// missing or expired keys.
func (s *Store) GetJSON(_ context.Context, key string, out any) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get %s: %w", key, err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
}

// Delete removes a key. Deleting a missing key is not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Scan iterates all live keys under prefix, invoking fn with each key and
// raw value. Returning an error from fn stops the scan.
func (s *Store) Scan(_ context.Context, prefix string, fn func(key string, value []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			if err := item.Value(func(val []byte) error {
				return fn(key, val)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}
