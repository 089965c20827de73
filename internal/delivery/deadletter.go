// Herald - Multi-Device Notification Fan-out and Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package delivery

import (
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/herald/internal/metrics"
	"github.com/tomtom215/herald/internal/notification"
)

const deadLetterPrefix = "deadletter/"

// DeadLetterEntry is a task that exhausted its retries, kept for inspection
// and manual replay.
type DeadLetterEntry struct {
	Task     *notification.Task `json:"task"`
	Reason   string             `json:"reason"`
	FailedAt time.Time          `json:"failed_at"`
}

// DeadLetterStore persists failed tasks in badger with a retention TTL so
// the store cannot grow without bound.
type DeadLetterStore struct {
	db  *badger.DB
	ttl time.Duration
}

// NewDeadLetterStore opens the store at dir with the given retention.
// An empty dir opens an in-memory store, used in tests.
func NewDeadLetterStore(dir string, ttl time.Duration) (*DeadLetterStore, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open dead-letter store: %w", err)
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &DeadLetterStore{db: db, ttl: ttl}, nil
}

// Save records a failed task.
func (s *DeadLetterStore) Save(t *notification.Task, reason string) error {
	entry := DeadLetterEntry{Task: t, Reason: reason, FailedAt: time.Now().UTC()}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead-letter entry: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(deadLetterPrefix+t.IdempotencyKey), data).WithTTL(s.ttl)
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("save dead-letter entry %s: %w", t.IdempotencyKey, err)
	}
	metrics.DeliveryDeadLettered.Inc()
	return nil
}

// List returns up to limit entries, oldest key first.
func (s *DeadLetterStore) List(limit int) ([]DeadLetterEntry, error) {
	var out []DeadLetterEntry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(deadLetterPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid() && (limit <= 0 || len(out) < limit); it.Next() {
			var entry DeadLetterEntry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				continue // skip corrupt entries
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list dead-letter entries: %w", err)
	}
	return out, nil
}

// Delete removes an entry by its task idempotency key.
func (s *DeadLetterStore) Delete(idempotencyKey string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(deadLetterPrefix + idempotencyKey))
	})
}

// Close closes the underlying database.
func (s *DeadLetterStore) Close() error {
	return s.db.Close()
}
