// Herald - Multi-Device Notification Fan-out and Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package fanout

import (
	"context"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/herald/internal/logging"
	"github.com/tomtom215/herald/internal/metrics"
	"github.com/tomtom215/herald/internal/notification"
)

const criticalPrefix = "critical/"

// CriticalBuffer is the durable parking lot for critical events that could
// not be published. Events survive restarts and are replayed in ID order
// until the publish path recovers. Only critical traffic uses it; normal
// events are shed and important events retry in-process instead.
type CriticalBuffer struct {
	db *badger.DB
}

// NewCriticalBuffer opens the buffer at dir. An empty dir opens an
// in-memory buffer, used in tests.
func NewCriticalBuffer(dir string) (*CriticalBuffer, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open critical buffer: %w", err)
	}
	return &CriticalBuffer{db: db}, nil
}

// Put parks one event.
func (b *CriticalBuffer) Put(e *notification.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal buffered event %s: %w", e.ID, err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(criticalPrefix+e.ID), data)
	})
	if err != nil {
		return fmt.Errorf("buffer event %s: %w", e.ID, err)
	}
	metrics.FanoutBufferedCritical.Inc()
	return nil
}

// Pending returns the number of parked events.
func (b *CriticalBuffer) Pending() (int, error) {
	count := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(criticalPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Drain replays parked events through dispatch, deleting each on success.
// A dispatch failure ends the pass; the broker is still down and the rest
// of the buffer would fail the same way.
func (b *CriticalBuffer) Drain(ctx context.Context, dispatch func(context.Context, *notification.Event) error) error {
	var keys [][]byte
	var events []*notification.Event

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(criticalPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			var e notification.Event
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			})
			if err != nil {
				logging.Warn().Err(err).Str("key", string(key)).Msg("dropping corrupt buffered event")
				keys = append(keys, key)
				events = append(events, nil)
				continue
			}
			keys = append(keys, key)
			events = append(events, &e)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan critical buffer: %w", err)
	}

	for i, e := range events {
		if e != nil {
			if err := dispatch(ctx, e); err != nil {
				return fmt.Errorf("replay event %s: %w", e.ID, err)
			}
		}
		delErr := b.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(keys[i])
		})
		if delErr != nil {
			return fmt.Errorf("delete replayed event: %w", delErr)
		}
	}
	return nil
}

// Close closes the underlying database.
func (b *CriticalBuffer) Close() error {
	return b.db.Close()
}

// Replayer periodically drains the critical buffer through the dispatcher.
// Runs as a supervised service.
type Replayer struct {
	buffer   *CriticalBuffer
	dispatch func(context.Context, *notification.Event) error
	interval time.Duration
}

// NewReplayer creates a replayer draining buffer through dispatch every
// interval.
func NewReplayer(buffer *CriticalBuffer, dispatch func(context.Context, *notification.Event) error, interval time.Duration) *Replayer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Replayer{buffer: buffer, dispatch: dispatch, interval: interval}
}

// Serve drains the buffer on a fixed cadence until the context is canceled.
func (r *Replayer) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.buffer.Drain(ctx, r.dispatch); err != nil {
				logging.Debug().Err(err).Msg("critical buffer replay incomplete")
			}
		}
	}
}

func (r *Replayer) String() string { return "critical-replayer" }
