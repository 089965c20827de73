// Herald - Multi-Device Notification Fan-out and Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package coalescer collapses bursts of high-frequency low-importance events
// into one representative emission per (user, show) key per window.
//
// Keys are sharded so each key's latest-value slot is owned by exactly one
// shard lock, and deadlines live on a coarse timer wheel driven by a single
// ticker goroutine. There is no per-key timer: the design scales to millions
// of open windows.
//
// The window is fixed: a newer event replaces the pending payload but never
// resets the deadline, so emission cadence stays periodic regardless of
// arrival rate.
package coalescer

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomtom215/herald/internal/logging"
	"github.com/tomtom215/herald/internal/metrics"
	"github.com/tomtom215/herald/internal/notification"
)

// wheelSize is the number of timer-wheel buckets per shard. The wheel tick
// is window/wheelSize, bounding emission jitter to one tick.
const wheelSize = 8

// Key identifies one coalescing window. Keying on ShowID (not episode) means
// an episode rollover mid-window updates the payload without opening a
// second window.
type Key struct {
	UserID string
	ShowID string
}

// slot holds the latest pending event for a key.
type slot struct {
	event *notification.Event
}

// shard owns a partition of the key space: its slots and its timer wheel.
type shard struct {
	mu    sync.Mutex
	slots map[Key]*slot
	// wheel[i] holds the keys whose windows expire when the cursor reaches i.
	wheel [wheelSize][]Key
}

// EmitFunc receives the surviving event of an expired window.
type EmitFunc func(ctx context.Context, e *notification.Event)

// ShedFunc is consulted at emission time; returning false sheds the emission
// (the slot is retained and re-armed for the next window).
type ShedFunc func() bool

// Coalescer collapses PlayProgress bursts per (user, show) key.
type Coalescer struct {
	shards []*shard
	mask   uint32
	window time.Duration
	tick   time.Duration
	emit   EmitFunc
	allow  ShedFunc

	// cursor is the wheel position; read by Offer, advanced by the ticker.
	cursor atomic.Int64
}

// Config holds coalescer settings.
type Config struct {
	// Window is the fixed emission cadence per key.
	Window time.Duration
	// Shards partitions the key space; rounded up to a power of two.
	Shards int
}

// New creates a coalescer. emit is called with the latest event of each
// expired window; allow (optional) gates emission under overload.
func New(cfg Config, emit EmitFunc, allow ShedFunc) *Coalescer {
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	if cfg.Shards < 1 {
		cfg.Shards = 1
	}
	n := 1
	for n < cfg.Shards {
		n <<= 1
	}

	c := &Coalescer{
		shards: make([]*shard, n),
		mask:   uint32(n - 1),
		window: cfg.Window,
		tick:   cfg.Window / wheelSize,
		emit:   emit,
		allow:  allow,
	}
	for i := range c.shards {
		c.shards[i] = &shard{slots: make(map[Key]*slot)}
	}
	return c
}

// Offer admits a PlayProgress event into its coalescing window. If the key
// already has an open window the event replaces the pending payload; the
// deadline is untouched. Non-PlayProgress events are rejected by the caller,
// not here.
func (c *Coalescer) Offer(e *notification.Event) error {
	progress, err := e.PlayProgress()
	if err != nil {
		return err
	}
	key := Key{UserID: e.UserID, ShowID: progress.ShowID}

	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.slots[key]; ok {
		existing.event = e
		metrics.CoalescerReplacements.Inc()
		return nil
	}

	s.slots[key] = &slot{event: e}
	// Park the key one full wheel revolution ahead: the cursor's own bucket
	// is the last one to fire, giving a full window before emission.
	bucket := int(c.cursor.Load()) % wheelSize
	s.wheel[bucket] = append(s.wheel[bucket], key)
	metrics.CoalescerActiveKeys.Inc()
	return nil
}

// Serve runs the timer-wheel ticker until the context is canceled, then
// flushes every pending window. Implements suture.Service.
func (c *Coalescer) Serve(ctx context.Context) error {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	logging.Info().
		Dur("window", c.window).
		Int("shards", len(c.shards)).
		Msg("coalescer started")

	for {
		select {
		case <-ctx.Done():
			c.flush(context.WithoutCancel(ctx))
			return ctx.Err()
		case <-ticker.C:
			c.advance(ctx)
		}
	}
}

// advance moves the cursor one bucket and fires every key parked there.
func (c *Coalescer) advance(ctx context.Context) {
	bucket := int(c.cursor.Add(1)) % wheelSize

	for _, s := range c.shards {
		c.fireBucket(ctx, s, bucket)
	}
}

// fireBucket emits or re-arms every due key in the shard's bucket.
func (c *Coalescer) fireBucket(ctx context.Context, s *shard, bucket int) {
	s.mu.Lock()
	due := s.wheel[bucket]
	s.wheel[bucket] = nil

	var emits []*notification.Event
	var rearmed []Key
	for _, key := range due {
		sl, ok := s.slots[key]
		if !ok {
			continue
		}
		if c.allow != nil && !c.allow() {
			// Shed: skip this emission, keep only the latest value, and try
			// again next window. No partial or duplicate sends downstream.
			rearmed = append(rearmed, key)
			metrics.EventsShed.Inc()
			continue
		}
		emits = append(emits, sl.event)
		delete(s.slots, key)
		metrics.CoalescerActiveKeys.Dec()
	}
	s.wheel[bucket] = append(s.wheel[bucket], rearmed...)
	s.mu.Unlock()

	// Emit outside the shard lock so a slow dispatcher never blocks Offer.
	for _, e := range emits {
		metrics.CoalescerEmissions.Inc()
		c.emit(ctx, e)
	}
}

// flush emits every pending window immediately. Called on shutdown so
// buffered progress reports are not lost.
func (c *Coalescer) flush(ctx context.Context) {
	for _, s := range c.shards {
		s.mu.Lock()
		var emits []*notification.Event
		for key, sl := range s.slots {
			emits = append(emits, sl.event)
			delete(s.slots, key)
			metrics.CoalescerActiveKeys.Dec()
		}
		for i := range s.wheel {
			s.wheel[i] = nil
		}
		s.mu.Unlock()

		for _, e := range emits {
			metrics.CoalescerEmissions.Inc()
			c.emit(ctx, e)
		}
	}
}

// PendingKeys returns the number of open windows. Used by health checks and
// tests.
func (c *Coalescer) PendingKeys() int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		total += len(s.slots)
		s.mu.Unlock()
	}
	return total
}

func (c *Coalescer) shardFor(key Key) *shard {
	h := fnv.New32a()
	h.Write([]byte(key.UserID))
	h.Write([]byte{0})
	h.Write([]byte(key.ShowID))
	return c.shards[h.Sum32()&c.mask]
}

// String implements suture's friendly service naming.
func (c *Coalescer) String() string { return "coalescer" }
