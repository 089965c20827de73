// Herald - Multi-Device Notification Fan-out and Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package gate implements the membership-version consistency gate.
//
// The gate tracks the latest committed membership version per user, fed by
// the billing collaborator's version-changed webhook and backed by the
// external version source for cache misses. Critical delivery tasks are
// checked against it when built and re-checked immediately before send: a
// task carrying an older version than the latest committed one is stale and
// must be discarded, never applied.
//
// Notification latency is never the enforcement mechanism for access
// control. The playback path re-checks the membership version at
// stream-start on its own; the gate only guarantees devices never apply
// capability data out of order.
package gate

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/tomtom215/herald/internal/logging"
	"github.com/tomtom215/herald/internal/metrics"
	"github.com/tomtom215/herald/internal/notification"
)

// VersionSource reads the authoritative membership version from the
// external user store. Used on cache miss only; the webhook keeps the cache
// warm.
type VersionSource interface {
	GetVersion(ctx context.Context, userID string) (int64, error)
}

// record is the latest committed membership state known for a user.
type record struct {
	payload notification.MembershipPayload
}

// gateShard holds the records of users hashing onto it.
type gateShard struct {
	mu      sync.RWMutex
	records map[string]*record
}

const shardCount = 64

// Gate is the sharded version cache plus staleness check.
type Gate struct {
	shards [shardCount]*gateShard
	source VersionSource
}

// New creates a gate backed by the given version source. A nil source is
// allowed; cache misses then report version 0 (no membership change seen).
func New(source VersionSource) *Gate {
	g := &Gate{source: source}
	for i := range g.shards {
		g.shards[i] = &gateShard{records: make(map[string]*record)}
	}
	return g
}

func (g *Gate) shardFor(userID string) *gateShard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return g.shards[h.Sum32()%shardCount]
}

// ObserveVersion records a membership change from the billing webhook.
// Versions are monotone: an older version never overwrites a newer one.
// Returns true if the recorded version advanced.
func (g *Gate) ObserveVersion(userID string, p notification.MembershipPayload) bool {
	s := g.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[userID]
	if ok && rec.payload.Version >= p.Version {
		return false
	}
	s.records[userID] = &record{payload: p}
	metrics.GateVersionUpdates.Inc()
	logging.Debug().
		Str("user_id", userID).
		Int64("version", p.Version).
		Bool("active", p.Active).
		Msg("membership version advanced")
	return true
}

// Latest returns the latest committed version for the user, consulting the
// external source on cache miss.
func (g *Gate) Latest(ctx context.Context, userID string) (int64, error) {
	s := g.shardFor(userID)
	s.mu.RLock()
	rec, ok := s.records[userID]
	s.mu.RUnlock()
	if ok {
		return rec.payload.Version, nil
	}

	if g.source == nil {
		return 0, nil
	}
	v, err := g.source.GetVersion(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("membership version source: %w", err)
	}
	// Seed the cache; a concurrent webhook with a newer version wins.
	g.ObserveVersion(userID, notification.MembershipPayload{Version: v})
	return v, nil
}

// LatestRecord returns the full membership payload last observed for the
// user. Used to rebuild discarded stale tasks against current state.
func (g *Gate) LatestRecord(userID string) (notification.MembershipPayload, bool) {
	s := g.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[userID]
	if !ok {
		return notification.MembershipPayload{}, false
	}
	return rec.payload, true
}

// CheckFresh reports whether a task built against the given version is
// still fresh. Returns the latest committed version either way. A stale
// result means the task must be discarded and rebuilt, never sent.
func (g *Gate) CheckFresh(ctx context.Context, userID string, builtAgainst int64) (int64, bool, error) {
	latest, err := g.Latest(ctx, userID)
	if err != nil {
		return 0, false, err
	}
	if builtAgainst < latest {
		metrics.GateStaleDiscards.Inc()
		return latest, false, nil
	}
	return latest, true, nil
}
