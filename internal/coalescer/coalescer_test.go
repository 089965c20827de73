// Herald - Multi-Device Notification Fan-out and Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package coalescer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/herald/internal/notification"
)

// collector records emitted events.
type collector struct {
	mu     sync.Mutex
	events []*notification.Event
}

func (c *collector) emit(_ context.Context, e *notification.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) snapshot() []*notification.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*notification.Event, len(c.events))
	copy(out, c.events)
	return out
}

func progressEvent(userID, showID string, position int) *notification.Event {
	payload := fmt.Sprintf(`{"show_id":%q,"position_seconds":%d}`, showID, position)
	return notification.NewEvent(userID, notification.EventPlayProgress, []byte(payload))
}

func startCoalescer(t *testing.T, window time.Duration, allow ShedFunc) (*Coalescer, *collector, context.CancelFunc) {
	t.Helper()
	sink := &collector{}
	c := New(Config{Window: window, Shards: 4}, sink.emit, allow)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c, sink, cancel
}

func TestCoalescer_OneEmissionPerWindow(t *testing.T) {
	c, sink, _ := startCoalescer(t, 200*time.Millisecond, nil)

	// A burst of reports for the same (user, show) within one window.
	for pos := 1; pos <= 10; pos++ {
		if err := c.Offer(progressEvent("alice", "lassie", pos)); err != nil {
			t.Fatalf("Offer: %v", err)
		}
	}

	time.Sleep(400 * time.Millisecond)

	events := sink.snapshot()
	if len(events) != 1 {
		t.Fatalf("Expected exactly 1 emission, got %d", len(events))
	}
	p, err := events[0].PlayProgress()
	if err != nil {
		t.Fatalf("PlayProgress: %v", err)
	}
	if p.PositionSeconds != 10 {
		t.Errorf("Expected most recent payload (10), got %d", p.PositionSeconds)
	}
	if c.PendingKeys() != 0 {
		t.Errorf("Expected no pending keys after emission, got %d", c.PendingKeys())
	}
}

// Two windows of reports yield exactly two emissions carrying the last
// payload of each window (the "watch at 5, 35, 65, 95 seconds" scenario,
// scaled down).
func TestCoalescer_TwoWindowsTwoEmissions(t *testing.T) {
	c, sink, _ := startCoalescer(t, 300*time.Millisecond, nil)

	if err := c.Offer(progressEvent("alice", "lassie", 5)); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := c.Offer(progressEvent("alice", "lassie", 35)); err != nil {
		t.Fatalf("Offer: %v", err)
	}

	// Wait well past the first window.
	time.Sleep(500 * time.Millisecond)

	if err := c.Offer(progressEvent("alice", "lassie", 65)); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := c.Offer(progressEvent("alice", "lassie", 95)); err != nil {
		t.Fatalf("Offer: %v", err)
	}

	time.Sleep(500 * time.Millisecond)

	events := sink.snapshot()
	if len(events) != 2 {
		t.Fatalf("Expected exactly 2 emissions, got %d", len(events))
	}
	p1, _ := events[0].PlayProgress()
	p2, _ := events[1].PlayProgress()
	if p1.PositionSeconds != 35 {
		t.Errorf("Expected first window to emit position 35, got %d", p1.PositionSeconds)
	}
	if p2.PositionSeconds != 95 {
		t.Errorf("Expected second window to emit position 95, got %d", p2.PositionSeconds)
	}
}

func TestCoalescer_DistinctKeysEmitSeparately(t *testing.T) {
	c, sink, _ := startCoalescer(t, 150*time.Millisecond, nil)

	_ = c.Offer(progressEvent("alice", "lassie", 1))
	_ = c.Offer(progressEvent("alice", "beethoven", 2))
	_ = c.Offer(progressEvent("bob", "lassie", 3))

	time.Sleep(350 * time.Millisecond)

	if got := len(sink.snapshot()); got != 3 {
		t.Errorf("Expected 3 emissions for 3 distinct keys, got %d", got)
	}
}

// An episode rollover mid-window only updates the payload: keying is by
// show, not episode.
func TestCoalescer_EpisodeRolloverSharesKey(t *testing.T) {
	c, sink, _ := startCoalescer(t, 200*time.Millisecond, nil)

	e1 := notification.NewEvent("alice", notification.EventPlayProgress,
		[]byte(`{"show_id":"lassie","episode_id":"s01e01","position_seconds":1400}`))
	e2 := notification.NewEvent("alice", notification.EventPlayProgress,
		[]byte(`{"show_id":"lassie","episode_id":"s01e02","position_seconds":30}`))

	_ = c.Offer(e1)
	_ = c.Offer(e2)

	time.Sleep(400 * time.Millisecond)

	events := sink.snapshot()
	if len(events) != 1 {
		t.Fatalf("Expected 1 emission across episode rollover, got %d", len(events))
	}
	p, _ := events[0].PlayProgress()
	if p.EpisodeID != "s01e02" {
		t.Errorf("Expected rollover payload, got episode %s", p.EpisodeID)
	}
}

func TestCoalescer_ShedRetainsLatestValue(t *testing.T) {
	var mu sync.Mutex
	allowed := false
	allow := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return allowed
	}

	c, sink, _ := startCoalescer(t, 150*time.Millisecond, allow)

	_ = c.Offer(progressEvent("alice", "lassie", 7))
	time.Sleep(350 * time.Millisecond)

	// Shed: nothing emitted, latest value retained for the next window.
	if got := len(sink.snapshot()); got != 0 {
		t.Fatalf("Expected no emissions while shedding, got %d", got)
	}
	if c.PendingKeys() != 1 {
		t.Errorf("Expected retained key while shedding, got %d", c.PendingKeys())
	}

	mu.Lock()
	allowed = true
	mu.Unlock()
	time.Sleep(350 * time.Millisecond)

	events := sink.snapshot()
	if len(events) != 1 {
		t.Fatalf("Expected 1 emission after shedding lifted, got %d", len(events))
	}
	p, _ := events[0].PlayProgress()
	if p.PositionSeconds != 7 {
		t.Errorf("Expected retained payload 7, got %d", p.PositionSeconds)
	}
}

func TestCoalescer_FlushOnShutdown(t *testing.T) {
	c, sink, cancel := startCoalescer(t, time.Minute, nil)

	_ = c.Offer(progressEvent("alice", "lassie", 42))
	cancel()
	time.Sleep(50 * time.Millisecond)

	events := sink.snapshot()
	if len(events) != 1 {
		t.Fatalf("Expected pending window flushed on shutdown, got %d emissions", len(events))
	}
}

func TestCoalescer_RejectsNonProgressEvents(t *testing.T) {
	c, _, _ := startCoalescer(t, time.Minute, nil)
	e := notification.NewEvent("alice", notification.EventMembershipChanged, []byte(`{}`))
	if err := c.Offer(e); err == nil {
		t.Error("Expected error offering a non-progress event")
	}
}
