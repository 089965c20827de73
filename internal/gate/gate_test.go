// Herald - Multi-Device Notification Fan-out and Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package gate

import (
	"context"
	"errors"
	"testing"

	"github.com/tomtom215/herald/internal/notification"
)

// stubSource is a canned version source.
type stubSource struct {
	versions map[string]int64
	err      error
	calls    int
}

func (s *stubSource) GetVersion(_ context.Context, userID string) (int64, error) {
	s.calls++
	if s.err != nil {
		return 0, s.err
	}
	return s.versions[userID], nil
}

func TestGate_ObserveVersionMonotone(t *testing.T) {
	g := New(nil)

	if !g.ObserveVersion("alice", notification.MembershipPayload{Version: 2, Active: true}) {
		t.Error("Expected first observation to advance")
	}
	if g.ObserveVersion("alice", notification.MembershipPayload{Version: 1, Active: true}) {
		t.Error("Expected older version to be ignored")
	}
	if g.ObserveVersion("alice", notification.MembershipPayload{Version: 2}) {
		t.Error("Expected equal version to be ignored")
	}
	if !g.ObserveVersion("alice", notification.MembershipPayload{Version: 3, Active: false}) {
		t.Error("Expected newer version to advance")
	}

	rec, ok := g.LatestRecord("alice")
	if !ok || rec.Version != 3 || rec.Active {
		t.Errorf("Expected latest record v3 inactive, got %+v (ok=%v)", rec, ok)
	}
}

func TestGate_CheckFresh(t *testing.T) {
	g := New(nil)
	g.ObserveVersion("alice", notification.MembershipPayload{Version: 5})

	latest, fresh, err := g.CheckFresh(context.Background(), "alice", 5)
	if err != nil || !fresh || latest != 5 {
		t.Errorf("Expected fresh at v5, got latest=%d fresh=%v err=%v", latest, fresh, err)
	}

	// A task built against v4 observes v5 at send time: stale, must be
	// discarded and rebuilt, never applied.
	latest, fresh, err = g.CheckFresh(context.Background(), "alice", 4)
	if err != nil {
		t.Fatalf("CheckFresh: %v", err)
	}
	if fresh {
		t.Error("Expected stale verdict for old version")
	}
	if latest != 5 {
		t.Errorf("Expected latest 5 reported, got %d", latest)
	}
}

func TestGate_OutOfOrderBumpsNeverRegress(t *testing.T) {
	g := New(nil)

	// Bumps arrive out of order: v1 < v3, then a late v2.
	g.ObserveVersion("alice", notification.MembershipPayload{Version: 1})
	g.ObserveVersion("alice", notification.MembershipPayload{Version: 3})
	g.ObserveVersion("alice", notification.MembershipPayload{Version: 2})

	latest, err := g.Latest(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest != 3 {
		t.Errorf("Expected latest 3 after out-of-order bumps, got %d", latest)
	}
}

func TestGate_LatestFallsBackToSource(t *testing.T) {
	src := &stubSource{versions: map[string]int64{"bob": 7}}
	g := New(src)

	latest, err := g.Latest(context.Background(), "bob")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest != 7 {
		t.Errorf("Expected source version 7, got %d", latest)
	}

	// Second read is served from the seeded cache.
	if _, err := g.Latest(context.Background(), "bob"); err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if src.calls != 1 {
		t.Errorf("Expected one source call, got %d", src.calls)
	}
}

func TestGate_SourceErrorSurfaces(t *testing.T) {
	src := &stubSource{err: errors.New("store down")}
	g := New(src)

	if _, _, err := g.CheckFresh(context.Background(), "carol", 1); err == nil {
		t.Error("Expected source error to surface")
	}
}

func TestGate_UnknownUserIsVersionZero(t *testing.T) {
	g := New(nil)
	latest, fresh, err := g.CheckFresh(context.Background(), "nobody", 0)
	if err != nil || !fresh || latest != 0 {
		t.Errorf("Expected v0 fresh for unknown user, got latest=%d fresh=%v err=%v", latest, fresh, err)
	}
}
