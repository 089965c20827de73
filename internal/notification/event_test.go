// Herald - Multi-Device Notification Fan-out and Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package notification

import (
	"testing"
	"time"
)

func TestPriorityOf(t *testing.T) {
	tests := []struct {
		eventType EventType
		want      Priority
	}{
		{EventMembershipChanged, PriorityCritical},
		{EventRecommendationsReady, PriorityImportant},
		{EventPlayProgress, PriorityNormal},
	}

	for _, tt := range tests {
		if got := PriorityOf(tt.eventType); got != tt.want {
			t.Errorf("PriorityOf(%s) = %s, want %s", tt.eventType, got, tt.want)
		}
	}
}

func TestEvent_Validate(t *testing.T) {
	valid := Event{
		ID:         "e1",
		UserID:     "u1",
		Type:       EventPlayProgress,
		OccurredAt: time.Now(),
	}

	tests := []struct {
		name    string
		mutate  func(e *Event)
		wantErr bool
	}{
		{"valid", func(e *Event) {}, false},
		{"missing id", func(e *Event) { e.ID = "" }, true},
		{"missing user", func(e *Event) { e.UserID = "" }, true},
		{"unknown type", func(e *Event) { e.Type = "bogus" }, true},
		{"zero occurred_at", func(e *Event) { e.OccurredAt = time.Time{} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid
			tt.mutate(&e)
			err := e.Validate()
			if tt.wantErr && err == nil {
				t.Error("Expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Unexpected validation error: %v", err)
			}
		})
	}
}

func TestEvent_PlayProgress(t *testing.T) {
	e := NewEvent("u1", EventPlayProgress, []byte(`{"show_id":"lassie","episode_id":"s01e03","position_seconds":95}`))

	p, err := e.PlayProgress()
	if err != nil {
		t.Fatalf("PlayProgress: %v", err)
	}
	if p.ShowID != "lassie" || p.PositionSeconds != 95 {
		t.Errorf("Unexpected payload: %+v", p)
	}

	// Missing show_id is rejected
	bad := NewEvent("u1", EventPlayProgress, []byte(`{"position_seconds":5}`))
	if _, err := bad.PlayProgress(); err == nil {
		t.Error("Expected error for payload without show_id")
	}

	// Wrong event type is rejected
	wrong := NewEvent("u1", EventMembershipChanged, []byte(`{}`))
	if _, err := wrong.PlayProgress(); err == nil {
		t.Error("Expected error decoding play progress from membership event")
	}
}
