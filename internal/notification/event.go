// Herald - Multi-Device Notification Fan-out and Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package notification defines the core data model shared across the
// pipeline: domain events, priority classes, devices, and delivery tasks.
package notification

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// EventType is the closed set of domain event kinds Herald delivers.
// Adding a type requires updating PriorityOf and the ingress validator.
type EventType string

const (
	// EventPlayProgress is the per-minute playback position report.
	// High frequency, low value: subject to coalescing and shedding.
	EventPlayProgress EventType = "play_progress"

	// EventMembershipChanged signals a plan change or cancellation from the
	// billing collaborator. Latency critical, never shed.
	EventMembershipChanged EventType = "membership_changed"

	// EventRecommendationsReady is the daily signal from the recommendation
	// pipeline. High volume, batched, never dropped.
	EventRecommendationsReady EventType = "recommendations_ready"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventPlayProgress, EventMembershipChanged, EventRecommendationsReady:
		return true
	default:
		return false
	}
}

// Priority is the delivery priority class attached to every event.
type Priority string

const (
	// PriorityCritical bypasses coalescing and shedding entirely and has
	// reserved transport capacity.
	PriorityCritical Priority = "critical"

	// PriorityImportant may be batched and rate limited but never dropped.
	PriorityImportant Priority = "important"

	// PriorityNormal is subject to coalescing and, under overload, shedding.
	PriorityNormal Priority = "normal"
)

// PriorityOf is the static classification table mapping event types to
// priority classes. Selection is an explicit match over the closed type set.
func PriorityOf(t EventType) Priority {
	switch t {
	case EventMembershipChanged:
		return PriorityCritical
	case EventRecommendationsReady:
		return PriorityImportant
	case EventPlayProgress:
		return PriorityNormal
	default:
		return PriorityNormal
	}
}

// Event is a domain event entering the pipeline. Immutable once created:
// stages pass it by pointer and never mutate it.
type Event struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	Type       EventType       `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Priority   Priority        `json:"priority"`

	// MembershipVersion is the version a MembershipChanged event was built
	// against. Zero for other event types.
	MembershipVersion int64 `json:"membership_version,omitempty"`
}

// NewEvent creates an event with a generated ID, the current time, and the
// priority derived from its type.
func NewEvent(userID string, t EventType, payload json.RawMessage) *Event {
	return &Event{
		ID:         uuid.New().String(),
		UserID:     userID,
		Type:       t,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
		Priority:   PriorityOf(t),
	}
}

// Validate checks required fields. Malformed events are rejected at the
// ingress boundary and never enter the pipeline.
func (e *Event) Validate() error {
	if e == nil {
		return errors.New("event is nil")
	}
	if e.ID == "" {
		return errors.New("event ID is required")
	}
	if e.UserID == "" {
		return errors.New("user ID is required")
	}
	if !e.Type.Valid() {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.OccurredAt.IsZero() {
		return errors.New("occurred_at is required")
	}
	return nil
}

// PlayProgressPayload is the payload carried by EventPlayProgress events.
// Coalescing keys on ShowID, not EpisodeID, so an episode rollover inside a
// window updates the payload without opening a second window.
type PlayProgressPayload struct {
	ShowID          string `json:"show_id"`
	EpisodeID       string `json:"episode_id,omitempty"`
	PositionSeconds int    `json:"position_seconds"`
}

// MembershipPayload is the payload carried by EventMembershipChanged events.
type MembershipPayload struct {
	Version int64  `json:"version"`
	Plan    string `json:"plan"`
	Active  bool   `json:"active"`
}

// RecommendationsPayload is the payload carried by EventRecommendationsReady
// events.
type RecommendationsPayload struct {
	BatchID string `json:"batch_id,omitempty"`
	Count   int    `json:"count,omitempty"`
}

// PlayProgress decodes the payload of an EventPlayProgress event.
func (e *Event) PlayProgress() (*PlayProgressPayload, error) {
	if e.Type != EventPlayProgress {
		return nil, fmt.Errorf("event type %q is not %q", e.Type, EventPlayProgress)
	}
	var p PlayProgressPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode play progress payload: %w", err)
	}
	if p.ShowID == "" {
		return nil, errors.New("play progress payload missing show_id")
	}
	return &p, nil
}

// Membership decodes the payload of an EventMembershipChanged event.
func (e *Event) Membership() (*MembershipPayload, error) {
	if e.Type != EventMembershipChanged {
		return nil, fmt.Errorf("event type %q is not %q", e.Type, EventMembershipChanged)
	}
	var p MembershipPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode membership payload: %w", err)
	}
	return &p, nil
}
