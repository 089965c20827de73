// Herald - Multi-Device Notification Fan-out and Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package notification

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// TaskState is the lifecycle state of a delivery task.
type TaskState string

const (
	// TaskPending means the task is queued or waiting for retry.
	TaskPending TaskState = "pending"
	// TaskSent means a transport send is in flight or completed without ack.
	TaskSent TaskState = "sent"
	// TaskAcked is terminal: the transport acknowledged delivery.
	TaskAcked TaskState = "acked"
	// TaskFailed is terminal: retries were exhausted and the task dead-lettered.
	TaskFailed TaskState = "failed"
	// TaskExpired is terminal: the task was invalidated (stale version,
	// unregistered device, permanent transport failure).
	TaskExpired TaskState = "expired"
)

// Terminal reports whether no further transition out of s is allowed.
func (s TaskState) Terminal() bool {
	return s == TaskAcked || s == TaskFailed || s == TaskExpired
}

// Task is one unit of delivery work: a single event bound to a single device.
// Exactly one worker acts on a task at a time; ownership transfers on dequeue.
type Task struct {
	EventID   string    `json:"event_id"`
	EventType EventType `json:"event_type"`
	UserID    string    `json:"user_id"`
	DeviceID  string    `json:"device_id"`
	Platform  Platform  `json:"platform"`
	Priority  Priority  `json:"priority"`
	Payload   []byte    `json:"payload,omitempty"`

	State        TaskState `json:"state"`
	AttemptCount int       `json:"attempt_count"`
	NextRetryAt  time.Time `json:"next_retry_at,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	SentAt       time.Time `json:"sent_at,omitempty"`

	// IdempotencyKey makes retried delivery side-effect-free on the device.
	// Duplicate pushes are tolerated by design, not prevented.
	IdempotencyKey string `json:"idempotency_key"`

	// BuiltAgainstVersion is the membership version a critical task was
	// constructed from. The consistency gate re-checks it before send.
	BuiltAgainstVersion int64 `json:"built_against_version,omitempty"`
}

// NewTask builds a delivery task binding an event to one device.
func NewTask(e *Event, d *Device) *Task {
	return &Task{
		EventID:             e.ID,
		EventType:           e.Type,
		UserID:              e.UserID,
		DeviceID:            d.DeviceID,
		Platform:            d.Platform,
		Priority:            e.Priority,
		Payload:             e.Payload,
		State:               TaskPending,
		CreatedAt:           time.Now().UTC(),
		IdempotencyKey:      IdempotencyKey(e.ID, d.DeviceID),
		BuiltAgainstVersion: e.MembershipVersion,
	}
}

// IdempotencyKey derives the stable per-(event, device) key used to
// deduplicate retried sends on the receiving side.
func IdempotencyKey(eventID, deviceID string) string {
	sum := sha256.Sum256([]byte(eventID + "|" + deviceID))
	return hex.EncodeToString(sum[:16])
}

// Transition moves the task to the given state, enforcing the monotone
// lifecycle: Pending -> Sent -> {Acked|Failed}, Pending -> Expired, and
// Sent -> Pending only for retry requeue. Terminal states admit no exit.
func (t *Task) Transition(to TaskState) error {
	if t.State == to {
		return nil
	}
	if t.State.Terminal() {
		return fmt.Errorf("task %s: illegal transition %s -> %s", t.IdempotencyKey, t.State, to)
	}

	switch {
	case t.State == TaskPending && (to == TaskSent || to == TaskExpired):
	case t.State == TaskSent && (to == TaskAcked || to == TaskFailed || to == TaskExpired):
	case t.State == TaskSent && to == TaskPending: // retry requeue
	default:
		return fmt.Errorf("task %s: illegal transition %s -> %s", t.IdempotencyKey, t.State, to)
	}

	t.State = to
	if to == TaskSent {
		t.SentAt = time.Now().UTC()
	}
	return nil
}
