// Herald - Multi-Device Notification Fan-out and Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package notification

import (
	"testing"
	"time"
)

func testEvent(t EventType) *Event {
	return NewEvent("user-1", t, []byte(`{}`))
}

func testDevice() *Device {
	return &Device{
		DeviceID:  "device-1",
		UserID:    "user-1",
		Platform:  PlatformIOS,
		PushToken: "token-1",
		LastSeen:  time.Now(),
	}
}

func TestNewTask(t *testing.T) {
	e := testEvent(EventMembershipChanged)
	e.MembershipVersion = 7
	task := NewTask(e, testDevice())

	if task.State != TaskPending {
		t.Errorf("Expected new task state pending, got %s", task.State)
	}
	if task.Priority != PriorityCritical {
		t.Errorf("Expected critical priority, got %s", task.Priority)
	}
	if task.BuiltAgainstVersion != 7 {
		t.Errorf("Expected built-against version 7, got %d", task.BuiltAgainstVersion)
	}
	if task.IdempotencyKey != IdempotencyKey(e.ID, "device-1") {
		t.Error("Idempotency key does not match derivation")
	}
}

func TestIdempotencyKey_Stable(t *testing.T) {
	k1 := IdempotencyKey("event-a", "device-b")
	k2 := IdempotencyKey("event-a", "device-b")
	if k1 != k2 {
		t.Errorf("Expected stable key, got %s and %s", k1, k2)
	}
	if IdempotencyKey("event-a", "device-c") == k1 {
		t.Error("Expected distinct keys for distinct devices")
	}
}

func TestTask_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []TaskState
		wantErr bool
	}{
		{"happy path ack", []TaskState{TaskSent, TaskAcked}, false},
		{"retry then fail", []TaskState{TaskSent, TaskPending, TaskSent, TaskFailed}, false},
		{"pending to expired", []TaskState{TaskExpired}, false},
		{"sent to expired", []TaskState{TaskSent, TaskExpired}, false},
		{"pending to acked", []TaskState{TaskAcked}, true},
		{"no exit from acked", []TaskState{TaskSent, TaskAcked, TaskPending}, true},
		{"no exit from expired", []TaskState{TaskExpired, TaskSent}, true},
		{"no exit from failed", []TaskState{TaskSent, TaskFailed, TaskPending}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := NewTask(testEvent(EventPlayProgress), testDevice())
			var err error
			for _, s := range tt.path {
				if err = task.Transition(s); err != nil {
					break
				}
			}
			if tt.wantErr && err == nil {
				t.Errorf("Expected transition error on path %v", tt.path)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Unexpected error on path %v: %v", tt.path, err)
			}
		})
	}
}

func TestTask_TransitionSetsSentAt(t *testing.T) {
	task := NewTask(testEvent(EventPlayProgress), testDevice())
	if !task.SentAt.IsZero() {
		t.Error("Expected zero SentAt before send")
	}
	if err := task.Transition(TaskSent); err != nil {
		t.Fatalf("Transition to sent: %v", err)
	}
	if task.SentAt.IsZero() {
		t.Error("Expected SentAt to be set on transition to sent")
	}
}
