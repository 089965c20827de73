// Herald - Multi-Device Notification Fan-out and Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package delivery

import (
	"testing"
	"time"

	"github.com/tomtom215/herald/internal/notification"
)

func TestDeadLetterStore_SaveListDelete(t *testing.T) {
	store, err := NewDeadLetterStore("", time.Hour)
	if err != nil {
		t.Fatalf("NewDeadLetterStore: %v", err)
	}
	defer store.Close()

	e := notification.NewEvent("alice", notification.EventPlayProgress, []byte(`{"show_id":"s1"}`))
	task := notification.NewTask(e, testDevice())
	_ = task.Transition(notification.TaskSent)
	_ = task.Transition(notification.TaskFailed)

	if err := store.Save(task, "retries exhausted"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, err := store.List(10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	if entries[0].Reason != "retries exhausted" {
		t.Errorf("Unexpected reason %q", entries[0].Reason)
	}
	if entries[0].Task.IdempotencyKey != task.IdempotencyKey {
		t.Errorf("Wrong task persisted")
	}

	if err := store.Delete(task.IdempotencyKey); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	entries, _ = store.List(10)
	if len(entries) != 0 {
		t.Errorf("Expected empty store after delete, got %d entries", len(entries))
	}
}

func TestDeadLetterStore_ListLimit(t *testing.T) {
	store, err := NewDeadLetterStore("", time.Hour)
	if err != nil {
		t.Fatalf("NewDeadLetterStore: %v", err)
	}
	defer store.Close()

	for i := 0; i < 5; i++ {
		e := notification.NewEvent("alice", notification.EventPlayProgress, []byte(`{"show_id":"s1"}`))
		if err := store.Save(notification.NewTask(e, testDevice()), "x"); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	entries, err := store.List(3)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("Expected limit of 3 entries, got %d", len(entries))
	}
}
