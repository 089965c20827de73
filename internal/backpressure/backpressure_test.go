// Herald - Multi-Device Notification Fan-out and Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package backpressure

import (
	"context"
	"testing"
	"time"

	"github.com/tomtom215/herald/internal/notification"
)

func TestController_CriticalAlwaysAdmitted(t *testing.T) {
	// Tiny budget: the buckets are empty after a handful of events.
	c := New(Config{TotalEventsPerSecond: 1, CriticalReservedFraction: 0.2, Burst: 1})

	for i := 0; i < 100; i++ {
		ok, err := c.Admit(context.Background(), notification.PriorityCritical)
		if err != nil {
			t.Fatalf("Admit critical: %v", err)
		}
		if !ok {
			t.Fatal("Critical traffic must never be denied")
		}
	}
}

func TestController_NormalShedsUnderOverload(t *testing.T) {
	c := New(Config{TotalEventsPerSecond: 10, CriticalReservedFraction: 0.2, Burst: 2})

	admitted := 0
	for i := 0; i < 50; i++ {
		ok, err := c.Admit(context.Background(), notification.PriorityNormal)
		if err != nil {
			t.Fatalf("Admit normal: %v", err)
		}
		if ok {
			admitted++
		}
	}
	if admitted == 0 {
		t.Error("Expected some normal events admitted")
	}
	if admitted == 50 {
		t.Error("Expected normal events to be shed beyond the burst")
	}
}

func TestController_ImportantWaitsInsteadOfDropping(t *testing.T) {
	c := New(Config{TotalEventsPerSecond: 100, CriticalReservedFraction: 0.2, Burst: 1})

	start := time.Now()
	for i := 0; i < 5; i++ {
		ok, err := c.Admit(context.Background(), notification.PriorityImportant)
		if err != nil {
			t.Fatalf("Admit important: %v", err)
		}
		if !ok {
			t.Fatal("Important traffic must never be dropped")
		}
	}
	// With a 40/s share and burst 1, five admissions must have waited.
	if time.Since(start) < 50*time.Millisecond {
		t.Error("Expected important admissions to be paced")
	}
}

func TestController_ImportantWaitHonorsContext(t *testing.T) {
	c := New(Config{TotalEventsPerSecond: 1, CriticalReservedFraction: 0.5, Burst: 1})

	// Exhaust the bucket.
	_, _ = c.Admit(context.Background(), notification.PriorityImportant)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ok, err := c.Admit(ctx, notification.PriorityImportant)
	if err == nil {
		t.Error("Expected context deadline error")
	}
	if ok {
		t.Error("Expected denial on context expiry")
	}
}

func TestController_AllowNormal(t *testing.T) {
	c := New(Config{TotalEventsPerSecond: 10, CriticalReservedFraction: 0, Burst: 1})
	if !c.AllowNormal() {
		t.Error("Expected first normal probe to pass")
	}
	denied := false
	for i := 0; i < 20; i++ {
		if !c.AllowNormal() {
			denied = true
		}
	}
	if !denied {
		t.Error("Expected probe denials beyond the burst")
	}
}
