// Herald - Multi-Device Notification Fan-out and Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/herald/internal/notification"
)

type fakeDevices struct {
	devices map[string][]*notification.Device
}

func (f *fakeDevices) DevicesOf(userID string) []*notification.Device {
	return f.devices[userID]
}

type fakeSink struct {
	mu        sync.Mutex
	tasks     []*notification.Task
	failFirst int // fail this many publishes before succeeding
	calls     int
}

func (f *fakeSink) PublishTask(t *notification.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failFirst {
		return errors.New("broker unavailable")
	}
	f.tasks = append(f.tasks, t)
	return nil
}

func (f *fakeSink) published() []*notification.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*notification.Task, len(f.tasks))
	copy(out, f.tasks)
	return out
}

type fakeVersions struct {
	version int64
}

func (f *fakeVersions) Latest(_ context.Context, _ string) (int64, error) {
	return f.version, nil
}

func testConfig() Config {
	return Config{
		RecommendationDrainPerSecond: 10000,
		ImportantRetries:             2,
		ImportantRetryWait:           10 * time.Millisecond,
	}
}

func userDevices(userID string, n int) map[string][]*notification.Device {
	devs := make([]*notification.Device, 0, n)
	for i := 0; i < n; i++ {
		devs = append(devs, &notification.Device{
			DeviceID:  userID + "-dev-" + string(rune('a'+i)),
			UserID:    userID,
			Platform:  notification.PlatformAndroid,
			PushToken: "tok",
		})
	}
	return map[string][]*notification.Device{userID: devs}
}

func TestDispatch_OneTaskPerDevice(t *testing.T) {
	sink := &fakeSink{}
	d := New(testConfig(), &fakeDevices{devices: userDevices("alice", 3)}, sink, nil, nil)

	e := notification.NewEvent("alice", notification.EventPlayProgress, []byte(`{"show_id":"s1","position_seconds":10}`))
	if err := d.Dispatch(context.Background(), e); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	tasks := sink.published()
	if len(tasks) != 3 {
		t.Fatalf("Expected 3 tasks, got %d", len(tasks))
	}
	seen := make(map[string]bool)
	for _, task := range tasks {
		if task.EventID != e.ID {
			t.Errorf("Task bound to wrong event: %s", task.EventID)
		}
		if seen[task.IdempotencyKey] {
			t.Errorf("Duplicate idempotency key %s", task.IdempotencyKey)
		}
		seen[task.IdempotencyKey] = true
	}
}

func TestDispatch_NoDevicesIsNotAnError(t *testing.T) {
	sink := &fakeSink{}
	d := New(testConfig(), &fakeDevices{devices: map[string][]*notification.Device{}}, sink, nil, nil)

	e := notification.NewEvent("ghost", notification.EventPlayProgress, []byte(`{"show_id":"s1"}`))
	if err := d.Dispatch(context.Background(), e); err != nil {
		t.Fatalf("Expected undeliverable event to be recorded, not errored: %v", err)
	}
	if len(sink.published()) != 0 {
		t.Error("Expected no tasks for a user with no devices")
	}
}

func TestDispatch_StampsMembershipVersion(t *testing.T) {
	sink := &fakeSink{}
	d := New(testConfig(), &fakeDevices{devices: userDevices("alice", 1)}, sink, &fakeVersions{version: 7}, nil)

	e := notification.NewEvent("alice", notification.EventMembershipChanged, []byte(`{"version":7,"active":true}`))
	if err := d.Dispatch(context.Background(), e); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	tasks := sink.published()
	if len(tasks) != 1 {
		t.Fatalf("Expected 1 task, got %d", len(tasks))
	}
	if tasks[0].BuiltAgainstVersion != 7 {
		t.Errorf("Expected built-against version 7, got %d", tasks[0].BuiltAgainstVersion)
	}
}

func TestDispatch_CriticalPublishFailureParksAndReplays(t *testing.T) {
	buffer, err := NewCriticalBuffer("")
	if err != nil {
		t.Fatalf("NewCriticalBuffer: %v", err)
	}
	defer buffer.Close()

	sink := &fakeSink{failFirst: 1}
	d := New(testConfig(), &fakeDevices{devices: userDevices("alice", 1)}, sink, nil, buffer)

	e := notification.NewEvent("alice", notification.EventMembershipChanged, []byte(`{"version":2,"active":false}`))
	e.MembershipVersion = 2
	if err := d.Dispatch(context.Background(), e); err != nil {
		t.Fatalf("Expected failed critical publish to park, got error: %v", err)
	}

	pending, err := buffer.Pending()
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if pending != 1 {
		t.Fatalf("Expected 1 parked event, got %d", pending)
	}

	// Broker recovered; drain replays through the dispatcher.
	if err := buffer.Drain(context.Background(), d.Dispatch); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(sink.published()) != 1 {
		t.Fatalf("Expected replay to publish 1 task, got %d", len(sink.published()))
	}
	pending, _ = buffer.Pending()
	if pending != 0 {
		t.Errorf("Expected empty buffer after replay, got %d pending", pending)
	}
}

func TestDispatch_NormalShedOnPublishFailure(t *testing.T) {
	sink := &fakeSink{failFirst: 100}
	d := New(testConfig(), &fakeDevices{devices: userDevices("alice", 1)}, sink, nil, nil)

	e := notification.NewEvent("alice", notification.EventPlayProgress, []byte(`{"show_id":"s1"}`))
	if err := d.Dispatch(context.Background(), e); err != nil {
		t.Fatalf("Expected normal task to be shed silently, got error: %v", err)
	}
}

func TestDispatch_ImportantRetriesInProcess(t *testing.T) {
	sink := &fakeSink{failFirst: 2}
	d := New(testConfig(), &fakeDevices{devices: userDevices("alice", 1)}, sink, nil, nil)

	e := notification.NewEvent("alice", notification.EventRecommendationsReady, []byte(`{"batch_id":"b1"}`))
	if err := d.Dispatch(context.Background(), e); err != nil {
		t.Fatalf("Expected important task to succeed after retries: %v", err)
	}
	if len(sink.published()) != 1 {
		t.Fatalf("Expected 1 task after retries, got %d", len(sink.published()))
	}
}

func TestDispatch_RecommendationDrainIsRateLimited(t *testing.T) {
	sink := &fakeSink{}
	cfg := Config{
		RecommendationDrainPerSecond: 10,
		DrainBurst:                   1,
		ImportantRetries:             1,
		ImportantRetryWait:           10 * time.Millisecond,
	}
	d := New(cfg, &fakeDevices{devices: userDevices("alice", 3)}, sink, nil, nil)

	e := notification.NewEvent("alice", notification.EventRecommendationsReady, []byte(`{"batch_id":"b1"}`))
	start := time.Now()
	if err := d.Dispatch(context.Background(), e); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	elapsed := time.Since(start)

	// Burst 1 at 10/sec: the second and third tasks each wait ~100ms.
	if elapsed < 150*time.Millisecond {
		t.Errorf("Expected drain to pace tasks, took only %v", elapsed)
	}
	if len(sink.published()) != 3 {
		t.Fatalf("Expected 3 tasks, got %d", len(sink.published()))
	}
}
