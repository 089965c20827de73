// Herald - Multi-Device Notification Fan-out and Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package events

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/tomtom215/herald/internal/notification"
)

func sampleTask() *notification.Task {
	e := notification.NewEvent("alice", notification.EventMembershipChanged, []byte(`{"version":3,"active":false}`))
	e.MembershipVersion = 3
	d := &notification.Device{
		DeviceID:  "d1",
		UserID:    "alice",
		Platform:  notification.PlatformAndroid,
		PushToken: "tok",
	}
	return notification.NewTask(e, d)
}

func TestTopicFor(t *testing.T) {
	tests := []struct {
		priority notification.Priority
		want     string
	}{
		{notification.PriorityCritical, TopicCritical},
		{notification.PriorityImportant, TopicImportant},
		{notification.PriorityNormal, TopicNormal},
	}
	for _, tt := range tests {
		if got := TopicFor(tt.priority); got != tt.want {
			t.Errorf("TopicFor(%s) = %s, want %s", tt.priority, got, tt.want)
		}
	}
}

func TestEncodeDecodeTask(t *testing.T) {
	task := sampleTask()

	msg, err := EncodeTask(task)
	if err != nil {
		t.Fatalf("EncodeTask: %v", err)
	}
	if msg.UUID != task.IdempotencyKey {
		t.Errorf("Expected message UUID to be the idempotency key, got %s", msg.UUID)
	}
	if msg.Metadata.Get(MetaPriority) != string(notification.PriorityCritical) {
		t.Errorf("Expected critical priority metadata, got %s", msg.Metadata.Get(MetaPriority))
	}

	decoded, err := DecodeTask(msg)
	if err != nil {
		t.Fatalf("DecodeTask: %v", err)
	}
	if decoded.EventID != task.EventID || decoded.DeviceID != task.DeviceID {
		t.Errorf("Round trip mismatch: %+v vs %+v", decoded, task)
	}
	if decoded.BuiltAgainstVersion != 3 {
		t.Errorf("Expected built-against version 3, got %d", decoded.BuiltAgainstVersion)
	}
}

func TestDecodeTask_Malformed(t *testing.T) {
	msg, _ := EncodeTask(sampleTask())
	msg.Payload = []byte("{not json")
	if _, err := DecodeTask(msg); err == nil {
		t.Error("Expected error decoding malformed payload")
	}
}

// TaskPublisher routes tasks onto the topic of their priority class.
func TestTaskPublisher_RoutesByPriority(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubsub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	criticalCh, err := pubsub.Subscribe(ctx, TopicCritical)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	p := NewTaskPublisher(pubsub)
	if err := p.PublishTask(sampleTask()); err != nil {
		t.Fatalf("PublishTask: %v", err)
	}

	select {
	case msg := <-criticalCh:
		task, err := DecodeTask(msg)
		if err != nil {
			t.Fatalf("DecodeTask: %v", err)
		}
		if task.Priority != notification.PriorityCritical {
			t.Errorf("Expected critical task, got %s", task.Priority)
		}
		msg.Ack()
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for task on critical topic")
	}
}
