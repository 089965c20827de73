// Herald - Multi-Device Notification Fan-out and Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package events

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"

	"github.com/tomtom215/herald/internal/notification"
)

// Metadata keys on task messages.
const (
	MetaIdempotencyKey = "idempotency_key"
	MetaPriority       = "priority"
	MetaPlatform       = "platform"
)

// EncodeTask converts a delivery task into a Watermill message. The message
// UUID is the task's idempotency key so JetStream deduplication suppresses
// double publishes of the same (event, device) pair.
func EncodeTask(t *notification.Task) (*message.Message, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task %s: %w", t.IdempotencyKey, err)
	}

	msg := message.NewMessage(t.IdempotencyKey, data)
	msg.Metadata.Set(MetaIdempotencyKey, t.IdempotencyKey)
	msg.Metadata.Set(MetaPriority, string(t.Priority))
	msg.Metadata.Set(MetaPlatform, string(t.Platform))
	return msg, nil
}

// DecodeTask converts a Watermill message back into a delivery task.
func DecodeTask(msg *message.Message) (*notification.Task, error) {
	var t notification.Task
	if err := json.Unmarshal(msg.Payload, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task message %s: %w", msg.UUID, err)
	}
	return &t, nil
}
