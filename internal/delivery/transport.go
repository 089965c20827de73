// Herald - Multi-Device Notification Fan-out and Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package delivery executes delivery tasks against push transports.
//
// The worker pool consumes the per-priority task queues, holds per-platform
// concurrency limits, and owns the task lifecycle after dequeue: retry with
// exponential backoff on transient failures, dead-letter after the attempt
// cap, unregister the device and expire the task on permanent failures.
// Critical membership tasks pass the consistency gate immediately before
// send; a stale task is discarded and rebuilt, never sent.
package delivery

import (
	"context"

	"github.com/tomtom215/herald/internal/notification"
)

// Transport delivers one task to one device. Implementations classify
// failures with notification.NewTransientError / NewPermanentError; an
// unclassified error is treated as transient.
type Transport interface {
	// Send pushes the task payload to the device. The task's idempotency key
	// travels with the payload so devices can drop duplicate pushes.
	Send(ctx context.Context, task *notification.Task, device *notification.Device) error
	// Name identifies the transport in logs and metrics.
	Name() string
}
