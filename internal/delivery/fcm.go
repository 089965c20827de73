// Herald - Multi-Device Notification Fan-out and Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package delivery

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/tomtom215/herald/internal/notification"
)

// fcmSender is the slice of the Firebase messaging client the transport
// uses. Narrowed to an interface so tests inject a fake.
type fcmSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMTransport delivers tasks to iOS, Android, and TV devices through
// Firebase Cloud Messaging.
type FCMTransport struct {
	client fcmSender
}

// NewFCMTransport initializes the Firebase app from the given service
// account credentials file and returns the transport.
func NewFCMTransport(ctx context.Context, credentialsFile string) (*FCMTransport, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("initialize firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialize FCM client: %w", err)
	}
	return &FCMTransport{client: client}, nil
}

// Name implements Transport.
func (t *FCMTransport) Name() string { return "fcm" }

// Send implements Transport. The event rides in the data payload; the
// idempotency key lets the device drop a duplicate of a retried push.
func (t *FCMTransport) Send(ctx context.Context, task *notification.Task, device *notification.Device) error {
	msg := &messaging.Message{
		Token: device.PushToken,
		Data: map[string]string{
			"event_id":        task.EventID,
			"event_type":      string(task.EventType),
			"priority":        string(task.Priority),
			"payload":         string(task.Payload),
			"idempotency_key": task.IdempotencyKey,
		},
	}
	if task.Priority == notification.PriorityCritical {
		msg.Android = &messaging.AndroidConfig{Priority: "high"}
	}

	_, err := t.client.Send(ctx, msg)
	if err == nil {
		return nil
	}

	switch {
	case messaging.IsUnregistered(err), messaging.IsSenderIDMismatch(err):
		// The token will never work again; the caller unregisters the device.
		return notification.NewPermanentError("push token rejected", err)
	case messaging.IsQuotaExceeded(err), messaging.IsUnavailable(err), messaging.IsInternal(err):
		return notification.NewTransientError("FCM backend unavailable", err)
	default:
		return notification.NewTransientError("FCM send failed", err)
	}
}
