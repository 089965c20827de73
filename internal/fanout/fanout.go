// Herald - Multi-Device Notification Fan-out and Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package fanout turns admitted events into per-device delivery tasks.
//
// The dispatcher resolves the user's device set, builds one task per device,
// and publishes each task onto the durable queue of its priority class.
// Recommendation fan-out drains through a rate limiter so daily batch pushes
// never burst into the transports; publishing is the backpressure point.
// When publishing fails, the failure policy follows the priority class:
// critical events park in a durable buffer and replay, important events get
// bounded in-process retries, normal events are shed.
package fanout

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/tomtom215/herald/internal/logging"
	"github.com/tomtom215/herald/internal/metrics"
	"github.com/tomtom215/herald/internal/notification"
)

// DeviceSource resolves the registered devices of a user. Satisfied by
// *registry.Registry.
type DeviceSource interface {
	DevicesOf(userID string) []*notification.Device
}

// TaskSink publishes delivery tasks onto their priority queue. Satisfied by
// *events.TaskPublisher.
type TaskSink interface {
	PublishTask(t *notification.Task) error
}

// VersionReader supplies the latest committed membership version, stamped
// onto critical events that arrive without one. Satisfied by *gate.Gate.
type VersionReader interface {
	Latest(ctx context.Context, userID string) (int64, error)
}

// Config holds dispatcher settings.
type Config struct {
	// RecommendationDrainPerSecond caps the steady task-publish rate for
	// RecommendationsReady events.
	RecommendationDrainPerSecond float64
	// DrainBurst is the limiter burst; defaults to the per-second rate.
	DrainBurst int
	// ImportantRetries bounds in-process publish retries for important
	// events before the event is dropped with an error.
	ImportantRetries int
	// ImportantRetryWait is the pause between those retries.
	ImportantRetryWait time.Duration
}

// Dispatcher fans events out to delivery tasks.
type Dispatcher struct {
	devices  DeviceSource
	sink     TaskSink
	versions VersionReader
	buffer   *CriticalBuffer

	recLimiter       *rate.Limiter
	importantRetries int
	importantWait    time.Duration
}

// New creates a dispatcher. The critical buffer is optional; without one a
// failed critical publish surfaces as an error instead of parking.
func New(cfg Config, devices DeviceSource, sink TaskSink, versions VersionReader, buffer *CriticalBuffer) *Dispatcher {
	burst := cfg.DrainBurst
	if burst < 1 {
		burst = int(cfg.RecommendationDrainPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	retries := cfg.ImportantRetries
	if retries < 1 {
		retries = 3
	}
	wait := cfg.ImportantRetryWait
	if wait <= 0 {
		wait = 200 * time.Millisecond
	}
	return &Dispatcher{
		devices:          devices,
		sink:             sink,
		versions:         versions,
		buffer:           buffer,
		recLimiter:       rate.NewLimiter(rate.Limit(cfg.RecommendationDrainPerSecond), burst),
		importantRetries: retries,
		importantWait:    wait,
	}
}

// Dispatch fans one event out to every registered device of its user.
// A user with no devices is recorded as undeliverable, not an error.
func (d *Dispatcher) Dispatch(ctx context.Context, e *notification.Event) error {
	if e.Priority == notification.PriorityCritical && e.MembershipVersion == 0 && d.versions != nil {
		v, err := d.versions.Latest(ctx, e.UserID)
		if err != nil {
			return fmt.Errorf("stamp membership version: %w", err)
		}
		e.MembershipVersion = v
	}

	devs := d.devices.DevicesOf(e.UserID)
	if len(devs) == 0 {
		metrics.FanoutUndeliverable.Inc()
		logging.Ctx(ctx).Debug().
			Str("user_id", e.UserID).
			Str("event_type", string(e.Type)).
			Msg("no registered devices, event undeliverable")
		return nil
	}

	for _, dev := range devs {
		task := notification.NewTask(e, dev)
		if err := d.publish(ctx, e, task); err != nil {
			return err
		}
		metrics.FanoutTasksCreated.WithLabelValues(string(task.Priority)).Inc()
	}
	return nil
}

// publish pushes one task to the queue, applying the recommendation drain
// limit and the per-priority failure policy.
func (d *Dispatcher) publish(ctx context.Context, e *notification.Event, task *notification.Task) error {
	if e.Type == notification.EventRecommendationsReady {
		if err := d.recLimiter.Wait(ctx); err != nil {
			return fmt.Errorf("recommendation drain: %w", err)
		}
	}

	err := d.sink.PublishTask(task)
	if err == nil {
		return nil
	}

	switch task.Priority {
	case notification.PriorityCritical:
		if d.buffer != nil {
			if bufErr := d.buffer.Put(e); bufErr == nil {
				logging.Ctx(ctx).Warn().
					Err(err).
					Str("user_id", e.UserID).
					Msg("critical publish failed, event parked in durable buffer")
				return nil
			}
		}
		return fmt.Errorf("publish critical task: %w", err)

	case notification.PriorityImportant:
		for i := 0; i < d.importantRetries; i++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.importantWait):
			}
			if err = d.sink.PublishTask(task); err == nil {
				return nil
			}
		}
		return fmt.Errorf("publish important task after %d retries: %w", d.importantRetries, err)

	default:
		// Normal traffic is sheddable under pressure.
		metrics.EventsShed.Inc()
		logging.Ctx(ctx).Debug().
			Err(err).
			Str("user_id", e.UserID).
			Msg("normal task shed on publish failure")
		return nil
	}
}
