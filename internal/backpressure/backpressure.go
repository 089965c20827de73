// Herald - Multi-Device Notification Fan-out and Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package backpressure implements per-priority admission control with token
// buckets. Critical traffic has reserved capacity and is never shed;
// important traffic waits for capacity but is never dropped; normal traffic
// is shed at the coalescer stage when its bucket is empty.
package backpressure

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/tomtom215/herald/internal/metrics"
	"github.com/tomtom215/herald/internal/notification"
)

// Config holds the admission budget.
type Config struct {
	// TotalEventsPerSecond is the overall admission budget.
	TotalEventsPerSecond float64
	// CriticalReservedFraction of the budget is carved out for critical
	// traffic; the remainder is split between important and normal.
	CriticalReservedFraction float64
	// Burst is the bucket burst size per class.
	Burst int
}

// Controller is the per-priority admission gate.
type Controller struct {
	critical  *rate.Limiter
	important *rate.Limiter
	normal    *rate.Limiter
}

// New creates a controller. The critical reservation is taken off the top;
// important and normal split the remainder evenly.
func New(cfg Config) *Controller {
	if cfg.TotalEventsPerSecond <= 0 {
		cfg.TotalEventsPerSecond = 1
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if cfg.CriticalReservedFraction < 0 {
		cfg.CriticalReservedFraction = 0
	}
	if cfg.CriticalReservedFraction > 1 {
		cfg.CriticalReservedFraction = 1
	}

	reserved := cfg.TotalEventsPerSecond * cfg.CriticalReservedFraction
	shared := (cfg.TotalEventsPerSecond - reserved) / 2
	if shared <= 0 {
		shared = 1
	}

	return &Controller{
		critical:  rate.NewLimiter(rate.Limit(reserved), cfg.Burst),
		important: rate.NewLimiter(rate.Limit(shared), cfg.Burst),
		normal:    rate.NewLimiter(rate.Limit(shared), cfg.Burst),
	}
}

// Admit decides whether an event of the given priority may enter the
// pipeline now.
//
//   - Critical is always admitted; its bucket is drained for accounting but
//     an empty bucket never blocks or sheds critical traffic.
//   - Important blocks until capacity is available (batched, never dropped);
//     the context bounds the wait.
//   - Normal is non-blocking: a denial means the event is shed at the
//     coalescer stage, where dropping a superseded progress update is safe.
func (c *Controller) Admit(ctx context.Context, p notification.Priority) (bool, error) {
	switch p {
	case notification.PriorityCritical:
		// Drain for accounting only. Reserved capacity guarantees headroom;
		// overload must never delay a membership change.
		c.critical.Allow()
		return true, nil

	case notification.PriorityImportant:
		if err := c.important.Wait(ctx); err != nil {
			return false, err
		}
		return true, nil

	default:
		if c.normal.Allow() {
			return true, nil
		}
		metrics.BackpressureDenied.WithLabelValues(string(p)).Inc()
		return false, nil
	}
}

// AllowNormal is a non-blocking admission probe for normal traffic, used by
// the coalescer at emission time to decide between emitting and shedding.
func (c *Controller) AllowNormal() bool {
	if c.normal.Allow() {
		return true
	}
	metrics.BackpressureDenied.WithLabelValues(string(notification.PriorityNormal)).Inc()
	return false
}
