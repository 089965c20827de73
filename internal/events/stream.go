// Herald - Multi-Device Notification Fan-out and Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package events

import (
	"context"
	"fmt"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tomtom215/herald/internal/logging"
)

// StreamConfig holds task-stream provisioning settings.
type StreamConfig struct {
	URL             string
	Name            string
	MaxAge          time.Duration
	DuplicateWindow time.Duration
}

// EnsureStream provisions the task stream before publishers and subscribers
// start. Idempotent: an existing stream is updated to the current
// configuration instead of failing.
//
// The stream uses file storage for durability, discards oldest first when
// limits are reached, and deduplicates publishes by message ID within the
// duplicate window (the task idempotency key serves as the ID).
func EnsureStream(ctx context.Context, cfg StreamConfig) error {
	nc, err := natsgo.Connect(cfg.URL)
	if err != nil {
		return fmt.Errorf("connect for stream init: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("jetstream context: %w", err)
	}

	streamCfg := jetstream.StreamConfig{
		Name:        cfg.Name,
		Subjects:    TaskSubjects,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      cfg.MaxAge,
		Duplicates:  cfg.DuplicateWindow,
		Storage:     jetstream.FileStorage,
		Discard:     jetstream.DiscardOld,
		AllowDirect: true,
	}

	if _, err := js.Stream(ctx, cfg.Name); err == nil {
		if _, err := js.UpdateStream(ctx, streamCfg); err != nil {
			return fmt.Errorf("update stream %s: %w", cfg.Name, err)
		}
		logging.Debug().Str("stream", cfg.Name).Msg("task stream updated")
		return nil
	}

	if _, err := js.CreateStream(ctx, streamCfg); err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.Name, err)
	}
	logging.Info().Str("stream", cfg.Name).Msg("task stream created")
	return nil
}
