// Herald - Multi-Device Notification Fan-out and Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package main is the entry point for the Herald server.
//
// Herald coordinates notification fan-out and delivery for user devices:
// playback progress, membership changes, and recommendation batches flow in
// through the HTTP ingress, pass admission control and coalescing, fan out
// to per-device delivery tasks on durable JetStream queues, and drain
// through platform push transports under a consistency gate.
//
// Startup order:
//
//  1. Configuration (koanf: defaults, config file, environment)
//  2. Logging (zerolog)
//  3. Embedded NATS JetStream server and task stream provisioning
//  4. Device registry with badger persistence
//  5. Consistency gate, admission control, coalescer, fan-out dispatcher
//  6. Delivery worker pool with FCM and WebSocket transports
//  7. HTTP ingress (chi)
//  8. Supervision tree (suture) runs the long-lived services
package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/herald/internal/backpressure"
	"github.com/tomtom215/herald/internal/coalescer"
	"github.com/tomtom215/herald/internal/config"
	"github.com/tomtom215/herald/internal/delivery"
	"github.com/tomtom215/herald/internal/events"
	"github.com/tomtom215/herald/internal/fanout"
	"github.com/tomtom215/herald/internal/gate"
	"github.com/tomtom215/herald/internal/ingress"
	"github.com/tomtom215/herald/internal/logging"
	"github.com/tomtom215/herald/internal/notification"
	"github.com/tomtom215/herald/internal/registry"
	"github.com/tomtom215/herald/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("server exited with error")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().Str("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)).Msg("starting herald")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Message broker.
	natsURL := cfg.NATS.URL
	var embedded *events.EmbeddedServer
	if cfg.NATS.Embedded {
		embedded, err = events.NewEmbeddedServer(events.ServerConfig{
			Host:     cfg.NATS.Host,
			Port:     cfg.NATS.Port,
			StoreDir: cfg.NATS.StoreDir,
			MaxMem:   cfg.NATS.MaxMem,
			MaxStore: cfg.NATS.MaxStore,
		})
		if err != nil {
			return fmt.Errorf("start embedded NATS: %w", err)
		}
		natsURL = embedded.ClientURL()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := embedded.Shutdown(shutdownCtx); err != nil {
				logging.Warn().Err(err).Msg("embedded NATS shutdown incomplete")
			}
		}()
	}

	if err := events.EnsureStream(ctx, events.StreamConfig{
		URL:             natsURL,
		Name:            cfg.NATS.StreamName,
		MaxAge:          cfg.NATS.StreamMaxAge,
		DuplicateWindow: cfg.NATS.DuplicateWindow,
	}); err != nil {
		return fmt.Errorf("provision task stream: %w", err)
	}

	publisher, err := events.NewNATSPublisher(events.PublisherConfig{
		URL:           natsURL,
		MaxReconnects: cfg.NATS.MaxReconnects,
		ReconnectWait: cfg.NATS.ReconnectWait,
	}, nil)
	if err != nil {
		return fmt.Errorf("create publisher: %w", err)
	}
	taskPub := events.NewTaskPublisher(publisher)
	defer taskPub.Close()

	subscriber, err := events.NewNATSSubscriber(events.SubscriberConfig{
		URL:           natsURL,
		StreamName:    cfg.NATS.StreamName,
		DurableName:   cfg.NATS.DurableName,
		QueueGroup:    cfg.NATS.QueueGroup,
		AckWait:       cfg.NATS.AckWait,
		MaxAckPending: cfg.NATS.MaxAckPending,
		MaxReconnects: cfg.NATS.MaxReconnects,
		ReconnectWait: cfg.NATS.ReconnectWait,
	}, nil)
	if err != nil {
		return fmt.Errorf("create subscriber: %w", err)
	}

	// Device registry.
	var store registry.Store
	if cfg.Registry.DataDir != "" {
		store, err = registry.NewBadgerStore(cfg.Registry.DataDir)
		if err != nil {
			return fmt.Errorf("open registry store: %w", err)
		}
	} else {
		store = registry.NewMemoryStore()
	}
	reg, err := registry.New(cfg.Registry.Shards, store)
	if err != nil {
		return fmt.Errorf("initialize registry: %w", err)
	}
	defer reg.Close()

	// Pipeline stages. The membership webhook keeps the gate warm; the HTTP
	// source covers cold misses when billing exposes a version endpoint.
	var versionSource gate.VersionSource
	if cfg.Gate.VersionSourceURL != "" {
		versionSource = gate.NewHTTPVersionSource(cfg.Gate.VersionSourceURL, cfg.Gate.VersionSourceTimeout)
	}
	g := gate.New(versionSource)
	admission := backpressure.New(backpressure.Config{
		TotalEventsPerSecond:     cfg.Backpressure.TotalEventsPerSecond,
		CriticalReservedFraction: cfg.Backpressure.CriticalReservedFraction,
		Burst:                    cfg.Backpressure.Burst,
	})

	buffer, err := fanout.NewCriticalBuffer(cfg.Fanout.CriticalBufferDir)
	if err != nil {
		return fmt.Errorf("open critical buffer: %w", err)
	}
	defer buffer.Close()

	dispatcher := fanout.New(fanout.Config{
		RecommendationDrainPerSecond: cfg.Fanout.RecommendationDrainPerSecond,
	}, reg, taskPub, g, buffer)

	coal := coalescer.New(coalescer.Config{
		Window: cfg.Coalescer.Window,
		Shards: cfg.Coalescer.Shards,
	}, func(ctx context.Context, e *notification.Event) {
		if err := dispatcher.Dispatch(ctx, e); err != nil {
			logging.Error().Err(err).Str("event_id", e.ID).Msg("coalesced dispatch failed")
		}
	}, admission.AllowNormal)

	replayer := fanout.NewReplayer(buffer, dispatcher.Dispatch, 5*time.Second)

	// Delivery.
	transports := make(map[notification.Platform]delivery.Transport)
	wsTransport := delivery.NewWebSocketTransport()
	transports[notification.PlatformWeb] = wsTransport
	if cfg.Delivery.FCMCredentialsFile != "" {
		fcm, err := delivery.NewFCMTransport(ctx, cfg.Delivery.FCMCredentialsFile)
		if err != nil {
			return fmt.Errorf("initialize FCM: %w", err)
		}
		transports[notification.PlatformIOS] = fcm
		transports[notification.PlatformAndroid] = fcm
		transports[notification.PlatformTV] = fcm
	} else {
		logging.Warn().Msg("FCM credentials not configured, mobile and TV delivery disabled")
	}

	deadLetter, err := delivery.NewDeadLetterStore(cfg.Delivery.DeadLetterDir, 0)
	if err != nil {
		return fmt.Errorf("open dead-letter store: %w", err)
	}
	defer deadLetter.Close()

	pool := delivery.NewPool(delivery.Config{
		MaxAttempts:             cfg.Delivery.MaxAttempts,
		BackoffBase:             cfg.Delivery.BackoffBase,
		BackoffCap:              cfg.Delivery.BackoffCap,
		PerPlatformConcurrency:  cfg.Delivery.PerPlatformConcurrency,
		BreakerFailureThreshold: cfg.Delivery.BreakerFailureThreshold,
		BreakerTimeout:          cfg.Delivery.BreakerTimeout,
	}, subscriber, transports, reg, g, taskPub, deadLetter)

	// Unregister cancels pending work before it returns.
	reg.SetTaskCanceler(pool)

	// HTTP surface.
	ready := func() error {
		if embedded != nil && !embedded.IsRunning() {
			return errors.New("message broker not running")
		}
		return nil
	}
	handler := ingress.NewHandler(dispatcher, coal, admission, g, reg, wsTransport, ready)
	handler.SetDeadLetterStore(deadLetter)
	router := ingress.NewRouter(ingress.RouterConfig{
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		AuthEnabled:        cfg.Auth.Enabled,
		JWTSecret:          cfg.Auth.JWTSecret,
	}, handler)
	httpServer := ingress.NewServer(ingress.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, router)

	// Supervision.
	tree := supervisor.NewTree(logging.NewSlogger(), supervisor.DefaultTreeConfig())
	tree.AddPipelineService(coal)
	tree.AddPipelineService(replayer)
	tree.AddPipelineService(pool)
	tree.AddAPIService(httpServer)

	logging.Info().Msg("herald started")
	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logging.Info().Msg("herald stopped")
	return nil
}
