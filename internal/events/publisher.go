// Herald - Multi-Device Notification Fan-out and Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package events

import (
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/herald/internal/metrics"
	"github.com/tomtom215/herald/internal/notification"
)

// PublisherConfig holds NATS publisher settings.
type PublisherConfig struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
}

// NewNATSPublisher creates a JetStream publisher with reconnection handling
// and message-ID deduplication. The stream must already exist (EnsureStream).
func NewNATSPublisher(cfg PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	if logger == nil {
		logger = NewWatermillLogger()
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}

	wmConfig := wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: false, // stream is pre-created by EnsureStream
			TrackMsgId:    true,  // deduplicate by task idempotency key
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}

	pub, err := wmNats.NewPublisher(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("create task publisher: %w", err)
	}
	return pub, nil
}

// TaskPublisher publishes delivery tasks onto their priority topic, wrapped
// in a circuit breaker so a broken broker fails fast instead of piling up
// blocked publishers.
type TaskPublisher struct {
	pub     message.Publisher
	breaker *gobreaker.CircuitBreaker[any]
}

// NewTaskPublisher wraps any Watermill publisher (NATS in production, a
// GoChannel pub/sub in tests).
func NewTaskPublisher(pub message.Publisher) *TaskPublisher {
	settings := gobreaker.Settings{
		Name:     "task-publisher",
		Interval: time.Minute,
		Timeout:  15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &TaskPublisher{
		pub:     pub,
		breaker: gobreaker.NewCircuitBreaker[any](settings),
	}
}

// PublishTask enqueues one delivery task on the topic of its priority class.
func (p *TaskPublisher) PublishTask(t *notification.Task) error {
	msg, err := EncodeTask(t)
	if err != nil {
		return err
	}

	topic := TopicFor(t.Priority)
	_, err = p.breaker.Execute(func() (any, error) {
		return nil, p.pub.Publish(topic, msg)
	})
	if err != nil {
		metrics.TaskPublishErrors.WithLabelValues(topic).Inc()
		return fmt.Errorf("publish task %s to %s: %w", t.IdempotencyKey, topic, err)
	}
	return nil
}

// Close closes the underlying publisher.
func (p *TaskPublisher) Close() error {
	return p.pub.Close()
}
