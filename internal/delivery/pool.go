// Herald - Multi-Device Notification Fan-out and Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/herald/internal/events"
	"github.com/tomtom215/herald/internal/logging"
	"github.com/tomtom215/herald/internal/metrics"
	"github.com/tomtom215/herald/internal/notification"
)

// DeviceResolver is the slice of the registry the pool needs: resolve a
// queued task's device, drop devices with dead tokens, and record applied
// membership versions.
type DeviceResolver interface {
	Device(deviceID string) (*notification.Device, bool)
	Unregister(deviceID string) error
	BumpDeviceCapability(deviceID string, version int64) error
}

// FreshnessChecker is the consistency gate's pre-send check.
type FreshnessChecker interface {
	CheckFresh(ctx context.Context, userID string, builtAgainst int64) (int64, bool, error)
	LatestRecord(userID string) (notification.MembershipPayload, bool)
}

// TaskSink republishes rebuilt tasks. Satisfied by *events.TaskPublisher.
type TaskSink interface {
	PublishTask(t *notification.Task) error
}

// Config holds worker pool settings.
type Config struct {
	MaxAttempts             int
	BackoffBase             time.Duration
	BackoffCap              time.Duration
	PerPlatformConcurrency  int
	WorkersPerTopic         int
	BreakerFailureThreshold uint32
	BreakerTimeout          time.Duration
}

// Pool consumes the per-priority task queues and drives tasks through their
// lifecycle. Exactly one worker owns a task at a time; after the first send
// attempt the retry scheduler owns requeueing, so broker redelivery only
// matters for crashes.
type Pool struct {
	cfg        Config
	sub        message.Subscriber
	transports map[notification.Platform]Transport
	devices    DeviceResolver
	gate       FreshnessChecker
	sink       TaskSink
	deadLetter *DeadLetterStore

	retry    *retryScheduler
	retryCh  chan *notification.Task
	breakers map[notification.Platform]*gobreaker.CircuitBreaker[any]
	sems     map[notification.Platform]chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewPool wires the pool. gate, sink, and deadLetter are optional; a nil
// deadLetter drops exhausted tasks with only the metric and log trail.
func NewPool(
	cfg Config,
	sub message.Subscriber,
	transports map[notification.Platform]Transport,
	devices DeviceResolver,
	gate FreshnessChecker,
	sink TaskSink,
	deadLetter *DeadLetterStore,
) *Pool {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 2 * time.Minute
	}
	if cfg.PerPlatformConcurrency < 1 {
		cfg.PerPlatformConcurrency = 32
	}
	if cfg.WorkersPerTopic < 1 {
		cfg.WorkersPerTopic = 8
	}
	if cfg.BreakerFailureThreshold == 0 {
		cfg.BreakerFailureThreshold = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	p := &Pool{
		cfg:        cfg,
		sub:        sub,
		transports: transports,
		devices:    devices,
		gate:       gate,
		sink:       sink,
		deadLetter: deadLetter,
		retryCh:    make(chan *notification.Task, 256),
		breakers:   make(map[notification.Platform]*gobreaker.CircuitBreaker[any]),
		sems:       make(map[notification.Platform]chan struct{}),
		inflight:   make(map[string]struct{}),
	}
	p.retry = newRetryScheduler(p.requeue)

	for platform := range transports {
		p.sems[platform] = make(chan struct{}, cfg.PerPlatformConcurrency)
		p.breakers[platform] = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:    "transport-" + string(platform),
			Timeout: cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerFailureThreshold
			},
			// A dead token is the device's problem, not the platform's.
			IsSuccessful: func(err error) bool {
				return err == nil || notification.IsPermanent(err)
			},
		})
	}
	return p
}

// CancelDevice implements the registry's TaskCanceler: tasks waiting for
// retry are removed before the call returns, and tasks still queued in the
// broker are expired on dequeue because the device no longer resolves.
func (p *Pool) CancelDevice(deviceID string) {
	canceled := p.retry.CancelDevice(deviceID)
	if canceled > 0 {
		logging.Debug().
			Str("device_id", deviceID).
			Int("canceled", canceled).
			Msg("pending retries canceled for unregistered device")
	}
}

// requeue feeds a due retry back to the workers.
func (p *Pool) requeue(t *notification.Task) {
	p.retryCh <- t
}

// Serve consumes the three priority topics until the context is canceled.
// Implements suture.Service.
func (p *Pool) Serve(ctx context.Context) error {
	go p.retry.Run(ctx)

	var wg sync.WaitGroup
	for _, topic := range []string{events.TopicCritical, events.TopicImportant, events.TopicNormal} {
		ch, err := p.sub.Subscribe(ctx, topic)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		for i := 0; i < p.cfg.WorkersPerTopic; i++ {
			wg.Add(1)
			go func(ch <-chan *message.Message) {
				defer wg.Done()
				p.worker(ctx, ch)
			}(ch)
		}
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (p *Pool) String() string { return "delivery-pool" }

// worker drains one topic channel plus the shared retry channel.
func (p *Pool) worker(ctx context.Context, msgCh <-chan *message.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-p.retryCh:
			p.process(ctx, t)
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			t, err := events.DecodeTask(msg)
			if err != nil {
				// Poison message: ack so it never redelivers.
				logging.Warn().Err(err).Str("uuid", msg.UUID).Msg("dropping undecodable task message")
				msg.Ack()
				continue
			}
			p.process(ctx, t)
			// Ownership is in-process from here; retries go through the heap.
			msg.Ack()
		}
	}
}

// process drives one attempt of one task.
func (p *Pool) process(ctx context.Context, t *notification.Task) {
	if !p.acquireInflight(t.IdempotencyKey) {
		// A redelivered duplicate while the first copy is in flight.
		return
	}
	defer p.releaseInflight(t.IdempotencyKey)

	device, ok := p.devices.Device(t.DeviceID)
	if !ok {
		// Unregistered while queued.
		_ = t.Transition(notification.TaskExpired)
		metrics.DeliveryTasksCanceled.Inc()
		logging.Debug().
			Str("device_id", t.DeviceID).
			Str("idempotency_key", t.IdempotencyKey).
			Msg("task expired, device no longer registered")
		return
	}

	if t.EventType == notification.EventMembershipChanged && p.gate != nil {
		if !p.checkGate(ctx, t, device) {
			return
		}
	}

	transport, ok := p.transports[device.Platform]
	if !ok {
		_ = t.Transition(notification.TaskExpired)
		logging.Error().
			Str("platform", string(device.Platform)).
			Msg("no transport for platform, task expired")
		return
	}

	sem := p.sems[device.Platform]
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-sem }()

	if err := t.Transition(notification.TaskSent); err != nil {
		logging.Warn().Err(err).Msg("task in unexpected state, dropping")
		return
	}

	timer := prometheus.NewTimer(metrics.DeliverySendDuration.WithLabelValues(string(device.Platform)))
	_, err := p.breakers[device.Platform].Execute(func() (any, error) {
		return nil, transport.Send(ctx, t, device)
	})
	timer.ObserveDuration()

	switch {
	case err == nil:
		p.onAck(t, device)
	case notification.IsPermanent(err):
		p.onPermanentFailure(t, device, err)
	default:
		p.onTransientFailure(t, device, err)
	}
}

// checkGate re-checks a critical task against the latest committed
// membership version immediately before send. Stale tasks are discarded and
// rebuilt against the current record; they are never sent.
func (p *Pool) checkGate(ctx context.Context, t *notification.Task, device *notification.Device) bool {
	latest, fresh, err := p.gate.CheckFresh(ctx, t.UserID, t.BuiltAgainstVersion)
	if err != nil {
		// The cached check cannot fail; this is a version-source miss.
		// Send anyway: the playback path enforces access on its own.
		logging.Warn().Err(err).Str("user_id", t.UserID).Msg("gate check failed, sending unverified")
		return true
	}
	if fresh {
		return true
	}

	_ = t.Transition(notification.TaskExpired)
	logging.Debug().
		Str("user_id", t.UserID).
		Int64("built_against", t.BuiltAgainstVersion).
		Int64("latest", latest).
		Msg("stale membership task discarded")

	if p.sink == nil {
		return false
	}
	rec, ok := p.gate.LatestRecord(t.UserID)
	if !ok {
		return false
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return false
	}
	e := &notification.Event{
		ID:                uuid.New().String(),
		UserID:            t.UserID,
		Type:              notification.EventMembershipChanged,
		Payload:           payload,
		OccurredAt:        time.Now().UTC(),
		Priority:          notification.PriorityCritical,
		MembershipVersion: rec.Version,
	}
	rebuilt := notification.NewTask(e, device)
	if err := p.sink.PublishTask(rebuilt); err != nil {
		logging.Error().Err(err).Str("user_id", t.UserID).Msg("failed to republish rebuilt membership task")
	}
	return false
}

func (p *Pool) onAck(t *notification.Task, device *notification.Device) {
	_ = t.Transition(notification.TaskAcked)
	metrics.DeliveryAttempts.WithLabelValues(string(device.Platform), "ack").Inc()

	if t.EventType == notification.EventMembershipChanged && t.BuiltAgainstVersion > 0 {
		if err := p.devices.BumpDeviceCapability(t.DeviceID, t.BuiltAgainstVersion); err != nil {
			logging.Warn().Err(err).Str("device_id", t.DeviceID).Msg("failed to record applied capability version")
		}
	}
}

func (p *Pool) onPermanentFailure(t *notification.Task, device *notification.Device, err error) {
	_ = t.Transition(notification.TaskExpired)
	metrics.DeliveryAttempts.WithLabelValues(string(device.Platform), "permanent").Inc()
	logging.Info().
		Err(err).
		Str("device_id", t.DeviceID).
		Str("platform", string(device.Platform)).
		Msg("permanent delivery failure, unregistering device")
	if uerr := p.devices.Unregister(t.DeviceID); uerr != nil {
		logging.Error().Err(uerr).Str("device_id", t.DeviceID).Msg("failed to unregister dead device")
	}
}

func (p *Pool) onTransientFailure(t *notification.Task, device *notification.Device, err error) {
	metrics.DeliveryAttempts.WithLabelValues(string(device.Platform), "transient").Inc()
	t.AttemptCount++

	if t.AttemptCount >= p.cfg.MaxAttempts {
		_ = t.Transition(notification.TaskFailed)
		logging.Warn().
			Err(err).
			Str("idempotency_key", t.IdempotencyKey).
			Int("attempts", t.AttemptCount).
			Msg("retries exhausted, dead-lettering task")
		if p.deadLetter != nil {
			if dlErr := p.deadLetter.Save(t, err.Error()); dlErr != nil {
				logging.Error().Err(dlErr).Msg("failed to persist dead-letter entry")
			}
		} else {
			metrics.DeliveryDeadLettered.Inc()
		}
		return
	}

	if terr := t.Transition(notification.TaskPending); terr != nil {
		logging.Warn().Err(terr).Msg("cannot requeue task, dropping")
		return
	}
	delay := backoffFor(t.AttemptCount, p.cfg.BackoffBase, p.cfg.BackoffCap)
	t.NextRetryAt = time.Now().UTC().Add(delay)
	p.retry.Schedule(t, t.NextRetryAt)
}

func (p *Pool) acquireInflight(key string) bool {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	if _, exists := p.inflight[key]; exists {
		return false
	}
	p.inflight[key] = struct{}{}
	return true
}

func (p *Pool) releaseInflight(key string) {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	delete(p.inflight, key)
}
