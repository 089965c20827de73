// Herald - Multi-Device Notification Fan-out and Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package ingress is the HTTP boundary: event ingestion, the device API,
// the membership webhook, WebSocket attachment, and operational endpoints.
//
// Malformed requests are rejected synchronously with 400; everything past
// the boundary is a valid event. Accepted events answer 202: acceptance
// means admission to the pipeline, not delivery.
package ingress

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/herald/internal/delivery"
	"github.com/tomtom215/herald/internal/logging"
	"github.com/tomtom215/herald/internal/metrics"
	"github.com/tomtom215/herald/internal/notification"
)

// Dispatcher fans an admitted event out to delivery tasks.
type Dispatcher interface {
	Dispatch(ctx context.Context, e *notification.Event) error
}

// Offerer accepts play-progress events into a coalescing window.
type Offerer interface {
	Offer(e *notification.Event) error
}

// Admitter applies the per-priority admission policy.
type Admitter interface {
	Admit(ctx context.Context, p notification.Priority) (bool, error)
}

// VersionObserver records membership versions from the billing webhook.
type VersionObserver interface {
	ObserveVersion(userID string, p notification.MembershipPayload) bool
}

// DeviceRegistry is the slice of the registry the API exposes.
type DeviceRegistry interface {
	Register(d *notification.Device) error
	Heartbeat(deviceID string) error
	Unregister(deviceID string) error
	DevicesOf(userID string) []*notification.Device
	Device(deviceID string) (*notification.Device, bool)
}

// DeviceAttacher binds an upgraded WebSocket connection to a device.
type DeviceAttacher interface {
	Attach(deviceID string, conn *websocket.Conn)
}

// DeadLetterReader lists and clears dead-lettered tasks for operators.
// Satisfied by *delivery.DeadLetterStore.
type DeadLetterReader interface {
	List(limit int) ([]delivery.DeadLetterEntry, error)
	Delete(idempotencyKey string) error
}

// ReadyFunc reports component readiness for /readyz.
type ReadyFunc func() error

// Handler carries the dependencies of all HTTP handlers.
type Handler struct {
	dispatcher Dispatcher
	coalescer  Offerer
	admitter   Admitter
	versions   VersionObserver
	registry   DeviceRegistry
	attacher   DeviceAttacher
	deadLetter DeadLetterReader
	ready      ReadyFunc

	validate *validator.Validate
	upgrader websocket.Upgrader
	started  time.Time
}

// NewHandler creates the handler. attacher and ready are optional.
func NewHandler(
	dispatcher Dispatcher,
	coalescer Offerer,
	admitter Admitter,
	versions VersionObserver,
	registry DeviceRegistry,
	attacher DeviceAttacher,
	ready ReadyFunc,
) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		coalescer:  coalescer,
		admitter:   admitter,
		versions:   versions,
		registry:   registry,
		attacher:   attacher,
		ready:      ready,
		validate:   validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		started: time.Now(),
	}
}

// SetDeadLetterStore wires the operator-facing dead-letter endpoints.
func (h *Handler) SetDeadLetterStore(store DeadLetterReader) {
	h.deadLetter = store
}

type eventRequest struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id" validate:"required"`
	Type       string          `json:"type" validate:"required"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt *time.Time      `json:"occurred_at"`
}

// IngestEvent handles POST /api/v1/events.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.EventsRejected.WithLabelValues("bad_json").Inc()
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		metrics.EventsRejected.WithLabelValues("missing_fields").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	eventType := notification.EventType(req.Type)
	if !eventType.Valid() {
		metrics.EventsRejected.WithLabelValues("unknown_type").Inc()
		writeError(w, http.StatusBadRequest, "unknown event type")
		return
	}

	e := notification.NewEvent(req.UserID, eventType, req.Payload)
	if req.ID != "" {
		// Producer-supplied IDs keep retried submissions idempotent
		// end to end.
		e.ID = req.ID
	}
	if req.OccurredAt != nil {
		e.OccurredAt = req.OccurredAt.UTC()
	}

	// Payload shape is checked at the boundary so nothing malformed enters
	// the pipeline.
	switch eventType {
	case notification.EventPlayProgress:
		if _, err := e.PlayProgress(); err != nil {
			metrics.EventsRejected.WithLabelValues("bad_payload").Inc()
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	case notification.EventMembershipChanged:
		p, err := e.Membership()
		if err != nil {
			metrics.EventsRejected.WithLabelValues("bad_payload").Inc()
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if h.versions != nil {
			h.versions.ObserveVersion(e.UserID, *p)
		}
		e.MembershipVersion = p.Version
	}

	admitted, err := h.admitter.Admit(r.Context(), e.Priority)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "admission interrupted")
		return
	}
	if !admitted {
		// Over budget. Progress still folds into its window so the newest
		// position survives; the coalescer decides at expiry whether the
		// window emits. Nothing is sent now.
		if eventType == notification.EventPlayProgress {
			if err := h.coalescer.Offer(e); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "shed", "event_id": e.ID})
		return
	}

	metrics.EventsIngested.WithLabelValues(string(e.Type), string(e.Priority)).Inc()

	if eventType == notification.EventPlayProgress {
		if err := h.coalescer.Offer(e); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "coalescing", "event_id": e.ID})
		return
	}

	if err := h.dispatcher.Dispatch(r.Context(), e); err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Str("event_id", e.ID).Msg("dispatch failed")
		writeError(w, http.StatusServiceUnavailable, "event could not be queued")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "event_id": e.ID})
}

type deviceRequest struct {
	DeviceID  string `json:"device_id" validate:"required"`
	UserID    string `json:"user_id" validate:"required"`
	Platform  string `json:"platform" validate:"required,oneof=ios android tv web"`
	PushToken string `json:"push_token"`
}

// RegisterDevice handles POST /api/v1/devices.
func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	d := &notification.Device{
		DeviceID:  req.DeviceID,
		UserID:    req.UserID,
		Platform:  notification.Platform(req.Platform),
		PushToken: req.PushToken,
	}
	if err := h.registry.Register(d); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"device_id": d.DeviceID})
}

// Heartbeat handles POST /api/v1/devices/{deviceID}/heartbeat.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if err := h.registry.Heartbeat(deviceID); err != nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UnregisterDevice handles DELETE /api/v1/devices/{deviceID}. Idempotent:
// unknown devices answer 204 as well.
func (h *Handler) UnregisterDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if err := h.registry.Unregister(deviceID); err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Str("device_id", deviceID).Msg("unregister failed")
		writeError(w, http.StatusInternalServerError, "unregister failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListDevices handles GET /api/v1/users/{userID}/devices.
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	writeJSON(w, http.StatusOK, h.registry.DevicesOf(userID))
}

type membershipWebhookRequest struct {
	Version int64  `json:"version" validate:"gt=0"`
	Plan    string `json:"plan"`
	Active  bool   `json:"active"`
}

// MembershipWebhook handles POST /api/v1/membership/{userID}/version, the
// billing collaborator's version-changed callback. An advanced version
// produces a critical event; a replayed or out-of-order version is
// acknowledged and dropped.
func (h *Handler) MembershipWebhook(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req membershipWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	payload := notification.MembershipPayload{Version: req.Version, Plan: req.Plan, Active: req.Active}
	advanced := h.versions.ObserveVersion(userID, payload)
	if !advanced {
		writeJSON(w, http.StatusOK, map[string]bool{"advanced": false})
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode payload")
		return
	}
	e := notification.NewEvent(userID, notification.EventMembershipChanged, data)
	e.MembershipVersion = req.Version

	metrics.EventsIngested.WithLabelValues(string(e.Type), string(e.Priority)).Inc()
	if err := h.dispatcher.Dispatch(r.Context(), e); err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Str("user_id", userID).Msg("webhook dispatch failed")
		writeError(w, http.StatusServiceUnavailable, "event could not be queued")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"advanced": true})
}

type recommendationsRequest struct {
	BatchID string   `json:"batch_id"`
	UserIDs []string `json:"user_ids" validate:"required,min=1"`
	Count   int      `json:"count"`
}

// RecommendationsReady handles POST /api/v1/recommendations/ready: the
// recommendation pipeline announces a finished batch for a set of users.
// Fan-out drains in the background through the dispatcher's rate limiter;
// the response acknowledges admission only.
func (h *Handler) RecommendationsReady(w http.ResponseWriter, r *http.Request) {
	var req recommendationsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	payload, err := json.Marshal(notification.RecommendationsPayload{BatchID: req.BatchID, Count: req.Count})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode payload")
		return
	}

	ctx := context.WithoutCancel(r.Context())
	go func() {
		for _, userID := range req.UserIDs {
			e := notification.NewEvent(userID, notification.EventRecommendationsReady, payload)
			metrics.EventsIngested.WithLabelValues(string(e.Type), string(e.Priority)).Inc()
			if err := h.dispatcher.Dispatch(ctx, e); err != nil {
				logging.Ctx(ctx).Error().Err(err).Str("user_id", userID).Msg("recommendation fan-out failed")
			}
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"batch_id": req.BatchID,
		"users":    len(req.UserIDs),
	})
}

// AttachWebSocket handles GET /api/v1/ws?device_id=...: upgrades the
// connection and binds it to a registered web device.
func (h *Handler) AttachWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.attacher == nil {
		writeError(w, http.StatusNotImplemented, "websocket transport disabled")
		return
	}
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	if _, ok := h.registry.Device(deviceID); !ok {
		writeError(w, http.StatusNotFound, "device not registered")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		logging.Ctx(r.Context()).Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	h.attacher.Attach(deviceID, conn)
}

// ListDeadLetters handles GET /api/v1/deadletter.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.deadLetter == nil {
		writeError(w, http.StatusNotImplemented, "dead-letter store disabled")
		return
	}
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := h.deadLetter.List(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list dead letters")
		return
	}
	if entries == nil {
		entries = []delivery.DeadLetterEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// DeleteDeadLetter handles DELETE /api/v1/deadletter/{key}.
func (h *Handler) DeleteDeadLetter(w http.ResponseWriter, r *http.Request) {
	if h.deadLetter == nil {
		writeError(w, http.StatusNotImplemented, "dead-letter store disabled")
		return
	}
	if err := h.deadLetter.Delete(chi.URLParam(r, "key")); err != nil {
		writeError(w, http.StatusInternalServerError, "delete dead letter")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HealthLive handles GET /healthz.
func (h *Handler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(h.started).String(),
	})
}

// HealthReady handles GET /readyz.
func (h *Handler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	if h.ready != nil {
		if err := h.ready(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
