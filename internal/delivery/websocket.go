// Herald - Multi-Device Notification Fan-out and Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/herald/internal/logging"
	"github.com/tomtom215/herald/internal/metrics"
	"github.com/tomtom215/herald/internal/notification"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// wsFrame is the message pushed to browser devices.
type wsFrame struct {
	EventID        string                 `json:"event_id"`
	EventType      notification.EventType `json:"event_type"`
	Priority       notification.Priority  `json:"priority"`
	Payload        json.RawMessage        `json:"payload,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key"`
}

// wsClient is one attached browser device.
type wsClient struct {
	deviceID string
	conn     *websocket.Conn
	send     chan wsFrame
}

// WebSocketTransport delivers tasks to web devices over their attached
// WebSocket connection. Browsers have no durable push channel here: an
// unattached device is a transient failure and the task retries, by which
// time the device may have reconnected.
type WebSocketTransport struct {
	mu      sync.RWMutex
	clients map[string]*wsClient
}

// NewWebSocketTransport creates an empty transport; devices attach through
// the ingress /ws endpoint.
func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{clients: make(map[string]*wsClient)}
}

// Name implements Transport.
func (t *WebSocketTransport) Name() string { return "websocket" }

// Attach binds a connection to a device and starts its pumps. An existing
// connection for the same device is replaced.
func (t *WebSocketTransport) Attach(deviceID string, conn *websocket.Conn) {
	c := &wsClient{
		deviceID: deviceID,
		conn:     conn,
		send:     make(chan wsFrame, 64),
	}

	t.mu.Lock()
	if old, ok := t.clients[deviceID]; ok {
		close(old.send)
	} else {
		metrics.WebSocketConnections.Inc()
	}
	t.clients[deviceID] = c
	t.mu.Unlock()

	go c.writePump()
	go t.readPump(c)

	logging.Debug().Str("device_id", deviceID).Msg("websocket device attached")
}

// detach removes the client if it is still the current one for its device.
func (t *WebSocketTransport) detach(c *wsClient) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.clients[c.deviceID]; ok && cur == c {
		delete(t.clients, c.deviceID)
		close(c.send)
		metrics.WebSocketConnections.Dec()
	}
}

// Send implements Transport.
func (t *WebSocketTransport) Send(_ context.Context, task *notification.Task, _ *notification.Device) error {
	t.mu.RLock()
	c, ok := t.clients[task.DeviceID]
	t.mu.RUnlock()
	if !ok {
		return notification.NewTransientError("device not attached", nil)
	}

	frame := wsFrame{
		EventID:        task.EventID,
		EventType:      task.EventType,
		Priority:       task.Priority,
		Payload:        task.Payload,
		IdempotencyKey: task.IdempotencyKey,
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return notification.NewTransientError("device send buffer full", nil)
	}
}

// readPump consumes control frames until the connection drops.
func (t *WebSocketTransport) readPump(c *wsClient) {
	defer func() {
		t.detach(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	if err := c.conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug().Err(err).Str("device_id", c.deviceID).Msg("websocket closed unexpectedly")
			}
			return
		}
	}
}

// writePump drains the send buffer and keeps the connection alive with pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
