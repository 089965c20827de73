// Herald - Multi-Device Notification Fan-out and Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package notification

import (
	"errors"
	"time"
)

// Platform identifies the push transport a device is reached through.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformTV      Platform = "tv"
	PlatformWeb     Platform = "web"
)

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	switch p {
	case PlatformIOS, PlatformAndroid, PlatformTV, PlatformWeb:
		return true
	default:
		return false
	}
}

// Device is one push target owned by a user. Devices are owned by the
// registry and mutated only through register/heartbeat/unregister and
// capability bumps; everything else sees copies.
type Device struct {
	DeviceID  string    `json:"device_id"`
	UserID    string    `json:"user_id"`
	Platform  Platform  `json:"platform"`
	PushToken string    `json:"push_token"`
	LastSeen  time.Time `json:"last_seen"`

	// CapabilityVersion is the membership version this device last applied.
	// Monotone: the registry never lowers it.
	CapabilityVersion int64 `json:"capability_version"`
}

// Validate checks required device fields for registration.
func (d *Device) Validate() error {
	if d == nil {
		return errors.New("device is nil")
	}
	if d.DeviceID == "" {
		return errors.New("device ID is required")
	}
	if d.UserID == "" {
		return errors.New("user ID is required")
	}
	if !d.Platform.Valid() {
		return errors.New("unknown platform")
	}
	// Web devices are reached over their live WebSocket attachment and
	// carry no push token.
	if d.PushToken == "" && d.Platform != PlatformWeb {
		return errors.New("push token is required")
	}
	return nil
}
