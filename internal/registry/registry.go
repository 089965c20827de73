// Herald - Multi-Device Notification Fan-out and Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package registry is the authoritative mapping of user to device set.
//
// The registry shards by userID so mutation for one user is serialized by its
// shard lock while unrelated users never contend. Reads within the registry's
// own timeline are read-after-write: DevicesOf reflects every unregistration
// that returned before the call. Mutations write through to a Store so
// registrations survive restarts.
package registry

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/tomtom215/herald/internal/logging"
	"github.com/tomtom215/herald/internal/metrics"
	"github.com/tomtom215/herald/internal/notification"
)

// ErrDeviceNotFound is returned by operations on unknown devices.
var ErrDeviceNotFound = errors.New("device not found")

// TaskCanceler cancels all pending delivery tasks for a device. The registry
// calls it synchronously inside Unregister, before the shard lock is
// released, so no task for the device is sent after Unregister returns.
type TaskCanceler interface {
	CancelDevice(deviceID string)
}

// shard holds the devices of the users hashing onto it.
type shard struct {
	mu sync.RWMutex
	// byUser maps userID -> deviceID -> device.
	byUser map[string]map[string]*notification.Device
}

// indexShard maps deviceID -> userID. Sharded by deviceID, so device-keyed
// operations (heartbeat, unregister, token lookup) resolve their owning user
// shard in O(1) instead of scanning shards.
type indexShard struct {
	mu       sync.RWMutex
	byDevice map[string]string
}

// Registry is the sharded in-memory device registry with write-through
// persistence.
type Registry struct {
	shards []*shard
	index  []*indexShard
	mask   uint32
	store  Store

	cancelMu sync.RWMutex
	canceler TaskCanceler
}

// New creates a registry with the given shard count (rounded up to a power
// of two) and loads previously persisted devices from the store.
func New(shardCount int, store Store) (*Registry, error) {
	if shardCount < 1 {
		shardCount = 1
	}
	n := 1
	for n < shardCount {
		n <<= 1
	}

	r := &Registry{
		shards: make([]*shard, n),
		index:  make([]*indexShard, n),
		mask:   uint32(n - 1),
		store:  store,
	}
	for i := range r.shards {
		r.shards[i] = &shard{byUser: make(map[string]map[string]*notification.Device)}
		r.index[i] = &indexShard{byDevice: make(map[string]string)}
	}

	devices, err := store.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("registry startup load: %w", err)
	}
	for _, d := range devices {
		r.shardFor(d.UserID).insert(d)
		r.indexPut(d.DeviceID, d.UserID)
	}
	if len(devices) > 0 {
		logging.Info().Int("devices", len(devices)).Msg("registry loaded persisted devices")
	}
	metrics.RegistryDevices.Set(float64(len(devices)))

	return r, nil
}

// SetTaskCanceler wires the delivery pool's cancellation hook. Must be set
// before traffic; unregister without a canceler only removes the device.
func (r *Registry) SetTaskCanceler(c TaskCanceler) {
	r.cancelMu.Lock()
	defer r.cancelMu.Unlock()
	r.canceler = c
}

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return r.shards[h.Sum32()&r.mask]
}

// insert adds the device to the shard's user map. Caller holds the shard
// lock or is in single-threaded startup.
func (s *shard) insert(d *notification.Device) {
	devs, ok := s.byUser[d.UserID]
	if !ok {
		devs = make(map[string]*notification.Device)
		s.byUser[d.UserID] = devs
	}
	devs[d.DeviceID] = d
}

func (r *Registry) indexFor(deviceID string) *indexShard {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return r.index[h.Sum32()&r.mask]
}

func (r *Registry) indexPut(deviceID, userID string) {
	idx := r.indexFor(deviceID)
	idx.mu.Lock()
	idx.byDevice[deviceID] = userID
	idx.mu.Unlock()
}

func (r *Registry) indexDelete(deviceID string) {
	idx := r.indexFor(deviceID)
	idx.mu.Lock()
	delete(idx.byDevice, deviceID)
	idx.mu.Unlock()
}

// Register adds a device or, if the deviceID already exists, updates its
// token, platform, and last-seen time. Idempotent.
func (r *Registry) Register(d *notification.Device) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("register device: %w", err)
	}

	s := r.shardFor(d.UserID)
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.byUser[d.UserID][d.DeviceID]
	if existing != nil {
		existing.PushToken = d.PushToken
		existing.Platform = d.Platform
		existing.LastSeen = time.Now().UTC()
		metrics.RegistryOperations.WithLabelValues("register").Inc()
		return r.store.SaveDevice(existing)
	}

	cp := *d
	cp.LastSeen = time.Now().UTC()
	s.insert(&cp)
	r.indexPut(cp.DeviceID, cp.UserID)
	metrics.RegistryOperations.WithLabelValues("register").Inc()
	metrics.RegistryDevices.Inc()
	if err := r.store.SaveDevice(&cp); err != nil {
		return err
	}
	logging.Debug().
		Str("device_id", cp.DeviceID).
		Str("user_id", cp.UserID).
		Str("platform", string(cp.Platform)).
		Msg("device registered")
	return nil
}

// Heartbeat refreshes the device's liveness timestamp. Idempotent.
func (r *Registry) Heartbeat(deviceID string) error {
	s, userID, ok := r.shardForDevice(deviceID)
	if !ok {
		return ErrDeviceNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.byUser[userID][deviceID]
	if d == nil {
		return ErrDeviceNotFound
	}
	d.LastSeen = time.Now().UTC()
	metrics.RegistryOperations.WithLabelValues("heartbeat").Inc()
	return r.store.SaveDevice(d)
}

// Unregister removes the device and synchronously cancels its pending
// delivery tasks. After Unregister returns, no task for the device is sent.
// Unregistering an unknown device is a no-op.
func (r *Registry) Unregister(deviceID string) error {
	s, userID, ok := r.shardForDevice(deviceID)
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byUser[userID][deviceID]; !exists {
		return nil
	}
	delete(s.byUser[userID], deviceID)
	if len(s.byUser[userID]) == 0 {
		delete(s.byUser, userID)
	}
	r.indexDelete(deviceID)

	// Cancel in-flight work before releasing the lock so a concurrent
	// fan-out cannot observe the device gone yet still send to it.
	r.cancelMu.RLock()
	canceler := r.canceler
	r.cancelMu.RUnlock()
	if canceler != nil {
		canceler.CancelDevice(deviceID)
	}

	metrics.RegistryOperations.WithLabelValues("unregister").Inc()
	metrics.RegistryDevices.Dec()
	logging.Debug().Str("device_id", deviceID).Msg("device unregistered")
	return r.store.DeleteDevice(deviceID)
}

// DevicesOf returns copies of every device registered for the user.
// An unknown user yields an empty slice, not an error.
func (r *Registry) DevicesOf(userID string) []*notification.Device {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	devs := s.byUser[userID]
	out := make([]*notification.Device, 0, len(devs))
	for _, d := range devs {
		cp := *d
		out = append(out, &cp)
	}
	return out
}

// Device returns a copy of the device with the given ID, if registered.
// The delivery pool uses it to resolve push tokens and to detect devices
// unregistered while their tasks were queued.
func (r *Registry) Device(deviceID string) (*notification.Device, bool) {
	s, userID, ok := r.shardForDevice(deviceID)
	if !ok {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	d := s.byUser[userID][deviceID]
	if d == nil {
		return nil, false
	}
	cp := *d
	return &cp, true
}

// BumpCapability lifts every device of the user to the given capability
// version. Versions are monotone: a lower version never overwrites a higher
// one.
func (r *Registry) BumpCapability(userID string, version int64) error {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, d := range s.byUser[userID] {
		if d.CapabilityVersion >= version {
			continue
		}
		d.CapabilityVersion = version
		if err := r.store.SaveDevice(d); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	metrics.RegistryOperations.WithLabelValues("bump_capability").Inc()
	return firstErr
}

// BumpDeviceCapability lifts a single device to the given version.
// Used by the delivery pool after a successful MembershipChanged send.
func (r *Registry) BumpDeviceCapability(deviceID string, version int64) error {
	s, userID, ok := r.shardForDevice(deviceID)
	if !ok {
		return ErrDeviceNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.byUser[userID][deviceID]
	if d == nil {
		return ErrDeviceNotFound
	}
	if d.CapabilityVersion >= version {
		return nil
	}
	d.CapabilityVersion = version
	return r.store.SaveDevice(d)
}

// shardForDevice resolves the owning shard of a device by its ID through the
// deviceID-sharded index. The caller re-checks the device under the user
// shard lock: it may have been unregistered between the index read and the
// lock acquisition.
func (r *Registry) shardForDevice(deviceID string) (*shard, string, bool) {
	idx := r.indexFor(deviceID)
	idx.mu.RLock()
	userID, ok := idx.byDevice[deviceID]
	idx.mu.RUnlock()
	if !ok {
		return nil, "", false
	}
	return r.shardFor(userID), userID, true
}

// Close closes the backing store.
func (r *Registry) Close() error {
	return r.store.Close()
}
