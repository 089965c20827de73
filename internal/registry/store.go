// Herald - Multi-Device Notification Fan-out and Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package registry

import (
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/herald/internal/notification"
)

// Store is the persistence backend for the device registry. The registry
// writes through on every mutation and replays LoadAll on startup.
type Store interface {
	// SaveDevice persists the device, overwriting any previous record.
	SaveDevice(d *notification.Device) error

	// DeleteDevice removes the device record.
	DeleteDevice(deviceID string) error

	// LoadAll returns every persisted device.
	LoadAll() ([]*notification.Device, error)

	// Close releases backend resources.
	Close() error
}

// devicePrefix namespaces device records in badger.
const devicePrefix = "device/"

// BadgerStore persists devices in a badger database so registrations
// survive restarts.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) the badger database at dir.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // badger's own logger is too chatty; errors surface via returns

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open registry store at %s: %w", dir, err)
	}
	return &BadgerStore{db: db}, nil
}

// SaveDevice persists the device record.
func (s *BadgerStore) SaveDevice(d *notification.Device) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal device %s: %w", d.DeviceID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(devicePrefix+d.DeviceID), data)
	})
	if err != nil {
		return fmt.Errorf("save device %s: %w", d.DeviceID, err)
	}
	return nil
}

// DeleteDevice removes the device record. Deleting a missing device is not
// an error (unregister is idempotent).
func (s *BadgerStore) DeleteDevice(deviceID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(devicePrefix + deviceID))
	})
	if err != nil {
		return fmt.Errorf("delete device %s: %w", deviceID, err)
	}
	return nil
}

// LoadAll returns every persisted device.
func (s *BadgerStore) LoadAll() ([]*notification.Device, error) {
	var devices []*notification.Device
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(devicePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var d notification.Device
				if err := json.Unmarshal(val, &d); err != nil {
					return fmt.Errorf("unmarshal device record: %w", err)
				}
				devices = append(devices, &d)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load devices: %w", err)
	}
	return devices, nil
}

// Close closes the underlying badger database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// MemoryStore is an in-memory Store for tests and ephemeral deployments.
type MemoryStore struct {
	mu      sync.Mutex
	devices map[string]*notification.Device
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{devices: make(map[string]*notification.Device)}
}

// SaveDevice stores a copy of the device.
func (s *MemoryStore) SaveDevice(d *notification.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.devices[d.DeviceID] = &cp
	return nil
}

// DeleteDevice removes the device.
func (s *MemoryStore) DeleteDevice(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, deviceID)
	return nil
}

// LoadAll returns copies of every stored device.
func (s *MemoryStore) LoadAll() ([]*notification.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	devices := make([]*notification.Device, 0, len(s.devices))
	for _, d := range s.devices {
		cp := *d
		devices = append(devices, &cp)
	}
	return devices, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
