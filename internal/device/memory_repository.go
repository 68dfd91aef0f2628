package device

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryRepository is an in-memory implementation of Repository.
// This is intended for testing. Production should use the PostgreSQL implementation.
type InMemoryRepository struct {
	mu        sync.RWMutex
	devices   map[string]*Device // keyed by device ID
	endpoints map[string]string  // user|endpoint -> device ID
}

// NewInMemoryRepository creates a new in-memory device repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		devices:   make(map[string]*Device),
		endpoints: make(map[string]string),
	}
}

func endpointKey(userID, endpointID string) string {
	return userID + "|" + endpointID
}

// Get retrieves a device by ID.
func (r *InMemoryRepository) Get(_ context.Context, deviceID string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[deviceID]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return copyDevice(d), nil
}

// GetByEndpoint retrieves a device by (user, endpoint).
func (r *InMemoryRepository) GetByEndpoint(_ context.Context, userID, endpointID string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.endpoints[endpointKey(userID, endpointID)]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return copyDevice(r.devices[id]), nil
}

// ListByUser retrieves all devices for a user, newest first.
func (r *InMemoryRepository) ListByUser(_ context.Context, userID string) ([]*Device, error) {
	return r.list(userID, false), nil
}

// ListActiveByUser retrieves the active devices for a user, newest first.
func (r *InMemoryRepository) ListActiveByUser(_ context.Context, userID string) ([]*Device, error) {
	return r.list(userID, true), nil
}

func (r *InMemoryRepository) list(userID string, activeOnly bool) []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var items []*Device
	for _, d := range r.devices {
		if d.UserID != userID || (activeOnly && !d.IsActive) {
			continue
		}
		items = append(items, copyDevice(d))
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	return items
}

// Upsert creates or updates a device keyed by (user, endpoint).
func (r *InMemoryRepository) Upsert(_ context.Context, device *Device) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := endpointKey(device.UserID, device.EndpointID)
	if existingID, ok := r.endpoints[key]; ok {
		existing := r.devices[existingID]
		existing.Platform = device.Platform
		existing.Token = device.Token
		existing.AppVersion = device.AppVersion
		existing.Metadata = device.Metadata
		existing.IsActive = true
		existing.LastSeenAt = device.LastSeenAt
		existing.UpdatedAt = device.UpdatedAt

		device.ID = existing.ID
		device.CreatedAt = existing.CreatedAt
		device.Topics = append([]string(nil), existing.Topics...)
		return false, nil
	}

	r.devices[device.ID] = copyDevice(device)
	r.endpoints[key] = device.ID
	return true, nil
}

// Deactivate marks a device inactive.
func (r *InMemoryRepository) Deactivate(_ context.Context, deviceID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok {
		return ErrDeviceNotFound
	}
	if d.IsActive {
		d.IsActive = false
		d.UpdatedAt = at
	}
	return nil
}

// DeactivateByToken marks every active device holding token inactive.
func (r *InMemoryRepository) DeactivateByToken(_ context.Context, token string, at time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, d := range r.devices {
		if d.Token == token && d.IsActive {
			d.IsActive = false
			d.UpdatedAt = at
			n++
		}
	}
	return n, nil
}

// Touch updates LastSeenAt.
func (r *InMemoryRepository) Touch(_ context.Context, deviceID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok {
		return ErrDeviceNotFound
	}
	d.LastSeenAt = at
	return nil
}

// SetTopics replaces the mirrored topic list.
func (r *InMemoryRepository) SetTopics(_ context.Context, deviceID string, topics []string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok {
		return ErrDeviceNotFound
	}
	d.Topics = append([]string(nil), topics...)
	d.UpdatedAt = at
	return nil
}

// copyDevice creates a deep copy of a device.
func copyDevice(d *Device) *Device {
	if d == nil {
		return nil
	}

	c := *d
	c.Topics = append([]string(nil), d.Topics...)
	c.AppVersion = copyString(d.AppVersion)
	c.Metadata = Metadata{
		Model:     copyString(d.Metadata.Model),
		OSVersion: copyString(d.Metadata.OSVersion),
		Build:     copyString(d.Metadata.Build),
	}
	return &c
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

var _ Repository = (*InMemoryRepository)(nil)
