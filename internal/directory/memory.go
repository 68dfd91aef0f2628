package directory

import (
	"context"
	"sync"
)

// InMemoryDirectory is an in-memory Directory for tests and local development.
type InMemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewInMemoryDirectory creates a directory seeded with users.
func NewInMemoryDirectory(users ...User) *InMemoryDirectory {
	d := &InMemoryDirectory{users: make(map[string]User, len(users))}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

// Put adds or replaces a user.
func (d *InMemoryDirectory) Put(u User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
}

// Lookup returns the user with the given ID.
func (d *InMemoryDirectory) Lookup(_ context.Context, userID string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	u, ok := d.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

// ActiveUsers filters userIDs down to active accounts. Unknown users are dropped.
func (d *InMemoryDirectory) ActiveUsers(_ context.Context, userIDs []string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	active := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if u, ok := d.users[id]; ok && u.IsActive {
			active = append(active, id)
		}
	}
	return active, nil
}

var _ Directory = (*InMemoryDirectory)(nil)
