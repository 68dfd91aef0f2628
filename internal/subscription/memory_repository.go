package subscription

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryRepository is an in-memory implementation of Repository.
// This is intended for testing. Production should use the PostgreSQL implementation.
type InMemoryRepository struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription // user|topic
	custom map[string]*CustomTopic
}

// NewInMemoryRepository creates a new in-memory subscription repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		subs:   make(map[string]*Subscription),
		custom: make(map[string]*CustomTopic),
	}
}

func key(userID, topic string) string {
	return userID + "|" + topic
}

// Get retrieves the subscription for (userID, topic).
func (r *InMemoryRepository) Get(_ context.Context, userID, topic string) (*Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.subs[key(userID, topic)]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return copySubscription(s), nil
}

// ListByUser retrieves every subscription row of a user ordered by topic.
func (r *InMemoryRepository) ListByUser(_ context.Context, userID string) ([]*Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Subscription
	for _, s := range r.subs {
		if s.UserID == userID {
			out = append(out, copySubscription(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out, nil
}

// ListSubscriberIDs returns the users subscribed to topic ordered by user ID.
func (r *InMemoryRepository) ListSubscriberIDs(_ context.Context, topic string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for _, s := range r.subs {
		if s.Topic == topic && s.IsSubscribed {
			out = append(out, s.UserID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Upsert creates or re-enables a subscription.
func (r *InMemoryRepository) Upsert(_ context.Context, sub *Subscription) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(sub.UserID, sub.Topic)
	existing, ok := r.subs[k]
	if !ok {
		sub.IsSubscribed = true
		r.subs[k] = copySubscription(sub)
		return true, nil
	}

	existing.IsSubscribed = true
	existing.Reason = sub.Reason
	existing.UpdatedAt = sub.UpdatedAt

	*sub = *copySubscription(existing)
	return false, nil
}

// SetSubscribed toggles the isSubscribed flag.
func (r *InMemoryRepository) SetSubscribed(_ context.Context, userID, topic string, subscribed bool, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.subs[key(userID, topic)]
	if !ok {
		return ErrSubscriptionNotFound
	}
	if s.IsSubscribed != subscribed {
		s.IsSubscribed = subscribed
		s.UpdatedAt = at
	}
	return nil
}

// RecordDelivery increments the delivery counter.
func (r *InMemoryRepository) RecordDelivery(_ context.Context, userID, topic string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.subs[key(userID, topic)]
	if !ok {
		return ErrSubscriptionNotFound
	}
	s.NotificationCount++
	sent := at
	s.LastNotificationSent = &sent
	s.UpdatedAt = at
	return nil
}

// CreateCustomTopic registers a custom topic.
func (r *InMemoryRepository) CreateCustomTopic(_ context.Context, ct *CustomTopic) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.custom[ct.Name]; ok {
		*ct = *existing
		return false, nil
	}
	stored := *ct
	r.custom[ct.Name] = &stored
	return true, nil
}

// GetCustomTopic retrieves a custom topic by name.
func (r *InMemoryRepository) GetCustomTopic(_ context.Context, name string) (*CustomTopic, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ct, ok := r.custom[name]
	if !ok {
		return nil, ErrCustomTopicNotFound
	}
	out := *ct
	return &out, nil
}

func copySubscription(s *Subscription) *Subscription {
	out := *s
	if s.LastNotificationSent != nil {
		t := *s.LastNotificationSent
		out.LastNotificationSent = &t
	}
	return &out
}
