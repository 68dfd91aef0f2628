package notification_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/searchlight/searchlight/internal/device"
	"github.com/searchlight/searchlight/internal/directory"
	"github.com/searchlight/searchlight/internal/notification"
	"github.com/searchlight/searchlight/internal/protocol"
	"github.com/searchlight/searchlight/internal/push"
	"github.com/searchlight/searchlight/internal/subscription"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type liveRecorder struct {
	mu   sync.Mutex
	msgs map[string][]protocol.Notification
}

func (l *liveRecorder) NotifyUser(userID string, n protocol.Notification) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.msgs == nil {
		l.msgs = make(map[string][]protocol.Notification)
	}
	l.msgs[userID] = append(l.msgs[userID], n)
	return 1
}

type pipeline struct {
	clock         *clock
	directory     *directory.InMemoryDirectory
	subRepo       *subscription.InMemoryRepository
	subscriptions *subscription.Service
	devices       *device.Service
	repo          *notification.InMemoryRepository
	service       *notification.Service
	provider      *push.FakeProvider
	dispatcher    *notification.Dispatcher
	live          *liveRecorder
}

func newPipeline() *pipeline {
	p := &pipeline{
		clock:     newClock(),
		directory: directory.NewInMemoryDirectory(),
		subRepo:   subscription.NewInMemoryRepository(),
		repo:      notification.NewInMemoryRepository(),
		provider:  push.NewFakeProvider(),
		live:      &liveRecorder{},
	}
	p.subscriptions = subscription.NewService(subscription.ServiceConfig{
		Repository: p.subRepo,
		Directory:  p.directory,
		Logger:     zerolog.Nop(),
		Now:        p.clock.Now,
	})
	p.devices = device.NewService(device.NewInMemoryRepository(), device.WithClock(p.clock.Now))
	p.service = notification.NewService(notification.ServiceConfig{
		Repository:  p.repo,
		Subscribers: p.subscriptions,
		Devices:     p.devices,
		Live:        p.live,
		MaxRetries:  3,
		Logger:      zerolog.Nop(),
		Now:         p.clock.Now,
	})
	p.dispatcher = notification.NewDispatcher(notification.DispatcherConfig{
		Repository:   p.repo,
		Devices:      p.devices,
		Provider:     p.provider,
		Logger:       zerolog.Nop(),
		Now:          p.clock.Now,
		RetryInitial: time.Minute,
		RetryMax:     10 * time.Minute,
	})
	return p
}

// addUser creates an active user with one FCM device whose token is "tok_"+id.
func (p *pipeline) addUser(t *testing.T, id string) *device.Device {
	t.Helper()
	p.directory.Put(directory.User{ID: id, Role: "runner", IsActive: true})
	d, _, err := p.devices.Register(context.Background(), id, device.RegisterInput{
		EndpointID: "install-" + id,
		Platform:   device.PlatformFCM,
		Token:      "tok_" + id,
	})
	require.NoError(t, err)
	return d
}

func content() notification.Content {
	return notification.Content{
		Title:    "New case nearby",
		Body:     "A new case was opened in your region.",
		Type:     notification.TypeNewCase,
		Priority: notification.PriorityHigh,
		Payload:  map[string]any{"caseId": "case_7", "distanceKm": 2.5},
	}
}

func directoryUser(id string, active bool) directory.User {
	return directory.User{ID: id, Role: "runner", IsActive: active}
}
