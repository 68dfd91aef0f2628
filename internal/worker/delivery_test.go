package worker_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchlight/searchlight/internal/device"
	"github.com/searchlight/searchlight/internal/directory"
	"github.com/searchlight/searchlight/internal/notification"
	"github.com/searchlight/searchlight/internal/push"
	"github.com/searchlight/searchlight/internal/subscription"
	"github.com/searchlight/searchlight/internal/topic"
	"github.com/searchlight/searchlight/internal/worker"
)

func TestDefaultDeliveryConfig(t *testing.T) {
	cfg := worker.DefaultDeliveryConfig()

	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, 5*time.Second, cfg.Interval)
}

type deliveryFixture struct {
	directory     *directory.InMemoryDirectory
	subscriptions *subscription.Service
	devices       *device.Service
	notifications *notification.Service
	provider      *push.FakeProvider
	job           *worker.DeliveryJob
}

func newDeliveryFixture(t *testing.T) *deliveryFixture {
	t.Helper()

	f := &deliveryFixture{
		directory: directory.NewInMemoryDirectory(),
		provider:  push.NewFakeProvider(),
	}
	repo := notification.NewInMemoryRepository()
	f.subscriptions = subscription.NewService(subscription.ServiceConfig{
		Repository: subscription.NewInMemoryRepository(),
		Directory:  f.directory,
		Logger:     zerolog.Nop(),
	})
	f.devices = device.NewService(device.NewInMemoryRepository())
	f.notifications = notification.NewService(notification.ServiceConfig{
		Repository:  repo,
		Subscribers: f.subscriptions,
		Devices:     f.devices,
		Logger:      zerolog.Nop(),
	})
	dispatcher := notification.NewDispatcher(notification.DispatcherConfig{
		Repository: repo,
		Devices:    f.devices,
		Provider:   f.provider,
		Logger:     zerolog.Nop(),
		BatchSize:  10,
	})
	f.job = worker.NewDeliveryJob(worker.DeliveryJobConfig{
		Config:     worker.DeliveryConfig{Concurrency: 3, Timeout: 5 * time.Second},
		Dispatcher: dispatcher,
		Logger:     zerolog.Nop(),
	})
	return f
}

func (f *deliveryFixture) addSubscriber(t *testing.T, id, name string) {
	t.Helper()
	ctx := context.Background()

	f.directory.Put(directory.User{ID: id, Role: topic.RoleRunner, IsActive: true})
	_, _, err := f.devices.Register(ctx, id, device.RegisterInput{
		EndpointID: "install-" + id,
		Platform:   device.PlatformFCM,
		Token:      "tok_" + id,
	})
	require.NoError(t, err)
	_, err = f.subscriptions.Subscribe(ctx, id, name, subscription.ReasonUserRequested)
	require.NoError(t, err)
}

func broadcastContent() notification.Content {
	return notification.Content{
		Title: "New case: Missing hiker",
		Body:  "A new case was opened.",
		Type:  notification.TypeNewCase,
	}
}

func TestDeliveryJob_DeliversBatchConcurrently(t *testing.T) {
	f := newDeliveryFixture(t)
	for i := range 7 {
		f.addSubscriber(t, fmt.Sprintf("usr_%d", i), topic.NewCases)
	}

	res, err := f.notifications.Broadcast(context.Background(), topic.NewCases, broadcastContent())
	require.NoError(t, err)
	require.Equal(t, 7, res.Created)

	result := f.job.Run(context.Background())
	require.NoError(t, result.Err)
	assert.Equal(t, 7, result.Claimed)
	assert.Equal(t, 7, result.Outcomes[notification.OutcomeSent])
	assert.Equal(t, 7, f.provider.Calls())

	// Nothing is due any more.
	again := f.job.Run(context.Background())
	assert.Equal(t, 0, again.Claimed)

	m := f.job.GetMetrics()
	assert.Equal(t, int64(2), m.Passes)
	assert.Equal(t, int64(7), m.Sent)
	assert.Equal(t, int64(7), m.Claimed)
}

func TestDeliveryJob_FailureIsolation(t *testing.T) {
	f := newDeliveryFixture(t)
	for i := range 3 {
		f.addSubscriber(t, fmt.Sprintf("usr_%d", i), topic.NewCases)
	}
	f.provider.FailToken("tok_usr_1", &push.ProviderError{Code: "unregistered", Hard: true})
	f.provider.FailToken("tok_usr_2", &push.ProviderError{Code: "unavailable"})

	_, err := f.notifications.Broadcast(context.Background(), topic.NewCases, broadcastContent())
	require.NoError(t, err)

	result := f.job.Run(context.Background())
	assert.Equal(t, 1, result.Outcomes[notification.OutcomeSent])
	assert.Equal(t, 1, result.Outcomes[notification.OutcomeFailed])
	assert.Equal(t, 1, result.Outcomes[notification.OutcomeRetry])

	snapshot := f.job.MetricsSnapshot()
	assert.Equal(t, int64(1), snapshot["sent"])
	assert.Equal(t, int64(1), snapshot["retried"])
	assert.Equal(t, int64(1), snapshot["failed"])
}

type failingDispatcher struct {
	recoverErr error
	claimErr   error
}

func (d *failingDispatcher) Recover(context.Context) (int, error) { return 0, d.recoverErr }

func (d *failingDispatcher) Claim(context.Context) ([]*notification.Notification, error) {
	return nil, d.claimErr
}

func (d *failingDispatcher) Deliver(context.Context, *notification.Notification) notification.Outcome {
	return notification.OutcomeError
}

func TestDeliveryJob_RepositoryErrors(t *testing.T) {
	boom := errors.New("connection refused")

	for name, d := range map[string]*failingDispatcher{
		"recover": {recoverErr: boom},
		"claim":   {claimErr: boom},
	} {
		t.Run(name, func(t *testing.T) {
			job := worker.NewDeliveryJob(worker.DeliveryJobConfig{Dispatcher: d, Logger: zerolog.Nop()})

			result := job.Run(context.Background())
			assert.ErrorIs(t, result.Err, boom)
			assert.Equal(t, int64(1), job.GetMetrics().PassFails)
		})
	}
}

func TestDeliveryJob_LoopStopsOnCancel(t *testing.T) {
	f := newDeliveryFixture(t)
	f.addSubscriber(t, "usr_1", topic.NewCases)
	_, err := f.notifications.Broadcast(context.Background(), topic.NewCases, broadcastContent())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.job.Loop(ctx)
	}()

	require.Eventually(t, func() bool { return f.provider.Calls() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}
