package app_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchlight/searchlight/internal/app"
	"github.com/searchlight/searchlight/internal/changefeed"
	"github.com/searchlight/searchlight/internal/config"
	"github.com/searchlight/searchlight/internal/provider/resilience"
	"github.com/searchlight/searchlight/internal/push"
	"github.com/searchlight/searchlight/internal/reconcile"
)

type snapshotSource map[changefeed.EntityClass][]changefeed.Entity

func (s snapshotSource) Snapshot(_ context.Context, class changefeed.EntityClass) (*changefeed.Snapshot, error) {
	if class == changefeed.ClassRunner {
		return nil, errors.New("runner table unavailable")
	}
	return &changefeed.Snapshot{EntityClass: class, Entities: s[class], Complete: true}, nil
}

func TestOpenStores_Memory(t *testing.T) {
	stores, err := app.OpenStores(context.Background(), config.Config{Store: config.StoreMemory}, zerolog.Nop())
	require.NoError(t, err)
	defer stores.Close()

	assert.Nil(t, stores.Pool)
	assert.Nil(t, stores.Snapshots)
	assert.NotNil(t, stores.Directory)
	assert.NotNil(t, stores.Devices)
	assert.NotNil(t, stores.Subscriptions)
	assert.NotNil(t, stores.Notifications)
}

func TestWarmProjection(t *testing.T) {
	projection := reconcile.New(zerolog.Nop())
	defer projection.Close()

	source := snapshotSource{
		changefeed.ClassCase: {
			{ID: "case_1", Watermark: 3, Payload: map[string]any{"title": "Missing hiker"}},
			{ID: "case_2", Watermark: 1, Payload: map[string]any{"title": "Lost dog"}},
		},
	}

	loaded := app.WarmProjection(context.Background(), source, projection, zerolog.Nop())

	assert.Equal(t, 2, loaded)
	assert.Len(t, projection.Query(changefeed.ClassCase), 2)
	assert.Equal(t, int64(3), projection.Watermark(changefeed.ClassCase, "case_1"))
}

func TestWarmProjection_NilSource(t *testing.T) {
	projection := reconcile.New(zerolog.Nop())
	defer projection.Close()

	assert.Zero(t, app.WarmProjection(context.Background(), nil, projection, zerolog.Nop()))
}

func TestNewPushProvider(t *testing.T) {
	t.Run("fake", func(t *testing.T) {
		p, err := app.NewPushProvider(context.Background(), config.Config{PushProvider: config.PushFake}, resilience.NewRegistry(), nil, zerolog.Nop())
		require.NoError(t, err)
		assert.IsType(t, &push.FakeProvider{}, p)
	})

	t.Run("relay registers its client", func(t *testing.T) {
		registry := resilience.NewRegistry()
		p, err := app.NewPushProvider(context.Background(), config.Config{
			PushProvider: config.PushRelay,
			PushRelayURL: "https://relay.example.com",
		}, registry, nil, zerolog.Nop())
		require.NoError(t, err)
		assert.IsType(t, &push.Router{}, p)

		_, ok := registry.Health("push-relay")
		assert.True(t, ok)
		assert.True(t, registry.Healthy())
	})
}
