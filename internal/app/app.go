// Package app assembles the stores and push providers shared by the api and
// worker binaries from a config.Config.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/searchlight/searchlight/internal/changefeed"
	"github.com/searchlight/searchlight/internal/config"
	"github.com/searchlight/searchlight/internal/database"
	"github.com/searchlight/searchlight/internal/device"
	"github.com/searchlight/searchlight/internal/directory"
	"github.com/searchlight/searchlight/internal/notification"
	"github.com/searchlight/searchlight/internal/provider/resilience"
	"github.com/searchlight/searchlight/internal/push"
	"github.com/searchlight/searchlight/internal/reconcile"
	"github.com/searchlight/searchlight/internal/subscription"
)

// Stores are the repositories of one process.
type Stores struct {
	// Pool is nil for the memory store.
	Pool          *pgxpool.Pool
	Directory     directory.Directory
	Devices       device.Repository
	Subscriptions subscription.Repository
	Notifications notification.Repository
	// Snapshots seeds entity projections. Nil for the memory store.
	Snapshots changefeed.SnapshotSource
}

// Close releases the database pool, if any.
func (s *Stores) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

// OpenStores connects the store selected by cfg.Store.
func OpenStores(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*Stores, error) {
	if cfg.Store == config.StoreMemory {
		logger.Warn().Msg("using in-memory store, state is lost on restart")
		return &Stores{
			Directory:     directory.NewInMemoryDirectory(),
			Devices:       device.NewInMemoryRepository(),
			Subscriptions: subscription.NewInMemoryRepository(),
			Notifications: notification.NewInMemoryRepository(),
		}, nil
	}

	dbConfig := database.ConfigFromEnv()
	pool, err := database.Connect(ctx, dbConfig)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	logger.Info().
		Str("host", dbConfig.Host).
		Int("port", dbConfig.Port).
		Str("database", dbConfig.Database).
		Bool("migrated", dbConfig.MigrateOnStart).
		Msg("database connected")

	return &Stores{
		Pool:          pool,
		Directory:     directory.NewPostgresDirectory(pool),
		Devices:       device.NewPostgresRepository(pool),
		Subscriptions: subscription.NewPostgresRepository(pool),
		Notifications: notification.NewPostgresRepository(pool),
		Snapshots:     changefeed.NewPostgresSource(pool),
	}, nil
}

// WarmProjection loads every class from source into projection. Classes that
// fail are logged and left to fill from change events.
func WarmProjection(ctx context.Context, source changefeed.SnapshotSource, projection *reconcile.Reconciler, logger zerolog.Logger) int {
	if source == nil {
		return 0
	}
	loaded := 0
	for _, class := range changefeed.Classes {
		snap, err := source.Snapshot(ctx, class)
		if err != nil {
			logger.Error().Err(err).Str("class", string(class)).Msg("failed to load snapshot")
			continue
		}
		result := projection.ApplySnapshot(*snap)
		loaded += result.Replaced
	}
	logger.Info().Int("entities", loaded).Msg("projection warmed")
	return loaded
}

// NewPushProvider builds the push provider selected by cfg.PushProvider.
// Relay clients are registered with registry for readiness reporting and
// report to metrics when it is non-nil.
func NewPushProvider(ctx context.Context, cfg config.Config, registry *resilience.Registry, metrics resilience.Recorder, logger zerolog.Logger) (push.Provider, error) {
	switch cfg.PushProvider {
	case config.PushFake:
		logger.Warn().Msg("using fake push provider, nothing is delivered")
		return push.NewFakeProvider(), nil
	case config.PushRelay:
		relay := newRelay(cfg, registry, metrics, logger)
		return push.NewRouter().
			Handle(device.PlatformFCM, relay).
			Handle(device.PlatformAPNS, relay).
			Handle(device.PlatformWeb, relay), nil
	}

	fcm, err := push.NewFCMProvider(ctx, push.FCMConfig{
		ProjectID:       cfg.GCPProjectID,
		CredentialsFile: cfg.FCMCredentialsFile,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	router := push.NewRouter().Handle(device.PlatformFCM, fcm)
	if cfg.PushRelayURL != "" {
		relay := newRelay(cfg, registry, metrics, logger)
		router.Handle(device.PlatformAPNS, relay).Handle(device.PlatformWeb, relay)
	}
	return router, nil
}

func newRelay(cfg config.Config, registry *resilience.Registry, metrics resilience.Recorder, logger zerolog.Logger) *push.RelayProvider {
	clientConfig := resilience.DefaultClientConfig("push-relay")
	clientConfig.Logger = logger
	clientConfig.Metrics = metrics
	client := resilience.NewClient(clientConfig)
	registry.Register(client)
	return push.NewRelayProvider(push.RelayConfig{
		BaseURL: cfg.PushRelayURL,
		APIKey:  cfg.PushRelayAPIKey,
		Client:  client,
		Logger:  logger,
	})
}
