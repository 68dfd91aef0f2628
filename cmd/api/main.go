// Package main provides the entrypoint for the Searchlight API server.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/searchlight/searchlight/internal/api"
	"github.com/searchlight/searchlight/internal/api/handler"
	"github.com/searchlight/searchlight/internal/api/middleware"
	"github.com/searchlight/searchlight/internal/app"
	"github.com/searchlight/searchlight/internal/auth"
	"github.com/searchlight/searchlight/internal/changefeed"
	"github.com/searchlight/searchlight/internal/config"
	"github.com/searchlight/searchlight/internal/device"
	"github.com/searchlight/searchlight/internal/notification"
	"github.com/searchlight/searchlight/internal/provider/resilience"
	"github.com/searchlight/searchlight/internal/push"
	"github.com/searchlight/searchlight/internal/realtime"
	"github.com/searchlight/searchlight/internal/reconcile"
	"github.com/searchlight/searchlight/internal/subscription"
	"github.com/searchlight/searchlight/internal/telemetry"
	"github.com/searchlight/searchlight/internal/worker"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	const serviceName = "searchlight-api"

	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()

	log.Info().
		Str("build_time", BuildTime).
		Msg("starting Searchlight API")

	cfg := config.FromEnv()
	if err := cfg.ValidateAPI(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.UsesDevSigningKey() {
		log.Warn().Msg("using default JWT signing key - not secure for production")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TelemetryEnabled,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()

	metrics, err := middleware.NewMetrics()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize metrics")
	}
	providerMetrics, err := middleware.NewProviderMetrics()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize provider metrics")
	}
	hubMetrics, err := realtime.NewMetrics()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize realtime metrics")
	}

	stores, err := app.OpenStores(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open stores")
	}
	defer stores.Close()

	// The projection answers snapshot polls and session resyncs.
	projection := reconcile.New(log)
	defer projection.Close()
	app.WarmProjection(ctx, stores.Snapshots, projection, log)

	hub := realtime.NewHub(realtime.HubConfig{
		Snapshots:      projection,
		Principal:      middleware.GetPrincipal,
		Metrics:        hubMetrics,
		Logger:         log,
		OriginPatterns: cfg.AllowedOrigins,
		IdleTimeout:    cfg.RealtimeIdleTimeout,
	})
	go hub.Run(ctx)
	defer hub.Shutdown()

	jwtService := auth.NewJWTService(auth.JWTConfig{
		SigningKey: cfg.JWTSigningKey,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
	})

	deviceService := device.NewService(stores.Devices, device.WithLogger(log))
	subscriptionService := subscription.NewService(subscription.ServiceConfig{
		Repository: stores.Subscriptions,
		Directory:  stores.Directory,
		Logger:     log,
	})
	notificationService := notification.NewService(notification.ServiceConfig{
		Repository:  stores.Notifications,
		Subscribers: subscriptionService,
		Devices:     deviceService,
		Live:        hub,
		MaxRetries:  cfg.MaxRetries,
		Logger:      log,
	})

	// Without a changes topic, ingested events are processed in this process.
	var publisher changefeed.Publisher
	if cfg.ChangesTopic != "" {
		pubsubPublisher, pubErr := changefeed.NewPubSubPublisher(ctx, changefeed.PubSubPublisherConfig{
			ProjectID: cfg.GCPProjectID,
			TopicName: cfg.ChangesTopic,
			Logger:    log,
		})
		if pubErr != nil {
			log.Fatal().Err(pubErr).Msg("failed to create change publisher")
		}
		defer pubsubPublisher.Close()
		publisher = pubsubPublisher
		startGateway(ctx, cfg, projection, hub, log)
	} else {
		processor := worker.NewChangeProcessor(worker.ChangeProcessorConfig{
			Projection:    projection,
			Gateway:       hub,
			Notifications: notificationService,
			Logger:        log,
		})
		publisher = changefeed.PublisherFunc(func(ctx context.Context, ev changefeed.ChangeEvent) error {
			_, err := processor.Process(ctx, ev)
			return err
		})
		log.Info().Msg("processing ingested changes in-process")
	}

	checks := map[string]handler.Pinger{}
	if stores.Pool != nil {
		checks["database"] = stores.Pool
	}

	// The memory store cannot be shared with a worker, so deliveries run here.
	if cfg.Store == config.StoreMemory {
		registry := resilience.NewRegistry()
		provider, provErr := app.NewPushProvider(ctx, cfg, registry, providerMetrics, log)
		if provErr != nil {
			log.Fatal().Err(provErr).Msg("failed to create push provider")
		}
		checks["push"] = registryPinger(registry)
		startDelivery(ctx, cfg, stores, deviceService, provider, log)
	}

	router := api.NewRouter(api.RouterConfig{
		Version:             Version,
		BuildTime:           BuildTime,
		Logger:              log,
		ServiceName:         serviceName,
		Metrics:             metrics,
		RequireTLS:          cfg.RequireTLS,
		Authenticator:       jwtService,
		DeviceService:       deviceService,
		SubscriptionService: subscriptionService,
		NotificationService: notificationService,
		Hub:                 hub,
		Snapshots:           projection,
		Publisher:           publisher,
		ReadinessChecks:     checks,
	})

	// No WriteTimeout: it would cut long-lived websocket sessions.
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", server.Addr).
			Msg("server listening")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hub.Shutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

// startGateway consumes change events so that sessions connected to this
// instance see changes ingested by any instance.
func startGateway(ctx context.Context, cfg config.Config, projection *reconcile.Reconciler, hub *realtime.Hub, log zerolog.Logger) {
	consumer, err := worker.NewPubSubHandler(ctx, worker.PubSubConfig{
		ProjectID:        cfg.GCPProjectID,
		SubscriptionName: cfg.GatewaySubscription,
		Processor: worker.NewChangeProcessor(worker.ChangeProcessorConfig{
			Projection: projection,
			Gateway:    hub,
			Logger:     log,
		}),
		Logger: log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create gateway subscriber")
	}

	go func() {
		defer consumer.Close()
		if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("gateway subscriber stopped")
		}
	}()
}

func startDelivery(ctx context.Context, cfg config.Config, stores *app.Stores, devices *device.Service, provider push.Provider, log zerolog.Logger) {
	dispatcherMetrics, err := notification.NewMetrics()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize delivery metrics")
	}
	dispatcher := notification.NewDispatcher(notification.DispatcherConfig{
		Repository: stores.Notifications,
		Devices:    devices,
		Provider:   provider,
		Metrics:    dispatcherMetrics,
		Logger:     log,
		BatchSize:  cfg.DeliveryBatchSize,
	})
	job := worker.NewDeliveryJob(worker.DeliveryJobConfig{
		Config: worker.DeliveryConfig{
			Concurrency: cfg.DeliveryConcurrency,
			Interval:    cfg.DeliveryInterval,
		},
		Dispatcher: dispatcher,
		Logger:     log,
	})
	go job.Loop(ctx)
}

func registryPinger(registry *resilience.Registry) handler.Pinger {
	return handler.PingerFunc(func(context.Context) error {
		if !registry.Healthy() {
			return resilience.ErrCircuitOpen
		}
		return nil
	})
}
