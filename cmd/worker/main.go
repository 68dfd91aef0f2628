// Package main provides the entrypoint for the Searchlight worker: the
// entity-change consumer and the push delivery loop.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/searchlight/searchlight/internal/api/handler"
	"github.com/searchlight/searchlight/internal/api/middleware"
	"github.com/searchlight/searchlight/internal/api/response"
	"github.com/searchlight/searchlight/internal/app"
	"github.com/searchlight/searchlight/internal/config"
	"github.com/searchlight/searchlight/internal/device"
	"github.com/searchlight/searchlight/internal/notification"
	"github.com/searchlight/searchlight/internal/provider/resilience"
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
	const serviceName = "searchlight-worker"

	_ = godotenv.Load()

	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()

	log.Info().
		Str("build_time", BuildTime).
		Msg("starting Searchlight worker")

	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.Store == config.StoreMemory {
		log.Warn().Msg("worker on the memory store shares no state with the API")
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

	stores, err := app.OpenStores(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open stores")
	}
	defer stores.Close()

	providerMetrics, err := middleware.NewProviderMetrics()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize provider metrics")
	}
	registry := resilience.NewRegistry()
	provider, err := app.NewPushProvider(ctx, cfg, registry, providerMetrics, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create push provider")
	}

	deliveryMetrics, err := notification.NewMetrics()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize delivery metrics")
	}

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
		MaxRetries:  cfg.MaxRetries,
		Logger:      log,
	})

	dispatcher := notification.NewDispatcher(notification.DispatcherConfig{
		Repository: stores.Notifications,
		Devices:    deviceService,
		Provider:   provider,
		Metrics:    deliveryMetrics,
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

	// The worker keeps its own projection so stale events raise nothing.
	projection := reconcile.New(log)
	defer projection.Close()

	if cfg.ChangesTopic != "" {
		app.WarmProjection(ctx, stores.Snapshots, projection, log)

		consumer, consumerErr := worker.NewPubSubHandler(ctx, worker.PubSubConfig{
			ProjectID:        cfg.GCPProjectID,
			SubscriptionName: cfg.ChangesSubscription,
			Processor: worker.NewChangeProcessor(worker.ChangeProcessorConfig{
				Projection:    projection,
				Notifications: notificationService,
				Logger:        log,
			}),
			Logger: log,
		})
		if consumerErr != nil {
			log.Fatal().Err(consumerErr).Msg("failed to create change consumer")
		}
		go func() {
			defer consumer.Close()
			if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("change consumer stopped")
			}
		}()
	} else {
		log.Info().Msg("no changes topic configured, only delivering notifications")
	}

	checks := map[string]handler.Pinger{
		"push": handler.PingerFunc(func(context.Context) error {
			if !registry.Healthy() {
				return resilience.ErrCircuitOpen
			}
			return nil
		}),
	}
	if stores.Pool != nil {
		checks["database"] = stores.Pool
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      healthRouter(checks, job, registry),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", server.Addr).
			Msg("health server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("health server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down worker")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("health server forced to shutdown")
	}

	log.Info().Msg("worker stopped")
}

// healthRouter serves the worker's probes. It listens on the internal port
// only and carries no authentication.
func healthRouter(checks map[string]handler.Pinger, job *worker.DeliveryJob, registry *resilience.Registry) http.Handler {
	ops := handler.NewOpsHandler(handler.OpsHandlerConfig{
		Version:   Version,
		BuildTime: BuildTime,
		Checks:    checks,
	})

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/health", ops.HealthCheck)
	r.Get("/ready", ops.ReadinessCheck)
	r.Get("/status", ops.SystemStatus)
	r.Get("/deliveries", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, job.MetricsSnapshot())
	})
	r.Get("/providers", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, registry.All())
	})
	return r
}
