// Package api provides the HTTP API for Searchlight.
package api

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/searchlight/searchlight/internal/api/handler"
	"github.com/searchlight/searchlight/internal/api/middleware"
	"github.com/searchlight/searchlight/internal/changefeed"
	"github.com/searchlight/searchlight/internal/device"
	"github.com/searchlight/searchlight/internal/notification"
	"github.com/searchlight/searchlight/internal/realtime"
	"github.com/searchlight/searchlight/internal/subscription"
	"github.com/searchlight/searchlight/internal/topic"
)

// RoleService is the role carried by tokens of internal callers such as the
// record store and the push relay.
const RoleService = "service"

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Version     string
	BuildTime   string
	Logger      zerolog.Logger
	ServiceName string
	Metrics     *middleware.Metrics
	// RequireTLS rejects requests a proxy forwarded over plain HTTP.
	RequireTLS bool

	Authenticator       middleware.Authenticator
	DeviceService       *device.Service
	SubscriptionService *subscription.Service
	NotificationService *notification.Service
	Hub                 *realtime.Hub
	Snapshots           changefeed.SnapshotSource
	Publisher           changefeed.Publisher
	ReadinessChecks     map[string]handler.Pinger
}

// NewRouter creates a new chi router with all API routes configured.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Set default service name if not provided
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "searchlight-api"
	}

	// Global middleware - order matters
	r.Use(middleware.RequestID)            // Generate/propagate request ID first
	r.Use(middleware.Tracing(serviceName)) // Distributed tracing
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware()) // HTTP metrics
	}
	r.Use(middleware.Logger(cfg.Logger))   // Structured logging
	r.Use(middleware.Recovery(cfg.Logger)) // Panic recovery
	r.Use(chimiddleware.RealIP)            // Real IP extraction
	r.Use(middleware.Security(middleware.SecurityConfig{RequireTLS: cfg.RequireTLS}))
	r.Use(middleware.ContentTypeJSON)

	// Initialize handlers
	var sessions func() int
	if cfg.Hub != nil {
		sessions = cfg.Hub.SessionCount
	}
	opsHandler := handler.NewOpsHandler(handler.OpsHandlerConfig{
		Version:   cfg.Version,
		BuildTime: cfg.BuildTime,
		Checks:    cfg.ReadinessChecks,
		Sessions:  sessions,
	})
	deviceHandler := handler.NewDeviceHandler(cfg.DeviceService)
	subscriptionHandler := handler.NewSubscriptionHandler(cfg.SubscriptionService, cfg.DeviceService)
	notificationHandler := handler.NewNotificationHandler(cfg.NotificationService)
	syncHandler := handler.NewSyncHandler(handler.SyncHandlerConfig{
		Snapshots: cfg.Snapshots,
		Publisher: cfg.Publisher,
		Hub:       cfg.Hub,
		Logger:    cfg.Logger,
	})

	// Create auth middleware
	authMiddleware := middleware.Auth(cfg.Authenticator)
	adminOnly := middleware.RequireRole(topic.RoleAdmin, topic.RoleModerator)
	servicesOnly := middleware.RequireRole(RoleService, topic.RoleAdmin)

	// Create rate limit middleware for different endpoint categories
	broadcastRateLimit := middleware.RateLimitByUser(middleware.BroadcastRateLimit) // 10 req/min
	syncRateLimit := middleware.RateLimitByUser(middleware.SyncRateLimit)           // 30 req/min
	standardRateLimit := middleware.RateLimitByUser(middleware.StandardRateLimit)   // 100 req/min

	// API v1 routes
	r.Route("/v1", func(r chi.Router) {
		// Ops endpoints (public)
		r.Route("/ops", func(r chi.Router) {
			r.Get("/health", opsHandler.HealthCheck)
			r.Get("/ready", opsHandler.ReadinessCheck)
			// Status endpoint requires an admin
			r.With(authMiddleware, adminOnly).Get("/status", opsHandler.SystemStatus)
		})

		// Realtime gateway (websocket upgrade, authenticated)
		if cfg.Hub != nil {
			r.With(authMiddleware).Get("/realtime", cfg.Hub.ServeHTTP)
		}

		// Me endpoints (authenticated) - user-based rate limiting
		r.Route("/me", func(r chi.Router) {
			r.Use(authMiddleware)
			r.Use(standardRateLimit)
			r.Use(middleware.RequireJSON)

			// Devices
			r.Route("/devices", func(r chi.Router) {
				r.Get("/", deviceHandler.ListDevices)
				r.Post("/", deviceHandler.RegisterDevice)
				r.Delete("/{deviceId}", deviceHandler.UnregisterDevice)
				r.Post("/{deviceId}/heartbeat", deviceHandler.Heartbeat)
			})

			// Topic subscriptions
			r.Route("/subscriptions", func(r chi.Router) {
				r.Get("/", subscriptionHandler.ListSubscriptions)
				r.Post("/", subscriptionHandler.Subscribe)
				r.Delete("/{topic}", subscriptionHandler.Unsubscribe)
			})

			// Notifications
			r.Route("/notifications", func(r chi.Router) {
				r.Get("/", notificationHandler.ListNotifications)
				r.Post("/{notificationId}/delivered", notificationHandler.MarkDelivered)
				r.Post("/{notificationId}/opened", notificationHandler.MarkOpened)
			})
		})

		// Snapshot polling fallback for clients without a live connection
		r.With(authMiddleware, syncRateLimit).Get("/sync/snapshots", syncHandler.ListSnapshots)

		// Admin endpoints (admins and moderators)
		r.Route("/admin", func(r chi.Router) {
			r.Use(authMiddleware)
			r.Use(adminOnly)
			r.Use(middleware.RequireJSON)

			r.Route("/notifications", func(r chi.Router) {
				r.Use(broadcastRateLimit)
				r.Post("/", notificationHandler.Send)
				r.Post("/broadcast", notificationHandler.Broadcast)
			})
			r.With(standardRateLimit).Post("/topics", subscriptionHandler.CreateCustomTopic)
			r.With(syncRateLimit).Get("/presence", syncHandler.Presence)
		})

		// Internal endpoints (record store and push relay)
		r.Route("/internal", func(r chi.Router) {
			r.Use(authMiddleware)
			r.Use(servicesOnly)
			r.Use(middleware.RequireJSON)

			r.Post("/changes", syncHandler.IngestChanges)
			r.Post("/push-feedback", notificationHandler.PushFeedback)
		})
	})

	return r
}
