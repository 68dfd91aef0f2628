// Package config reads process configuration from the environment.
//
// Every binary calls FromEnv once at startup, after loading an optional .env
// file; settings that only one binary uses are ignored by the others.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environments.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Push providers.
const (
	PushFCM   = "fcm"
	PushRelay = "relay"
	PushFake  = "fake"
)

// devSigningKey is only accepted outside production.
const devSigningKey = "local-dev-signing-key-change-in-production"

// Config is the union of every binary's settings.
type Config struct {
	Env  string
	Port string
	// RequireTLS rejects requests forwarded over plain HTTP.
	RequireTLS bool

	// Store selects the repository backend.
	Store string

	JWTSigningKey string
	JWTIssuer     string
	JWTAudience   string

	OTLPEndpoint     string
	TelemetryEnabled bool

	GCPProjectID string
	// ChangesTopic and ChangesSubscription carry entity-changed events.
	// Without a topic the API applies ingested changes in-process.
	ChangesTopic        string
	ChangesSubscription string
	// GatewaySubscription feeds API instances that forward changes to live
	// sessions. Each instance needs its own.
	GatewaySubscription string

	PushProvider       string
	FCMCredentialsFile string
	PushRelayURL       string
	PushRelayAPIKey    string

	AllowedOrigins      []string
	RealtimeIdleTimeout time.Duration

	DeliveryConcurrency int
	DeliveryInterval    time.Duration
	DeliveryBatchSize   int
	MaxRetries          int
}

// FromEnv creates a Config from environment variables.
func FromEnv() Config {
	return Config{
		Env:   getEnvOrDefault("APP_ENV", EnvDevelopment),
		Port:  getEnvOrDefault("APP_PORT", "8080"),
		Store: getEnvOrDefault("STORE", StorePostgres),

		RequireTLS: getBool("REQUIRE_TLS", false),

		JWTSigningKey: getEnvOrDefault("JWT_SIGNING_KEY", devSigningKey),
		JWTIssuer:     os.Getenv("JWT_ISSUER"),
		JWTAudience:   os.Getenv("JWT_AUDIENCE"),

		OTLPEndpoint:     getEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		TelemetryEnabled: getBool("OTEL_ENABLED", false),

		GCPProjectID:        os.Getenv("GCP_PROJECT_ID"),
		ChangesTopic:        os.Getenv("PUBSUB_CHANGES_TOPIC"),
		ChangesSubscription: getEnvOrDefault("PUBSUB_CHANGES_SUBSCRIPTION", "entity-changed-worker"),
		GatewaySubscription: os.Getenv("PUBSUB_GATEWAY_SUBSCRIPTION"),

		PushProvider:       getEnvOrDefault("PUSH_PROVIDER", PushFCM),
		FCMCredentialsFile: os.Getenv("FCM_CREDENTIALS_FILE"),
		PushRelayURL:       os.Getenv("PUSH_RELAY_URL"),
		PushRelayAPIKey:    os.Getenv("PUSH_RELAY_API_KEY"),

		AllowedOrigins:      getList("REALTIME_ALLOWED_ORIGINS"),
		RealtimeIdleTimeout: getDuration("REALTIME_IDLE_TIMEOUT", 45*time.Second),

		DeliveryConcurrency: getInt("DELIVERY_CONCURRENCY", 4),
		DeliveryInterval:    getDuration("DELIVERY_INTERVAL", 5*time.Second),
		DeliveryBatchSize:   getInt("DELIVERY_BATCH_SIZE", 100),
		MaxRetries:          getInt("DELIVERY_MAX_RETRIES", 5),
	}
}

// IsProduction reports whether the process runs in production.
func (c Config) IsProduction() bool {
	return c.Env == EnvProduction
}

// UsesDevSigningKey reports whether the built-in signing key is in use.
func (c Config) UsesDevSigningKey() bool {
	return c.JWTSigningKey == devSigningKey
}

// Validate rejects combinations no binary can start with.
func (c Config) Validate() error {
	var errs []error
	if c.IsProduction() && c.UsesDevSigningKey() {
		errs = append(errs, errors.New("JWT_SIGNING_KEY must be set in production"))
	}
	switch c.Store {
	case StorePostgres, StoreMemory:
	default:
		errs = append(errs, errors.New("STORE must be postgres or memory"))
	}
	switch c.PushProvider {
	case PushFCM, PushFake:
	case PushRelay:
		if c.PushRelayURL == "" {
			errs = append(errs, errors.New("PUSH_RELAY_URL is required for the relay provider"))
		}
	default:
		errs = append(errs, errors.New("PUSH_PROVIDER must be fcm, relay or fake"))
	}
	if c.ChangesTopic != "" && c.GCPProjectID == "" {
		errs = append(errs, errors.New("GCP_PROJECT_ID is required with PUBSUB_CHANGES_TOPIC"))
	}
	return errors.Join(errs...)
}

// ValidateAPI extends Validate with the API's own requirements. With a
// changes topic the API no longer processes ingested events itself, so it
// needs the gateway subscription to keep its projection and live sessions
// current.
func (c Config) ValidateAPI() error {
	err := c.Validate()
	if c.ChangesTopic != "" && c.GatewaySubscription == "" {
		err = errors.Join(err, errors.New("PUBSUB_GATEWAY_SUBSCRIPTION is required with PUBSUB_CHANGES_TOPIC"))
	}
	return err
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return defaultValue
	}
	return n
}

func getBool(key string, defaultValue bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return b
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return defaultValue
	}
	return d
}

func getList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
