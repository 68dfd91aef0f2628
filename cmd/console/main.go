// Package main provides a terminal client that mirrors the Searchlight
// realtime feed: connection status, admin presence, notifications and entity
// changes are printed as structured log lines.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/searchlight/searchlight/internal/connection"
	"github.com/searchlight/searchlight/internal/protocol"
	"github.com/searchlight/searchlight/internal/provider/resilience"
	"github.com/searchlight/searchlight/internal/reconcile"
)

// Version is set at compile time via ldflags.
var Version = "dev"

type options struct {
	baseURL  string
	token    string
	identity string
	role     string
	topics   string
	pretty   bool
}

func main() {
	_ = godotenv.Load()

	var opts options
	flag.StringVar(&opts.baseURL, "url", getEnvOrDefault("SEARCHLIGHT_URL", "http://localhost:8080"), "API base URL")
	flag.StringVar(&opts.token, "token", os.Getenv("SEARCHLIGHT_TOKEN"), "bearer token")
	flag.StringVar(&opts.identity, "identity", os.Getenv("SEARCHLIGHT_IDENTITY"), "display name announced to the admin roster")
	flag.StringVar(&opts.role, "role", getEnvOrDefault("SEARCHLIGHT_ROLE", "user"), "role of the token's user")
	flag.StringVar(&opts.topics, "topics", os.Getenv("SEARCHLIGHT_TOPICS"), "comma-separated extra topics to join")
	flag.BoolVar(&opts.pretty, "pretty", true, "human-readable output")
	flag.Parse()

	var log zerolog.Logger
	if opts.pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	} else {
		log = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	log = log.With().Str("service", "searchlight-console").Str("version", Version).Logger()

	if err := run(opts, log); err != nil {
		log.Fatal().Err(err).Msg("console stopped")
	}
}

func run(opts options, log zerolog.Logger) error {
	wsURL, err := realtimeURL(opts.baseURL)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clientConfig := resilience.DefaultClientConfig("snapshots")
	clientConfig.Logger = log
	clientConfig.MaxRetries = 2
	client := resilience.NewClient(clientConfig)

	cfg := connection.DefaultConfig()
	cfg.Identity = opts.identity
	cfg.Role = opts.role
	cfg.Credential = func() string { return opts.token }
	cfg.Dialer = &connection.WebsocketDialer{URL: wsURL}
	cfg.Fetcher = connection.NewHTTPSnapshotFetcher(strings.TrimRight(opts.baseURL, "/"), client)
	cfg.Logger = log

	manager, err := connection.New(cfg)
	if err != nil {
		return err
	}
	defer manager.Close()

	watch(manager, log)

	for _, name := range splitTopics(opts.topics) {
		if err := manager.Subscribe(ctx, name); err != nil {
			return fmt.Errorf("topic %q: %w", name, err)
		}
	}

	if err := manager.Connect(ctx); err != nil {
		if errors.Is(err, connection.ErrAuthMissing) {
			return errors.New("no token: pass -token or set SEARCHLIGHT_TOKEN")
		}
		return err
	}
	log.Info().Str("url", wsURL).Msg("connecting")

	<-ctx.Done()
	log.Info().Msg("disconnecting")
	return nil
}

func watch(manager *connection.Manager, log zerolog.Logger) {
	manager.StatusChanged().Handle(func(ev connection.StatusChange) {
		log.Info().
			Str("from", string(ev.From)).
			Str("to", string(ev.To)).
			Str("status", string(ev.Status)).
			Msg("connection")
	})
	manager.PresenceChanged().Handle(func(ev connection.PresenceChanged) {
		log.Info().
			Str("kind", string(ev.Kind)).
			Str("user_id", ev.Member.UserID).
			Str("identity", ev.Member.Identity).
			Int("online", ev.Size).
			Msg("presence")
	})
	manager.NotificationReceived().Handle(func(n protocol.Notification) {
		log.Info().
			Str("id", n.ID).
			Str("type", n.Type).
			Str("priority", n.Priority).
			Str("topic", n.Topic).
			Str("title", n.Title).
			Msg(n.Body)
	})
	manager.EntityChanged().Handle(func(ch reconcile.Change) {
		log.Debug().
			Str("class", string(ch.Class)).
			Str("id", ch.ID).
			Str("operation", string(ch.Operation)).
			Int64("watermark", ch.Watermark).
			Str("source", string(ch.Source)).
			Msg("entity")
	})
}

// realtimeURL maps an http(s) API base URL to its websocket endpoint.
func realtimeURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parsing base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/v1/realtime"
	return u.String(), nil
}

func splitTopics(raw string) []string {
	var out []string
	for _, name := range strings.Split(raw, ",") {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
