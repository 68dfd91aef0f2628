package realtime

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/searchlight/searchlight/internal/realtime"

// Metrics holds the gateway instruments.
type Metrics struct {
	sessionsActive  metric.Int64UpDownCounter
	messagesDropped metric.Int64Counter
}

// NewMetrics creates gateway instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)

	sessionsActive, err := meter.Int64UpDownCounter(
		"realtime.sessions.active",
		metric.WithDescription("Open websocket sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	messagesDropped, err := meter.Int64Counter(
		"realtime.messages.dropped",
		metric.WithDescription("Messages dropped because a session's send buffer was full"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		sessionsActive:  sessionsActive,
		messagesDropped: messagesDropped,
	}, nil
}

func (m *Metrics) sessionOpened(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.sessionsActive.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

func (m *Metrics) sessionClosed(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.sessionsActive.Add(ctx, -1, metric.WithAttributes(attribute.String("role", role)))
}

func (m *Metrics) messageDropped(ctx context.Context, msgType string) {
	if m == nil {
		return
	}
	m.messagesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("type", msgType)))
}
