package notification

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/searchlight/searchlight/internal/notification"

// Metrics holds the delivery instruments.
type Metrics struct {
	deliveryTotal metric.Int64Counter
	pushTotal     metric.Int64Counter
}

// NewMetrics creates delivery instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)

	deliveryTotal, err := meter.Int64Counter(
		"notification.delivery.total",
		metric.WithDescription("Delivery attempts by outcome"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		return nil, err
	}

	pushTotal, err := meter.Int64Counter(
		"notification.push.total",
		metric.WithDescription("Push provider calls by result"),
		metric.WithUnit("{push}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		deliveryTotal: deliveryTotal,
		pushTotal:     pushTotal,
	}, nil
}

func (m *Metrics) recordOutcome(ctx context.Context, outcome Outcome, priority Priority) {
	if m == nil {
		return
	}
	m.deliveryTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", string(outcome)),
		attribute.String("priority", string(priority)),
	))
}

func (m *Metrics) recordPush(ctx context.Context, platform, result string) {
	if m == nil {
		return
	}
	m.pushTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("platform", platform),
		attribute.String("result", result),
	))
}
