package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"

	"github.com/searchlight/searchlight/internal/changefeed"
)

// Decision is what to do with a consumed message.
type Decision int

const (
	Ack Decision = iota
	Nack
)

// PubSubConfig configures a PubSubHandler.
type PubSubConfig struct {
	ProjectID        string
	SubscriptionName string
	Processor        *ChangeProcessor
	Logger           zerolog.Logger

	// MaxOutstanding bounds unacknowledged messages held at once.
	// Default: 100
	MaxOutstanding int
	// MaxExtension bounds how long a message's ack deadline is extended.
	// Default: 2 minutes
	MaxExtension time.Duration
}

// PubSubHandler feeds entity-changed messages from one subscription into a
// ChangeProcessor.
type PubSubHandler struct {
	client       *pubsub.Client
	subscriber   *pubsub.Subscriber
	subscription string
	processor    *ChangeProcessor
	logger       zerolog.Logger
}

func NewPubSubHandler(ctx context.Context, cfg PubSubConfig) (*PubSubHandler, error) {
	if cfg.Processor == nil {
		return nil, errors.New("pubsub handler needs a processor")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	subscriber := client.Subscriber(cfg.SubscriptionName)
	subscriber.ReceiveSettings.MaxOutstandingMessages = positiveOr(cfg.MaxOutstanding, 100)
	subscriber.ReceiveSettings.MaxExtension = positiveOr(cfg.MaxExtension, 2*time.Minute)

	return &PubSubHandler{
		client:       client,
		subscriber:   subscriber,
		subscription: cfg.SubscriptionName,
		processor:    cfg.Processor,
		logger: cfg.Logger.With().
			Str("component", "change_consumer").
			Str("subscription", cfg.SubscriptionName).
			Logger(),
	}, nil
}

// Start receives until ctx is done or the subscription fails.
func (h *PubSubHandler) Start(ctx context.Context) error {
	h.logger.Info().Msg("consuming change events")
	return h.subscriber.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		logger := h.logger.With().Str("message_id", msg.ID).Logger()
		if msg.DeliveryAttempt != nil && *msg.DeliveryAttempt > 1 {
			logger.Debug().Int("delivery_attempt", *msg.DeliveryAttempt).Msg("redelivered change event")
		}

		if HandleChangeMessage(ctx, h.processor, msg.Data, logger) == Nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

// Close releases the Pub/Sub client.
func (h *PubSubHandler) Close() error {
	return h.client.Close()
}

// HandleChangeMessage decodes and processes one message body.
//
// Malformed and invalid events are acknowledged, since redelivery cannot fix
// them. Any other failure, a failed broadcast or work cut short by shutdown,
// hands the message back to the subscription. The processor leaves such
// events unapplied, so the redelivery retries the broadcasts.
func HandleChangeMessage(ctx context.Context, processor *ChangeProcessor, data []byte, logger zerolog.Logger) Decision {
	started := time.Now()

	var ev changefeed.ChangeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		logger.Error().Err(err).Msg("failed to parse change event")
		return Ack
	}

	result, err := processor.Process(ctx, ev)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidChange):
			logger.Warn().Err(err).Msg("dropping invalid change event")
			return Ack
		case ctx.Err() != nil:
			return Nack
		}
		logger.Error().Err(err).Msg("change event failed, requesting redelivery")
		return Nack
	}

	logger.Debug().
		Bool("applied", result != nil && result.Applied).
		Dur("duration", time.Since(started)).
		Msg("change event handled")
	return Ack
}

func positiveOr[T int | time.Duration](v, fallback T) T {
	if v > 0 {
		return v
	}
	return fallback
}
