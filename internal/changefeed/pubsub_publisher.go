package changefeed

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"
)

// PubSubPublisher publishes change events as JSON to a Pub/Sub topic.
type PubSubPublisher struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
	logger    zerolog.Logger
}

// PubSubPublisherConfig holds configuration for the Pub/Sub publisher.
type PubSubPublisherConfig struct {
	ProjectID string
	TopicName string
	Logger    zerolog.Logger
}

// NewPubSubPublisher creates a publisher for the entity-changed topic.
func NewPubSubPublisher(ctx context.Context, cfg PubSubPublisherConfig) (*PubSubPublisher, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	publisher := client.Publisher(cfg.TopicName)
	// Events of one entity keep their relative order on the topic.
	publisher.EnableMessageOrdering = true

	return &PubSubPublisher{
		client:    client,
		publisher: publisher,
		logger:    cfg.Logger.With().Str("component", "changefeed_publisher").Logger(),
	}, nil
}

// Publish sends ev and waits for the server acknowledgement.
func (p *PubSubPublisher) Publish(ctx context.Context, ev ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding change event: %w", err)
	}

	result := p.publisher.Publish(ctx, &pubsub.Message{
		Data:        data,
		OrderingKey: string(ev.EntityClass) + ":" + ev.EntityID,
		Attributes: map[string]string{
			"entity_class": string(ev.EntityClass),
			"operation":    string(ev.Operation),
		},
	})

	id, err := result.Get(ctx)
	if err != nil {
		p.publisher.ResumePublish(string(ev.EntityClass) + ":" + ev.EntityID)
		return fmt.Errorf("publishing change event: %w", err)
	}

	p.logger.Debug().
		Str("message_id", id).
		Str("entity_class", string(ev.EntityClass)).
		Str("entity_id", ev.EntityID).
		Int64("watermark", ev.Watermark).
		Msg("change event published")

	return nil
}

// Close flushes pending messages and closes the client.
func (p *PubSubPublisher) Close() error {
	p.publisher.Stop()
	return p.client.Close()
}

var _ Publisher = (*PubSubPublisher)(nil)
