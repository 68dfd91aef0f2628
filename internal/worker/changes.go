package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/searchlight/searchlight/internal/api/models"
	"github.com/searchlight/searchlight/internal/changefeed"
	"github.com/searchlight/searchlight/internal/notification"
	"github.com/searchlight/searchlight/internal/telemetry"
	"github.com/searchlight/searchlight/internal/topic"
)

// Payload fields read by the notification rules.
const (
	fieldPriority = "priority"
	fieldTitle    = "title"
	fieldName     = "name"
	fieldStatus   = "status"
	fieldRegion   = "region"
)

// ErrInvalidChange is returned for events that fail validation.
var ErrInvalidChange = errors.New("invalid change event")

// Projection is the server-side entity cache change events are merged into.
type Projection interface {
	ApplyEvent(ev changefeed.ChangeEvent) bool
	Watermark(class changefeed.EntityClass, id string) int64
}

// Gateway fans change events out to live sessions.
type Gateway interface {
	PublishChange(ev changefeed.ChangeEvent) int
}

// Broadcaster raises notifications for topic subscribers.
type Broadcaster interface {
	Broadcast(ctx context.Context, name string, content notification.Content) (*notification.BroadcastResult, error)
}

// ChangeProcessorConfig holds configuration for creating a ChangeProcessor.
type ChangeProcessorConfig struct {
	Projection Projection
	// Gateway and Notifications are optional.
	Gateway       Gateway
	Notifications Broadcaster
	Logger        zerolog.Logger
}

// ChangeProcessor applies change events and derives notifications from them.
type ChangeProcessor struct {
	projection    Projection
	gateway       Gateway
	notifications Broadcaster
	logger        zerolog.Logger

	locks keyedMutex

	mu sync.Mutex
	// partial holds, per entity, the topics already notified for an event
	// whose other broadcasts failed. A redelivery skips them.
	partial map[string]notified
}

type notified struct {
	watermark int64
	topics    map[string]bool
}

// ChangeResult reports what processing one event did.
type ChangeResult struct {
	// Applied is false for events at or below the cached watermark, and for
	// events left unapplied because a broadcast failed.
	Applied    bool
	Sessions   int
	Broadcasts []*notification.BroadcastResult
}

// NewChangeProcessor creates a change processor.
func NewChangeProcessor(cfg ChangeProcessorConfig) *ChangeProcessor {
	return &ChangeProcessor{
		projection:    cfg.Projection,
		gateway:       cfg.Gateway,
		notifications: cfg.Notifications,
		logger:        cfg.Logger.With().Str("component", "change_processor").Logger(),
		partial:       make(map[string]notified),
	}
}

// Process validates ev and, unless it is stale, runs the notification rules
// before merging it into the projection and forwarding it to live sessions.
// When a broadcast fails the event is left unapplied and the error returned,
// so a redelivery retries the failed broadcasts. Topics already notified for
// that event are skipped on the retry, and stale or duplicate events are
// no-ops, so nothing is notified twice.
func (p *ChangeProcessor) Process(ctx context.Context, ev changefeed.ChangeEvent) (result *ChangeResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "change.process",
		telemetry.EntityClassKey.String(string(ev.EntityClass)),
		telemetry.EntityIDKey.String(ev.EntityID),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	if fieldErrors := models.ValidateStruct(ev); len(fieldErrors) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidChange, describe(fieldErrors))
	}

	logger := p.logger.With().
		Str("entity_class", string(ev.EntityClass)).
		Str("operation", string(ev.Operation)).
		Str("entity_id", ev.EntityID).
		Int64("watermark", ev.Watermark).
		Logger()

	key := string(ev.EntityClass) + ":" + ev.EntityID
	unlock := p.locks.lock(key)
	defer unlock()

	result = &ChangeResult{}
	if ev.Watermark <= p.projection.Watermark(ev.EntityClass, ev.EntityID) {
		logger.Debug().Msg("stale change event ignored")
		return result, nil
	}

	if err := p.notify(ctx, key, ev, result, logger); err != nil {
		return result, err
	}

	result.Applied = p.projection.ApplyEvent(ev)
	if !result.Applied {
		logger.Debug().Msg("change event rejected by projection")
		return result, nil
	}
	if p.gateway != nil {
		result.Sessions = p.gateway.PublishChange(ev)
	}

	logger.Info().
		Int("sessions", result.Sessions).
		Int("broadcasts", len(result.Broadcasts)).
		Msg("change event applied")
	return result, nil
}

// notify runs the rules for ev that have not already succeeded for it.
func (p *ChangeProcessor) notify(ctx context.Context, key string, ev changefeed.ChangeEvent, result *ChangeResult, logger zerolog.Logger) error {
	if p.notifications == nil {
		return nil
	}
	rules := rulesFor(ev)
	if len(rules) == 0 {
		return nil
	}

	p.mu.Lock()
	done := p.partial[key]
	p.mu.Unlock()
	if done.watermark != ev.Watermark {
		done = notified{watermark: ev.Watermark, topics: make(map[string]bool)}
	}

	var errs []error
	for _, rule := range rules {
		if done.topics[rule.topic] {
			continue
		}
		res, err := p.notifications.Broadcast(ctx, rule.topic, rule.content)
		if err != nil {
			logger.Error().Err(err).Str("topic", rule.topic).Msg("change notification failed")
			errs = append(errs, fmt.Errorf("broadcasting to %s: %w", rule.topic, err))
			continue
		}
		done.topics[rule.topic] = true
		result.Broadcasts = append(result.Broadcasts, res)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(errs) > 0 {
		p.partial[key] = done
		return errors.Join(errs...)
	}
	delete(p.partial, key)
	return nil
}

type rule struct {
	topic   string
	content notification.Content
}

// rulesFor maps a change to the broadcasts it raises. Only case events notify:
// a new case goes to new_cases (and priority_<p> when urgent or critical), an
// updated case goes to its own topic.
func rulesFor(ev changefeed.ChangeEvent) []rule {
	if ev.EntityClass != changefeed.ClassCase {
		return nil
	}

	caseID := ev.EntityID
	label := caseLabel(ev)
	level := stringField(ev.Payload, fieldPriority)

	switch ev.Operation {
	case changefeed.OpCreated:
		created := notification.Content{
			Title:    "New case: " + label,
			Body:     newCaseBody(ev),
			Type:     notification.TypeNewCase,
			Priority: notificationPriority(level),
			Payload:  ev.Payload,
			CaseID:   &caseID,
		}
		rules := []rule{{topic: topic.NewCases, content: created}}
		if level == "urgent" || level == "critical" {
			urgent := created
			urgent.Type = notification.TypeUrgent
			urgent.Priority = notification.PriorityUrgent
			rules = append(rules, rule{topic: topic.Priority(level), content: urgent})
		}
		return rules

	case changefeed.OpUpdated:
		body := "The case has been updated."
		if status := stringField(ev.Payload, fieldStatus); status != "" {
			body = "Status is now " + status + "."
		}
		return []rule{{
			topic: topic.Case(caseID),
			content: notification.Content{
				Title:    "Case updated: " + label,
				Body:     body,
				Type:     notification.TypeCaseUpdated,
				Priority: notificationPriority(level),
				Payload:  ev.Payload,
				CaseID:   &caseID,
			},
		}}
	}
	return nil
}

func newCaseBody(ev changefeed.ChangeEvent) string {
	if region := stringField(ev.Payload, fieldRegion); region != "" {
		return "A new case was opened in " + region + "."
	}
	return "A new case was opened."
}

func caseLabel(ev changefeed.ChangeEvent) string {
	for _, field := range []string{fieldTitle, fieldName} {
		if v := stringField(ev.Payload, field); v != "" {
			return truncate(v, maxLabel)
		}
	}
	return ev.EntityID
}

// maxLabel keeps "Case updated: <label>" inside the title limit.
const maxLabel = 150

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// notificationPriority maps a case priority onto the notification scale.
func notificationPriority(level string) notification.Priority {
	switch level {
	case "urgent", "critical":
		return notification.PriorityUrgent
	case "high":
		return notification.PriorityHigh
	case "low":
		return notification.PriorityLow
	default:
		return notification.PriorityNormal
	}
}

func stringField(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return strings.TrimSpace(v)
}

func describe(fieldErrors []models.FieldError) string {
	parts := make([]string, 0, len(fieldErrors))
	for _, fe := range fieldErrors {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return strings.Join(parts, "; ")
}
