package notification

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/searchlight/searchlight/internal/device"
	"github.com/searchlight/searchlight/internal/push"
	"github.com/searchlight/searchlight/internal/telemetry"
)

// Outcome is the result of one delivery attempt.
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeRetry   Outcome = "retry"
	OutcomeFailed  Outcome = "failed"
	OutcomeExpired Outcome = "expired"
	OutcomeError   Outcome = "error"
)

// Dispatcher defaults.
const (
	DefaultBatchSize       = 100
	DefaultRetryInitial    = 30 * time.Second
	DefaultRetryMax        = 30 * time.Minute
	DefaultStaleAfter      = 5 * time.Minute
	DefaultPersistTimeout  = 5 * time.Second
	errNoActiveDevices     = "no active devices"
	errAllEndpointsInvalid = "all endpoints rejected"
	errAbandoned           = "delivery attempt abandoned"
)

// Devices lists and deactivates a recipient's push endpoints.
type Devices interface {
	ListActive(ctx context.Context, userID string) ([]*device.Device, error)
	Deactivate(ctx context.Context, deviceID string) error
}

// DispatcherConfig holds configuration for creating a Dispatcher.
type DispatcherConfig struct {
	Repository Repository
	Devices    Devices
	Provider   push.Provider
	// Metrics is optional.
	Metrics *Metrics
	Logger  zerolog.Logger
	Now     func() time.Time

	BatchSize    int
	RetryInitial time.Duration
	RetryMax     time.Duration
	StaleAfter   time.Duration

	// PersistTimeout bounds the write of an attempt's result. The write does
	// not share the attempt's deadline.
	PersistTimeout time.Duration
}

// Dispatcher claims due notifications and pushes them to recipient devices.
type Dispatcher struct {
	repo     Repository
	devices  Devices
	provider push.Provider
	metrics  *Metrics
	logger   zerolog.Logger
	now      func() time.Time

	batchSize    int
	retryInitial time.Duration
	retryMax     time.Duration
	staleAfter   time.Duration
	persistAfter time.Duration
}

// DispatchStats counts the outcomes of one RunOnce pass.
type DispatchStats struct {
	Claimed  int
	Requeued int
	Outcomes map[Outcome]int
}

// NewDispatcher creates a new dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = DefaultRetryInitial
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = DefaultRetryMax
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = DefaultPersistTimeout
	}
	return &Dispatcher{
		repo:         cfg.Repository,
		devices:      cfg.Devices,
		provider:     cfg.Provider,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger.With().Str("component", "dispatcher").Logger(),
		now:          cfg.Now,
		batchSize:    cfg.BatchSize,
		retryInitial: cfg.RetryInitial,
		retryMax:     cfg.RetryMax,
		staleAfter:   cfg.StaleAfter,
		persistAfter: cfg.PersistTimeout,
	}
}

// Claim moves up to one batch of due notifications to sending.
func (d *Dispatcher) Claim(ctx context.Context) ([]*Notification, error) {
	return d.repo.ClaimDue(ctx, d.now(), d.batchSize)
}

// Recover requeues rows left in sending by a worker that died mid-attempt.
// The abandoned attempt counts against the row's retries.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	now := d.now()
	n, err := d.repo.RequeueStale(ctx, now.Add(-d.staleAfter), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		d.logger.Warn().Int("count", n).Msg("requeued stale deliveries")
	}
	return n, nil
}

// RunOnce recovers stale rows, claims a batch and delivers it sequentially.
func (d *Dispatcher) RunOnce(ctx context.Context) (*DispatchStats, error) {
	stats := &DispatchStats{Outcomes: make(map[Outcome]int)}

	requeued, err := d.Recover(ctx)
	if err != nil {
		return stats, fmt.Errorf("requeueing stale deliveries: %w", err)
	}
	stats.Requeued = requeued

	claimed, err := d.Claim(ctx)
	if err != nil {
		return stats, fmt.Errorf("claiming notifications: %w", err)
	}
	stats.Claimed = len(claimed)

	for _, n := range claimed {
		if ctx.Err() != nil {
			break
		}
		stats.Outcomes[d.Deliver(ctx, n)]++
	}
	return stats, nil
}

// Deliver performs one attempt for a claimed (sending) notification and
// records the result on the row. Failures never propagate to the caller.
func (d *Dispatcher) Deliver(ctx context.Context, n *Notification) Outcome {
	ctx, span := telemetry.StartSpan(ctx, "notification.deliver",
		telemetry.NotificationIDKey.String(n.ID),
		telemetry.RecipientKey.String(n.RecipientUserID),
	)
	if n.Topic != nil {
		span.SetAttributes(telemetry.TopicKey.String(*n.Topic))
	}
	outcome := d.deliver(ctx, n)
	span.SetAttributes(telemetry.OutcomeKey.String(string(outcome)))
	var err error
	if outcome == OutcomeError {
		err = fmt.Errorf("delivering %s: %s", n.ID, outcome)
	}
	telemetry.EndSpan(span, err)

	d.metrics.recordOutcome(ctx, outcome, n.Priority)
	return outcome
}

func (d *Dispatcher) deliver(ctx context.Context, n *Notification) Outcome {
	logger := d.logger.With().
		Str("notification_id", n.ID).
		Str("recipient", n.RecipientUserID).
		Int("attempt", n.RetryCount+1).
		Logger()

	now := d.now()
	if n.Expired(now) {
		if err := n.Transition(StatusExpiredUndelivered, now); err != nil {
			logger.Error().Err(err).Msg("expiring notification")
			return OutcomeError
		}
		return d.save(ctx, n, OutcomeExpired, logger)
	}

	devices, err := d.devices.ListActive(ctx, n.RecipientUserID)
	if err != nil {
		return d.retry(ctx, n, "listing devices: "+err.Error(), now, logger)
	}
	if len(devices) == 0 {
		if err := n.Fail(errNoActiveDevices, nil, now); err != nil {
			logger.Error().Err(err).Msg("failing notification")
			return OutcomeError
		}
		return d.save(ctx, n, OutcomeFailed, logger)
	}

	data := pushData(n)
	var (
		accepted  int
		hardErrs  []string
		transient []string
	)
	for _, dev := range devices {
		msg := push.Message{
			NotificationID: n.ID,
			Token:          dev.Token,
			Platform:       dev.Platform,
			Title:          n.Title,
			Body:           n.Body,
			Data:           data,
			Priority:       string(n.Priority),
			TTL:            n.ExpiresAt.Sub(now),
		}

		err := d.provider.Send(ctx, msg)
		switch {
		case err == nil:
			accepted++
			d.metrics.recordPush(ctx, string(dev.Platform), "accepted")
		case push.IsHard(err):
			hardErrs = append(hardErrs, err.Error())
			d.metrics.recordPush(ctx, string(dev.Platform), "hard")
			if derr := d.deactivate(ctx, dev.ID); derr != nil {
				logger.Error().Err(derr).Str("device_id", dev.ID).Msg("failed to deactivate device")
			} else {
				logger.Info().
					Str("device_id", dev.ID).
					Str("token_last4", dev.TokenLast4()).
					Msg("deactivated device after hard push failure")
			}
		default:
			transient = append(transient, err.Error())
			d.metrics.recordPush(ctx, string(dev.Platform), "transient")
		}
	}

	now = d.now()
	switch {
	case accepted > 0:
		if err := n.Transition(StatusSent, now); err != nil {
			logger.Error().Err(err).Msg("marking notification sent")
			return OutcomeError
		}
		return d.save(ctx, n, OutcomeSent, logger)
	case len(transient) > 0:
		return d.retry(ctx, n, strings.Join(transient, "; "), now, logger)
	default:
		reason := errAllEndpointsInvalid + ": " + strings.Join(hardErrs, "; ")
		if err := n.Fail(reason, nil, now); err != nil {
			logger.Error().Err(err).Msg("failing notification")
			return OutcomeError
		}
		return d.save(ctx, n, OutcomeFailed, logger)
	}
}

// retry records a transient failure. The row stays claimable after a backoff
// delay until MaxRetries attempts have failed.
func (d *Dispatcher) retry(ctx context.Context, n *Notification, reason string, now time.Time, logger zerolog.Logger) Outcome {
	n.RetryCount++
	if n.RetryCount >= n.MaxRetries {
		if err := n.Fail(reason, nil, now); err != nil {
			logger.Error().Err(err).Msg("failing notification")
			return OutcomeError
		}
		logger.Warn().Str("error", reason).Msg("delivery retries exhausted")
		return d.save(ctx, n, OutcomeFailed, logger)
	}

	retryAt := now.Add(d.RetryDelay(n.RetryCount))
	if err := n.Fail(reason, &retryAt, now); err != nil {
		logger.Error().Err(err).Msg("scheduling retry")
		return OutcomeError
	}
	logger.Debug().Str("error", reason).Time("retry_at", retryAt).Msg("delivery retry scheduled")
	return d.save(ctx, n, OutcomeRetry, logger)
}

// RetryDelay returns the wait before attempt number retry+1.
func (d *Dispatcher) RetryDelay(retry int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.retryInitial
	bo.MaxInterval = d.retryMax
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	delay := bo.InitialInterval
	for i := 0; i < retry; i++ {
		delay = bo.NextBackOff()
	}
	return delay
}

// persistCtx outlives an attempt that ran into its deadline, so the result
// of a timed-out send is still recorded.
func (d *Dispatcher) persistCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d.persistAfter)
}

func (d *Dispatcher) deactivate(ctx context.Context, deviceID string) error {
	ctx, cancel := d.persistCtx(ctx)
	defer cancel()
	return d.devices.Deactivate(ctx, deviceID)
}

func (d *Dispatcher) save(ctx context.Context, n *Notification, outcome Outcome, logger zerolog.Logger) Outcome {
	ctx, cancel := d.persistCtx(ctx)
	defer cancel()
	if err := d.repo.Update(ctx, n); err != nil {
		logger.Error().Err(err).Str("status", string(n.Status)).Msg("failed to persist delivery result")
		return OutcomeError
	}
	return outcome
}

// pushData flattens routing fields and scalar payload values for providers
// that only carry string data.
func pushData(n *Notification) map[string]string {
	data := map[string]string{
		"notificationId": n.ID,
		"type":           string(n.Type),
		"priority":       string(n.Priority),
	}
	if n.Topic != nil {
		data["topic"] = *n.Topic
	}
	if n.CaseID != nil {
		data["caseId"] = *n.CaseID
	}
	for k, v := range n.Payload {
		if _, reserved := data[k]; reserved {
			continue
		}
		switch val := v.(type) {
		case string:
			data[k] = val
		case bool:
			data[k] = strconv.FormatBool(val)
		case float64:
			data[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case int:
			data[k] = strconv.Itoa(val)
		case int64:
			data[k] = strconv.FormatInt(val, 10)
		}
	}
	return data
}
