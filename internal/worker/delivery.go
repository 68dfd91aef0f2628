package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/searchlight/searchlight/internal/notification"
)

// Dispatcher claims and delivers notifications.
type Dispatcher interface {
	Recover(ctx context.Context) (int, error)
	Claim(ctx context.Context) ([]*notification.Notification, error)
	Deliver(ctx context.Context, n *notification.Notification) notification.Outcome
}

// DeliveryJob pushes due notifications with a bounded worker pool.
type DeliveryJob struct {
	config     DeliveryConfig
	dispatcher Dispatcher
	logger     zerolog.Logger

	metrics *DeliveryMetrics
}

// DeliveryMetrics tracks delivery job statistics.
type DeliveryMetrics struct {
	mu sync.RWMutex

	// Counters
	Passes    int64
	Claimed   int64
	Requeued  int64
	Sent      int64
	Retried   int64
	Failed    int64
	Expired   int64
	Errors    int64
	PassFails int64

	// Timings
	LastPassAt       time.Time
	LastPassDuration time.Duration
	TotalDuration    time.Duration
}

// DeliveryJobConfig holds configuration for creating a DeliveryJob.
type DeliveryJobConfig struct {
	Config     DeliveryConfig
	Dispatcher Dispatcher
	Logger     zerolog.Logger
}

// NewDeliveryJob creates a new delivery job.
func NewDeliveryJob(cfg DeliveryJobConfig) *DeliveryJob {
	return &DeliveryJob{
		config:     cfg.Config.withDefaults(),
		dispatcher: cfg.Dispatcher,
		logger:     cfg.Logger.With().Str("component", "delivery_job").Logger(),
		metrics:    &DeliveryMetrics{},
	}
}

// DeliveryResult contains the result of one pass.
type DeliveryResult struct {
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Requeued  int
	Claimed   int
	Outcomes  map[notification.Outcome]int
	Err       error
}

// Run performs one pass: requeue stale rows, claim a batch and deliver it.
func (j *DeliveryJob) Run(ctx context.Context) *DeliveryResult {
	startTime := time.Now()
	result := &DeliveryResult{
		StartTime: startTime,
		Outcomes:  make(map[notification.Outcome]int),
	}
	defer func() {
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(startTime)
		j.updateMetrics(result)
	}()

	requeued, err := j.dispatcher.Recover(ctx)
	if err != nil {
		j.logger.Error().Err(err).Msg("failed to requeue stale deliveries")
		result.Err = err
		return result
	}
	result.Requeued = requeued

	batch, err := j.dispatcher.Claim(ctx)
	if err != nil {
		j.logger.Error().Err(err).Msg("failed to claim notifications")
		result.Err = err
		return result
	}
	result.Claimed = len(batch)
	if len(batch) == 0 {
		return result
	}

	// Create work channels
	work := make(chan *notification.Notification, len(batch))
	outcomes := make(chan notification.Outcome, len(batch))

	// Start workers
	workers := min(j.config.Concurrency, len(batch))
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j.deliveryWorker(ctx, work, outcomes)
		}()
	}

	for _, n := range batch {
		work <- n
	}
	close(work)

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	for outcome := range outcomes {
		result.Outcomes[outcome]++
	}

	j.logger.Info().
		Int("claimed", result.Claimed).
		Int("requeued", result.Requeued).
		Int("sent", result.Outcomes[notification.OutcomeSent]).
		Int("retry", result.Outcomes[notification.OutcomeRetry]).
		Int("failed", result.Outcomes[notification.OutcomeFailed]).
		Int("expired", result.Outcomes[notification.OutcomeExpired]).
		Msg("delivery pass completed")

	return result
}

// deliveryWorker stops taking work once ctx is done. Rows it never reached
// stay in sending and are requeued by a later pass.
func (j *DeliveryJob) deliveryWorker(ctx context.Context, work <-chan *notification.Notification, outcomes chan<- notification.Outcome) {
	for n := range work {
		select {
		case <-ctx.Done():
			return
		default:
		}

		attemptCtx, cancel := context.WithTimeout(ctx, j.config.Timeout)
		outcomes <- j.dispatcher.Deliver(attemptCtx, n)
		cancel()
	}
}

// Loop runs passes until ctx is done. A pass that claimed work is followed
// immediately by another; an idle or failed pass waits Interval.
func (j *DeliveryJob) Loop(ctx context.Context) {
	j.logger.Info().
		Int("concurrency", j.config.Concurrency).
		Dur("interval", j.config.Interval).
		Msg("starting delivery loop")

	for {
		result := j.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if result.Err == nil && result.Claimed > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(j.config.Interval):
		}
	}
}

func (j *DeliveryJob) updateMetrics(result *DeliveryResult) {
	j.metrics.mu.Lock()
	defer j.metrics.mu.Unlock()

	j.metrics.Passes++
	if result.Err != nil {
		j.metrics.PassFails++
	}
	j.metrics.Claimed += int64(result.Claimed)
	j.metrics.Requeued += int64(result.Requeued)
	j.metrics.Sent += int64(result.Outcomes[notification.OutcomeSent])
	j.metrics.Retried += int64(result.Outcomes[notification.OutcomeRetry])
	j.metrics.Failed += int64(result.Outcomes[notification.OutcomeFailed])
	j.metrics.Expired += int64(result.Outcomes[notification.OutcomeExpired])
	j.metrics.Errors += int64(result.Outcomes[notification.OutcomeError])
	j.metrics.LastPassAt = result.EndTime
	j.metrics.LastPassDuration = result.Duration
	j.metrics.TotalDuration += result.Duration
}

// GetMetrics returns a copy of the current metrics.
func (j *DeliveryJob) GetMetrics() DeliveryMetrics {
	j.metrics.mu.RLock()
	defer j.metrics.mu.RUnlock()

	return DeliveryMetrics{
		Passes:           j.metrics.Passes,
		Claimed:          j.metrics.Claimed,
		Requeued:         j.metrics.Requeued,
		Sent:             j.metrics.Sent,
		Retried:          j.metrics.Retried,
		Failed:           j.metrics.Failed,
		Expired:          j.metrics.Expired,
		Errors:           j.metrics.Errors,
		PassFails:        j.metrics.PassFails,
		LastPassAt:       j.metrics.LastPassAt,
		LastPassDuration: j.metrics.LastPassDuration,
		TotalDuration:    j.metrics.TotalDuration,
	}
}

// MetricsSnapshot returns a snapshot of the current metrics as a map.
func (j *DeliveryJob) MetricsSnapshot() map[string]interface{} {
	m := j.GetMetrics()
	return map[string]interface{}{
		"passes":             m.Passes,
		"failed_passes":      m.PassFails,
		"claimed":            m.Claimed,
		"requeued":           m.Requeued,
		"sent":               m.Sent,
		"retried":            m.Retried,
		"failed":             m.Failed,
		"expired":            m.Expired,
		"errors":             m.Errors,
		"last_pass_at":       m.LastPassAt,
		"last_pass_duration": m.LastPassDuration.String(),
		"total_duration":     m.TotalDuration.String(),
	}
}
