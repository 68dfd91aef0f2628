// Package worker runs the background side of the notification pipeline: the
// entity-change consumer that applies change events and raises notifications,
// and the delivery job that pushes due notifications to devices.
package worker

import (
	"time"
)

// DeliveryConfig holds configuration for the delivery job.
type DeliveryConfig struct {
	// Concurrency is the number of notifications delivered in parallel.
	// Default: 4
	Concurrency int

	// Timeout bounds one delivery attempt, all of the recipient's devices included.
	// Default: 30 seconds
	Timeout time.Duration

	// Interval is the pause between passes that found nothing to do.
	// Default: 5 seconds
	Interval time.Duration
}

// DefaultDeliveryConfig returns the default delivery configuration.
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		Concurrency: 4,
		Timeout:     30 * time.Second,
		Interval:    5 * time.Second,
	}
}

func (c DeliveryConfig) withDefaults() DeliveryConfig {
	def := DefaultDeliveryConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	return c
}
