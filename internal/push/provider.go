// Package push delivers notifications to device endpoints through push
// providers and classifies their failures as transient or hard.
package push

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/searchlight/searchlight/internal/device"
)

// Message is one push to one device token.
type Message struct {
	NotificationID string
	Token          string
	Platform       device.Platform
	Title          string
	Body           string
	Data           map[string]string
	Priority       string
	// TTL is how long the provider may hold the message for an offline device.
	TTL time.Duration
}

// Provider sends a push message. Errors should be *ProviderError so callers
// can tell a dead endpoint from a temporary outage.
type Provider interface {
	Send(ctx context.Context, msg Message) error
}

// Provider error codes.
const (
	CodeUnregistered   = "unregistered"
	CodeInvalidToken   = "invalid_token"
	CodeSenderMismatch = "sender_mismatch"
	CodeUnavailable    = "unavailable"
	CodeRateLimited    = "rate_limited"
	CodeCircuitOpen    = "circuit_open"
	CodeNoProvider     = "no_provider"
	CodeUnknown        = "unknown"
)

// ProviderError is a delivery failure reported by a provider. Hard errors
// mean the endpoint will never accept messages and should be deactivated.
type ProviderError struct {
	Provider string
	Code     string
	Hard     bool
	Err      error
}

func (e *ProviderError) Error() string {
	kind := "transient"
	if e.Hard {
		kind = "hard"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s %s error: %v", e.Provider, kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s %s error", e.Provider, kind, e.Code)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsHard reports whether err is a hard provider failure.
func IsHard(err error) bool {
	var perr *ProviderError
	return errors.As(err, &perr) && perr.Hard
}

// Router picks a provider by device platform.
type Router struct {
	providers map[device.Platform]Provider
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{providers: make(map[device.Platform]Provider)}
}

// Handle registers p for platform.
func (r *Router) Handle(platform device.Platform, p Provider) *Router {
	r.providers[platform] = p
	return r
}

// Send forwards msg to the provider of its platform. A platform without a
// provider is a transient failure, so devices are not deactivated because of
// missing configuration.
func (r *Router) Send(ctx context.Context, msg Message) error {
	p, ok := r.providers[msg.Platform]
	if !ok {
		return &ProviderError{Provider: "router", Code: CodeNoProvider, Err: fmt.Errorf("no provider for platform %q", msg.Platform)}
	}
	return p.Send(ctx, msg)
}

var _ Provider = (*Router)(nil)
