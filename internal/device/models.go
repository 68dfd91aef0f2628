// Package device provides the registry of push-capable endpoints per user.
//
// A device is identified by the pair (user, endpoint identity). Registering the
// same pair again refreshes the token and metadata of the existing row; devices
// are deactivated, never deleted.
package device

import (
	"errors"
	"time"

	"github.com/searchlight/searchlight/internal/api/models"
)

// Repository errors.
var (
	ErrDeviceNotFound = errors.New("device not found")
)

// MaxTokenLength is the upper bound for provider tokens.
const MaxTokenLength = 500

// Platform represents a push notification platform.
type Platform string

const (
	PlatformFCM  Platform = "FCM"
	PlatformAPNS Platform = "APNS"
	PlatformWeb  Platform = "WEB"
)

// Metadata describes the hardware and OS of a device.
type Metadata struct {
	Model     *string
	OSVersion *string
	Build     *string
}

// Device represents a registered push endpoint.
type Device struct {
	ID         string
	UserID     string
	EndpointID string
	Platform   Platform
	Token      string
	AppVersion *string
	Metadata   Metadata
	Topics     []string
	IsActive   bool
	LastSeenAt time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TokenLast4 returns the last 4 characters of the token for display purposes.
func (d *Device) TokenLast4() string {
	if len(d.Token) < 4 {
		return d.Token
	}
	return d.Token[len(d.Token)-4:]
}

// RegisterInput is the validated input for a registration.
type RegisterInput struct {
	EndpointID string   `validate:"required,max=200"`
	Platform   Platform `validate:"required,oneof=FCM APNS WEB"`
	Token      string   `validate:"required,max=500"`
	AppVersion *string  `validate:"omitempty,max=50"`
	Metadata   Metadata
}

// ValidationError represents registration validation errors.
type ValidationError struct {
	Errors []models.FieldError
}

func (e *ValidationError) Error() string {
	return "validation failed"
}
