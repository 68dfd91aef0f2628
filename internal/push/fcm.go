package push

import (
	"context"
	"fmt"
	"strconv"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"github.com/searchlight/searchlight/internal/device"
)

const fcmProviderName = "fcm"

// FCMSender is the subset of *messaging.Client used by FCMProvider.
type FCMSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMConfig holds configuration for Firebase Cloud Messaging.
type FCMConfig struct {
	ProjectID string
	// CredentialsFile is a service account JSON file. When empty, application
	// default credentials are used.
	CredentialsFile string
	Logger          zerolog.Logger
}

// FCMProvider delivers through Firebase Cloud Messaging. FCM also relays to
// APNs and web push, so one provider can serve every platform.
type FCMProvider struct {
	sender FCMSender
	logger zerolog.Logger
}

// NewFCMProvider creates a provider backed by a Firebase app.
func NewFCMProvider(ctx context.Context, cfg FCMConfig) (*FCMProvider, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	var appConfig *firebase.Config
	if cfg.ProjectID != "" {
		appConfig = &firebase.Config{ProjectID: cfg.ProjectID}
	}

	app, err := firebase.NewApp(ctx, appConfig, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating messaging client: %w", err)
	}

	return NewFCMProviderWithSender(client, cfg.Logger), nil
}

// NewFCMProviderWithSender creates a provider around an existing sender.
func NewFCMProviderWithSender(sender FCMSender, logger zerolog.Logger) *FCMProvider {
	return &FCMProvider{
		sender: sender,
		logger: logger.With().Str("provider", fcmProviderName).Logger(),
	}
}

// Send delivers msg.
func (p *FCMProvider) Send(ctx context.Context, msg Message) error {
	id, err := p.sender.Send(ctx, buildFCMMessage(msg))
	if err != nil {
		return classifyFCMError(err)
	}

	p.logger.Debug().
		Str("notification_id", msg.NotificationID).
		Str("message_id", id).
		Msg("push accepted")
	return nil
}

func buildFCMMessage(msg Message) *messaging.Message {
	urgent := msg.Priority == "high" || msg.Priority == "urgent"

	m := &messaging.Message{
		Token: msg.Token,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Data: msg.Data,
	}

	switch msg.Platform {
	case device.PlatformAPNS:
		headers := map[string]string{"apns-priority": "5"}
		if urgent {
			headers["apns-priority"] = "10"
		}
		if msg.TTL > 0 {
			headers["apns-expiration"] = strconv.FormatInt(int64(msg.TTL.Seconds()), 10)
		}
		m.APNS = &messaging.APNSConfig{Headers: headers}
	case device.PlatformWeb:
		headers := map[string]string{"Urgency": "normal"}
		if urgent {
			headers["Urgency"] = "high"
		}
		if msg.TTL > 0 {
			headers["TTL"] = strconv.FormatInt(int64(msg.TTL.Seconds()), 10)
		}
		m.Webpush = &messaging.WebpushConfig{Headers: headers}
	default:
		android := &messaging.AndroidConfig{Priority: "normal"}
		if urgent {
			android.Priority = "high"
		}
		if msg.TTL > 0 {
			ttl := msg.TTL
			android.TTL = &ttl
		}
		m.Android = android
	}
	return m
}

func classifyFCMError(err error) *ProviderError {
	perr := &ProviderError{Provider: fcmProviderName, Code: CodeUnknown, Err: err}
	switch {
	case messaging.IsUnregistered(err):
		perr.Code, perr.Hard = CodeUnregistered, true
	case messaging.IsInvalidArgument(err):
		perr.Code, perr.Hard = CodeInvalidToken, true
	case messaging.IsSenderIDMismatch(err):
		perr.Code, perr.Hard = CodeSenderMismatch, true
	case messaging.IsQuotaExceeded(err):
		perr.Code = CodeRateLimited
	case messaging.IsUnavailable(err), messaging.IsInternal(err):
		perr.Code = CodeUnavailable
	}
	return perr
}

var _ Provider = (*FCMProvider)(nil)
