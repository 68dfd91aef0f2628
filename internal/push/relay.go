package push

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/searchlight/searchlight/internal/provider/resilience"
)

const relayProviderName = "relay"

// RelayConfig holds configuration for an HTTP push relay.
type RelayConfig struct {
	// BaseURL of the relay, e.g. https://push.example.org.
	BaseURL string
	APIKey  string
	Client  *resilience.Client
	Logger  zerolog.Logger
}

// RelayProvider posts messages to an HTTP push relay (APNs or web push
// gateway) through the resilient client.
type RelayProvider struct {
	endpoint string
	apiKey   string
	client   *resilience.Client
	logger   zerolog.Logger
}

type relayRequest struct {
	NotificationID string            `json:"notificationId"`
	Token          string            `json:"token"`
	Platform       string            `json:"platform"`
	Title          string            `json:"title"`
	Body           string            `json:"body"`
	Data           map[string]string `json:"data,omitempty"`
	Priority       string            `json:"priority,omitempty"`
	TTLSeconds     int64             `json:"ttlSeconds,omitempty"`
}

type relayErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewRelayProvider creates a relay provider.
func NewRelayProvider(cfg RelayConfig) *RelayProvider {
	client := cfg.Client
	if client == nil {
		client = resilience.NewClient(resilience.DefaultClientConfig(relayProviderName))
	}
	return &RelayProvider{
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/v1/push",
		apiKey:   cfg.APIKey,
		client:   client,
		logger:   cfg.Logger.With().Str("provider", relayProviderName).Logger(),
	}
}

// Send posts msg to the relay.
func (p *RelayProvider) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(relayRequest{
		NotificationID: msg.NotificationID,
		Token:          msg.Token,
		Platform:       string(msg.Platform),
		Title:          msg.Title,
		Body:           msg.Body,
		Data:           msg.Data,
		Priority:       msg.Priority,
		TTLSeconds:     int64(msg.TTL.Seconds()),
	})
	if err != nil {
		return &ProviderError{Provider: relayProviderName, Code: CodeUnknown, Err: err}
	}

	req, err := resilience.NewJSONRequest(ctx, http.MethodPost, p.endpoint, body)
	if err != nil {
		return &ProviderError{Provider: relayProviderName, Code: CodeUnknown, Err: err}
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		code := CodeUnavailable
		if resilience.IsCircuitOpen(err) {
			code = CodeCircuitOpen
		}
		return &ProviderError{Provider: relayProviderName, Code: code, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		p.logger.Debug().Str("notification_id", msg.NotificationID).Msg("push accepted")
		return nil
	}

	return classifyRelayResponse(resp)
}

func classifyRelayResponse(resp *http.Response) *ProviderError {
	var detail relayErrorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, 16<<10)).Decode(&detail)

	err := fmt.Errorf("relay returned %d: %s", resp.StatusCode, detail.Message)
	perr := &ProviderError{Provider: relayProviderName, Code: CodeUnknown, Err: err}

	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		perr.Code, perr.Hard = CodeUnregistered, true
	case http.StatusBadRequest:
		perr.Code, perr.Hard = CodeInvalidToken, true
	case http.StatusTooManyRequests:
		perr.Code = CodeRateLimited
	default:
		if resp.StatusCode >= 500 {
			perr.Code = CodeUnavailable
		}
	}
	if detail.Code != "" && !perr.Hard {
		perr.Code = detail.Code
	}
	return perr
}

var _ Provider = (*RelayProvider)(nil)
