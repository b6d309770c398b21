package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// WebhookConfig configures a WebhookNotifier.
type WebhookConfig struct {
	URL string

	// Headers are added to every request, e.g. an Authorization token.
	Headers map[string]string

	// Timeout bounds each delivery attempt.
	// Default: 5 seconds
	Timeout time.Duration

	// MaxAttempts bounds retries of network errors and 5xx replies.
	// Default: 3
	MaxAttempts int

	// BackoffInitial is the first retry delay.
	// Default: 500ms
	BackoffInitial time.Duration

	// MinSeverity drops events below it. Empty delivers everything.
	MinSeverity Severity

	Client *http.Client
	Logger *slog.Logger
}

// DeliveryError reports a webhook that rejected or never accepted an
// event.
type DeliveryError struct {
	URL        string
	StatusCode int
	Cause      error
}

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("webhook %s returned status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("webhook %s delivery failed: %v", e.URL, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *DeliveryError) Unwrap() error {
	return e.Cause
}

// WebhookNotifier posts events as JSON.
type WebhookNotifier struct {
	config WebhookConfig
	client *http.Client
	logger *slog.Logger
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(config WebhookConfig) (*WebhookNotifier, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.BackoffInitial <= 0 {
		config.BackoffInitial = 500 * time.Millisecond
	}
	client := config.Client
	if client == nil {
		client = &http.Client{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		config: config,
		client: client,
		logger: logger.With("component", "notify.webhook", "url", config.URL),
	}, nil
}

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityCritical: 2,
}

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, ev Event) error {
	if n.config.MinSeverity != "" && severityRank[ev.Severity] < severityRank[n.config.MinSeverity] {
		return nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.config.BackoffInitial
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, n.post(ctx, body)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(n.config.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			n.logger.Debug("retrying webhook delivery", "kind", ev.Kind, "error", err, "backoff", next)
		}),
	)
	if err != nil {
		n.logger.Warn("webhook delivery failed", "kind", ev.Kind, "error", err)
		return err
	}
	return nil
}

func (n *WebhookNotifier) post(ctx context.Context, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, n.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(&DeliveryError{URL: n.config.URL, Cause: err})
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range n.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return &DeliveryError{URL: n.config.URL, Cause: err}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return &DeliveryError{URL: n.config.URL, StatusCode: resp.StatusCode}
	default:
		return backoff.Permanent(&DeliveryError{URL: n.config.URL, StatusCode: resp.StatusCode})
	}
}
