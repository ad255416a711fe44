package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"aegis/core"
	"aegis/metrics"
	"aegis/retention"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// SinkType represents the type of notification channel
type SinkType string

const (
	// SinkWebhook posts events as JSON to an HTTP endpoint
	SinkWebhook SinkType = "webhook"
	// SinkLog writes events to the structured log
	SinkLog SinkType = "log"
)

const httpClientTimeout = 10 * time.Second

// SinkConfig holds configuration for a single notification sink
type SinkConfig struct {
	Name    string   `json:"name" mapstructure:"name"`
	Enabled bool     `json:"enabled" mapstructure:"enabled"`
	Type    SinkType `json:"type" mapstructure:"type"`

	// Webhook configuration
	WebhookURL     string            `json:"webhook_url" mapstructure:"webhook_url"`
	WebhookMethod  string            `json:"webhook_method" mapstructure:"webhook_method"`
	WebhookHeaders map[string]string `json:"webhook_headers" mapstructure:"webhook_headers"`

	// Filtering
	MinPriority string `json:"min_priority" mapstructure:"min_priority"`

	// Rate limiting. Zero disables the limiter for this sink.
	RatePerSecond float64 `json:"rate_per_second" mapstructure:"rate_per_second"`
	Burst         int     `json:"burst" mapstructure:"burst"`
}

// sink pairs a config with its limiter and circuit breaker
type sink struct {
	config  SinkConfig
	limiter *rate.Limiter
	breaker *core.CircuitBreaker
}

// Notifier fans retention lifecycle events out to the configured sinks.
// Each sink carries its own rate limiter and circuit breaker so one slow
// or failing endpoint cannot starve the others.
type Notifier struct {
	sinks  []*sink
	client *http.Client
	clock  core.Clock
	logger *zap.SugaredLogger
}

// NewNotifier creates a notifier from sink configs. Disabled sinks are
// dropped up front.
func NewNotifier(configs []SinkConfig, clock core.Clock, logger *zap.SugaredLogger) *Notifier {
	if clock == nil {
		clock = core.SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	n := &Notifier{
		clock:  clock,
		logger: logger,
		client: &http.Client{
			Timeout: httpClientTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
			},
		},
	}

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		s := &sink{
			config:  cfg,
			breaker: core.MustNewCircuitBreaker(core.DefaultCircuitBreakerConfig(), clock),
		}
		if cfg.RatePerSecond > 0 {
			burst := cfg.Burst
			if burst <= 0 {
				burst = 1
			}
			s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
		}
		n.sinks = append(n.sinks, s)
	}
	return n
}

// Notify delivers the event to every sink whose filters match. Sink failures
// are logged and counted, never returned: retention passes must not abort
// because a webhook is down.
func (n *Notifier) Notify(ctx context.Context, event retention.NotificationEvent) error {
	for _, s := range n.sinks {
		if !n.shouldNotify(s.config, event) {
			continue
		}

		if s.limiter != nil && !s.limiter.Allow() {
			metrics.NotificationsDropped.WithLabelValues(s.config.Name, "rate_limited").Inc()
			n.logger.Debugw("Notification rate limited", "sink", s.config.Name, "alert_id", event.AlertID)
			continue
		}

		if err := s.breaker.Allow(); err != nil {
			metrics.NotificationsDropped.WithLabelValues(s.config.Name, "circuit_open").Inc()
			n.logger.Warnw("Circuit breaker open for notification sink",
				"sink", s.config.Name, "error", err)
			continue
		}

		if err := n.deliver(ctx, s.config, event); err != nil {
			s.breaker.RecordFailure()
			metrics.NotificationsDropped.WithLabelValues(s.config.Name, "sink_error").Inc()
			n.logger.Errorw("Failed to deliver notification",
				"sink", s.config.Name, "alert_id", event.AlertID, "error", err)
			continue
		}
		s.breaker.RecordSuccess()
		metrics.NotificationsSent.WithLabelValues(s.config.Name, string(event.Kind)).Inc()
	}
	return nil
}

// shouldNotify checks the sink's priority floor against the event
func (n *Notifier) shouldNotify(cfg SinkConfig, event retention.NotificationEvent) bool {
	if cfg.MinPriority == "" {
		return true
	}
	min, err := core.ParsePriority(cfg.MinPriority)
	if err != nil {
		// Misconfigured filter fails open so events are not silently lost
		return true
	}
	return event.Priority.Weight() <= min.Weight()
}

func (n *Notifier) deliver(ctx context.Context, cfg SinkConfig, event retention.NotificationEvent) error {
	switch cfg.Type {
	case SinkWebhook:
		return n.sendWebhook(ctx, cfg, event)
	case SinkLog:
		n.logger.Infow("Retention notification",
			"sink", cfg.Name,
			"kind", string(event.Kind),
			"alert_id", event.AlertID,
			"priority", event.Priority.String(),
			"due_at", event.DueAt.Format(time.RFC3339),
			"message", event.Message,
		)
		return nil
	default:
		return fmt.Errorf("unknown sink type: %q", cfg.Type)
	}
}

// sendWebhook posts the event as JSON
func (n *Notifier) sendWebhook(ctx context.Context, cfg SinkConfig, event retention.NotificationEvent) error {
	payload := map[string]interface{}{
		"type":     "retention_notification",
		"kind":     event.Kind,
		"alert_id": event.AlertID,
		"priority": event.Priority.String(),
		"message":  event.Message,
		"due_at":   event.DueAt.Format(time.RFC3339),
		"sent_at":  n.clock.Now().Format(time.RFC3339),
		"system":   "aegis",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	method := cfg.WebhookMethod
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.WebhookURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Aegis/1.0")
	for key, value := range cfg.WebhookHeaders {
		req.Header.Set(key, value)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			n.logger.Debugf("Failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)
	}
	return nil
}

var _ retention.Notifier = (*Notifier)(nil)
