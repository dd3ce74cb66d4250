package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/miradorstack/mirador-logwatch/internal/models"
	"github.com/miradorstack/mirador-logwatch/internal/repo"
)

// Channel delivers one anomaly notification. Implementations must be safe for
// concurrent use and must not retry.
type Channel interface {
	Name() string
	Notify(ctx context.Context, rec models.AnomalyRecord) error
}

// ErrRateLimited is returned when a channel drops a notification to respect its rate.
var ErrRateLimited = errors.New("rate limited")

// Alert is the JSON body sent to webhooks and pushed to Loki.
type Alert struct {
	Timestamp    time.Time            `json:"timestamp"`
	Level        string               `json:"level"`
	Severity     models.Severity      `json:"severity"`
	AnomalyType  models.Reason        `json:"anomaly_type"`
	AnomalyScore float64              `json:"anomaly_score"`
	Message      string               `json:"message"`
	Service      string               `json:"service"`
	Details      models.AnomalyRecord `json:"details"`
}

// NewAlert renders rec as an alert body.
func NewAlert(rec models.AnomalyRecord) Alert {
	var kind models.Reason = "unknown"
	if len(rec.Reasons) > 0 {
		kind = rec.Reasons[0]
	}
	return Alert{
		Timestamp:    rec.Timestamp,
		Level:        "WARNING",
		Severity:     rec.Severity,
		AnomalyType:  kind,
		AnomalyScore: rec.EnsembleScore,
		Message:      fmt.Sprintf("Anomaly detected: %s on %s %s", joinReasons(rec.Reasons), rec.Method, rec.Endpoint),
		Service:      "anomaly_detector",
		Details:      rec,
	}
}

// LogChannel writes each anomaly as a structured warning.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel builds the log channel.
func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{logger: logger}
}

// Name implements Channel.
func (c *LogChannel) Name() string { return "log" }

// Notify implements Channel.
func (c *LogChannel) Notify(ctx context.Context, rec models.AnomalyRecord) error {
	c.logger.LogAttrs(ctx, slog.LevelWarn, "anomaly detected",
		slog.String("anomaly_id", rec.ID),
		slog.String("request_id", rec.RequestID),
		slog.String("severity", string(rec.Severity)),
		slog.String("endpoint", rec.Endpoint),
		slog.String("method", rec.Method),
		slog.Int("status_code", rec.StatusCode),
		slog.Float64("response_time_ms", rec.ResponseTimeMs),
		slog.Float64("ensemble_score", rec.EnsembleScore),
		slog.String("reasons", joinReasons(rec.Reasons)),
	)
	return nil
}

// WebhookChannel posts alert JSON to a URL, dropping notifications above its rate.
type WebhookChannel struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

// NewWebhookChannel builds a webhook channel. A non-positive perSecond disables limiting.
func NewWebhookChannel(url string, timeout time.Duration, perSecond float64, burst int) *WebhookChannel {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &WebhookChannel{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Name implements Channel.
func (c *WebhookChannel) Name() string { return "webhook" }

// Notify implements Channel.
func (c *WebhookChannel) Notify(ctx context.Context, rec models.AnomalyRecord) error {
	if !c.limiter.Allow() {
		return ErrRateLimited
	}
	body, err := json.Marshal(NewAlert(rec))
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// Pusher is the subset of the Loki client used by LokiChannel.
type Pusher interface {
	Push(ctx context.Context, labels map[string]string, entries []repo.PushEntry) error
}

// LokiChannel pushes alert lines to Loki so dashboards can plot them next to
// the access logs.
type LokiChannel struct {
	pusher Pusher
	labels map[string]string
}

// NewLokiChannel builds the Loki channel; level=WARNING is always added to labels.
func NewLokiChannel(pusher Pusher, labels map[string]string) *LokiChannel {
	merged := map[string]string{"level": "WARNING"}
	for k, v := range labels {
		if strings.TrimSpace(k) != "" {
			merged[k] = v
		}
	}
	return &LokiChannel{pusher: pusher, labels: merged}
}

// Name implements Channel.
func (c *LokiChannel) Name() string { return "loki" }

// Notify implements Channel.
func (c *LokiChannel) Notify(ctx context.Context, rec models.AnomalyRecord) error {
	line, err := json.Marshal(NewAlert(rec))
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = rec.DetectedAt
	}
	return c.pusher.Push(ctx, c.labels, []repo.PushEntry{{Timestamp: ts, Line: string(line)}})
}
