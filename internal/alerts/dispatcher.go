package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/miradorstack/mirador-logwatch/internal/cache"
	"github.com/miradorstack/mirador-logwatch/internal/metrics"
	"github.com/miradorstack/mirador-logwatch/internal/models"
)

// Route sends records at or above MinSeverity to the named channel.
type Route struct {
	Channel     string
	MinSeverity models.Severity
}

// Dispatcher routes anomaly records to channels with a per-channel
// endpoint+reason cooldown. Delivery is at most once: failures are logged and
// counted, never retried.
type Dispatcher struct {
	logger   *slog.Logger
	cache    cache.Provider
	cooldown time.Duration
	routes   []Route
	channels map[string]Channel
	history  History
	now      func() time.Time
}

// NewDispatcher validates that every route names a registered channel. A nil
// cache disables dedup; a nil history disables recording.
func NewDispatcher(provider cache.Provider, cooldown time.Duration, routes []Route, channels []Channel, history History, logger *slog.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	byName := make(map[string]Channel, len(channels))
	for _, ch := range channels {
		byName[ch.Name()] = ch
	}
	for _, r := range routes {
		if _, ok := byName[r.Channel]; !ok {
			return nil, fmt.Errorf("alert route references unknown channel %q", r.Channel)
		}
	}
	return &Dispatcher{
		logger:   logger,
		cache:    provider,
		cooldown: cooldown,
		routes:   routes,
		channels: byName,
		history:  history,
		now:      time.Now,
	}, nil
}

// Handle notifies each record on every channel its severity reaches, unless all
// of the record's endpoint+reason keys are cooling down on that channel. A
// claim on one channel never suppresses another, so an escalation to a
// higher-severity route is always delivered. Handle never returns an error;
// the detection loop must not stall on alerts.
func (d *Dispatcher) Handle(ctx context.Context, records []models.AnomalyRecord) {
	for _, rec := range records {
		if rec.Severity == models.SeverityNormal {
			continue
		}
		routed, delivered := 0, 0
		seen := make(map[string]bool, len(d.routes))
		for _, route := range d.routes {
			if seen[route.Channel] || rec.Severity.Rank() < route.MinSeverity.Rank() {
				continue
			}
			seen[route.Channel] = true
			routed++
			if !d.claim(ctx, route.Channel, rec) {
				d.logger.Debug("alert suppressed by cooldown",
					slog.String("channel", route.Channel),
					slog.String("endpoint", rec.Endpoint),
					slog.String("reasons", joinReasons(rec.Reasons)),
				)
				continue
			}
			d.deliver(ctx, d.channels[route.Channel], rec)
			delivered++
		}
		if routed > 0 && delivered == 0 {
			metrics.IncSuppressed()
		}
	}
}

// claim sets every cooldown key of rec on channel and reports whether any was
// fresh. Cache errors fail open so a broken cache never silences alerts.
func (d *Dispatcher) claim(ctx context.Context, channel string, rec models.AnomalyRecord) bool {
	if d.cooldown <= 0 {
		return true
	}
	fresh := false
	for _, key := range cooldownKeys(channel, rec) {
		ok, err := d.cache.SetNX(ctx, key, []byte(rec.ID), d.cooldown)
		if err != nil {
			d.logger.Warn("cooldown check failed", slog.String("key", key), slog.Any("error", err))
			fresh = true
			continue
		}
		if ok {
			fresh = true
		}
	}
	return fresh
}

func (d *Dispatcher) deliver(ctx context.Context, ch Channel, rec models.AnomalyRecord) {
	err := ch.Notify(ctx, rec)
	metrics.ObserveAlert(ch.Name(), err)
	entry := models.AlertEntry{
		AnomalyID:  rec.ID,
		RequestID:  rec.RequestID,
		Endpoint:   rec.Endpoint,
		Reasons:    joinReasons(rec.Reasons),
		Severity:   rec.Severity,
		Channel:    ch.Name(),
		Delivered:  err == nil,
		NotifiedAt: d.now().UTC(),
	}
	if err != nil {
		entry.Error = err.Error()
		d.logger.Error("alert delivery failed",
			slog.String("channel", ch.Name()),
			slog.String("anomaly_id", rec.ID),
			slog.Any("error", err),
		)
	}
	if d.history != nil {
		if herr := d.history.Record(ctx, entry); herr != nil {
			d.logger.Warn("alert history write failed", slog.Any("error", herr))
		}
	}
}

// cooldownKeys returns one claim per reason of rec on channel.
func cooldownKeys(channel string, rec models.AnomalyRecord) []string {
	if len(rec.Reasons) == 0 {
		return []string{cache.CooldownKey(channel, rec.Endpoint, string(rec.Severity))}
	}
	keys := make([]string, 0, len(rec.Reasons))
	for _, r := range rec.Reasons {
		keys = append(keys, cache.CooldownKey(channel, rec.Endpoint, string(r)))
	}
	return keys
}

func joinReasons(reasons []models.Reason) string {
	parts := make([]string, len(reasons))
	for i, r := range reasons {
		parts[i] = string(r)
	}
	return strings.Join(parts, ",")
}

func splitReasons(joined string) []models.Reason {
	if joined == "" {
		return nil
	}
	parts := strings.Split(joined, ",")
	out := make([]models.Reason, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, models.Reason(p))
		}
	}
	return out
}
