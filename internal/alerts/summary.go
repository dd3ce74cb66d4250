package alerts

import (
	"context"
	"time"

	"github.com/miradorstack/mirador-logwatch/internal/models"
	"github.com/miradorstack/mirador-logwatch/internal/patterns"
)

// DefaultSummaryHours is used when a caller asks for a non-positive range.
const DefaultSummaryHours = 24

const hotspotLimit = 10

// Summarizer aggregates alert history over a trailing window.
type Summarizer struct {
	history History
	miner   *patterns.Miner
	now     func() time.Time
}

// NewSummarizer builds a summarizer; miner may be nil to skip hotspots.
func NewSummarizer(history History, miner *patterns.Miner) *Summarizer {
	return &Summarizer{history: history, miner: miner, now: time.Now}
}

// Summary counts alerted anomalies in the last hours. An anomaly sent to
// several channels counts once; each failed channel attempt counts as a failure.
func (s *Summarizer) Summary(ctx context.Context, hours int) (models.AlertSummary, error) {
	if hours <= 0 {
		hours = DefaultSummaryHours
	}
	summary := models.AlertSummary{
		SeverityBreakdown: make(map[models.Severity]int),
		ReasonBreakdown:   make(map[models.Reason]int),
		TimeRangeHours:    hours,
	}

	since := s.now().Add(-time.Duration(hours) * time.Hour)
	entries, err := s.history.Since(ctx, since)
	if err != nil {
		return summary, err
	}

	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if !e.Delivered {
			summary.ChannelFailures++
		}
		if _, dup := seen[e.AnomalyID]; dup {
			continue
		}
		seen[e.AnomalyID] = struct{}{}
		summary.TotalAlerts++
		summary.SeverityBreakdown[e.Severity]++
		for _, r := range splitReasons(e.Reasons) {
			summary.ReasonBreakdown[r]++
		}
	}

	if s.miner != nil {
		hotspots, err := s.miner.Mine(ctx, entries, hotspotLimit)
		if err != nil {
			return summary, err
		}
		summary.Hotspots = hotspots
	}
	return summary, nil
}
