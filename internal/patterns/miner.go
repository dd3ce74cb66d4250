package patterns

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/miradorstack/mirador-logwatch/internal/models"
)

// Store abstracts persistence for mined hotspots.
type Store interface {
	StoreHotspots(ctx context.Context, hotspots []models.Hotspot) error
}

// Miner mines recurring endpoint+reason hotspots from alert history.
type Miner struct {
	store  Store
	logger *slog.Logger
}

// NewMiner constructs a Miner; store may be nil for dry runs.
func NewMiner(logger *slog.Logger, store Store) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Miner{store: store, logger: logger}
}

// Mine aggregates entries by endpoint and reason and returns the top limit
// hotspots ordered by prevalence. A limit of zero returns all of them.
// Entries for the same anomaly on several channels count once.
func (m *Miner) Mine(ctx context.Context, entries []models.AlertEntry, limit int) ([]models.Hotspot, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	aggs := make(map[hotspotKey]*aggregate)
	seen := make(map[string]struct{}, len(entries))
	total := 0
	for _, entry := range entries {
		if entry.AnomalyID != "" {
			if _, dup := seen[entry.AnomalyID]; dup {
				continue
			}
			seen[entry.AnomalyID] = struct{}{}
		}
		total++
		for _, reason := range splitReasons(entry.Reasons) {
			key := hotspotKey{endpoint: normaliseEndpoint(entry.Endpoint), reason: reason}
			agg, ok := aggs[key]
			if !ok {
				agg = &aggregate{}
				aggs[key] = agg
			}
			agg.count++
			if entry.NotifiedAt.After(agg.hotspot.LastSeen) {
				agg.hotspot.LastSeen = entry.NotifiedAt
			}
		}
	}

	hotspots := make([]models.Hotspot, 0, len(aggs))
	for key, agg := range aggs {
		h := agg.hotspot
		h.Endpoint = key.endpoint
		h.Reason = key.reason
		h.Count = agg.count
		h.Prevalence = float64(agg.count) / float64(total)
		hotspots = append(hotspots, h)
	}

	sort.Slice(hotspots, func(i, j int) bool {
		if hotspots[i].Count != hotspots[j].Count {
			return hotspots[i].Count > hotspots[j].Count
		}
		if hotspots[i].Endpoint != hotspots[j].Endpoint {
			return hotspots[i].Endpoint < hotspots[j].Endpoint
		}
		return hotspots[i].Reason < hotspots[j].Reason
	})
	if limit > 0 && len(hotspots) > limit {
		hotspots = hotspots[:limit]
	}

	if m.store != nil && len(hotspots) > 0 {
		if err := m.store.StoreHotspots(ctx, hotspots); err != nil {
			m.logger.Warn("hotspot store failed", slog.Any("error", err))
		}
	}

	return hotspots, nil
}

type hotspotKey struct {
	endpoint string
	reason   models.Reason
}

type aggregate struct {
	count   int
	hotspot models.Hotspot
}

// splitReasons reads the comma-joined reason list stored with an alert entry.
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

func normaliseEndpoint(endpoint string) string {
	if endpoint == "" {
		return "unknown"
	}
	return endpoint
}
