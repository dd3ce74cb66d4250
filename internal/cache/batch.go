package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/miradorstack/mirador-logwatch/internal/models"
)

// LatestBatchKey holds the JSON encoding of the most recent cycle batch.
const LatestBatchKey = Namespace + "anomalies:latest"

// BatchSink publishes each cycle batch under LatestBatchKey so dashboards and
// peer processes can poll it without talking to the detector.
type BatchSink struct {
	provider Provider
	key      string
	ttl      time.Duration
}

// NewBatchSink stores batches in provider for ttl (zero keeps them until replaced).
func NewBatchSink(provider Provider, ttl time.Duration) *BatchSink {
	if provider == nil {
		provider = NoopProvider{}
	}
	return &BatchSink{provider: provider, key: LatestBatchKey, ttl: ttl}
}

// Publish overwrites the latest batch.
func (s *BatchSink) Publish(ctx context.Context, result models.CycleResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode cycle batch: %w", err)
	}
	if err := s.provider.Set(ctx, s.key, payload, s.ttl); err != nil {
		return fmt.Errorf("store cycle batch: %w", err)
	}
	return nil
}

// Load reads the latest batch; ErrCacheMiss when nothing was published yet.
func (s *BatchSink) Load(ctx context.Context) (models.CycleResult, error) {
	payload, err := s.provider.Get(ctx, s.key)
	if err != nil {
		return models.CycleResult{}, err
	}
	var result models.CycleResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return models.CycleResult{}, fmt.Errorf("decode cycle batch: %w", err)
	}
	return result, nil
}
