package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/miradorstack/mirador-logwatch/internal/models"
	"github.com/miradorstack/mirador-logwatch/internal/repo"
)

// SourceLoki labels records pulled from Loki.
const SourceLoki = "loki"

// LogSource is the subset of the Loki client used by the poller.
type LogSource interface {
	QueryRange(ctx context.Context, query string, start, end time.Time, limit int) ([]repo.LokiEntry, error)
}

// Ingester accepts decoded records; the coordinator implements it.
type Ingester interface {
	IngestBatch(source string, records []models.LogRecord)
}

// PollerConfig tunes the Loki pull loop.
type PollerConfig struct {
	Query    string
	Interval time.Duration
	Lookback time.Duration
	Limit    int
}

// PollResult summarises one poll.
type PollResult struct {
	Fetched    int
	Ingested   int
	Duplicates int
	Skipped    int
}

// Poller pulls access logs from Loki on an interval and feeds them into the
// window. Range queries overlap at the cursor, so recently seen lines are
// remembered and dropped.
type Poller struct {
	source LogSource
	sink   Ingester
	cfg    PollerConfig
	logger *slog.Logger
	now    func() time.Time

	cursor time.Time
	seen   *lru.Cache[uint64, struct{}]
}

// NewPoller builds a poller; Run or Poll drive it.
func NewPoller(source LogSource, sink Ingester, cfg PollerConfig, logger *slog.Logger) (*Poller, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 5 * time.Minute
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 1000
	}
	size := cfg.Limit * 4
	if size < 4096 {
		size = 4096
	}
	seen, err := lru.New[uint64, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("loki poller: %w", err)
	}
	return &Poller{
		source: source,
		sink:   sink,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		seen:   seen,
	}, nil
}

// Run polls until ctx is cancelled. Poll failures are logged and retried on
// the next tick.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Info("loki poller started", slog.String("query", p.cfg.Query), slog.Duration("interval", p.cfg.Interval))
	for {
		if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("loki poll failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			p.logger.Info("loki poller stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll fetches lines newer than the cursor, bounded by the lookback.
func (p *Poller) Poll(ctx context.Context) (PollResult, error) {
	var res PollResult
	end := p.now().UTC()
	start := end.Add(-p.cfg.Lookback)
	if p.cursor.After(start) {
		start = p.cursor
	}

	entries, err := p.source.QueryRange(ctx, p.cfg.Query, start, end, p.cfg.Limit)
	if err != nil {
		return res, err
	}
	res.Fetched = len(entries)

	records := make([]models.LogRecord, 0, len(entries))
	for _, entry := range entries {
		if entry.Timestamp.After(p.cursor) {
			p.cursor = entry.Timestamp
		}
		if seen, _ := p.seen.ContainsOrAdd(entryKey(entry), struct{}{}); seen {
			res.Duplicates++
			continue
		}
		rec, err := DecodeLine([]byte(entry.Line), entry.Timestamp)
		if err != nil {
			res.Skipped++
			continue
		}
		records = append(records, rec)
	}
	res.Ingested = len(records)
	if len(records) > 0 {
		p.sink.IngestBatch(SourceLoki, records)
	}
	p.logger.Debug("loki poll complete",
		slog.Int("fetched", res.Fetched),
		slog.Int("ingested", res.Ingested),
		slog.Int("duplicates", res.Duplicates),
		slog.Int("skipped", res.Skipped),
	)
	return res, nil
}

func entryKey(e repo.LokiEntry) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(strconv.FormatInt(e.Timestamp.UnixNano(), 10))
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(e.Line)
	return d.Sum64()
}
