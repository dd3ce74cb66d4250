package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-logwatch/internal/metrics"
	"github.com/miradorstack/mirador-logwatch/internal/models"
	"github.com/miradorstack/mirador-logwatch/internal/utils"
	"github.com/miradorstack/mirador-logwatch/internal/window"
)

// AlertHandler receives the anomalies of every completed cycle.
type AlertHandler interface {
	Handle(ctx context.Context, records []models.AnomalyRecord)
}

// Sink publishes a cycle batch for visualization. Errors are logged and ignored.
type Sink interface {
	Publish(ctx context.Context, result models.CycleResult) error
}

// Status summarises the coordinator for the status endpoints.
type Status struct {
	Phase        string              `json:"phase"`
	Interval     time.Duration       `json:"interval"`
	WindowSize   int                 `json:"window_size"`
	Evicted      uint64              `json:"evicted"`
	Cycles       uint64              `json:"cycles"`
	LastCycleID  string              `json:"last_cycle_id,omitempty"`
	LastOutcome  models.CycleOutcome `json:"last_outcome,omitempty"`
	LastError    string              `json:"last_error,omitempty"`
	LastCycleAt  time.Time           `json:"last_cycle_at,omitempty"`
	LastDuration time.Duration       `json:"last_duration"`
	P95Duration  time.Duration       `json:"p95_duration"`
}

// Coordinator owns the window and drives detection cycles on a fixed interval.
// Cycles never overlap; ingestion proceeds concurrently through the buffer.
type Coordinator struct {
	logger   *slog.Logger
	buffer   *window.Buffer
	pipeline *Pipeline
	interval time.Duration
	alerts   AlertHandler
	sinks    []Sink
	now      func() time.Time

	cycleMu sync.Mutex
	phase   atomic.Int32
	cycles  atomic.Uint64
	latest  atomic.Pointer[models.CycleResult]
	last    atomic.Pointer[models.CycleResult]
	timings *utils.LatencyTracker
}

// CoordinatorOption customises a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithAlertHandler sets the dispatcher that receives each cycle's anomalies.
func WithAlertHandler(h AlertHandler) CoordinatorOption {
	return func(c *Coordinator) { c.alerts = h }
}

// WithSinks adds visualization sinks.
func WithSinks(sinks ...Sink) CoordinatorOption {
	return func(c *Coordinator) { c.sinks = append(c.sinks, sinks...) }
}

// WithClock overrides the clock used for window snapshots.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCoordinator wires a buffer and pipeline into a cycle driver.
func NewCoordinator(buffer *window.Buffer, pipeline *Pipeline, interval time.Duration, logger *slog.Logger, opts ...CoordinatorOption) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	c := &Coordinator{
		logger:   logger,
		buffer:   buffer,
		pipeline: pipeline,
		interval: interval,
		now:      time.Now,
		timings:  utils.NewLatencyTracker(256),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ingest appends one record to the window.
func (c *Coordinator) Ingest(rec models.LogRecord) {
	c.buffer.Append(rec)
}

// IngestBatch appends records from source and counts them.
func (c *Coordinator) IngestBatch(source string, records []models.LogRecord) {
	for _, rec := range records {
		c.buffer.Append(rec)
	}
	metrics.IncIngested(source, len(records))
}

// Phase returns the current cycle phase.
func (c *Coordinator) Phase() Phase { return Phase(c.phase.Load()) }

func (c *Coordinator) setPhase(p Phase) { c.phase.Store(int32(p)) }

// Latest returns the most recent published batch. Failed cycles do not replace it.
// The zero value is returned before the first cycle.
func (c *Coordinator) Latest() models.CycleResult {
	if res := c.latest.Load(); res != nil {
		return *res
	}
	return models.CycleResult{Anomalies: []models.AnomalyRecord{}}
}

// Restore seeds the published batch, typically from a cache written by a
// previous process. It has no effect once a cycle has run.
func (c *Coordinator) Restore(result models.CycleResult) bool {
	if result.Anomalies == nil {
		result.Anomalies = []models.AnomalyRecord{}
	}
	return c.latest.CompareAndSwap(nil, &result)
}

// Status reports window and cycle bookkeeping.
func (c *Coordinator) Status() Status {
	st := Status{
		Phase:        c.Phase().String(),
		Interval:     c.interval,
		WindowSize:   c.buffer.Len(),
		Evicted:      c.buffer.Evicted(),
		Cycles:       c.cycles.Load(),
		LastDuration: c.timings.Last(),
		P95Duration:  c.timings.Percentile(95),
	}
	if last := c.last.Load(); last != nil {
		st.LastCycleID = last.CycleID
		st.LastOutcome = last.Outcome
		st.LastError = last.Error
		st.LastCycleAt = last.StartedAt
	}
	return st
}

// Run drives cycles on the configured interval until ctx is cancelled.
// Ticks that fire while a cycle is running are dropped.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info("detection loop started", slog.Duration("interval", c.interval))
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("detection loop stopped")
			return nil
		case <-ticker.C:
			_, _ = c.RunCycle(ctx)
			select {
			case <-ticker.C:
			default:
			}
		}
	}
}

// RunCycle snapshots the window and evaluates it once. Errors are reported to the
// caller for inspection but never need handling: the coordinator has already
// logged, counted and recovered from them.
func (c *Coordinator) RunCycle(ctx context.Context) (models.CycleResult, error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()
	defer c.setPhase(PhaseIdle)

	cycleID := uuid.NewString()
	c.setPhase(PhaseCollecting)
	snapshot := c.buffer.Snapshot(c.now())

	result, err := c.pipeline.evaluate(ctx, cycleID, snapshot, c.setPhase)
	c.cycles.Add(1)
	c.timings.Observe(result.Duration)
	c.last.Store(&result)

	logger := c.logger.With(slog.String("cycle_id", cycleID), slog.Int("window", len(snapshot)))
	switch {
	case errors.Is(err, ErrInsufficientData):
		logger.Info("detection cycle skipped", slog.Int("min_records", c.pipeline.Config().MinRecords))
		metrics.ObserveCycle(result.Duration, metrics.OutcomeSkipped, len(snapshot))
	case err != nil:
		logger.Warn("detection cycle aborted", slog.Any("error", err))
		metrics.ObserveCycle(result.Duration, metrics.OutcomeError, len(snapshot))
		return result, err
	default:
		logger.Info("detection cycle completed",
			slog.Int("anomalies", len(result.Anomalies)),
			slog.Duration("duration", result.Duration),
		)
		metrics.ObserveCycle(result.Duration, metrics.OutcomeCompleted, len(snapshot))
		for _, a := range result.Anomalies {
			metrics.IncAnomaly(string(a.Severity))
		}
	}

	c.latest.Store(&result)
	if c.alerts != nil && len(result.Anomalies) > 0 {
		c.alerts.Handle(ctx, result.Anomalies)
	}
	for _, sink := range c.sinks {
		if perr := sink.Publish(ctx, result); perr != nil {
			logger.Warn("publish cycle batch failed", slog.Any("error", perr))
		}
	}
	return result, err
}
