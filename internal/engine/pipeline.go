package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-logwatch/internal/extractors"
	"github.com/miradorstack/mirador-logwatch/internal/models"
)

// Phase is the detection cycle state.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseCollecting
	PhaseFitting
	PhaseScoring
	PhaseMerging
)

func (p Phase) String() string {
	switch p {
	case PhaseCollecting:
		return "collecting"
	case PhaseFitting:
		return "fitting"
	case PhaseScoring:
		return "scoring"
	case PhaseMerging:
		return "merging"
	default:
		return "idle"
	}
}

// boundaryDimensions fixes the evaluation order of the boundary estimators.
var boundaryDimensions = []struct {
	dim models.Dimension
	col extractors.Column
}{
	{models.DimensionResponseTime, extractors.ColResponseTime},
	{models.DimensionStatusCode, extractors.ColStatusCode},
}

// PipelineConfig holds the detection tunables.
type PipelineConfig struct {
	MinRecords      int
	AnomalyFraction float64
	HardStatusMin   int
	Seed            int64
	Columns         []extractors.Column
	ImputeMissing   bool
	Forest          ForestParams
	Boundaries      map[models.Dimension]BoundaryParams
	// IncludeScores keeps raw per-record model outputs on the CycleResult.
	IncludeScores bool
}

// DefaultPipelineConfig returns the shipped defaults over every feature column.
func DefaultPipelineConfig() PipelineConfig {
	cols := make([]extractors.Column, 0, extractors.NumColumns)
	for c := extractors.Column(0); c < extractors.NumColumns; c++ {
		cols = append(cols, c)
	}
	return PipelineConfig{
		MinRecords:      30,
		AnomalyFraction: 0.10,
		HardStatusMin:   500,
		Seed:            42,
		Columns:         cols,
		ImputeMissing:   true,
		Forest:          DefaultForestParams(),
		Boundaries: map[models.Dimension]BoundaryParams{
			models.DimensionResponseTime: DefaultBoundaryParams(),
			models.DimensionStatusCode:   DefaultBoundaryParams(),
		},
		IncludeScores: true,
	}
}

// Pipeline turns one window snapshot into a CycleResult. Every call refits all
// models from scratch; no state is carried between calls.
type Pipeline struct {
	cfg       PipelineConfig
	logger    *slog.Logger
	extractor *extractors.Extractor
	rules     *RuleEngine
	now       func() time.Time
}

// NewPipeline constructs a detection pipeline. A nil extractor uses default
// bucket counts; a nil rule engine matches nothing.
func NewPipeline(cfg PipelineConfig, extractor *extractors.Extractor, rules *RuleEngine, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if extractor == nil {
		extractor = extractors.NewExtractor(0, 0)
	}
	def := DefaultPipelineConfig()
	if cfg.MinRecords < 2 {
		cfg.MinRecords = def.MinRecords
	}
	if cfg.AnomalyFraction <= 0 || cfg.AnomalyFraction >= 1 {
		cfg.AnomalyFraction = def.AnomalyFraction
	}
	if cfg.HardStatusMin <= 0 {
		cfg.HardStatusMin = def.HardStatusMin
	}
	if len(cfg.Columns) == 0 {
		cfg.Columns = def.Columns
	}
	if cfg.Boundaries == nil {
		cfg.Boundaries = def.Boundaries
	}
	return &Pipeline{
		cfg:       cfg,
		logger:    logger,
		extractor: extractor,
		rules:     rules,
		now:       time.Now,
	}
}

// Config returns the effective configuration.
func (p *Pipeline) Config() PipelineConfig { return p.cfg }

// Evaluate runs Collecting, Fitting, Scoring and Merging over snapshot.
// A snapshot below the minimum returns ErrInsufficientData with an empty batch;
// a fit failure returns an error wrapping ErrModelFit and no anomalies.
func (p *Pipeline) Evaluate(ctx context.Context, cycleID string, snapshot []models.LogRecord) (models.CycleResult, error) {
	return p.evaluate(ctx, cycleID, snapshot, nil)
}

func (p *Pipeline) evaluate(ctx context.Context, cycleID string, snapshot []models.LogRecord, observe func(Phase)) (models.CycleResult, error) {
	if observe == nil {
		observe = func(Phase) {}
	}
	started := p.now()
	result := models.CycleResult{
		CycleID:    cycleID,
		StartedAt:  started.UTC(),
		WindowSize: len(snapshot),
		Anomalies:  []models.AnomalyRecord{},
	}
	finish := func(outcome models.CycleOutcome, err error) (models.CycleResult, error) {
		result.Outcome = outcome
		result.Duration = p.now().Sub(started)
		if err != nil && outcome == models.OutcomeFailed {
			result.Error = err.Error()
			result.Anomalies = []models.AnomalyRecord{}
			result.Scores = nil
		}
		return result, err
	}

	observe(PhaseCollecting)
	if len(snapshot) < p.cfg.MinRecords {
		return finish(models.OutcomeInsufficient, fmt.Errorf("%w: %d records, minimum %d", ErrInsufficientData, len(snapshot), p.cfg.MinRecords))
	}
	vectors := p.extractor.ExtractAll(snapshot)
	matrix, mask := extractors.Project(vectors, p.cfg.Columns)
	if p.cfg.ImputeMissing {
		extractors.ImputeMedian(matrix, mask)
	}

	observe(PhaseFitting)
	forest := NewIsolationForest(p.cfg.Forest, p.cfg.Seed)
	if err := forest.FitContext(ctx, matrix); err != nil {
		return finish(models.OutcomeFailed, asFitError(err))
	}

	estimators := make(map[models.Dimension]*BoundaryEstimator, len(boundaryDimensions))
	columns := make(map[models.Dimension][]float64, len(boundaryDimensions))
	missing := make(map[models.Dimension][]bool, len(boundaryDimensions))
	for _, bd := range boundaryDimensions {
		params, ok := p.cfg.Boundaries[bd.dim]
		if !ok {
			continue
		}
		values, miss := extractors.ColumnValues(vectors, bd.col)
		columns[bd.dim], missing[bd.dim] = values, miss
		if bd.dim == models.DimensionResponseTime {
			summary := extractors.Summarize(values, miss)
			result.ResponseTime = &summary
		}

		present := make([]float64, 0, len(values))
		for i, v := range values {
			if !miss[i] {
				present = append(present, v)
			}
		}
		est := NewBoundaryEstimator(bd.dim, params, p.cfg.Seed)
		if err := est.Fit(present); err != nil {
			if errors.Is(err, ErrZeroVariance) || errors.Is(err, ErrInsufficientData) {
				p.logger.Debug("boundary estimator skipped", slog.String("cycle_id", cycleID), slog.String("dimension", string(bd.dim)), slog.Any("reason", err))
				result.SkippedBoundary = append(result.SkippedBoundary, bd.dim)
			} else {
				return finish(models.OutcomeFailed, asFitError(err))
			}
		}
		estimators[bd.dim] = est
	}

	if err := ctx.Err(); err != nil {
		return finish(models.OutcomeFailed, err)
	}

	observe(PhaseScoring)
	scores, err := forest.Score(matrix)
	if err != nil {
		return finish(models.OutcomeFailed, asFitError(err))
	}
	verdicts := make(map[models.Dimension][]models.BoundaryVerdict, len(estimators))
	for dim, est := range estimators {
		v := est.Classify(columns[dim])
		for i, miss := range missing[dim] {
			if miss && v[i] != models.VerdictSkipped {
				v[i] = models.VerdictInside
			}
		}
		verdicts[dim] = v
	}

	observe(PhaseMerging)
	cut, flagged := rankThreshold(scores, p.cfg.AnomalyFraction)
	result.EnsembleCut = cut
	detectedAt := p.now().UTC()
	rtCenter := 0.0
	if est, ok := estimators[models.DimensionResponseTime]; ok {
		rtCenter = est.Center()
	}

	if p.cfg.IncludeScores {
		result.Scores = make([]models.RecordScore, len(snapshot))
	}
	for i, rec := range snapshot {
		sig := Signals{
			Ensemble:   flagged[i],
			Boundary:   make(map[models.Dimension]models.BoundaryVerdict, len(verdicts)),
			HardStatus: !rec.Malformed.Has(models.FieldStatusCode) && rec.StatusCode >= p.cfg.HardStatusMin,
			Rules:      p.rules.Evaluate(rec),
		}
		for dim, v := range verdicts {
			sig.Boundary[dim] = v[i]
		}
		if p.cfg.IncludeScores {
			result.Scores[i] = models.RecordScore{RequestID: rec.RequestID, EnsembleScore: scores[i], Boundary: sig.Boundary}
		}

		severity := sig.Severity()
		if severity == models.SeverityNormal {
			continue
		}
		result.Anomalies = append(result.Anomalies, models.AnomalyRecord{
			ID:             uuid.NewString(),
			CycleID:        cycleID,
			RequestID:      rec.RequestID,
			Timestamp:      rec.Timestamp,
			Endpoint:       rec.Endpoint,
			Method:         rec.Method,
			StatusCode:     rec.StatusCode,
			ResponseTimeMs: rec.ResponseTimeMs,
			EnsembleScore:  scores[i],
			EnsembleFlag:   sig.Ensemble,
			Boundary:       sig.Boundary,
			RuleHits:       sig.ruleIDs(),
			Severity:       severity,
			Reasons:        sig.Reasons(rec, rtCenter),
			DetectedAt:     detectedAt,
		})
	}

	p.logger.Debug("cycle evaluated",
		slog.String("cycle_id", cycleID),
		slog.Int("window", len(snapshot)),
		slog.Float64("ensemble_cut", cut),
		slog.Int("anomalies", len(result.Anomalies)),
	)
	return finish(models.OutcomeCompleted, nil)
}

func asFitError(err error) error {
	if errors.Is(err, ErrModelFit) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrModelFit, err)
}

// Signals are the per-record inputs to the merge rule.
type Signals struct {
	// Ensemble is true when the ensemble score is in the cycle's top fraction.
	Ensemble bool
	Boundary map[models.Dimension]models.BoundaryVerdict
	// HardStatus is true when the status code reached the hard-rule minimum.
	HardStatus bool
	Rules      []RuleHit
}

// BoundaryOutside reports whether any boundary estimator placed the record outside.
func (s Signals) BoundaryOutside() bool {
	for _, v := range s.Boundary {
		if v == models.VerdictOutside {
			return true
		}
	}
	return false
}

// Override reports whether a hard rule fired.
func (s Signals) Override() bool {
	if s.HardStatus {
		return true
	}
	for _, hit := range s.Rules {
		if hit.Override {
			return true
		}
	}
	return false
}

// Severity applies the merge rule: anomalous when both model families agree or
// an override fired, suspicious when exactly one family fired, otherwise normal.
func (s Signals) Severity() models.Severity {
	e, b := s.Ensemble, s.BoundaryOutside()
	switch {
	case (e && b) || s.Override():
		return models.SeverityAnomalous
	case e != b:
		return models.SeveritySuspicious
	default:
		return models.SeverityNormal
	}
}

// Reasons lists the reason codes for rec in a stable order.
func (s Signals) Reasons(rec models.LogRecord, responseCenter float64) []models.Reason {
	reasons := make([]models.Reason, 0, 3)
	if s.Ensemble {
		reasons = append(reasons, models.ReasonRarePattern)
	}
	if s.Boundary[models.DimensionResponseTime] == models.VerdictOutside {
		if rec.ResponseTimeMs > responseCenter {
			reasons = append(reasons, models.ReasonSlowResponse)
		} else {
			reasons = append(reasons, models.ReasonFastResponse)
		}
	}
	if s.HardStatus || s.Boundary[models.DimensionStatusCode] == models.VerdictOutside {
		reasons = append(reasons, models.ReasonUnexpectedStatus)
	}
	for _, hit := range s.Rules {
		reasons = appendUnique(reasons, hit.Reason)
	}
	return reasons
}

func (s Signals) ruleIDs() []string {
	if len(s.Rules) == 0 {
		return nil
	}
	ids := make([]string, len(s.Rules))
	for i, hit := range s.Rules {
		ids[i] = hit.ID
	}
	return ids
}

// rankThreshold flags the top ceil(fraction*n) scores. Scores tied with the cut
// are all flagged. A window whose scores are all equal flags nothing, since no
// record is easier to isolate than another.
func rankThreshold(scores []float64, fraction float64) (float64, []bool) {
	flagged := make([]bool, len(scores))
	if len(scores) == 0 {
		return 0, flagged
	}
	sorted := append([]float64(nil), scores...)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))
	if sorted[0]-sorted[len(sorted)-1] < 1e-12 {
		return sorted[0], flagged
	}

	k := int(math.Ceil(fraction * float64(len(sorted))))
	if k < 1 {
		k = 1
	}
	if k > len(sorted) {
		k = len(sorted)
	}
	cut := sorted[k-1]
	for i, s := range scores {
		flagged[i] = s >= cut
	}
	return cut, flagged
}
