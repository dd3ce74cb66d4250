package models

import "time"

// Severity classifies the combined verdict for one log record.
type Severity string

const (
	SeverityNormal     Severity = "normal"
	SeveritySuspicious Severity = "suspicious"
	SeverityAnomalous  Severity = "anomalous"
)

// Rank orders severities so routing can compare them.
func (s Severity) Rank() int {
	switch s {
	case SeverityAnomalous:
		return 2
	case SeveritySuspicious:
		return 1
	default:
		return 0
	}
}

// ParseSeverity maps a config or query string to a Severity; unknown values are normal.
func ParseSeverity(v string) Severity {
	switch Severity(v) {
	case SeveritySuspicious, SeverityAnomalous:
		return Severity(v)
	}
	return SeverityNormal
}

// Reason is a machine-readable code explaining why a record was flagged.
type Reason string

const (
	ReasonSlowResponse     Reason = "slow_response"
	ReasonFastResponse     Reason = "fast_response"
	ReasonUnexpectedStatus Reason = "unexpected_status"
	ReasonRarePattern      Reason = "rare_pattern"
)

// Dimension names a scalar column watched by a boundary estimator.
type Dimension string

const (
	DimensionResponseTime Dimension = "response_time_ms"
	DimensionStatusCode   Dimension = "status_code"
)

// BoundaryVerdict is the outcome of one boundary estimator for one record.
type BoundaryVerdict string

const (
	VerdictInside  BoundaryVerdict = "inside"
	VerdictOutside BoundaryVerdict = "outside"
	VerdictSkipped BoundaryVerdict = "skipped"
)

// AnomalyRecord is the immutable output of one detection cycle for one log record.
type AnomalyRecord struct {
	ID             string                        `json:"id"`
	CycleID        string                        `json:"cycle_id"`
	RequestID      string                        `json:"request_id"`
	Timestamp      time.Time                     `json:"timestamp"`
	Endpoint       string                        `json:"endpoint"`
	Method         string                        `json:"method"`
	StatusCode     int                           `json:"status_code"`
	ResponseTimeMs float64                       `json:"response_time_ms"`
	EnsembleScore  float64                       `json:"ensemble_score"`
	EnsembleFlag   bool                          `json:"ensemble_flag"`
	Boundary       map[Dimension]BoundaryVerdict `json:"boundary"`
	RuleHits       []string                      `json:"rule_hits,omitempty"`
	Severity       Severity                      `json:"severity"`
	Reasons        []Reason                      `json:"reasons"`
	DetectedAt     time.Time                     `json:"detected_at"`
}

// HasReason reports whether r is among the record's reasons.
func (a AnomalyRecord) HasReason(r Reason) bool {
	for _, existing := range a.Reasons {
		if existing == r {
			return true
		}
	}
	return false
}

// RecordScore carries the raw per-record model outputs of a cycle, flagged or not.
type RecordScore struct {
	RequestID     string                        `json:"request_id"`
	EnsembleScore float64                       `json:"ensemble_score"`
	Boundary      map[Dimension]BoundaryVerdict `json:"boundary"`
}

// CycleOutcome describes how a detection cycle ended.
type CycleOutcome string

const (
	OutcomeCompleted    CycleOutcome = "completed"
	OutcomeInsufficient CycleOutcome = "insufficient_data"
	OutcomeFailed       CycleOutcome = "failed"
)

// ColumnSummary describes the spread of one window column.
type ColumnSummary struct {
	Count  int     `json:"count"`
	Median float64 `json:"median"`
	P95    float64 `json:"p95"`
	MAD    float64 `json:"mad"`
}

// CycleResult is the published batch of one detection cycle.
type CycleResult struct {
	CycleID         string          `json:"cycle_id"`
	StartedAt       time.Time       `json:"started_at"`
	Duration        time.Duration   `json:"duration"`
	Outcome         CycleOutcome    `json:"outcome"`
	WindowSize      int             `json:"window_size"`
	EnsembleCut     float64         `json:"ensemble_cut"`
	ResponseTime    *ColumnSummary  `json:"response_time,omitempty"`
	SkippedBoundary []Dimension     `json:"skipped_boundary,omitempty"`
	Anomalies       []AnomalyRecord `json:"anomalies"`
	Scores          []RecordScore   `json:"scores,omitempty"`
	Error           string          `json:"error,omitempty"`
}
