package services

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-logwatch/internal/alerts"
	"github.com/miradorstack/mirador-logwatch/internal/api"
	"github.com/miradorstack/mirador-logwatch/internal/engine"
	"github.com/miradorstack/mirador-logwatch/internal/models"
	"github.com/miradorstack/mirador-logwatch/internal/utils"
)

// Detector is the coordinator surface the service fronts.
type Detector interface {
	IngestBatch(source string, records []models.LogRecord)
	Latest() models.CycleResult
	Status() engine.Status
}

// SummaryProvider aggregates alert history.
type SummaryProvider interface {
	Summary(ctx context.Context, hours int) (models.AlertSummary, error)
}

// AnomalyService implements api.Backend and the gRPC query service.
type AnomalyService struct {
	logger    *slog.Logger
	detector  Detector
	summaries SummaryProvider
	latencies *utils.LatencyTracker
}

// NewAnomalyService constructs the service facade; summaries may be nil.
func NewAnomalyService(logger *slog.Logger, detector Detector, summaries SummaryProvider) *AnomalyService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnomalyService{
		logger:    logger,
		detector:  detector,
		summaries: summaries,
		latencies: utils.NewLatencyTracker(1024),
	}
}

// Ingest appends records to the detection window.
func (s *AnomalyService) Ingest(source string, records []models.LogRecord) {
	s.detector.IngestBatch(source, records)
}

// Latest returns the most recent batch narrowed by filter. The published
// batch itself is never modified.
func (s *AnomalyService) Latest(filter api.LatestFilter) models.CycleResult {
	res := s.detector.Latest()
	if !filter.IncludeScores {
		res.Scores = nil
	}
	if filter.Severity != "" {
		kept := make([]models.AnomalyRecord, 0, len(res.Anomalies))
		for _, a := range res.Anomalies {
			if a.Severity == filter.Severity {
				kept = append(kept, a)
			}
		}
		res.Anomalies = kept
	}
	if res.Anomalies == nil {
		res.Anomalies = []models.AnomalyRecord{}
	}
	return res
}

// Summary aggregates alert history over the last hours.
func (s *AnomalyService) Summary(ctx context.Context, hours int) (models.AlertSummary, error) {
	if hours <= 0 {
		hours = alerts.DefaultSummaryHours
	}
	if s.summaries == nil {
		return models.AlertSummary{
			SeverityBreakdown: map[models.Severity]int{},
			ReasonBreakdown:   map[models.Reason]int{},
			TimeRangeHours:    hours,
		}, nil
	}
	start := time.Now()
	summary, err := s.summaries.Summary(ctx, hours)
	s.latencies.Observe(time.Since(start))
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		s.logger.Info("alert summary latency", slog.Duration("p95", s.latencies.Percentile(95)), slog.Int("samples", count))
	}
	return summary, err
}

// Status reports the coordinator state.
func (s *AnomalyService) Status() engine.Status {
	return s.detector.Status()
}

// QueryService exposes an AnomalyService over gRPC.
type QueryService struct {
	svc *AnomalyService
}

// NewQueryService wraps svc as an api.QueryServer.
func NewQueryService(svc *AnomalyService) *QueryService {
	return &QueryService{svc: svc}
}

// LatestAnomalies implements api.QueryServer.
func (q *QueryService) LatestAnomalies(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	filter, err := api.FromProtoLatestFilter(req)
	if err != nil {
		return nil, grpcError(err, "invalid filter")
	}
	out, err := api.ToStruct(q.svc.Latest(filter))
	if err != nil {
		q.svc.logger.Error("encode latest anomalies failed", slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to encode anomalies")
	}
	return out, nil
}

// AlertSummary implements api.QueryServer.
func (q *QueryService) AlertSummary(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	hours, err := api.FromProtoHours(req)
	if err != nil {
		return nil, grpcError(err, "invalid hours")
	}
	summary, err := q.svc.Summary(ctx, hours)
	if err != nil {
		q.svc.logger.Error("alert summary failed", slog.Any("error", err))
		return nil, grpcError(err, "failed to summarise alerts")
	}
	out, err := api.ToStruct(summary)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode summary")
	}
	return out, nil
}

// Status implements api.QueryServer.
func (q *QueryService) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	out, err := api.ToStruct(q.svc.Status())
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode status")
	}
	return out, nil
}

// grpcError maps invalid-input errors to InvalidArgument and hides everything
// else behind msg.
func grpcError(err error, msg string) error {
	if utils.IsInvalid(err) {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return status.Error(codes.Internal, msg)
}

// RunHistoryRetention prunes alert history older than retention every interval
// until ctx is cancelled.
func RunHistoryRetention(ctx context.Context, history alerts.History, retention, interval time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if retention <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed, err := history.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Warn("alert history prune failed", slog.Any("error", err))
				continue
			}
			if removed > 0 {
				logger.Info("alert history pruned", slog.Int64("removed", removed))
			}
		}
	}
}
