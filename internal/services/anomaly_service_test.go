package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-logwatch/internal/alerts"
	"github.com/miradorstack/mirador-logwatch/internal/api"
	"github.com/miradorstack/mirador-logwatch/internal/engine"
	"github.com/miradorstack/mirador-logwatch/internal/models"
)

type detectorStub struct {
	ingested int
	source   string
	latest   models.CycleResult
}

func (d *detectorStub) IngestBatch(source string, records []models.LogRecord) {
	d.source = source
	d.ingested += len(records)
}

func (d *detectorStub) Latest() models.CycleResult { return d.latest }

func (d *detectorStub) Status() engine.Status {
	return engine.Status{Phase: "idle", WindowSize: 12, Cycles: 3}
}

type summaryStub struct {
	hours int
	err   error
}

func (s *summaryStub) Summary(_ context.Context, hours int) (models.AlertSummary, error) {
	s.hours = hours
	return models.AlertSummary{TotalAlerts: 4, TimeRangeHours: hours}, s.err
}

func sampleBatch() models.CycleResult {
	return models.CycleResult{
		CycleID: "cycle-1",
		Outcome: models.OutcomeCompleted,
		Anomalies: []models.AnomalyRecord{
			{ID: "a1", Severity: models.SeverityAnomalous},
			{ID: "a2", Severity: models.SeveritySuspicious},
		},
		Scores: []models.RecordScore{{RequestID: "r1", EnsembleScore: 0.7}},
	}
}

func TestLatestFiltersWithoutMutatingBatch(t *testing.T) {
	detector := &detectorStub{latest: sampleBatch()}
	service := NewAnomalyService(nil, detector, nil)

	res := service.Latest(api.LatestFilter{Severity: models.SeverityAnomalous})
	if len(res.Anomalies) != 1 || res.Anomalies[0].ID != "a1" {
		t.Fatalf("unexpected filtered anomalies: %+v", res.Anomalies)
	}
	if res.Scores != nil {
		t.Fatalf("expected scores to be omitted by default")
	}
	if len(detector.latest.Anomalies) != 2 {
		t.Fatalf("published batch was modified")
	}

	withScores := service.Latest(api.LatestFilter{IncludeScores: true})
	if len(withScores.Scores) != 1 || len(withScores.Anomalies) != 2 {
		t.Fatalf("unexpected unfiltered batch: %+v", withScores)
	}
}

func TestLatestBeforeFirstCycle(t *testing.T) {
	service := NewAnomalyService(nil, &detectorStub{}, nil)
	res := service.Latest(api.LatestFilter{})
	if res.Anomalies == nil {
		t.Fatalf("expected an empty, non-nil anomaly list")
	}
}

func TestIngestDelegates(t *testing.T) {
	detector := &detectorStub{}
	service := NewAnomalyService(nil, detector, nil)
	service.Ingest("http", []models.LogRecord{{Endpoint: "/a"}, {Endpoint: "/b"}})
	if detector.ingested != 2 || detector.source != "http" {
		t.Fatalf("unexpected ingest: %+v", detector)
	}
}

func TestSummaryDefaultsHours(t *testing.T) {
	stub := &summaryStub{}
	service := NewAnomalyService(nil, &detectorStub{}, stub)
	summary, err := service.Summary(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stub.hours != alerts.DefaultSummaryHours || summary.TotalAlerts != 4 {
		t.Fatalf("unexpected summary %+v (hours %d)", summary, stub.hours)
	}

	empty, err := NewAnomalyService(nil, &detectorStub{}, nil).Summary(context.Background(), 6)
	if err != nil || empty.TimeRangeHours != 6 || empty.TotalAlerts != 0 {
		t.Fatalf("unexpected empty summary %+v %v", empty, err)
	}
}

func TestQueryServiceLatestAnomalies(t *testing.T) {
	query := NewQueryService(NewAnomalyService(nil, &detectorStub{latest: sampleBatch()}, nil))

	req, _ := structpb.NewStruct(map[string]any{"severity": "suspicious"})
	out, err := query.LatestAnomalies(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	anomalies := out.GetFields()["anomalies"].GetListValue().GetValues()
	if len(anomalies) != 1 {
		t.Fatalf("expected 1 anomaly, got %d", len(anomalies))
	}
	if id := anomalies[0].GetStructValue().GetFields()["id"].GetStringValue(); id != "a2" {
		t.Fatalf("unexpected anomaly id %q", id)
	}

	bad, _ := structpb.NewStruct(map[string]any{"severity": "catastrophic"})
	if _, err := query.LatestAnomalies(context.Background(), bad); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestQueryServiceAlertSummary(t *testing.T) {
	stub := &summaryStub{}
	query := NewQueryService(NewAnomalyService(nil, &detectorStub{}, stub))

	req, _ := structpb.NewStruct(map[string]any{"hours": 3})
	out, err := query.AlertSummary(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stub.hours != 3 || out.GetFields()["total_alerts"].GetNumberValue() != 4 {
		t.Fatalf("unexpected summary %v", out)
	}

	neg, _ := structpb.NewStruct(map[string]any{"hours": -1})
	if _, err := query.AlertSummary(context.Background(), neg); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}

	stub.err = errors.New("disk full")
	if _, err := query.AlertSummary(context.Background(), nil); status.Code(err) != codes.Internal {
		t.Fatalf("expected internal, got %v", err)
	}
}

func TestQueryServiceStatus(t *testing.T) {
	query := NewQueryService(NewAnomalyService(nil, &detectorStub{}, nil))
	out, err := query.Status(context.Background(), &emptypb.Empty{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.GetFields()["window_size"].GetNumberValue() != 12 {
		t.Fatalf("unexpected status %v", out)
	}
}

func TestRunHistoryRetentionStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	history := alerts.NewMemoryHistory(0)
	_ = history.Record(ctx, models.AlertEntry{AnomalyID: "old", NotifiedAt: time.Now().Add(-48 * time.Hour)})

	done := make(chan error, 1)
	go func() { done <- RunHistoryRetention(ctx, history, time.Hour, 10*time.Millisecond, nil) }()

	deadline := time.After(2 * time.Second)
	for {
		entries, _ := history.Since(ctx, time.Time{})
		if len(entries) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected old entry to be pruned")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
