package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-logwatch/internal/config"
	"github.com/miradorstack/mirador-logwatch/internal/engine"
	"github.com/miradorstack/mirador-logwatch/internal/models"
)

type backendStub struct {
	mu         sync.Mutex
	ingested   []models.LogRecord
	source     string
	lastFilter LatestFilter
	summaryErr error
	hours      int
}

func (b *backendStub) Ingest(source string, records []models.LogRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.source = source
	b.ingested = append(b.ingested, records...)
}

func (b *backendStub) Latest(filter LatestFilter) models.CycleResult {
	b.lastFilter = filter
	return models.CycleResult{
		CycleID:   "cycle-1",
		Outcome:   models.OutcomeCompleted,
		Anomalies: []models.AnomalyRecord{{ID: "a1", Severity: models.SeverityAnomalous}},
	}
}

func (b *backendStub) Summary(_ context.Context, hours int) (models.AlertSummary, error) {
	b.hours = hours
	return models.AlertSummary{TotalAlerts: 1, TimeRangeHours: hours}, b.summaryErr
}

func (b *backendStub) Status() engine.Status {
	return engine.Status{Phase: "idle", WindowSize: 7}
}

func newTestHTTP(t *testing.T, backend Backend, hub *Hub) http.Handler {
	t.Helper()
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "logwatch_test_total", Help: "test"}))
	srv := NewHTTPServer(config.ServerConfig{MaxBodyBytes: 1024}, backend, hub, reg, nil)
	return srv.Handler()
}

func TestIngestAcceptsNDJSON(t *testing.T) {
	backend := &backendStub{}
	h := newTestHTTP(t, backend, nil)

	body := "{\"endpoint\":\"/api/users\",\"status_code\":200,\"response_time_ms\":20}\n{\"endpoint\":\"/api/orders\",\"status_code\":500}\n7\n"
	req := httptest.NewRequest(http.MethodPost, "/api/v1/logs", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]int
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 2, resp["accepted"])
	assert.Equal(t, 1, resp["rejected"])
	assert.Len(t, backend.ingested, 2)
	assert.Equal(t, SourceHTTP, backend.source)
}

func TestIngestRejectsBadBodies(t *testing.T) {
	backend := &backendStub{}
	h := newTestHTTP(t, backend, nil)

	for name, tc := range map[string]struct {
		body string
		code int
	}{
		"empty":     {body: "", code: http.StatusBadRequest},
		"truncated": {body: `{"endpoint":`, code: http.StatusBadRequest},
		"too large": {body: `[` + strings.Repeat(`{"endpoint":"/a"},`, 200) + `{}]`, code: http.StatusRequestEntityTooLarge},
	} {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/logs", strings.NewReader(tc.body)))
			assert.Equal(t, tc.code, rec.Code)
		})
	}
	assert.Empty(t, backend.ingested)
}

func TestAnomaliesQueryParams(t *testing.T) {
	backend := &backendStub{}
	h := newTestHTTP(t, backend, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/anomalies?severity=anomalous&scores=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, LatestFilter{Severity: models.SeverityAnomalous, IncludeScores: true}, backend.lastFilter)

	var res models.CycleResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, "cycle-1", res.CycleID)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/anomalies?severity=loud", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/anomalies?scores=maybe", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSummaryAndStatus(t *testing.T) {
	backend := &backendStub{}
	h := newTestHTTP(t, backend, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/alerts/summary?hours=6", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 6, backend.hours)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/alerts/summary?hours=x", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	backend.summaryErr = errors.New("db locked")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/alerts/summary", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var st engine.Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, 7, st.WindowSize)
}

func TestMetricsAndCORS(t *testing.T) {
	h := newTestHTTP(t, &backendStub{}, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "logwatch_test_total")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Origin", "http://grafana.local")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHubStreamsCycles(t *testing.T) {
	hub := NewHub(nil, nil)
	require.NoError(t, hub.Publish(context.Background(), models.CycleResult{CycleID: "first", Scores: []models.RecordScore{{RequestID: "r"}}}))

	server := httptest.NewServer(newTestHTTP(t, &backendStub{}, hub))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/anomalies/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "first", msg.Result.CycleID, "the latest batch is replayed on connect")
	assert.Empty(t, msg.Result.Scores)

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, hub.Publish(context.Background(), models.CycleResult{CycleID: "second"}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "cycle", msg.Type)
	assert.Equal(t, "second", msg.Result.CycleID)

	hub.Close()
	assert.Equal(t, 0, hub.Clients())
}
