package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-logwatch/internal/api"
	"github.com/miradorstack/mirador-logwatch/internal/config"
	"github.com/miradorstack/mirador-logwatch/internal/models"
)

func writeCapture(t *testing.T, n int, failing int) string {
	t.Helper()
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		status := 200
		if i == failing {
			status = 500
		}
		line := map[string]any{
			"timestamp":        start.Add(time.Duration(i) * time.Second).Format(time.RFC3339Nano),
			"endpoint":         "/api/users",
			"method":           "GET",
			"status_code":      status,
			"response_time_ms": 20 + i%7,
			"user_agent":       "Mozilla/5.0",
			"ip_address":       "10.0.0.1",
			"request_id":       fmt.Sprintf("req-%03d", i),
		}
		data, err := json.Marshal(line)
		require.NoError(t, err)
		buf.Write(data)
		buf.WriteByte('\n')
	}
	path := filepath.Join(t.TempDir(), "capture.jsonl")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("MIRADOR_LOGWATCH_CONFIG", "")
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Rules.Path = filepath.Join(t.TempDir(), "absent.yaml")
	cfg.Forest.Trees = 50
	return cfg
}

func TestReplayFlagsServerErrors(t *testing.T) {
	path := writeCapture(t, 60, 42)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var out bytes.Buffer
	err := replay(context.Background(), testConfig(t), logger, path, api.LatestFilter{Severity: models.SeverityAnomalous}, true, &out)
	require.NoError(t, err)

	var res models.CycleResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, models.OutcomeCompleted, res.Outcome)
	assert.Equal(t, 60, res.WindowSize)
	require.NotNil(t, res.ResponseTime)
	assert.Equal(t, 60, res.ResponseTime.Count)

	found := false
	for _, a := range res.Anomalies {
		assert.Equal(t, models.SeverityAnomalous, a.Severity)
		if a.RequestID == "req-042" {
			found = true
			assert.True(t, a.HasReason(models.ReasonUnexpectedStatus))
		}
	}
	assert.True(t, found, "the 500 response must be reported")
	assert.Empty(t, res.Scores)
}

func TestReplayBelowMinimum(t *testing.T) {
	path := writeCapture(t, 5, 0)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var out bytes.Buffer
	require.NoError(t, replay(context.Background(), testConfig(t), logger, path, api.LatestFilter{}, false, &out))

	var res models.CycleResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, models.OutcomeInsufficient, res.Outcome)
	assert.Empty(t, res.Anomalies)
}
