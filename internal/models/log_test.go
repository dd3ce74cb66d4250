package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var receivedAt = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestDecodeLogRecordWellFormed(t *testing.T) {
	rec, err := DecodeLogRecord([]byte(`{"timestamp":"2024-05-01T11:59:00","endpoint":"/api/users","method":"get","status_code":200,"response_time_ms":"31.5","user_agent":"Mozilla/5.0","ip_address":"10.0.0.1","request_id":"r1","user_count":3}`), receivedAt)
	require.NoError(t, err)
	assert.Zero(t, rec.Malformed)
	assert.Equal(t, receivedAt.Add(-time.Minute), rec.Timestamp)
	assert.Equal(t, "GET", rec.Method)
	assert.InDelta(t, 31.5, rec.ResponseTimeMs, 1e-9)
	n, ok := rec.PayloadNumber("user_count")
	assert.True(t, ok)
	assert.Equal(t, 3.0, n)
}

func TestDecodeLogRecordFutureTimestampFallsBackToReceived(t *testing.T) {
	rec, err := DecodeLogRecord([]byte(`{"timestamp":"2099-01-01T00:00:00Z","endpoint":"/a","status_code":200,"response_time_ms":20}`), receivedAt)
	require.NoError(t, err)
	assert.True(t, rec.Malformed.Has(FieldTimestamp))
	assert.Equal(t, receivedAt, rec.Timestamp)

	// small skew is tolerated
	rec, err = DecodeLogRecord([]byte(`{"timestamp":"2024-05-01T12:02:00Z","endpoint":"/a","status_code":200,"response_time_ms":20}`), receivedAt)
	require.NoError(t, err)
	assert.False(t, rec.Malformed.Has(FieldTimestamp))
	assert.Equal(t, receivedAt.Add(2*time.Minute), rec.Timestamp)
}

func TestDecodeLogRecordTagsImplausibleNumbers(t *testing.T) {
	cases := map[string]string{
		"huge status":        `{"status_code":1e300,"response_time_ms":20}`,
		"negative status":    `{"status_code":-500,"response_time_ms":20}`,
		"status below 100":   `{"status_code":42,"response_time_ms":20}`,
		"fractional status":  `{"status_code":200.5,"response_time_ms":20}`,
		"huge response time": `{"status_code":200,"response_time_ms":1e308}`,
		"negative latency":   `{"status_code":200,"response_time_ms":-1}`,
	}
	for name, body := range cases {
		rec, err := DecodeLogRecord([]byte(body), receivedAt)
		require.NoError(t, err, name)
		statusBad := rec.Malformed.Has(FieldStatusCode)
		latencyBad := rec.Malformed.Has(FieldResponseTime)
		assert.True(t, statusBad || latencyBad, name)
		if statusBad {
			assert.Zero(t, rec.StatusCode, name)
		}
		if latencyBad {
			assert.Zero(t, rec.ResponseTimeMs, name)
		}
	}

	rec, err := DecodeLogRecord([]byte(`{"status_code":999,"response_time_ms":86400000}`), receivedAt)
	require.NoError(t, err)
	assert.False(t, rec.Malformed.Has(FieldStatusCode))
	assert.False(t, rec.Malformed.Has(FieldResponseTime))
}
