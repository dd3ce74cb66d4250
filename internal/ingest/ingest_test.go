package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-logwatch/internal/models"
	"github.com/miradorstack/mirador-logwatch/internal/repo"
)

var received = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestDecodeArray(t *testing.T) {
	body := `[{"endpoint":"/api/users","status_code":200,"response_time_ms":12.5}, 42, null, {"endpoint":"/api/orders"}]`
	batch, err := Decode(strings.NewReader(body), received)
	require.NoError(t, err)
	require.Len(t, batch.Records, 2)
	assert.Equal(t, 2, batch.Rejected)
	assert.Equal(t, "/api/users", batch.Records[0].Endpoint)
	assert.True(t, batch.Records[1].Malformed.Has(models.FieldStatusCode))
}

func TestDecodeNDJSON(t *testing.T) {
	body := "{\"endpoint\":\"/a\",\"status_code\":200}\n\n{\"endpoint\":\"/b\",\"status_code\":503}\n"
	batch, err := Decode(strings.NewReader(body), received)
	require.NoError(t, err)
	require.Len(t, batch.Records, 2)
	assert.Equal(t, 503, batch.Records[1].StatusCode)
}

func TestDecodeSingleObject(t *testing.T) {
	batch, err := Decode(strings.NewReader(`  {"endpoint":"/only"}`), received)
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	assert.Equal(t, received, batch.Records[0].Timestamp)
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode(strings.NewReader("   \n"), received)
	assert.ErrorIs(t, err, ErrEmptyBody)

	_, err = Decode(strings.NewReader(`{"endpoint": `), received)
	assert.Error(t, err)
}

type fakeSource struct {
	calls   []time.Time
	entries [][]repo.LokiEntry
	err     error
}

func (f *fakeSource) QueryRange(_ context.Context, _ string, start, _ time.Time, _ int) ([]repo.LokiEntry, error) {
	f.calls = append(f.calls, start)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.entries) == 0 {
		return nil, nil
	}
	out := f.entries[0]
	f.entries = f.entries[1:]
	return out, nil
}

type recordingSink struct {
	mu      sync.Mutex
	sources []string
	records []models.LogRecord
}

func (s *recordingSink) IngestBatch(source string, records []models.LogRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = append(s.sources, source)
	s.records = append(s.records, records...)
}

func TestPollerAdvancesCursorAndDropsOverlap(t *testing.T) {
	t0 := received.Add(-time.Minute)
	first := []repo.LokiEntry{
		{Timestamp: t0, Line: `{"endpoint":"/a","status_code":200,"response_time_ms":10}`},
		{Timestamp: t0.Add(time.Second), Line: `not json`},
		{Timestamp: t0.Add(2 * time.Second), Line: `{"endpoint":"/b","status_code":200,"response_time_ms":11}`},
	}
	second := []repo.LokiEntry{
		first[2],
		{Timestamp: t0.Add(3 * time.Second), Line: `{"endpoint":"/c","status_code":500,"response_time_ms":900}`},
	}
	source := &fakeSource{entries: [][]repo.LokiEntry{first, second}}
	sink := &recordingSink{}

	poller, err := NewPoller(source, sink, PollerConfig{Query: `{container="app"}`, Lookback: 5 * time.Minute}, nil)
	require.NoError(t, err)
	poller.now = func() time.Time { return received }

	res, err := poller.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PollResult{Fetched: 3, Ingested: 2, Skipped: 1}, res)
	assert.Equal(t, received.Add(-5*time.Minute), source.calls[0])

	res, err = poller.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PollResult{Fetched: 2, Ingested: 1, Duplicates: 1}, res)
	assert.Equal(t, t0.Add(2*time.Second), source.calls[1])

	require.Len(t, sink.records, 3)
	assert.Equal(t, []string{SourceLoki, SourceLoki}, sink.sources)
	assert.Equal(t, "/c", sink.records[2].Endpoint)
}

func TestPollerPropagatesSourceErrors(t *testing.T) {
	source := &fakeSource{err: errors.New("loki down")}
	sink := &recordingSink{}
	poller, err := NewPoller(source, sink, PollerConfig{}, nil)
	require.NoError(t, err)

	_, err = poller.Poll(context.Background())
	assert.Error(t, err)
	assert.Empty(t, sink.records)
}
