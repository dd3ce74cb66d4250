package window

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-logwatch/internal/models"
)

var base = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

func rec(id string, offset time.Duration) models.LogRecord {
	return models.LogRecord{RequestID: id, Timestamp: base.Add(offset), Endpoint: "/api/users"}
}

func ids(records []models.LogRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.RequestID
	}
	return out
}

func TestBufferKeepsTimestampOrder(t *testing.T) {
	b := NewBuffer(10, time.Hour)
	b.Append(rec("a", 0))
	b.Append(rec("c", 2*time.Second))
	b.Append(rec("b", time.Second))
	b.Append(rec("b2", time.Second))
	b.Append(rec("z", -time.Second))

	snap := b.Snapshot(time.Time{})
	require.Equal(t, []string{"z", "a", "b", "b2", "c"}, ids(snap))
	for i := 1; i < len(snap); i++ {
		require.False(t, snap[i].Timestamp.Before(snap[i-1].Timestamp))
	}
}

func TestBufferCapacityEvictsOldest(t *testing.T) {
	b := NewBuffer(3, 0)
	for i := 0; i < 5; i++ {
		b.Append(rec(fmt.Sprint(i), time.Duration(i)*time.Second))
	}
	require.Equal(t, 3, b.Len())
	require.Equal(t, []string{"2", "3", "4"}, ids(b.Snapshot(time.Time{})))
	require.Equal(t, uint64(2), b.Evicted())
}

func TestBufferMaxAgeEvictsRelativeToNewest(t *testing.T) {
	b := NewBuffer(100, time.Minute)
	b.Append(rec("old", 0))
	b.Append(rec("mid", 30*time.Second))
	b.Append(rec("new", 90*time.Second))

	require.Equal(t, []string{"mid", "new"}, ids(b.Snapshot(time.Time{})))
}

func TestSnapshotIsACopyAndDoesNotMutate(t *testing.T) {
	b := NewBuffer(10, time.Minute)
	b.Append(rec("a", 0))
	b.Append(rec("b", 50*time.Second))

	snap := b.Snapshot(base.Add(100 * time.Second))
	require.Equal(t, []string{"b"}, ids(snap))
	require.Equal(t, 2, b.Len(), "snapshot must not evict")

	snap[0].RequestID = "mutated"
	require.Equal(t, []string{"a", "b"}, ids(b.Snapshot(time.Time{})))
}

func TestBufferConcurrentAppend(t *testing.T) {
	b := NewBuffer(500, time.Hour)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Append(rec(fmt.Sprintf("%d-%d", w, i), time.Duration(i*8+w)*time.Millisecond))
				_ = b.Snapshot(time.Time{})
			}
		}(w)
	}
	wg.Wait()

	snap := b.Snapshot(time.Time{})
	require.Len(t, snap, 500)
	for i := 1; i < len(snap); i++ {
		require.False(t, snap[i].Timestamp.Before(snap[i-1].Timestamp))
	}
}

func TestBufferFutureDatedRecordDoesNotEvictWindow(t *testing.T) {
	now := base.Add(100 * time.Second)
	b := NewBuffer(1000, 5*time.Minute, WithClock(func() time.Time { return now }))
	for i := 0; i < 100; i++ {
		b.Append(rec(fmt.Sprintf("r%03d", i), time.Duration(i)*time.Second))
	}

	future := rec("skewed", 0)
	future.Timestamp = time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
	b.Append(future)

	require.Equal(t, 101, b.Len())
	require.Zero(t, b.Evicted())
	snap := b.Snapshot(time.Time{})
	require.Equal(t, "skewed", snap[len(snap)-1].RequestID)

	// age eviction still runs relative to the newest plausible record
	now = base.Add(10 * time.Minute)
	b.Append(rec("late", 10*time.Minute))
	require.Equal(t, []string{"late", "skewed"}, ids(b.Snapshot(time.Time{})))
	require.Equal(t, uint64(100), b.Evicted())
}

func TestBufferOnlyFutureRecordsUseClock(t *testing.T) {
	b := NewBuffer(10, time.Minute, WithClock(func() time.Time { return base }))
	b.Append(rec("far", 24*time.Hour))
	b.Append(rec("farther", 48*time.Hour))
	require.Equal(t, 2, b.Len())
}
