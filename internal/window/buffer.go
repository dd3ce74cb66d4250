package window

import (
	"sort"
	"sync"
	"time"

	"github.com/miradorstack/mirador-logwatch/internal/models"
)

// Buffer is the bounded, time-ordered window of recent log records.
// Records are kept in non-decreasing timestamp order. Appends may come from any
// goroutine; the detection cycle reads through Snapshot.
type Buffer struct {
	mu       sync.Mutex
	records  []models.LogRecord
	capacity int
	maxAge   time.Duration
	evicted  uint64
	now      func() time.Time
}

// Option customises a Buffer.
type Option func(*Buffer)

// WithClock sets the ingest clock used to recognise future-dated records.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBuffer creates a window bounded by capacity records and maxAge relative to
// its newest plausible record. A non-positive maxAge disables age eviction.
func NewBuffer(capacity int, maxAge time.Duration, opts ...Option) *Buffer {
	if capacity <= 0 {
		capacity = 1000
	}
	b := &Buffer{
		records:  make([]models.LogRecord, 0, capacity),
		capacity: capacity,
		maxAge:   maxAge,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Append inserts rec at its sorted position, then evicts from the oldest end
// until both bounds hold. Equal timestamps keep arrival order.
func (b *Buffer) Append(rec models.LogRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.records)
	if n == 0 || !rec.Timestamp.Before(b.records[n-1].Timestamp) {
		b.records = append(b.records, rec)
	} else {
		idx := sort.Search(n, func(i int) bool {
			return b.records[i].Timestamp.After(rec.Timestamp)
		})
		b.records = append(b.records, models.LogRecord{})
		copy(b.records[idx+1:], b.records[idx:])
		b.records[idx] = rec
	}
	b.evictLocked()
}

func (b *Buffer) evictLocked() {
	drop := 0
	if over := len(b.records) - b.capacity; over > 0 {
		drop = over
	}
	if b.maxAge > 0 && len(b.records) > 0 {
		cutoff := b.ageReference().Add(-b.maxAge)
		for drop < len(b.records) && b.records[drop].Timestamp.Before(cutoff) {
			drop++
		}
	}
	if drop == 0 {
		return
	}
	remaining := copy(b.records, b.records[drop:])
	for i := remaining; i < len(b.records); i++ {
		b.records[i] = models.LogRecord{}
	}
	b.records = b.records[:remaining]
	b.evicted += uint64(drop)
}

// ageReference is the newest timestamp not beyond the ingest clock plus
// models.MaxClockSkew. A record dated in the future therefore cannot age out
// the rest of the window. With no plausible record the clock itself is used.
func (b *Buffer) ageReference() time.Time {
	limit := b.now().Add(models.MaxClockSkew)
	n := len(b.records)
	if !b.records[n-1].Timestamp.After(limit) {
		return b.records[n-1].Timestamp
	}
	idx := sort.Search(n, func(i int) bool {
		return b.records[i].Timestamp.After(limit)
	})
	if idx == 0 {
		return b.now()
	}
	return b.records[idx-1].Timestamp
}

// Snapshot returns a copy of the records no older than maxAge before now.
// The buffer itself is left untouched.
func (b *Buffer) Snapshot(now time.Time) []models.LogRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := 0
	if b.maxAge > 0 && !now.IsZero() {
		cutoff := now.Add(-b.maxAge)
		start = sort.Search(len(b.records), func(i int) bool {
			return !b.records[i].Timestamp.Before(cutoff)
		})
	}
	out := make([]models.LogRecord, len(b.records)-start)
	copy(out, b.records[start:])
	return out
}

// Len returns the number of buffered records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Evicted returns how many records have been dropped by the bounds so far.
func (b *Buffer) Evicted() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}
