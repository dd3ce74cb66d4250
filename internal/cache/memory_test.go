package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/miradorstack/mirador-logwatch/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryProviderSetNXRespectsTTL(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewMemoryProvider(clock.Now)
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "k", []byte("1"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first SetNX to win, got %v %v", ok, err)
	}
	if ok, _ := c.SetNX(ctx, "k", []byte("2"), time.Minute); ok {
		t.Fatalf("expected second SetNX to lose while key is live")
	}

	clock.Advance(time.Minute)
	if ok, _ := c.SetNX(ctx, "k", []byte("3"), time.Minute); !ok {
		t.Fatalf("expected SetNX to win after expiry")
	}
	v, err := c.Get(ctx, "k")
	if err != nil || string(v) != "3" {
		t.Fatalf("unexpected value %q err %v", v, err)
	}
}

func TestMemoryProviderGetMissAndSweep(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewMemoryProvider(clock.Now)
	ctx := context.Background()

	if _, err := c.Get(ctx, "absent"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected cache miss, got %v", err)
	}
	_ = c.Set(ctx, "short", []byte("x"), time.Second)
	_ = c.Set(ctx, "forever", []byte("y"), 0)
	clock.Advance(2 * time.Second)

	if removed := c.Sweep(); removed != 1 {
		t.Fatalf("expected one expired entry, got %d", removed)
	}
	if _, err := c.Get(ctx, "forever"); err != nil {
		t.Fatalf("expected non-expiring key to survive: %v", err)
	}
	_ = c.Del(ctx, "forever")
	if _, err := c.Get(ctx, "forever"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after delete")
	}
}

func TestMemoryProviderCopiesValues(t *testing.T) {
	c := NewMemoryProvider(nil)
	ctx := context.Background()
	buf := []byte("abc")
	_ = c.Set(ctx, "k", buf, 0)
	buf[0] = 'z'
	got, _ := c.Get(ctx, "k")
	if string(got) != "abc" {
		t.Fatalf("stored value must not alias caller buffer, got %q", got)
	}
}

func TestBatchSinkRoundTrip(t *testing.T) {
	ctx := context.Background()
	sink := NewBatchSink(NewMemoryProvider(nil), time.Minute)

	if _, err := sink.Load(ctx); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss before publish, got %v", err)
	}

	batch := models.CycleResult{
		CycleID: "cycle-1",
		Outcome: models.OutcomeCompleted,
		Anomalies: []models.AnomalyRecord{{
			RequestID: "req-1",
			Severity:  models.SeverityAnomalous,
			Reasons:   []models.Reason{models.ReasonUnexpectedStatus},
		}},
	}
	if err := sink.Publish(ctx, batch); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got, err := sink.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.CycleID != "cycle-1" || len(got.Anomalies) != 1 || got.Anomalies[0].Reasons[0] != models.ReasonUnexpectedStatus {
		t.Fatalf("unexpected batch %+v", got)
	}
}

func TestNoopProviderNeverSuppresses(t *testing.T) {
	var c Provider = NoopProvider{}
	for i := 0; i < 3; i++ {
		if ok, _ := c.SetNX(context.Background(), "k", nil, time.Hour); !ok {
			t.Fatalf("noop SetNX must always succeed")
		}
	}
}

func TestCooldownClaimsArePerChannel(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewMemoryProvider(clock.Now)
	ctx := context.Background()

	logKey := CooldownKey("log", "/api/x", "slow_response")
	if logKey != "logwatch:cooldown:log|/api/x|slow_response" {
		t.Fatalf("unexpected key layout %q", logKey)
	}
	if ok, _ := c.SetNX(ctx, logKey, []byte("a1"), time.Minute); !ok {
		t.Fatalf("first claim on log must win")
	}
	if ok, _ := c.SetNX(ctx, CooldownKey("webhook", "/api/x", "slow_response"), []byte("a1"), time.Minute); !ok {
		t.Fatalf("claim on another channel must not be blocked by log")
	}
	if ok, _ := c.SetNX(ctx, logKey, []byte("a2"), time.Minute); ok {
		t.Fatalf("repeat claim on log must lose inside the cooldown")
	}
	clock.Advance(time.Minute + time.Second)
	if ok, _ := c.SetNX(ctx, logKey, []byte("a3"), time.Minute); !ok {
		t.Fatalf("claim must win again after the cooldown")
	}
}
