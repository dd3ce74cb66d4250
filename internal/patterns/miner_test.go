package patterns

import (
	"context"
	"testing"
	"time"

	"github.com/miradorstack/mirador-logwatch/internal/models"
)

type fakeHotspotStore struct {
	stored int
}

func (f *fakeHotspotStore) StoreHotspots(ctx context.Context, hotspots []models.Hotspot) error {
	f.stored += len(hotspots)
	return nil
}

func TestMinerMinesHotspots(t *testing.T) {
	store := &fakeHotspotStore{}
	miner := NewMiner(nil, store)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	entries := []models.AlertEntry{
		{AnomalyID: "a1", Endpoint: "/api/orders", Reasons: "slow_response,rare_pattern", Channel: "log", NotifiedAt: now},
		{AnomalyID: "a1", Endpoint: "/api/orders", Reasons: "slow_response,rare_pattern", Channel: "webhook", NotifiedAt: now},
		{AnomalyID: "a2", Endpoint: "/api/orders", Reasons: "slow_response", Channel: "log", NotifiedAt: now.Add(time.Minute)},
		{AnomalyID: "a3", Endpoint: "/api/users", Reasons: "unexpected_status", Channel: "log", NotifiedAt: now},
	}

	hotspots, err := miner.Mine(context.Background(), entries, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hotspots) != 3 {
		t.Fatalf("expected 3 hotspots, got %d", len(hotspots))
	}
	top := hotspots[0]
	if top.Endpoint != "/api/orders" || top.Reason != models.ReasonSlowResponse {
		t.Fatalf("unexpected top hotspot: %+v", top)
	}
	if top.Count != 2 {
		t.Fatalf("expected duplicate channel entries to count once, got %d", top.Count)
	}
	if top.Prevalence < 0.66 || top.Prevalence > 0.67 {
		t.Fatalf("unexpected prevalence %v", top.Prevalence)
	}
	if !top.LastSeen.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected last seen %v", top.LastSeen)
	}
	if store.stored != 3 {
		t.Fatalf("expected hotspots to be stored, got %d", store.stored)
	}
}

func TestMinerLimit(t *testing.T) {
	miner := NewMiner(nil, nil)
	entries := []models.AlertEntry{
		{AnomalyID: "a1", Endpoint: "/a", Reasons: "rare_pattern"},
		{AnomalyID: "a2", Endpoint: "/b", Reasons: "rare_pattern"},
		{AnomalyID: "a3", Endpoint: "", Reasons: "fast_response"},
	}
	hotspots, err := miner.Mine(context.Background(), entries, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hotspots) != 2 {
		t.Fatalf("expected limit to apply, got %d", len(hotspots))
	}
}

func TestMinerEmpty(t *testing.T) {
	hotspots, err := NewMiner(nil, nil).Mine(context.Background(), nil, 5)
	if err != nil || hotspots != nil {
		t.Fatalf("expected nil result, got %v %v", hotspots, err)
	}
}
