package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func newRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	return reg
}

// sampleValue returns the counter or gauge value for the family with matching labels.
func sampleValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metricLoop:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metricLoop
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				return g.GetValue()
			}
		}
	}
	return 0
}

func TestRegisterTwiceIsTolerated(t *testing.T) {
	reg := newRegistry(t)
	if err := Register(reg); err != nil {
		t.Fatalf("second register should be ignored, got %v", err)
	}
}

func TestObserveCycleLabels(t *testing.T) {
	reg := newRegistry(t)
	name := namespace + "_cycles_total"

	before := sampleValue(t, reg, name, map[string]string{"outcome": OutcomeCompleted})
	ObserveCycle(50*time.Millisecond, "anything-else", 120)
	if got := sampleValue(t, reg, name, map[string]string{"outcome": OutcomeCompleted}); got != before+1 {
		t.Fatalf("expected completed counter to advance, got %v", got)
	}
	if got := sampleValue(t, reg, namespace+"_window_records", nil); got != 120 {
		t.Fatalf("expected window gauge 120, got %v", got)
	}

	beforeErr := sampleValue(t, reg, name, map[string]string{"outcome": OutcomeError})
	ObserveCycle(-time.Second, OutcomeError, 0)
	if got := sampleValue(t, reg, name, map[string]string{"outcome": OutcomeError}); got != beforeErr+1 {
		t.Fatalf("expected error counter to advance")
	}
}

func TestObserveAlertOutcome(t *testing.T) {
	reg := newRegistry(t)
	name := namespace + "_alerts_total"
	okLabels := map[string]string{"channel": "webhook", "outcome": DeliveryOK}
	failLabels := map[string]string{"channel": "webhook", "outcome": DeliveryFailed}

	okBefore := sampleValue(t, reg, name, okLabels)
	failBefore := sampleValue(t, reg, name, failLabels)

	ObserveAlert("webhook", nil)
	ObserveAlert("webhook", errors.New("connection refused"))

	if sampleValue(t, reg, name, okLabels) != okBefore+1 {
		t.Fatalf("expected ok counter to advance")
	}
	if sampleValue(t, reg, name, failLabels) != failBefore+1 {
		t.Fatalf("expected failed counter to advance")
	}
}

func TestIncIngestedIgnoresEmptyBatches(t *testing.T) {
	reg := newRegistry(t)
	name := namespace + "_records_ingested_total"
	labels := map[string]string{"source": "http"}

	before := sampleValue(t, reg, name, labels)
	IncIngested("http", 0)
	IncIngested("http", 3)
	if got := sampleValue(t, reg, name, labels); got != before+3 {
		t.Fatalf("expected +3, got %v", got-before)
	}
}
