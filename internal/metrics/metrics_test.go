package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordersUpdateCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.RecordRun("confidence_reached")
	m.RecordRun("confidence_reached")
	m.RecordPhase()
	m.RecordDispatch("reviewer", "ok", 150*time.Millisecond)
	m.RecordUsage(120, 30, 0.002)
	m.RecordGovernance("deny")
	m.RecordFlowStep("code_review", true)

	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues("confidence_reached")); got != 2 {
		t.Fatalf("expected 2 runs, got %v", got)
	}
	if got := testutil.ToFloat64(m.TokensTotal.WithLabelValues("completion")); got != 30 {
		t.Fatalf("expected 30 completion tokens, got %v", got)
	}
	if got := testutil.ToFloat64(m.FlowStepsTotal.WithLabelValues("code_review", "true")); got != 1 {
		t.Fatalf("expected one advanced flow step, got %v", got)
	}
	if count := testutil.CollectAndCount(m.DispatchDuration); count != 1 {
		t.Fatalf("expected one histogram series, got %d", count)
	}
}

func TestSeparateRegistriesDoNotCollide(t *testing.T) {
	New(prometheus.NewRegistry())
	New(prometheus.NewRegistry())
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordRun("cancelled")
	m.RecordPhase()
	m.RecordDispatch("architect", "error", time.Second)
	m.RecordUsage(1, 1, 1)
	m.RecordGovernance("allow")
	m.RecordFlowStep("x", false)
}
