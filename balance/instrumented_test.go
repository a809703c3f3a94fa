package balance

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gogpu/framesched/metrics"
)

func TestInstrument_CountsAssignments(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	lb := Instrument(NewSimple(), m)
	setupChannel(lb, 4, 100)
	checkCoverage(t, runFrame(lb, 4), 100)

	if got := testutil.ToFloat64(m.Assignments.WithLabelValues("simple")); got != 4 {
		t.Errorf("assignments = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.AssignmentItems.WithLabelValues("simple")); got != 100 {
		t.Errorf("items = %v, want 100", got)
	}
}

func TestInstrument_NilMetrics(t *testing.T) {
	base := NewCyclic()
	if got := Instrument(base, nil); got != LoadBalancer(base) {
		t.Error("Instrument with nil metrics should return the balancer unchanged")
	}
}

func TestInstrument_NoDoubleWrap(t *testing.T) {
	m := metrics.Nop()
	once := Instrument(NewWQ(3), m)
	twice := Instrument(once, m)
	if once != twice {
		t.Error("Instrument should not wrap an instrumented balancer again")
	}
	if NameOf(twice) != "workqueue" {
		t.Errorf("NameOf = %q, want workqueue", NameOf(twice))
	}
}
