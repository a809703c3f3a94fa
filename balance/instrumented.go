package balance

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gogpu/framesched/metrics"
)

// Instrumented wraps a LoadBalancer and counts the assignments and work
// items it hands out.
type Instrumented struct {
	LoadBalancer

	name        string
	assignments prometheus.Counter
	items       prometheus.Counter
}

// Instrument wraps lb so that every successful NextAssignment is recorded in m.
// A nil m returns lb unchanged.
func Instrument(lb LoadBalancer, m *metrics.Metrics) LoadBalancer {
	if m == nil {
		return lb
	}
	if _, ok := lb.(*Instrumented); ok {
		return lb
	}
	name := NameOf(lb)
	return &Instrumented{
		LoadBalancer: lb,
		name:         name,
		assignments:  m.Assignments.WithLabelValues(name),
		items:        m.AssignmentItems.WithLabelValues(name),
	}
}

// Name returns the wrapped strategy name.
func (i *Instrumented) Name() string { return i.name }

// Unwrap returns the wrapped load balancer.
func (i *Instrumented) Unwrap() LoadBalancer { return i.LoadBalancer }

// NextAssignment implements LoadBalancer.
func (i *Instrumented) NextAssignment(ctx RenderContext) (Assignment, bool) {
	a, ok := i.LoadBalancer.NextAssignment(ctx)
	if ok {
		i.assignments.Inc()
		i.items.Add(float64(a.Len()))
	}
	return a, ok
}
