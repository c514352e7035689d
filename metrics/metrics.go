// Package metrics exposes the engine's Prometheus instrumentation. It
// follows a tolerant collector-registration pattern seen in a prometheus
// package's tests (prometheus_collect_test.go), whose own source did not
// survive retrieval; the collectors here are authored directly against
// the documented client_golang API using the naming convention implied
// by those tests (_total counters, _active gauges).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set bundles the counters and gauges one Engine registers once, at
// Init, against a caller-supplied prometheus.Registerer.
type Set struct {
	Admitted *prometheus.CounterVec
	Rejected *prometheus.CounterVec
	Active   *prometheus.GaugeVec
	BytesIn  *prometheus.CounterVec
	BytesOut *prometheus.CounterVec
}

// NewSet builds and registers a Set. Passing a nil Registerer is
// supported and yields a Set that silently discards registration
// (useful for tests and for callers that do not want Prometheus
// instrumentation at all).
func NewSet(reg prometheus.Registerer) *Set {
	s := &Set{
		Admitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tcpsession_sessions_admitted_total",
			Help: "Total number of sessions admitted by a listener.",
		}, []string{"listener"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tcpsession_sessions_rejected_total",
			Help: "Total number of sessions rejected (quota or ACL).",
		}, []string{"listener", "reason"}),
		Active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tcpsession_sessions_active",
			Help: "Number of sessions currently open on a listener.",
		}, []string{"listener"}),
		BytesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tcpsession_bytes_in_total",
			Help: "Total bytes read from peers.",
		}, []string{"listener"}),
		BytesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tcpsession_bytes_out_total",
			Help: "Total bytes written to peers.",
		}, []string{"listener"}),
	}

	if reg == nil {
		return s
	}

	s.Admitted = registerCounterVec(reg, s.Admitted)
	s.Rejected = registerCounterVec(reg, s.Rejected)
	s.BytesIn = registerCounterVec(reg, s.BytesIn)
	s.BytesOut = registerCounterVec(reg, s.BytesOut)
	s.Active = registerGaugeVec(reg, s.Active)

	return s
}

// registerCounterVec registers c, falling back to the already-registered
// collector (reusing its exact instance) when two Sets share one
// Registerer — a second Engine.Init against the same registry must not
// panic, and must not silently drop metric updates onto a shadow,
// unregistered vector.
func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func registerGaugeVec(reg prometheus.Registerer, g *prometheus.GaugeVec) *prometheus.GaugeVec {
	if err := reg.Register(g); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing
			}
		}
		panic(err)
	}
	return g
}
