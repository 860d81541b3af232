// Package metrics holds the prometheus counters and gauges shared across
// server, session, and registry, registered the way
// deviceplugin/server.go registers its gauges/counters against a registry
// created in main.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups every counter/gauge the core publishes. The set returned
// by Nop is safe to use from any component, so tests never need a
// registry.
type Metrics struct {
	SessionsActive     prometheus.Gauge
	SessionsTotal      prometheus.Counter
	ImportsTotal       *prometheus.CounterVec
	URBsSubmittedTotal *prometheus.CounterVec
	URBsCompletedTotal *prometheus.CounterVec
	URBsInFlight       prometheus.Gauge
	UnlinkRacesTotal   *prometheus.CounterVec
	SharedDevices      prometheus.Gauge
}

// New registers a fresh Metrics set against reg. reg may be nil, in which
// case the metrics are created but never exposed (used by tests that only
// want the counters, not a /metrics endpoint).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usbipd_sessions_active",
			Help: "Number of TCP connections currently being served.",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbipd_sessions_total",
			Help: "Total number of TCP connections accepted.",
		}),
		ImportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usbipd_imports_total",
			Help: "Total number of OP_REQ_IMPORT attempts, by outcome.",
		}, []string{"outcome"}),
		URBsSubmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usbipd_urbs_submitted_total",
			Help: "Total number of CMD_SUBMIT requests, by transfer type.",
		}, []string{"type"}),
		URBsCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usbipd_urbs_completed_total",
			Help: "Total number of URB completions, by outcome.",
		}, []string{"outcome"}),
		URBsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usbipd_urbs_in_flight",
			Help: "Number of URBs currently awaiting completion across all attachments.",
		}),
		UnlinkRacesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usbipd_unlink_races_total",
			Help: "Total number of CMD_UNLINK outcomes, by result.",
		}, []string{"outcome"}),
		SharedDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usbipd_shared_devices",
			Help: "Number of bus ids currently marked shared in the registry.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.SessionsActive, m.SessionsTotal, m.ImportsTotal,
			m.URBsSubmittedTotal, m.URBsCompletedTotal, m.URBsInFlight,
			m.UnlinkRacesTotal, m.SharedDevices,
		)
	}
	return m
}

// Nop returns a Metrics set that records observations into real prometheus
// collectors that are simply never registered anywhere, for use by tests
// and by any Session/Engine constructed without a registry.
func Nop() *Metrics {
	return New(nil)
}
