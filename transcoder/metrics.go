package transcoder

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors the actor updates inline as it
// dispatches commands. There's no separate reporting goroutine: every
// update happens from within the single-writer dispatch loop, same as
// every other session mutation.
type Metrics struct {
	SessionsActive   prometheus.Gauge
	SessionsCreated  prometheus.Counter
	HardSeeks        prometheus.Counter
	ProfileFallbacks prometheus.Counter
	SessionsReaped   prometheus.Counter
	ChunksServed     prometheus.Counter
}

// NewMetrics registers the state manager's collectors against reg. Pass
// prometheus.NewRegistry() (or prometheus.DefaultRegisterer wrapped
// appropriately) from the caller; the core never reaches for the global
// registry itself.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nightfall",
			Name:      "sessions_active",
			Help:      "Number of live transcoding sessions.",
		}),
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nightfall",
			Name:      "sessions_created_total",
			Help:      "Total sessions created.",
		}),
		HardSeeks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nightfall",
			Name:      "hard_seeks_total",
			Help:      "Total hard seeks performed across all sessions.",
		}),
		ProfileFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nightfall",
			Name:      "profile_fallbacks_total",
			Help:      "Total times the next profile in a chain was attempted after a failure.",
		}),
		SessionsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nightfall",
			Name:      "sessions_reaped_total",
			Help:      "Total sessions reaped by garbage collection due to hard timeout.",
		}),
		ChunksServed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nightfall",
			Name:      "chunks_served_total",
			Help:      "Total media chunks served to callers.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.SessionsActive,
			m.SessionsCreated,
			m.HardSeeks,
			m.ProfileFallbacks,
			m.SessionsReaped,
			m.ChunksServed,
		)
	}

	return m
}
