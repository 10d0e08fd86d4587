package ratelimit

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Decisions *prometheus.CounterVec
	Recorded  *prometheus.CounterVec
	Evicted   *prometheus.CounterVec
	Usage     *prometheus.GaugeVec
	Entries   *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weightgate_limiter_decisions_total",
			Help: "Admission decisions by bucket and outcome",
		}, []string{"bucket", "outcome"}),
		Recorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weightgate_limiter_recorded_weight_total",
			Help: "Total weight recorded into the ledger",
		}, []string{"bucket"}),
		Evicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weightgate_limiter_evicted_total",
			Help: "Ledger entries evicted after leaving the window",
		}, []string{"bucket"}),
		Usage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "weightgate_limiter_usage",
			Help: "Weight counted in the current window",
		}, []string{"bucket"}),
		Entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "weightgate_limiter_entries",
			Help: "Ledger entries currently held",
		}, []string{"bucket"}),
	}
	reg.MustRegister(m.Decisions, m.Recorded, m.Evicted, m.Usage, m.Entries)
	return m
}

func (m *Metrics) decision(bucket string, d Decision) {
	if m == nil {
		return
	}
	outcome := "admitted"
	switch {
	case d.Oversized:
		outcome = "oversized"
	case !d.Allowed:
		outcome = "rejected"
	}
	m.Decisions.WithLabelValues(bucket, outcome).Inc()
}

func (m *Metrics) recorded(bucket string, weight int64) {
	if m == nil {
		return
	}
	m.Recorded.WithLabelValues(bucket).Add(float64(weight))
}

func (m *Metrics) ledger(bucket string, l *ledger, evicted int) {
	if m == nil {
		return
	}
	if evicted > 0 {
		m.Evicted.WithLabelValues(bucket).Add(float64(evicted))
	}
	m.Usage.WithLabelValues(bucket).Set(float64(l.total))
	m.Entries.WithLabelValues(bucket).Set(float64(l.len()))
}
