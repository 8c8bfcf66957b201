package webhook

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Batch outcome label values.
const (
	OutcomeDelivered      = "delivered"
	OutcomeAuthFailed     = "auth_failed"
	OutcomeTransportError = "transport_error"
	OutcomeProtocolError  = "protocol_error"
	OutcomeApplyFailed    = "apply_failed"
)

// Metrics counts webhook batches and record outcomes.
type Metrics struct {
	Batches  *prometheus.CounterVec
	Records  *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labtrack",
			Subsystem: "webhook",
			Name:      "batches_total",
			Help:      "Webhook batch submissions by kind and outcome.",
		}, []string{"kind", "outcome"}),
		Records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labtrack",
			Subsystem: "webhook",
			Name:      "records_total",
			Help:      "Reconciled webhook records by kind and delivery status.",
		}, []string{"kind", "status"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "labtrack",
			Subsystem: "webhook",
			Name:      "batch_duration_seconds",
			Help:      "Time from submission to acknowledgement.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.Batches, m.Records, m.Duration)
	}
	return m
}

func (m *Metrics) observeBatch(kind Kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Batches.WithLabelValues(string(kind), outcome).Inc()
	m.Duration.WithLabelValues(string(kind)).Observe(d.Seconds())
}

func (m *Metrics) observeRecords(kind Kind, rec Reconciliation) {
	if m == nil {
		return
	}
	m.Records.WithLabelValues(string(kind), string(StatusSuccess)).Add(float64(rec.Succeeded))
	m.Records.WithLabelValues(string(kind), string(StatusError)).Add(float64(rec.Errored))
}
