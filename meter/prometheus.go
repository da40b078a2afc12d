package meter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ineyio/chatgate"
)

// PrometheusMeter exports admission and completion events as Prometheus
// metrics. Labels are bounded: buckets and plans, never owner ids.
type PrometheusMeter struct {
	admissions      *prometheus.CounterVec
	lookupFailures  *prometheus.CounterVec
	completions     *prometheus.CounterVec
	billedTokens    *prometheus.CounterVec
	disconnects     prometheus.Counter
	streamDuration  *prometheus.HistogramVec
	streamFragments prometheus.Histogram
}

var _ chatgate.Meter = (*PrometheusMeter)(nil)

// NewPrometheusMeter registers its collectors with reg.
func NewPrometheusMeter(reg prometheus.Registerer) *PrometheusMeter {
	f := promauto.With(reg)
	return &PrometheusMeter{
		admissions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatgate_admissions_total",
				Help: "Admission decisions by bucket, plan and result",
			},
			[]string{"bucket", "plan", "result"},
		),
		lookupFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatgate_admission_lookup_failures_total",
				Help: "Admission decisions made by the failure policy",
			},
			[]string{"bucket", "result"},
		),
		completions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatgate_completions_total",
				Help: "Terminated streams by bucket and outcome",
			},
			[]string{"bucket", "outcome"},
		),
		billedTokens: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatgate_billed_tokens_total",
				Help: "Estimated tokens added to the usage ledger",
			},
			[]string{"bucket"},
		),
		disconnects: f.NewCounter(
			prometheus.CounterOpts{
				Name: "chatgate_client_disconnects_total",
				Help: "Streams whose client went away before the terminal frame",
			},
		),
		streamDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatgate_stream_duration_seconds",
				Help:    "Time from init frame to terminal frame",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
			},
			[]string{"outcome"},
		),
		streamFragments: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chatgate_stream_fragments",
				Help:    "Answer fragments relayed per stream",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
	}
}

func (m *PrometheusMeter) OnAdmission(e chatgate.AdmissionEvent) {
	result := resultLabel(e.Allowed)
	m.admissions.WithLabelValues(string(e.Bucket), string(e.Plan), result).Inc()
	if e.LookupErr != nil {
		m.lookupFailures.WithLabelValues(string(e.Bucket), result).Inc()
	}
}

func (m *PrometheusMeter) OnCompletion(e chatgate.CompletionEvent) {
	outcome := "success"
	if !e.Success {
		outcome = "error"
	}
	m.completions.WithLabelValues(string(e.Bucket), outcome).Inc()
	m.streamDuration.WithLabelValues(outcome).Observe(e.Duration.Seconds())
	m.streamFragments.Observe(float64(e.Fragments))
	if e.BilledTokens > 0 {
		m.billedTokens.WithLabelValues(string(e.Bucket)).Add(float64(e.BilledTokens))
	}
	if e.Disconnected {
		m.disconnects.Inc()
	}
}

func resultLabel(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}
