// Package metrics exposes the limiter's prometheus collectors. Everything is
// optional: a nil *Recorder is a valid no-op, so embedders that do not scrape
// pay nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fleetlimit"

type Recorder struct {
	admissions  *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	delegations *prometheus.CounterVec
	tokensUsed  *prometheus.CounterVec
	inFlight    *prometheus.GaugeVec
	selectWait  *prometheus.HistogramVec
}

// NewRecorder builds and registers the collectors. reg may be
// prometheus.DefaultRegisterer or a private registry in tests.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Jobs admitted, by model and job type.",
		}, []string{"model", "job_type"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Jobs that failed terminally, by reason.",
		}, []string{"job_type", "reason"}),
		delegations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delegations_total",
			Help:      "Cooperative fallbacks to another model.",
		}, []string{"model", "job_type"}),
		tokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Actual tokens consumed, by model.",
		}, []string{"model"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_jobs",
			Help:      "Jobs currently holding an admission, by model.",
		}, []string{"model"}),
		selectWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "selection_wait_seconds",
			Help:      "Time spent waiting for a model with capacity.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"job_type"}),
	}
	reg.MustRegister(r.admissions, r.rejections, r.delegations, r.tokensUsed, r.inFlight, r.selectWait)
	return r
}

func (r *Recorder) Admission(model, jobType string) {
	if r == nil {
		return
	}
	r.admissions.WithLabelValues(model, jobType).Inc()
	r.inFlight.WithLabelValues(model).Inc()
}

func (r *Recorder) Settled(model string) {
	if r == nil {
		return
	}
	r.inFlight.WithLabelValues(model).Dec()
}

func (r *Recorder) Rejection(jobType, reason string) {
	if r == nil {
		return
	}
	r.rejections.WithLabelValues(jobType, reason).Inc()
}

func (r *Recorder) Delegation(model, jobType string) {
	if r == nil {
		return
	}
	r.delegations.WithLabelValues(model, jobType).Inc()
}

func (r *Recorder) TokensUsed(model string, tokens int64) {
	if r == nil || tokens <= 0 {
		return
	}
	r.tokensUsed.WithLabelValues(model).Add(float64(tokens))
}

func (r *Recorder) SelectionWait(jobType string, d time.Duration) {
	if r == nil {
		return
	}
	r.selectWait.WithLabelValues(jobType).Observe(d.Seconds())
}
