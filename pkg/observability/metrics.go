package observability

import (
	"net/http"
	"time"

	"github.com/aretw0/medflow/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "medflow"

// Recorder holds the collectors. The zero value is not usable; call NewRecorder.
type Recorder struct {
	transitions      *prometheus.CounterVec
	rejections       *prometheus.CounterVec
	conflicts        *prometheus.CounterVec
	dispatchFailures prometheus.Counter
	inference        *prometheus.HistogramVec
	jobs             *prometheus.HistogramVec
}

// NewRecorder creates the collectors and registers them on reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Accepted lifecycle events by resulting status.",
			},
			[]string{"event", "status"},
		),
		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejections_total",
				Help:      "Rejected lifecycle events by reason.",
			},
			[]string{"event", "reason"},
		),
		conflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conflicts_total",
				Help:      "Conditional updates that lost a race.",
			},
			[]string{"event"},
		),
		dispatchFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_failures_total",
				Help:      "Submitted sessions that could not be queued.",
			},
		),
		inference: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "inference_duration_seconds",
				Help:      "Duration of provider calls.",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"provider", "outcome"},
		),
		jobs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Duration of worker jobs.",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
			},
			[]string{"outcome"},
		),
	}
	reg.MustRegister(r.transitions, r.rejections, r.conflicts, r.dispatchFailures, r.inference, r.jobs)
	return r
}

// TransitionApplied counts an accepted event.
func (r *Recorder) TransitionApplied(event domain.Event, to domain.Status) {
	r.transitions.WithLabelValues(string(event), string(to)).Inc()
}

// TransitionRejected counts a rejected event.
func (r *Recorder) TransitionRejected(event domain.Event, reason domain.Reason) {
	r.rejections.WithLabelValues(string(event), string(reason)).Inc()
}

// ConflictRetried counts a lost conditional update.
func (r *Recorder) ConflictRetried(event domain.Event) {
	r.conflicts.WithLabelValues(string(event)).Inc()
}

// DispatchFailed counts a failed dispatch.
func (r *Recorder) DispatchFailed() {
	r.dispatchFailures.Inc()
}

// ObserveInference records one provider call.
func (r *Recorder) ObserveInference(provider, outcome string, elapsed time.Duration) {
	r.inference.WithLabelValues(provider, outcome).Observe(elapsed.Seconds())
}

// ObserveJob records one worker job.
func (r *Recorder) ObserveJob(outcome string, elapsed time.Duration) {
	r.jobs.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
