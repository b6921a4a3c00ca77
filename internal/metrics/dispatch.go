// README: Prometheus instruments for the request lifecycle, assignment arbitration and offer sweeping.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "roadside"

// Dispatch records lifecycle activity. A nil *Dispatch is a valid no-op.
type Dispatch struct {
	submitted     *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	assignments   *prometheus.CounterVec
	offers        *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	sweepRuns     *prometheus.CounterVec
	sweepDuration prometheus.Histogram
}

// NewDispatch registers the lifecycle metrics on the provided registerer.
func NewDispatch(reg prometheus.Registerer) *Dispatch {
	if reg == nil {
		return &Dispatch{}
	}
	d := &Dispatch{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_submitted_total",
			Help:      "Service requests accepted at intake.",
		}, []string{"category", "urgency"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_transitions_total",
			Help:      "Committed lifecycle transitions.",
		}, []string{"from", "to"}),
		assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignment_attempts_total",
			Help:      "Accept attempts by outcome.",
		}, []string{"result"}),
		offers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offers_total",
			Help:      "Offer state changes.",
		}, []string{"state"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_rejections_total",
			Help:      "Requests closed as rejected, by reason.",
		}, []string{"reason"}),
		sweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offer_sweep_runs_total",
			Help:      "Offer sweep executions by result.",
		}, []string{"result"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "offer_sweep_duration_seconds",
			Help:      "Duration of offer sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(d.submitted, d.transitions, d.assignments, d.offers, d.rejections, d.sweepRuns, d.sweepDuration)
	return d
}

func (d *Dispatch) IncSubmitted(category, urgency string) {
	if d == nil || d.submitted == nil {
		return
	}
	d.submitted.WithLabelValues(normalizeLabel(category), normalizeLabel(urgency)).Inc()
}

func (d *Dispatch) IncTransition(from, to string) {
	if d == nil || d.transitions == nil {
		return
	}
	d.transitions.WithLabelValues(normalizeLabel(from), normalizeLabel(to)).Inc()
}

// IncAssignment counts an accept attempt; result is granted, lost, conflict or refused.
func (d *Dispatch) IncAssignment(result string) {
	if d == nil || d.assignments == nil {
		return
	}
	d.assignments.WithLabelValues(normalizeLabel(result)).Inc()
}

func (d *Dispatch) AddOffers(state string, n int) {
	if d == nil || d.offers == nil || n <= 0 {
		return
	}
	d.offers.WithLabelValues(normalizeLabel(state)).Add(float64(n))
}

func (d *Dispatch) IncRejection(reason string) {
	if d == nil || d.rejections == nil {
		return
	}
	d.rejections.WithLabelValues(normalizeLabel(reason)).Inc()
}

func (d *Dispatch) ObserveSweep(duration time.Duration, err error) {
	if d == nil || d.sweepRuns == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	d.sweepRuns.WithLabelValues(result).Inc()
	d.sweepDuration.Observe(duration.Seconds())
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
