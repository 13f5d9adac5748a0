package metrics

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using the Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Pipeline metrics
	jobsAdmittedTotal  *prometheus.CounterVec
	jobsCompletedTotal *prometheus.CounterVec
	jobDuration        prometheus.Histogram
	jobsInFlight       prometheus.Gauge
	messagesDropped    *prometheus.CounterVec
	upstreamRelayed    prometheus.Counter

	// Credential broker metrics
	credentialRequestsTotal  prometheus.Counter
	credentialResponsesTotal *prometheus.CounterVec

	// Janitor metrics
	staleJobs prometheus.Gauge
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initPipelineMetrics(reg)
	s.initCredentialMetrics(reg)
	s.initJanitorMetrics(reg)
	return s
}

func (s *PrometheusSink) initPipelineMetrics(reg prometheus.Registerer) {
	s.jobsAdmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stratopipe_jobs_admitted_total",
		Help: "Total number of jobs admitted to this stage.",
	}, []string{"provider"})

	s.jobsCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stratopipe_jobs_completed_total",
		Help: "Total number of terminal job outcomes.",
	}, []string{"provider", "status"})

	s.jobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "stratopipe_job_duration_seconds",
		Help:    "Job body execution duration in seconds.",
		Buckets: []float64{1, 10, 30, 60, 300, 900, 1800, 3600, 7200},
	})

	s.jobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stratopipe_jobs_in_flight",
		Help: "Number of jobs currently registered with this stage.",
	})

	s.messagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stratopipe_messages_dropped_total",
		Help: "Total number of broker messages dropped without action.",
	}, []string{"reason"})

	s.upstreamRelayed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stratopipe_upstream_failures_relayed_total",
		Help: "Total number of upstream failure statuses relayed downstream.",
	})

	s.register(reg, s.jobsAdmittedTotal, "stratopipe_jobs_admitted_total")
	s.register(reg, s.jobsCompletedTotal, "stratopipe_jobs_completed_total")
	s.register(reg, s.jobDuration, "stratopipe_job_duration_seconds")
	s.register(reg, s.jobsInFlight, "stratopipe_jobs_in_flight")
	s.register(reg, s.messagesDropped, "stratopipe_messages_dropped_total")
	s.register(reg, s.upstreamRelayed, "stratopipe_upstream_failures_relayed_total")
}

func (s *PrometheusSink) initCredentialMetrics(reg prometheus.Registerer) {
	s.credentialRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stratopipe_credential_requests_total",
		Help: "Total number of credential requests published.",
	})

	s.credentialResponsesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stratopipe_credential_responses_total",
		Help: "Total number of credential responses by outcome.",
	}, []string{"outcome"})

	s.register(reg, s.credentialRequestsTotal, "stratopipe_credential_requests_total")
	s.register(reg, s.credentialResponsesTotal, "stratopipe_credential_responses_total")
}

func (s *PrometheusSink) initJanitorMetrics(reg prometheus.Registerer) {
	s.staleJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stratopipe_stale_jobs",
		Help: "Number of jobs stuck awaiting inputs beyond the janitor threshold.",
	})

	s.register(reg, s.staleJobs, "stratopipe_stale_jobs")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Pipeline metrics implementation

func (s *PrometheusSink) JobAdmitted(provider string) {
	s.jobsAdmittedTotal.WithLabelValues(provider).Inc()
}

func (s *PrometheusSink) JobCompleted(provider, status string, duration time.Duration) {
	s.jobsCompletedTotal.WithLabelValues(provider, status).Inc()
	s.jobDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) JobsInFlightIncr() {
	s.jobsInFlight.Inc()
}

func (s *PrometheusSink) JobsInFlightDecr() {
	s.jobsInFlight.Dec()
}

func (s *PrometheusSink) MessageDropped(reason string) {
	s.messagesDropped.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) UpstreamFailureRelayed() {
	s.upstreamRelayed.Inc()
}

// Credential broker metrics implementation

func (s *PrometheusSink) CredentialRequestSent() {
	s.credentialRequestsTotal.Inc()
}

func (s *PrometheusSink) CredentialResponse(outcome string) {
	s.credentialResponsesTotal.WithLabelValues(outcome).Inc()
}

// Janitor metrics implementation

func (s *PrometheusSink) StaleJobsUpdate(count int) {
	s.staleJobs.Set(float64(count))
}
