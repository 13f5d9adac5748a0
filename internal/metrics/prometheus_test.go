package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	return sink, reg
}

func getCounterVecValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if matchLabels(m.GetLabel(), labels) {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func getGaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetGauge() != nil {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}

func TestPrometheusSink_JobCounters(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.JobAdmitted("ec2")
	sink.JobAdmitted("ec2")
	sink.JobAdmitted("gce")
	sink.JobCompleted("ec2", "success", 90*time.Second)
	sink.JobCompleted("ec2", "exception", 5*time.Second)

	if got := getCounterVecValue(t, reg, "stratopipe_jobs_admitted_total", map[string]string{"provider": "ec2"}); got != 2 {
		t.Errorf("admitted ec2 = %v, want 2", got)
	}
	if got := getCounterVecValue(t, reg, "stratopipe_jobs_admitted_total", map[string]string{"provider": "gce"}); got != 1 {
		t.Errorf("admitted gce = %v, want 1", got)
	}
	if got := getCounterVecValue(t, reg, "stratopipe_jobs_completed_total", map[string]string{"provider": "ec2", "status": "exception"}); got != 1 {
		t.Errorf("completed exception = %v, want 1", got)
	}
}

func TestPrometheusSink_InFlightGauge(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.JobsInFlightIncr()
	sink.JobsInFlightIncr()
	sink.JobsInFlightDecr()

	if got := getGaugeValue(t, reg, "stratopipe_jobs_in_flight"); got != 1 {
		t.Errorf("in flight = %v, want 1", got)
	}
}

func TestPrometheusSink_DroppedAndCredentials(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.MessageDropped(DropReasonValidation)
	sink.MessageDropped(DropReasonValidation)
	sink.MessageDropped(DropReasonUnknownJob)
	sink.CredentialResponse(CredentialOutcomeAttached)
	sink.CredentialResponse(CredentialOutcomeDecodeError)

	if got := getCounterVecValue(t, reg, "stratopipe_messages_dropped_total", map[string]string{"reason": "validation"}); got != 2 {
		t.Errorf("dropped validation = %v, want 2", got)
	}
	if got := getCounterVecValue(t, reg, "stratopipe_credential_responses_total", map[string]string{"outcome": "decode_error"}); got != 1 {
		t.Errorf("credential decode_error = %v, want 1", got)
	}
}

func TestPrometheusSink_StaleJobsGauge(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.StaleJobsUpdate(3)
	if got := getGaugeValue(t, reg, "stratopipe_stale_jobs"); got != 3 {
		t.Errorf("stale jobs = %v, want 3", got)
	}
	sink.StaleJobsUpdate(0)
	if got := getGaugeValue(t, reg, "stratopipe_stale_jobs"); got != 0 {
		t.Errorf("stale jobs = %v, want 0", got)
	}
}

func TestPrometheusSink_DuplicateRegistrationIsNotFatal(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPrometheusSink(reg)
	// Second sink on the same registry must not panic; failures are logged.
	NewPrometheusSink(reg)
}
