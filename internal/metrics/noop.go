package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) JobAdmitted(provider string)                                {}
func (n *NoopSink) JobCompleted(provider, status string, d time.Duration)      {}
func (n *NoopSink) JobsInFlightIncr()                                          {}
func (n *NoopSink) JobsInFlightDecr()                                          {}
func (n *NoopSink) MessageDropped(reason string)                               {}
func (n *NoopSink) UpstreamFailureRelayed()                                    {}
func (n *NoopSink) CredentialRequestSent()                                     {}
func (n *NoopSink) CredentialResponse(outcome string)                          {}
func (n *NoopSink) StaleJobsUpdate(count int)                                  {}
