package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Pipeline metrics
	JobAdmitted(provider string)
	JobCompleted(provider, status string, duration time.Duration)
	JobsInFlightIncr()
	JobsInFlightDecr()
	MessageDropped(reason string)
	UpstreamFailureRelayed()

	// Credential broker metrics
	CredentialRequestSent()
	CredentialResponse(outcome string)

	// Janitor metrics
	StaleJobsUpdate(count int)
}

// Drop reason constants for MessageDropped.
const (
	DropReasonBadEnvelope         = "bad_envelope"
	DropReasonValidation          = "validation"
	DropReasonUnknownJob          = "unknown_job"
	DropReasonMissingArgs         = "missing_args"
	DropReasonUnsupportedProvider = "unsupported_provider"
	DropReasonInvalidConfig       = "invalid_config"
	DropReasonDuplicate           = "duplicate"
	DropReasonPersist             = "persist_error"
)

// Outcome constants for CredentialResponse.
const (
	CredentialOutcomeAttached    = "attached"
	CredentialOutcomeDecodeError = "decode_error"
	CredentialOutcomeUnknownJob  = "unknown_job"
	CredentialOutcomeDuplicate   = "duplicate"
)
