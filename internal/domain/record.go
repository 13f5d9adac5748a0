package domain

import (
	"encoding/json"
	"fmt"
)

// ValidationError reports a malformed admission or listener message.
// Messages failing validation are logged and dropped, never fatal.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid message: field %q %s", e.Field, e.Reason)
}

// JobRecord is the in-memory lifecycle state of one in-flight job.
// It is owned by the orchestrator and mutated only from its consume loop
// and the job body while running.
type JobRecord struct {
	ID                string
	Provider          Provider
	LastService       string
	Trigger           Trigger
	RequestingUser    string
	NotificationEmail string
	NotificationType  string

	Status         Status
	Credentials    map[string]json.RawMessage
	IterationCount int
	StatusFields   map[string]any
	JobFile        string
	Errors         []string
}

// NewRecord validates the required admission fields of a job document and
// builds the initial record. A job with no provider key is allowed only by
// stages that declare a fallback body; the caller decides that.
func NewRecord(doc JobDoc) (*JobRecord, error) {
	if doc.ID == "" {
		return nil, &ValidationError{Field: "id", Reason: "is required"}
	}
	if doc.LastService == "" {
		return nil, &ValidationError{Field: "last_service", Reason: "is required"}
	}
	if doc.RequestingUser == "" {
		return nil, &ValidationError{Field: "requesting_user", Reason: "is required"}
	}
	var provider Provider
	if doc.Cloud != "" {
		var err error
		provider, err = ParseProvider(doc.Cloud)
		if err != nil {
			return nil, &ValidationError{Field: "cloud", Reason: err.Error()}
		}
	}
	if doc.UTCTime == "" {
		return nil, &ValidationError{Field: "utctime", Reason: "is required"}
	}
	trigger, err := ParseTrigger(doc.UTCTime)
	if err != nil {
		return nil, &ValidationError{Field: "utctime", Reason: err.Error()}
	}

	return &JobRecord{
		ID:                doc.ID,
		Provider:          provider,
		LastService:       doc.LastService,
		Trigger:           trigger,
		RequestingUser:    doc.RequestingUser,
		NotificationEmail: doc.NotificationEmail,
		NotificationType:  doc.NotificationType,
		Status:            StatusUnknown,
		StatusFields:      make(map[string]any),
		JobFile:           doc.JobFile,
	}, nil
}

// SetCredentials attaches decrypted credentials, write-once. It returns
// false if credentials were already present; the second delivery is ignored.
func (r *JobRecord) SetCredentials(creds map[string]json.RawMessage) bool {
	if r.Credentials != nil {
		return false
	}
	r.Credentials = creds
	return true
}

// AddError appends a human-readable failure description.
func (r *JobRecord) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
}

// LastError returns the most recent failure description, if any.
func (r *JobRecord) LastError() string {
	if len(r.Errors) == 0 {
		return ""
	}
	return r.Errors[len(r.Errors)-1]
}
