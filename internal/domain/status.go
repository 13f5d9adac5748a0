package domain

// Status is the lifecycle status of a job as reported between stages.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusException Status = "exception"
)

// Terminal reports whether the status is a final outcome.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusException:
		return true
	}
	return false
}
