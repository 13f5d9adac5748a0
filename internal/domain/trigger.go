package domain

import (
	"fmt"
	"time"
)

// TriggerKind classifies the utctime field of a job document.
type TriggerKind string

const (
	// TriggerAlways marks a recurring job: the record survives a successful
	// run and executes again on the next listener message.
	TriggerAlways TriggerKind = "always"
	// TriggerNow runs once as soon as inputs are ready.
	TriggerNow TriggerKind = "now"
	// TriggerAt runs once, no earlier than a fixed timestamp.
	TriggerAt TriggerKind = "timestamp"
)

// Trigger is the parsed utctime of a job document.
type Trigger struct {
	Kind TriggerKind
	At   time.Time // set only for TriggerAt
}

// ParseTrigger parses a utctime value: "always", "now", or an RFC 3339 timestamp.
func ParseTrigger(s string) (Trigger, error) {
	switch s {
	case "always":
		return Trigger{Kind: TriggerAlways}, nil
	case "now":
		return Trigger{Kind: TriggerNow}, nil
	}
	at, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return Trigger{}, fmt.Errorf("utctime %q is not always, now or RFC3339: %w", s, err)
	}
	return Trigger{Kind: TriggerAt, At: at.UTC()}, nil
}

// String renders the trigger back into its utctime form.
func (t Trigger) String() string {
	switch t.Kind {
	case TriggerAlways:
		return "always"
	case TriggerNow:
		return "now"
	}
	return t.At.UTC().Format(time.RFC3339)
}
