// Package notify delivers the per-job terminal notification side-effect.
// Message formatting and email transport are external collaborators; the
// engine only hands over the outcome.
package notify

import (
	"context"
	"log"
	"time"

	"github.com/stratopipe/stratopipe/internal/domain"
)

// Notification describes one terminal job outcome.
type Notification struct {
	JobID     string
	Stage     string
	Provider  domain.Provider
	Status    domain.Status
	Email     string
	Type      string
	Iteration int
	Duration  time.Duration
	Error     string // last failure description, empty on success
}

// Notifier receives exactly one notification per terminal outcome.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// LogNotifier writes notifications to the process log. It stands in when no
// delivery backend is configured.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) {
	if n.Error != "" {
		log.Printf("notify: job=%s iteration=%d stage=%s provider=%s status=%s duration=%s error=%q to=%s",
			n.JobID, n.Iteration, n.Stage, n.Provider, n.Status, n.Duration, n.Error, n.Email)
		return
	}
	log.Printf("notify: job=%s iteration=%d stage=%s provider=%s status=%s duration=%s to=%s",
		n.JobID, n.Iteration, n.Stage, n.Provider, n.Status, n.Duration, n.Email)
}
