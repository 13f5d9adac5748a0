// Package janitor watches for jobs stuck waiting for inputs.
//
// A job is stale when it was admitted longer than MaxAge ago and has never
// been handed to the scheduler, usually because an upstream stage died or a
// listener message was lost. The janitor only reports; operators decide
// whether to delete or re-submit.
package janitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Scanner exposes the orchestrator's stale-job scan.
type Scanner interface {
	StaleJobs(maxAge time.Duration) []string
	InFlight() int
}

// MetricsSink receives the stale-job gauge. Optional.
type MetricsSink interface {
	StaleJobsUpdate(count int)
}

// Config holds janitor configuration.
type Config struct {
	// Schedule is a cron expression in the standard five-field form, or a
	// descriptor like "@every 5m". Default: "@every 5m".
	Schedule string

	// MaxAge is how long a job may wait for inputs before it counts as
	// stale. Default: 1 hour.
	MaxAge time.Duration
}

// DefaultConfig returns the default janitor configuration.
func DefaultConfig() Config {
	return Config{
		Schedule: "@every 5m",
		MaxAge:   time.Hour,
	}
}

// Janitor periodically scans the stage registry for stale jobs.
type Janitor struct {
	config   Config
	schedule cron.Schedule
	scanner  Scanner
	metrics  MetricsSink
	clock    func() time.Time
}

// New creates a janitor. The schedule expression is validated here so a bad
// configuration fails at startup, not on the first cycle.
func New(config Config, scanner Scanner) (*Janitor, error) {
	if config.Schedule == "" {
		config.Schedule = DefaultConfig().Schedule
	}
	if config.MaxAge <= 0 {
		config.MaxAge = DefaultConfig().MaxAge
	}
	schedule, err := cron.ParseStandard(config.Schedule)
	if err != nil {
		return nil, fmt.Errorf("janitor schedule %q: %w", config.Schedule, err)
	}
	return &Janitor{
		config:   config,
		schedule: schedule,
		scanner:  scanner,
		clock:    time.Now,
	}, nil
}

// WithMetrics attaches a metrics sink to the janitor.
func (j *Janitor) WithMetrics(sink MetricsSink) *Janitor {
	j.metrics = sink
	return j
}

// WithClock overrides the time source. Used by tests.
func (j *Janitor) WithClock(clock func() time.Time) *Janitor {
	j.clock = clock
	return j
}

// Run executes scan cycles on the configured schedule until ctx is
// cancelled.
func (j *Janitor) Run(ctx context.Context) {
	log.Printf("janitor: started (schedule=%q, max_age=%s)", j.config.Schedule, j.config.MaxAge)

	for {
		next := j.schedule.Next(j.clock())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Println("janitor: stopped")
			return
		case <-timer.C:
			j.RunCycle()
		}
	}
}

// RunCycle executes one scan.
func (j *Janitor) RunCycle() {
	stale := j.scanner.StaleJobs(j.config.MaxAge)
	if j.metrics != nil {
		j.metrics.StaleJobsUpdate(len(stale))
	}
	if len(stale) == 0 {
		// Nothing to report. Silent success.
		return
	}

	log.Printf("janitor: %d of %d jobs waited longer than %s for inputs",
		len(stale), j.scanner.InFlight(), j.config.MaxAge)
	for _, id := range stale {
		log.Printf("janitor: job=%s is stale", id)
	}
}
