// Package scheduler runs job bodies on a bounded worker pool, guaranteeing
// at most one queued-or-running execution per job id at any time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ErrDuplicateJob is returned when a job id is already queued or running.
// Callers treat it as a warning (duplicate listener message), not a failure.
var ErrDuplicateJob = errors.New("job already queued or running")

// ErrQueueFull is returned when the ready queue cannot accept another job.
var ErrQueueFull = errors.New("scheduler queue is full")

// RunFunc executes one job body attempt. Long-running, blocking work
// belongs here, never on the message-consume loop.
type RunFunc func(ctx context.Context) error

// Result reports one finished execution on the results channel.
type Result struct {
	JobID    string
	Err      error // non-nil when the body failed or panicked
	Panicked bool
	Started  time.Time
	Finished time.Time
}

type entryState int

const (
	statePending entryState = iota
	stateRunning
)

type entry struct {
	fn    RunFunc
	timer *time.Timer // set while waiting for an absolute start time
	state entryState
}

// Config holds scheduler settings.
type Config struct {
	Workers   int
	QueueSize int
}

// Scheduler is the background execution engine. Completed executions are
// delivered on Results; the consumer must drain that channel.
type Scheduler struct {
	config Config
	clock  func() time.Time

	mu      sync.Mutex
	entries map[string]*entry

	ready   chan string
	results chan Result
}

// New creates a scheduler. Workers defaults to 1, QueueSize to 100.
func New(config Config) *Scheduler {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 100
	}
	return &Scheduler{
		config:  config,
		clock:   time.Now,
		entries: make(map[string]*entry),
		ready:   make(chan string, config.QueueSize),
		results: make(chan Result, config.QueueSize),
	}
}

// WithClock overrides the time source. Used by tests.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// Results returns the completion channel.
func (s *Scheduler) Results() <-chan Result {
	return s.results
}

// Run starts the worker pool and blocks until ctx is cancelled and all
// running executions have finished.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("scheduler: started (workers=%d, queue=%d)", s.config.Workers, s.config.QueueSize)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-s.ready:
					s.runOne(ctx, id)
				}
			}
		}()
	}

	wg.Wait()
	log.Println("scheduler: stopped")
}

// Schedule enqueues fn for background execution no earlier than runAt.
// A zero runAt means immediately. A second Schedule for a job id that is
// already queued or running returns ErrDuplicateJob without side effects.
func (s *Scheduler) Schedule(id string, runAt time.Time, fn RunFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[id]; exists {
		return ErrDuplicateJob
	}

	e := &entry{fn: fn, state: statePending}

	delay := runAt.Sub(s.clock())
	if runAt.IsZero() || delay <= 0 {
		select {
		case s.ready <- id:
		default:
			return ErrQueueFull
		}
		s.entries[id] = e
		return nil
	}

	e.timer = time.AfterFunc(delay, func() { s.enqueueDeferred(id) })
	s.entries[id] = e
	log.Printf("scheduler: job=%s deferred until %s", id, runAt.UTC().Format(time.RFC3339))
	return nil
}

// enqueueDeferred moves a timer-delayed entry onto the ready queue.
func (s *Scheduler) enqueueDeferred(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.state != statePending {
		return // cancelled in the meantime
	}
	select {
	case s.ready <- id:
	default:
		// Dropping the entry keeps the duplicate guarantee intact; the
		// job surfaces through the janitor as stuck rather than silently
		// running twice.
		delete(s.entries, id)
		log.Printf("scheduler: job=%s dropped, ready queue full", id)
	}
}

// Cancel removes a not-yet-started entry. It returns false when the job id
// is unknown or the execution has already started; a running execution is
// never interrupted.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.state != statePending {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(s.entries, id)
	return true
}

func (s *Scheduler) runOne(ctx context.Context, id string) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.state != statePending {
		s.mu.Unlock()
		return // cancelled between enqueue and pickup
	}
	e.state = stateRunning
	s.mu.Unlock()

	started := s.clock().UTC()
	err, panicked := runProtected(ctx, e.fn)
	finished := s.clock().UTC()

	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()

	result := Result{
		JobID:    id,
		Err:      err,
		Panicked: panicked,
		Started:  started,
		Finished: finished,
	}
	select {
	case s.results <- result:
	case <-ctx.Done():
		log.Printf("scheduler: job=%s result dropped during shutdown", id)
	}
}

// runProtected invokes fn, converting a panic into an error so a broken job
// body can never take the worker down.
func runProtected(ctx context.Context, fn RunFunc) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job body panic: %v", r)
			panicked = true
		}
	}()
	return fn(ctx), false
}
