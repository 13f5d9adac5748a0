// Package pipeline implements the stage orchestrator: it routes broker
// messages, drives the per-job lifecycle state machine, obtains credentials,
// hands ready jobs to the scheduler and publishes outcomes downstream.
package pipeline

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/stratopipe/stratopipe/internal/credentials"
	"github.com/stratopipe/stratopipe/internal/domain"
	"github.com/stratopipe/stratopipe/internal/jobs"
	"github.com/stratopipe/stratopipe/internal/notify"
	"github.com/stratopipe/stratopipe/internal/scheduler"
)

// Publisher sends outbound messages to the broker.
type Publisher interface {
	PublishListener(ctx context.Context, stage string, body []byte) error
	PublishCredentialsRequest(ctx context.Context, stage string, body []byte) error
}

// CredentialBroker builds requests and decodes responses of the credential
// protocol.
type CredentialBroker interface {
	BuildRequest(jobID string) (string, error)
	DecodeResponse(token string) (string, map[string]json.RawMessage, error)
}

// Runner is the background execution engine.
type Runner interface {
	Schedule(id string, runAt time.Time, fn scheduler.RunFunc) error
	Cancel(id string) bool
}

// Store persists in-flight job documents.
type Store interface {
	Persist(doc *domain.JobDoc) (string, error)
	RestoreAll() ([]domain.JobDoc, error)
	Remove(path string) error
}

// Factory resolves job bodies.
type Factory interface {
	Create(provider domain.Provider, doc domain.JobDoc) (jobs.Body, error)
}

// Breaker gates scheduling per provider. Optional.
type Breaker interface {
	Allow(provider domain.Provider) error
	RecordSuccess(provider domain.Provider)
	RecordFailure(provider domain.Provider)
}

// AnalyticsSink records terminal outcomes as a best-effort side effect.
// Optional.
type AnalyticsSink interface {
	Record(ctx context.Context, stage string, provider domain.Provider, status domain.Status, at time.Time) error
}

// MetricsSink defines the interface for recording pipeline metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	JobAdmitted(provider string)
	JobCompleted(provider, status string, duration time.Duration)
	JobsInFlightIncr()
	JobsInFlightDecr()
	MessageDropped(reason string)
	UpstreamFailureRelayed()
	CredentialRequestSent()
	CredentialResponse(outcome string)
}

// Config holds the stage identity and its declared message contracts.
type Config struct {
	// Stage is this stage's name and exchange.
	Stage string
	// PrevStage names the upstream stage whose result envelope the
	// listener queue carries.
	PrevStage string
	// NextStage is the exchange outbound status messages go to. Empty for
	// the pipeline tail.
	NextStage string

	// ListenerArgs are the fields a success listener message must carry;
	// they are copied onto the job record and nothing else is.
	ListenerArgs []string
	// StatusArgs are the fields a success status message must carry
	// downstream; the job body fills them in.
	StatusArgs []string

	// NoCredentials marks a stage that runs without cloud credentials.
	NoCredentials bool
}

type jobEntry struct {
	record *domain.JobRecord
	doc    domain.JobDoc
	body   jobs.Body

	listenerReady    bool
	credsRequestedAt time.Time
	scheduled        bool
	admittedAt       time.Time
}

// Stage is the orchestrator one stage service embeds. All mutation happens
// on the Run loop goroutine; the mutex guards the registry map and the
// per-entry scheduled flag, the two things the janitor reads from its own
// goroutine.
type Stage struct {
	config    Config
	publisher Publisher
	broker    CredentialBroker
	runner    Runner
	store     Store
	factory   Factory
	notifier  notify.Notifier
	metrics   MetricsSink   // optional, nil = disabled
	analytics AnalyticsSink // optional, nil = disabled
	breaker   Breaker       // optional, nil = disabled
	clock     func() time.Time

	mu       sync.Mutex
	registry map[string]*jobEntry
}

// New creates a stage orchestrator.
func New(config Config, publisher Publisher, broker CredentialBroker, runner Runner, store Store, factory Factory, notifier notify.Notifier) *Stage {
	return &Stage{
		config:    config,
		publisher: publisher,
		broker:    broker,
		runner:    runner,
		store:     store,
		factory:   factory,
		notifier:  notifier,
		clock:     time.Now,
		registry:  make(map[string]*jobEntry),
	}
}

// WithMetrics attaches a metrics sink to the stage.
func (s *Stage) WithMetrics(sink MetricsSink) *Stage {
	s.metrics = sink
	return s
}

// WithAnalytics attaches an analytics sink to the stage.
func (s *Stage) WithAnalytics(sink AnalyticsSink) *Stage {
	s.analytics = sink
	return s
}

// WithBreaker attaches a provider circuit breaker to the stage.
func (s *Stage) WithBreaker(b Breaker) *Stage {
	s.breaker = b
	return s
}

// WithClock overrides the time source. Used by tests.
func (s *Stage) WithClock(clock func() time.Time) *Stage {
	s.clock = clock
	return s
}

// Restore feeds every persisted job document back through the admission
// path, so cold-started jobs follow the same lifecycle as fresh ones.
func (s *Stage) Restore(ctx context.Context) error {
	docs, err := s.store.RestoreAll()
	if err != nil {
		return err
	}
	for _, doc := range docs {
		s.admit(ctx, doc, true)
	}
	log.Printf("pipeline: stage=%s restored %d persisted jobs", s.config.Stage, len(docs))
	return nil
}

// Run processes broker deliveries and scheduler results until ctx is
// cancelled. One message handler runs at a time; each delivery is
// acknowledged only after its handler returns.
func (s *Stage) Run(ctx context.Context, deliveries <-chan domain.Delivery, results <-chan scheduler.Result) {
	log.Printf("pipeline: stage=%s started (prev=%s, next=%s)", s.config.Stage, s.config.PrevStage, s.config.NextStage)
	for {
		select {
		case <-ctx.Done():
			log.Printf("pipeline: stage=%s stopped", s.config.Stage)
			return
		case d, ok := <-deliveries:
			if !ok {
				deliveries = nil
				continue
			}
			s.handleDelivery(ctx, d)
		case r := <-results:
			s.handleResult(ctx, r)
		}
	}
}

func (s *Stage) handleDelivery(ctx context.Context, d domain.Delivery) {
	switch d.Queue {
	case domain.QueueService:
		s.handleServiceMessage(ctx, d.Body)
	case domain.QueueListener:
		s.handleListenerMessage(ctx, d.Body)
	case domain.QueueCredentials:
		s.handleCredentialsMessage(ctx, d.Body)
	default:
		log.Printf("pipeline: stage=%s delivery from unknown queue %q dropped", s.config.Stage, d.Queue)
	}
	if d.Ack != nil {
		if err := d.Ack(); err != nil {
			log.Printf("pipeline: stage=%s ack failed: %v", s.config.Stage, err)
		}
	}
}

// Delete unregisters a job, cancels any pending execution and removes the
// persisted document. It reports false when the id is not registered; that
// is a no-op, not an error.
func (s *Stage) Delete(ctx context.Context, id string) bool {
	s.mu.Lock()
	entry, ok := s.registry[id]
	s.mu.Unlock()
	if !ok {
		log.Printf("pipeline: stage=%s job=%s not found, nothing to delete", s.config.Stage, id)
		return false
	}

	if entry.scheduled {
		s.runner.Cancel(id)
	}
	s.unregister(entry)
	log.Printf("pipeline: stage=%s job=%s deleted", s.config.Stage, id)
	return true
}

// StaleJobs returns the ids of jobs that have been waiting for inputs
// longer than maxAge without being handed to the scheduler.
func (s *Stage) StaleJobs(maxAge time.Duration) []string {
	cutoff := s.clock().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, entry := range s.registry {
		if !entry.scheduled && entry.admittedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

// InFlight returns the number of registered jobs.
func (s *Stage) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.registry)
}

// setScheduled flips the entry's scheduled flag under the registry lock so
// StaleJobs can observe it from the janitor goroutine.
func (s *Stage) setScheduled(entry *jobEntry, scheduled bool) {
	s.mu.Lock()
	entry.scheduled = scheduled
	s.mu.Unlock()
}

func (s *Stage) lookup(id string) (*jobEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.registry[id]
	return entry, ok
}

func (s *Stage) register(entry *jobEntry) {
	s.mu.Lock()
	s.registry[entry.record.ID] = entry
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.JobsInFlightIncr()
	}
}

// unregister removes the job from the registry and deletes its persisted
// document. After this the job is gone from the stage.
func (s *Stage) unregister(entry *jobEntry) {
	s.mu.Lock()
	delete(s.registry, entry.record.ID)
	s.mu.Unlock()

	if err := s.store.Remove(entry.record.JobFile); err != nil {
		log.Printf("pipeline: stage=%s job=%s %v", s.config.Stage, entry.record.ID, err)
	}
	if s.metrics != nil {
		s.metrics.JobsInFlightDecr()
	}
}

func (s *Stage) dropMessage(reason, detail string) {
	log.Printf("pipeline: stage=%s message dropped (%s): %s", s.config.Stage, reason, detail)
	if s.metrics != nil {
		s.metrics.MessageDropped(reason)
	}
}

// requestTTL mirrors the credential request expiry: a request older than
// this is treated as no longer outstanding and may be reissued when a new
// listener message arrives.
const requestTTL = credentials.RequestTTL
