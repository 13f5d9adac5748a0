package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/stratopipe/stratopipe/internal/domain"
	"github.com/stratopipe/stratopipe/internal/jobs"
	"github.com/stratopipe/stratopipe/internal/notify"
	"github.com/stratopipe/stratopipe/internal/scheduler"
)

// Drop reasons and credential outcomes, kept as bounded label values.
const (
	dropReasonBadEnvelope         = "bad_envelope"
	dropReasonValidation          = "validation"
	dropReasonUnknownJob          = "unknown_job"
	dropReasonMissingArgs         = "missing_args"
	dropReasonUnsupportedProvider = "unsupported_provider"
	dropReasonInvalidConfig       = "invalid_config"
	dropReasonDuplicate           = "duplicate"
	dropReasonPersist             = "persist_error"

	credOutcomeAttached    = "attached"
	credOutcomeDecodeError = "decode_error"
	credOutcomeUnknownJob  = "unknown_job"
	credOutcomeDuplicate   = "duplicate"
)

func (s *Stage) handleServiceMessage(ctx context.Context, body []byte) {
	msg, err := domain.DecodeServiceMessage(s.config.Stage, body)
	if err != nil {
		s.dropMessage(dropReasonBadEnvelope, err.Error())
		return
	}
	if msg.DeleteID != "" {
		s.Delete(ctx, msg.DeleteID)
		return
	}
	s.admit(ctx, *msg.Job, false)
}

// admit registers one job document. The same path serves fresh admissions
// and documents restored from disk after a restart.
func (s *Stage) admit(ctx context.Context, doc domain.JobDoc, restored bool) {
	rec, err := domain.NewRecord(doc)
	if err != nil {
		s.dropMessage(dropReasonValidation, err.Error())
		return
	}

	if _, exists := s.lookup(rec.ID); exists {
		s.dropMessage(dropReasonDuplicate, fmt.Sprintf("job %s is already registered", rec.ID))
		return
	}

	body, err := s.factory.Create(rec.Provider, doc)
	if err != nil {
		var unsupported *jobs.UnsupportedProviderError
		if errors.As(err, &unsupported) {
			s.dropMessage(dropReasonUnsupportedProvider, err.Error())
		} else {
			s.dropMessage(dropReasonInvalidConfig, err.Error())
		}
		return
	}

	if !restored {
		path, err := s.store.Persist(&doc)
		if err != nil {
			s.dropMessage(dropReasonPersist, err.Error())
			return
		}
		rec.JobFile = path
	}

	entry := &jobEntry{record: rec, doc: doc, body: body, admittedAt: s.clock()}
	s.register(entry)
	if s.metrics != nil {
		s.metrics.JobAdmitted(string(rec.Provider))
	}
	log.Printf("pipeline: stage=%s job=%s admitted (provider=%s, last_service=%s, utctime=%s, restored=%t)",
		s.config.Stage, rec.ID, rec.Provider, rec.LastService, rec.Trigger, restored)
}

func (s *Stage) handleListenerMessage(ctx context.Context, body []byte) {
	msg, err := domain.DecodeResultMessage(s.config.PrevStage, body)
	if err != nil {
		s.dropMessage(dropReasonValidation, err.Error())
		return
	}

	entry, ok := s.lookup(msg.ID)
	if !ok {
		s.dropMessage(dropReasonUnknownJob, fmt.Sprintf("listener message for unregistered job %s", msg.ID))
		return
	}

	if msg.Status != domain.StatusSuccess {
		s.cleanupUpstreamFailure(ctx, entry, msg.Status)
		return
	}

	if entry.scheduled {
		s.dropMessage(dropReasonDuplicate, fmt.Sprintf("job %s already queued or running, listener message ignored", msg.ID))
		return
	}

	var missing []string
	for _, arg := range s.config.ListenerArgs {
		if _, ok := msg.Fields[arg]; !ok {
			missing = append(missing, arg)
		}
	}
	if len(missing) > 0 {
		s.dropMessage(dropReasonMissingArgs, fmt.Sprintf("job %s listener message lacks %v", msg.ID, missing))
		return
	}

	// Only the declared listener arguments make it onto the record.
	for _, arg := range s.config.ListenerArgs {
		entry.record.StatusFields[arg] = msg.Fields[arg]
	}
	entry.listenerReady = true

	if s.credentialsReady(entry) {
		s.trySchedule(ctx, entry)
		return
	}
	s.maybeRequestCredentials(ctx, entry)
}

func (s *Stage) credentialsReady(entry *jobEntry) bool {
	return s.config.NoCredentials || entry.record.Credentials != nil
}

// maybeRequestCredentials publishes a credential request unless one is
// still outstanding. An expired request no longer counts as outstanding, so
// a later listener message can retry after a lost or undecodable response.
func (s *Stage) maybeRequestCredentials(ctx context.Context, entry *jobEntry) {
	rec := entry.record
	if !entry.credsRequestedAt.IsZero() && s.clock().Sub(entry.credsRequestedAt) < requestTTL {
		log.Printf("pipeline: stage=%s job=%s credential request still outstanding", s.config.Stage, rec.ID)
		return
	}

	token, err := s.broker.BuildRequest(rec.ID)
	if err != nil {
		log.Printf("pipeline: stage=%s job=%s could not build credential request: %v", s.config.Stage, rec.ID, err)
		return
	}
	body, err := json.Marshal(domain.CredentialEnvelope{JWTToken: token})
	if err != nil {
		log.Printf("pipeline: stage=%s job=%s could not encode credential request: %v", s.config.Stage, rec.ID, err)
		return
	}
	if err := s.publisher.PublishCredentialsRequest(ctx, s.config.Stage, body); err != nil {
		log.Printf("pipeline: stage=%s job=%s credential request publish failed: %v", s.config.Stage, rec.ID, err)
		return
	}

	entry.credsRequestedAt = s.clock()
	if s.metrics != nil {
		s.metrics.CredentialRequestSent()
	}
	log.Printf("pipeline: stage=%s job=%s credential request published", s.config.Stage, rec.ID)
}

func (s *Stage) handleCredentialsMessage(ctx context.Context, body []byte) {
	var envelope domain.CredentialEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.JWTToken == "" {
		s.dropMessage(dropReasonBadEnvelope, "credential response without jwt_token")
		return
	}

	jobID, creds, err := s.broker.DecodeResponse(envelope.JWTToken)
	if err != nil {
		log.Printf("pipeline: stage=%s %v", s.config.Stage, err)
		if s.metrics != nil {
			s.metrics.CredentialResponse(credOutcomeDecodeError)
		}
		return
	}

	entry, ok := s.lookup(jobID)
	if !ok {
		// The job may have been cleaned up after an upstream failure.
		log.Printf("pipeline: stage=%s credential response for unregistered job %s dropped", s.config.Stage, jobID)
		if s.metrics != nil {
			s.metrics.CredentialResponse(credOutcomeUnknownJob)
		}
		return
	}

	if !entry.record.SetCredentials(creds) {
		log.Printf("pipeline: stage=%s job=%s credentials already attached, response ignored", s.config.Stage, jobID)
		if s.metrics != nil {
			s.metrics.CredentialResponse(credOutcomeDuplicate)
		}
		return
	}
	if s.metrics != nil {
		s.metrics.CredentialResponse(credOutcomeAttached)
	}
	log.Printf("pipeline: stage=%s job=%s credentials attached (%d accounts)", s.config.Stage, jobID, len(creds))

	if entry.listenerReady {
		s.trySchedule(ctx, entry)
	}
}

// trySchedule hands the job to the scheduler. The scheduler's per-id
// guarantee turns a duplicate listener message into a logged no-op.
func (s *Stage) trySchedule(ctx context.Context, entry *jobEntry) {
	rec := entry.record

	if s.breaker != nil {
		if err := s.breaker.Allow(rec.Provider); err != nil {
			rec.Status = domain.StatusFailed
			rec.AddError(fmt.Sprintf("provider %s: %v", rec.Provider, err))
			log.Printf("pipeline: stage=%s job=%s failed fast: %v", s.config.Stage, rec.ID, err)
			s.finalize(ctx, entry, 0)
			return
		}
	}

	var runAt time.Time
	if rec.Trigger.Kind == domain.TriggerAt {
		runAt = rec.Trigger.At
	}

	body := entry.body
	err := s.runner.Schedule(rec.ID, runAt, func(runCtx context.Context) error {
		rec.IterationCount++
		rec.Status = domain.StatusRunning
		log.Printf("pipeline: stage=%s job=%s iteration=%d running", s.config.Stage, rec.ID, rec.IterationCount)
		return body.Run(runCtx, rec)
	})
	switch {
	case errors.Is(err, scheduler.ErrDuplicateJob):
		log.Printf("pipeline: stage=%s job=%s already queued or running, duplicate schedule ignored", s.config.Stage, rec.ID)
	case err != nil:
		log.Printf("pipeline: stage=%s job=%s schedule failed: %v", s.config.Stage, rec.ID, err)
	default:
		s.setScheduled(entry, true)
		log.Printf("pipeline: stage=%s job=%s scheduled", s.config.Stage, rec.ID)
	}
}

// handleResult is the scheduler completion callback, serialized back onto
// the consume loop.
func (s *Stage) handleResult(ctx context.Context, r scheduler.Result) {
	entry, ok := s.lookup(r.JobID)
	if !ok {
		log.Printf("pipeline: stage=%s result for unregistered job %s dropped", s.config.Stage, r.JobID)
		return
	}
	s.setScheduled(entry, false)
	rec := entry.record

	switch {
	case r.Err != nil:
		rec.Status = domain.StatusException
		rec.AddError(r.Err.Error())
		log.Printf("pipeline: stage=%s job=%s iteration=%d execution raised: %v", s.config.Stage, rec.ID, rec.IterationCount, r.Err)
	case rec.Status == domain.StatusFailed:
		log.Printf("pipeline: stage=%s job=%s iteration=%d failed: %s", s.config.Stage, rec.ID, rec.IterationCount, rec.LastError())
	default:
		rec.Status = domain.StatusSuccess
	}

	if s.breaker != nil {
		switch rec.Status {
		case domain.StatusException:
			s.breaker.RecordFailure(rec.Provider)
		case domain.StatusSuccess:
			s.breaker.RecordSuccess(rec.Provider)
		}
	}

	s.finalize(ctx, entry, r.Finished.Sub(r.Started))
}

// finalize publishes the terminal outcome, notifies once, and removes the
// record unless it is a successfully finished recurring job.
func (s *Stage) finalize(ctx context.Context, entry *jobEntry, duration time.Duration) {
	rec := entry.record

	if rec.Status == domain.StatusSuccess && rec.LastService != s.config.Stage {
		if missing := s.missingStatusArgs(rec); len(missing) > 0 {
			rec.Status = domain.StatusFailed
			rec.AddError(fmt.Sprintf("job body did not set required result fields %v", missing))
		}
	}

	s.publishStatus(ctx, rec)
	s.notifyOutcome(ctx, rec, duration)
	s.recordOutcome(ctx, rec, duration)

	if rec.Trigger.Kind == domain.TriggerAlways && rec.Status == domain.StatusSuccess {
		// Recurring job: stay registered and wait for the next listener
		// message. Credentials are kept, one broker round trip per record.
		entry.listenerReady = false
		log.Printf("pipeline: stage=%s job=%s retained for next trigger", s.config.Stage, rec.ID)
		return
	}

	s.unregister(entry)
	log.Printf("pipeline: stage=%s job=%s removed (status=%s)", s.config.Stage, rec.ID, rec.Status)
}

// cleanupUpstreamFailure handles a listener message whose status is not
// success: mark, cancel pending work, relay downstream once unless this
// stage is the job's last service, and remove the record.
func (s *Stage) cleanupUpstreamFailure(ctx context.Context, entry *jobEntry, status domain.Status) {
	rec := entry.record

	if entry.scheduled && !s.runner.Cancel(rec.ID) {
		// Execution already started; the completion path will report the
		// local outcome instead.
		log.Printf("pipeline: stage=%s job=%s upstream failure arrived after execution started", s.config.Stage, rec.ID)
		return
	}
	s.setScheduled(entry, false)

	if !status.Terminal() {
		log.Printf("pipeline: stage=%s job=%s upstream reported non-terminal status %q, cleaning up anyway", s.config.Stage, rec.ID, status)
	}

	rec.Status = status
	rec.AddError(fmt.Sprintf("upstream stage %s reported %s", s.config.PrevStage, status))
	log.Printf("pipeline: stage=%s job=%s cleaned up on upstream failure (status=%s)", s.config.Stage, rec.ID, status)

	if s.publishStatus(ctx, rec) && s.metrics != nil {
		s.metrics.UpstreamFailureRelayed()
	}
	s.notifyOutcome(ctx, rec, 0)
	s.recordOutcome(ctx, rec, 0)

	s.unregister(entry)
}

func (s *Stage) missingStatusArgs(rec *domain.JobRecord) []string {
	var missing []string
	for _, arg := range s.config.StatusArgs {
		if _, ok := rec.StatusFields[arg]; !ok {
			missing = append(missing, arg)
		}
	}
	return missing
}

// publishStatus sends the outbound status message and reports whether one
// was published. Nothing is published when this stage is the job's last
// service.
func (s *Stage) publishStatus(ctx context.Context, rec *domain.JobRecord) bool {
	if rec.LastService == s.config.Stage {
		return false
	}
	if s.config.NextStage == "" {
		log.Printf("pipeline: stage=%s job=%s has last_service=%s but no next stage is configured", s.config.Stage, rec.ID, rec.LastService)
		return false
	}

	msg := domain.StatusMessage{ID: rec.ID, Status: rec.Status}
	if rec.Status == domain.StatusSuccess {
		fields := make(map[string]any, len(s.config.StatusArgs))
		for _, arg := range s.config.StatusArgs {
			fields[arg] = rec.StatusFields[arg]
		}
		msg.Fields = fields
	}

	body, err := domain.EncodeResultMessage(s.config.Stage, msg)
	if err != nil {
		log.Printf("pipeline: stage=%s job=%s could not encode status message: %v", s.config.Stage, rec.ID, err)
		return false
	}
	if err := s.publisher.PublishListener(ctx, s.config.NextStage, body); err != nil {
		log.Printf("pipeline: stage=%s job=%s status publish failed: %v", s.config.Stage, rec.ID, err)
		return false
	}
	log.Printf("pipeline: stage=%s job=%s status=%s published to %s", s.config.Stage, rec.ID, rec.Status, s.config.NextStage)
	return true
}

func (s *Stage) notifyOutcome(ctx context.Context, rec *domain.JobRecord, duration time.Duration) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, notify.Notification{
		JobID:     rec.ID,
		Stage:     s.config.Stage,
		Provider:  rec.Provider,
		Status:    rec.Status,
		Email:     rec.NotificationEmail,
		Type:      rec.NotificationType,
		Iteration: rec.IterationCount,
		Duration:  duration,
		Error:     rec.LastError(),
	})
}

func (s *Stage) recordOutcome(ctx context.Context, rec *domain.JobRecord, duration time.Duration) {
	if s.metrics != nil {
		s.metrics.JobCompleted(string(rec.Provider), string(rec.Status), duration)
	}
	if s.analytics != nil {
		if err := s.analytics.Record(ctx, s.config.Stage, rec.Provider, rec.Status, s.clock()); err != nil {
			log.Printf("pipeline: stage=%s job=%s analytics: %v", s.config.Stage, rec.ID, err)
		}
	}
}
