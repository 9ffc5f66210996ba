package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	redisclient "github.com/listenup-audio/backend/internal/clients/redis"
	"github.com/listenup-audio/backend/internal/domain"
	"github.com/listenup-audio/backend/internal/manifest"
	pkgerrors "github.com/listenup-audio/backend/internal/pkg/errors"
	"github.com/listenup-audio/backend/internal/pkg/logger"
	"github.com/listenup-audio/backend/internal/repos"
)

type OrchestratorConfig struct {
	// GlobalTimeoutCeiling caps every per-operation timeout.
	GlobalTimeoutCeiling time.Duration
	// MaxApplyRetries bounds reload-and-reapply loops on lost CAS races.
	MaxApplyRetries int
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		GlobalTimeoutCeiling: 30 * time.Minute,
		MaxApplyRetries:      5,
	}
}

// Backoff bounds for reload-and-reapply loops on lost revision races.
const (
	conflictBackoffBase = 5 * time.Millisecond
	conflictBackoffMax  = 250 * time.Millisecond
)

// OrchestratorService is the engine facade: it validates and persists
// pipelines, drives the planner and dispatcher over job documents, applies
// worker outcomes, and resolves retries.
type OrchestratorService struct {
	db         *gorm.DB
	log        *logger.Logger
	repo       repos.JobRepo
	bus        redisclient.Bus
	cache      redisclient.Index
	manifests  *manifest.Registry
	validator  *Validator
	planner    *Planner
	dispatcher *Dispatcher
	cfg        OrchestratorConfig
}

func NewOrchestratorService(
	db *gorm.DB,
	baseLog *logger.Logger,
	repo repos.JobRepo,
	bus redisclient.Bus,
	cache redisclient.Index,
	manifests *manifest.Registry,
	cfg OrchestratorConfig,
) *OrchestratorService {
	log := baseLog.With("service", "JobOrchestratorService")
	return &OrchestratorService{
		db:         db,
		log:        log,
		repo:       repo,
		bus:        bus,
		cache:      cache,
		manifests:  manifests,
		validator:  NewValidator(baseLog, manifests),
		planner:    NewPlanner(baseLog, manifests),
		dispatcher: NewDispatcher(baseLog, bus, cache, manifests),
		cfg:        cfg,
	}
}

// Submit validates the pipeline, persists it as a pending job, and
// dispatches the steps that have no dependencies.
func (o *OrchestratorService) Submit(ctx context.Context, req PipelineRequest) (*domain.Job, error) {
	job, err := o.validator.Validate(req)
	if err != nil {
		return nil, err
	}
	if err := o.repo.Create(ctx, nil, job); err != nil {
		return nil, err
	}
	o.log.Info("job created", "job_id", job.ID, "user_id", job.UserID, "steps", len(job.Steps))
	if err := o.advance(ctx, job); err != nil {
		// The job is durable; the sweeper redrives the stranded backlog.
		o.log.Error("initial dispatch failed", "job_id", job.ID, "error", err)
	}
	return job, nil
}

// Get returns a read-only snapshot of the job document.
func (o *OrchestratorService) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	return o.repo.GetByID(ctx, nil, id)
}

// List returns a user's jobs, newest first.
func (o *OrchestratorService) List(ctx context.Context, userID string) ([]*domain.Job, error) {
	return o.repo.ListByUser(ctx, nil, userID)
}

// ApplyStatus applies one worker outcome to the job document and drives the
// planner over the result. Duplicate deliveries are no-ops: a terminal step
// status is never overwritten. Lost revision races reload and reapply.
func (o *OrchestratorService) ApplyStatus(ctx context.Context, ev domain.StepStatusEvent) error {
	delay := conflictBackoffBase
	for attempt := 0; attempt < o.cfg.MaxApplyRetries; attempt++ {
		job, err := o.repo.GetByID(ctx, nil, ev.JobID)
		if errors.Is(err, pkgerrors.ErrNotFound) {
			o.log.Warn("status event for unknown job, dropping", "job_id", ev.JobID, "step", ev.StepName)
			return nil
		}
		if err != nil {
			return err
		}

		err = o.applyOnce(ctx, job, ev)
		if errors.Is(err, pkgerrors.ErrConflict) {
			o.log.Debug("status apply lost revision race, reloading", "job_id", ev.JobID, "step", ev.StepName, "attempt", attempt+1)
			sleepContext(ctx, delay)
			delay = nextBackoff(delay, conflictBackoffMax)
			continue
		}
		return err
	}
	return fmt.Errorf("apply status for job %s step %s: %w", ev.JobID, ev.StepName, pkgerrors.ErrConflict)
}

func (o *OrchestratorService) applyOnce(ctx context.Context, job *domain.Job, ev domain.StepStatusEvent) error {
	step := job.Step(ev.StepName)
	if step == nil {
		o.log.Warn("status event for unknown step, dropping", "job_id", job.ID, "step", ev.StepName)
		return nil
	}
	unit := stepUnit{step: step}
	if ev.InstanceIndex != nil {
		inst := step.Instance(*ev.InstanceIndex)
		if inst == nil {
			o.log.Warn("status event for unknown instance, dropping", "job_id", job.ID, "step", ev.StepName, "instance", *ev.InstanceIndex)
			return nil
		}
		unit.inst = inst
	}

	if unit.status().Terminal() {
		// Duplicate delivery, or a result arriving after the sweeper
		// already reaped the step. The document wins, but an earlier
		// delivery may have applied the outcome and then lost its
		// downstream dispatches to a bus failure, so re-plan anyway;
		// dispatch skips anything no longer pending.
		o.log.Debug("stale status event, re-planning", "job_id", job.ID, "step", ev.StepName, "status", unit.status())
		return o.advance(ctx, job)
	}

	switch ev.Outcome {
	case domain.OutcomeComplete:
		unit.markComplete(ev.Outputs, ev.OutputChecksums)
		o.log.Info("step complete", "job_id", job.ID, "step", ev.StepName)
	case domain.OutcomeFailed:
		stepErr := ev.Error
		if stepErr == nil {
			stepErr = &domain.StepError{
				Type:    domain.ErrTypeApplication,
				Code:    "worker_failure",
				Message: "worker reported failure without detail",
			}
		}
		unit.markFailed(stepErr)
		o.log.Warn("step failed", "job_id", job.ID, "step", ev.StepName, "error_type", stepErr.Type, "error_code", stepErr.Code)
	default:
		o.log.Warn("status event with unknown outcome, dropping", "job_id", job.ID, "step", ev.StepName, "outcome", ev.Outcome)
		return nil
	}

	err := o.advance(ctx, job)
	if errors.Is(err, pkgerrors.ErrConflict) {
		// The apply did not land; the reload loop reapplies it, so the
		// completion side effects below must not run yet.
		return err
	}
	if ev.Outcome == domain.OutcomeComplete {
		o.writeCacheEntry(ctx, job, step, unit)
		o.decrementJoins(ctx, job, step, unit)
	}
	return err
}

// advance plans and dispatches until the document stops changing, persists
// it, and settles terminal state. Cache hits complete steps without worker
// involvement, so planning loops until a pass yields none.
func (o *OrchestratorService) advance(ctx context.Context, job *domain.Job) error {
	for {
		plan := o.planner.Plan(job)
		if len(plan.Ready) == 0 {
			break
		}
		if job.Status == domain.JobPending || job.Status == domain.JobRetrying {
			job.Status = domain.JobProcessing
		}
		hits, derr := o.dispatcher.Dispatch(ctx, job, plan)
		if derr != nil {
			job.Touch()
			if saveErr := o.repo.Save(ctx, nil, job); saveErr != nil {
				return saveErr
			}
			return derr
		}
		if hits == 0 {
			break
		}
	}
	job.Touch()
	if err := o.repo.Save(ctx, nil, job); err != nil {
		return err
	}
	return o.settleTerminal(ctx, job)
}

// settleTerminal performs the at-most-once overall transition to complete
// or failed, guarded by a status compare-and-set.
func (o *OrchestratorService) settleTerminal(ctx context.Context, job *domain.Job) error {
	if job.AllSatisfied() {
		ok, err := o.repo.CompareAndSetStatus(ctx, nil, job.ID, domain.JobProcessing, domain.JobComplete)
		if err != nil {
			return err
		}
		if ok {
			job.Status = domain.JobComplete
			o.cleanupJoinCounters(ctx, job)
			o.log.Info("job complete", "job_id", job.ID, "generation", job.Generation)
		}
		return nil
	}
	if job.HasFailed() && !job.HasInFlight() {
		ok, err := o.repo.CompareAndSetStatus(ctx, nil, job.ID, domain.JobProcessing, domain.JobFailed)
		if err != nil {
			return err
		}
		if ok {
			job.Status = domain.JobFailed
			o.log.Warn("job failed", "job_id", job.ID, "generation", job.Generation)
		}
	}
	return nil
}

// Retry resets the earliest failed step and its dependency closure to
// pending and re-drives the planner. Completed upstream steps keep their
// outputs. Returns the resume step name.
func (o *OrchestratorService) Retry(ctx context.Context, id uuid.UUID) (string, error) {
	delay := conflictBackoffBase
	for attempt := 0; attempt < o.cfg.MaxApplyRetries; attempt++ {
		job, err := o.repo.GetByID(ctx, nil, id)
		if err != nil {
			return "", err
		}
		if job.Status != domain.JobFailed {
			return "", fmt.Errorf("%w: job %s is %s, only failed jobs can be retried", pkgerrors.ErrInvalidArgument, id, job.Status)
		}
		resume := job.EarliestFailed()
		if resume == nil {
			return "", fmt.Errorf("%w: job %s is failed but has no failed step", pkgerrors.ErrInvalidArgument, id)
		}
		resumeName := resume.Name

		closure := job.Downstream(resumeName)
		for i := range job.Steps {
			s := &job.Steps[i]
			if !closure[s.Name] {
				continue
			}
			resetStep(s)
			_ = o.bus.DeleteCounter(ctx, domain.JoinCounterKey(job.ID, s.Name))
		}
		job.Cursor = resume.Order
		job.Generation++
		job.Status = domain.JobRetrying
		job.Touch()

		if err := o.repo.Save(ctx, nil, job); err != nil {
			if errors.Is(err, pkgerrors.ErrConflict) {
				sleepContext(ctx, delay)
				delay = nextBackoff(delay, conflictBackoffMax)
				continue
			}
			return "", err
		}
		o.log.Info("job retrying", "job_id", job.ID, "resume_step", resumeName, "generation", job.Generation)

		if err := o.advance(ctx, job); err != nil {
			return resumeName, err
		}
		return resumeName, nil
	}
	return "", fmt.Errorf("retry job %s: %w", id, pkgerrors.ErrConflict)
}

// Redrive re-plans an active job and dispatches any backlog a failed
// dispatch left behind. Safe to call at any time: planning only touches
// pending units, so a healthy job is a no-op save.
func (o *OrchestratorService) Redrive(ctx context.Context, id uuid.UUID) error {
	delay := conflictBackoffBase
	for attempt := 0; attempt < o.cfg.MaxApplyRetries; attempt++ {
		job, err := o.repo.GetByID(ctx, nil, id)
		if err != nil {
			return err
		}
		if job.Status != domain.JobProcessing && job.Status != domain.JobRetrying {
			return nil
		}
		err = o.advance(ctx, job)
		if errors.Is(err, pkgerrors.ErrConflict) {
			sleepContext(ctx, delay)
			delay = nextBackoff(delay, conflictBackoffMax)
			continue
		}
		return err
	}
	return fmt.Errorf("redrive job %s: %w", id, pkgerrors.ErrConflict)
}

func resetStep(s *domain.JobStep) {
	s.Status = domain.StepPending
	s.CacheKey = ""
	s.Error = nil
	s.ResolvedInputs = nil
	s.InputChecksums = nil
	s.ProducedOutputs = nil
	s.OutputChecksums = nil
	s.Instances = nil
	s.DispatchedAt = nil
	s.FinishedAt = nil
}

func (o *OrchestratorService) writeCacheEntry(ctx context.Context, job *domain.Job, step *domain.JobStep, unit stepUnit) {
	key := unit.cacheKey()
	if key == "" {
		return
	}
	_, op, ok := o.manifests.Operation(step.Service, step.CommandSpec.Program)
	if !ok || !op.Deterministic || op.CacheTTL <= 0 {
		return
	}
	entry := domain.CacheEntry{
		ProducedAt: time.Now().UTC(),
	}
	if unit.inst != nil {
		entry.Outputs = unit.inst.ProducedOutputs
		entry.OutputChecksums = unit.inst.OutputChecksums
	} else {
		entry.Outputs = step.ProducedOutputs
		entry.OutputChecksums = step.OutputChecksums
	}
	if err := o.cache.Put(ctx, key, entry, op.CacheTTL); err != nil {
		o.log.Warn("cache write failed", "job_id", job.ID, "step", step.Name, "error", err)
	}
}

// decrementJoins performs the atomic decrement-and-get for every join fed
// by a completed fan-out instance. The counter reaching zero is the
// happens-before edge for the join's readiness; the planner re-checks the
// document as the authority.
func (o *OrchestratorService) decrementJoins(ctx context.Context, job *domain.Job, step *domain.JobStep, unit stepUnit) {
	if unit.inst == nil || !step.FannedOut() {
		return
	}
	for _, t := range job.Outgoing(step.Name) {
		key := domain.JoinCounterKey(job.ID, t.To)
		remaining, err := o.bus.DecrCounter(ctx, key)
		if err != nil {
			o.log.Warn("join counter decrement failed", "job_id", job.ID, "join_step", t.To, "error", err)
			continue
		}
		o.log.Debug("join counter decremented", "job_id", job.ID, "join_step", t.To, "remaining", remaining)
	}
}

func (o *OrchestratorService) cleanupJoinCounters(ctx context.Context, job *domain.Job) {
	for _, t := range job.Transitions {
		_ = o.bus.DeleteCounter(ctx, domain.JoinCounterKey(job.ID, t.To))
	}
}
