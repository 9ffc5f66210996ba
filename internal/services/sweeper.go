package services

import (
	"context"
	"time"

	"github.com/listenup-audio/backend/internal/domain"
	"github.com/listenup-audio/backend/internal/manifest"
	"github.com/listenup-audio/backend/internal/pkg/logger"
	"github.com/listenup-audio/backend/internal/repos"
)

type SweeperConfig struct {
	// Interval between sweep passes over active jobs.
	Interval time.Duration
}

func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{Interval: 30 * time.Second}
}

// Sweeper reaps in-flight steps that have exceeded their operation timeout.
// A reaped step fails with an infrastructure error, which makes it
// retryable; the outcome flows through the same apply path worker events
// use, so duplicates against a late worker report resolve by
// first-writer-wins on the step status. It also redrives active jobs with
// nothing in flight, the wreckage a dispatch-time bus failure leaves.
type Sweeper struct {
	log          *logger.Logger
	repo         repos.JobRepo
	manifests    *manifest.Registry
	orchestrator *OrchestratorService
	ceiling      time.Duration
	cfg          SweeperConfig
}

func NewSweeper(baseLog *logger.Logger, repo repos.JobRepo, manifests *manifest.Registry, orchestrator *OrchestratorService, ocfg OrchestratorConfig, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweeperConfig().Interval
	}
	return &Sweeper{
		log:          baseLog.With("service", "TimeoutSweeper"),
		repo:         repo,
		manifests:    manifests,
		orchestrator: orchestrator,
		ceiling:      ocfg.GlobalTimeoutCeiling,
		cfg:          cfg,
	}
}

// Run blocks until ctx is canceled, sweeping every Interval.
func (s *Sweeper) Run(ctx context.Context) error {
	s.log.Info("timeout sweeper starting", "interval", s.cfg.Interval)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over active jobs, reaping every overdue unit.
func (s *Sweeper) Sweep(ctx context.Context) {
	jobs, err := s.repo.ListActive(ctx, nil)
	if err != nil {
		s.log.Error("active job scan failed", "error", err)
		return
	}
	now := time.Now().UTC()
	for _, job := range jobs {
		s.sweepJob(ctx, job, now)
	}
}

func (s *Sweeper) sweepJob(ctx context.Context, job *domain.Job, now time.Time) {
	reaped := false
	for i := range job.Steps {
		step := &job.Steps[i]
		timeout := s.timeoutFor(step)
		if timeout <= 0 {
			continue
		}
		if step.FannedOut() {
			for k := range step.Instances {
				inst := &step.Instances[k]
				if s.overdue(inst.Status, inst.DispatchedAt, timeout, now) {
					idx := inst.Index
					s.reap(ctx, job, step.Name, &idx, now.Sub(*inst.DispatchedAt))
					reaped = true
				}
			}
			continue
		}
		if s.overdue(step.Status, step.DispatchedAt, timeout, now) {
			s.reap(ctx, job, step.Name, nil, now.Sub(*step.DispatchedAt))
			reaped = true
		}
	}
	if reaped || job.HasInFlight() {
		return
	}
	// Active job with no worker acting on it: a dispatch failure stranded
	// its backlog. Re-plan it.
	if err := s.orchestrator.Redrive(ctx, job.ID); err != nil {
		s.log.Error("redrive failed, next pass retries", "job_id", job.ID, "error", err)
	}
}

func (s *Sweeper) timeoutFor(step *domain.JobStep) time.Duration {
	svc, op, ok := s.manifests.Operation(step.Service, step.CommandSpec.Program)
	if !ok {
		return s.ceiling
	}
	return svc.EffectiveTimeout(op, s.ceiling)
}

func (s *Sweeper) overdue(st domain.StepStatus, dispatchedAt *time.Time, timeout time.Duration, now time.Time) bool {
	if !st.InFlight() || dispatchedAt == nil {
		return false
	}
	return now.Sub(*dispatchedAt) > timeout
}

func (s *Sweeper) reap(ctx context.Context, job *domain.Job, stepName string, instanceIndex *int, age time.Duration) {
	s.log.Warn("reaping overdue step", "job_id", job.ID, "step", stepName, "age", age)
	ev := domain.StepStatusEvent{
		JobID:         job.ID,
		StepName:      stepName,
		InstanceIndex: instanceIndex,
		Outcome:       domain.OutcomeFailed,
		Error: &domain.StepError{
			Type:    domain.ErrTypeInfrastructure,
			Code:    "step_timeout",
			Message: "no worker outcome within the operation timeout",
		},
	}
	if err := s.orchestrator.ApplyStatus(ctx, ev); err != nil {
		s.log.Error("timeout reap failed, next pass retries", "job_id", job.ID, "step", stepName, "error", err)
	}
}
