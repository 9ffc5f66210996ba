package services

import (
	"context"
	"fmt"
	"time"

	redisclient "github.com/listenup-audio/backend/internal/clients/redis"
	"github.com/listenup-audio/backend/internal/domain"
	"github.com/listenup-audio/backend/internal/manifest"
	"github.com/listenup-audio/backend/internal/pkg/logger"
)

// Dispatcher turns the planner's ready set into thin queue messages. It
// never serializes step data onto the bus; workers hydrate through the API.
type Dispatcher struct {
	log       *logger.Logger
	bus       redisclient.Bus
	cache     redisclient.Index
	manifests *manifest.Registry
}

func NewDispatcher(baseLog *logger.Logger, bus redisclient.Bus, cache redisclient.Index, manifests *manifest.Registry) *Dispatcher {
	return &Dispatcher{
		log:       baseLog.With("service", "StepDispatcher"),
		bus:       bus,
		cache:     cache,
		manifests: manifests,
	}
}

// Dispatch emits every ready unit of the plan. It returns the number of
// units satisfied from cache; a non-zero count means the document advanced
// without worker involvement and the caller should re-plan.
func (d *Dispatcher) Dispatch(ctx context.Context, job *domain.Job, plan Plan) (cacheHits int, err error) {
	// Fan-in counters are initialized before any instance message goes
	// out, so no completion can decrement a counter that does not exist.
	for stepName, n := range plan.FanOuts {
		for _, t := range job.Outgoing(stepName) {
			key := domain.JoinCounterKey(job.ID, t.To)
			if err := d.bus.SetCounter(ctx, key, int64(n)); err != nil {
				return cacheHits, fmt.Errorf("init join counter %s: %w", key, err)
			}
			d.log.Debug("join counter initialized", "job_id", job.ID, "join_step", t.To, "count", n)
		}
	}

	for _, ref := range plan.Ready {
		step := job.Step(ref.Name)
		if step == nil {
			continue
		}
		unit := stepUnit{step: step}
		if ref.Instance != nil {
			inst := step.Instance(*ref.Instance)
			if inst == nil {
				continue
			}
			unit.inst = inst
		}
		// Dispatch is idempotent per (job, step, instance): anything no
		// longer pending was already handled.
		if unit.status() != domain.StepPending {
			continue
		}

		hit, err := d.dispatchUnit(ctx, job, ref, unit)
		if err != nil {
			return cacheHits, err
		}
		if hit {
			cacheHits++
		}
	}
	return cacheHits, nil
}

func (d *Dispatcher) dispatchUnit(ctx context.Context, job *domain.Job, ref StepRef, unit stepUnit) (cacheHit bool, err error) {
	step := unit.step
	_, op, ok := d.manifests.Operation(step.Service, step.CommandSpec.Program)
	if !ok {
		return false, fmt.Errorf("step %q: no manifest for %s/%s", step.Name, step.Service, step.CommandSpec.Program)
	}

	if op.Deterministic {
		key := domain.CacheKey(step.Service, step.CommandSpec.Program, step.CommandSpec.Flags, unit.checksumList())
		unit.setCacheKey(key)
		entry, found, err := d.cache.Lookup(ctx, key)
		if err != nil {
			d.log.Warn("cache lookup failed, dispatching anyway", "job_id", job.ID, "step", ref.String(), "error", err)
		} else if found {
			unit.markSkippedCached(entry)
			d.log.Info("cache hit, step skipped", "job_id", job.ID, "step", ref.String(), "cache_key", key)
			return true, nil
		}
	}

	msg := domain.StepReadyMessage{
		JobID:         job.ID,
		StepName:      step.Name,
		InstanceIndex: ref.Instance,
	}
	if err := d.bus.Push(ctx, domain.ServiceQueue(step.Service), msg); err != nil {
		return false, fmt.Errorf("push step %q to %s: %w", ref.String(), domain.ServiceQueue(step.Service), err)
	}
	unit.markDispatched()
	d.log.Info("step dispatched", "job_id", job.ID, "step", ref.String(), "queue", domain.ServiceQueue(step.Service))
	return false, nil
}

// stepUnit abstracts over a plain step and a fan-out instance so dispatch
// and status handling treat both uniformly.
type stepUnit struct {
	step *domain.JobStep
	inst *domain.StepInstance
}

func (u stepUnit) status() domain.StepStatus {
	if u.inst != nil {
		return u.inst.Status
	}
	return u.step.Status
}

func (u stepUnit) setStatus(s domain.StepStatus) {
	if u.inst != nil {
		u.inst.Status = s
		return
	}
	u.step.Status = s
}

func (u stepUnit) setCacheKey(key string) {
	if u.inst != nil {
		u.inst.CacheKey = key
		return
	}
	u.step.CacheKey = key
}

func (u stepUnit) checksumList() []string {
	m := u.step.InputChecksums
	if u.inst != nil {
		m = u.inst.InputChecksums
	}
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

func (u stepUnit) markDispatched() {
	now := time.Now().UTC()
	u.setStatus(domain.StepDispatched)
	if u.inst != nil {
		u.inst.DispatchedAt = &now
		return
	}
	u.step.DispatchedAt = &now
}

func (u stepUnit) markSkippedCached(entry *domain.CacheEntry) {
	now := time.Now().UTC()
	u.setStatus(domain.StepSkippedCached)
	if u.inst != nil {
		u.inst.ProducedOutputs = entry.Outputs
		u.inst.OutputChecksums = entry.OutputChecksums
		u.inst.FinishedAt = &now
		return
	}
	u.step.ProducedOutputs = entry.Outputs
	u.step.OutputChecksums = entry.OutputChecksums
	u.step.FinishedAt = &now
}

func (u stepUnit) markComplete(outputs, checksums map[string]string) {
	now := time.Now().UTC()
	u.setStatus(domain.StepComplete)
	if u.inst != nil {
		u.inst.ProducedOutputs = outputs
		u.inst.OutputChecksums = checksums
		u.inst.Error = nil
		u.inst.FinishedAt = &now
		return
	}
	u.step.ProducedOutputs = outputs
	u.step.OutputChecksums = checksums
	u.step.Error = nil
	u.step.FinishedAt = &now
}

func (u stepUnit) markFailed(stepErr *domain.StepError) {
	now := time.Now().UTC()
	u.setStatus(domain.StepFailed)
	if u.inst != nil {
		u.inst.Error = stepErr
		u.inst.FinishedAt = &now
		return
	}
	u.step.Error = stepErr
	u.step.FinishedAt = &now
}

func (u stepUnit) cacheKey() string {
	if u.inst != nil {
		return u.inst.CacheKey
	}
	return u.step.CacheKey
}
