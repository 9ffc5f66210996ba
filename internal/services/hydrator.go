package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/listenup-audio/backend/internal/domain"
	"github.com/listenup-audio/backend/internal/manifest"
	pkgerrors "github.com/listenup-audio/backend/internal/pkg/errors"
	"github.com/listenup-audio/backend/internal/pkg/logger"
	"github.com/listenup-audio/backend/internal/repos"
)

// HydratedStep is the full execution context a worker pulls before running
// a step. Queue messages carry identifiers only; everything a worker needs
// beyond that lives here.
type HydratedStep struct {
	JobID         uuid.UUID `json:"job_id"`
	UserID        string    `json:"user_id,omitempty"`
	StepName      string    `json:"step_name"`
	InstanceIndex *int      `json:"instance_index,omitempty"`
	CompositeName string    `json:"composite_name"`
	Generation    int       `json:"generation"`

	CommandSpec    domain.CommandSpec `json:"command_spec"`
	Argv           []string           `json:"argv"`
	Parameters     map[string]any     `json:"parameters,omitempty"`
	ResolvedInputs map[string]string  `json:"resolved_inputs,omitempty"`
	Outputs        map[string]string  `json:"outputs,omitempty"`
	StoragePolicy  string             `json:"storage_policy,omitempty"`

	TimeoutSeconds int64 `json:"timeout_seconds,omitempty"`
}

// Hydrator resolves a dispatched step into worker-ready form: input values
// bound, output destination templates expanded, command rendered. Hydration
// moves the unit from dispatched to processing.
type Hydrator struct {
	log       *logger.Logger
	repo      repos.JobRepo
	manifests *manifest.Registry
	ceiling   time.Duration
	maxRetry  int
}

func NewHydrator(baseLog *logger.Logger, repo repos.JobRepo, manifests *manifest.Registry, cfg OrchestratorConfig) *Hydrator {
	return &Hydrator{
		log:       baseLog.With("service", "StepHydrator"),
		repo:      repo,
		manifests: manifests,
		ceiling:   cfg.GlobalTimeoutCeiling,
		maxRetry:  cfg.MaxApplyRetries,
	}
}

// Hydrate returns the execution context for one dispatched unit. Hydrating
// a unit that is not dispatched or processing is an error: the worker holds
// a stale message.
func (h *Hydrator) Hydrate(ctx context.Context, jobID uuid.UUID, stepName string, instanceIndex *int) (*HydratedStep, error) {
	delay := conflictBackoffBase
	for attempt := 0; attempt < h.maxRetry; attempt++ {
		job, err := h.repo.GetByID(ctx, nil, jobID)
		if err != nil {
			return nil, err
		}
		out, err := h.hydrateOnce(ctx, job, stepName, instanceIndex)
		if errors.Is(err, pkgerrors.ErrConflict) {
			sleepContext(ctx, delay)
			delay = nextBackoff(delay, conflictBackoffMax)
			continue
		}
		return out, err
	}
	return nil, fmt.Errorf("hydrate job %s step %s: %w", jobID, stepName, pkgerrors.ErrConflict)
}

func (h *Hydrator) hydrateOnce(ctx context.Context, job *domain.Job, stepName string, instanceIndex *int) (*HydratedStep, error) {
	step := job.Step(stepName)
	if step == nil {
		return nil, fmt.Errorf("%w: job %s has no step %q", pkgerrors.ErrNotFound, job.ID, stepName)
	}
	unit := stepUnit{step: step}
	if instanceIndex != nil {
		inst := step.Instance(*instanceIndex)
		if inst == nil {
			return nil, fmt.Errorf("%w: step %q has no instance %d", pkgerrors.ErrNotFound, stepName, *instanceIndex)
		}
		unit.inst = inst
	}

	switch unit.status() {
	case domain.StepDispatched:
		unit.setStatus(domain.StepProcessing)
		job.Touch()
		if err := h.repo.Save(ctx, nil, job); err != nil {
			return nil, err
		}
	case domain.StepProcessing:
		// Re-hydration after a worker restart is fine.
	default:
		return nil, fmt.Errorf("%w: step %q is %s, not claimable", pkgerrors.ErrInvalidArgument, stepName, unit.status())
	}

	resolved := unit.step.ResolvedInputs
	if unit.inst != nil {
		resolved = unit.inst.ResolvedInputs
	}

	scope := templateScope(job, step, resolved)
	outputs := make(map[string]string, len(step.Outputs))
	for name, tmpl := range step.Outputs {
		rendered, err := renderTemplate(tmpl, scope)
		if err != nil {
			return nil, fmt.Errorf("step %q output %q: %w", stepName, name, err)
		}
		outputs[name] = rendered
	}

	spec := step.CommandSpec
	args := make([]string, len(spec.Args))
	for i, a := range spec.Args {
		rendered, err := renderTemplate(a, scope)
		if err != nil {
			return nil, fmt.Errorf("step %q arg %d: %w", stepName, i, err)
		}
		args[i] = rendered
	}
	spec.Args = args

	var timeoutSec int64
	if svc, op, ok := h.manifests.Operation(step.Service, spec.Program); ok {
		timeoutSec = int64(svc.EffectiveTimeout(op, h.ceiling).Seconds())
	}

	h.log.Info("step hydrated", "job_id", job.ID, "step", stepName, "generation", job.Generation)
	return &HydratedStep{
		JobID:          job.ID,
		UserID:         job.UserID,
		StepName:       stepName,
		InstanceIndex:  instanceIndex,
		CompositeName:  step.CompositeName(),
		Generation:     job.Generation,
		CommandSpec:    spec,
		Argv:           spec.Argv(),
		Parameters:     spec.Flags,
		ResolvedInputs: resolved,
		Outputs:        outputs,
		StoragePolicy:  step.StoragePolicy,
		TimeoutSeconds: timeoutSec,
	}, nil
}

var templateRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.\[\]-]+)\s*\}\}`)

// templateScope builds the substitution map for one step's templates:
// job-level identifiers, the step's own names, its resolved inputs, and
// every upstream step's produced outputs addressed as
// steps.<name>.outputs.<key>.
func templateScope(job *domain.Job, step *domain.JobStep, resolved map[string]string) map[string]string {
	scope := map[string]string{
		"job_id":         job.ID.String(),
		"user_id":        job.UserID,
		"step_name":      step.Name,
		"composite_name": step.CompositeName(),
	}
	for k, v := range resolved {
		scope["inputs."+k] = v
	}
	for i := range job.Steps {
		s := &job.Steps[i]
		for k, v := range s.CombinedOutputs() {
			scope[fmt.Sprintf("steps.%s.outputs.%s", s.Name, k)] = v
		}
	}
	return scope
}

func renderTemplate(tmpl string, scope map[string]string) (string, error) {
	var missing []string
	out := templateRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := strings.TrimSpace(strings.Trim(m, "{}"))
		if v, ok := scope[key]; ok {
			return v
		}
		missing = append(missing, key)
		return m
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved placeholder(s) %v in %q", missing, tmpl)
	}
	return out, nil
}
