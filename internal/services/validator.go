package services

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/listenup-audio/backend/internal/domain"
	"github.com/listenup-audio/backend/internal/manifest"
	"github.com/listenup-audio/backend/internal/pkg/logger"
)

// PipelineRequest is the submitted pipeline, prior to validation.
type PipelineRequest struct {
	UserID          string              `json:"user_id"`
	Steps           []StepRequest       `json:"steps" binding:"required"`
	StepTransitions []TransitionRequest `json:"step_transitions"`
}

type StepRequest struct {
	Name          string             `json:"name"`
	Service       string             `json:"service"`
	StoragePolicy string             `json:"storage_policy"`
	CommandSpec   domain.CommandSpec `json:"command_spec"`
	Inputs        map[string]string  `json:"inputs"`
	Outputs       map[string]string  `json:"outputs"`
}

type TransitionRequest struct {
	FromStepName         string            `json:"from_step_name"`
	ToStepName           string            `json:"to_step_name"`
	OutputToInputMapping map[string]string `json:"output_to_input_mapping"`
}

// ValidationError names the offending step and field. Jobs failing
// validation are never persisted.
type ValidationError struct {
	Step    string `json:"step,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("invalid pipeline")
	if e.Step != "" {
		fmt.Fprintf(&b, ": step %q", e.Step)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, ": field %q", e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	return b.String()
}

func invalid(step, field, format string, args ...any) *ValidationError {
	return &ValidationError{Step: step, Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validator checks submitted pipelines against the service manifests and
// normalizes them into job documents.
type Validator struct {
	log       *logger.Logger
	manifests *manifest.Registry
}

func NewValidator(baseLog *logger.Logger, manifests *manifest.Registry) *Validator {
	return &Validator{
		log:       baseLog.With("service", "PipelineValidator"),
		manifests: manifests,
	}
}

// Validate returns a normalized pending job, or a *ValidationError.
func (v *Validator) Validate(req PipelineRequest) (*domain.Job, error) {
	if len(req.Steps) == 0 {
		return nil, invalid("", "steps", "at least one step is required")
	}

	stepIndex := map[string]int{}
	for i, s := range req.Steps {
		if strings.TrimSpace(s.Name) == "" {
			return nil, invalid("", "name", "step %d is missing a name", i)
		}
		if _, dup := stepIndex[s.Name]; dup {
			return nil, invalid(s.Name, "name", "duplicate step name")
		}
		stepIndex[s.Name] = i

		if err := v.checkStep(s); err != nil {
			return nil, err
		}
	}

	if err := v.checkTransitions(req, stepIndex); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &domain.Job{
		ID:        uuid.New(),
		UserID:    req.UserID,
		Status:    domain.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, s := range req.Steps {
		job.Steps = append(job.Steps, domain.JobStep{
			Name:          s.Name,
			Service:       s.Service,
			Order:         i,
			CommandSpec:   s.CommandSpec,
			StoragePolicy: s.StoragePolicy,
			Inputs:        s.Inputs,
			Outputs:       s.Outputs,
			Status:        domain.StepPending,
		})
	}
	for _, t := range req.StepTransitions {
		job.Transitions = append(job.Transitions, domain.StepTransition{
			From:    t.FromStepName,
			To:      t.ToStepName,
			Mapping: t.OutputToInputMapping,
		})
	}
	return job, nil
}

func (v *Validator) checkStep(s StepRequest) error {
	svc, ok := v.manifests.Service(s.Service)
	if !ok {
		return invalid(s.Name, "service", "unknown service %q", s.Service)
	}
	op, ok := svc.Operation(s.CommandSpec.Program)
	if !ok {
		return invalid(s.Name, "command_spec.program", "service %q does not support program %q", s.Service, s.CommandSpec.Program)
	}

	for name, value := range s.CommandSpec.Flags {
		spec, ok := op.Param(name)
		if !ok {
			return invalid(s.Name, "command_spec.flags."+name, "parameter not declared by manifest for %q", op.Program)
		}
		if err := spec.Check(value); err != nil {
			return invalid(s.Name, "command_spec.flags."+name, "%v", err)
		}
	}
	for _, spec := range op.Params {
		if !spec.Required {
			continue
		}
		if _, ok := s.CommandSpec.Flags[spec.Name]; !ok {
			return invalid(s.Name, "command_spec.flags."+spec.Name, "required parameter missing")
		}
	}
	if len(s.Outputs) == 0 && op.ExpectedOutputs > 0 {
		return invalid(s.Name, "outputs", "operation %q expects %d output placeholder(s)", op.Program, op.ExpectedOutputs)
	}
	return nil
}

func (v *Validator) checkTransitions(req PipelineRequest, stepIndex map[string]int) error {
	// boundByTransition tracks, per consumer, which input placeholders
	// incoming edges bind. Multiple edges may bind the same placeholder
	// (fan-in); an edge must never bind a placeholder that already carries
	// a submitted literal.
	boundByTransition := map[string]map[string]bool{}

	for _, t := range req.StepTransitions {
		fromIdx, ok := stepIndex[t.FromStepName]
		if !ok {
			return invalid("", "from_step_name", "transition references unknown step %q", t.FromStepName)
		}
		toIdx, ok := stepIndex[t.ToStepName]
		if !ok {
			return invalid("", "to_step_name", "transition references unknown step %q", t.ToStepName)
		}
		if fromIdx >= toIdx {
			return invalid(t.ToStepName, "step_transitions", "transition %q -> %q is a back-edge; producers must precede consumers", t.FromStepName, t.ToStepName)
		}
		if len(t.OutputToInputMapping) == 0 {
			return invalid(t.ToStepName, "output_to_input_mapping", "transition %q -> %q maps nothing", t.FromStepName, t.ToStepName)
		}

		from := req.Steps[fromIdx]
		to := req.Steps[toIdx]
		for outName, inName := range t.OutputToInputMapping {
			if _, ok := from.Outputs[outName]; !ok {
				return invalid(t.FromStepName, "outputs."+outName, "transition %q -> %q maps undeclared output", t.FromStepName, t.ToStepName)
			}
			if literal, ok := to.Inputs[inName]; ok && strings.TrimSpace(literal) != "" {
				return invalid(t.ToStepName, "inputs."+inName, "input bound twice: submitted literal and transition from %q", t.FromStepName)
			}
			if boundByTransition[t.ToStepName] == nil {
				boundByTransition[t.ToStepName] = map[string]bool{}
			}
			boundByTransition[t.ToStepName][inName] = true
		}
	}

	// Declared-but-empty inputs must be fed by some edge.
	for _, s := range req.Steps {
		for inName, literal := range s.Inputs {
			if strings.TrimSpace(literal) != "" {
				continue
			}
			if !boundByTransition[s.Name][inName] {
				return invalid(s.Name, "inputs."+inName, "input has no literal and no incoming transition binds it")
			}
		}
	}

	// The ordering constraint above already rules out cycles; keep an
	// explicit walk so the invariant survives future relaxations of that
	// check.
	return v.checkAcyclic(req)
}

func (v *Validator) checkAcyclic(req PipelineRequest) error {
	adj := map[string][]string{}
	indegree := map[string]int{}
	for _, s := range req.Steps {
		indegree[s.Name] = 0
	}
	for _, t := range req.StepTransitions {
		adj[t.FromStepName] = append(adj[t.FromStepName], t.ToStepName)
		indegree[t.ToStepName]++
	}
	var queue []string
	for name, d := range indegree {
		if d == 0 {
			queue = append(queue, name)
		}
	}
	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, m := range adj[n] {
			indegree[m]--
			if indegree[m] == 0 {
				queue = append(queue, m)
			}
		}
	}
	if visited != len(req.Steps) {
		return invalid("", "step_transitions", "transition graph contains a cycle")
	}
	return nil
}
