package services

import (
	"fmt"
	"strings"

	"github.com/listenup-audio/backend/internal/domain"
	"github.com/listenup-audio/backend/internal/manifest"
	"github.com/listenup-audio/backend/internal/pkg/logger"
)

// StepRef identifies a dispatchable unit: a step, or one instance of a
// fanned-out step.
type StepRef struct {
	Name     string
	Instance *int
}

func (r StepRef) String() string {
	if r.Instance != nil {
		return fmt.Sprintf("%s[%d]", r.Name, *r.Instance)
	}
	return r.Name
}

// Plan is the planner's verdict over a job document.
type Plan struct {
	// Ready lists dispatchable units in declared step order (instances in
	// index order).
	Ready []StepRef
	// Blocked lists pending steps still waiting on producers.
	Blocked []string
	// FanOuts maps steps materialized during this pass to their instance
	// count; the dispatcher initializes downstream join counters from it.
	FanOuts map[string]int
}

// Planner computes readiness over a job document. It performs no I/O: it
// reads and rewrites only the document it is handed (input resolution and
// fan-out materialization), so a re-plan over the same document is a no-op.
type Planner struct {
	log       *logger.Logger
	manifests *manifest.Registry
}

func NewPlanner(baseLog *logger.Logger, manifests *manifest.Registry) *Planner {
	return &Planner{
		log:       baseLog.With("service", "GraphPlanner"),
		manifests: manifests,
	}
}

// Plan walks the steps in declared order and produces the ready set. A step
// is ready iff it is pending, every transition feeding it originates from a
// satisfied producer, and no predecessor failed. Ready steps get their
// inputs resolved; fan-out candidates are materialized into instances.
func (p *Planner) Plan(job *domain.Job) Plan {
	plan := Plan{FanOuts: map[string]int{}}

	for i := range job.Steps {
		step := &job.Steps[i]

		if step.FannedOut() {
			for k := range step.Instances {
				inst := &step.Instances[k]
				if inst.Status == domain.StepPending {
					idx := inst.Index
					plan.Ready = append(plan.Ready, StepRef{Name: step.Name, Instance: &idx})
				}
			}
			continue
		}
		if step.Status != domain.StepPending {
			continue
		}

		incoming := job.Incoming(step.Name)
		state := producersState(job, incoming)
		if state == producerFailed {
			// Stays pending; the job fails once in-flight work drains.
			continue
		}
		if state == producerWaiting {
			plan.Blocked = append(plan.Blocked, step.Name)
			continue
		}

		resolved, checksums, fanIn := p.resolveInputs(job, step, incoming)
		if n := p.materializeFanOut(job, step, incoming, resolved, checksums, fanIn); n > 0 {
			plan.FanOuts[step.Name] = n
			for k := range step.Instances {
				idx := step.Instances[k].Index
				plan.Ready = append(plan.Ready, StepRef{Name: step.Name, Instance: &idx})
			}
			continue
		}

		step.ResolvedInputs = resolved
		step.InputChecksums = checksums
		plan.Ready = append(plan.Ready, StepRef{Name: step.Name})
	}
	return plan
}

type producerState int

const (
	producersSatisfied producerState = iota
	producerWaiting
	producerFailed
)

func producersState(job *domain.Job, incoming []domain.StepTransition) producerState {
	state := producersSatisfied
	for _, t := range incoming {
		from := job.Step(t.From)
		if from == nil {
			return producerWaiting
		}
		switch agg := from.AggregateStatus(); {
		case agg == domain.StepFailed:
			return producerFailed
		case !agg.Satisfied():
			state = producerWaiting
		}
	}
	return state
}

// resolveInputs binds literals and producer outputs to the step's input
// placeholders. fanIn collects, per input placeholder, any indexed output
// set a transition routes into it.
func (p *Planner) resolveInputs(job *domain.Job, step *domain.JobStep, incoming []domain.StepTransition) (resolved, checksums map[string]string, fanIn map[string][]indexedBinding) {
	resolved = map[string]string{}
	checksums = map[string]string{}
	fanIn = map[string][]indexedBinding{}

	for name, literal := range step.Inputs {
		if strings.TrimSpace(literal) == "" {
			continue
		}
		resolved[name] = literal
		checksums[name] = domain.Checksum(literal)
	}

	for _, t := range incoming {
		from := job.Step(t.From)
		if from == nil {
			continue
		}
		outputs := from.CombinedOutputs()
		sums := from.CombinedChecksums()
		for outName, inName := range t.Mapping {
			if vals, ok := domain.IndexedOutputs(outputs, outName); ok {
				csums, _ := domain.IndexedOutputs(sums, outName)
				fanIn[inName] = append(fanIn[inName], indexedBinding{values: vals, checksums: csums})
				continue
			}
			if v, ok := outputs[outName]; ok {
				resolved[inName] = v
				if c, ok := sums[outName]; ok {
					checksums[inName] = c
				} else {
					checksums[inName] = domain.Checksum(v)
				}
			}
		}
	}
	return resolved, checksums, fanIn
}

type indexedBinding struct {
	values    []string
	checksums []string
}

// materializeFanOut expands a step into N parallel instances when its
// manifest permits fan-out and exactly one input receives an indexed output
// set. Returns the instance count, or 0 when the step runs singly.
func (p *Planner) materializeFanOut(job *domain.Job, step *domain.JobStep, incoming []domain.StepTransition, resolved, checksums map[string]string, fanIn map[string][]indexedBinding) int {
	if len(fanIn) == 0 {
		return 0
	}
	_, op, ok := p.manifests.Operation(step.Service, step.CommandSpec.Program)
	if !ok || !op.FanOut {
		// Not a fan-out consumer: collapse each indexed set to its ordered
		// join, comma-separated, the aggregation form workers accept for
		// collection-valued inputs.
		for inName, bindings := range fanIn {
			var all []string
			for _, b := range bindings {
				all = append(all, b.values...)
			}
			resolved[inName] = strings.Join(all, ",")
			checksums[inName] = domain.Checksum(resolved[inName])
		}
		return 0
	}

	var fanName string
	for inName := range fanIn {
		fanName = inName
	}
	if len(fanIn) > 1 {
		p.log.Warn("multiple indexed inputs on fan-out step; using one",
			"job_id", job.ID, "step", step.Name, "input", fanName)
	}
	var vals, sums []string
	for _, b := range fanIn[fanName] {
		vals = append(vals, b.values...)
		sums = append(sums, b.checksums...)
	}

	step.Instances = make([]domain.StepInstance, 0, len(vals))
	for i, v := range vals {
		instResolved := map[string]string{}
		instSums := map[string]string{}
		for k, val := range resolved {
			instResolved[k] = val
			instSums[k] = checksums[k]
		}
		instResolved[fanName] = v
		if i < len(sums) && sums[i] != "" {
			instSums[fanName] = sums[i]
		} else {
			instSums[fanName] = domain.Checksum(v)
		}
		step.Instances = append(step.Instances, domain.StepInstance{
			Index:          i,
			Status:         domain.StepPending,
			ResolvedInputs: instResolved,
			InputChecksums: instSums,
		})
	}
	step.Status = domain.StepPending
	return len(step.Instances)
}
