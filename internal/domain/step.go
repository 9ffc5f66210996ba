package domain

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// JobStep is one unit of work for one worker service.
//
// Inputs map placeholder names to either a literal value or a template
// (see Binding). Outputs map placeholder names to destination templates.
// ProducedOutputs and OutputChecksums are filled in from the worker's
// status event once the step completes.
type JobStep struct {
	Name          string      `json:"name"`
	Service       string      `json:"service"`
	Order         int         `json:"order"`
	CommandSpec   CommandSpec `json:"command_spec"`
	StoragePolicy string      `json:"storage_policy,omitempty"`

	Inputs  map[string]string `json:"inputs,omitempty"`
	Outputs map[string]string `json:"outputs,omitempty"`

	Status          StepStatus        `json:"status"`
	CacheKey        string            `json:"cache_key,omitempty"`
	Error           *StepError        `json:"error,omitempty"`
	ResolvedInputs  map[string]string `json:"resolved_inputs,omitempty"`
	InputChecksums  map[string]string `json:"input_checksums,omitempty"`
	ProducedOutputs map[string]string `json:"produced_outputs,omitempty"`
	OutputChecksums map[string]string `json:"output_checksums,omitempty"`

	// Instances is non-nil only after the planner materialized the step
	// as a fan-out. The step-level Status then aggregates the instances.
	Instances []StepInstance `json:"instances,omitempty"`

	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// StepInstance is one parallel execution of a fanned-out step.
type StepInstance struct {
	Index           int               `json:"index"`
	Status          StepStatus        `json:"status"`
	CacheKey        string            `json:"cache_key,omitempty"`
	Error           *StepError        `json:"error,omitempty"`
	ResolvedInputs  map[string]string `json:"resolved_inputs,omitempty"`
	InputChecksums  map[string]string `json:"input_checksums,omitempty"`
	ProducedOutputs map[string]string `json:"produced_outputs,omitempty"`
	OutputChecksums map[string]string `json:"output_checksums,omitempty"`
	DispatchedAt    *time.Time        `json:"dispatched_at,omitempty"`
	FinishedAt      *time.Time        `json:"finished_at,omitempty"`
}

var compositeUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// CompositeName is a stable dir-safe identifier for the step incorporating
// its service and program. Used for per-step artifact directories and
// exposed to path templates as {{composite_name}}.
func (s *JobStep) CompositeName() string {
	parts := []string{s.Service, s.CommandSpec.Program, s.Name}
	for i, p := range parts {
		parts[i] = compositeUnsafe.ReplaceAllString(strings.ToLower(strings.TrimSpace(p)), "-")
	}
	return strings.Join(parts, "-")
}

// FannedOut reports whether the step has been materialized as parallel instances.
func (s *JobStep) FannedOut() bool { return len(s.Instances) > 0 }

// Instance returns the instance with the given index.
func (s *JobStep) Instance(index int) *StepInstance {
	for i := range s.Instances {
		if s.Instances[i].Index == index {
			return &s.Instances[i]
		}
	}
	return nil
}

// AggregateStatus recomputes the step-level status from its instances.
// Any failed instance fails the step; the step is satisfied only when every
// instance is.
func (s *JobStep) AggregateStatus() StepStatus {
	if !s.FannedOut() {
		return s.Status
	}
	satisfied := 0
	inFlight := false
	for i := range s.Instances {
		st := s.Instances[i].Status
		if st == StepFailed {
			return StepFailed
		}
		if st.Satisfied() {
			satisfied++
		}
		if st.InFlight() {
			inFlight = true
		}
	}
	if satisfied == len(s.Instances) {
		return StepComplete
	}
	if inFlight {
		return StepProcessing
	}
	return StepPending
}

// CombinedOutputs merges instance outputs into indexed placeholder keys,
// e.g. "slice" from instance 2 becomes "slice[2]". For plain steps it
// returns ProducedOutputs.
func (s *JobStep) CombinedOutputs() map[string]string {
	if !s.FannedOut() {
		return s.ProducedOutputs
	}
	out := map[string]string{}
	for i := range s.Instances {
		inst := &s.Instances[i]
		for k, v := range inst.ProducedOutputs {
			out[fmt.Sprintf("%s[%d]", k, inst.Index)] = v
		}
	}
	return out
}

// indexedOutputRe matches indexed output keys of the form name[i].
var indexedOutputRe = regexp.MustCompile(`^([a-zA-Z0-9_-]+)\[(\d+)\]$`)

// IndexedOutputs returns the ordered values of an indexed output set
// ("name[0]", "name[1]", ...) in a produced-outputs map. The second return
// is false when the map holds no indexed entries for the name.
func IndexedOutputs(produced map[string]string, name string) ([]string, bool) {
	type pair struct {
		idx int
		val string
	}
	var pairs []pair
	for k, v := range produced {
		m := indexedOutputRe.FindStringSubmatch(k)
		if m == nil || m[1] != name {
			continue
		}
		var idx int
		fmt.Sscanf(m[2], "%d", &idx)
		pairs = append(pairs, pair{idx: idx, val: v})
	}
	if len(pairs) == 0 {
		return nil, false
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].idx < pairs[j].idx })
	vals := make([]string, 0, len(pairs))
	for _, p := range pairs {
		vals = append(vals, p.val)
	}
	return vals, true
}

func sortedKeysAny(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CombinedChecksums merges instance output checksums into indexed keys the
// same way CombinedOutputs does.
func (s *JobStep) CombinedChecksums() map[string]string {
	if !s.FannedOut() {
		return s.OutputChecksums
	}
	out := map[string]string{}
	for i := range s.Instances {
		inst := &s.Instances[i]
		for k, v := range inst.OutputChecksums {
			out[fmt.Sprintf("%s[%d]", k, inst.Index)] = v
		}
	}
	return out
}
