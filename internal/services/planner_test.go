package services

import (
	"testing"

	"github.com/google/uuid"

	"github.com/listenup-audio/backend/internal/domain"
	"github.com/listenup-audio/backend/internal/manifest"
)

func newTestPlanner(t *testing.T) *Planner {
	t.Helper()
	return NewPlanner(testLogger(t), manifest.WithBuiltins())
}

func chainJob(t *testing.T) *domain.Job {
	t.Helper()
	job, err := newTestValidator(t).Validate(chainRequest("user-1"))
	if err != nil {
		t.Fatalf("validate fixture: %v", err)
	}
	return job
}

func refNames(refs []StepRef) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.String())
	}
	return out
}

func TestPlanReadyAndBlocked(t *testing.T) {
	p := newTestPlanner(t)
	job := chainJob(t)

	plan := p.Plan(job)
	if got := refNames(plan.Ready); len(got) != 1 || got[0] != "transcode" {
		t.Fatalf("want only the root ready, got %v", got)
	}
	if len(plan.Blocked) != 1 || plan.Blocked[0] != "onsets" {
		t.Fatalf("want consumer blocked, got %v", plan.Blocked)
	}
}

func TestPlanResolvesLiteralInputs(t *testing.T) {
	p := newTestPlanner(t)
	job := chainJob(t)

	p.Plan(job)
	step := job.Step("transcode")
	if got := step.ResolvedInputs["audio"]; got != "s3://uploads/track.mp3" {
		t.Fatalf("literal not resolved, got %q", got)
	}
	if step.InputChecksums["audio"] == "" {
		t.Fatalf("literal input must carry a checksum")
	}
}

func TestPlanUnblocksConsumerAfterProducerCompletes(t *testing.T) {
	p := newTestPlanner(t)
	job := chainJob(t)

	job.Step("transcode").Status = domain.StepComplete
	job.Step("transcode").ProducedOutputs = map[string]string{"out": "jobs/x/out.wav"}

	plan := p.Plan(job)
	if got := refNames(plan.Ready); len(got) != 1 || got[0] != "onsets" {
		t.Fatalf("want consumer ready, got %v", got)
	}
	if got := job.Step("onsets").ResolvedInputs["audio"]; got != "jobs/x/out.wav" {
		t.Fatalf("producer output not bound, got %q", got)
	}
}

func TestPlanTreatsSkippedCachedAsSatisfied(t *testing.T) {
	p := newTestPlanner(t)
	job := chainJob(t)

	job.Step("transcode").Status = domain.StepSkippedCached
	job.Step("transcode").ProducedOutputs = map[string]string{"out": "jobs/cached/out.wav"}

	plan := p.Plan(job)
	if got := refNames(plan.Ready); len(got) != 1 || got[0] != "onsets" {
		t.Fatalf("cached producer must satisfy consumer, got %v", got)
	}
}

func TestPlanHoldsConsumerOfFailedProducer(t *testing.T) {
	p := newTestPlanner(t)
	job := chainJob(t)

	job.Step("transcode").Status = domain.StepFailed

	plan := p.Plan(job)
	if len(plan.Ready) != 0 {
		t.Fatalf("nothing should be ready, got %v", refNames(plan.Ready))
	}
	// Not blocked either: the step can only run again after a retry reset.
	if len(plan.Blocked) != 0 {
		t.Fatalf("consumer of failed producer is not waiting, got %v", plan.Blocked)
	}
}

func TestPlanIsIdempotentOverSameDocument(t *testing.T) {
	p := newTestPlanner(t)
	job := chainJob(t)

	first := p.Plan(job)
	second := p.Plan(job)
	if len(first.Ready) != len(second.Ready) {
		t.Fatalf("re-plan changed the ready set: %v vs %v", refNames(first.Ready), refNames(second.Ready))
	}
}

func TestPlanMaterializesFanOut(t *testing.T) {
	p := newTestPlanner(t)
	job, err := newTestValidator(t).Validate(fanOutRequest("user-1"))
	if err != nil {
		t.Fatalf("validate fixture: %v", err)
	}
	job.Step("slice").Status = domain.StepComplete
	job.Step("slice").ProducedOutputs = map[string]string{
		"slice[0]": "jobs/x/s0.wav",
		"slice[1]": "jobs/x/s1.wav",
		"slice[2]": "jobs/x/s2.wav",
	}

	plan := p.Plan(job)
	if plan.FanOuts["mfcc"] != 3 {
		t.Fatalf("want fan-out count 3, got %d", plan.FanOuts["mfcc"])
	}
	mfcc := job.Step("mfcc")
	if len(mfcc.Instances) != 3 {
		t.Fatalf("want 3 instances, got %d", len(mfcc.Instances))
	}
	for i, inst := range mfcc.Instances {
		want := map[int]string{0: "jobs/x/s0.wav", 1: "jobs/x/s1.wav", 2: "jobs/x/s2.wav"}[i]
		if inst.ResolvedInputs["audio"] != want {
			t.Fatalf("instance %d: want %q, got %q", i, want, inst.ResolvedInputs["audio"])
		}
	}
	if got := refNames(plan.Ready); len(got) != 3 || got[0] != "mfcc[0]" {
		t.Fatalf("want per-instance ready refs, got %v", got)
	}
}

func TestPlanCollapsesIndexedSetForNonFanOutConsumer(t *testing.T) {
	p := newTestPlanner(t)
	job, err := newTestValidator(t).Validate(fanOutRequest("user-1"))
	if err != nil {
		t.Fatalf("validate fixture: %v", err)
	}
	job.Step("slice").Status = domain.StepComplete
	job.Step("slice").ProducedOutputs = map[string]string{
		"slice[0]": "jobs/x/s0.wav",
		"slice[1]": "jobs/x/s1.wav",
	}
	mfcc := job.Step("mfcc")
	mfcc.Instances = []domain.StepInstance{
		{Index: 0, Status: domain.StepComplete, ProducedOutputs: map[string]string{"features": "jobs/x/f0.json"}},
		{Index: 1, Status: domain.StepComplete, ProducedOutputs: map[string]string{"features": "jobs/x/f1.json"}},
	}

	plan := p.Plan(job)
	if got := refNames(plan.Ready); len(got) != 1 || got[0] != "aggregate" {
		t.Fatalf("want aggregate ready, got %v", got)
	}
	if got := job.Step("aggregate").ResolvedInputs["stats"]; got != "jobs/x/f0.json,jobs/x/f1.json" {
		t.Fatalf("want index-ordered collapse, got %q", got)
	}
}

func TestPlanEmptyJob(t *testing.T) {
	p := newTestPlanner(t)
	plan := p.Plan(&domain.Job{ID: uuid.New()})
	if len(plan.Ready) != 0 || len(plan.Blocked) != 0 {
		t.Fatalf("empty job must plan to nothing, got %+v", plan)
	}
}
