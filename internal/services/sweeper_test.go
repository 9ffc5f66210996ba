package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/listenup-audio/backend/internal/domain"
	"github.com/listenup-audio/backend/internal/manifest"
)

func newTestSweeper(t *testing.T, o *OrchestratorService, repo *fakeJobRepo) *Sweeper {
	t.Helper()
	return NewSweeper(testLogger(t), repo, manifest.WithBuiltins(), o, DefaultOrchestratorConfig(), DefaultSweeperConfig())
}

func TestSweepReapsOverdueStep(t *testing.T) {
	o, repo, bus, _ := newTestOrchestrator(t)
	s := newTestSweeper(t, o, repo)
	ctx := context.Background()

	job, err := o.Submit(ctx, transcodeRequest("user-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	bus.popMessage(t, domain.ServiceQueue("ffmpeg_service"))

	// Backdate the dispatch far past the ffmpeg timeout.
	stored := mustGet(t, o, job.ID)
	past := time.Now().UTC().Add(-2 * time.Hour)
	stored.Step("transcode").DispatchedAt = &past
	if err := repo.Save(ctx, nil, stored); err != nil {
		t.Fatalf("backdate save: %v", err)
	}

	s.Sweep(ctx)

	stored = mustGet(t, o, job.ID)
	step := stored.Step("transcode")
	if step.Status != domain.StepFailed {
		t.Fatalf("want reaped step failed, got %s", step.Status)
	}
	if step.Error == nil || step.Error.Type != domain.ErrTypeInfrastructure || step.Error.Code != "step_timeout" {
		t.Fatalf("want infrastructure timeout error, got %+v", step.Error)
	}
	if stored.Status != domain.JobFailed {
		t.Fatalf("want job failed after reap, got %s", stored.Status)
	}
}

func TestSweepLeavesFreshStepsAlone(t *testing.T) {
	o, repo, bus, _ := newTestOrchestrator(t)
	s := newTestSweeper(t, o, repo)
	ctx := context.Background()

	job, err := o.Submit(ctx, transcodeRequest("user-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	bus.popMessage(t, domain.ServiceQueue("ffmpeg_service"))

	s.Sweep(ctx)

	stored := mustGet(t, o, job.ID)
	if st := stored.Step("transcode").Status; st != domain.StepDispatched {
		t.Fatalf("fresh step must survive the sweep, got %s", st)
	}
}

func TestSweepRedispatchesStalledJob(t *testing.T) {
	o, repo, bus, _ := newTestOrchestrator(t)
	s := newTestSweeper(t, o, repo)
	ctx := context.Background()

	// Submission succeeds even when the bus is down; the job is durable
	// with its root step stranded in pending.
	bus.failPushOn(domain.ServiceQueue("ffmpeg_service"), errors.New("bus unreachable"))
	job, err := o.Submit(ctx, transcodeRequest("user-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	stored := mustGet(t, o, job.ID)
	if st := stored.Step("transcode").Status; st != domain.StepPending {
		t.Fatalf("want stranded step pending, got %s", st)
	}
	if stored.Status != domain.JobProcessing {
		t.Fatalf("want job processing, got %s", stored.Status)
	}

	bus.healPush(domain.ServiceQueue("ffmpeg_service"))
	s.Sweep(ctx)

	msg := bus.popMessage(t, domain.ServiceQueue("ffmpeg_service"))
	if msg.StepName != "transcode" {
		t.Fatalf("want stranded step redriven, got %q", msg.StepName)
	}
	if st := mustGet(t, o, job.ID).Step("transcode").Status; st != domain.StepDispatched {
		t.Fatalf("want transcode dispatched after sweep, got %s", st)
	}
}

func TestSweepIgnoresTerminalJobs(t *testing.T) {
	o, repo, bus, _ := newTestOrchestrator(t)
	s := newTestSweeper(t, o, repo)
	ctx := context.Background()

	job, err := o.Submit(ctx, transcodeRequest("user-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	bus.popMessage(t, domain.ServiceQueue("ffmpeg_service"))
	if err := o.ApplyStatus(ctx, completeEvent(job.ID, "transcode", map[string]string{"out": "jobs/x/out.wav"})); err != nil {
		t.Fatalf("apply complete: %v", err)
	}

	s.Sweep(ctx)

	stored := mustGet(t, o, job.ID)
	if stored.Status != domain.JobComplete {
		t.Fatalf("terminal job must be untouched, got %s", stored.Status)
	}
}
