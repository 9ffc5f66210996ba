package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/listenup-audio/backend/internal/domain"
)

func newTestConsumer(t *testing.T, o *OrchestratorService, bus *fakeBus) *StatusConsumer {
	t.Helper()
	return NewStatusConsumer(testLogger(t), bus, o, DefaultStatusConsumerConfig())
}

func TestConsumerAppliesQueuedOutcome(t *testing.T) {
	o, _, bus, _ := newTestOrchestrator(t)
	c := newTestConsumer(t, o, bus)
	ctx := context.Background()

	job, err := o.Submit(ctx, transcodeRequest("user-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	bus.popMessage(t, domain.ServiceQueue("ffmpeg_service"))

	ev := completeEvent(job.ID, "transcode", map[string]string{"out": "jobs/x/out.wav"})
	if err := bus.Push(ctx, domain.StatusQueue, ev); err != nil {
		t.Fatalf("push event: %v", err)
	}

	raw, err := bus.Pop(ctx, domain.StatusQueue, 0)
	if err != nil || raw == nil {
		t.Fatalf("pop event: raw=%v err=%v", raw, err)
	}
	if !c.handle(ctx, 0, raw) {
		t.Fatalf("applied event must be acked")
	}

	stored := mustGet(t, o, job.ID)
	if stored.Status != domain.JobComplete {
		t.Fatalf("want job complete after consumed event, got %s", stored.Status)
	}
	if n := bus.queueLen(domain.StatusQueue); n != 0 {
		t.Fatalf("applied event must not be requeued, queue len %d", n)
	}
}

func TestConsumerDropsMalformedEvent(t *testing.T) {
	o, _, bus, _ := newTestOrchestrator(t)
	c := newTestConsumer(t, o, bus)
	ctx := context.Background()

	c.handle(ctx, 0, []byte("{not json"))
	c.handle(ctx, 0, []byte(`{"job_id":"00000000-0000-0000-0000-000000000000"}`))

	if n := bus.queueLen(domain.StatusQueue); n != 0 {
		t.Fatalf("malformed events must be dropped, queue len %d", n)
	}
}

func TestConsumerDropsEventForUnknownJob(t *testing.T) {
	o, _, bus, _ := newTestOrchestrator(t)
	c := newTestConsumer(t, o, bus)
	ctx := context.Background()

	raw := []byte(`{"job_id":"5a8e5d60-0000-4000-8000-000000000001","step_name":"transcode","outcome":"complete"}`)
	c.handle(ctx, 0, raw)

	if n := bus.queueLen(domain.StatusQueue); n != 0 {
		t.Fatalf("events for unknown jobs must be dropped, queue len %d", n)
	}
}

func TestConsumerRequeuesWhenApplyFails(t *testing.T) {
	o, _, bus, _ := newTestOrchestrator(t)
	c := newTestConsumer(t, o, bus)
	ctx := context.Background()

	job, err := o.Submit(ctx, chainRequest("user-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	bus.popMessage(t, domain.ServiceQueue("ffmpeg_service"))

	bus.failPushOn(domain.ServiceQueue("librosa_service"), errors.New("bus unreachable"))
	raw, err := json.Marshal(completeEvent(job.ID, "transcode", map[string]string{"out": "jobs/x/out.wav"}))
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	if c.handle(ctx, 0, raw) {
		t.Fatalf("failed apply must not be acked")
	}
	if n := bus.queueLen(domain.StatusQueue); n != 1 {
		t.Fatalf("failed apply must be requeued for redelivery, queue len %d", n)
	}
}

func TestRequeueBackoffDoublesUpToCap(t *testing.T) {
	max := 30 * time.Second
	d := time.Second
	for i, want := range []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	} {
		d = nextBackoff(d, max)
		if d != want {
			t.Fatalf("step %d: want %v, got %v", i, want, d)
		}
	}
}
