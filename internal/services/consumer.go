package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	redisclient "github.com/listenup-audio/backend/internal/clients/redis"
	"github.com/listenup-audio/backend/internal/domain"
	"github.com/listenup-audio/backend/internal/pkg/logger"
)

type StatusConsumerConfig struct {
	// Workers is the size of the consumer pool draining the status queue.
	Workers int
	// PopTimeout bounds each blocking pop so shutdown stays responsive.
	PopTimeout time.Duration
	// RequeueDelay seeds the backoff after an infrastructure failure; it
	// doubles per consecutive failure up to MaxRequeueDelay.
	RequeueDelay    time.Duration
	MaxRequeueDelay time.Duration
}

func DefaultStatusConsumerConfig() StatusConsumerConfig {
	return StatusConsumerConfig{
		Workers:         4,
		PopTimeout:      2 * time.Second,
		RequeueDelay:    time.Second,
		MaxRequeueDelay: 30 * time.Second,
	}
}

// StatusConsumer drains worker outcome events off the status queue and
// applies them through the orchestrator. Malformed events are dropped;
// events that fail on infrastructure are pushed back for redelivery.
type StatusConsumer struct {
	log          *logger.Logger
	bus          redisclient.Bus
	orchestrator *OrchestratorService
	cfg          StatusConsumerConfig
}

func NewStatusConsumer(baseLog *logger.Logger, bus redisclient.Bus, orchestrator *OrchestratorService, cfg StatusConsumerConfig) *StatusConsumer {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultStatusConsumerConfig().Workers
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = DefaultStatusConsumerConfig().PopTimeout
	}
	if cfg.MaxRequeueDelay <= 0 {
		cfg.MaxRequeueDelay = DefaultStatusConsumerConfig().MaxRequeueDelay
	}
	return &StatusConsumer{
		log:          baseLog.With("service", "StatusConsumer"),
		bus:          bus,
		orchestrator: orchestrator,
		cfg:          cfg,
	}
}

// Run blocks until ctx is canceled, consuming with cfg.Workers goroutines.
func (c *StatusConsumer) Run(ctx context.Context) error {
	c.log.Info("status consumer starting", "queue", domain.StatusQueue, "workers", c.cfg.Workers)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			return c.loop(ctx, worker)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *StatusConsumer) loop(ctx context.Context, worker int) error {
	delay := c.cfg.RequeueDelay
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := c.bus.Pop(ctx, domain.StatusQueue, c.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error("status queue pop failed", "worker", worker, "delay", delay, "error", err)
			sleepContext(ctx, delay)
			delay = nextBackoff(delay, c.cfg.MaxRequeueDelay)
			continue
		}
		if raw == nil {
			continue
		}
		if c.handle(ctx, worker, raw) {
			delay = c.cfg.RequeueDelay
			continue
		}
		sleepContext(ctx, delay)
		delay = nextBackoff(delay, c.cfg.MaxRequeueDelay)
	}
}

// handle consumes one raw event. It reports false when the event could not
// be applied and was pushed back for redelivery, so the loop backs off.
func (c *StatusConsumer) handle(ctx context.Context, worker int, raw []byte) bool {
	var ev domain.StepStatusEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		c.log.Warn("dropping malformed status event", "worker", worker, "error", err)
		return true
	}
	if ev.StepName == "" {
		c.log.Warn("dropping status event without step name", "worker", worker, "job_id", ev.JobID)
		return true
	}

	if err := c.orchestrator.ApplyStatus(ctx, ev); err != nil {
		// Document and queue are still consistent: the event was not
		// applied, so push it back and let a later delivery succeed.
		c.log.Error("status event apply failed, requeueing", "worker", worker, "job_id", ev.JobID, "step", ev.StepName, "error", err)
		if pushErr := c.bus.Push(ctx, domain.StatusQueue, ev); pushErr != nil {
			c.log.Error("status event requeue failed, event lost to sweeper", "worker", worker, "job_id", ev.JobID, "step", ev.StepName, "error", pushErr)
		}
		return false
	}
	return true
}
