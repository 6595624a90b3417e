package consumer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"ratewatch/internal/config"
	"ratewatch/internal/queue"
	"ratewatch/internal/telemetry"
)

// Runner drives the worker poll loop: promote due retries, reclaim
// expired leases, receive a batch, hand it to the consumer.
type Runner struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	consumer *Consumer
	log      *zap.Logger
}

func NewRunner(cfg config.Config, q *queue.RedisQueue, c *Consumer, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{cfg: cfg, queue: q, consumer: c, log: log}
}

// Run loops until context cancellation.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		now := time.Now()
		if _, err := r.queue.PromoteDelayed(ctx, now, 100); err != nil {
			r.log.Warn("promote delayed messages", zap.Error(err))
		}
		if reclaimed, err := r.queue.RequeueExpired(ctx, now, 100); err != nil {
			r.log.Warn("reclaim expired leases", zap.Error(err))
		} else if reclaimed > 0 {
			r.log.Info("reclaimed expired leases", zap.Int("count", reclaimed))
		}
		if depth, err := r.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		deliveries, err := r.queue.Receive(ctx, r.cfg.WorkerBatchSize)
		if err != nil {
			r.log.Warn("receive batch", zap.Error(err))
			r.idle(ctx)
			continue
		}
		if len(deliveries) == 0 {
			r.idle(ctx)
			continue
		}

		batch := make([]Delivery, len(deliveries))
		for i, d := range deliveries {
			batch[i] = d
		}
		r.consumer.HandleBatch(ctx, batch)
	}
}

func (r *Runner) idle(ctx context.Context) {
	timer := time.NewTimer(r.cfg.WorkerPollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
