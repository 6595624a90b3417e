// Package jobs builds typed queue messages and sends them in bounded
// batches.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ratewatch/internal/models"
	"ratewatch/internal/telemetry"
)

// MaxBatchSize bounds one transport send; large runs are split.
const MaxBatchSize = 100

// Transport is the queue send surface the producer depends on.
type Transport interface {
	SendBatch(ctx context.Context, bodies [][]byte) error
}

// Producer builds and enqueues jobs for a run.
type Producer struct {
	transport Transport
	batchSize int
	log       *zap.Logger
}

func NewProducer(transport Transport, batchSize int, log *zap.Logger) *Producer {
	if batchSize <= 0 || batchSize > MaxBatchSize {
		batchSize = MaxBatchSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Producer{transport: transport, batchSize: batchSize, log: log}
}

// EnqueueResult reports how many jobs were sent, broken down per
// lender for the run report.
type EnqueueResult struct {
	Total     int
	PerLender map[string]int
}

// EnqueueDailyLenderJobs sends one daily_lender_fetch per lender.
func (p *Producer) EnqueueDailyLenderJobs(ctx context.Context, runID, runSource string, lenders []models.Lender, date time.Time) (EnqueueResult, error) {
	batch := make([]models.Job, 0, len(lenders))
	for _, lender := range lenders {
		batch = append(batch, p.newJob(models.KindDailyLenderFetch, runID, runSource, lender.Code, models.FormatDate(date), func(j *models.Job) {
			j.CollectionDate = models.FormatDate(date)
		}))
	}
	return p.send(ctx, batch)
}

// EnqueueDailySavingsLenderJobs sends one daily_savings_lender_fetch
// per lender that publishes savings products.
func (p *Producer) EnqueueDailySavingsLenderJobs(ctx context.Context, runID, runSource string, lenders []models.Lender, date time.Time) (EnqueueResult, error) {
	batch := make([]models.Job, 0, len(lenders))
	for _, lender := range lenders {
		batch = append(batch, p.newJob(models.KindDailySavingsLenderFetch, runID, runSource, lender.Code, models.FormatDate(date), func(j *models.Job) {
			j.CollectionDate = models.FormatDate(date)
		}))
	}
	return p.send(ctx, batch)
}

// EnqueueProductDetailJobs fans one lender's product listing out into
// per-product detail fetches.
func (p *Producer) EnqueueProductDetailJobs(ctx context.Context, runID, runSource, lenderCode string, date time.Time, productIDs []string) (EnqueueResult, error) {
	batch := make([]models.Job, 0, len(productIDs))
	for _, productID := range productIDs {
		pid := productID
		batch = append(batch, p.newJob(models.KindProductDetailFetch, runID, runSource, lenderCode, pid, func(j *models.Job) {
			j.ProductID = pid
			j.CollectionDate = models.FormatDate(date)
		}))
	}
	return p.send(ctx, batch)
}

// BackfillClaim is one successfully leased (lender, day) pair.
type BackfillClaim struct {
	LenderCode     string
	CollectionDate time.Time
}

// EnqueueBackfillDayJobs sends one backfill_day_fetch per claimed day.
func (p *Producer) EnqueueBackfillDayJobs(ctx context.Context, runID string, claims []BackfillClaim) (EnqueueResult, error) {
	batch := make([]models.Job, 0, len(claims))
	for _, claim := range claims {
		c := claim
		batch = append(batch, p.newJob(models.KindBackfillDayFetch, runID, models.RunSourceScheduled, c.LenderCode, models.FormatDate(c.CollectionDate), func(j *models.Job) {
			j.CollectionDate = models.FormatDate(c.CollectionDate)
		}))
	}
	return p.send(ctx, batch)
}

// EnqueueBackfillSnapshotJobs sends one backfill_snapshot_fetch per
// seed URL for a lender's month of archived pages.
func (p *Producer) EnqueueBackfillSnapshotJobs(ctx context.Context, runID, runSource, lenderCode, monthCursor string, seedURLs []string) (EnqueueResult, error) {
	batch := make([]models.Job, 0, len(seedURLs))
	for _, seedURL := range seedURLs {
		u := seedURL
		batch = append(batch, p.newJob(models.KindBackfillSnapshotFetch, runID, runSource, lenderCode, monthCursor+"|"+u, func(j *models.Job) {
			j.SeedURL = u
			j.MonthCursor = monthCursor
		}))
	}
	return p.send(ctx, batch)
}

// HistoricalTask is one dated unit of a historical pull run.
type HistoricalTask struct {
	TaskID         string
	Dataset        string
	LenderCode     string
	CollectionDate time.Time
}

// EnqueueHistoricalTaskJobs sends one historical_task_execute per task.
func (p *Producer) EnqueueHistoricalTaskJobs(ctx context.Context, runID, runSource string, tasks []HistoricalTask) (EnqueueResult, error) {
	batch := make([]models.Job, 0, len(tasks))
	for _, task := range tasks {
		tk := task
		batch = append(batch, p.newJob(models.KindHistoricalTaskExecute, runID, runSource, tk.LenderCode, tk.TaskID, func(j *models.Job) {
			j.TaskID = tk.TaskID
			j.Dataset = tk.Dataset
			j.CollectionDate = models.FormatDate(tk.CollectionDate)
		}))
	}
	return p.send(ctx, batch)
}

func (p *Producer) newJob(kind models.JobKind, runID, runSource, lenderCode, scope string, fill func(*models.Job)) models.Job {
	job := models.Job{
		Kind:           kind,
		RunID:          runID,
		RunSource:      runSource,
		LenderCode:     lenderCode,
		Attempt:        1,
		IdempotencyKey: models.IdempotencyKey(kind, runID, lenderCode, scope),
	}
	fill(&job)
	return job
}

func (p *Producer) send(ctx context.Context, batch []models.Job) (EnqueueResult, error) {
	result := EnqueueResult{PerLender: make(map[string]int)}
	bodies := make([][]byte, 0, len(batch))
	for _, job := range batch {
		body, err := json.Marshal(job)
		if err != nil {
			return result, fmt.Errorf("marshal job %s: %w", job.IdempotencyKey, err)
		}
		bodies = append(bodies, body)
	}
	for start := 0; start < len(bodies); start += p.batchSize {
		end := start + p.batchSize
		if end > len(bodies) {
			end = len(bodies)
		}
		if err := p.transport.SendBatch(ctx, bodies[start:end]); err != nil {
			// Report what actually made it out; the caller records
			// these counts so the run report matches the queue.
			return result, fmt.Errorf("send batch: %w", err)
		}
		for _, job := range batch[start:end] {
			result.Total++
			result.PerLender[job.LenderCode]++
			telemetry.JobsEnqueued.Inc()
		}
	}
	p.log.Debug("jobs enqueued", zap.Int("count", result.Total))
	return result, nil
}
