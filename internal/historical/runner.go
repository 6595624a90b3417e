// Package historical starts historical pull runs: one run report plus
// one task job per (lender, day) across the requested span.
package historical

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ratewatch/internal/coverage"
	"ratewatch/internal/jobs"
	"ratewatch/internal/models"
	"ratewatch/internal/runreport"
)

// LenderSource supplies the lender set a pull run fans out over.
type LenderSource interface {
	Lenders(ctx context.Context) ([]models.Lender, error)
}

// TaskEnqueuer sends historical task jobs to the queue.
type TaskEnqueuer interface {
	EnqueueHistoricalTaskJobs(ctx context.Context, runID, runSource string, tasks []jobs.HistoricalTask) (jobs.EnqueueResult, error)
}

// Runner implements the pull-runner side of the coverage walker.
type Runner struct {
	tracker  runreport.Tracker
	enqueuer TaskEnqueuer
	lenders  LenderSource
	log      *zap.Logger
}

func NewRunner(tracker runreport.Tracker, enqueuer TaskEnqueuer, lenders LenderSource, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{tracker: tracker, enqueuer: enqueuer, lenders: lenders, log: log}
}

// Start creates a backfill run report and enqueues one task per
// (lender, day) in [StartDate, EndDate]. The run ID is minted here so
// a transport failure after Create still leaves an attributable run.
func (r *Runner) Start(ctx context.Context, params coverage.StartParams) (coverage.StartResult, error) {
	start := models.Day(params.StartDate)
	end := models.Day(params.EndDate)
	if end.Before(start) {
		return coverage.StartResult{}, fmt.Errorf("end date %s before start date %s", models.FormatDate(end), models.FormatDate(start))
	}

	lenders, err := r.lenders.Lenders(ctx)
	if err != nil {
		return coverage.StartResult{}, fmt.Errorf("load lenders: %w", err)
	}
	if len(lenders) == 0 {
		return coverage.StartResult{}, fmt.Errorf("no lenders configured")
	}

	runID := uuid.New().String()
	if _, err := r.tracker.Create(ctx, runID, models.RunTypeBackfill, params.RunSource); err != nil {
		return coverage.StartResult{}, fmt.Errorf("create run report: %w", err)
	}

	var tasks []jobs.HistoricalTask
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		for _, lender := range lenders {
			tasks = append(tasks, jobs.HistoricalTask{
				TaskID:         taskID(params.ProductScope, lender.Code, day),
				Dataset:        params.ProductScope,
				LenderCode:     lender.Code,
				CollectionDate: day,
			})
		}
	}

	result, err := r.enqueuer.EnqueueHistoricalTaskJobs(ctx, runID, params.RunSource, tasks)
	if err != nil {
		msg := fmt.Sprintf("enqueue historical tasks: %v", err)
		if markErr := r.tracker.MarkFailed(ctx, runID, msg); markErr != nil {
			r.log.Error("mark run failed", zap.String("run_id", runID), zap.Error(markErr))
		}
		return coverage.StartResult{}, fmt.Errorf("enqueue historical tasks: %w", err)
	}
	if err := r.tracker.AddEnqueued(ctx, runID, result.PerLender); err != nil {
		return coverage.StartResult{}, fmt.Errorf("record enqueued counts: %w", err)
	}

	r.log.Info("historical pull started",
		zap.String("run_id", runID),
		zap.String("dataset", params.ProductScope),
		zap.String("start", models.FormatDate(start)),
		zap.String("end", models.FormatDate(end)),
		zap.Int("tasks", result.Total))
	return coverage.StartResult{RunID: runID, TasksQueued: result.Total}, nil
}

func taskID(dataset, lenderCode string, day time.Time) string {
	return fmt.Sprintf("%s:%s:%s", dataset, lenderCode, models.FormatDate(day))
}
