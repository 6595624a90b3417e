// Package scheduler bootstraps pipeline runs from cron triggers and
// guards them against concurrent double-firing with run locks.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ratewatch/internal/backfill"
	"ratewatch/internal/config"
	"ratewatch/internal/jobs"
	"ratewatch/internal/models"
	"ratewatch/internal/runlock"
	"ratewatch/internal/runreport"
)

// DailyJobEnqueuer fans daily fetch jobs out to the queue.
type DailyJobEnqueuer interface {
	EnqueueDailyLenderJobs(ctx context.Context, runID, runSource string, lenders []models.Lender, date time.Time) (jobs.EnqueueResult, error)
	EnqueueDailySavingsLenderJobs(ctx context.Context, runID, runSource string, lenders []models.Lender, date time.Time) (jobs.EnqueueResult, error)
}

// BackfillTicker claims and enqueues historical days for a run.
type BackfillTicker interface {
	RunTick(ctx context.Context, runID string, collectionDate time.Time, lenders []models.Lender) (backfill.TickResult, error)
}

// LenderSource resolves the configured lender set.
type LenderSource interface {
	Lenders(ctx context.Context) ([]models.Lender, error)
}

// Scheduler owns run bootstrap: locking, run report creation, and job
// fan-out.
type Scheduler struct {
	cfg      config.Config
	locker   runlock.Locker
	reporter runreport.Tracker
	producer DailyJobEnqueuer
	backfill BackfillTicker
	lenders  LenderSource
	log      *zap.Logger

	// now is swappable in tests.
	now func() time.Time
}

func New(cfg config.Config, locker runlock.Locker, reporter runreport.Tracker, producer DailyJobEnqueuer, backfillTicker BackfillTicker, lenders LenderSource, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		cfg:      cfg,
		locker:   locker,
		reporter: reporter,
		producer: producer,
		backfill: backfillTicker,
		lenders:  lenders,
		log:      log,
		now:      time.Now,
	}
}

// DailyRunResult reports what one daily trigger did.
type DailyRunResult struct {
	RunID          string `json:"run_id,omitempty"`
	CollectionDate string `json:"collection_date"`
	Enqueued       int    `json:"enqueued"`
	BackfillDays   int    `json:"backfill_days"`
	Skipped        bool   `json:"skipped"`
	Reason         string `json:"reason,omitempty"`
}

// CollectionDate is today in the configured collection timezone,
// truncated to a day.
func (s *Scheduler) CollectionDate() time.Time {
	loc, err := time.LoadLocation(s.cfg.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := s.now().In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

// TriggerDailyRun starts one daily ingest run for today's collection
// date. A lock keyed by the date keeps concurrently firing triggers
// down to one run per day; force bypasses the lock for manual reruns.
func (s *Scheduler) TriggerDailyRun(ctx context.Context, source string, force bool) (DailyRunResult, error) {
	date := s.CollectionDate()
	dateStr := models.FormatDate(date)
	runID := uuid.New().String()

	if !force {
		acquired, err := s.locker.Acquire(ctx, "daily_run:"+dateStr, runID, s.cfg.RunLockTTL)
		if err != nil {
			return DailyRunResult{}, fmt.Errorf("acquire daily run lock: %w", err)
		}
		if !acquired {
			s.log.Info("daily run already triggered for date", zap.String("collection_date", dateStr))
			return DailyRunResult{CollectionDate: dateStr, Skipped: true, Reason: "already_running"}, nil
		}
	}

	created, err := s.reporter.Create(ctx, runID, models.RunTypeDaily, source)
	if err != nil {
		return DailyRunResult{}, fmt.Errorf("create run report: %w", err)
	}
	if !created {
		return DailyRunResult{CollectionDate: dateStr, Skipped: true, Reason: "duplicate_run_id"}, nil
	}

	lenders, err := s.lenders.Lenders(ctx)
	if err != nil {
		return s.failRun(ctx, runID, dateStr, fmt.Errorf("load lenders: %w", err))
	}

	loans, err := s.producer.EnqueueDailyLenderJobs(ctx, runID, source, lenders, date)
	if err != nil {
		return s.failRun(ctx, runID, dateStr, fmt.Errorf("enqueue daily lender jobs: %w", err))
	}
	savings, err := s.producer.EnqueueDailySavingsLenderJobs(ctx, runID, source, lenders, date)
	if err != nil {
		return s.failRun(ctx, runID, dateStr, fmt.Errorf("enqueue daily savings jobs: %w", err))
	}

	perLender := make(map[string]int, len(loans.PerLender))
	for lender, n := range loans.PerLender {
		perLender[lender] += n
	}
	for lender, n := range savings.PerLender {
		perLender[lender] += n
	}
	if err := s.reporter.AddEnqueued(ctx, runID, perLender); err != nil {
		return s.failRun(ctx, runID, dateStr, fmt.Errorf("record enqueued counts: %w", err))
	}

	// The daily run also moves history backwards a day per lender.
	tick, err := s.RunAutoBackfillTick(ctx, runID, date)
	if err != nil {
		// Daily ingest is already in flight; the backfill shortfall is
		// recoverable on the next run.
		s.log.Error("auto backfill tick failed", zap.String("run_id", runID), zap.Error(err))
	}

	s.log.Info("daily run triggered",
		zap.String("run_id", runID),
		zap.String("collection_date", dateStr),
		zap.String("source", source),
		zap.Int("enqueued", loans.Total+savings.Total),
		zap.Int("backfill_days", tick.Enqueued))
	return DailyRunResult{
		RunID:          runID,
		CollectionDate: dateStr,
		Enqueued:       loans.Total + savings.Total,
		BackfillDays:   tick.Enqueued,
	}, nil
}

// RunAutoBackfillTick claims up to the configured cap of unclaimed
// lender days and enqueues fetch jobs for them under runID.
func (s *Scheduler) RunAutoBackfillTick(ctx context.Context, runID string, collectionDate time.Time) (backfill.TickResult, error) {
	lenders, err := s.lenders.Lenders(ctx)
	if err != nil {
		return backfill.TickResult{}, fmt.Errorf("load lenders: %w", err)
	}
	return s.backfill.RunTick(ctx, runID, collectionDate, lenders)
}

func (s *Scheduler) failRun(ctx context.Context, runID, dateStr string, cause error) (DailyRunResult, error) {
	if err := s.reporter.MarkFailed(ctx, runID, cause.Error()); err != nil {
		s.log.Error("mark run failed", zap.String("run_id", runID), zap.Error(err))
	}
	return DailyRunResult{RunID: runID, CollectionDate: dateStr}, cause
}
