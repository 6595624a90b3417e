// Package coverage advances each dataset's historical-coverage cursor
// backwards one day per hourly tick. The cursor is the earliest date
// not yet attempted; it only ever decreases, and a failed pull start
// leaves it in place so the next tick retries the same day.
package coverage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ratewatch/internal/models"
	"ratewatch/internal/runlock"
	"ratewatch/internal/telemetry"
)

// ProgressStore persists dataset coverage rows.
type ProgressStore interface {
	Get(ctx context.Context, dataset string) (models.DatasetCoverageProgress, bool, error)
	Upsert(ctx context.Context, progress models.DatasetCoverageProgress) error
}

// CoverageSource reports the earliest collected date per dataset.
type CoverageSource interface {
	FirstCoverageDate(ctx context.Context, dataset string) (time.Time, bool, error)
}

// StartParams scope one historical pull run.
type StartParams struct {
	StartDate     time.Time
	EndDate       time.Time
	ProductScope  string
	RunSource     string
	TriggerSource string
}

// StartResult identifies the started run.
type StartResult struct {
	RunID       string
	TasksQueued int
}

// PullRunner starts a historical pull run for a date span.
type PullRunner interface {
	Start(ctx context.Context, params StartParams) (StartResult, error)
}

// Tick actions recorded per dataset.
const (
	ActionStarted       = "started"
	ActionPending       = "pending"
	ActionCompleted     = "completed_lower_bound"
	ActionEnqueueFailed = "enqueue_failed"
)

// DatasetTick is the outcome of one dataset within a tick.
type DatasetTick struct {
	Dataset string `json:"dataset"`
	Action  string `json:"action"`
	Date    string `json:"date,omitempty"`
	RunID   string `json:"run_id,omitempty"`
	Tasks   int    `json:"tasks,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TickReport summarizes one hourly tick.
type TickReport struct {
	Skipped  bool          `json:"skipped"`
	Datasets []DatasetTick `json:"datasets,omitempty"`
}

// Walker runs the hourly coverage tick.
type Walker struct {
	locker runlock.Locker
	store  ProgressStore
	source CoverageSource
	runner PullRunner
	log    *zap.Logger
}

func NewWalker(locker runlock.Locker, store ProgressStore, source CoverageSource, runner PullRunner, log *zap.Logger) *Walker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Walker{locker: locker, store: store, source: source, runner: runner, log: log}
}

// HandleHourlyTick advances every dataset's cursor under an
// hour-bucket lock, so a duplicate trigger within the same hour is a
// no-op rather than double work.
func (w *Walker) HandleHourlyTick(ctx context.Context, now time.Time) (TickReport, error) {
	key := "hourly_wayback:" + now.UTC().Format("2006-01-02T15")
	owner := uuid.New().String()
	acquired, err := w.locker.Acquire(ctx, key, owner, time.Hour)
	if err != nil {
		return TickReport{}, fmt.Errorf("lock unavailable: %w", err)
	}
	if !acquired {
		telemetry.LockContention.Inc()
		w.log.Info("hourly coverage tick already running for this hour", zap.String("key", key))
		return TickReport{Skipped: true}, nil
	}

	report := TickReport{}
	for _, dataset := range models.AllDatasets {
		tick, err := w.tickDataset(ctx, dataset)
		if err != nil {
			// A broken dataset must not starve the others.
			w.log.Error("coverage tick failed for dataset", zap.String("dataset", dataset), zap.Error(err))
			tick = DatasetTick{Dataset: dataset, Action: ActionEnqueueFailed, Error: err.Error()}
		}
		report.Datasets = append(report.Datasets, tick)
	}
	telemetry.CoverageTicks.Inc()
	return report, nil
}

func (w *Walker) tickDataset(ctx context.Context, dataset string) (DatasetTick, error) {
	now := time.Now().UTC()
	row, found, err := w.store.Get(ctx, dataset)
	if err != nil {
		return DatasetTick{}, err
	}
	if !found {
		row = models.DatasetCoverageProgress{Dataset: dataset, Status: models.CoverageStatusPending}
	}
	if row.Status == models.CoverageStatusCompleted {
		return DatasetTick{Dataset: dataset, Action: ActionCompleted}, nil
	}

	first, anchored, err := w.source.FirstCoverageDate(ctx, dataset)
	if err != nil {
		return DatasetTick{}, fmt.Errorf("first coverage date: %w", err)
	}
	if !anchored {
		// Nothing collected yet, so there is no anchor to walk back from.
		row.Status = models.CoverageStatusPending
		row.LastTickAt = &now
		if err := w.store.Upsert(ctx, row); err != nil {
			return DatasetTick{}, err
		}
		return DatasetTick{Dataset: dataset, Action: ActionPending}, nil
	}

	first = models.Day(first)
	row.FirstCoverageDate = &first

	// The cursor never moves forward, even if stored coverage regresses.
	cursor := first.AddDate(0, 0, -1)
	if row.CursorDate != nil && models.Day(*row.CursorDate).Before(cursor) {
		cursor = models.Day(*row.CursorDate)
	}

	if models.BeforeLowerBound(cursor) {
		row.CursorDate = &cursor
		row.Status = models.CoverageStatusCompleted
		row.LastTickAt = &now
		if err := w.store.Upsert(ctx, row); err != nil {
			return DatasetTick{}, err
		}
		w.log.Info("dataset coverage reached history lower bound", zap.String("dataset", dataset))
		return DatasetTick{Dataset: dataset, Action: ActionCompleted}, nil
	}

	result, err := w.runner.Start(ctx, StartParams{
		StartDate:     cursor,
		EndDate:       cursor,
		ProductScope:  dataset,
		RunSource:     models.RunSourceScheduled,
		TriggerSource: "hourly_wayback",
	})
	row.LastTickAt = &now
	if err != nil {
		// Keep the cursor where it is; the next tick retries this day.
		row.CursorDate = &cursor
		row.Status = models.CoverageStatusActive
		row.LastTickStatus = models.TickStatusEnqueueFailed
		row.LastTickError = err.Error()
		if upsertErr := w.store.Upsert(ctx, row); upsertErr != nil {
			return DatasetTick{}, upsertErr
		}
		return DatasetTick{Dataset: dataset, Action: ActionEnqueueFailed, Date: models.FormatDate(cursor), Error: err.Error()}, nil
	}

	next := cursor.AddDate(0, 0, -1)
	row.CursorDate = &next
	row.Status = models.CoverageStatusActive
	if models.BeforeLowerBound(next) {
		row.Status = models.CoverageStatusCompleted
	}
	row.LastTickStatus = models.TickStatusEnqueued
	row.LastTickRunID = result.RunID
	row.LastTickTasks = result.TasksQueued
	row.LastTickError = ""
	if err := w.store.Upsert(ctx, row); err != nil {
		return DatasetTick{}, err
	}
	return DatasetTick{
		Dataset: dataset,
		Action:  ActionStarted,
		Date:    models.FormatDate(cursor),
		RunID:   result.RunID,
		Tasks:   result.TasksQueued,
	}, nil
}
