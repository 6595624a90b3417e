package models

import "time"

// AutoBackfillProgress tracks one lender's walk backwards through
// history. LastRunID doubles as the lease: non-empty means a run has
// claimed the row's NextCollectionDate and nobody else may touch it.
type AutoBackfillProgress struct {
	LenderCode         string    `json:"lender_code"`
	NextCollectionDate time.Time `json:"next_collection_date"`
	EmptyStreak        int       `json:"empty_streak"`
	Status             string    `json:"status"`
	LastRunID          string    `json:"last_run_id,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// AutoBackfillProgress states.
const (
	BackfillStatusActive           = "active"
	BackfillStatusCompletedHistory = "completed_full_history"
)

// MaxEmptyStreak terminates a lender's backfill after a year of days
// with no signal at all.
const MaxEmptyStreak = 365

// DatasetCoverageProgress tracks the backward-moving historical
// coverage cursor for one dataset. CursorDate is the earliest date not
// yet attempted and only ever decreases.
type DatasetCoverageProgress struct {
	Dataset           string     `json:"dataset"`
	FirstCoverageDate *time.Time `json:"first_coverage_date,omitempty"`
	CursorDate        *time.Time `json:"cursor_date,omitempty"`
	Status            string     `json:"status"`
	EmptyStreak       int        `json:"empty_streak"`
	LastTickAt        *time.Time `json:"last_tick_at,omitempty"`
	LastTickStatus    string     `json:"last_tick_status,omitempty"`
	LastTickRunID     string     `json:"last_tick_run_id,omitempty"`
	LastTickTasks     int        `json:"last_tick_tasks"`
	LastTickError     string     `json:"last_tick_error,omitempty"`
}

// DatasetCoverageProgress states.
const (
	CoverageStatusPending    = "pending"
	CoverageStatusActive     = "active"
	CoverageStatusCompleted  = "completed_lower_bound"
)

// Coverage tick outcomes recorded on the progress row.
const (
	TickStatusEnqueued      = "enqueued"
	TickStatusEnqueueFailed = "enqueue_failed"
)
