package models

import "time"

// Run lifecycle states persisted in Postgres.
const (
	RunStatusRunning = "running"
	RunStatusOK      = "ok"
	RunStatusPartial = "partial"
	RunStatusFailed  = "failed"
)

// Run types.
const (
	RunTypeDaily    = "daily"
	RunTypeBackfill = "backfill"
)

// LenderSummary tracks one lender's share of a run.
type LenderSummary struct {
	LenderCode string     `json:"lender_code"`
	Enqueued   int        `json:"enqueued"`
	Processed  int        `json:"processed"`
	Failed     int        `json:"failed"`
	LastError  string     `json:"last_error,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// RunReport is the persisted record of one pipeline run.
type RunReport struct {
	RunID          string          `json:"run_id"`
	RunType        string          `json:"run_type"`
	RunSource      string          `json:"run_source"`
	Status         string          `json:"status"`
	EnqueuedTotal  int             `json:"enqueued_total"`
	ProcessedTotal int             `json:"processed_total"`
	FailedTotal    int             `json:"failed_total"`
	LastError      string          `json:"last_error,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	Lenders        []LenderSummary `json:"lenders,omitempty"`
}

// RunProgress is the public derived view of a run's completion.
type RunProgress struct {
	RunID          string  `json:"run_id"`
	Status         string  `json:"status"`
	EnqueuedTotal  int     `json:"enqueued_total"`
	ProcessedTotal int     `json:"processed_total"`
	FailedTotal    int     `json:"failed_total"`
	CompletedTotal int     `json:"completed_total"`
	PendingTotal   int     `json:"pending_total"`
	ProgressPct    float64 `json:"progress_pct"`
}
