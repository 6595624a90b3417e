package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// JobKind discriminates queue messages. Adding a kind here requires a
// matching case in the consumer dispatch; the dispatch test walks
// AllJobKinds to keep the two in sync.
type JobKind string

const (
	KindDailyLenderFetch        JobKind = "daily_lender_fetch"
	KindProductDetailFetch      JobKind = "product_detail_fetch"
	KindDailySavingsLenderFetch JobKind = "daily_savings_lender_fetch"
	KindBackfillSnapshotFetch   JobKind = "backfill_snapshot_fetch"
	KindBackfillDayFetch        JobKind = "backfill_day_fetch"
	KindHistoricalTaskExecute   JobKind = "historical_task_execute"
)

// AllJobKinds lists every kind the consumer must handle.
var AllJobKinds = []JobKind{
	KindDailyLenderFetch,
	KindProductDetailFetch,
	KindDailySavingsLenderFetch,
	KindBackfillSnapshotFetch,
	KindBackfillDayFetch,
	KindHistoricalTaskExecute,
}

// Run trigger sources.
const (
	RunSourceScheduled = "scheduled"
	RunSourceManual    = "manual"
)

// Job is the queue message. Kind-specific fields are optional at the
// type level; the consumer validates the combination per kind before
// dispatching.
type Job struct {
	Kind      JobKind `json:"kind" validate:"required"`
	RunID     string  `json:"run_id" validate:"required"`
	RunSource string  `json:"run_source" validate:"required,oneof=scheduled manual"`

	LenderCode     string `json:"lender_code,omitempty"`
	CollectionDate string `json:"collection_date,omitempty"` // YYYY-MM-DD
	ProductID      string `json:"product_id,omitempty"`
	SeedURL        string `json:"seed_url,omitempty"`
	MonthCursor    string `json:"month_cursor,omitempty"` // YYYY-MM
	TaskID         string `json:"task_id,omitempty"`
	Dataset        string `json:"dataset,omitempty"`

	Attempt        int    `json:"attempt"`
	IdempotencyKey string `json:"idempotency_key"`
}

// IdempotencyKey derives a stable key from a job's logical identity so
// identical work always maps to the same key regardless of when it was
// enqueued. The scope part is the date, product, or task id that
// distinguishes jobs of the same kind within a run.
func IdempotencyKey(kind JobKind, runID, lenderCode, scope string) string {
	h := sha256.Sum256([]byte(strings.Join([]string{string(kind), runID, lenderCode, scope}, "|")))
	return hex.EncodeToString(h[:16])
}
