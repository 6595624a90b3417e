// Package runreport tracks per-run enqueue/outcome bookkeeping. All
// mutations are additive so they stay correct under out-of-order and
// concurrent recording from many worker invocations.
package runreport

import "context"

// Tracker is the write surface used by the producer, consumer, and
// schedulers.
type Tracker interface {
	// Create inserts the report if absent. created=false signals a
	// duplicate trigger and lets the caller short-circuit.
	Create(ctx context.Context, runID, runType, runSource string) (created bool, err error)
	// AddEnqueued merges per-lender enqueued counts into the summary
	// and flips the run back to running; used when a run's scope grows
	// after creation.
	AddEnqueued(ctx context.Context, runID string, perLender map[string]int) error
	// RecordOutcome additively counts one processed or failed job for
	// a lender and finalizes the run once completion reaches the
	// enqueued total.
	RecordOutcome(ctx context.Context, runID, lenderCode string, success bool, errMsg string) error
	// MarkFailed aborts the whole run with a message.
	MarkFailed(ctx context.Context, runID, msg string) error
}
