package backfill

import (
	"context"
	"errors"
	"testing"
	"time"

	"ratewatch/internal/jobs"
	"ratewatch/internal/models"
	"ratewatch/internal/runreport"
)

type captureEnqueuer struct {
	claims []jobs.BackfillClaim
}

func (e *captureEnqueuer) EnqueueBackfillDayJobs(_ context.Context, _ string, claims []jobs.BackfillClaim) (jobs.EnqueueResult, error) {
	e.claims = append(e.claims, claims...)
	result := jobs.EnqueueResult{PerLender: make(map[string]int)}
	for _, c := range claims {
		result.Total++
		result.PerLender[c.LenderCode]++
	}
	return result, nil
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestSortCandidatesOrdering(t *testing.T) {
	candidates := []models.AutoBackfillProgress{
		{LenderCode: "nab", NextCollectionDate: day(2020, 5, 1), EmptyStreak: 3},
		{LenderCode: "cba", NextCollectionDate: day(2020, 6, 1), EmptyStreak: 9},
		{LenderCode: "anz", NextCollectionDate: day(2020, 6, 1), EmptyStreak: 2},
		{LenderCode: "boq", NextCollectionDate: day(2020, 6, 1), EmptyStreak: 2},
	}
	SortCandidates(candidates)

	want := []string{"anz", "boq", "cba", "nab"}
	for i, lender := range want {
		if candidates[i].LenderCode != lender {
			t.Fatalf("position %d = %s, want %s (full order %+v)", i, candidates[i].LenderCode, lender, candidates)
		}
	}
}

func TestRunTickClaimsAndEnqueues(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	enqueuer := &captureEnqueuer{}
	reporter := runreport.NewMemoryTracker()
	_, _ = reporter.Create(ctx, "run-1", models.RunTypeBackfill, models.RunSourceScheduled)

	scheduler := NewScheduler(store, enqueuer, reporter, 0, nil)
	lenders := []models.Lender{{Code: "anz"}, {Code: "cba"}}

	result, err := scheduler.RunTick(ctx, "run-1", day(2026, 8, 31), lenders)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if result.Claimed != 2 || result.Enqueued != 2 {
		t.Fatalf("claimed=%d enqueued=%d, want 2/2", result.Claimed, result.Enqueued)
	}

	// All claimed rows must now hold the run's lease.
	for _, code := range []string{"anz", "cba"} {
		row, _, _ := store.Get(ctx, code)
		if row.LastRunID != "run-1" {
			t.Fatalf("lender %s last_run_id = %q, want run-1", code, row.LastRunID)
		}
	}

	// A second tick from another run finds nothing unclaimed.
	result2, err := scheduler.RunTick(ctx, "run-2", day(2026, 8, 31), lenders)
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if result2.Claimed != 0 {
		t.Fatalf("second tick claimed %d rows from leased rows", result2.Claimed)
	}
}

type failingEnqueuer struct {
	err error
}

func (e *failingEnqueuer) EnqueueBackfillDayJobs(context.Context, string, []jobs.BackfillClaim) (jobs.EnqueueResult, error) {
	return jobs.EnqueueResult{PerLender: make(map[string]int)}, e.err
}

func TestRunTickReleasesClaimsWhenEnqueueFails(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	reporter := runreport.NewMemoryTracker()
	_, _ = reporter.Create(ctx, "run-1", models.RunTypeBackfill, models.RunSourceScheduled)
	lenders := []models.Lender{{Code: "anz"}, {Code: "cba"}}

	broken := NewScheduler(store, &failingEnqueuer{err: errors.New("queue unavailable")}, reporter, 0, nil)
	if _, err := broken.RunTick(ctx, "run-1", day(2026, 8, 31), lenders); err == nil {
		t.Fatalf("enqueue failure must surface from the tick")
	}

	// No consumer exists for an undelivered job, so its lease must be
	// given back with the day untouched.
	for _, code := range []string{"anz", "cba"} {
		row, _, _ := store.Get(ctx, code)
		if row.LastRunID != "" {
			t.Fatalf("lender %s still leased to %q after failed enqueue", code, row.LastRunID)
		}
		if !row.NextCollectionDate.Equal(day(2026, 8, 31)) {
			t.Fatalf("lender %s cursor moved to %s", code, models.FormatDate(row.NextCollectionDate))
		}
	}

	// A healthy tick can pick the same days straight back up.
	_, _ = reporter.Create(ctx, "run-2", models.RunTypeBackfill, models.RunSourceScheduled)
	healthy := NewScheduler(store, &captureEnqueuer{}, reporter, 0, nil)
	result, err := healthy.RunTick(ctx, "run-2", day(2026, 8, 31), lenders)
	if err != nil {
		t.Fatalf("retry tick: %v", err)
	}
	if result.Claimed != 2 || result.Enqueued != 2 {
		t.Fatalf("retry tick claimed=%d enqueued=%d, want 2/2", result.Claimed, result.Enqueued)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.Ensure(ctx, "anz", day(2020, 5, 1))

	first, _ := store.Claim(ctx, "anz", day(2020, 5, 1), "run-a")
	second, _ := store.Claim(ctx, "anz", day(2020, 5, 1), "run-b")
	if !first || second {
		t.Fatalf("want exactly one winner, got first=%v second=%v", first, second)
	}
}

func TestAdvanceAfterDayGuards(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	scheduler := NewScheduler(store, &captureEnqueuer{}, runreport.NewMemoryTracker(), 0, nil)

	store.Put(models.AutoBackfillProgress{
		LenderCode:         "anz",
		NextCollectionDate: day(2020, 5, 1),
		EmptyStreak:        4,
		Status:             models.BackfillStatusActive,
		LastRunID:          "run-1",
	})

	// Wrong run id: no-op.
	if err := scheduler.AdvanceAfterDay(ctx, "anz", "run-9", day(2020, 5, 1), true); err != nil {
		t.Fatalf("stale advance errored: %v", err)
	}
	row, _, _ := store.Get(ctx, "anz")
	if !row.NextCollectionDate.Equal(day(2020, 5, 1)) || row.LastRunID != "run-1" {
		t.Fatalf("stale advance mutated the row: %+v", row)
	}

	// Wrong date: no-op.
	if err := scheduler.AdvanceAfterDay(ctx, "anz", "run-1", day(2020, 4, 30), true); err != nil {
		t.Fatalf("stale-date advance errored: %v", err)
	}
	row, _, _ = store.Get(ctx, "anz")
	if row.LastRunID != "run-1" {
		t.Fatalf("stale-date advance released the claim")
	}

	// Matching advance with signals: date steps back, streak resets,
	// claim clears.
	if err := scheduler.AdvanceAfterDay(ctx, "anz", "run-1", day(2020, 5, 1), true); err != nil {
		t.Fatalf("advance: %v", err)
	}
	row, _, _ = store.Get(ctx, "anz")
	if !row.NextCollectionDate.Equal(day(2020, 4, 30)) {
		t.Fatalf("next date = %s, want 2020-04-30", models.FormatDate(row.NextCollectionDate))
	}
	if row.EmptyStreak != 0 || row.LastRunID != "" {
		t.Fatalf("streak=%d claim=%q after signalful advance", row.EmptyStreak, row.LastRunID)
	}

	// Duplicate advance after release: no-op.
	if err := scheduler.AdvanceAfterDay(ctx, "anz", "run-1", day(2020, 5, 1), true); err != nil {
		t.Fatalf("duplicate advance errored: %v", err)
	}
	row, _, _ = store.Get(ctx, "anz")
	if !row.NextCollectionDate.Equal(day(2020, 4, 30)) {
		t.Fatalf("duplicate advance moved the cursor again")
	}
}

func TestAdvanceEmptyStreakTerminates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	scheduler := NewScheduler(store, &captureEnqueuer{}, runreport.NewMemoryTracker(), 0, nil)

	store.Put(models.AutoBackfillProgress{
		LenderCode:         "ing",
		NextCollectionDate: day(2010, 1, 1),
		EmptyStreak:        models.MaxEmptyStreak - 1,
		Status:             models.BackfillStatusActive,
		LastRunID:          "run-1",
	})

	if err := scheduler.AdvanceAfterDay(ctx, "ing", "run-1", day(2010, 1, 1), false); err != nil {
		t.Fatalf("advance: %v", err)
	}
	row, _, _ := store.Get(ctx, "ing")
	if row.EmptyStreak != models.MaxEmptyStreak {
		t.Fatalf("streak = %d, want %d", row.EmptyStreak, models.MaxEmptyStreak)
	}
	if row.Status != models.BackfillStatusCompletedHistory {
		t.Fatalf("status = %q, want completed after a year of empty days", row.Status)
	}
}

func TestAdvancePastLowerBoundTerminates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	scheduler := NewScheduler(store, &captureEnqueuer{}, runreport.NewMemoryTracker(), 0, nil)

	store.Put(models.AutoBackfillProgress{
		LenderCode:         "wbc",
		NextCollectionDate: day(1996, 1, 1),
		Status:             models.BackfillStatusActive,
		LastRunID:          "run-1",
	})

	if err := scheduler.AdvanceAfterDay(ctx, "wbc", "run-1", day(1996, 1, 1), true); err != nil {
		t.Fatalf("advance: %v", err)
	}
	row, _, _ := store.Get(ctx, "wbc")
	if row.Status != models.BackfillStatusCompletedHistory {
		t.Fatalf("status = %q, want completed_full_history below 1996-01-01", row.Status)
	}
}

func TestReleaseClaimKeepsDateForLaterRuns(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	scheduler := NewScheduler(store, &captureEnqueuer{}, runreport.NewMemoryTracker(), 0, nil)

	store.Put(models.AutoBackfillProgress{
		LenderCode:         "anz",
		NextCollectionDate: day(2020, 5, 1),
		Status:             models.BackfillStatusActive,
		LastRunID:          "run-1",
	})

	// Wrong run cannot release someone else's claim.
	if err := scheduler.ReleaseClaim(ctx, "anz", "run-2"); err != nil {
		t.Fatalf("release by stranger: %v", err)
	}
	row, _, _ := store.Get(ctx, "anz")
	if row.LastRunID != "run-1" {
		t.Fatalf("claim stolen: %+v", row)
	}

	if err := scheduler.ReleaseClaim(ctx, "anz", "run-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	row, _, _ = store.Get(ctx, "anz")
	if row.LastRunID != "" {
		t.Fatalf("claim not released: %+v", row)
	}
	if !row.NextCollectionDate.Equal(day(2020, 5, 1)) {
		t.Fatalf("release must not advance the date")
	}
}
