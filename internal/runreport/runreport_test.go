package runreport

import (
	"context"
	"testing"

	"ratewatch/internal/models"
)

func TestCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	tracker := NewMemoryTracker()

	created, err := tracker.Create(ctx, "run-1", models.RunTypeDaily, models.RunSourceScheduled)
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	created, err = tracker.Create(ctx, "run-1", models.RunTypeDaily, models.RunSourceScheduled)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Fatalf("duplicate create must report created=false")
	}
}

func TestFinalStatusClassification(t *testing.T) {
	cases := []struct {
		processed, failed int
		want              string
	}{
		{processed: 5, failed: 0, want: models.RunStatusOK},
		{processed: 3, failed: 2, want: models.RunStatusPartial},
		{processed: 0, failed: 5, want: models.RunStatusFailed},
	}
	for _, tc := range cases {
		if got := FinalStatus(tc.processed, tc.failed); got != tc.want {
			t.Fatalf("FinalStatus(%d, %d) = %q, want %q", tc.processed, tc.failed, got, tc.want)
		}
	}
}

func TestDeriveProgress(t *testing.T) {
	p := DeriveProgress(models.RunReport{
		RunID:          "run-1",
		Status:         models.RunStatusRunning,
		EnqueuedTotal:  8,
		ProcessedTotal: 2,
		FailedTotal:    1,
	})
	if p.CompletedTotal != 3 || p.PendingTotal != 5 {
		t.Fatalf("completed=%d pending=%d", p.CompletedTotal, p.PendingTotal)
	}
	if p.ProgressPct != 37.5 {
		t.Fatalf("pct = %v, want 37.5", p.ProgressPct)
	}
	if p.Status != models.RunStatusRunning {
		t.Fatalf("status = %q, want running while pending > 0", p.Status)
	}
}

func TestProgressNeverNegativePending(t *testing.T) {
	// Duplicate redeliveries can over-count outcomes; the view clamps.
	p := DeriveProgress(models.RunReport{
		Status:         models.RunStatusRunning,
		EnqueuedTotal:  2,
		ProcessedTotal: 3,
	})
	if p.PendingTotal != 0 {
		t.Fatalf("pending = %d, want 0", p.PendingTotal)
	}
}

func TestRunFinalizesOnceAllOutcomesIn(t *testing.T) {
	ctx := context.Background()
	tracker := NewMemoryTracker()
	_, _ = tracker.Create(ctx, "run-1", models.RunTypeDaily, models.RunSourceScheduled)
	if err := tracker.AddEnqueued(ctx, "run-1", map[string]int{"anz": 1, "cba": 1}); err != nil {
		t.Fatalf("add enqueued: %v", err)
	}

	_ = tracker.RecordOutcome(ctx, "run-1", "anz", true, "")
	report, _ := tracker.Get(ctx, "run-1")
	if report.Status != models.RunStatusRunning {
		t.Fatalf("run must stay running with outcomes pending, got %q", report.Status)
	}

	_ = tracker.RecordOutcome(ctx, "run-1", "cba", false, "fetch timed out")
	report, _ = tracker.Get(ctx, "run-1")
	if report.Status != models.RunStatusPartial {
		t.Fatalf("status = %q, want partial", report.Status)
	}
	if report.FinishedAt == nil {
		t.Fatalf("finished_at must be set on completion")
	}
}

func TestAddEnqueuedReopensRun(t *testing.T) {
	ctx := context.Background()
	tracker := NewMemoryTracker()
	_, _ = tracker.Create(ctx, "run-1", models.RunTypeDaily, models.RunSourceScheduled)
	_ = tracker.AddEnqueued(ctx, "run-1", map[string]int{"anz": 1})
	_ = tracker.RecordOutcome(ctx, "run-1", "anz", true, "")

	// Savings jobs enqueued after the loan jobs completed.
	_ = tracker.AddEnqueued(ctx, "run-1", map[string]int{"anz": 1})
	report, _ := tracker.Get(ctx, "run-1")
	if report.Status != models.RunStatusRunning {
		t.Fatalf("status = %q, want running after scope grows", report.Status)
	}
	if report.FinishedAt != nil {
		t.Fatalf("finished_at must clear when scope grows")
	}
}
