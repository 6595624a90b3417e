package scheduler

import (
	"context"
	"testing"
	"time"

	"ratewatch/internal/backfill"
	"ratewatch/internal/config"
	"ratewatch/internal/coverage"
	"ratewatch/internal/jobs"
	"ratewatch/internal/models"
	"ratewatch/internal/runlock"
	"ratewatch/internal/runreport"
)

type fakeProducer struct {
	dailyCalls   int
	savingsCalls int
}

func (f *fakeProducer) EnqueueDailyLenderJobs(_ context.Context, _, _ string, lenders []models.Lender, _ time.Time) (jobs.EnqueueResult, error) {
	f.dailyCalls++
	return resultFor(lenders), nil
}

func (f *fakeProducer) EnqueueDailySavingsLenderJobs(_ context.Context, _, _ string, lenders []models.Lender, _ time.Time) (jobs.EnqueueResult, error) {
	f.savingsCalls++
	return resultFor(lenders), nil
}

func resultFor(lenders []models.Lender) jobs.EnqueueResult {
	result := jobs.EnqueueResult{PerLender: make(map[string]int)}
	for _, l := range lenders {
		result.Total++
		result.PerLender[l.Code]++
	}
	return result
}

type fakeBackfillTicker struct {
	ticks  int
	runIDs []string
}

func (f *fakeBackfillTicker) RunTick(_ context.Context, runID string, _ time.Time, lenders []models.Lender) (backfill.TickResult, error) {
	f.ticks++
	f.runIDs = append(f.runIDs, runID)
	return backfill.TickResult{Claimed: len(lenders), Enqueued: len(lenders)}, nil
}

type fixedLenders struct{}

func (fixedLenders) Lenders(_ context.Context) ([]models.Lender, error) {
	return []models.Lender{{Code: "anz"}, {Code: "cba"}}, nil
}

func testConfig() config.Config {
	return config.Config{
		Timezone:          "Australia/Sydney",
		RunLockTTL:        2 * time.Hour,
		MaxAttempts:       3,
		DailyCron:         "30 5 * * *",
		HourlyWaybackCron: "10 * * * *",
		SiteHealthCron:    "*/15 * * * *",
	}
}

func newScheduler() (*Scheduler, *fakeProducer, *fakeBackfillTicker, *runreport.MemoryTracker) {
	producer := &fakeProducer{}
	ticker := &fakeBackfillTicker{}
	tracker := runreport.NewMemoryTracker()
	sched := New(testConfig(), runlock.NewMemoryLocker(), tracker, producer, ticker, fixedLenders{}, nil)
	return sched, producer, ticker, tracker
}

func TestTriggerDailyRunEnqueuesBothDatasetsAndTicksBackfill(t *testing.T) {
	ctx := context.Background()
	sched, producer, ticker, tracker := newScheduler()

	result, err := sched.TriggerDailyRun(ctx, models.RunSourceScheduled, false)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if result.Skipped {
		t.Fatalf("first trigger skipped: %+v", result)
	}
	if result.Enqueued != 4 {
		t.Fatalf("enqueued = %d, want 2 lenders x 2 job families", result.Enqueued)
	}
	if producer.dailyCalls != 1 || producer.savingsCalls != 1 {
		t.Fatalf("producer calls daily=%d savings=%d", producer.dailyCalls, producer.savingsCalls)
	}
	if ticker.ticks != 1 || ticker.runIDs[0] != result.RunID {
		t.Fatalf("backfill tick not run under the daily run id")
	}

	report, err := tracker.Get(ctx, result.RunID)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if report.RunType != models.RunTypeDaily || report.EnqueuedTotal != 4 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestDuplicateDailyTriggerIsSkipped(t *testing.T) {
	ctx := context.Background()
	sched, producer, _, _ := newScheduler()

	if _, err := sched.TriggerDailyRun(ctx, models.RunSourceScheduled, false); err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	second, err := sched.TriggerDailyRun(ctx, models.RunSourceScheduled, false)
	if err != nil {
		t.Fatalf("second trigger: %v", err)
	}
	if !second.Skipped || second.Reason != "already_running" {
		t.Fatalf("second trigger not skipped: %+v", second)
	}
	if producer.dailyCalls != 1 {
		t.Fatalf("second trigger enqueued jobs")
	}
}

func TestForceBypassesDailyLock(t *testing.T) {
	ctx := context.Background()
	sched, producer, _, _ := newScheduler()

	if _, err := sched.TriggerDailyRun(ctx, models.RunSourceScheduled, false); err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	forced, err := sched.TriggerDailyRun(ctx, models.RunSourceManual, true)
	if err != nil {
		t.Fatalf("forced trigger: %v", err)
	}
	if forced.Skipped {
		t.Fatalf("forced trigger skipped")
	}
	if producer.dailyCalls != 2 {
		t.Fatalf("forced trigger did not enqueue")
	}
}

type fakeWalker struct {
	ticks int
}

func (f *fakeWalker) HandleHourlyTick(_ context.Context, _ time.Time) (coverage.TickReport, error) {
	f.ticks++
	return coverage.TickReport{}, nil
}

type fakeSites struct {
	probes int
}

func (f *fakeSites) FetchPage(_ context.Context, _ string) ([]byte, int, error) {
	f.probes++
	return []byte("ok"), 200, nil
}

func TestDispatchRoutesKnownCrons(t *testing.T) {
	ctx := context.Background()
	sched, producer, _, _ := newScheduler()
	walker := &fakeWalker{}
	dispatcher := NewDispatcher(testConfig(), sched, walker, &fakeSites{}, fixedLenders{}, nil)

	if err := dispatcher.DispatchScheduledEvent(ctx, ScheduledEvent{Cron: "30 5 * * *"}); err != nil {
		t.Fatalf("daily dispatch: %v", err)
	}
	if producer.dailyCalls != 1 {
		t.Fatalf("daily cron did not trigger the run")
	}

	if err := dispatcher.DispatchScheduledEvent(ctx, ScheduledEvent{Cron: "10 * * * *", FiredAt: time.Now()}); err != nil {
		t.Fatalf("wayback dispatch: %v", err)
	}
	if walker.ticks != 1 {
		t.Fatalf("wayback cron did not tick the walker")
	}
}

func TestUnknownCronIsNonFatal(t *testing.T) {
	sched, producer, _, _ := newScheduler()
	walker := &fakeWalker{}
	dispatcher := NewDispatcher(testConfig(), sched, walker, &fakeSites{}, fixedLenders{}, nil)

	if err := dispatcher.DispatchScheduledEvent(context.Background(), ScheduledEvent{Cron: "59 23 31 12 *"}); err != nil {
		t.Fatalf("unknown cron must not error: %v", err)
	}
	if producer.dailyCalls != 0 || walker.ticks != 0 {
		t.Fatalf("unknown cron triggered a handler")
	}
}
