// Package backfill walks each lender's history backwards one day at a
// time. Ownership of a (lender, day) pair is a lease stored on the
// progress row itself and taken by conditional UPDATE, which is what
// keeps any number of concurrently firing scheduler invocations from
// double-claiming work.
package backfill

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"ratewatch/internal/jobs"
	"ratewatch/internal/models"
	"ratewatch/internal/runreport"
	"ratewatch/internal/telemetry"
)

// HardClaimCap bounds one tick regardless of configuration.
const HardClaimCap = 500

// ProgressStore is the persistence surface for lender backfill rows.
// Claim and AdvanceClaimed are compare-and-set operations: zero rows
// affected means a lost race or a stale caller, never an error.
type ProgressStore interface {
	// Ensure seeds a progress row at the given date if the lender has
	// none yet.
	Ensure(ctx context.Context, lenderCode string, seedDate time.Time) error
	// ListActiveUnclaimed returns rows with status=active and no live
	// claim.
	ListActiveUnclaimed(ctx context.Context) ([]models.AutoBackfillProgress, error)
	// Claim sets last_run_id only when the row is active, unclaimed,
	// and still pointing at the expected date.
	Claim(ctx context.Context, lenderCode string, date time.Time, runID string) (bool, error)
	// Get reads one lender's row.
	Get(ctx context.Context, lenderCode string) (models.AutoBackfillProgress, bool, error)
	// AdvanceClaimed applies the updated row only when the current
	// claim matches (runID, fromDate) exactly, clearing the claim.
	AdvanceClaimed(ctx context.Context, lenderCode, runID string, fromDate time.Time, updated models.AutoBackfillProgress) (bool, error)
	// Release clears the claim without advancing, only when runID
	// holds it.
	Release(ctx context.Context, lenderCode, runID string) (bool, error)
}

// DayEnqueuer sends claimed days to the queue.
type DayEnqueuer interface {
	EnqueueBackfillDayJobs(ctx context.Context, runID string, claims []jobs.BackfillClaim) (jobs.EnqueueResult, error)
}

// Scheduler claims backfill days and enqueues fetch jobs for them.
type Scheduler struct {
	store     ProgressStore
	enqueuer  DayEnqueuer
	reporter  runreport.Tracker
	maxClaims int
	log       *zap.Logger
}

func NewScheduler(store ProgressStore, enqueuer DayEnqueuer, reporter runreport.Tracker, maxClaims int, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{store: store, enqueuer: enqueuer, reporter: reporter, maxClaims: maxClaims, log: log}
}

// TickResult summarizes one backfill tick.
type TickResult struct {
	Candidates int `json:"candidates"`
	Claimed    int `json:"claimed"`
	Enqueued   int `json:"enqueued"`
	RaceLosses int `json:"race_losses"`
}

// RunTick seeds missing lender rows at collectionDate, claims up to
// the configured cap of candidate days, and enqueues a
// backfill_day_fetch for each successful claim.
func (s *Scheduler) RunTick(ctx context.Context, runID string, collectionDate time.Time, lenders []models.Lender) (TickResult, error) {
	for _, lender := range lenders {
		if err := s.store.Ensure(ctx, lender.Code, models.Day(collectionDate)); err != nil {
			return TickResult{}, fmt.Errorf("ensure progress row for %s: %w", lender.Code, err)
		}
	}

	candidates, err := s.store.ListActiveUnclaimed(ctx)
	if err != nil {
		return TickResult{}, fmt.Errorf("list backfill candidates: %w", err)
	}
	SortCandidates(candidates)

	cap := s.maxClaims
	if cap <= 0 {
		cap = len(lenders)
	}
	if cap > HardClaimCap {
		cap = HardClaimCap
	}

	result := TickResult{Candidates: len(candidates)}
	var claims []jobs.BackfillClaim
	for _, candidate := range candidates {
		if result.Claimed >= cap {
			break
		}
		claimed, err := s.store.Claim(ctx, candidate.LenderCode, candidate.NextCollectionDate, runID)
		if err != nil {
			return result, fmt.Errorf("claim %s@%s: %w", candidate.LenderCode, models.FormatDate(candidate.NextCollectionDate), err)
		}
		if !claimed {
			// Lost to a concurrent scheduler or the row moved on.
			result.RaceLosses++
			telemetry.BackfillRaces.Inc()
			continue
		}
		result.Claimed++
		telemetry.BackfillClaims.Inc()
		claims = append(claims, jobs.BackfillClaim{LenderCode: candidate.LenderCode, CollectionDate: candidate.NextCollectionDate})
	}

	if len(claims) == 0 {
		return result, nil
	}

	enqueued, err := s.enqueuer.EnqueueBackfillDayJobs(ctx, runID, claims)
	result.Enqueued = enqueued.Total
	if reportErr := s.reporter.AddEnqueued(ctx, runID, enqueued.PerLender); reportErr != nil {
		s.log.Warn("record backfill enqueue counts", zap.String("run_id", runID), zap.Error(reportErr))
	}
	if err != nil {
		// A claim whose job never left must not stay leased: no
		// consumer will ever advance or release it. Claims whose
		// batch did go out keep their lease; the job settles them.
		for _, claim := range claims {
			if enqueued.PerLender[claim.LenderCode] > 0 {
				continue
			}
			if _, relErr := s.store.Release(ctx, claim.LenderCode, runID); relErr != nil {
				s.log.Error("release unenqueued backfill claim",
					zap.String("lender", claim.LenderCode),
					zap.String("run_id", runID),
					zap.Error(relErr))
			}
		}
		return result, fmt.Errorf("enqueue backfill days: %w", err)
	}
	return result, nil
}

// AdvanceAfterDay moves a lender's cursor back one day after its
// claimed day completed. Calls that do not match the row's current
// claim exactly are stale duplicates from retried jobs and are
// silently dropped.
func (s *Scheduler) AdvanceAfterDay(ctx context.Context, lenderCode, runID string, collectionDate time.Time, hadSignals bool) error {
	row, found, err := s.store.Get(ctx, lenderCode)
	if err != nil {
		return fmt.Errorf("read progress row for %s: %w", lenderCode, err)
	}
	date := models.Day(collectionDate)
	if !found || row.Status != models.BackfillStatusActive || row.LastRunID != runID || !row.NextCollectionDate.Equal(date) {
		s.log.Debug("stale backfill advance dropped",
			zap.String("lender", lenderCode),
			zap.String("run_id", runID),
			zap.String("collection_date", models.FormatDate(date)))
		return nil
	}

	updated := row
	updated.NextCollectionDate = date.AddDate(0, 0, -1)
	if hadSignals {
		updated.EmptyStreak = 0
	} else {
		updated.EmptyStreak = row.EmptyStreak + 1
	}
	if models.BeforeLowerBound(updated.NextCollectionDate) || updated.EmptyStreak >= models.MaxEmptyStreak {
		updated.Status = models.BackfillStatusCompletedHistory
	}
	updated.LastRunID = ""

	applied, err := s.store.AdvanceClaimed(ctx, lenderCode, runID, date, updated)
	if err != nil {
		return fmt.Errorf("advance progress row for %s: %w", lenderCode, err)
	}
	if !applied {
		// The claim changed between read and write; the holder wins.
		s.log.Debug("backfill advance lost the claim race", zap.String("lender", lenderCode))
	}
	return nil
}

// ReleaseClaim gives a claimed day back without advancing, so a later
// run retries the same date. Used when a fetch job exhausts its
// attempts: the day stays uncovered instead of being skipped.
func (s *Scheduler) ReleaseClaim(ctx context.Context, lenderCode, runID string) error {
	released, err := s.store.Release(ctx, lenderCode, runID)
	if err != nil {
		return fmt.Errorf("release backfill claim for %s: %w", lenderCode, err)
	}
	if !released {
		s.log.Debug("backfill claim already released or held elsewhere",
			zap.String("lender", lenderCode), zap.String("run_id", runID))
	}
	return nil
}

// SortCandidates orders most-recent-uncovered-day first, then
// least-exhausted lender, then lender code for determinism.
func SortCandidates(candidates []models.AutoBackfillProgress) {
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.NextCollectionDate.Equal(b.NextCollectionDate) {
			return a.NextCollectionDate.After(b.NextCollectionDate)
		}
		if a.EmptyStreak != b.EmptyStreak {
			return a.EmptyStreak < b.EmptyStreak
		}
		return a.LenderCode < b.LenderCode
	})
}
