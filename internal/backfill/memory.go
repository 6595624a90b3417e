package backfill

import (
	"context"
	"sync"
	"time"

	"ratewatch/internal/models"
)

// MemoryStore is an in-process ProgressStore with the same CAS
// semantics as the Postgres implementation. Used by tests.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]models.AutoBackfillProgress
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]models.AutoBackfillProgress)}
}

func (s *MemoryStore) Ensure(_ context.Context, lenderCode string, seedDate time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[lenderCode]; ok {
		return nil
	}
	s.rows[lenderCode] = models.AutoBackfillProgress{
		LenderCode:         lenderCode,
		NextCollectionDate: models.Day(seedDate),
		Status:             models.BackfillStatusActive,
	}
	return nil
}

func (s *MemoryStore) ListActiveUnclaimed(_ context.Context) ([]models.AutoBackfillProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AutoBackfillProgress
	for _, row := range s.rows {
		if row.Status == models.BackfillStatusActive && row.LastRunID == "" {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *MemoryStore) Claim(_ context.Context, lenderCode string, date time.Time, runID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[lenderCode]
	if !ok || row.Status != models.BackfillStatusActive || row.LastRunID != "" || !row.NextCollectionDate.Equal(models.Day(date)) {
		return false, nil
	}
	row.LastRunID = runID
	s.rows[lenderCode] = row
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, lenderCode string) (models.AutoBackfillProgress, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[lenderCode]
	return row, ok, nil
}

func (s *MemoryStore) AdvanceClaimed(_ context.Context, lenderCode, runID string, fromDate time.Time, updated models.AutoBackfillProgress) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[lenderCode]
	if !ok || row.Status != models.BackfillStatusActive || row.LastRunID != runID || !row.NextCollectionDate.Equal(models.Day(fromDate)) {
		return false, nil
	}
	updated.LenderCode = lenderCode
	updated.LastRunID = ""
	updated.NextCollectionDate = models.Day(updated.NextCollectionDate)
	s.rows[lenderCode] = updated
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, lenderCode, runID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[lenderCode]
	if !ok || row.LastRunID != runID {
		return false, nil
	}
	row.LastRunID = ""
	s.rows[lenderCode] = row
	return true, nil
}

// Put overwrites a row directly; test setup only.
func (s *MemoryStore) Put(row models.AutoBackfillProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row.NextCollectionDate = models.Day(row.NextCollectionDate)
	s.rows[row.LenderCode] = row
}
