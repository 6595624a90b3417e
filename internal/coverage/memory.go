package coverage

import (
	"context"
	"sync"

	"ratewatch/internal/models"
)

// MemoryStore is an in-process ProgressStore used by tests.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]models.DatasetCoverageProgress
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]models.DatasetCoverageProgress)}
}

func (s *MemoryStore) Get(_ context.Context, dataset string) (models.DatasetCoverageProgress, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[dataset]
	return row, ok, nil
}

func (s *MemoryStore) Upsert(_ context.Context, p models.DatasetCoverageProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[p.Dataset] = p
	return nil
}
