package runreport

import (
	"context"
	"sync"
	"time"

	"ratewatch/internal/models"
)

// MemoryTracker is an in-process Tracker with the same additive and
// finalization semantics as the Postgres store. Used by tests.
type MemoryTracker struct {
	mu      sync.Mutex
	reports map[string]*models.RunReport
	lenders map[string]map[string]*models.LenderSummary
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		reports: make(map[string]*models.RunReport),
		lenders: make(map[string]map[string]*models.LenderSummary),
	}
}

func (m *MemoryTracker) Create(_ context.Context, runID, runType, runSource string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.reports[runID]; exists {
		return false, nil
	}
	m.reports[runID] = &models.RunReport{
		RunID:     runID,
		RunType:   runType,
		RunSource: runSource,
		Status:    models.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	m.lenders[runID] = make(map[string]*models.LenderSummary)
	return true, nil
}

func (m *MemoryTracker) AddEnqueued(_ context.Context, runID string, perLender map[string]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	report, ok := m.reports[runID]
	if !ok {
		return ErrNotFound
	}
	for lender, n := range perLender {
		if n <= 0 {
			continue
		}
		m.lenderLocked(runID, lender).Enqueued += n
		report.EnqueuedTotal += n
	}
	report.Status = models.RunStatusRunning
	report.FinishedAt = nil
	return nil
}

func (m *MemoryTracker) RecordOutcome(_ context.Context, runID, lenderCode string, success bool, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	report, ok := m.reports[runID]
	if !ok {
		return ErrNotFound
	}
	ls := m.lenderLocked(runID, lenderCode)
	if success {
		ls.Processed++
		report.ProcessedTotal++
	} else {
		ls.Failed++
		report.FailedTotal++
		if errMsg != "" {
			ls.LastError = errMsg
		}
	}
	ls.UpdatedAt = time.Now().UTC()

	if report.Status == models.RunStatusRunning && report.EnqueuedTotal > 0 &&
		report.ProcessedTotal+report.FailedTotal >= report.EnqueuedTotal {
		report.Status = FinalStatus(report.ProcessedTotal, report.FailedTotal)
		now := time.Now().UTC()
		report.FinishedAt = &now
	}
	return nil
}

func (m *MemoryTracker) MarkFailed(_ context.Context, runID, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	report, ok := m.reports[runID]
	if !ok {
		return ErrNotFound
	}
	report.Status = models.RunStatusFailed
	report.LastError = msg
	now := time.Now().UTC()
	report.FinishedAt = &now
	return nil
}

// Get returns a copy of the stored report with lender summaries.
func (m *MemoryTracker) Get(_ context.Context, runID string) (models.RunReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	report, ok := m.reports[runID]
	if !ok {
		return models.RunReport{}, ErrNotFound
	}
	out := *report
	for _, ls := range m.lenders[runID] {
		out.Lenders = append(out.Lenders, *ls)
	}
	return out, nil
}

func (m *MemoryTracker) lenderLocked(runID, lender string) *models.LenderSummary {
	byLender := m.lenders[runID]
	ls, ok := byLender[lender]
	if !ok {
		ls = &models.LenderSummary{LenderCode: lender}
		byLender[lender] = ls
	}
	return ls
}
