package runreport

import (
	"math"

	"ratewatch/internal/models"
)

// DeriveProgress computes the public completion view from the stored
// counters. The stored status wins while the run is still pending;
// once pending hits zero the status is derived from the failure mix.
func DeriveProgress(report models.RunReport) models.RunProgress {
	completed := report.ProcessedTotal + report.FailedTotal
	pending := report.EnqueuedTotal - completed
	if pending < 0 {
		pending = 0
	}

	pct := 0.0
	if report.EnqueuedTotal > 0 {
		pct = math.Round(float64(completed)/float64(report.EnqueuedTotal)*1000) / 10
	}

	status := report.Status
	if report.EnqueuedTotal > 0 && pending == 0 && status == models.RunStatusRunning {
		status = FinalStatus(report.ProcessedTotal, report.FailedTotal)
	}

	return models.RunProgress{
		RunID:          report.RunID,
		Status:         status,
		EnqueuedTotal:  report.EnqueuedTotal,
		ProcessedTotal: report.ProcessedTotal,
		FailedTotal:    report.FailedTotal,
		CompletedTotal: completed,
		PendingTotal:   pending,
		ProgressPct:    pct,
	}
}

// FinalStatus classifies a completed run: ok with no failures, failed
// when nothing succeeded, partial otherwise.
func FinalStatus(processed, failed int) string {
	switch {
	case failed == 0:
		return models.RunStatusOK
	case processed == 0:
		return models.RunStatusFailed
	default:
		return models.RunStatusPartial
	}
}
