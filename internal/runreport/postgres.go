package runreport

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"ratewatch/internal/models"
)

// ErrNotFound is returned when a run id has no report.
var ErrNotFound = errors.New("run report not found")

// PostgresStore implements Tracker plus the read surface over the
// run_reports and run_lender_outcomes tables.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Create(ctx context.Context, runID, runType, runSource string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO run_reports (run_id, run_type, run_source, status)
		VALUES ($1, $2, $3, 'running')
		ON CONFLICT (run_id) DO NOTHING
	`, runID, runType, runSource)
	if err != nil {
		return false, fmt.Errorf("create run report: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) AddEnqueued(ctx context.Context, runID string, perLender map[string]int) error {
	total := 0
	for lender, n := range perLender {
		if n <= 0 {
			continue
		}
		total += n
		_, err := s.pool.Exec(ctx, `
			INSERT INTO run_lender_outcomes (run_id, lender_code, enqueued, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (run_id, lender_code) DO UPDATE
			SET enqueued = run_lender_outcomes.enqueued + EXCLUDED.enqueued, updated_at = NOW()
		`, runID, lender, n)
		if err != nil {
			return fmt.Errorf("add enqueued for %s: %w", lender, err)
		}
	}
	if total == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE run_reports
		SET enqueued_total = enqueued_total + $2, status = 'running', finished_at = NULL, updated_at = NOW()
		WHERE run_id = $1
	`, runID, total)
	if err != nil {
		return fmt.Errorf("add enqueued total: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordOutcome(ctx context.Context, runID, lenderCode string, success bool, errMsg string) error {
	processedDelta, failedDelta := 1, 0
	if !success {
		processedDelta, failedDelta = 0, 1
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO run_lender_outcomes (run_id, lender_code, processed, failed, last_error, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NOW())
		ON CONFLICT (run_id, lender_code) DO UPDATE
		SET processed = run_lender_outcomes.processed + EXCLUDED.processed,
		    failed = run_lender_outcomes.failed + EXCLUDED.failed,
		    last_error = COALESCE(EXCLUDED.last_error, run_lender_outcomes.last_error),
		    updated_at = NOW()
	`, runID, lenderCode, processedDelta, failedDelta, errMsg)
	if err != nil {
		return fmt.Errorf("record outcome for %s: %w", lenderCode, err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE run_reports
		SET processed_total = processed_total + $2, failed_total = failed_total + $3, updated_at = NOW()
		WHERE run_id = $1
	`, runID, processedDelta, failedDelta)
	if err != nil {
		return fmt.Errorf("bump run totals: %w", err)
	}
	return s.finalizeIfComplete(ctx, runID)
}

// finalizeIfComplete flips a running report to its terminal status
// once every enqueued job has reported. The WHERE clause makes the
// transition idempotent under concurrent outcome recording.
func (s *PostgresStore) finalizeIfComplete(ctx context.Context, runID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE run_reports
		SET status = CASE
		        WHEN failed_total = 0 THEN 'ok'
		        WHEN processed_total = 0 THEN 'failed'
		        ELSE 'partial'
		    END,
		    finished_at = NOW(), updated_at = NOW()
		WHERE run_id = $1
		  AND status = 'running'
		  AND enqueued_total > 0
		  AND processed_total + failed_total >= enqueued_total
	`, runID)
	if err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, runID, msg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE run_reports
		SET status = 'failed', last_error = $2, finished_at = NOW(), updated_at = NOW()
		WHERE run_id = $1
	`, runID, msg)
	if err != nil {
		return fmt.Errorf("mark run failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, runID string) (models.RunReport, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT run_id, run_type, run_source, status, enqueued_total, processed_total, failed_total,
		       last_error, started_at, finished_at
		FROM run_reports WHERE run_id = $1
	`, runID)

	report, err := scanReport(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RunReport{}, ErrNotFound
	}
	if err != nil {
		return models.RunReport{}, fmt.Errorf("get run report: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT lender_code, enqueued, processed, failed, last_error, updated_at
		FROM run_lender_outcomes WHERE run_id = $1 ORDER BY lender_code
	`, runID)
	if err != nil {
		return models.RunReport{}, fmt.Errorf("get lender outcomes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ls models.LenderSummary
		var lastErr pgtype.Text
		if err := rows.Scan(&ls.LenderCode, &ls.Enqueued, &ls.Processed, &ls.Failed, &lastErr, &ls.UpdatedAt); err != nil {
			return models.RunReport{}, fmt.Errorf("scan lender outcome: %w", err)
		}
		ls.LastError = lastErr.String
		report.Lenders = append(report.Lenders, ls)
	}
	return report, rows.Err()
}

// PublicProgress returns the derived completion view for a run.
func (s *PostgresStore) PublicProgress(ctx context.Context, runID string) (models.RunProgress, error) {
	report, err := s.Get(ctx, runID)
	if err != nil {
		return models.RunProgress{}, err
	}
	return DeriveProgress(report), nil
}

// List returns the most recent run reports.
func (s *PostgresStore) List(ctx context.Context, limit int) ([]models.RunReport, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, run_type, run_source, status, enqueued_total, processed_total, failed_total,
		       last_error, started_at, finished_at
		FROM run_reports ORDER BY started_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list run reports: %w", err)
	}
	defer rows.Close()

	var reports []models.RunReport
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run report: %w", err)
		}
		reports = append(reports, report)
	}
	return reports, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (models.RunReport, error) {
	var report models.RunReport
	var lastErr pgtype.Text
	var finished pgtype.Timestamptz
	err := row.Scan(&report.RunID, &report.RunType, &report.RunSource, &report.Status,
		&report.EnqueuedTotal, &report.ProcessedTotal, &report.FailedTotal,
		&lastErr, &report.StartedAt, &finished)
	if err != nil {
		return models.RunReport{}, err
	}
	report.LastError = lastErr.String
	if finished.Valid {
		t := finished.Time
		report.FinishedAt = &t
	}
	return report, nil
}
