package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"ratewatch/internal/models"
)

// PostgresStore implements ProgressStore over auto_backfill_progress.
// The WHERE clauses on Claim and AdvanceClaimed are the lease
// invariant; do not weaken them.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Ensure(ctx context.Context, lenderCode string, seedDate time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO auto_backfill_progress (lender_code, next_collection_date, status)
		VALUES ($1, $2, 'active')
		ON CONFLICT (lender_code) DO NOTHING
	`, lenderCode, models.Day(seedDate))
	if err != nil {
		return fmt.Errorf("ensure backfill row: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActiveUnclaimed(ctx context.Context) ([]models.AutoBackfillProgress, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT lender_code, next_collection_date, empty_streak, status, last_run_id, updated_at
		FROM auto_backfill_progress
		WHERE status = 'active' AND (last_run_id IS NULL OR last_run_id = '')
	`)
	if err != nil {
		return nil, fmt.Errorf("list backfill rows: %w", err)
	}
	defer rows.Close()

	var out []models.AutoBackfillProgress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Claim(ctx context.Context, lenderCode string, date time.Time, runID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE auto_backfill_progress
		SET last_run_id = $3, updated_at = NOW()
		WHERE lender_code = $1
		  AND status = 'active'
		  AND next_collection_date = $2
		  AND (last_run_id IS NULL OR last_run_id = '')
	`, lenderCode, models.Day(date), runID)
	if err != nil {
		return false, fmt.Errorf("claim backfill day: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Get(ctx context.Context, lenderCode string) (models.AutoBackfillProgress, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT lender_code, next_collection_date, empty_streak, status, last_run_id, updated_at
		FROM auto_backfill_progress WHERE lender_code = $1
	`, lenderCode)
	p, err := scanProgress(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AutoBackfillProgress{}, false, nil
	}
	if err != nil {
		return models.AutoBackfillProgress{}, false, err
	}
	return p, true, nil
}

func (s *PostgresStore) AdvanceClaimed(ctx context.Context, lenderCode, runID string, fromDate time.Time, updated models.AutoBackfillProgress) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE auto_backfill_progress
		SET next_collection_date = $4, empty_streak = $5, status = $6, last_run_id = NULL, updated_at = NOW()
		WHERE lender_code = $1
		  AND status = 'active'
		  AND last_run_id = $2
		  AND next_collection_date = $3
	`, lenderCode, runID, models.Day(fromDate),
		models.Day(updated.NextCollectionDate), updated.EmptyStreak, updated.Status)
	if err != nil {
		return false, fmt.Errorf("advance backfill row: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Release(ctx context.Context, lenderCode, runID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE auto_backfill_progress
		SET last_run_id = NULL, updated_at = NOW()
		WHERE lender_code = $1 AND last_run_id = $2
	`, lenderCode, runID)
	if err != nil {
		return false, fmt.Errorf("release backfill claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProgress(row rowScanner) (models.AutoBackfillProgress, error) {
	var p models.AutoBackfillProgress
	var lastRunID pgtype.Text
	if err := row.Scan(&p.LenderCode, &p.NextCollectionDate, &p.EmptyStreak, &p.Status, &lastRunID, &p.UpdatedAt); err != nil {
		return models.AutoBackfillProgress{}, fmt.Errorf("scan backfill row: %w", err)
	}
	p.LastRunID = lastRunID.String
	p.NextCollectionDate = models.Day(p.NextCollectionDate)
	return p, nil
}
