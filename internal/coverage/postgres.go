package coverage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"ratewatch/internal/models"
)

// PostgresStore implements ProgressStore over dataset_coverage_progress.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Get(ctx context.Context, dataset string) (models.DatasetCoverageProgress, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT dataset, first_coverage_date, cursor_date, status, empty_streak,
		       last_tick_at, last_tick_status, last_tick_run_id, last_tick_tasks, last_tick_error
		FROM dataset_coverage_progress WHERE dataset = $1
	`, dataset)

	var p models.DatasetCoverageProgress
	var first, cursor pgtype.Date
	var tickAt pgtype.Timestamptz
	var tickStatus, tickRunID, tickError pgtype.Text
	err := row.Scan(&p.Dataset, &first, &cursor, &p.Status, &p.EmptyStreak,
		&tickAt, &tickStatus, &tickRunID, &p.LastTickTasks, &tickError)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DatasetCoverageProgress{}, false, nil
	}
	if err != nil {
		return models.DatasetCoverageProgress{}, false, fmt.Errorf("get coverage row: %w", err)
	}
	if first.Valid {
		t := models.Day(first.Time)
		p.FirstCoverageDate = &t
	}
	if cursor.Valid {
		t := models.Day(cursor.Time)
		p.CursorDate = &t
	}
	if tickAt.Valid {
		t := tickAt.Time
		p.LastTickAt = &t
	}
	p.LastTickStatus = tickStatus.String
	p.LastTickRunID = tickRunID.String
	p.LastTickError = tickError.String
	return p, true, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, p models.DatasetCoverageProgress) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dataset_coverage_progress
		    (dataset, first_coverage_date, cursor_date, status, empty_streak,
		     last_tick_at, last_tick_status, last_tick_run_id, last_tick_tasks, last_tick_error)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, NULLIF($10, ''))
		ON CONFLICT (dataset) DO UPDATE
		SET first_coverage_date = EXCLUDED.first_coverage_date,
		    cursor_date = EXCLUDED.cursor_date,
		    status = EXCLUDED.status,
		    empty_streak = EXCLUDED.empty_streak,
		    last_tick_at = EXCLUDED.last_tick_at,
		    last_tick_status = EXCLUDED.last_tick_status,
		    last_tick_run_id = EXCLUDED.last_tick_run_id,
		    last_tick_tasks = EXCLUDED.last_tick_tasks,
		    last_tick_error = EXCLUDED.last_tick_error
	`, p.Dataset, p.FirstCoverageDate, p.CursorDate, p.Status, p.EmptyStreak,
		p.LastTickAt, p.LastTickStatus, p.LastTickRunID, p.LastTickTasks, p.LastTickError)
	if err != nil {
		return fmt.Errorf("upsert coverage row: %w", err)
	}
	return nil
}
