package rates

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ratewatch/internal/models"
	"ratewatch/internal/telemetry"
)

// Writer upserts rate rows. Upserts are idempotent by the row's
// logical key, which is what makes at-least-once job delivery safe for
// the rate tables.
type Writer struct {
	pool *pgxpool.Pool
}

func NewWriter(pool *pgxpool.Pool) *Writer {
	return &Writer{pool: pool}
}

// UpsertRows writes the rows and returns how many were written.
func (w *Writer) UpsertRows(ctx context.Context, rows []models.RateRow) (int, error) {
	written := 0
	for _, row := range rows {
		_, err := w.pool.Exec(ctx, `
			INSERT INTO rate_rows (dataset, lender_code, product_id, collection_date,
			                       product_name, rate_pct, comparison_pct, source_url, provenance, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, 0), NULLIF($8, ''), NULLIF($9, ''), NOW())
			ON CONFLICT (dataset, lender_code, product_id, collection_date) DO UPDATE
			SET product_name = EXCLUDED.product_name,
			    rate_pct = EXCLUDED.rate_pct,
			    comparison_pct = EXCLUDED.comparison_pct,
			    source_url = COALESCE(EXCLUDED.source_url, rate_rows.source_url),
			    provenance = COALESCE(EXCLUDED.provenance, rate_rows.provenance),
			    updated_at = NOW()
		`, row.Dataset, row.LenderCode, row.ProductID, models.Day(row.CollectionDate),
			row.ProductName, row.RatePct, row.ComparisonPct, row.SourceURL, row.Provenance)
		if err != nil {
			return written, fmt.Errorf("upsert rate row %s/%s/%s: %w", row.Dataset, row.LenderCode, row.ProductID, err)
		}
		written++
		telemetry.RowsWritten.Inc()
	}
	return written, nil
}

// FirstCoverageDate returns MIN(collection_date) for a dataset, or
// found=false when the dataset has no rows yet.
func (w *Writer) FirstCoverageDate(ctx context.Context, dataset string) (time.Time, bool, error) {
	var first *time.Time
	err := w.pool.QueryRow(ctx, `
		SELECT MIN(collection_date) FROM rate_rows WHERE dataset = $1
	`, dataset).Scan(&first)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && first == nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("first coverage date for %s: %w", dataset, err)
	}
	return models.Day(*first), true, nil
}
