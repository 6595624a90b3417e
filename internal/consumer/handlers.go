package consumer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ratewatch/internal/config"
	"ratewatch/internal/extract"
	"ratewatch/internal/models"
	"ratewatch/internal/rawstore"
)

// handleDailyIngest is the daily fetch for one lender: structured CDR
// endpoints first, HTML scraping of seed pages only when the
// structured path yields nothing.
func (c *Consumer) handleDailyIngest(ctx context.Context, job models.Job, datasets map[string]bool, fallbackDataset string) error {
	lender, err := c.lender(ctx, job.LenderCode)
	if err != nil {
		return err
	}
	date, _ := models.ParseDate(job.CollectionDate)

	var accepted []models.RateRow
	if lender.CDRBaseURL != "" {
		accepted, err = c.ingestCDR(ctx, job, lender, date, datasets)
		if err != nil {
			return err
		}
	}

	if len(accepted) == 0 {
		fallback, err := c.ingestSeedPages(ctx, lender, lender.SeedPages(fallbackDataset), fallbackDataset, date)
		if err != nil {
			return err
		}
		accepted = fallback
	}

	if len(accepted) == 0 {
		if c.emptyResultPolicy == config.EmptyResultSucceed {
			c.log.Info("no valid rows for lender day, accepted by policy",
				zap.String("lender", lender.Code),
				zap.String("collection_date", job.CollectionDate))
			return nil
		}
		return fmt.Errorf("daily_ingest_no_valid_rows: lender %s yielded no accepted rows for %s", lender.Code, job.CollectionDate)
	}

	written, err := c.deps.Writer.UpsertRows(ctx, accepted)
	if err != nil {
		return fmt.Errorf("upsert rows for %s: %w", lender.Code, err)
	}
	c.log.Info("daily lender ingest complete",
		zap.String("lender", lender.Code),
		zap.String("collection_date", job.CollectionDate),
		zap.Int("rows", written))
	return nil
}

// ingestCDR lists the lender's products and fetches each detail
// inline. Products whose detail fetch fails are deferred to their own
// product_detail_fetch jobs rather than failing the lender.
func (c *Consumer) ingestCDR(ctx context.Context, job models.Job, lender models.Lender, date time.Time, datasets map[string]bool) ([]models.RateRow, error) {
	products, err := c.deps.CDR.FetchProducts(ctx, lender)
	if err != nil {
		return nil, fmt.Errorf("fetch products for %s: %w", lender.Code, err)
	}
	if _, err := c.deps.Raw.Persist(ctx, rawstore.PersistInput{
		SourceType: "cdr_products",
		SourceURL:  products.SourceURL,
		Payload:    products.RawPayload,
		HTTPStatus: products.HTTPStatus,
	}); err != nil {
		return nil, fmt.Errorf("archive products payload: %w", err)
	}

	var accepted []models.RateRow
	var deferred []string
	for _, productID := range products.ProductIDs {
		detail, err := c.deps.CDR.FetchProductDetail(ctx, lender, productID, date)
		if err != nil {
			c.log.Warn("product detail fetch deferred",
				zap.String("lender", lender.Code),
				zap.String("product_id", productID),
				zap.Error(err))
			deferred = append(deferred, productID)
			continue
		}
		detailProv, err := c.deps.Raw.Persist(ctx, rawstore.PersistInput{
			SourceType: "cdr_product_detail",
			SourceURL:  detail.SourceURL,
			Payload:    detail.RawPayload,
			HTTPStatus: detail.HTTPStatus,
		})
		if err != nil {
			return nil, fmt.Errorf("archive detail payload: %w", err)
		}
		accepted = append(accepted, c.acceptRows(detail.Rows, datasets, detailProv.ContentHash)...)
	}

	if len(deferred) > 0 {
		result, err := c.deps.Detail.EnqueueProductDetailJobs(ctx, job.RunID, job.RunSource, lender.Code, date, deferred)
		if err != nil {
			return nil, fmt.Errorf("defer product detail fetches: %w", err)
		}
		if reportErr := c.deps.Reporter.AddEnqueued(ctx, job.RunID, result.PerLender); reportErr != nil {
			c.log.Warn("record deferred detail counts", zap.String("run_id", job.RunID), zap.Error(reportErr))
		}
	}
	return accepted, nil
}

// ingestSeedPages scrapes the lender's configured pages. A single
// unreachable page is logged and skipped; the lender-day outcome is
// judged on the total yield.
func (c *Consumer) ingestSeedPages(ctx context.Context, lender models.Lender, seedURLs []string, dataset string, date time.Time) ([]models.RateRow, error) {
	var accepted []models.RateRow
	for _, seedURL := range seedURLs {
		body, status, err := c.deps.Pages.FetchPage(ctx, seedURL)
		if err != nil {
			c.log.Warn("seed page fetch failed",
				zap.String("lender", lender.Code),
				zap.String("url", seedURL),
				zap.Error(err))
			continue
		}
		prov, err := c.deps.Raw.Persist(ctx, rawstore.PersistInput{
			SourceType: "html_page",
			SourceURL:  seedURL,
			Payload:    body,
			HTTPStatus: status,
		})
		if err != nil {
			return nil, fmt.Errorf("archive seed page: %w", err)
		}
		result, err := extract.ExtractFromHTML(string(body), extract.HTMLContext{
			LenderCode:     lender.Code,
			Dataset:        dataset,
			CollectionDate: date,
			SourceURL:      seedURL,
		})
		if err != nil {
			c.log.Warn("seed page extraction failed", zap.String("url", seedURL), zap.Error(err))
			continue
		}
		accepted = append(accepted, c.acceptRows(result.Rows, nil, prov.ContentHash)...)
	}
	return accepted, nil
}

// handleProductDetail refreshes a single product. Zero rows is a
// legitimate outcome here; plenty of products carry no rate of
// interest.
func (c *Consumer) handleProductDetail(ctx context.Context, job models.Job) error {
	lender, err := c.lender(ctx, job.LenderCode)
	if err != nil {
		return err
	}
	date, _ := models.ParseDate(job.CollectionDate)

	detail, err := c.deps.CDR.FetchProductDetail(ctx, lender, job.ProductID, date)
	if err != nil {
		return fmt.Errorf("fetch product %s/%s: %w", lender.Code, job.ProductID, err)
	}
	prov, err := c.deps.Raw.Persist(ctx, rawstore.PersistInput{
		SourceType: "cdr_product_detail",
		SourceURL:  detail.SourceURL,
		Payload:    detail.RawPayload,
		HTTPStatus: detail.HTTPStatus,
	})
	if err != nil {
		return fmt.Errorf("archive detail payload: %w", err)
	}

	accepted := c.acceptRows(detail.Rows, nil, prov.ContentHash)
	if len(accepted) == 0 {
		return nil
	}
	if _, err := c.deps.Writer.UpsertRows(ctx, accepted); err != nil {
		return fmt.Errorf("upsert rows for %s/%s: %w", lender.Code, job.ProductID, err)
	}
	return nil
}

// handleBackfillDay fetches one claimed historical day from the web
// archive and advances the lender's backfill cursor. A day with no
// same-day snapshot across all seed pages counts against the lender's
// empty streak.
func (c *Consumer) handleBackfillDay(ctx context.Context, job models.Job) error {
	lender, err := c.lender(ctx, job.LenderCode)
	if err != nil {
		return err
	}
	date, _ := models.ParseDate(job.CollectionDate)
	dataset := job.Dataset
	if dataset == "" {
		dataset = models.DatasetMortgage
	}

	hadSignals := false
	var accepted []models.RateRow
	for _, seedURL := range lender.SeedPages(dataset) {
		rows, found, err := c.snapshotRows(ctx, seedURL, lender.Code, dataset, date, true)
		if err != nil {
			return err
		}
		if found {
			hadSignals = true
		}
		accepted = append(accepted, rows...)
	}

	if len(accepted) > 0 {
		if _, err := c.deps.Writer.UpsertRows(ctx, accepted); err != nil {
			return fmt.Errorf("upsert backfill rows for %s: %w", lender.Code, err)
		}
	}
	if err := c.deps.Backfill.AdvanceAfterDay(ctx, lender.Code, job.RunID, date, hadSignals); err != nil {
		return err
	}
	c.log.Info("backfill day complete",
		zap.String("lender", lender.Code),
		zap.String("collection_date", job.CollectionDate),
		zap.Bool("had_signals", hadSignals),
		zap.Int("rows", len(accepted)))
	return nil
}

// handleBackfillSnapshot pulls the archive snapshot nearest to a month
// cursor for one seed page. No snapshot means the archive simply never
// captured the page around then.
func (c *Consumer) handleBackfillSnapshot(ctx context.Context, job models.Job) error {
	target, _ := time.ParseInLocation("2006-01", job.MonthCursor, time.UTC)
	dataset := job.Dataset
	if dataset == "" {
		dataset = models.DatasetMortgage
	}

	snap, found, err := c.deps.Wayback.NearestSnapshot(ctx, job.SeedURL, target)
	if err != nil {
		return fmt.Errorf("locate snapshot for %s@%s: %w", job.SeedURL, job.MonthCursor, err)
	}
	if !found {
		c.log.Info("no archive snapshot near month",
			zap.String("url", job.SeedURL),
			zap.String("month", job.MonthCursor))
		return nil
	}

	// Rows carry the snapshot's own capture day, not the cursor.
	capture := target
	if day, err := time.ParseInLocation("20060102", snap.Timestamp[:8], time.UTC); err == nil {
		capture = day
	}
	rows, err := c.fetchSnapshotRows(ctx, snap, job.LenderCode, dataset, capture)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	if _, err := c.deps.Writer.UpsertRows(ctx, rows); err != nil {
		return fmt.Errorf("upsert snapshot rows: %w", err)
	}
	return nil
}

// handleHistoricalTask fetches one (lender, dataset, day) unit of a
// historical pull run from the archive.
func (c *Consumer) handleHistoricalTask(ctx context.Context, job models.Job) error {
	lender, err := c.lender(ctx, job.LenderCode)
	if err != nil {
		return err
	}
	date, _ := models.ParseDate(job.CollectionDate)

	var accepted []models.RateRow
	for _, seedURL := range lender.SeedPages(job.Dataset) {
		rows, _, err := c.snapshotRows(ctx, seedURL, lender.Code, job.Dataset, date, true)
		if err != nil {
			return err
		}
		accepted = append(accepted, rows...)
	}
	if len(accepted) == 0 {
		return nil
	}
	if _, err := c.deps.Writer.UpsertRows(ctx, accepted); err != nil {
		return fmt.Errorf("upsert historical rows for %s: %w", lender.Code, err)
	}
	return nil
}

// snapshotRows finds the archive snapshot nearest to day for one page
// and extracts rows from it. When sameDayOnly is set, an off-day
// capture is treated as no signal for the day at all.
func (c *Consumer) snapshotRows(ctx context.Context, pageURL, lenderCode, dataset string, day time.Time, sameDayOnly bool) ([]models.RateRow, bool, error) {
	snap, found, err := c.deps.Wayback.NearestSnapshot(ctx, pageURL, day)
	if err != nil {
		return nil, false, fmt.Errorf("locate snapshot for %s@%s: %w", pageURL, models.FormatDate(day), err)
	}
	if !found {
		return nil, false, nil
	}
	if sameDayOnly && !snap.SameDay(day) {
		return nil, false, nil
	}
	rows, err := c.fetchSnapshotRows(ctx, snap, lenderCode, dataset, day)
	if err != nil {
		return nil, false, err
	}
	return rows, true, nil
}

func (c *Consumer) fetchSnapshotRows(ctx context.Context, snap extract.Snapshot, lenderCode, dataset string, day time.Time) ([]models.RateRow, error) {
	body, status, err := c.deps.Wayback.FetchSnapshot(ctx, snap)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot %s: %w", snap.URL, err)
	}
	prov, err := c.deps.Raw.Persist(ctx, rawstore.PersistInput{
		SourceType: "wayback_snapshot",
		SourceURL:  snap.URL,
		Payload:    body,
		HTTPStatus: status,
	})
	if err != nil {
		return nil, fmt.Errorf("archive snapshot payload: %w", err)
	}
	result, err := extract.ExtractFromHTML(string(body), extract.HTMLContext{
		LenderCode:     lenderCode,
		Dataset:        dataset,
		CollectionDate: day,
		SourceURL:      snap.URL,
	})
	if err != nil {
		return nil, fmt.Errorf("extract snapshot %s: %w", snap.URL, err)
	}
	return c.acceptRows(result.Rows, nil, prov.ContentHash), nil
}

// acceptRows runs rows through the validator, keeping only accepted
// ones. A nil dataset filter accepts every dataset.
func (c *Consumer) acceptRows(rows []models.RateRow, datasets map[string]bool, provenance string) []models.RateRow {
	var accepted []models.RateRow
	for _, row := range rows {
		if datasets != nil && !datasets[row.Dataset] {
			continue
		}
		ok, reason := c.deps.Rows.Validate(row)
		if !ok {
			c.log.Debug("row rejected",
				zap.String("lender", row.LenderCode),
				zap.String("product_id", row.ProductID),
				zap.String("reason", reason))
			continue
		}
		row.Provenance = provenance
		accepted = append(accepted, row)
	}
	return accepted
}
