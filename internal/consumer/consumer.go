// Package consumer dispatches delivered queue messages to job
// handlers. Delivery is at-least-once; every handler is idempotent by
// key, so a redelivered job rewrites the same rows instead of
// duplicating them.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"ratewatch/internal/config"
	"ratewatch/internal/extract"
	"ratewatch/internal/jobs"
	"ratewatch/internal/models"
	"ratewatch/internal/rawstore"
	"ratewatch/internal/runreport"
	"ratewatch/internal/telemetry"
)

// Delivery is one message handed to the consumer. Satisfied by
// queue.Delivery.
type Delivery interface {
	Body() []byte
	Attempt() int
	Ack(ctx context.Context) error
	Retry(ctx context.Context, delaySeconds int) error
}

// CDRFetcher pulls structured product data from a lender's regulated
// endpoints.
type CDRFetcher interface {
	FetchProducts(ctx context.Context, lender models.Lender) (extract.ProductsResult, error)
	FetchProductDetail(ctx context.Context, lender models.Lender, productID string, date time.Time) (extract.DetailResult, error)
}

// PageFetcher pulls live lender pages for the HTML fallback.
type PageFetcher interface {
	FetchPage(ctx context.Context, pageURL string) ([]byte, int, error)
}

// WaybackFetcher locates and pulls archived snapshots.
type WaybackFetcher interface {
	NearestSnapshot(ctx context.Context, pageURL string, day time.Time) (extract.Snapshot, bool, error)
	FetchSnapshot(ctx context.Context, snapshot extract.Snapshot) ([]byte, int, error)
}

// RowValidator accepts or rejects a single extracted row.
type RowValidator interface {
	Validate(row models.RateRow) (bool, string)
}

// RowWriter upserts accepted rows.
type RowWriter interface {
	UpsertRows(ctx context.Context, rows []models.RateRow) (int, error)
}

// BackfillAdvancer moves or releases a lender's backfill claim after
// its day job finishes.
type BackfillAdvancer interface {
	AdvanceAfterDay(ctx context.Context, lenderCode, runID string, collectionDate time.Time, hadSignals bool) error
	ReleaseClaim(ctx context.Context, lenderCode, runID string) error
}

// DetailEnqueuer defers individual product detail fetches that failed
// inline, so one slow product does not fail the whole lender.
type DetailEnqueuer interface {
	EnqueueProductDetailJobs(ctx context.Context, runID, runSource, lenderCode string, date time.Time, productIDs []string) (jobs.EnqueueResult, error)
}

// LenderSource resolves the configured lender set.
type LenderSource interface {
	Lenders(ctx context.Context) ([]models.Lender, error)
}

// Deps are the external surfaces job handlers run against.
type Deps struct {
	CDR      CDRFetcher
	Pages    PageFetcher
	Wayback  WaybackFetcher
	Raw      rawstore.Persister
	Rows     RowValidator
	Writer   RowWriter
	Reporter runreport.Tracker
	Backfill BackfillAdvancer
	Detail   DetailEnqueuer
	Lenders  LenderSource
}

// Consumer validates, dispatches, and settles delivered jobs.
type Consumer struct {
	deps              Deps
	maxAttempts       int
	emptyResultPolicy string
	validate          *validator.Validate
	log               *zap.Logger
}

func New(deps Deps, cfg config.Config, log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{
		deps:              deps,
		maxAttempts:       cfg.MaxAttempts,
		emptyResultPolicy: cfg.EmptyResultPolicy,
		validate:          validator.New(),
		log:               log,
	}
}

// HandleBatch settles every delivery in the batch: malformed messages
// are acked immediately, handler errors are retried with backoff until
// the attempt budget runs out, and terminal outcomes land in the run
// report.
func (c *Consumer) HandleBatch(ctx context.Context, deliveries []Delivery) {
	for _, d := range deliveries {
		c.handleDelivery(ctx, d)
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, d Delivery) {
	var job models.Job
	if err := json.Unmarshal(d.Body(), &job); err != nil {
		c.ackMalformed(ctx, d, fmt.Sprintf("undecodable body: %v", err))
		return
	}
	if err := c.validate.Struct(job); err != nil {
		c.ackMalformed(ctx, d, err.Error())
		return
	}
	if err := requiredFields(job); err != nil {
		c.ackMalformed(ctx, d, err.Error())
		return
	}

	err := c.dispatch(ctx, job)
	if err == nil {
		if ackErr := d.Ack(ctx); ackErr != nil {
			c.log.Warn("ack after success", zap.String("run_id", job.RunID), zap.Error(ackErr))
		}
		telemetry.JobsSucceeded.Inc()
		c.recordOutcome(ctx, job, true, "")
		return
	}

	attempt := d.Attempt()
	if attempt < c.maxAttempts {
		c.log.Warn("job failed, scheduling retry",
			zap.String("kind", string(job.Kind)),
			zap.String("run_id", job.RunID),
			zap.String("lender", job.LenderCode),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if retryErr := d.Retry(ctx, DelaySeconds(attempt)); retryErr != nil {
			c.log.Error("schedule retry", zap.String("run_id", job.RunID), zap.Error(retryErr))
			return
		}
		telemetry.JobsRetried.Inc()
		return
	}

	// Attempt budget exhausted: drop exactly once.
	c.log.Error("job dropped after final attempt",
		zap.String("kind", string(job.Kind)),
		zap.String("run_id", job.RunID),
		zap.String("lender", job.LenderCode),
		zap.Int("attempt", attempt),
		zap.Error(err))
	if ackErr := d.Ack(ctx); ackErr != nil {
		c.log.Error("ack dropped job", zap.String("run_id", job.RunID), zap.Error(ackErr))
	}
	telemetry.JobsDropped.Inc()
	c.recordOutcome(ctx, job, false, err.Error())
	if job.Kind == models.KindBackfillDayFetch {
		// Give the day back so a later run retries it instead of the
		// lender staying claimed forever.
		if relErr := c.deps.Backfill.ReleaseClaim(ctx, job.LenderCode, job.RunID); relErr != nil {
			c.log.Error("release backfill claim", zap.String("lender", job.LenderCode), zap.Error(relErr))
		}
	}
}

// dispatch routes by kind. Every member of models.AllJobKinds has a
// case here; the dispatch test walks that slice to keep them in sync.
func (c *Consumer) dispatch(ctx context.Context, job models.Job) error {
	switch job.Kind {
	case models.KindDailyLenderFetch:
		return c.handleDailyIngest(ctx, job, map[string]bool{models.DatasetMortgage: true}, models.DatasetMortgage)
	case models.KindDailySavingsLenderFetch:
		return c.handleDailyIngest(ctx, job, map[string]bool{models.DatasetSavings: true, models.DatasetTermDeposits: true}, models.DatasetSavings)
	case models.KindProductDetailFetch:
		return c.handleProductDetail(ctx, job)
	case models.KindBackfillDayFetch:
		return c.handleBackfillDay(ctx, job)
	case models.KindBackfillSnapshotFetch:
		return c.handleBackfillSnapshot(ctx, job)
	case models.KindHistoricalTaskExecute:
		return c.handleHistoricalTask(ctx, job)
	default:
		return fmt.Errorf("no handler for kind %q", job.Kind)
	}
}

func (c *Consumer) ackMalformed(ctx context.Context, d Delivery, reason string) {
	telemetry.JobsMalformed.Inc()
	c.log.Error("dropping malformed queue message",
		zap.String("code", "invalid_queue_message_shape"),
		zap.String("reason", reason))
	if err := d.Ack(ctx); err != nil {
		c.log.Error("ack malformed message", zap.Error(err))
	}
}

func (c *Consumer) recordOutcome(ctx context.Context, job models.Job, success bool, errMsg string) {
	if job.RunID == "" || job.LenderCode == "" {
		return
	}
	if err := c.deps.Reporter.RecordOutcome(ctx, job.RunID, job.LenderCode, success, errMsg); err != nil {
		c.log.Error("record run outcome",
			zap.String("run_id", job.RunID),
			zap.String("lender", job.LenderCode),
			zap.Error(err))
	}
}

func (c *Consumer) lender(ctx context.Context, code string) (models.Lender, error) {
	lenders, err := c.deps.Lenders.Lenders(ctx)
	if err != nil {
		return models.Lender{}, fmt.Errorf("load lenders: %w", err)
	}
	for _, l := range lenders {
		if l.Code == code {
			return l, nil
		}
	}
	return models.Lender{}, fmt.Errorf("lender %q not configured", code)
}

// requiredFields checks the per-kind field combination. A miss is a
// shape error, settled without retries.
func requiredFields(job models.Job) error {
	need := func(field, value string) error {
		if value == "" {
			return fmt.Errorf("kind %s requires %s", job.Kind, field)
		}
		return nil
	}
	switch job.Kind {
	case models.KindDailyLenderFetch, models.KindDailySavingsLenderFetch, models.KindBackfillDayFetch:
		if err := need("lender_code", job.LenderCode); err != nil {
			return err
		}
		return needDate(job)
	case models.KindProductDetailFetch:
		if err := need("lender_code", job.LenderCode); err != nil {
			return err
		}
		if err := need("product_id", job.ProductID); err != nil {
			return err
		}
		return needDate(job)
	case models.KindBackfillSnapshotFetch:
		if err := need("lender_code", job.LenderCode); err != nil {
			return err
		}
		if err := need("seed_url", job.SeedURL); err != nil {
			return err
		}
		if err := need("month_cursor", job.MonthCursor); err != nil {
			return err
		}
		if _, err := time.Parse("2006-01", job.MonthCursor); err != nil {
			return fmt.Errorf("kind %s month_cursor %q: %w", job.Kind, job.MonthCursor, err)
		}
		return nil
	case models.KindHistoricalTaskExecute:
		if err := need("lender_code", job.LenderCode); err != nil {
			return err
		}
		if err := need("task_id", job.TaskID); err != nil {
			return err
		}
		if err := need("dataset", job.Dataset); err != nil {
			return err
		}
		return needDate(job)
	default:
		return fmt.Errorf("unknown kind %q", job.Kind)
	}
}

func needDate(job models.Job) error {
	if job.CollectionDate == "" {
		return fmt.Errorf("kind %s requires collection_date", job.Kind)
	}
	if _, err := models.ParseDate(job.CollectionDate); err != nil {
		return fmt.Errorf("kind %s collection_date %q: %w", job.Kind, job.CollectionDate, err)
	}
	return nil
}
