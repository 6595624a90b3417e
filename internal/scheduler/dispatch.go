package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"ratewatch/internal/config"
	"ratewatch/internal/coverage"
	"ratewatch/internal/models"
)

// ScheduledEvent is one cron firing as delivered by the platform.
type ScheduledEvent struct {
	Cron    string
	FiredAt time.Time
}

// WaybackTicker runs one hourly coverage tick.
type WaybackTicker interface {
	HandleHourlyTick(ctx context.Context, now time.Time) (coverage.TickReport, error)
}

// SiteFetcher probes lender pages for the health check.
type SiteFetcher interface {
	FetchPage(ctx context.Context, pageURL string) ([]byte, int, error)
}

// Dispatcher routes cron firings to their handlers. A cron expression
// nobody recognizes is logged and skipped; misconfiguration must never
// crash the scheduler process.
type Dispatcher struct {
	cfg       config.Config
	scheduler *Scheduler
	walker    WaybackTicker
	sites     SiteFetcher
	lenders   LenderSource
	log       *zap.Logger
}

func NewDispatcher(cfg config.Config, sched *Scheduler, walker WaybackTicker, sites SiteFetcher, lenders LenderSource, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{cfg: cfg, scheduler: sched, walker: walker, sites: sites, lenders: lenders, log: log}
}

// DispatchScheduledEvent matches the firing cron expression against
// the configured schedules and runs the matching handler.
func (d *Dispatcher) DispatchScheduledEvent(ctx context.Context, event ScheduledEvent) error {
	switch event.Cron {
	case d.cfg.DailyCron:
		_, err := d.scheduler.TriggerDailyRun(ctx, models.RunSourceScheduled, false)
		return err
	case d.cfg.HourlyWaybackCron:
		return d.HandleScheduledHourlyWayback(ctx, event)
	case d.cfg.SiteHealthCron:
		d.checkSiteHealth(ctx)
		return nil
	default:
		d.log.Warn("scheduled event skipped",
			zap.String("code", "unknown_cron_expression"),
			zap.String("cron", event.Cron))
		return nil
	}
}

// HandleScheduledHourlyWayback runs one coverage walker tick for the
// hour the event fired in.
func (d *Dispatcher) HandleScheduledHourlyWayback(ctx context.Context, event ScheduledEvent) error {
	firedAt := event.FiredAt
	if firedAt.IsZero() {
		firedAt = time.Now()
	}
	report, err := d.walker.HandleHourlyTick(ctx, firedAt)
	if err != nil {
		return err
	}
	if report.Skipped {
		return nil
	}
	for _, tick := range report.Datasets {
		if tick.Error != "" {
			d.log.Warn("coverage dataset tick failed",
				zap.String("dataset", tick.Dataset),
				zap.String("error", tick.Error))
		}
	}
	return nil
}

// checkSiteHealth probes each lender's first seed page. Failures are
// logged for operators; they never fail the dispatch.
func (d *Dispatcher) checkSiteHealth(ctx context.Context) {
	lenders, err := d.lenders.Lenders(ctx)
	if err != nil {
		d.log.Error("site health check could not load lenders", zap.Error(err))
		return
	}
	healthy, unhealthy := 0, 0
	for _, lender := range lenders {
		if len(lender.SeedURLs) == 0 {
			continue
		}
		if _, status, err := d.sites.FetchPage(ctx, lender.SeedURLs[0]); err != nil {
			unhealthy++
			d.log.Warn("lender site unhealthy",
				zap.String("lender", lender.Code),
				zap.String("url", lender.SeedURLs[0]),
				zap.Int("status", status),
				zap.Error(err))
		} else {
			healthy++
		}
	}
	d.log.Info("site health check complete", zap.Int("healthy", healthy), zap.Int("unhealthy", unhealthy))
}
