package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"ratewatch/internal/backfill"
	"ratewatch/internal/config"
	"ratewatch/internal/coverage"
	"ratewatch/internal/extract"
	"ratewatch/internal/historical"
	"ratewatch/internal/jobs"
	"ratewatch/internal/queue"
	"ratewatch/internal/rates"
	"ratewatch/internal/runlock"
	"ratewatch/internal/runreport"
	"ratewatch/internal/scheduler"
	"ratewatch/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	pool := st.Pool()
	q := queue.NewRedisQueue(cfg)
	tracker := runreport.NewPostgresStore(pool)
	locker := runlock.NewPostgresLocker(pool)
	registry := config.NewRegistry(config.NewPostgresStore(pool))
	producer := jobs.NewProducer(q, cfg.EnqueueBatchSize, logger)
	writer := rates.NewWriter(pool)

	backfillSched := backfill.NewScheduler(backfill.NewPostgresStore(pool), producer, tracker, cfg.BackfillMaxClaims, logger)
	sched := scheduler.New(cfg, locker, tracker, producer, backfillSched, registry, logger)
	histRunner := historical.NewRunner(tracker, producer, registry, logger)
	walker := coverage.NewWalker(locker, coverage.NewPostgresStore(pool), writer, histRunner, logger)
	pages := extract.NewPageClient(cfg.FetchTimeout, nil, logger)
	dispatcher := scheduler.NewDispatcher(cfg, sched, walker, pages, registry, logger)

	runner := cron.New()
	// Duplicate expressions collapse to one entry; dispatch matches by
	// expression, so one firing covers them all.
	registered := make(map[string]bool)
	for _, expr := range []string{cfg.DailyCron, cfg.HourlyWaybackCron, cfg.SiteHealthCron} {
		if expr == "" || registered[expr] {
			continue
		}
		registered[expr] = true
		expr := expr
		if _, err := runner.AddFunc(expr, func() {
			event := scheduler.ScheduledEvent{Cron: expr, FiredAt: time.Now()}
			if err := dispatcher.DispatchScheduledEvent(ctx, event); err != nil {
				logger.Error("scheduled event failed", zap.String("cron", expr), zap.Error(err))
			}
		}); err != nil {
			logger.Error("skipping unparseable cron expression", zap.String("cron", expr), zap.Error(err))
		}
	}

	runner.Start()
	logger.Info("scheduler started",
		zap.String("daily_cron", cfg.DailyCron),
		zap.String("hourly_wayback_cron", cfg.HourlyWaybackCron),
		zap.String("site_health_cron", cfg.SiteHealthCron))

	<-ctx.Done()
	stopCtx := runner.Stop()
	<-stopCtx.Done()
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
