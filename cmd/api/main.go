package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"ratewatch/internal/api"
	"ratewatch/internal/backfill"
	"ratewatch/internal/config"
	"ratewatch/internal/coverage"
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

	server := api.New(tracker, sched, walker, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", zap.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
