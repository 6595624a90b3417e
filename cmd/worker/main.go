package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ratewatch/internal/backfill"
	"ratewatch/internal/config"
	"ratewatch/internal/consumer"
	"ratewatch/internal/extract"
	"ratewatch/internal/jobs"
	"ratewatch/internal/queue"
	"ratewatch/internal/rates"
	"ratewatch/internal/rawstore"
	"ratewatch/internal/runreport"
	"ratewatch/internal/store"
	"ratewatch/internal/telemetry"
	"ratewatch/internal/throttle"
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

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	fetchThrottle := throttle.NewFetchThrottle(redisClient, cfg.FetchRateCapacity, cfg.FetchRateRefill)

	uploader, err := rawstore.NewUploader(ctx, cfg)
	if err != nil {
		logger.Fatal("init raw uploader", zap.Error(err))
	}

	tracker := runreport.NewPostgresStore(pool)
	registry := config.NewRegistry(config.NewPostgresStore(pool))
	producer := jobs.NewProducer(q, cfg.EnqueueBatchSize, logger)
	backfillSched := backfill.NewScheduler(backfill.NewPostgresStore(pool), producer, tracker, cfg.BackfillMaxClaims, logger)

	cons := consumer.New(consumer.Deps{
		CDR:      extract.NewCDRClient(cfg.FetchTimeout, fetchThrottle, logger),
		Pages:    extract.NewPageClient(cfg.FetchTimeout, fetchThrottle, logger),
		Wayback:  extract.NewWaybackClient(cfg.WaybackBaseURL, cfg.FetchTimeout, fetchThrottle, logger),
		Raw:      rawstore.New(pool, uploader),
		Rows:     rates.NewValidator(),
		Writer:   rates.NewWriter(pool),
		Reporter: tracker,
		Backfill: backfillSched,
		Detail:   producer,
		Lenders:  registry,
	}, cfg, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.Int("batch_size", cfg.WorkerBatchSize),
		zap.Duration("visibility", cfg.VisibilityTimeout),
		zap.Int("max_attempts", cfg.MaxAttempts))
	runner := consumer.NewRunner(cfg, q, cons, logger)
	if err := runner.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker stopped", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
