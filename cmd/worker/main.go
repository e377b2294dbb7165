// Command worker runs the background half of the orchestrator: the dispatch
// loops that bind queue tickets to eligible accounts and deliver assignments,
// the reconciler sweeps, queue depth gauges and data retention.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/scrape-orchestrator/internal/adapter/events/kafka"
	"github.com/fairyhunter13/scrape-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/scrape-orchestrator/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/scrape-orchestrator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/scrape-orchestrator/internal/adapter/storage/disk"
	"github.com/fairyhunter13/scrape-orchestrator/internal/app"
	"github.com/fairyhunter13/scrape-orchestrator/internal/config"
	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
	obsctx "github.com/fairyhunter13/scrape-orchestrator/internal/observability"
	"github.com/fairyhunter13/scrape-orchestrator/internal/service/token"
	"github.com/fairyhunter13/scrape-orchestrator/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Worker metrics live on a dedicated port so Prometheus scrapes queue
	// and dispatch instrumentation separately from the API.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	// The server owns migrations; the worker assumes the schema exists.
	pool, err := postgres.NewPool(context.Background(), cfg.DatabaseURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisOpts, err := redis.ParseURL(cfg.QueueURL)
	if err != nil {
		slog.Error("queue url parse failed", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() {
		if err := rdb.Close(); err != nil {
			slog.Error("failed to close redis client", slog.Any("error", err))
		}
	}()

	var events domain.EventPublisher = kafka.NopPublisher{}
	if cfg.EventsEnabled() {
		pub, err := kafka.NewPublisher(cfg.EventBrokers, cfg.EventTopic)
		if err != nil {
			slog.Error("event publisher connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := pub.Close(); err != nil {
				slog.Error("failed to close event publisher", slog.Any("error", err))
			}
		}()
		events = pub
	}
	events = observability.NewMetricsPublisher(events)

	jobRepo := postgres.NewJobRepo(pool)
	acctRepo := postgres.NewAccountRepo(pool, cfg.AccountCooldown, cfg.AccountBlockDuration)
	queue := redisq.NewQueue(rdb, cfg.QueueMaxAttempts)
	delivery := redisq.NewDeliverer(rdb, 2*cfg.LeaseDuration)
	tokens := token.NewService(cfg.UserTokenSecret, cfg.JobTokenSecret, cfg.AccessTokenTTL, cfg.JobTokenTTL)

	dispatcher := usecase.NewDispatcher(jobRepo, acctRepo, queue, tokens, delivery,
		cfg.LeaseDuration, cfg.JobTokenTTL, cfg.DispatchPollInterval)
	reconcileSvc := usecase.NewReconcileService(jobRepo, acctRepo, queue, events, cfg.LeaseDuration)

	reconciler, err := app.NewReconciler(reconcileSvc, time.Minute)
	if err != nil {
		slog.Error("reconciler init failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Data retention rides the reconciler schedule rather than its own loop.
	if cfg.DataRetentionDays > 0 {
		store, err := disk.NewStore(cfg.UploadDir, cfg.MaxFileSize)
		if err != nil {
			slog.Error("upload store init failed", slog.Any("error", err))
			os.Exit(1)
		}
		cleanup := postgres.NewCleanupService(pool, cfg.DataRetentionDays, store.Remove)
		interval := cfg.CleanupInterval
		if interval <= 0 {
			interval = 24 * time.Hour
		}
		if err := reconciler.AddSweep("@every "+interval.String(), "data_retention", cleanup.CleanupOldData); err != nil {
			slog.Error("cleanup schedule failed", slog.Any("error", err))
			os.Exit(1)
		}
		slog.Info("data retention scheduled",
			slog.Int("retention_days", cfg.DataRetentionDays),
			slog.Duration("interval", interval))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	// Dispatch loops are independent; contention is settled by the queue
	// script and conditional row updates, never by coordination between them.
	slog.Info("starting dispatch loops", slog.Int("concurrency", cfg.WorkerConcurrency))
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			lg := slog.Default().With(slog.String("component", "dispatcher"), slog.Int("loop", i))
			dispatcher.Run(obsctx.ContextWithLogger(ctx, lg))
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		reconciler.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		pollQueueDepths(ctx, queue)
	}()

	slog.Info("worker started, send TERM or INT to terminate")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))

	cancel()
	wg.Wait()
	slog.Info("worker stopped")
}

// pollQueueDepths refreshes the queue depth gauges every 15 seconds.
func pollQueueDepths(ctx context.Context, q domain.Queue) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := q.Stats(ctx)
			if err != nil {
				slog.Warn("queue stats failed", slog.Any("error", err))
				continue
			}
			observability.SetQueueDepths(stats.Ready, stats.Delayed, stats.Leased, stats.Dead)
		}
	}
}
