// Command server starts the scrape orchestrator HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/scrape-orchestrator/internal/adapter/events/kafka"
	"github.com/fairyhunter13/scrape-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/scrape-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/scrape-orchestrator/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/scrape-orchestrator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/scrape-orchestrator/internal/adapter/storage/disk"
	"github.com/fairyhunter13/scrape-orchestrator/internal/app"
	"github.com/fairyhunter13/scrape-orchestrator/internal/config"
	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
	"github.com/fairyhunter13/scrape-orchestrator/internal/service/ratelimiter"
	"github.com/fairyhunter13/scrape-orchestrator/internal/service/token"
	"github.com/fairyhunter13/scrape-orchestrator/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP, job and queue instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Infra: DB pool and schema.
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("db migrate failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Infra: Redis backs the queue, the rate limiter and worker delivery.
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

	// Job lifecycle events; a nop publisher when no brokers are configured.
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

	tokens := token.NewService(cfg.UserTokenSecret, cfg.JobTokenSecret, cfg.AccessTokenTTL, cfg.JobTokenTTL)
	limiter := ratelimiter.NewRedisLuaLimiter(rdb, ratelimiter.Classes(cfg.RateLimitWindow, cfg.RateLimitWorkerWindow))
	queue := redisq.NewQueue(rdb, cfg.QueueMaxAttempts)
	// Undelivered assignments expire with the lease; the reaper re-queues
	// the work, so twice the lease is a comfortable upper bound.
	delivery := redisq.NewDeliverer(rdb, 2*cfg.LeaseDuration)

	store, err := disk.NewStore(cfg.UploadDir, cfg.MaxFileSize)
	if err != nil {
		slog.Error("upload store init failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Repositories
	userRepo := postgres.NewUserRepo(pool)
	acctRepo := postgres.NewAccountRepo(pool, cfg.AccountCooldown, cfg.AccountBlockDuration)
	jobRepo := postgres.NewJobRepo(pool)
	resRepo := postgres.NewResultRepo(pool)
	txRunner := postgres.NewTxRunner(pool, cfg.URLMaxAttempts)

	// Usecases
	authSvc := usecase.NewAuthService(userRepo, tokens, cfg.SignupCredits, cfg.DefaultMaxConcurrentJobs, cfg.DefaultMaxMonthlyJobs)
	admissionSvc := usecase.NewAdmissionService(txRunner, jobRepo, queue, events)
	jobSvc := usecase.NewJobService(jobRepo, queue, events)
	acctSvc := usecase.NewAccountService(acctRepo, cfg.DefaultDailyRequestLimit)
	ingestSvc := usecase.NewIngestService(jobRepo, resRepo, acctRepo, queue, store, events,
		cfg.LeaseDuration, cfg.MaxFileSize, cfg.MaxFilesPerUpload)
	adminSvc := usecase.NewAdminService(userRepo, acctRepo, queue)

	if cfg.IsDev() {
		seedDevData(ctx, authSvc, acctSvc, userRepo)
	}

	dbCheck, redisCheck := app.BuildReadinessChecks(pool, rdb)

	// HTTP server
	srv := httpserver.NewServer(cfg, authSvc, admissionSvc, jobSvc, acctSvc, ingestSvc, adminSvc,
		tokens, delivery, limiter, dbCheck, redisCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
