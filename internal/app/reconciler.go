package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	obsctx "github.com/fairyhunter13/scrape-orchestrator/internal/observability"
	"github.com/fairyhunter13/scrape-orchestrator/internal/usecase"
)

// Reconciler drives the periodic sweeps that keep the system convergent:
// daily account counters, hold expiry, lease reaping and stalled-job rescue.
// Sweep errors are logged, never propagated; the next tick tries again.
type Reconciler struct {
	svc         usecase.ReconcileService
	cron        *cron.Cron
	taskTimeout time.Duration
}

// Sweep schedules, in UTC. Lease reaping runs well inside the lease
// duration so expired work is rarely invisible for long.
const (
	scheduleResetDaily     = "0 0 0 * * *"
	scheduleUnblock        = "0 * * * * *"
	scheduleExpireLeases   = "*/30 * * * * *"
	scheduleRestartStalled = "0 */30 * * * *"
)

// NewReconciler registers the sweep schedule; taskTimeout bounds each sweep
// run (default one minute).
func NewReconciler(svc usecase.ReconcileService, taskTimeout time.Duration) (*Reconciler, error) {
	if taskTimeout <= 0 {
		taskTimeout = time.Minute
	}
	rec := &Reconciler{
		svc:         svc,
		cron:        cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		taskTimeout: taskTimeout,
	}
	sweeps := []struct {
		schedule string
		name     string
		run      func(context.Context) error
	}{
		{scheduleResetDaily, "reset_daily_counters", svc.ResetDailyCounters},
		{scheduleUnblock, "unblock_accounts", svc.UnblockAccounts},
		{scheduleExpireLeases, "expire_leases", svc.ExpireLeases},
		{scheduleRestartStalled, "restart_stalled_jobs", svc.RestartStalledJobs},
	}
	for _, s := range sweeps {
		if err := rec.AddSweep(s.schedule, s.name, s.run); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// AddSweep registers an extra maintenance task on the shared schedule, e.g.
// data retention. Accepts cron specs with seconds and @every descriptors.
func (r *Reconciler) AddSweep(schedule, name string, run func(context.Context) error) error {
	_, err := r.cron.AddFunc(schedule, func() { r.sweep(name, run) })
	return err
}

// Run starts the schedule and blocks until ctx is cancelled, then waits for
// any sweep still running.
func (r *Reconciler) Run(ctx context.Context) {
	r.cron.Start()
	<-ctx.Done()
	slog.Info("reconciler stopping")
	<-r.cron.Stop().Done()
}

// Entries exposes the registered schedule, for tests and diagnostics.
func (r *Reconciler) Entries() []cron.Entry {
	return r.cron.Entries()
}

func (r *Reconciler) sweep(name string, run func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.taskTimeout)
	defer cancel()

	tracer := otel.Tracer("reconciler")
	ctx, span := tracer.Start(ctx, "Reconciler.sweep")
	defer span.End()
	span.SetAttributes(attribute.String("sweep.name", name))

	lg := slog.Default().With(slog.String("component", "reconciler"), slog.String("sweep", name))
	ctx = obsctx.ContextWithLogger(ctx, lg)

	if err := run(ctx); err != nil {
		span.RecordError(err)
		lg.Error("sweep failed", slog.Any("error", err))
	}
}
