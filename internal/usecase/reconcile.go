package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
	obsctx "github.com/fairyhunter13/scrape-orchestrator/internal/observability"
)

// ReconcileService owns the periodic sweeps that let the system converge
// after crashes and quota outages: daily counter resets, hold expiry, lease
// reaping and stalled-job rescue. Every body is safe to run concurrently
// with the dispatchers and with itself.
type ReconcileService struct {
	Jobs     domain.JobRepository
	Accounts domain.AccountRepository
	Queue    domain.Queue
	Events   domain.EventPublisher

	LeaseDuration time.Duration
}

// NewReconcileService constructs a ReconcileService with its dependencies.
func NewReconcileService(jobs domain.JobRepository, accts domain.AccountRepository, q domain.Queue,
	ev domain.EventPublisher, leaseDur time.Duration) ReconcileService {
	return ReconcileService{Jobs: jobs, Accounts: accts, Queue: q, Events: ev, LeaseDuration: leaseDur}
}

// ResetDailyCounters zeroes requests_today on every account.
func (s ReconcileService) ResetDailyCounters(ctx domain.Context) error {
	n, err := s.Accounts.ResetDaily(ctx)
	if err != nil {
		return fmt.Errorf("op=reconcile.reset_daily: %w", err)
	}
	obsctx.LoggerFromContext(ctx).Info("reconcile: daily request counters reset", slog.Int64("accounts", n))
	return nil
}

// UnblockAccounts clears cooldown and block deadlines that have passed.
func (s ReconcileService) UnblockAccounts(ctx domain.Context) error {
	n, err := s.Accounts.ClearExpiredHolds(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=reconcile.unblock_accounts: %w", err)
	}
	if n > 0 {
		obsctx.LoggerFromContext(ctx).Info("reconcile: account holds cleared", slog.Int64("accounts", n))
	}
	return nil
}

// ExpireLeases returns timed-out in_flight URLs to pending and hands each a
// fresh queue ticket, keeping delivery at-least-once.
func (s ReconcileService) ExpireLeases(ctx domain.Context) error {
	expired, err := s.Jobs.ExpireLeases(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=reconcile.expire_leases: %w", err)
	}
	lg := obsctx.LoggerFromContext(ctx)
	for _, lease := range expired {
		item := domain.QueueItem{
			JobID:      lease.JobID,
			URLID:      lease.URLID,
			Priority:   domain.PriorityForJobType(lease.JobType),
			EnqueuedAt: time.Now().UTC(),
		}
		if err := s.Queue.Enqueue(ctx, item, 0); err != nil {
			lg.Error("reconcile: requeue expired lease", slog.Any("error", err),
				slog.String("job_id", lease.JobID), slog.String("url_id", lease.URLID))
		}
	}
	if len(expired) > 0 {
		lg.Info("reconcile: expired leases requeued", slog.Int("count", len(expired)))
	}
	return nil
}

// RestartStalledJobs rescues jobs the happy path lost track of: running
// jobs with no in-flight work and no progress for two lease durations go
// back to pending (with fresh tickets) while URLs remain, otherwise to
// failed. Pending jobs idle for as long get their tickets re-created, which
// covers an admission that crashed between commit and enqueue.
func (s ReconcileService) RestartStalledJobs(ctx domain.Context) error {
	cutoff := time.Now().UTC().Add(-2 * s.LeaseDuration)
	lg := obsctx.LoggerFromContext(ctx)

	stalled, err := s.Jobs.ListStalledRunning(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("op=reconcile.restart_stalled: %w", err)
	}
	for _, job := range stalled {
		ids, err := s.Jobs.ListPendingURLIDs(ctx, job.ID)
		if err != nil {
			lg.Error("reconcile: list pending urls", slog.Any("error", err), slog.String("job_id", job.ID))
			continue
		}
		if len(ids) == 0 {
			ok, err := s.Jobs.MarkFailed(ctx, job.ID, "stalled with no remaining work")
			if err != nil {
				lg.Error("reconcile: fail stalled job", slog.Any("error", err), slog.String("job_id", job.ID))
				continue
			}
			if ok {
				lg.Warn("reconcile: stalled job failed", slog.String("job_id", job.ID))
				job.Status = domain.JobFailed
				publishEvent(ctx, s.Events, domain.EventJobFailed, job)
			}
			continue
		}
		ok, err := s.Jobs.MarkPendingFromRunning(ctx, job.ID)
		if err != nil {
			lg.Error("reconcile: reset stalled job", slog.Any("error", err), slog.String("job_id", job.ID))
			continue
		}
		if ok {
			lg.Info("reconcile: stalled job requeued",
				slog.String("job_id", job.ID), slog.Int("pending_urls", len(ids)))
			enqueueTickets(ctx, s.Queue, job, ids)
		}
	}

	idle, err := s.Jobs.ListStalledPending(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("op=reconcile.restart_stalled: %w", err)
	}
	for _, job := range idle {
		ids, err := s.Jobs.ListPendingURLIDs(ctx, job.ID)
		if err != nil {
			lg.Error("reconcile: list pending urls", slog.Any("error", err), slog.String("job_id", job.ID))
			continue
		}
		if len(ids) > 0 {
			enqueueTickets(ctx, s.Queue, job, ids)
		}
	}
	return nil
}
