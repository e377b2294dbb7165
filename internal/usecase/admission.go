// Package usecase contains the application services wired between the HTTP
// adapters and the domain ports: admission, dispatch, result ingestion, job
// and account management, auth and reconciliation.
package usecase

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
	"github.com/fairyhunter13/scrape-orchestrator/pkg/urlx"
)

// AllowedTargetHost is the host family every submitted URL must belong to.
const AllowedTargetHost = "linkedin.com"

// SubmitJobInput carries a job submission after HTTP decoding.
type SubmitJobInput struct {
	Type       domain.JobType
	Name       string
	URLs       []string
	MaxResults int
	Config     domain.JobConfig
}

// AdmissionService admits new jobs: validation, the concurrency gate, the
// credit debit and the job insert run in one transaction; queue tickets are
// enqueued after commit.
type AdmissionService struct {
	Tx     domain.Transactor
	Jobs   domain.JobRepository
	Queue  domain.Queue
	Events domain.EventPublisher
}

// NewAdmissionService constructs an AdmissionService with its dependencies.
func NewAdmissionService(tx domain.Transactor, jobs domain.JobRepository, q domain.Queue, ev domain.EventPublisher) AdmissionService {
	return AdmissionService{Tx: tx, Jobs: jobs, Queue: q, Events: ev}
}

// Submit validates and admits a job for userID. On any rejection the
// transaction rolls back with the user row untouched. A post-commit enqueue
// failure is logged, never surfaced: the reconciler re-queues pending URLs.
func (s AdmissionService) Submit(ctx domain.Context, userID string, in SubmitJobInput) (domain.Job, error) {
	if !domain.ValidJobType(in.Type) {
		return domain.Job{}, fmt.Errorf("%w: unknown job type %q", domain.ErrInvalidArgument, in.Type)
	}
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return domain.Job{}, fmt.Errorf("%w: name required", domain.ErrInvalidArgument)
	}
	if in.MaxResults < 0 {
		return domain.Job{}, fmt.Errorf("%w: max_results must not be negative", domain.ErrInvalidArgument)
	}
	if len(in.URLs) == 0 {
		return domain.Job{}, fmt.Errorf("%w: at least one url required", domain.ErrInvalidArgument)
	}
	urls, bad := urlx.Dedupe(in.URLs)
	if len(bad) > 0 {
		return domain.Job{}, fmt.Errorf("%w: malformed urls: %s", domain.ErrInvalidArgument, strings.Join(bad, ", "))
	}
	for _, u := range urls {
		if !urlx.HostAllowed(u, AllowedTargetHost) {
			return domain.Job{}, fmt.Errorf("%w: url %q is outside %s", domain.ErrInvalidArgument, u, AllowedTargetHost)
		}
	}

	creditsNeeded := int64(len(urls))
	if creditsNeeded < 1 {
		creditsNeeded = 1
	}

	var created domain.Job
	err := s.Tx.InTx(ctx, func(ctx domain.Context, tx domain.AdmissionTx) error {
		user, err := tx.GetUserForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		active, err := tx.CountActiveJobs(ctx, userID)
		if err != nil {
			return err
		}
		if active >= user.MaxConcurrentJobs {
			return fmt.Errorf("%w: %d active jobs, limit %d", domain.ErrConcurrentLimit, active, user.MaxConcurrentJobs)
		}
		// Credits before accounts: when both would reject, the caller
		// learns about the missing credits.
		if user.CreditsBalance < creditsNeeded {
			return &domain.InsufficientCreditsError{Required: creditsNeeded, Available: user.CreditsBalance}
		}
		accountIDs, err := resolveAccounts(ctx, tx, userID, in.Config)
		if err != nil {
			return err
		}
		if err := tx.DebitCredits(ctx, userID, creditsNeeded); err != nil {
			return err
		}
		now := time.Now().UTC()
		created, err = tx.CreateJob(ctx, domain.Job{
			UserID:         userID,
			Type:           in.Type,
			Name:           in.Name,
			Status:         domain.JobPending,
			MaxResults:     in.MaxResults,
			Config:         in.Config,
			CreditsCharged: creditsNeeded,
			CreatedAt:      now,
			UpdatedAt:      now,
		}, urls, accountIDs)
		return err
	})
	if err != nil {
		return domain.Job{}, err
	}

	s.enqueueJobURLs(ctx, created)
	publishEvent(ctx, s.Events, domain.EventJobCreated, created)
	return created, nil
}

// resolveAccounts intersects the caller's selection with the accounts that
// are eligible right now, preserving selection order. An empty selection
// means "any eligible account at dispatch time" and is not checked here.
func resolveAccounts(ctx domain.Context, tx domain.AdmissionTx, userID string, cfg domain.JobConfig) ([]string, error) {
	if len(cfg.SelectedAccountIDs) == 0 {
		return nil, nil
	}
	eligible, err := tx.ListEligibleAccountIDs(ctx, userID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(eligible))
	for _, id := range eligible {
		set[id] = struct{}{}
	}
	keep := make([]string, 0, len(cfg.SelectedAccountIDs))
	for _, id := range cfg.SelectedAccountIDs {
		if _, ok := set[id]; ok {
			keep = append(keep, id)
		}
	}
	if len(keep) == 0 {
		return nil, fmt.Errorf("%w: none of the %d selected accounts is eligible", domain.ErrNoEligibleAccounts, len(cfg.SelectedAccountIDs))
	}
	return keep, nil
}

// enqueueJobURLs creates one queue ticket per pending URL. Enqueue is
// idempotent on the url id, so a crashed retry never double-books work.
func (s AdmissionService) enqueueJobURLs(ctx domain.Context, job domain.Job) {
	ids, err := s.Jobs.ListPendingURLIDs(ctx, job.ID)
	if err != nil {
		slog.Error("admission: list pending urls", slog.Any("error", err), slog.String("job_id", job.ID))
		return
	}
	enqueueTickets(ctx, s.Queue, job, ids)
}

// enqueueTickets enqueues one ticket per url id with the job's priority,
// retrying each enqueue briefly before giving up on it.
func enqueueTickets(ctx domain.Context, q domain.Queue, job domain.Job, urlIDs []string) {
	prio := domain.PriorityForJobType(job.Type)
	for _, id := range urlIDs {
		item := domain.QueueItem{JobID: job.ID, URLID: id, Priority: prio, EnqueuedAt: time.Now().UTC()}
		expo := backoff.NewExponentialBackOff()
		expo.InitialInterval = 100 * time.Millisecond
		expo.MaxElapsedTime = 5 * time.Second
		op := func() error { return q.Enqueue(ctx, item, 0) }
		if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
			slog.Error("enqueue url ticket", slog.Any("error", err),
				slog.String("job_id", job.ID), slog.String("url_id", id))
		}
	}
}

// publishEvent emits a job lifecycle event; publish failures are logged and
// swallowed since events are a side channel, never part of the contract.
func publishEvent(ctx domain.Context, pub domain.EventPublisher, typ string, job domain.Job) {
	if pub == nil {
		return
	}
	ev := domain.JobEvent{
		Type:    typ,
		JobID:   job.ID,
		UserID:  job.UserID,
		JobType: job.Type,
		Status:  job.Status,
		At:      time.Now().UTC(),
	}
	if err := pub.Publish(ctx, ev); err != nil {
		slog.Error("publish job event", slog.Any("error", err),
			slog.String("type", typ), slog.String("job_id", job.ID))
	}
}
