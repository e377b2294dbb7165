package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
	obsctx "github.com/fairyhunter13/scrape-orchestrator/internal/observability"
)

// Requeue delays after a dispatch decision could not be taken.
const (
	nackNoAccounts  = 30 * time.Second
	nackAccountBusy = 5 * time.Second
)

// Dispatcher turns queue tickets into worker assignments: it reserves a
// ticket, picks an account, takes a quota slot, leases a URL and delivers
// the assignment with a capability token. Several Run loops may execute in
// parallel; every contended decision is a conditional row update or an
// atomic script, so loops never coordinate with each other.
type Dispatcher struct {
	Jobs     domain.JobRepository
	Accounts domain.AccountRepository
	Queue    domain.Queue
	Tokens   domain.TokenService
	Delivery domain.Deliverer

	LeaseDuration time.Duration
	JobTokenTTL   time.Duration
	PollInterval  time.Duration

	now func() time.Time
}

// NewDispatcher constructs a Dispatcher with its dependencies.
func NewDispatcher(jobs domain.JobRepository, accts domain.AccountRepository, q domain.Queue,
	tokens domain.TokenService, delivery domain.Deliverer, leaseDur, tokenTTL, poll time.Duration) Dispatcher {
	return Dispatcher{
		Jobs: jobs, Accounts: accts, Queue: q, Tokens: tokens, Delivery: delivery,
		LeaseDuration: leaseDur, JobTokenTTL: tokenTTL, PollInterval: poll,
	}
}

// Run drains the queue until ctx is cancelled. Step errors are logged and
// retried under exponential back-off; an empty queue sleeps PollInterval.
func (d Dispatcher) Run(ctx domain.Context) {
	lg := obsctx.LoggerFromContext(ctx)
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 2 * time.Second
	expo.MaxInterval = 60 * time.Second
	expo.MaxElapsedTime = 0
	for ctx.Err() == nil {
		dispatched, err := d.Step(ctx)
		switch {
		case err != nil:
			lg.Error("dispatch step", slog.Any("error", err))
			d.sleep(ctx, expo.NextBackOff())
		case !dispatched:
			expo.Reset()
			d.sleep(ctx, d.PollInterval)
		default:
			expo.Reset()
		}
	}
}

// Step executes one dispatch iteration. consumed reports whether a ticket
// was handled (delivered, drained or deferred); false means the queue had
// nothing visible.
func (d Dispatcher) Step(ctx domain.Context) (consumed bool, err error) {
	item, err := d.Queue.Reserve(ctx, d.LeaseDuration)
	if err != nil {
		return false, fmt.Errorf("op=dispatch.reserve: %w", err)
	}
	if item == nil {
		return false, nil
	}

	job, err := d.Jobs.Get(ctx, item.JobID)
	if errors.Is(err, domain.ErrNotFound) {
		// Owner deleted the job under its tickets; drain them.
		return true, d.Queue.Ack(ctx, item.URLID)
	}
	if err != nil {
		return false, err
	}
	if job.Status.Terminal() || job.Status == domain.JobPaused {
		return true, d.Queue.Ack(ctx, item.URLID)
	}

	acct, ok, err := d.pickAccount(ctx, job)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, d.Queue.Nack(ctx, item.URLID, nackNoAccounts)
	}
	reserved, err := d.Accounts.ReserveRequest(ctx, acct.ID, d.clock())
	if err != nil {
		return false, err
	}
	if !reserved {
		// Another loop took the last slot between listing and reserving.
		return true, d.Queue.Nack(ctx, item.URLID, nackAccountBusy)
	}

	url, err := d.Jobs.LeaseNextURL(ctx, job.ID, acct.ID, d.LeaseDuration)
	if errors.Is(err, domain.ErrNotFound) {
		// Every URL is already claimed or finished; the ticket is stale.
		return true, d.Queue.Ack(ctx, item.URLID)
	}
	if err != nil {
		return false, err
	}
	if job.Status == domain.JobPending {
		if _, err := d.Jobs.MarkRunning(ctx, job.ID); err != nil {
			return false, err
		}
	}

	token, err := d.Tokens.IssueJob(job.ID, job.UserID, d.JobTokenTTL)
	if err != nil {
		return false, err
	}
	leasedUntil := d.clock().Add(d.LeaseDuration)
	if url.LeasedUntil != nil {
		leasedUntil = *url.LeasedUntil
	}
	assignment := domain.Assignment{
		URLID:    url.ID,
		URL:      url.URL,
		JobID:    job.ID,
		JobToken: token,
		Account: domain.AssignmentAccount{
			ID:              acct.ID,
			Label:           acct.Label,
			SessionMaterial: acct.SessionMaterial,
		},
		LeasedUntil: leasedUntil,
	}
	if err := d.Delivery.Deliver(ctx, job.UserID, assignment); err != nil {
		// Leave the ticket leased: both the queue lease and the URL lease
		// expire on their own and the reconciler re-queues the work.
		return false, fmt.Errorf("op=dispatch.deliver: %w", err)
	}
	return true, d.Queue.Ack(ctx, item.URLID)
}

// pickAccount chooses the scraping account for the next request: the set
// pinned at admission when there is one, otherwise every eligible account
// of the job's owner. Candidates arrive ordered by requests_today, then
// last_request_at (nulls first), then id; rotation mode indexes them by
// processed_urls so consecutive URLs spread across the whole set.
func (d Dispatcher) pickAccount(ctx domain.Context, job domain.Job) (domain.Account, bool, error) {
	now := d.clock()
	assigned, err := d.Jobs.ListAssignedAccountIDs(ctx, job.ID)
	if err != nil {
		return domain.Account{}, false, err
	}
	var candidates []domain.Account
	if len(assigned) > 0 {
		candidates, err = d.Accounts.ListEligibleByIDs(ctx, assigned, now)
	} else {
		candidates, err = d.Accounts.ListEligibleByUser(ctx, job.UserID, now)
	}
	if err != nil {
		return domain.Account{}, false, err
	}
	if len(candidates) == 0 {
		return domain.Account{}, false, nil
	}
	if job.Config.AccountSelectionMode == domain.AccountSelectionRotation {
		return candidates[job.ProcessedURLs%len(candidates)], true, nil
	}
	return candidates[0], true, nil
}

func (d Dispatcher) sleep(ctx domain.Context, dur time.Duration) {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (d Dispatcher) clock() time.Time {
	if d.now != nil {
		return d.now()
	}
	return time.Now().UTC()
}
