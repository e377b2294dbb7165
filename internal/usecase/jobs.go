package usecase

import (
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

// JobService is the owner-facing surface over jobs: reads and the lifecycle
// transitions a user may request. Every operation is scoped to the caller;
// other tenants' jobs are indistinguishable from missing ones.
type JobService struct {
	Jobs   domain.JobRepository
	Queue  domain.Queue
	Events domain.EventPublisher
}

// NewJobService constructs a JobService with its dependencies.
func NewJobService(jobs domain.JobRepository, q domain.Queue, ev domain.EventPublisher) JobService {
	return JobService{Jobs: jobs, Queue: q, Events: ev}
}

// Get returns the job when userID owns it.
func (s JobService) Get(ctx domain.Context, userID, jobID string) (domain.Job, error) {
	return s.owned(ctx, userID, jobID)
}

// List returns the user's jobs, newest first.
func (s JobService) List(ctx domain.Context, userID string, offset, limit int) ([]domain.Job, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return s.Jobs.ListByUser(ctx, userID, offset, limit)
}

// Pause moves a running job to paused. The dispatcher drains the job's
// queue tickets while it stays paused.
func (s JobService) Pause(ctx domain.Context, userID, jobID string) (domain.Job, error) {
	job, err := s.owned(ctx, userID, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	ok, err := s.Jobs.MarkPaused(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: cannot pause a %s job", domain.ErrInvalidJobState, job.Status)
	}
	return s.Jobs.Get(ctx, jobID)
}

// Resume moves a paused job back to running and re-creates the queue
// tickets the dispatcher drained; enqueue is idempotent so overlap with the
// reconciler is harmless.
func (s JobService) Resume(ctx domain.Context, userID, jobID string) (domain.Job, error) {
	job, err := s.owned(ctx, userID, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	ok, err := s.Jobs.MarkResumed(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: cannot resume a %s job", domain.ErrInvalidJobState, job.Status)
	}
	ids, err := s.Jobs.ListPendingURLIDs(ctx, jobID)
	if err != nil {
		// Already resumed; the reconciler re-queues what we missed.
		slog.Error("resume: list pending urls", slog.Any("error", err), slog.String("job_id", jobID))
	} else {
		enqueueTickets(ctx, s.Queue, job, ids)
	}
	return s.Jobs.Get(ctx, jobID)
}

// Cancel moves a pending, running or paused job to cancelled. Leases are
// not revoked and queue tickets drain lazily at the dispatcher; late worker
// posts bounce off the terminal status.
func (s JobService) Cancel(ctx domain.Context, userID, jobID string) (domain.Job, error) {
	if _, err := s.owned(ctx, userID, jobID); err != nil {
		return domain.Job{}, err
	}
	ok, err := s.Jobs.MarkCancelled(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: cannot cancel a %s job", domain.ErrInvalidJobState, job.Status)
	}
	publishEvent(ctx, s.Events, domain.EventJobCancelled, job)
	return job, nil
}

// Delete removes a pending or terminal job with all of its rows; an active
// job must be cancelled first.
func (s JobService) Delete(ctx domain.Context, userID, jobID string) error {
	return s.Jobs.Delete(ctx, jobID, userID)
}

// owned fetches the job and hides it from non-owners.
func (s JobService) owned(ctx domain.Context, userID, jobID string) (domain.Job, error) {
	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.UserID != userID {
		return domain.Job{}, fmt.Errorf("op=jobs.owned: %w", domain.ErrNotFound)
	}
	return job, nil
}
