package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

// JobRepo persists jobs, their URL work-items and result rows. Counter
// columns on jobs are only ever touched in the same transaction as the URL
// or result row that justifies them, so
// processed_urls = successful_urls + failed_urls holds after every commit.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobCols = `id, user_id, type, name, status, max_results, config, total_urls, processed_urls, successful_urls, failed_urls, result_count, credits_charged, progress, progress_message, current_url, error_message, created_at, started_at, completed_at, paused_at, resumed_at, cancelled_at, updated_at`

const urlCols = `id, job_id, url, status, attempts, max_attempts, COALESCE(last_error,''), leased_by, leased_until, created_at, updated_at`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var cfg []byte
	err := row.Scan(&j.ID, &j.UserID, &j.Type, &j.Name, &j.Status, &j.MaxResults, &cfg,
		&j.TotalURLs, &j.ProcessedURLs, &j.SuccessfulURLs, &j.FailedURLs, &j.ResultCount, &j.CreditsCharged,
		&j.Progress, &j.ProgressMessage, &j.CurrentURL, &j.ErrorMessage,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.PausedAt, &j.ResumedAt, &j.CancelledAt, &j.UpdatedAt)
	if err != nil {
		return domain.Job{}, err
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &j.Config); err != nil {
			return domain.Job{}, fmt.Errorf("decode config: %w", err)
		}
	}
	return j, nil
}

func scanURL(row pgx.Row) (domain.URLItem, error) {
	var u domain.URLItem
	err := row.Scan(&u.ID, &u.JobID, &u.URL, &u.Status, &u.Attempts, &u.MaxAttempts,
		&u.LastError, &u.LeasedBy, &u.LeasedUntil, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	j, err := scanJob(r.Pool.QueryRow(ctx, `SELECT `+jobCols+` FROM jobs WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// GetURL returns one URL work-item, scoped to its job.
func (r *JobRepo) GetURL(ctx domain.Context, jobID, urlID string) (domain.URLItem, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.GetURL")
	defer span.End()
	u, err := scanURL(r.Pool.QueryRow(ctx, `SELECT `+urlCols+` FROM job_urls WHERE id=$1 AND job_id=$2`, urlID, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.URLItem{}, fmt.Errorf("op=job.get_url: %w", domain.ErrNotFound)
		}
		return domain.URLItem{}, fmt.Errorf("op=job.get_url: %w", err)
	}
	return u, nil
}

// ListByUser returns the user's jobs, newest first.
func (r *JobRepo) ListByUser(ctx domain.Context, userID string, offset, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListByUser")
	defer span.End()
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := r.Pool.Query(ctx, `SELECT `+jobCols+` FROM jobs WHERE user_id=$1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_by_user: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_by_user: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_by_user: %w", err)
	}
	return out, nil
}

// ListAssignedAccountIDs returns the accounts pinned to the job at admission
// time, in assignment order.
func (r *JobRepo) ListAssignedAccountIDs(ctx domain.Context, jobID string) ([]string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListAssignedAccountIDs")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT account_id FROM job_accounts WHERE job_id=$1 ORDER BY position`, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_assigned_accounts: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=job.list_assigned_accounts: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_assigned_accounts: %w", err)
	}
	return out, nil
}

// LeaseNextURL claims the oldest pending URL of the job for the account.
// SKIP LOCKED keeps concurrent dispatcher loops from colliding on the same
// row; domain.ErrNotFound signals the job has nothing pending.
func (r *JobRepo) LeaseNextURL(ctx domain.Context, jobID, accountID string, leaseDur time.Duration) (domain.URLItem, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.LeaseNextURL")
	defer span.End()
	q := `UPDATE job_urls SET status='in_flight', leased_by=$2, leased_until=$3, updated_at=$4
	WHERE id = (
		SELECT id FROM job_urls
		WHERE job_id=$1 AND status='pending'
		ORDER BY created_at, id
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	RETURNING ` + urlCols
	now := time.Now().UTC()
	u, err := scanURL(r.Pool.QueryRow(ctx, q, jobID, accountID, now.Add(leaseDur), now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.URLItem{}, fmt.Errorf("op=job.lease_next_url: %w", domain.ErrNotFound)
		}
		return domain.URLItem{}, fmt.Errorf("op=job.lease_next_url: %w", err)
	}
	return u, nil
}

// CompleteURL transitions the URL to completed, appends the result row and
// bumps counters, all in one transaction. Redeliveries are no-ops: an
// already-completed URL returns the current job unchanged, and a duplicate
// payload hash completes the URL without a second row.
func (r *JobRepo) CompleteURL(ctx domain.Context, jobID, urlID string, row domain.ResultRow) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CompleteURL")
	defer span.End()
	var job domain.Job
	err := inTx(ctx, r.Pool, func(tx pgx.Tx) error {
		var status domain.URLStatus
		var rawURL string
		err := tx.QueryRow(ctx, `SELECT status, url FROM job_urls WHERE id=$1 AND job_id=$2 FOR UPDATE`, urlID, jobID).
			Scan(&status, &rawURL)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		switch status {
		case domain.URLCompleted:
			job, err = scanJob(tx.QueryRow(ctx, `SELECT `+jobCols+` FROM jobs WHERE id=$1`, jobID))
			return err
		case domain.URLFailed, domain.URLCancelled:
			return domain.ErrConflict
		}

		inserted, err := insertResultRow(ctx, tx, row)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `UPDATE job_urls SET status='completed', last_error=NULL, leased_by=NULL, leased_until=NULL, updated_at=$2 WHERE id=$1`, urlID, now); err != nil {
			return err
		}
		bump := 0
		if inserted {
			bump = 1
		}
		q := `UPDATE jobs SET
			processed_urls = processed_urls + 1,
			successful_urls = successful_urls + 1,
			result_count = result_count + $2,
			progress = LEAST(100, (processed_urls + 1) * 100.0 / GREATEST(total_urls, 1)),
			current_url = $3,
			updated_at = $4
		WHERE id=$1
		RETURNING ` + jobCols
		job, err = scanJob(tx.QueryRow(ctx, q, jobID, bump, rawURL, now))
		return err
	})
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.complete_url: %w", err)
	}
	return job, nil
}

// AppendResult inserts a job-scoped result row (not bound to a URL),
// deduplicated on payload hash.
func (r *JobRepo) AppendResult(ctx domain.Context, row domain.ResultRow) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.AppendResult")
	defer span.End()
	var inserted bool
	err := inTx(ctx, r.Pool, func(tx pgx.Tx) error {
		var err error
		inserted, err = insertResultRow(ctx, tx, row)
		if err != nil || !inserted {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE jobs SET result_count=result_count+1, updated_at=$2 WHERE id=$1`,
			row.JobID, time.Now().UTC())
		return err
	})
	if err != nil {
		return false, fmt.Errorf("op=job.append_result: %w", err)
	}
	return inserted, nil
}

func insertResultRow(ctx domain.Context, tx pgx.Tx, row domain.ResultRow) (bool, error) {
	id := row.ID
	if id == "" {
		id = uuid.New().String()
	}
	tag, err := tx.Exec(ctx, `INSERT INTO job_results (id, job_id, url_id, kind, payload, payload_hash, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7) ON CONFLICT DO NOTHING`,
		id, row.JobID, row.URLID, row.Kind, row.Payload, row.PayloadHash, time.Now().UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// FailURL returns the URL to pending while attempts remain, otherwise marks
// it failed and bumps the failure counters. Terminal URLs are left alone
// (late failure reports after a success are dropped).
func (r *JobRepo) FailURL(ctx domain.Context, jobID, urlID, errMsg string, retriable bool) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FailURL")
	defer span.End()
	var requeued bool
	err := inTx(ctx, r.Pool, func(tx pgx.Tx) error {
		var status domain.URLStatus
		var attempts, maxAttempts int
		err := tx.QueryRow(ctx, `SELECT status, attempts, max_attempts FROM job_urls WHERE id=$1 AND job_id=$2 FOR UPDATE`, urlID, jobID).
			Scan(&status, &attempts, &maxAttempts)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		if status != domain.URLPending && status != domain.URLInFlight {
			return nil
		}

		now := time.Now().UTC()
		if retriable && attempts < maxAttempts {
			_, err := tx.Exec(ctx, `UPDATE job_urls SET status='pending', attempts=attempts+1, last_error=$2, leased_by=NULL, leased_until=NULL, updated_at=$3 WHERE id=$1`,
				urlID, errMsg, now)
			if err != nil {
				return err
			}
			requeued = true
			_, err = tx.Exec(ctx, `UPDATE jobs SET updated_at=$2 WHERE id=$1`, jobID, now)
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE job_urls SET status='failed', last_error=$2, leased_by=NULL, leased_until=NULL, updated_at=$3 WHERE id=$1`,
			urlID, errMsg, now); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE jobs SET
			processed_urls = processed_urls + 1,
			failed_urls = failed_urls + 1,
			progress = LEAST(100, (processed_urls + 1) * 100.0 / GREATEST(total_urls, 1)),
			updated_at = $2
		WHERE id=$1`, jobID, now)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("op=job.fail_url: %w", err)
	}
	return requeued, nil
}

// ExpireLeases moves in_flight URLs whose lease ran out back to pending and
// returns them so the caller can re-enqueue tickets.
func (r *JobRepo) ExpireLeases(ctx domain.Context, now time.Time) ([]domain.ExpiredLease, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ExpireLeases")
	defer span.End()
	// RETURNING sees post-update values, so the leased_by that held the
	// lease is read through a self-join snapshot.
	q := `UPDATE job_urls u SET status='pending', leased_by=NULL, leased_until=NULL, updated_at=$1
	FROM jobs j, job_urls prev
	WHERE u.job_id = j.id AND prev.id = u.id AND u.status='in_flight' AND u.leased_until < $1
	RETURNING u.id, u.job_id, j.type, COALESCE(prev.leased_by, '')`
	rows, err := r.Pool.Query(ctx, q, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("op=job.expire_leases: %w", err)
	}
	defer rows.Close()
	var out []domain.ExpiredLease
	for rows.Next() {
		var e domain.ExpiredLease
		if err := rows.Scan(&e.URLID, &e.JobID, &e.JobType, &e.AccountID); err != nil {
			return nil, fmt.Errorf("op=job.expire_leases: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.expire_leases: %w", err)
	}
	return out, nil
}

// RefreshLeases extends the lease deadline of the job's in_flight URLs.
// Progress reports call this so long-running scrapes are not reaped.
func (r *JobRepo) RefreshLeases(ctx domain.Context, jobID string, leaseDur time.Duration) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RefreshLeases")
	defer span.End()
	now := time.Now().UTC()
	tag, err := r.Pool.Exec(ctx, `UPDATE job_urls SET leased_until=$2, updated_at=$3 WHERE job_id=$1 AND status='in_flight'`,
		jobID, now.Add(leaseDur), now)
	if err != nil {
		return 0, fmt.Errorf("op=job.refresh_leases: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListPendingURLIDs returns the pending URL ids of the job, oldest first.
func (r *JobRepo) ListPendingURLIDs(ctx domain.Context, jobID string) ([]string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListPendingURLIDs")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT id FROM job_urls WHERE job_id=$1 AND status='pending' ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_pending_urls: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=job.list_pending_urls: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_pending_urls: %w", err)
	}
	return out, nil
}

// UpdateProgress stores a worker progress report. Empty message/current URL
// leave the previous values in place.
func (r *JobRepo) UpdateProgress(ctx domain.Context, jobID string, percent float64, message, currentURL string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateProgress")
	defer span.End()
	q := `UPDATE jobs SET progress=$2,
		progress_message = COALESCE(NULLIF($3,''), progress_message),
		current_url = COALESCE(NULLIF($4,''), current_url),
		updated_at=$5
	WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, jobID, percent, message, currentURL, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.update_progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.update_progress: %w", domain.ErrNotFound)
	}
	return nil
}

// SetJobError records a non-fatal error message on the job.
func (r *JobRepo) SetJobError(ctx domain.Context, jobID, message string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SetJobError")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `UPDATE jobs SET error_message=$2, updated_at=$3 WHERE id=$1`,
		jobID, message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.set_error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.set_error: %w", domain.ErrNotFound)
	}
	return nil
}

// transition applies a guarded status change; returns false when the guard
// did not match, which callers treat as an already-applied (or stale) move.
func (r *JobRepo) transition(ctx domain.Context, op, set, guard string, args ...any) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs."+op)
	defer span.End()
	q := `UPDATE jobs SET ` + set + `, updated_at=$2 WHERE id=$1 AND ` + guard
	tag, err := r.Pool.Exec(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("op=job.%s: %w", op, err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkRunning moves pending -> running on the first lease.
func (r *JobRepo) MarkRunning(ctx domain.Context, jobID string) (bool, error) {
	now := time.Now().UTC()
	return r.transition(ctx, "mark_running",
		`status='running', started_at=COALESCE(started_at, $2)`, `status='pending'`, jobID, now)
}

// MarkCompleted moves running -> completed.
func (r *JobRepo) MarkCompleted(ctx domain.Context, jobID string) (bool, error) {
	now := time.Now().UTC()
	return r.transition(ctx, "mark_completed",
		`status='completed', completed_at=$2, progress=100`, `status='running'`, jobID, now)
}

// MarkFailed moves any non-terminal job to failed with the given message.
func (r *JobRepo) MarkFailed(ctx domain.Context, jobID, errMsg string) (bool, error) {
	now := time.Now().UTC()
	return r.transition(ctx, "mark_failed",
		`status='failed', error_message=$3, completed_at=$2`, `status IN ('pending','running','paused')`, jobID, now, errMsg)
}

// MarkPaused moves running -> paused.
func (r *JobRepo) MarkPaused(ctx domain.Context, jobID string) (bool, error) {
	now := time.Now().UTC()
	return r.transition(ctx, "mark_paused",
		`status='paused', paused_at=$2`, `status='running'`, jobID, now)
}

// MarkResumed moves paused -> running.
func (r *JobRepo) MarkResumed(ctx domain.Context, jobID string) (bool, error) {
	now := time.Now().UTC()
	return r.transition(ctx, "mark_resumed",
		`status='running', resumed_at=$2`, `status='paused'`, jobID, now)
}

// MarkCancelled moves any non-terminal job to cancelled.
func (r *JobRepo) MarkCancelled(ctx domain.Context, jobID string) (bool, error) {
	now := time.Now().UTC()
	return r.transition(ctx, "mark_cancelled",
		`status='cancelled', cancelled_at=$2`, `status IN ('pending','running','paused')`, jobID, now)
}

// MarkPendingFromRunning sends a stalled running job back to pending for
// re-evaluation by the dispatcher.
func (r *JobRepo) MarkPendingFromRunning(ctx domain.Context, jobID string) (bool, error) {
	now := time.Now().UTC()
	return r.transition(ctx, "mark_pending",
		`status='pending'`, `status='running'`, jobID, now)
}

// ListStalledRunning returns running jobs without in_flight URLs that made
// no progress since cutoff.
func (r *JobRepo) ListStalledRunning(ctx domain.Context, cutoff time.Time) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListStalledRunning")
	defer span.End()
	q := `SELECT ` + jobCols + ` FROM jobs j
	WHERE j.status='running' AND j.updated_at < $1
	  AND NOT EXISTS (SELECT 1 FROM job_urls u WHERE u.job_id = j.id AND u.status='in_flight')`
	rows, err := r.Pool.Query(ctx, q, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("op=job.list_stalled: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_stalled: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_stalled: %w", err)
	}
	return out, nil
}

// ListStalledPending returns pending jobs untouched since cutoff. Their
// queue tickets may have been lost to a crash between commit and enqueue.
func (r *JobRepo) ListStalledPending(ctx domain.Context, cutoff time.Time) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListStalledPending")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+jobCols+` FROM jobs j WHERE j.status='pending' AND j.updated_at < $1`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("op=job.list_stalled_pending: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_stalled_pending: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_stalled_pending: %w", err)
	}
	return out, nil
}

// Delete removes a job owned by the user. Only terminal jobs and jobs that
// never started may be deleted; active ones must be cancelled first.
func (r *JobRepo) Delete(ctx domain.Context, jobID, userID string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Delete")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM jobs WHERE id=$1 AND user_id=$2 AND status IN ('pending','completed','failed','cancelled')`,
		jobID, userID)
	if err != nil {
		return fmt.Errorf("op=job.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var status domain.JobStatus
		err := r.Pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id=$1 AND user_id=$2`, jobID, userID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("op=job.delete: %w", domain.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("op=job.delete: %w", err)
		}
		return fmt.Errorf("op=job.delete status=%s: %w", status, domain.ErrInvalidJobState)
	}
	return nil
}
