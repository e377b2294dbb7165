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

// TxRunner implements domain.Transactor. The admission controller runs its
// whole check-debit-insert sequence through InTx so a failure at any step
// rolls back the credit debit with it.
type TxRunner struct {
	Pool PgxPool
	// URLMaxAttempts is stamped onto every URL row created inside the tx.
	URLMaxAttempts int
}

// NewTxRunner constructs a TxRunner with the given pool.
func NewTxRunner(p PgxPool, urlMaxAttempts int) *TxRunner {
	if urlMaxAttempts <= 0 {
		urlMaxAttempts = 3
	}
	return &TxRunner{Pool: p, URLMaxAttempts: urlMaxAttempts}
}

// InTx runs fn inside a single transaction.
func (t *TxRunner) InTx(ctx domain.Context, fn func(ctx domain.Context, tx domain.AdmissionTx) error) error {
	tracer := otel.Tracer("repo.tx")
	ctx, span := tracer.Start(ctx, "tx.InTx")
	defer span.End()
	return inTx(ctx, t.Pool, func(tx pgx.Tx) error {
		return fn(ctx, &admissionTx{tx: tx, urlMaxAttempts: t.URLMaxAttempts})
	})
}

type admissionTx struct {
	tx             pgx.Tx
	urlMaxAttempts int
}

// CountActiveJobs counts the user's jobs in non-terminal states.
func (a *admissionTx) CountActiveJobs(ctx domain.Context, userID string) (int, error) {
	var n int
	err := a.tx.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE user_id=$1 AND status IN ('pending','running','paused')`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("op=tx.count_active_jobs: %w", err)
	}
	return n, nil
}

// GetUserForUpdate reads the user row under a row-level lock, serializing
// concurrent submissions by the same user.
func (a *admissionTx) GetUserForUpdate(ctx domain.Context, userID string) (domain.User, error) {
	row := a.tx.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id=$1 FOR UPDATE`, userID)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, fmt.Errorf("op=tx.get_user_for_update: %w", domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("op=tx.get_user_for_update: %w", err)
	}
	return u, nil
}

// DebitCredits moves n credits from balance to used. The balance guard makes
// this safe even without the row lock; with it, it is belt and braces.
func (a *admissionTx) DebitCredits(ctx domain.Context, userID string, n int64) error {
	tag, err := a.tx.Exec(ctx, `UPDATE users SET credits_balance=credits_balance-$2, credits_used=credits_used+$2, updated_at=$3
	WHERE id=$1 AND credits_balance >= $2`, userID, n, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=tx.debit_credits: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=tx.debit_credits: %w", domain.ErrInsufficientCredits)
	}
	return nil
}

// ListEligibleAccountIDs returns the ids of the user's currently eligible
// accounts.
func (a *admissionTx) ListEligibleAccountIDs(ctx domain.Context, userID string, now time.Time) ([]string, error) {
	q := `SELECT id FROM accounts WHERE user_id=$1 AND ` + fmt.Sprintf(eligibleCond, "$2") + ` ORDER BY requests_today ASC, last_request_at ASC NULLS FIRST, id`
	rows, err := a.tx.Query(ctx, q, userID, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("op=tx.list_eligible_accounts: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=tx.list_eligible_accounts: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=tx.list_eligible_accounts: %w", err)
	}
	return out, nil
}

// CreateJob inserts the job row, one pending URL row per target and the
// account assignment rows.
func (a *admissionTx) CreateJob(ctx domain.Context, j domain.Job, urls []string, accountIDs []string) (domain.Job, error) {
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	cfg, err := json.Marshal(j.Config)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=tx.create_job: %w", err)
	}

	q := `INSERT INTO jobs (id, user_id, type, name, status, max_results, config, total_urls, credits_charged, created_at, updated_at)
	VALUES ($1,$2,$3,$4,'pending',$5,$6,$7,$8,$9,$9)`
	if _, err := a.tx.Exec(ctx, q, id, j.UserID, j.Type, j.Name, j.MaxResults, cfg, len(urls), j.CreditsCharged, now); err != nil {
		return domain.Job{}, fmt.Errorf("op=tx.create_job: %w", err)
	}

	for _, raw := range urls {
		_, err := a.tx.Exec(ctx, `INSERT INTO job_urls (id, job_id, url, status, max_attempts, created_at, updated_at)
		VALUES ($1,$2,$3,'pending',$4,$5,$5)`, uuid.New().String(), id, raw, a.urlMaxAttempts, now)
		if err != nil {
			return domain.Job{}, fmt.Errorf("op=tx.create_job url=%s: %w", raw, err)
		}
	}
	for i, acct := range accountIDs {
		_, err := a.tx.Exec(ctx, `INSERT INTO job_accounts (job_id, account_id, position) VALUES ($1,$2,$3)`, id, acct, i)
		if err != nil {
			return domain.Job{}, fmt.Errorf("op=tx.create_job account=%s: %w", acct, err)
		}
	}

	created, err := scanJob(a.tx.QueryRow(ctx, `SELECT `+jobCols+` FROM jobs WHERE id=$1`, id))
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=tx.create_job: %w", err)
	}
	return created, nil
}
