package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

// AccountRepo is the scraping-account registry. Eligibility is always
// re-evaluated inside the mutating statement, never cached, so two
// dispatchers racing for the last quota slot cannot both win.
type AccountRepo struct {
	Pool PgxPool
	// Cooldown applies after repeated transient failures, DefaultBlock after
	// a hard failure without an explicit duration.
	Cooldown     time.Duration
	DefaultBlock time.Duration
}

// NewAccountRepo constructs an AccountRepo with the given pool and penalty
// durations.
func NewAccountRepo(p PgxPool, cooldown, defaultBlock time.Duration) *AccountRepo {
	if cooldown <= 0 {
		cooldown = 30 * time.Minute
	}
	if defaultBlock <= 0 {
		defaultBlock = 60 * time.Minute
	}
	return &AccountRepo{Pool: p, Cooldown: cooldown, DefaultBlock: defaultBlock}
}

const accountCols = `id, user_id, label, session_material, status, daily_request_limit, requests_today, last_request_at, cooldown_until, blocked_until, consecutive_failures, created_at, updated_at`

// eligibleCond mirrors domain.Account.Eligible; $ref is the parameter index
// carrying "now".
const eligibleCond = `status IN ('ACTIVE','PENDING')
	AND requests_today < daily_request_limit
	AND (cooldown_until IS NULL OR cooldown_until <= %[1]s)
	AND (blocked_until IS NULL OR blocked_until <= %[1]s)`

func scanAccount(row pgx.Row) (domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.ID, &a.UserID, &a.Label, &a.SessionMaterial, &a.Status, &a.DailyRequestLimit,
		&a.RequestsToday, &a.LastRequestAt, &a.CooldownUntil, &a.BlockedUntil, &a.ConsecutiveFailures,
		&a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func (r *AccountRepo) scanAccounts(rows pgx.Rows) ([]domain.Account, error) {
	defer rows.Close()
	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Create stores a new account and returns its id (generates one if empty).
func (r *AccountRepo) Create(ctx domain.Context, a domain.Account) (string, error) {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.Create")
	defer span.End()
	id := a.ID
	if id == "" {
		id = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = domain.AccountActive
	}
	now := time.Now().UTC()
	q := `INSERT INTO accounts (id, user_id, label, session_material, status, daily_request_limit, created_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$7)`
	_, err := r.Pool.Exec(ctx, q, id, a.UserID, a.Label, a.SessionMaterial, a.Status, a.DailyRequestLimit, now)
	if err != nil {
		return "", fmt.Errorf("op=account.create: %w", err)
	}
	return id, nil
}

// Get loads an account by id.
func (r *AccountRepo) Get(ctx domain.Context, id string) (domain.Account, error) {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.Get")
	defer span.End()
	a, err := scanAccount(r.Pool.QueryRow(ctx, `SELECT `+accountCols+` FROM accounts WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, fmt.Errorf("op=account.get: %w", domain.ErrNotFound)
		}
		return domain.Account{}, fmt.Errorf("op=account.get: %w", err)
	}
	return a, nil
}

// ListByUser returns every account of the user, oldest first.
func (r *AccountRepo) ListByUser(ctx domain.Context, userID string) ([]domain.Account, error) {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.ListByUser")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+accountCols+` FROM accounts WHERE user_id=$1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("op=account.list_by_user: %w", err)
	}
	out, err := r.scanAccounts(rows)
	if err != nil {
		return nil, fmt.Errorf("op=account.list_by_user: %w", err)
	}
	return out, nil
}

// ListEligibleByUser returns the user's eligible accounts in dispatch order:
// least used today first, least recently used as tie-break.
func (r *AccountRepo) ListEligibleByUser(ctx domain.Context, userID string, now time.Time) ([]domain.Account, error) {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.ListEligibleByUser")
	defer span.End()
	q := `SELECT ` + accountCols + ` FROM accounts WHERE user_id=$1 AND ` +
		fmt.Sprintf(eligibleCond, "$2") +
		` ORDER BY requests_today ASC, last_request_at ASC NULLS FIRST, id`
	rows, err := r.Pool.Query(ctx, q, userID, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("op=account.list_eligible: %w", err)
	}
	out, err := r.scanAccounts(rows)
	if err != nil {
		return nil, fmt.Errorf("op=account.list_eligible: %w", err)
	}
	return out, nil
}

// ListEligibleByIDs filters the given account ids down to the eligible ones,
// in the same dispatch order as ListEligibleByUser.
func (r *AccountRepo) ListEligibleByIDs(ctx domain.Context, ids []string, now time.Time) ([]domain.Account, error) {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.ListEligibleByIDs")
	defer span.End()
	if len(ids) == 0 {
		return nil, nil
	}
	q := `SELECT ` + accountCols + ` FROM accounts WHERE id = ANY($1) AND ` +
		fmt.Sprintf(eligibleCond, "$2") +
		` ORDER BY requests_today ASC, last_request_at ASC NULLS FIRST, id`
	rows, err := r.Pool.Query(ctx, q, ids, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("op=account.list_eligible_by_ids: %w", err)
	}
	out, err := r.scanAccounts(rows)
	if err != nil {
		return nil, fmt.Errorf("op=account.list_eligible_by_ids: %w", err)
	}
	return out, nil
}

// ReserveRequest takes one daily-quota slot if and only if the account is
// still eligible at execution time. The predicate lives inside the UPDATE's
// WHERE clause, making check and debit one atomic step.
func (r *AccountRepo) ReserveRequest(ctx domain.Context, id string, now time.Time) (bool, error) {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.ReserveRequest")
	defer span.End()
	q := `UPDATE accounts SET requests_today=requests_today+1, last_request_at=$2, updated_at=$2
	WHERE id=$1 AND ` + fmt.Sprintf(eligibleCond, "$2")
	tag, err := r.Pool.Exec(ctx, q, id, now.UTC())
	if err != nil {
		return false, fmt.Errorf("op=account.reserve_request: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReportOutcome applies the bookkeeping for one finished request:
//
//	success           -> consecutive_failures := 0
//	transient_failure -> +1 failure; at 3 or more, cooldown
//	hard_failure      -> block for blockFor (default 60m), +1 failure;
//	                     at 5 or more, status := FAILED
func (r *AccountRepo) ReportOutcome(ctx domain.Context, id string, kind domain.OutcomeKind, blockFor time.Duration) error {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.ReportOutcome")
	defer span.End()
	now := time.Now().UTC()
	var (
		q    string
		args []any
	)
	switch kind {
	case domain.OutcomeSuccess:
		q = `UPDATE accounts SET consecutive_failures=0, updated_at=$2 WHERE id=$1`
		args = []any{id, now}
	case domain.OutcomeTransientFailure:
		q = `UPDATE accounts SET consecutive_failures=consecutive_failures+1,
			cooldown_until = CASE WHEN consecutive_failures+1 >= 3 THEN $2::timestamptz ELSE cooldown_until END,
			updated_at=$3
		WHERE id=$1`
		args = []any{id, now.Add(r.Cooldown), now}
	case domain.OutcomeHardFailure:
		if blockFor <= 0 {
			blockFor = r.DefaultBlock
		}
		q = `UPDATE accounts SET consecutive_failures=consecutive_failures+1,
			blocked_until = $2,
			status = CASE WHEN consecutive_failures+1 >= 5 THEN 'FAILED' ELSE status END,
			updated_at=$3
		WHERE id=$1`
		args = []any{id, now.Add(blockFor), now}
	default:
		return fmt.Errorf("op=account.report_outcome kind=%s: %w", kind, domain.ErrInvalidArgument)
	}
	tag, err := r.Pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("op=account.report_outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=account.report_outcome: %w", domain.ErrNotFound)
	}
	return nil
}

// ResetDaily zeroes requests_today across the registry.
func (r *AccountRepo) ResetDaily(ctx domain.Context) (int64, error) {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.ResetDaily")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `UPDATE accounts SET requests_today=0, updated_at=$1 WHERE requests_today <> 0`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("op=account.reset_daily: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ClearExpiredHolds nulls cooldown/block deadlines that have passed so the
// fields read as "not held" instead of carrying stale timestamps.
func (r *AccountRepo) ClearExpiredHolds(ctx domain.Context, now time.Time) (int64, error) {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.ClearExpiredHolds")
	defer span.End()
	q := `UPDATE accounts SET
		cooldown_until = CASE WHEN cooldown_until IS NOT NULL AND cooldown_until <= $1 THEN NULL ELSE cooldown_until END,
		blocked_until  = CASE WHEN blocked_until  IS NOT NULL AND blocked_until  <= $1 THEN NULL ELSE blocked_until  END,
		updated_at = $1
	WHERE (cooldown_until IS NOT NULL AND cooldown_until <= $1)
	   OR (blocked_until  IS NOT NULL AND blocked_until  <= $1)`
	tag, err := r.Pool.Exec(ctx, q, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=account.clear_expired_holds: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ResetPenalties is the administrative escape hatch: it clears failure
// bookkeeping, holds and today's usage, and revives FAILED/BLOCKED accounts
// to ACTIVE.
func (r *AccountRepo) ResetPenalties(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.ResetPenalties")
	defer span.End()
	q := `UPDATE accounts SET
		consecutive_failures = 0,
		requests_today = 0,
		cooldown_until = NULL,
		blocked_until = NULL,
		status = CASE WHEN status IN ('FAILED','BLOCKED') THEN 'ACTIVE' ELSE status END,
		updated_at = $2
	WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=account.reset_penalties: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=account.reset_penalties: %w", domain.ErrNotFound)
	}
	return nil
}

// UpdateStatus sets the account status, scoped to the owning user.
func (r *AccountRepo) UpdateStatus(ctx domain.Context, id, userID string, status domain.AccountStatus) error {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.UpdateStatus")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `UPDATE accounts SET status=$3, updated_at=$4 WHERE id=$1 AND user_id=$2`,
		id, userID, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=account.update_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=account.update_status: %w", domain.ErrNotFound)
	}
	return nil
}
