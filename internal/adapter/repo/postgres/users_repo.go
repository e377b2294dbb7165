package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

// UserRepo persists and loads users using a minimal pgx pool.
type UserRepo struct{ Pool PgxPool }

// NewUserRepo constructs a UserRepo with the given pool.
func NewUserRepo(p PgxPool) *UserRepo { return &UserRepo{Pool: p} }

const userCols = `id, email, password_hash, credits_balance, credits_used, max_concurrent_jobs, max_monthly_jobs, created_at, updated_at`

func scanUser(row pgx.Row) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreditsBalance, &u.CreditsUsed,
		&u.MaxConcurrentJobs, &u.MaxMonthlyJobs, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

// Create stores a new user and returns its id (generates one if empty).
// A duplicate email maps to domain.ErrConflict.
func (r *UserRepo) Create(ctx domain.Context, u domain.User) (string, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "users"),
	)
	id := u.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	q := `INSERT INTO users (id, email, password_hash, credits_balance, credits_used, max_concurrent_jobs, max_monthly_jobs, created_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)`
	_, err := r.Pool.Exec(ctx, q, id, u.Email, u.PasswordHash, u.CreditsBalance, u.CreditsUsed, u.MaxConcurrentJobs, u.MaxMonthlyJobs, now)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("op=user.create email=%s: %w", u.Email, domain.ErrConflict)
		}
		return "", fmt.Errorf("op=user.create: %w", err)
	}
	return id, nil
}

// Get loads a user by id.
func (r *UserRepo) Get(ctx domain.Context, id string) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Get")
	defer span.End()
	u, err := scanUser(r.Pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, fmt.Errorf("op=user.get: %w", domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("op=user.get: %w", err)
	}
	return u, nil
}

// GetByEmail loads a user by email.
func (r *UserRepo) GetByEmail(ctx domain.Context, email string) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.GetByEmail")
	defer span.End()
	u, err := scanUser(r.Pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE email=$1`, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, fmt.Errorf("op=user.get_by_email: %w", domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("op=user.get_by_email: %w", err)
	}
	return u, nil
}

// AddCredits applies an administrative refill to the user's balance.
func (r *UserRepo) AddCredits(ctx domain.Context, id string, amount int64) error {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.AddCredits")
	defer span.End()
	if amount <= 0 {
		return fmt.Errorf("op=user.add_credits amount=%d: %w", amount, domain.ErrInvalidArgument)
	}
	tag, err := r.Pool.Exec(ctx, `UPDATE users SET credits_balance=credits_balance+$2, updated_at=$3 WHERE id=$1`, id, amount, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=user.add_credits: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=user.add_credits: %w", domain.ErrNotFound)
	}
	return nil
}
