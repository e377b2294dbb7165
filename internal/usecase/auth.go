package usecase

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
	"github.com/fairyhunter13/scrape-orchestrator/internal/service/password"
)

// AuthService registers users and exchanges credentials for access tokens.
type AuthService struct {
	Users  domain.UserRepository
	Tokens domain.TokenService

	SignupCredits     int64
	MaxConcurrentJobs int
	MaxMonthlyJobs    int
}

// NewAuthService constructs an AuthService with its dependencies.
func NewAuthService(users domain.UserRepository, tokens domain.TokenService,
	signupCredits int64, maxConcurrent, maxMonthly int) AuthService {
	return AuthService{
		Users: users, Tokens: tokens,
		SignupCredits: signupCredits, MaxConcurrentJobs: maxConcurrent, MaxMonthlyJobs: maxMonthly,
	}
}

// Register creates a user with the configured signup credits and caps.
func (s AuthService) Register(ctx domain.Context, email, plain string) (domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return domain.User{}, fmt.Errorf("%w: email required", domain.ErrInvalidArgument)
	}
	if len(plain) < 8 {
		return domain.User{}, fmt.Errorf("%w: password must be at least 8 characters", domain.ErrInvalidArgument)
	}
	hash, err := password.Hash(plain, password.DefaultParams)
	if err != nil {
		return domain.User{}, fmt.Errorf("op=auth.register: %w", err)
	}
	now := time.Now().UTC()
	id, err := s.Users.Create(ctx, domain.User{
		Email:             email,
		PasswordHash:      hash,
		CreditsBalance:    s.SignupCredits,
		MaxConcurrentJobs: s.MaxConcurrentJobs,
		MaxMonthlyJobs:    s.MaxMonthlyJobs,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		return domain.User{}, err
	}
	return s.Users.Get(ctx, id)
}

// Login verifies the credentials and issues an access token. Unknown emails
// and wrong passwords are indistinguishable to the caller.
func (s AuthService) Login(ctx domain.Context, email, plain string) (string, domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := s.Users.GetByEmail(ctx, email)
	if errors.Is(err, domain.ErrNotFound) {
		return "", domain.User{}, fmt.Errorf("op=auth.login: %w", domain.ErrUnauthenticated)
	}
	if err != nil {
		return "", domain.User{}, err
	}
	if !password.Verify(plain, user.PasswordHash) {
		return "", domain.User{}, fmt.Errorf("op=auth.login: %w", domain.ErrUnauthenticated)
	}
	token, err := s.Tokens.IssueAccess(user.ID)
	if err != nil {
		return "", domain.User{}, err
	}
	return token, user, nil
}
