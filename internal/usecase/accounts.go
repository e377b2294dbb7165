package usecase

import (
	"fmt"
	"strings"
	"time"

	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

// AccountService manages a user's scraping identities. New accounts start
// PENDING (eligible for dispatch, unproven); users may only toggle between
// ACTIVE and DISABLED, while the registry owns FAILED and BLOCKED.
type AccountService struct {
	Accounts          domain.AccountRepository
	DefaultDailyLimit int
}

// NewAccountService constructs an AccountService with its dependencies.
func NewAccountService(accts domain.AccountRepository, defaultDailyLimit int) AccountService {
	return AccountService{Accounts: accts, DefaultDailyLimit: defaultDailyLimit}
}

// Create registers a scraping identity for the user.
func (s AccountService) Create(ctx domain.Context, userID, label, sessionMaterial string, dailyLimit int) (domain.Account, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return domain.Account{}, fmt.Errorf("%w: label required", domain.ErrInvalidArgument)
	}
	if strings.TrimSpace(sessionMaterial) == "" {
		return domain.Account{}, fmt.Errorf("%w: session_material required", domain.ErrInvalidArgument)
	}
	if dailyLimit <= 0 {
		dailyLimit = s.DefaultDailyLimit
	}
	now := time.Now().UTC()
	acct := domain.Account{
		UserID:            userID,
		Label:             label,
		SessionMaterial:   sessionMaterial,
		Status:            domain.AccountPending,
		DailyRequestLimit: dailyLimit,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	id, err := s.Accounts.Create(ctx, acct)
	if err != nil {
		return domain.Account{}, err
	}
	return s.Accounts.Get(ctx, id)
}

// List returns the user's accounts.
func (s AccountService) List(ctx domain.Context, userID string) ([]domain.Account, error) {
	return s.Accounts.ListByUser(ctx, userID)
}

// UpdateStatus lets the owner enable or disable an account.
func (s AccountService) UpdateStatus(ctx domain.Context, userID, id string, status domain.AccountStatus) (domain.Account, error) {
	if status != domain.AccountActive && status != domain.AccountDisabled {
		return domain.Account{}, fmt.Errorf("%w: status must be %s or %s", domain.ErrInvalidArgument,
			domain.AccountActive, domain.AccountDisabled)
	}
	if err := s.Accounts.UpdateStatus(ctx, id, userID, status); err != nil {
		return domain.Account{}, err
	}
	return s.Accounts.Get(ctx, id)
}

// Delete soft-disables the account; session material stays recoverable and
// historical assignment rows keep their referent.
func (s AccountService) Delete(ctx domain.Context, userID, id string) error {
	return s.Accounts.UpdateStatus(ctx, id, userID, domain.AccountDisabled)
}
