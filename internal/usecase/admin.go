package usecase

import (
	"fmt"

	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

// AdminService backs the operator surface: credit refills, account rescue
// and queue inspection. Authentication happens at the HTTP layer.
type AdminService struct {
	Users    domain.UserRepository
	Accounts domain.AccountRepository
	Queue    domain.Queue
}

// NewAdminService constructs an AdminService with its dependencies.
func NewAdminService(users domain.UserRepository, accts domain.AccountRepository, q domain.Queue) AdminService {
	return AdminService{Users: users, Accounts: accts, Queue: q}
}

// RefillCredits adds amount to the user's balance and returns the fresh row.
func (s AdminService) RefillCredits(ctx domain.Context, userID string, amount int64) (domain.User, error) {
	if amount <= 0 {
		return domain.User{}, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidArgument)
	}
	if err := s.Users.AddCredits(ctx, userID, amount); err != nil {
		return domain.User{}, err
	}
	return s.Users.Get(ctx, userID)
}

// ResetAccount clears an account's penalties and holds.
func (s AdminService) ResetAccount(ctx domain.Context, accountID string) (domain.Account, error) {
	if err := s.Accounts.ResetPenalties(ctx, accountID); err != nil {
		return domain.Account{}, err
	}
	return s.Accounts.Get(ctx, accountID)
}

// QueueStats reports the queue depths.
func (s AdminService) QueueStats(ctx domain.Context) (domain.QueueStats, error) {
	return s.Queue.Stats(ctx)
}

// DeadLetters lists up to limit dead tickets.
func (s AdminService) DeadLetters(ctx domain.Context, limit int64) ([]domain.QueueItem, error) {
	return s.Queue.DeadLetters(ctx, limit)
}

// RequeueDead sends up to limit dead tickets back into rotation.
func (s AdminService) RequeueDead(ctx domain.Context, limit int64) (int64, error) {
	return s.Queue.RequeueDead(ctx, limit)
}
