package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
	"github.com/fairyhunter13/scrape-orchestrator/internal/usecase"
)

// Dev-only bootstrap so a fresh environment is usable without manual setup:
// one user with a credit balance and a couple of scraping accounts. Runs on
// every start; registration conflicts mean the data is already there.
const (
	devSeedEmail    = "dev@localhost"
	devSeedPassword = "devpassword1"
	devSeedCredits  = 1000
)

func seedDevData(ctx context.Context, auth usecase.AuthService, accts usecase.AccountService, users domain.UserRepository) {
	u, err := auth.Register(ctx, devSeedEmail, devSeedPassword)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return
		}
		slog.Warn("dev seed: register failed", slog.Any("error", err))
		return
	}
	if err := users.AddCredits(ctx, u.ID, devSeedCredits); err != nil {
		slog.Warn("dev seed: credit refill failed", slog.Any("error", err))
	}
	for i := 1; i <= 2; i++ {
		label := fmt.Sprintf("dev-account-%d", i)
		if _, err := accts.Create(ctx, u.ID, label, "cookie-bundle-placeholder", 0); err != nil {
			slog.Warn("dev seed: account create failed", slog.String("label", label), slog.Any("error", err))
		}
	}
	slog.Info("dev seed applied", slog.String("email", devSeedEmail), slog.Int("credits", devSeedCredits))
}
