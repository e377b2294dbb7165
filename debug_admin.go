package main

import (
	"fmt"
	"log"

	"github.com/fairyhunter13/scrape-orchestrator/internal/config"
)

// Quick scratch for checking what the orchestrator actually parsed from the
// environment when admin endpoints or dispatch tuning misbehave in a deploy.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("AppEnv: %s\n", cfg.AppEnv)
	fmt.Printf("AdminUsername: %q\n", cfg.AdminUsername)
	fmt.Printf("AdminPassword set: %v\n", cfg.AdminPassword != "")
	fmt.Printf("AdminEnabled(): %v\n", cfg.AdminEnabled())
	fmt.Printf("LeaseDuration: %s\n", cfg.LeaseDuration)
	fmt.Printf("DispatchPollInterval: %s\n", cfg.DispatchPollInterval)
	fmt.Printf("WorkerConcurrency: %d\n", cfg.WorkerConcurrency)
	fmt.Printf("URLMaxAttempts: %d QueueMaxAttempts: %d\n", cfg.URLMaxAttempts, cfg.QueueMaxAttempts)
	fmt.Printf("EventsEnabled(): %v brokers=%v topic=%s\n", cfg.EventsEnabled(), cfg.EventBrokers, cfg.EventTopic)
}
