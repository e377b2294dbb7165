package redisq

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/scrape-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

const deliveryKeyPrefix = "dispatch:user:"

// Deliverer hands assignments to workers over a per-user Redis list. Workers
// long-poll with BRPOP; the dispatcher pushes with LPUSH, so delivery order
// is FIFO per user.
type Deliverer struct {
	redis *redis.Client
	// ttl bounds how long an undelivered assignment sits in the list. The
	// lease reaper re-issues the work anyway, so stale entries only waste
	// memory.
	ttl time.Duration
}

// NewDeliverer builds a Deliverer; ttl defaults to 10 minutes.
func NewDeliverer(rdb *redis.Client, ttl time.Duration) *Deliverer {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Deliverer{redis: rdb, ttl: ttl}
}

func deliveryKey(userID string) string { return deliveryKeyPrefix + userID }

// Deliver queues the assignment for any worker polling on behalf of userID.
func (d *Deliverer) Deliver(ctx domain.Context, userID string, a domain.Assignment) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("op=delivery.deliver: %w", err)
	}
	key := deliveryKey(userID)
	pipe := d.redis.TxPipeline()
	pipe.LPush(ctx, key, raw)
	pipe.Expire(ctx, key, d.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=delivery.deliver user_id=%s: %w", userID, err)
	}
	return nil
}

// Poll blocks up to wait for the next assignment. Assignments whose lease
// already expired are dropped, not handed out; nil means nothing arrived.
func (d *Deliverer) Poll(ctx domain.Context, userID string, wait time.Duration) (*domain.Assignment, error) {
	deadline := time.Now().Add(wait)
	key := deliveryKey(userID)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		res, err := d.redis.BRPop(ctx, remaining, key).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("op=delivery.poll user_id=%s: %w", userID, err)
		}
		if len(res) < 2 {
			continue
		}
		var a domain.Assignment
		if err := json.Unmarshal([]byte(res[1]), &a); err != nil {
			return nil, fmt.Errorf("op=delivery.poll decode: %w", err)
		}
		if !a.LeasedUntil.IsZero() && a.LeasedUntil.Before(time.Now()) {
			continue
		}
		observability.AssignmentDelivered()
		return &a, nil
	}
}
