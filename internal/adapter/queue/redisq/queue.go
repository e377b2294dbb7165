// Package redisq implements the URL ticket queue (priority FIFO with delayed
// visibility, attempt counting and a dead-letter list) and worker delivery on
// Redis. All multi-key moves run as Lua scripts so each transition is atomic;
// a single-node Redis is assumed.
package redisq

import (
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

const (
	keyReady   = "q:ready"
	keyDelayed = "q:delayed"
	keyLeased  = "q:leased"
	keyDead    = "q:dead"
	keySeq     = "q:seq"

	itemKeyPrefix = "q:item:"
)

// priorityBand separates priority classes in the ready score. Within a class
// earlier sequence numbers score higher, so ZPOPMAX yields priority order
// with FIFO ties.
const priorityBand = int64(1) << 40

// Queue is the Redis-backed domain.Queue.
type Queue struct {
	redis       *redis.Client
	maxAttempts int

	enqueueScript *redis.Script
	reserveScript *redis.Script
	ackScript     *redis.Script
	nackScript    *redis.Script
	extendScript  *redis.Script
	requeueScript *redis.Script
}

// NewQueue builds a Queue; a ticket is dead-lettered once maxAttempts of its
// leases expired unacked (default 5). Explicit nacks never count.
func NewQueue(rdb *redis.Client, maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Queue{
		redis:         rdb,
		maxAttempts:   maxAttempts,
		enqueueScript: redis.NewScript(luaEnqueue),
		reserveScript: redis.NewScript(luaReserve),
		ackScript:     redis.NewScript(luaAck),
		nackScript:    redis.NewScript(luaNack),
		extendScript:  redis.NewScript(luaExtend),
		requeueScript: redis.NewScript(luaRequeueDead),
	}
}

// luaEnqueue inserts a ticket unless it is already live. A ticket sitting in
// the dead list is revived instead of duplicated.
const luaEnqueue = `
local ready, delayed, leased, dead, seq, item = KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5], KEYS[6]
local id = ARGV[1]
local live = redis.call("ZSCORE", ready, id) or redis.call("ZSCORE", delayed, id) or redis.call("ZSCORE", leased, id)
if live then return 0 end
redis.call("LREM", dead, 0, id)

local n = redis.call("INCR", seq)
local score = tonumber(ARGV[3]) * 1099511627776 + (1099511627776 - n)
redis.call("HSET", item,
  "url_id", id,
  "job_id", ARGV[2],
  "priority", ARGV[3],
  "attempts", 0,
  "enqueued_at", ARGV[4],
  "score", score)
if tonumber(ARGV[5]) > 0 then
  redis.call("ZADD", delayed, tonumber(ARGV[4]) + tonumber(ARGV[5]), id)
else
  redis.call("ZADD", ready, score, id)
end
return 1
`

// luaReserve promotes due delayed tickets, reaps expired leases (an expired
// lease counts as a delivery attempt) and pops the best ready ticket.
const luaReserve = `
local ready, delayed, leased, dead = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
local now, lease, maxAttempts, prefix = tonumber(ARGV[1]), tonumber(ARGV[2]), tonumber(ARGV[3]), ARGV[4]

local due = redis.call("ZRANGEBYSCORE", delayed, "-inf", now, "LIMIT", 0, 100)
for _, id in ipairs(due) do
  redis.call("ZREM", delayed, id)
  local score = redis.call("HGET", prefix .. id, "score")
  if score then redis.call("ZADD", ready, score, id) end
end

local expired = redis.call("ZRANGEBYSCORE", leased, "-inf", now, "LIMIT", 0, 100)
for _, id in ipairs(expired) do
  redis.call("ZREM", leased, id)
  local key = prefix .. id
  if redis.call("EXISTS", key) == 1 then
    local attempts = redis.call("HINCRBY", key, "attempts", 1)
    if attempts > maxAttempts then
      redis.call("LPUSH", dead, id)
    else
      local score = redis.call("HGET", key, "score")
      if score then redis.call("ZADD", ready, score, id) end
    end
  end
end

local popped = redis.call("ZPOPMAX", ready)
if not popped[1] then return false end
local id = popped[1]
local fields = redis.call("HGETALL", prefix .. id)
if #fields == 0 then
  return false
end
redis.call("ZADD", leased, now + lease, id)
return fields
`

// luaAck drops the ticket from every structure.
const luaAck = `
local ready, delayed, leased, dead = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
redis.call("ZREM", ready, ARGV[1])
redis.call("ZREM", delayed, ARGV[1])
redis.call("ZREM", leased, ARGV[1])
redis.call("LREM", dead, 0, ARGV[1])
redis.call("DEL", ARGV[2] .. ARGV[1])
return 1
`

// luaNack returns the ticket under a fresh sequence slot (deferred work
// queues behind fresh work of the same priority). Deferral is not a
// delivery: the attempt counter only moves when a lease expires, so a job
// waiting out account quota can be nacked indefinitely without hitting the
// dead-letter list.
const luaNack = `
local ready, delayed, leased, seq = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
local id, now, delay, prefix = ARGV[1], tonumber(ARGV[2]), tonumber(ARGV[3]), ARGV[4]
local key = prefix .. id
if redis.call("EXISTS", key) == 0 then return -2 end
redis.call("ZREM", ready, id)
redis.call("ZREM", delayed, id)
redis.call("ZREM", leased, id)

local n = redis.call("INCR", seq)
local priority = tonumber(redis.call("HGET", key, "priority")) or 1
local score = priority * 1099511627776 + (1099511627776 - n)
redis.call("HSET", key, "score", score)
if delay > 0 then
  redis.call("ZADD", delayed, now + delay, id)
else
  redis.call("ZADD", ready, score, id)
end
return tonumber(redis.call("HGET", key, "attempts")) or 0
`

const luaExtend = `
if redis.call("ZSCORE", KEYS[1], ARGV[1]) then
  redis.call("ZADD", KEYS[1], tonumber(ARGV[2]) + tonumber(ARGV[3]), ARGV[1])
  return 1
end
return 0
`

const luaRequeueDead = `
local ready, dead, seq = KEYS[1], KEYS[2], KEYS[3]
local limit, prefix = tonumber(ARGV[1]), ARGV[2]
local moved = 0
for i = 1, limit do
  local id = redis.call("RPOP", dead)
  if not id then break end
  local key = prefix .. id
  local n = redis.call("INCR", seq)
  local priority = tonumber(redis.call("HGET", key, "priority")) or 1
  local score = priority * 1099511627776 + (1099511627776 - n)
  redis.call("HSET", key, "attempts", 0, "score", score)
  redis.call("ZADD", ready, score, id)
  moved = moved + 1
end
return moved
`

// Enqueue inserts a ticket for the URL; it is idempotent while the ticket is
// live, so re-enqueueing an already queued or leased URL is a no-op.
func (q *Queue) Enqueue(ctx domain.Context, item domain.QueueItem, delay time.Duration) error {
	if item.URLID == "" || item.JobID == "" {
		return fmt.Errorf("op=queue.enqueue: %w", domain.ErrInvalidArgument)
	}
	priority := item.Priority
	if priority <= 0 {
		priority = domain.PriorityNormal
	}
	now := time.Now().UnixMilli()
	keys := []string{keyReady, keyDelayed, keyLeased, keyDead, keySeq, itemKeyPrefix + item.URLID}
	err := q.enqueueScript.Run(ctx, q.redis, keys,
		item.URLID, item.JobID, priority, now, delay.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("op=queue.enqueue url_id=%s: %w", item.URLID, err)
	}
	return nil
}

// Reserve leases the best visible ticket for leaseDur. Nil means the queue
// has nothing visible right now.
func (q *Queue) Reserve(ctx domain.Context, leaseDur time.Duration) (*domain.QueueItem, error) {
	now := time.Now().UnixMilli()
	keys := []string{keyReady, keyDelayed, keyLeased, keyDead}
	res, err := q.reserveScript.Run(ctx, q.redis, keys,
		now, leaseDur.Milliseconds(), q.maxAttempts, itemKeyPrefix).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("op=queue.reserve: %w", err)
	}
	fields, ok := res.([]interface{})
	if !ok || len(fields) == 0 {
		return nil, nil
	}
	item := itemFromFields(fields)
	if item.URLID == "" {
		return nil, nil
	}
	return &item, nil
}

// Ack removes the ticket entirely; unknown ids are fine (redeliveries ack
// tickets that may already be gone).
func (q *Queue) Ack(ctx domain.Context, urlID string) error {
	keys := []string{keyReady, keyDelayed, keyLeased, keyDead}
	if err := q.ackScript.Run(ctx, q.redis, keys, urlID, itemKeyPrefix).Err(); err != nil {
		return fmt.Errorf("op=queue.ack url_id=%s: %w", urlID, err)
	}
	return nil
}

// Nack defers the ticket: it becomes visible again after requeueDelay with
// its attempt counter untouched.
func (q *Queue) Nack(ctx domain.Context, urlID string, requeueDelay time.Duration) error {
	keys := []string{keyReady, keyDelayed, keyLeased, keySeq}
	res, err := q.nackScript.Run(ctx, q.redis, keys,
		urlID, time.Now().UnixMilli(), requeueDelay.Milliseconds(), itemKeyPrefix).Int64()
	if err != nil {
		return fmt.Errorf("op=queue.nack url_id=%s: %w", urlID, err)
	}
	if res == -2 {
		return fmt.Errorf("op=queue.nack url_id=%s: %w", urlID, domain.ErrNotFound)
	}
	return nil
}

// ExtendLease pushes the lease deadline of a leased ticket forward.
func (q *Queue) ExtendLease(ctx domain.Context, urlID string, d time.Duration) error {
	res, err := q.extendScript.Run(ctx, q.redis, []string{keyLeased},
		urlID, time.Now().UnixMilli(), d.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("op=queue.extend_lease url_id=%s: %w", urlID, err)
	}
	if res == 0 {
		return fmt.Errorf("op=queue.extend_lease url_id=%s: %w", urlID, domain.ErrNotFound)
	}
	return nil
}

// Stats reports the queue depths.
func (q *Queue) Stats(ctx domain.Context) (domain.QueueStats, error) {
	pipe := q.redis.Pipeline()
	ready := pipe.ZCard(ctx, keyReady)
	delayed := pipe.ZCard(ctx, keyDelayed)
	leased := pipe.ZCard(ctx, keyLeased)
	dead := pipe.LLen(ctx, keyDead)
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.QueueStats{}, fmt.Errorf("op=queue.stats: %w", err)
	}
	return domain.QueueStats{
		Ready:   ready.Val(),
		Delayed: delayed.Val(),
		Leased:  leased.Val(),
		Dead:    dead.Val(),
	}, nil
}

// DeadLetters returns up to limit dead tickets, oldest last.
func (q *Queue) DeadLetters(ctx domain.Context, limit int64) ([]domain.QueueItem, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := q.redis.LRange(ctx, keyDead, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("op=queue.dead_letters: %w", err)
	}
	out := make([]domain.QueueItem, 0, len(ids))
	for _, id := range ids {
		m, err := q.redis.HGetAll(ctx, itemKeyPrefix+id).Result()
		if err != nil {
			return nil, fmt.Errorf("op=queue.dead_letters url_id=%s: %w", id, err)
		}
		if len(m) == 0 {
			continue
		}
		out = append(out, itemFromMap(m))
	}
	return out, nil
}

// RequeueDead moves up to limit dead tickets back to ready with their
// attempts reset.
func (q *Queue) RequeueDead(ctx domain.Context, limit int64) (int64, error) {
	if limit <= 0 {
		limit = 50
	}
	moved, err := q.requeueScript.Run(ctx, q.redis, []string{keyReady, keyDead, keySeq},
		limit, itemKeyPrefix).Int64()
	if err != nil {
		return 0, fmt.Errorf("op=queue.requeue_dead: %w", err)
	}
	return moved, nil
}

func itemFromFields(fields []interface{}) domain.QueueItem {
	m := make(map[string]string, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		k, _ := fields[i].(string)
		v, _ := fields[i+1].(string)
		m[k] = v
	}
	return itemFromMap(m)
}

func itemFromMap(m map[string]string) domain.QueueItem {
	item := domain.QueueItem{
		URLID: m["url_id"],
		JobID: m["job_id"],
	}
	item.Priority, _ = strconv.Atoi(m["priority"])
	item.Attempts, _ = strconv.Atoi(m["attempts"])
	if ms, err := strconv.ParseInt(m["enqueued_at"], 10, 64); err == nil {
		item.EnqueuedAt = time.UnixMilli(ms).UTC()
	}
	return item
}
