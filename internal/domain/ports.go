package domain

import (
	"io"
	"time"
)

// UserRepository persists users and their credit counters.
type UserRepository interface {
	Create(ctx Context, u User) (string, error)
	Get(ctx Context, id string) (User, error)
	GetByEmail(ctx Context, email string) (User, error)
	// AddCredits applies an administrative refill to credits_balance.
	AddCredits(ctx Context, id string, amount int64) error
}

// AccountRepository is the account registry. Every mutation is a
// single-row conditional update so concurrent dispatchers stay serializable.
type AccountRepository interface {
	Create(ctx Context, a Account) (string, error)
	Get(ctx Context, id string) (Account, error)
	ListByUser(ctx Context, userID string) ([]Account, error)
	ListEligibleByUser(ctx Context, userID string, now time.Time) ([]Account, error)
	ListEligibleByIDs(ctx Context, ids []string, now time.Time) ([]Account, error)
	// ReserveRequest atomically re-checks eligibility and takes one quota
	// slot. Returns false when the predicate no longer holds.
	ReserveRequest(ctx Context, id string, now time.Time) (bool, error)
	// ReportOutcome applies the failure bookkeeping for kind; blockFor is
	// only consulted for hard failures (zero means the 60 minute default).
	ReportOutcome(ctx Context, id string, kind OutcomeKind, blockFor time.Duration) error
	// ResetDaily zeroes requests_today for every account.
	ResetDaily(ctx Context) (int64, error)
	// ClearExpiredHolds nulls cooldown_until/blocked_until deadlines that passed.
	ClearExpiredHolds(ctx Context, now time.Time) (int64, error)
	UpdateStatus(ctx Context, id, userID string, status AccountStatus) error
	// ResetPenalties clears failure counters, holds and today's usage
	// (admin surface).
	ResetPenalties(ctx Context, id string) error
}

// ExpiredLease identifies an in_flight URL whose lease ran out. AccountID
// is the account that held the lease, "" when the row never recorded one.
type ExpiredLease struct {
	URLID     string
	JobID     string
	JobType   JobType
	AccountID string
}

// JobRepository is the job store: jobs, their URL work-items, result rows
// and counters. Methods that touch more than one row run their own
// transaction; counter invariants hold after every call.
type JobRepository interface {
	Get(ctx Context, id string) (Job, error)
	GetURL(ctx Context, jobID, urlID string) (URLItem, error)
	ListByUser(ctx Context, userID string, offset, limit int) ([]Job, error)
	// ListAssignedAccountIDs returns the accounts pinned to the job at
	// admission time, in assignment order; empty means "use any eligible".
	ListAssignedAccountIDs(ctx Context, jobID string) ([]string, error)

	// LeaseNextURL claims the oldest pending URL of the job for an account.
	// ErrNotFound when the job has no pending URLs.
	LeaseNextURL(ctx Context, jobID, accountID string, leaseDur time.Duration) (URLItem, error)
	// CompleteURL transitions the URL to completed, appends the result row
	// (deduplicated on payload hash; a duplicate still completes the URL)
	// and bumps counters. Returns the job with fresh counters.
	CompleteURL(ctx Context, jobID, urlID string, row ResultRow) (Job, error)
	// AppendResult inserts a job-scoped result row (no URL), deduplicated on
	// payload hash. inserted=false means the row already existed.
	AppendResult(ctx Context, row ResultRow) (inserted bool, err error)
	// FailURL requeues the URL while attempts remain, otherwise marks it
	// failed and bumps counters. requeued reports which branch was taken.
	FailURL(ctx Context, jobID, urlID, errMsg string, retriable bool) (requeued bool, err error)
	// ExpireLeases moves in_flight URLs with leased_until < now back to
	// pending and returns them for re-enqueueing.
	ExpireLeases(ctx Context, now time.Time) ([]ExpiredLease, error)
	// RefreshLeases extends leased_until for the job's in_flight URLs.
	RefreshLeases(ctx Context, jobID string, leaseDur time.Duration) (int64, error)
	ListPendingURLIDs(ctx Context, jobID string) ([]string, error)

	UpdateProgress(ctx Context, jobID string, percent float64, message, currentURL string) error
	SetJobError(ctx Context, jobID, message string) error

	// Conditional status transitions; false means the guard did not match
	// (safe under redelivery).
	MarkRunning(ctx Context, jobID string) (bool, error)
	MarkCompleted(ctx Context, jobID string) (bool, error)
	MarkFailed(ctx Context, jobID, errMsg string) (bool, error)
	MarkPaused(ctx Context, jobID string) (bool, error)
	MarkResumed(ctx Context, jobID string) (bool, error)
	MarkCancelled(ctx Context, jobID string) (bool, error)
	// MarkPendingFromRunning is the stalled-job re-evaluation hook.
	MarkPendingFromRunning(ctx Context, jobID string) (bool, error)

	// ListStalledRunning returns running jobs with no in_flight URLs and no
	// progress since cutoff.
	ListStalledRunning(ctx Context, cutoff time.Time) ([]Job, error)
	// ListStalledPending returns pending jobs untouched since cutoff whose
	// queue tickets may have been lost; callers re-enqueue their URLs.
	ListStalledPending(ctx Context, cutoff time.Time) ([]Job, error)
	Delete(ctx Context, jobID, userID string) error
}

// ResultRepository is the read surface for result rows and file metadata.
type ResultRepository interface {
	ListByJob(ctx Context, jobID string) ([]ResultRow, error)
	AddFile(ctx Context, f ResultFile) (string, error)
	ListFilesByJob(ctx Context, jobID string) ([]ResultFile, error)
}

// AdmissionTx is the transaction-scoped view the admission controller works
// against: credits debit and job insert commit or roll back together.
type AdmissionTx interface {
	CountActiveJobs(ctx Context, userID string) (int, error)
	// GetUserForUpdate reads the user row under a row-level lock.
	GetUserForUpdate(ctx Context, userID string) (User, error)
	// DebitCredits decrements credits_balance and increments credits_used by
	// n, guarded by credits_balance >= n.
	DebitCredits(ctx Context, userID string, n int64) error
	ListEligibleAccountIDs(ctx Context, userID string, now time.Time) ([]string, error)
	CreateJob(ctx Context, j Job, urls []string, accountIDs []string) (Job, error)
}

// Transactor runs fn inside a single database transaction.
type Transactor interface {
	InTx(ctx Context, fn func(ctx Context, tx AdmissionTx) error) error
}

// QueueStats exposes queue depths for metrics and the admin surface.
type QueueStats struct {
	Ready   int64 `json:"ready"`
	Delayed int64 `json:"delayed"`
	Leased  int64 `json:"leased"`
	Dead    int64 `json:"dead"`
}

// Queue is the priority FIFO of URL work tickets with delayed visibility,
// attempt counting and a dead-letter list.
type Queue interface {
	// Enqueue is idempotent on the url id; delay > 0 defers visibility.
	Enqueue(ctx Context, item QueueItem, delay time.Duration) error
	// Reserve returns the best visible item and leases it for leaseDur, or
	// nil when nothing is visible.
	Reserve(ctx Context, leaseDur time.Duration) (*QueueItem, error)
	Ack(ctx Context, urlID string) error
	Nack(ctx Context, urlID string, requeueDelay time.Duration) error
	ExtendLease(ctx Context, urlID string, d time.Duration) error
	Stats(ctx Context) (QueueStats, error)
	DeadLetters(ctx Context, limit int64) ([]QueueItem, error)
	RequeueDead(ctx Context, limit int64) (int64, error)
}

// JobClaims is the verified content of a job capability token.
type JobClaims struct {
	JobID  string
	UserID string
}

// TokenService issues and verifies the two bearer token kinds.
type TokenService interface {
	IssueAccess(userID string) (string, error)
	VerifyAccess(token string) (string, error)
	IssueJob(jobID, userID string, ttl time.Duration) (string, error)
	VerifyJob(token string) (JobClaims, error)
}

// Deliverer hands assignments to polling workers, keyed by the owning user.
type Deliverer interface {
	Deliver(ctx Context, userID string, a Assignment) error
	// Poll blocks up to wait; nil when nothing arrived.
	Poll(ctx Context, userID string, wait time.Duration) (*Assignment, error)
}

// EventPublisher emits job lifecycle events for downstream consumers
// (export pipelines). Implementations must be safe to call concurrently.
type EventPublisher interface {
	Publish(ctx Context, ev JobEvent) error
}

// FileStore persists uploaded result artifacts out of band.
type FileStore interface {
	Save(ctx Context, jobID, fileName string, r io.Reader) (storedPath string, size int64, err error)
}
