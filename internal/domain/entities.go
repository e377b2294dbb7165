package domain

import (
	"context"
	"time"
)

// JobType enumerates the supported scraping job types.
type JobType string

const (
	JobTypeProfile JobType = "profile"
	JobTypeCompany JobType = "company"
	JobTypeSearch  JobType = "search"
)

// ValidJobType reports whether t is one of the supported job types.
func ValidJobType(t JobType) bool {
	return t == JobTypeProfile || t == JobTypeCompany || t == JobTypeSearch
}

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether s accepts no further mutations (except owner delete).
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

type URLStatus string

const (
	URLPending   URLStatus = "pending"
	URLInFlight  URLStatus = "in_flight"
	URLCompleted URLStatus = "completed"
	URLFailed    URLStatus = "failed"
	URLCancelled URLStatus = "cancelled"
)

type AccountStatus string

// Account statuses form a single enum; eligibility is derived, never stored
// as a separate boolean.
const (
	AccountActive   AccountStatus = "ACTIVE"
	AccountPending  AccountStatus = "PENDING"
	AccountFailed   AccountStatus = "FAILED"
	AccountBlocked  AccountStatus = "BLOCKED"
	AccountDisabled AccountStatus = "DISABLED"
)

// Queue priorities, higher first.
const (
	PriorityLow    = 1
	PriorityNormal = 5
	PriorityHigh   = 10
	PriorityUrgent = 20
)

// PriorityForJobType maps a job type to its default queue priority.
func PriorityForJobType(t JobType) int {
	if t == JobTypeSearch {
		return PriorityHigh
	}
	return PriorityNormal
}

// User owns jobs, credits and scraping accounts.
type User struct {
	ID                string
	Email             string
	PasswordHash      string
	CreditsBalance    int64
	CreditsUsed       int64
	MaxConcurrentJobs int
	MaxMonthlyJobs    int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Account is a scraping identity (session cookies + daily quota) owned by a user.
type Account struct {
	ID                  string
	UserID              string
	Label               string
	SessionMaterial     string
	Status              AccountStatus
	DailyRequestLimit   int
	RequestsToday       int
	LastRequestAt       *time.Time
	CooldownUntil       *time.Time
	BlockedUntil        *time.Time
	ConsecutiveFailures int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Eligible applies the account eligibility predicate at the given instant:
// status in {ACTIVE, PENDING}, cooldown and block deadlines passed, and
// daily quota not exhausted.
func (a Account) Eligible(now time.Time) bool {
	if a.Status != AccountActive && a.Status != AccountPending {
		return false
	}
	if a.CooldownUntil != nil && a.CooldownUntil.After(now) {
		return false
	}
	if a.BlockedUntil != nil && a.BlockedUntil.After(now) {
		return false
	}
	return a.RequestsToday < a.DailyRequestLimit
}

// AccountSelectionRotation spreads a job's URLs across its candidate
// accounts; the default ("") always picks the least-used account.
const AccountSelectionRotation = "rotation"

// JobConfig is the immutable configuration blob captured at admission.
type JobConfig struct {
	SelectedAccountIDs   []string       `json:"selected_account_ids,omitempty"`
	AccountSelectionMode string         `json:"account_selection_mode,omitempty"` // "" or AccountSelectionRotation
	Extra                map[string]any `json:"extra,omitempty"`
}

type Job struct {
	ID              string
	UserID          string
	Type            JobType
	Name            string
	Status          JobStatus
	MaxResults      int
	Config          JobConfig
	TotalURLs       int
	ProcessedURLs   int
	SuccessfulURLs  int
	FailedURLs      int
	ResultCount     int
	CreditsCharged  int64
	Progress        float64
	ProgressMessage string
	CurrentURL      string
	ErrorMessage    *string
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	PausedAt        *time.Time
	ResumedAt       *time.Time
	CancelledAt     *time.Time
	UpdatedAt       time.Time
}

// URLItem is a single URL inside a job: the unit of queueing, leasing and completion.
type URLItem struct {
	ID          string
	JobID       string
	URL         string
	Status      URLStatus
	Attempts    int
	MaxAttempts int
	LastError   string
	LeasedBy    *string
	LeasedUntil *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ResultRow is one structured scrape result. Rows are de-duplicated per URL
// (or per job for rows without a URL) on the payload hash.
type ResultRow struct {
	ID          string
	JobID       string
	URLID       *string
	Kind        JobType
	Payload     []byte
	PayloadHash string
	CreatedAt   time.Time
}

// ResultFile records metadata for an uploaded artifact; bytes live out of band.
type ResultFile struct {
	ID          string
	JobID       string
	FileName    string
	StoredPath  string
	SizeBytes   int64
	ContentType string
	UploadedAt  time.Time
}

// OutcomeKind classifies a worker-reported outcome against an account.
type OutcomeKind string

const (
	OutcomeSuccess          OutcomeKind = "success"
	OutcomeTransientFailure OutcomeKind = "transient_failure"
	OutcomeHardFailure      OutcomeKind = "hard_failure"
)

// QueueItem is a work ticket for one URL of one job. The url id doubles as
// the queue identity, which makes enqueueing idempotent.
type QueueItem struct {
	JobID      string
	URLID      string
	Priority   int
	Attempts   int
	EnqueuedAt time.Time
}

// Assignment is the payload delivered to a worker for one leased URL.
type Assignment struct {
	URLID       string            `json:"url_id"`
	URL         string            `json:"url"`
	JobID       string            `json:"job_id"`
	JobToken    string            `json:"job_token"`
	Account     AssignmentAccount `json:"account"`
	LeasedUntil time.Time         `json:"leased_until"`
}

// AssignmentAccount is the account context a worker scrapes with.
type AssignmentAccount struct {
	ID              string `json:"id"`
	Label           string `json:"label"`
	SessionMaterial string `json:"session_material"`
}

// Job lifecycle event types.
const (
	EventJobCreated   = "job_created"
	EventJobCompleted = "job_completed"
	EventJobFailed    = "job_failed"
	EventJobCancelled = "job_cancelled"
)

// JobEvent is published on job lifecycle transitions for downstream consumers.
type JobEvent struct {
	Type    string    `json:"type"`
	JobID   string    `json:"job_id"`
	UserID  string    `json:"user_id"`
	JobType JobType   `json:"job_type"`
	Status  JobStatus `json:"status"`
	At      time.Time `json:"at"`
}

// Context is an alias so usecases and adapters share the std context without
// the domain package importing net/http concerns.
type Context = context.Context
