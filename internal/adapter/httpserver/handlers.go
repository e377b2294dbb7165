package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/scrape-orchestrator/internal/config"
	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
	"github.com/fairyhunter13/scrape-orchestrator/internal/service/ratelimiter"
	"github.com/fairyhunter13/scrape-orchestrator/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg       config.Config
	Auth      usecase.AuthService
	Admission usecase.AdmissionService
	Jobs      usecase.JobService
	Accounts  usecase.AccountService
	Ingest    usecase.IngestService
	Admin     usecase.AdminService
	Tokens    domain.TokenService
	Delivery  domain.Deliverer
	Limiter   ratelimiter.Limiter

	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, auth usecase.AuthService, admission usecase.AdmissionService,
	jobs usecase.JobService, accounts usecase.AccountService, ingest usecase.IngestService,
	admin usecase.AdminService, tokens domain.TokenService, delivery domain.Deliverer,
	limiter ratelimiter.Limiter, dbCheck, redisCheck func(context.Context) error) *Server {
	return &Server{
		Cfg: cfg, Auth: auth, Admission: admission, Jobs: jobs, Accounts: accounts,
		Ingest: ingest, Admin: admin, Tokens: tokens, Delivery: delivery, Limiter: limiter,
		DBCheck: dbCheck, RedisCheck: redisCheck,
	}
}

// One validator instance for the package; it caches struct metadata.
var validate = validator.New()

// validationDetails flattens validator errors into a field→tag map for the
// error envelope.
func validationDetails(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	details := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		details[strings.ToLower(fe.Field())] = fe.Tag()
	}
	return details
}

type userResponse struct {
	ID                string    `json:"id"`
	Email             string    `json:"email"`
	CreditsBalance    int64     `json:"credits_balance"`
	CreditsUsed       int64     `json:"credits_used"`
	MaxConcurrentJobs int       `json:"max_concurrent_jobs"`
	MaxMonthlyJobs    int       `json:"max_monthly_jobs"`
	CreatedAt         time.Time `json:"created_at"`
}

func toUserResponse(u domain.User) userResponse {
	return userResponse{
		ID:                u.ID,
		Email:             u.Email,
		CreditsBalance:    u.CreditsBalance,
		CreditsUsed:       u.CreditsUsed,
		MaxConcurrentJobs: u.MaxConcurrentJobs,
		MaxMonthlyJobs:    u.MaxMonthlyJobs,
		CreatedAt:         u.CreatedAt,
	}
}

type jobResponse struct {
	ID              string     `json:"id"`
	Type            string     `json:"type"`
	Name            string     `json:"name"`
	Status          string     `json:"status"`
	MaxResults      int        `json:"max_results,omitempty"`
	TotalURLs       int        `json:"total_urls"`
	ProcessedURLs   int        `json:"processed_urls"`
	SuccessfulURLs  int        `json:"successful_urls"`
	FailedURLs      int        `json:"failed_urls"`
	ResultCount     int        `json:"result_count"`
	CreditsCharged  int64      `json:"credits_charged"`
	Progress        float64    `json:"progress"`
	ProgressMessage string     `json:"progress_message,omitempty"`
	CurrentURL      string     `json:"current_url,omitempty"`
	Error           *string    `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	PausedAt        *time.Time `json:"paused_at,omitempty"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func toJobResponse(j domain.Job) jobResponse {
	return jobResponse{
		ID:              j.ID,
		Type:            string(j.Type),
		Name:            j.Name,
		Status:          string(j.Status),
		MaxResults:      j.MaxResults,
		TotalURLs:       j.TotalURLs,
		ProcessedURLs:   j.ProcessedURLs,
		SuccessfulURLs:  j.SuccessfulURLs,
		FailedURLs:      j.FailedURLs,
		ResultCount:     j.ResultCount,
		CreditsCharged:  j.CreditsCharged,
		Progress:        j.Progress,
		ProgressMessage: j.ProgressMessage,
		CurrentURL:      j.CurrentURL,
		Error:           j.ErrorMessage,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
		PausedAt:        j.PausedAt,
		CancelledAt:     j.CancelledAt,
		UpdatedAt:       j.UpdatedAt,
	}
}

// accountResponse never echoes the session material: it is write-only and
// leaves the system only inside worker assignments.
type accountResponse struct {
	ID                  string     `json:"id"`
	Label               string     `json:"label"`
	Status              string     `json:"status"`
	DailyRequestLimit   int        `json:"daily_request_limit"`
	RequestsToday       int        `json:"requests_today"`
	LastRequestAt       *time.Time `json:"last_request_at,omitempty"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`
	BlockedUntil        *time.Time `json:"blocked_until,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	CreatedAt           time.Time  `json:"created_at"`
}

func toAccountResponse(a domain.Account) accountResponse {
	return accountResponse{
		ID:                  a.ID,
		Label:               a.Label,
		Status:              string(a.Status),
		DailyRequestLimit:   a.DailyRequestLimit,
		RequestsToday:       a.RequestsToday,
		LastRequestAt:       a.LastRequestAt,
		CooldownUntil:       a.CooldownUntil,
		BlockedUntil:        a.BlockedUntil,
		ConsecutiveFailures: a.ConsecutiveFailures,
		CreatedAt:           a.CreatedAt,
	}
}

// CreateJobHandler admits a new scraping job.
func (s *Server) CreateJobHandler() http.HandlerFunc {
	type configRequest struct {
		SelectedAccountIDs   []string               `json:"selected_account_ids"`
		AccountSelectionMode string                 `json:"account_selection_mode" validate:"omitempty,oneof=rotation"`
		Extra                map[string]interface{} `json:"extra"`
	}
	type request struct {
		Type       string        `json:"type" validate:"required"`
		Name       string        `json:"name" validate:"required"`
		URLs       []string      `json:"urls" validate:"required,min=1"`
		MaxResults int           `json:"max_results" validate:"gte=0"`
		Config     configRequest `json:"config"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), validationDetails(err))
			return
		}
		in := usecase.SubmitJobInput{
			Type:       domain.JobType(req.Type),
			Name:       req.Name,
			URLs:       req.URLs,
			MaxResults: req.MaxResults,
			Config: domain.JobConfig{
				SelectedAccountIDs:   req.Config.SelectedAccountIDs,
				AccountSelectionMode: req.Config.AccountSelectionMode,
				Extra:                req.Config.Extra,
			},
		}
		job, err := s.Admission.Submit(r.Context(), UserIDFrom(r.Context()), in)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, toJobResponse(job))
	}
}

// ListJobsHandler returns the caller's jobs, newest first.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		offset := queryInt(r, "offset", 0)
		limit := queryInt(r, "limit", 20)
		jobs, err := s.Jobs.List(r.Context(), UserIDFrom(r.Context()), offset, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]jobResponse, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, toJobResponse(j))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": out, "offset": offset, "limit": limit})
	}
}

// GetJobHandler returns one job owned by the caller.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.Jobs.Get(r.Context(), UserIDFrom(r.Context()), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(job))
	}
}

// PauseJobHandler moves a running job to paused.
func (s *Server) PauseJobHandler() http.HandlerFunc {
	return s.jobTransitionHandler(func(ctx context.Context, userID, jobID string) (domain.Job, error) {
		return s.Jobs.Pause(ctx, userID, jobID)
	})
}

// ResumeJobHandler moves a paused job back to running.
func (s *Server) ResumeJobHandler() http.HandlerFunc {
	return s.jobTransitionHandler(func(ctx context.Context, userID, jobID string) (domain.Job, error) {
		return s.Jobs.Resume(ctx, userID, jobID)
	})
}

// CancelJobHandler cancels a non-terminal job.
func (s *Server) CancelJobHandler() http.HandlerFunc {
	return s.jobTransitionHandler(func(ctx context.Context, userID, jobID string) (domain.Job, error) {
		return s.Jobs.Cancel(ctx, userID, jobID)
	})
}

func (s *Server) jobTransitionHandler(fn func(ctx context.Context, userID, jobID string) (domain.Job, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := fn(r.Context(), UserIDFrom(r.Context()), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(job))
	}
}

// DeleteJobHandler removes a pending or terminal job and its rows.
func (s *Server) DeleteJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Jobs.Delete(r.Context(), UserIDFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// CreateAccountHandler registers a scraping identity for the caller.
func (s *Server) CreateAccountHandler() http.HandlerFunc {
	type request struct {
		Label             string `json:"label" validate:"required"`
		SessionMaterial   string `json:"session_material" validate:"required"`
		DailyRequestLimit int    `json:"daily_request_limit" validate:"gte=0"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), validationDetails(err))
			return
		}
		acct, err := s.Accounts.Create(r.Context(), UserIDFrom(r.Context()), req.Label, req.SessionMaterial, req.DailyRequestLimit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, toAccountResponse(acct))
	}
}

// ListAccountsHandler returns the caller's accounts.
func (s *Server) ListAccountsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accts, err := s.Accounts.List(r.Context(), UserIDFrom(r.Context()))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]accountResponse, 0, len(accts))
		for _, a := range accts {
			out = append(out, toAccountResponse(a))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": out})
	}
}

// UpdateAccountHandler toggles an account between ACTIVE and DISABLED.
// Registry-owned statuses are rejected downstream.
func (s *Server) UpdateAccountHandler() http.HandlerFunc {
	type request struct {
		Status string `json:"status" validate:"required"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), validationDetails(err))
			return
		}
		acct, err := s.Accounts.UpdateStatus(r.Context(), UserIDFrom(r.Context()), chi.URLParam(r, "id"), domain.AccountStatus(req.Status))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toAccountResponse(acct))
	}
}

// DeleteAccountHandler soft-disables an account; history is kept.
func (s *Server) DeleteAccountHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Accounts.Delete(r.Context(), UserIDFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// maxPollWait stays under the handler timeout so a long poll answers 204
// before http.TimeoutHandler cuts the request.
const maxPollWait = 25 * time.Second

// WorkerTasksHandler long-polls for the caller's next assignment: 200 with
// the payload, or 204 when wait elapsed with nothing deliverable.
func (s *Server) WorkerTasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wait := time.Second
		if raw := r.URL.Query().Get("wait"); raw != "" {
			secs, err := strconv.Atoi(raw)
			if err != nil || secs < 0 {
				writeError(w, r, fmt.Errorf("%w: wait must be a non-negative integer", domain.ErrInvalidArgument), nil)
				return
			}
			wait = time.Duration(secs) * time.Second
		}
		if wait > maxPollWait {
			wait = maxPollWait
		}
		userID := UserIDFrom(r.Context())
		deadline := time.Now().Add(wait)
		for {
			remaining := time.Until(deadline)
			if remaining < 0 {
				remaining = 0
			}
			a, err := s.Delivery.Poll(r.Context(), userID, remaining)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			if a == nil {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			// An assignment must still be leased when it leaves the API;
			// the reaper has already re-issued anything older.
			if !a.LeasedUntil.IsZero() && a.LeasedUntil.Before(time.Now()) {
				continue
			}
			writeJSON(w, http.StatusOK, a)
			return
		}
	}
}

// ReadyzHandler probes Postgres and Redis.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 2)
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks = append(checks, check{Name: "redis", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "redis", OK: true})
			}
		}
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]interface{}{"checks": checks})
	}
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
