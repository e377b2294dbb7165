package httpserver_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	httpserver "github.com/fairyhunter13/scrape-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/scrape-orchestrator/internal/config"
	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
	"github.com/fairyhunter13/scrape-orchestrator/internal/usecase"
)

// The stubs below return canned values; repository stubs embed their port
// interface so a call outside the stubbed surface panics, which keeps each
// test honest about what it exercises.

type stubTokens struct{}

func (stubTokens) IssueAccess(userID string) (string, error) { return "access|" + userID, nil }

func (stubTokens) VerifyAccess(token string) (string, error) {
	id, ok := strings.CutPrefix(token, "access|")
	if !ok || id == "" {
		return "", fmt.Errorf("op=stub.verify: %w", domain.ErrTokenWrongKind)
	}
	return id, nil
}

func (stubTokens) IssueJob(jobID, userID string, _ time.Duration) (string, error) {
	return "jobtok|" + jobID + "|" + userID, nil
}

func (stubTokens) VerifyJob(token string) (domain.JobClaims, error) {
	parts := strings.Split(token, "|")
	if len(parts) != 3 || parts[0] != "jobtok" {
		return domain.JobClaims{}, fmt.Errorf("op=stub.verify: %w", domain.ErrTokenWrongKind)
	}
	return domain.JobClaims{JobID: parts[1], UserID: parts[2]}, nil
}

func jobToken(jobID, userID string) string { return "jobtok|" + jobID + "|" + userID }

type stubLimiter struct {
	mu         sync.Mutex
	allowed    bool
	retryAfter time.Duration
	err        error
	classes    []string
	principals []string
}

func (l *stubLimiter) Allow(_ context.Context, class, principal string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.classes = append(l.classes, class)
	l.principals = append(l.principals, principal)
	return l.allowed, l.retryAfter, l.err
}

type stubDeliverer struct {
	mu    sync.Mutex
	queue []*domain.Assignment
	err   error
}

func (d *stubDeliverer) Deliver(_ domain.Context, _ string, _ domain.Assignment) error { return nil }

func (d *stubDeliverer) Poll(_ domain.Context, _ string, _ time.Duration) (*domain.Assignment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	if len(d.queue) == 0 {
		return nil, nil
	}
	a := d.queue[0]
	d.queue = d.queue[1:]
	return a, nil
}

type stubUsers struct {
	mu    sync.Mutex
	seq   int
	users map[string]domain.User
}

func newStubUsers() *stubUsers { return &stubUsers{users: map[string]domain.User{}} }

func (s *stubUsers) add(u domain.User) domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	u.ID = fmt.Sprintf("user-%d", s.seq)
	s.users[u.ID] = u
	return u
}

func (s *stubUsers) Create(_ domain.Context, u domain.User) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return "", fmt.Errorf("op=stub.users: %w", domain.ErrConflict)
		}
	}
	s.seq++
	u.ID = fmt.Sprintf("user-%d", s.seq)
	s.users[u.ID] = u
	return u.ID, nil
}

func (s *stubUsers) Get(_ domain.Context, id string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return domain.User{}, fmt.Errorf("op=stub.users: %w", domain.ErrNotFound)
	}
	return u, nil
}

func (s *stubUsers) GetByEmail(_ domain.Context, email string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return domain.User{}, fmt.Errorf("op=stub.users: %w", domain.ErrNotFound)
}

func (s *stubUsers) AddCredits(_ domain.Context, id string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return fmt.Errorf("op=stub.users: %w", domain.ErrNotFound)
	}
	u.CreditsBalance += amount
	s.users[id] = u
	return nil
}

type stubJobs struct {
	domain.JobRepository
	mu         sync.Mutex
	seq        int
	jobs       map[string]domain.Job
	urls       map[string]domain.URLItem
	pendingIDs []string
	deleted    []string
}

func newStubJobs() *stubJobs {
	return &stubJobs{jobs: map[string]domain.Job{}, urls: map[string]domain.URLItem{}}
}

func (s *stubJobs) add(j domain.Job) domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	if j.ID == "" {
		j.ID = fmt.Sprintf("job-%d", s.seq)
	}
	s.jobs[j.ID] = j
	return j
}

func (s *stubJobs) addURL(u domain.URLItem) domain.URLItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = fmt.Sprintf("url-%d", len(s.urls)+1)
	}
	s.urls[u.ID] = u
	return u
}

func (s *stubJobs) Get(_ domain.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=stub.jobs: %w", domain.ErrNotFound)
	}
	return j, nil
}

func (s *stubJobs) GetURL(_ domain.Context, jobID, urlID string) (domain.URLItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.urls[urlID]
	if !ok || u.JobID != jobID {
		return domain.URLItem{}, fmt.Errorf("op=stub.jobs: %w", domain.ErrNotFound)
	}
	return u, nil
}

func (s *stubJobs) ListByUser(_ domain.Context, userID string, offset, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if j.UserID == userID {
			out = append(out, j)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *stubJobs) CompleteURL(_ domain.Context, jobID, urlID string, _ domain.ResultRow) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.urls[urlID]
	u.Status = domain.URLCompleted
	u.LeasedBy = nil
	s.urls[urlID] = u
	j := s.jobs[jobID]
	j.ProcessedURLs++
	j.SuccessfulURLs++
	j.ResultCount++
	s.jobs[jobID] = j
	return j, nil
}

func (s *stubJobs) AppendResult(_ domain.Context, row domain.ResultRow) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[row.JobID]
	j.ResultCount++
	s.jobs[row.JobID] = j
	return true, nil
}

func (s *stubJobs) transition(jobID string, from []domain.JobStatus, to domain.JobStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return false, fmt.Errorf("op=stub.jobs: %w", domain.ErrNotFound)
	}
	for _, f := range from {
		if j.Status == f {
			j.Status = to
			s.jobs[jobID] = j
			return true, nil
		}
	}
	return false, nil
}

func (s *stubJobs) MarkCompleted(_ domain.Context, jobID string) (bool, error) {
	return s.transition(jobID, []domain.JobStatus{domain.JobRunning}, domain.JobCompleted)
}

func (s *stubJobs) MarkPaused(_ domain.Context, jobID string) (bool, error) {
	return s.transition(jobID, []domain.JobStatus{domain.JobRunning}, domain.JobPaused)
}

func (s *stubJobs) MarkResumed(_ domain.Context, jobID string) (bool, error) {
	return s.transition(jobID, []domain.JobStatus{domain.JobPaused}, domain.JobRunning)
}

func (s *stubJobs) MarkCancelled(_ domain.Context, jobID string) (bool, error) {
	return s.transition(jobID, []domain.JobStatus{domain.JobPending, domain.JobRunning, domain.JobPaused}, domain.JobCancelled)
}

func (s *stubJobs) MarkFailed(_ domain.Context, jobID, errMsg string) (bool, error) {
	ok, err := s.transition(jobID, []domain.JobStatus{domain.JobPending, domain.JobRunning, domain.JobPaused}, domain.JobFailed)
	if ok {
		s.mu.Lock()
		j := s.jobs[jobID]
		j.ErrorMessage = &errMsg
		s.jobs[jobID] = j
		s.mu.Unlock()
	}
	return ok, err
}

func (s *stubJobs) SetJobError(_ domain.Context, jobID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[jobID]
	j.ErrorMessage = &message
	s.jobs[jobID] = j
	return nil
}

func (s *stubJobs) UpdateProgress(_ domain.Context, jobID string, percent float64, message, currentURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[jobID]
	j.Progress = percent
	j.ProgressMessage = message
	j.CurrentURL = currentURL
	s.jobs[jobID] = j
	return nil
}

func (s *stubJobs) RefreshLeases(_ domain.Context, _ string, _ time.Duration) (int64, error) {
	return 0, nil
}

func (s *stubJobs) ListPendingURLIDs(_ domain.Context, _ string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.pendingIDs...), nil
}

func (s *stubJobs) FailURL(_ domain.Context, jobID, urlID, errMsg string, retriable bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.urls[urlID]
	u.LastError = errMsg
	if retriable && u.Attempts < u.MaxAttempts {
		u.Status = domain.URLPending
		s.urls[urlID] = u
		return true, nil
	}
	u.Status = domain.URLFailed
	s.urls[urlID] = u
	j := s.jobs[jobID]
	j.ProcessedURLs++
	j.FailedURLs++
	s.jobs[jobID] = j
	return false, nil
}

func (s *stubJobs) Delete(_ domain.Context, jobID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.UserID != userID {
		return fmt.Errorf("op=stub.jobs: %w", domain.ErrNotFound)
	}
	if j.Status == domain.JobRunning || j.Status == domain.JobPaused {
		return fmt.Errorf("%w: cannot delete a %s job", domain.ErrInvalidJobState, j.Status)
	}
	delete(s.jobs, jobID)
	s.deleted = append(s.deleted, jobID)
	return nil
}

type stubAccounts struct {
	domain.AccountRepository
	mu       sync.Mutex
	seq      int
	accounts map[string]domain.Account
	outcomes []domain.OutcomeKind
}

func newStubAccounts() *stubAccounts { return &stubAccounts{accounts: map[string]domain.Account{}} }

func (s *stubAccounts) add(a domain.Account) domain.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	if a.ID == "" {
		a.ID = fmt.Sprintf("acct-%d", s.seq)
	}
	if a.Status == "" {
		a.Status = domain.AccountActive
	}
	s.accounts[a.ID] = a
	return a
}

func (s *stubAccounts) Create(_ domain.Context, a domain.Account) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	a.ID = fmt.Sprintf("acct-%d", s.seq)
	s.accounts[a.ID] = a
	return a.ID, nil
}

func (s *stubAccounts) Get(_ domain.Context, id string) (domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return domain.Account{}, fmt.Errorf("op=stub.accounts: %w", domain.ErrNotFound)
	}
	return a, nil
}

func (s *stubAccounts) ListByUser(_ domain.Context, userID string) ([]domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Account
	for _, a := range s.accounts {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *stubAccounts) UpdateStatus(_ domain.Context, id, userID string, status domain.AccountStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok || a.UserID != userID {
		return fmt.Errorf("op=stub.accounts: %w", domain.ErrNotFound)
	}
	a.Status = status
	s.accounts[id] = a
	return nil
}

func (s *stubAccounts) ReportOutcome(_ domain.Context, _ string, kind domain.OutcomeKind, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, kind)
	return nil
}

func (s *stubAccounts) ResetPenalties(_ domain.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("op=stub.accounts: %w", domain.ErrNotFound)
	}
	a.Status = domain.AccountActive
	a.RequestsToday = 0
	a.ConsecutiveFailures = 0
	a.CooldownUntil = nil
	a.BlockedUntil = nil
	s.accounts[id] = a
	return nil
}

type stubQueue struct {
	domain.Queue
	mu       sync.Mutex
	enqueued []domain.QueueItem
	stats    domain.QueueStats
	dead     []domain.QueueItem
}

func (s *stubQueue) Enqueue(_ domain.Context, item domain.QueueItem, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueued = append(s.enqueued, item)
	return nil
}

func (s *stubQueue) Stats(_ domain.Context) (domain.QueueStats, error) { return s.stats, nil }

func (s *stubQueue) DeadLetters(_ domain.Context, limit int64) ([]domain.QueueItem, error) {
	if int64(len(s.dead)) > limit {
		return s.dead[:limit], nil
	}
	return s.dead, nil
}

func (s *stubQueue) RequeueDead(_ domain.Context, limit int64) (int64, error) {
	n := int64(len(s.dead))
	if n > limit {
		n = limit
	}
	s.dead = s.dead[n:]
	return n, nil
}

type stubResults struct {
	mu    sync.Mutex
	rows  []domain.ResultRow
	files []domain.ResultFile
}

func (s *stubResults) ListByJob(_ domain.Context, jobID string) ([]domain.ResultRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ResultRow
	for _, r := range s.rows {
		if r.JobID == jobID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *stubResults) AddFile(_ domain.Context, f domain.ResultFile) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f.ID = fmt.Sprintf("file-%d", len(s.files)+1)
	s.files = append(s.files, f)
	return f.ID, nil
}

func (s *stubResults) ListFilesByJob(_ domain.Context, jobID string) ([]domain.ResultFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ResultFile
	for _, f := range s.files {
		if f.JobID == jobID {
			out = append(out, f)
		}
	}
	return out, nil
}

type stubFiles struct {
	mu    sync.Mutex
	saved []string
}

func (s *stubFiles) Save(_ domain.Context, jobID, fileName string, r io.Reader) (string, int64, error) {
	n, err := io.Copy(io.Discard, r)
	if err != nil {
		return "", 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path := "mem://" + jobID + "/" + fileName
	s.saved = append(s.saved, path)
	return path, n, nil
}

type stubEvents struct {
	mu     sync.Mutex
	events []domain.JobEvent
}

func (s *stubEvents) Publish(_ domain.Context, ev domain.JobEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// stubTx runs the admission callback against itself with canned answers.
type stubTx struct {
	user       domain.User
	active     int
	eligible   []string
	debitErr   error
	createdJob func(j domain.Job, urls []string) domain.Job
}

func (s *stubTx) InTx(ctx domain.Context, fn func(domain.Context, domain.AdmissionTx) error) error {
	return fn(ctx, s)
}

func (s *stubTx) CountActiveJobs(_ domain.Context, _ string) (int, error) { return s.active, nil }

func (s *stubTx) GetUserForUpdate(_ domain.Context, _ string) (domain.User, error) {
	return s.user, nil
}

func (s *stubTx) DebitCredits(_ domain.Context, _ string, _ int64) error { return s.debitErr }

func (s *stubTx) ListEligibleAccountIDs(_ domain.Context, _ string, _ time.Time) ([]string, error) {
	return s.eligible, nil
}

func (s *stubTx) CreateJob(_ domain.Context, j domain.Job, urls []string, _ []string) (domain.Job, error) {
	if s.createdJob != nil {
		return s.createdJob(j, urls), nil
	}
	j.ID = "job-1"
	j.TotalURLs = len(urls)
	return j, nil
}

// testEnv bundles a Server with the stubs behind it.
type testEnv struct {
	srv      *httpserver.Server
	cfg      config.Config
	users    *stubUsers
	jobs     *stubJobs
	accounts *stubAccounts
	queue    *stubQueue
	results  *stubResults
	files    *stubFiles
	events   *stubEvents
	tx       *stubTx
	delivery *stubDeliverer
	limiter  *stubLimiter
}

func newTestEnv(cfgOpts ...func(*config.Config)) *testEnv {
	env := &testEnv{
		cfg: config.Config{
			MaxFileSize:              1 << 20,
			MaxFilesPerUpload:        2,
			SignupCredits:            25,
			DefaultMaxConcurrentJobs: 3,
			DefaultMaxMonthlyJobs:    100,
			DefaultDailyRequestLimit: 150,
		},
		users:    newStubUsers(),
		jobs:     newStubJobs(),
		accounts: newStubAccounts(),
		queue:    &stubQueue{},
		results:  &stubResults{},
		files:    &stubFiles{},
		events:   &stubEvents{},
		tx:       &stubTx{},
		delivery: &stubDeliverer{},
		limiter:  &stubLimiter{allowed: true},
	}
	for _, opt := range cfgOpts {
		opt(&env.cfg)
	}
	tokens := stubTokens{}
	env.srv = httpserver.NewServer(env.cfg,
		usecase.NewAuthService(env.users, tokens, env.cfg.SignupCredits, env.cfg.DefaultMaxConcurrentJobs, env.cfg.DefaultMaxMonthlyJobs),
		usecase.NewAdmissionService(env.tx, env.jobs, env.queue, env.events),
		usecase.NewJobService(env.jobs, env.queue, env.events),
		usecase.NewAccountService(env.accounts, env.cfg.DefaultDailyRequestLimit),
		usecase.NewIngestService(env.jobs, env.results, env.accounts, env.queue, env.files, env.events,
			time.Minute, env.cfg.MaxFileSize, env.cfg.MaxFilesPerUpload),
		usecase.NewAdminService(env.users, env.accounts, env.queue),
		tokens, env.delivery, env.limiter, nil, nil)
	return env
}

// userRoutes mirrors the app router's user-token subtree.
func userRoutes(env *testEnv) http.Handler {
	r := chi.NewRouter()
	r.Group(func(pr chi.Router) {
		pr.Use(env.srv.RequireUser)
		pr.Post("/v1/jobs", env.srv.CreateJobHandler())
		pr.Get("/v1/jobs", env.srv.ListJobsHandler())
		pr.Get("/v1/jobs/{id}", env.srv.GetJobHandler())
		pr.Post("/v1/jobs/{id}/pause", env.srv.PauseJobHandler())
		pr.Post("/v1/jobs/{id}/resume", env.srv.ResumeJobHandler())
		pr.Post("/v1/jobs/{id}/cancel", env.srv.CancelJobHandler())
		pr.Delete("/v1/jobs/{id}", env.srv.DeleteJobHandler())
		pr.Post("/v1/accounts", env.srv.CreateAccountHandler())
		pr.Get("/v1/accounts", env.srv.ListAccountsHandler())
		pr.Patch("/v1/accounts/{id}", env.srv.UpdateAccountHandler())
		pr.Delete("/v1/accounts/{id}", env.srv.DeleteAccountHandler())
		pr.Get("/v1/worker/tasks", env.srv.WorkerTasksHandler())
	})
	return r
}

// jobRoutes mirrors the job-token subtree.
func jobRoutes(env *testEnv) http.Handler {
	r := chi.NewRouter()
	r.Group(func(pr chi.Router) {
		pr.Use(env.srv.RequireJobToken)
		pr.Post("/v1/results/submit", env.srv.SubmitResultsHandler())
		pr.Post("/v1/results/upload", env.srv.UploadResultsHandler())
		pr.Post("/v1/results/progress", env.srv.ProgressHandler())
		pr.Post("/v1/results/error", env.srv.ReportErrorHandler())
		pr.Get("/v1/results/{job_id}", env.srv.GetResultsHandler())
	})
	return r
}

// adminRoutes mirrors the admin subtree behind the basic-auth guard.
func adminRoutes(env *testEnv) http.Handler {
	r := chi.NewRouter()
	r.Group(func(pr chi.Router) {
		pr.Use(env.srv.AdminGuard)
		pr.Post("/admin/users/{id}/credits", env.srv.RefillCreditsHandler())
		pr.Post("/admin/accounts/{id}/reset", env.srv.ResetAccountHandler())
		pr.Get("/admin/queue/stats", env.srv.QueueStatsHandler())
		pr.Get("/admin/queue/dead", env.srv.DeadLettersHandler())
		pr.Post("/admin/queue/dead/requeue", env.srv.RequeueDeadHandler())
	})
	return r
}

// doJSON performs a request against h with an optional bearer token and
// JSON body.
func doJSON(t *testing.T, h http.Handler, method, target, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m), "body: %s", rec.Body.String())
	return m
}

// wireError pulls code and message out of the error envelope.
func wireError(t *testing.T, rec *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	body := decodeBody(t, rec)
	errObj, ok := body["error"].(map[string]interface{})
	require.True(t, ok, "no error envelope in %s", rec.Body.String())
	code, _ := errObj["code"].(string)
	message, _ := errObj["message"].(string)
	return code, message
}
