package usecase_test

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

// In-memory doubles for the domain ports. They mirror the contracts the
// services lean on (oldest-first leasing, payload-hash de-dupe, guarded
// transitions, eligibility ordering) so the tests exercise real decision
// paths instead of scripted call sequences.

var (
	_ domain.UserRepository    = (*fakeUsers)(nil)
	_ domain.AccountRepository = (*fakeAccounts)(nil)
	_ domain.JobRepository     = (*fakeJobs)(nil)
	_ domain.ResultRepository  = (*fakeResults)(nil)
	_ domain.Queue             = (*fakeQueue)(nil)
	_ domain.Transactor        = (*fakeTx)(nil)
	_ domain.AdmissionTx       = (*stagedTx)(nil)
	_ domain.TokenService      = (*fakeTokens)(nil)
	_ domain.Deliverer         = (*fakeDeliverer)(nil)
	_ domain.EventPublisher    = (*fakeEvents)(nil)
	_ domain.FileStore         = (*fakeFiles)(nil)
)

type fakeUsers struct {
	mu    sync.Mutex
	seq   int
	users map[string]domain.User
}

func newFakeUsers() *fakeUsers { return &fakeUsers{users: map[string]domain.User{}} }

// add seeds a user, assigning an id when the caller left it empty.
func (f *fakeUsers) add(u domain.User) domain.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u.ID == "" {
		f.seq++
		u.ID = fmt.Sprintf("user-%d", f.seq)
	}
	f.users[u.ID] = u
	return u
}

func (f *fakeUsers) Create(_ domain.Context, u domain.User) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, other := range f.users {
		if other.Email == u.Email {
			return "", fmt.Errorf("op=user.create: %w", domain.ErrConflict)
		}
	}
	f.seq++
	u.ID = fmt.Sprintf("user-%d", f.seq)
	f.users[u.ID] = u
	return u.ID, nil
}

func (f *fakeUsers) Get(_ domain.Context, id string) (domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return domain.User{}, fmt.Errorf("op=user.get: %w", domain.ErrNotFound)
	}
	return u, nil
}

func (f *fakeUsers) GetByEmail(_ domain.Context, email string) (domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == email {
			return u, nil
		}
	}
	return domain.User{}, fmt.Errorf("op=user.get_by_email: %w", domain.ErrNotFound)
}

func (f *fakeUsers) AddCredits(_ domain.Context, id string, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return fmt.Errorf("op=user.add_credits: %w", domain.ErrNotFound)
	}
	u.CreditsBalance += amount
	f.users[id] = u
	return nil
}

type outcomeReport struct {
	AccountID string
	Kind      domain.OutcomeKind
}

type fakeAccounts struct {
	mu       sync.Mutex
	seq      int
	accounts map[string]domain.Account
	reserved []string
	outcomes []outcomeReport
	// denyReserve simulates losing the quota race: the account lists as
	// eligible but the conditional reserve finds no slot left.
	denyReserve map[string]bool
}

func newFakeAccounts() *fakeAccounts { return &fakeAccounts{accounts: map[string]domain.Account{}} }

func (f *fakeAccounts) add(a domain.Account) domain.Account {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.ID == "" {
		f.seq++
		a.ID = fmt.Sprintf("acct-%d", f.seq)
	}
	if a.Status == "" {
		a.Status = domain.AccountActive
	}
	f.accounts[a.ID] = a
	return a
}

func (f *fakeAccounts) Create(_ domain.Context, a domain.Account) (string, error) {
	return f.add(a).ID, nil
}

func (f *fakeAccounts) Get(_ domain.Context, id string) (domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return domain.Account{}, fmt.Errorf("op=account.get: %w", domain.ErrNotFound)
	}
	return a, nil
}

func (f *fakeAccounts) ListByUser(_ domain.Context, userID string) ([]domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Account
	for _, a := range f.accounts {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// sortEligible orders candidates the way the registry hands them to the
// dispatcher: least-used first, stalest-used first, then id.
func sortEligible(out []domain.Account) {
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RequestsToday != out[j].RequestsToday {
			return out[i].RequestsToday < out[j].RequestsToday
		}
		li, lj := out[i].LastRequestAt, out[j].LastRequestAt
		switch {
		case li == nil && lj != nil:
			return true
		case li != nil && lj == nil:
			return false
		case li != nil && lj != nil && !li.Equal(*lj):
			return li.Before(*lj)
		}
		return out[i].ID < out[j].ID
	})
}

func (f *fakeAccounts) ListEligibleByUser(_ domain.Context, userID string, now time.Time) ([]domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Account
	for _, a := range f.accounts {
		if a.UserID == userID && a.Eligible(now) {
			out = append(out, a)
		}
	}
	sortEligible(out)
	return out, nil
}

func (f *fakeAccounts) ListEligibleByIDs(_ domain.Context, ids []string, now time.Time) ([]domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Account
	for _, id := range ids {
		if a, ok := f.accounts[id]; ok && a.Eligible(now) {
			out = append(out, a)
		}
	}
	sortEligible(out)
	return out, nil
}

func (f *fakeAccounts) ReserveRequest(_ domain.Context, id string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return false, fmt.Errorf("op=account.reserve: %w", domain.ErrNotFound)
	}
	if f.denyReserve[id] || !a.Eligible(now) {
		return false, nil
	}
	a.RequestsToday++
	t := now
	a.LastRequestAt = &t
	f.accounts[id] = a
	f.reserved = append(f.reserved, id)
	return true, nil
}

func (f *fakeAccounts) ReportOutcome(_ domain.Context, id string, kind domain.OutcomeKind, blockFor time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return fmt.Errorf("op=account.report_outcome: %w", domain.ErrNotFound)
	}
	now := time.Now().UTC()
	switch kind {
	case domain.OutcomeSuccess:
		a.ConsecutiveFailures = 0
	case domain.OutcomeTransientFailure:
		a.ConsecutiveFailures++
		if a.ConsecutiveFailures >= 3 {
			t := now.Add(15 * time.Minute)
			a.CooldownUntil = &t
		}
	case domain.OutcomeHardFailure:
		a.ConsecutiveFailures++
		if blockFor <= 0 {
			blockFor = time.Hour
		}
		t := now.Add(blockFor)
		a.BlockedUntil = &t
		if a.ConsecutiveFailures >= 5 {
			a.Status = domain.AccountFailed
		}
	default:
		return fmt.Errorf("op=account.report_outcome kind=%s: %w", kind, domain.ErrInvalidArgument)
	}
	f.accounts[id] = a
	f.outcomes = append(f.outcomes, outcomeReport{AccountID: id, Kind: kind})
	return nil
}

func (f *fakeAccounts) ResetDaily(_ domain.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, a := range f.accounts {
		if a.RequestsToday != 0 {
			a.RequestsToday = 0
			f.accounts[id] = a
			n++
		}
	}
	return n, nil
}

func (f *fakeAccounts) ClearExpiredHolds(_ domain.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, a := range f.accounts {
		changed := false
		if a.CooldownUntil != nil && !a.CooldownUntil.After(now) {
			a.CooldownUntil = nil
			changed = true
		}
		if a.BlockedUntil != nil && !a.BlockedUntil.After(now) {
			a.BlockedUntil = nil
			changed = true
		}
		if changed {
			f.accounts[id] = a
			n++
		}
	}
	return n, nil
}

func (f *fakeAccounts) UpdateStatus(_ domain.Context, id, userID string, status domain.AccountStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok || a.UserID != userID {
		return fmt.Errorf("op=account.update_status: %w", domain.ErrNotFound)
	}
	a.Status = status
	f.accounts[id] = a
	return nil
}

func (f *fakeAccounts) ResetPenalties(_ domain.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return fmt.Errorf("op=account.reset_penalties: %w", domain.ErrNotFound)
	}
	a.ConsecutiveFailures = 0
	a.RequestsToday = 0
	a.CooldownUntil = nil
	a.BlockedUntil = nil
	if a.Status == domain.AccountFailed || a.Status == domain.AccountBlocked {
		a.Status = domain.AccountActive
	}
	f.accounts[id] = a
	return nil
}

type fakeJobs struct {
	mu       sync.Mutex
	seq      int
	jobs     map[string]domain.Job
	urls     map[string]domain.URLItem
	urlOrder []string
	assigned map[string][]string
	rows     []domain.ResultRow
	rowKeys  map[string]struct{}
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{
		jobs:     map[string]domain.Job{},
		urls:     map[string]domain.URLItem{},
		assigned: map[string][]string{},
		rowKeys:  map[string]struct{}{},
	}
}

func (f *fakeJobs) add(j domain.Job) domain.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addLocked(j)
}

func (f *fakeJobs) addLocked(j domain.Job) domain.Job {
	if j.ID == "" {
		f.seq++
		j.ID = fmt.Sprintf("job-%d", f.seq)
	}
	if j.Status == "" {
		j.Status = domain.JobPending
	}
	f.jobs[j.ID] = j
	return j
}

func (f *fakeJobs) addURL(u domain.URLItem) domain.URLItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addURLLocked(u)
}

func (f *fakeJobs) addURLLocked(u domain.URLItem) domain.URLItem {
	if u.ID == "" {
		f.seq++
		u.ID = fmt.Sprintf("url-%d", f.seq)
	}
	if u.Status == "" {
		u.Status = domain.URLPending
	}
	if u.MaxAttempts == 0 {
		u.MaxAttempts = 3
	}
	f.urls[u.ID] = u
	f.urlOrder = append(f.urlOrder, u.ID)
	return u
}

func (f *fakeJobs) setAssigned(jobID string, ids []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assigned[jobID] = append([]string(nil), ids...)
}

// url returns the current URL row for assertions.
func (f *fakeJobs) url(id string) domain.URLItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.urls[id]
}

func (f *fakeJobs) Get(_ domain.Context, id string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
	}
	return j, nil
}

func (f *fakeJobs) GetURL(_ domain.Context, jobID, urlID string) (domain.URLItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.urls[urlID]
	if !ok || u.JobID != jobID {
		return domain.URLItem{}, fmt.Errorf("op=job.get_url: %w", domain.ErrNotFound)
	}
	return u, nil
}

func (f *fakeJobs) ListByUser(_ domain.Context, userID string, offset, limit int) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Job
	for _, j := range f.jobs {
		if j.UserID == userID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeJobs) ListAssignedAccountIDs(_ domain.Context, jobID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.assigned[jobID]...), nil
}

func (f *fakeJobs) LeaseNextURL(_ domain.Context, jobID, accountID string, leaseDur time.Duration) (domain.URLItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	for _, id := range f.urlOrder {
		u := f.urls[id]
		if u.JobID != jobID || u.Status != domain.URLPending {
			continue
		}
		holder := accountID
		until := now.Add(leaseDur)
		u.Status = domain.URLInFlight
		u.LeasedBy = &holder
		u.LeasedUntil = &until
		u.UpdatedAt = now
		f.urls[id] = u
		return u, nil
	}
	return domain.URLItem{}, fmt.Errorf("op=job.lease_next_url: %w", domain.ErrNotFound)
}

// insertRowLocked applies the payload-hash unique indexes: one per
// (url, hash), one per (job, hash) for rows without a URL.
func (f *fakeJobs) insertRowLocked(row domain.ResultRow) bool {
	key := "job|" + row.JobID + "|" + row.PayloadHash
	if row.URLID != nil {
		key = "url|" + *row.URLID + "|" + row.PayloadHash
	}
	if _, dup := f.rowKeys[key]; dup {
		return false
	}
	f.rowKeys[key] = struct{}{}
	if row.ID == "" {
		f.seq++
		row.ID = fmt.Sprintf("row-%d", f.seq)
	}
	f.rows = append(f.rows, row)
	return true
}

func (f *fakeJobs) CompleteURL(_ domain.Context, jobID, urlID string, row domain.ResultRow) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.urls[urlID]
	if !ok || u.JobID != jobID {
		return domain.Job{}, fmt.Errorf("op=job.complete_url: %w", domain.ErrNotFound)
	}
	j := f.jobs[jobID]
	switch u.Status {
	case domain.URLCompleted:
		return j, nil
	case domain.URLFailed, domain.URLCancelled:
		return domain.Job{}, fmt.Errorf("op=job.complete_url: %w", domain.ErrConflict)
	}

	inserted := f.insertRowLocked(row)
	now := time.Now().UTC()
	u.Status = domain.URLCompleted
	u.LastError = ""
	u.LeasedBy = nil
	u.LeasedUntil = nil
	u.UpdatedAt = now
	f.urls[urlID] = u

	j.ProcessedURLs++
	j.SuccessfulURLs++
	if inserted {
		j.ResultCount++
	}
	j.Progress = progressOf(j)
	j.CurrentURL = u.URL
	j.UpdatedAt = now
	f.jobs[jobID] = j
	return j, nil
}

func progressOf(j domain.Job) float64 {
	total := j.TotalURLs
	if total < 1 {
		total = 1
	}
	p := float64(j.ProcessedURLs) * 100 / float64(total)
	if p > 100 {
		p = 100
	}
	return p
}

func (f *fakeJobs) AppendResult(_ domain.Context, row domain.ResultRow) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[row.JobID]
	if !ok {
		return false, fmt.Errorf("op=job.append_result: %w", domain.ErrNotFound)
	}
	inserted := f.insertRowLocked(row)
	if inserted {
		j.ResultCount++
		j.UpdatedAt = time.Now().UTC()
		f.jobs[row.JobID] = j
	}
	return inserted, nil
}

func (f *fakeJobs) FailURL(_ domain.Context, jobID, urlID, errMsg string, retriable bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.urls[urlID]
	if !ok || u.JobID != jobID {
		return false, fmt.Errorf("op=job.fail_url: %w", domain.ErrNotFound)
	}
	if u.Status != domain.URLPending && u.Status != domain.URLInFlight {
		return false, nil
	}
	now := time.Now().UTC()
	if retriable && u.Attempts < u.MaxAttempts {
		u.Status = domain.URLPending
		u.Attempts++
		u.LastError = errMsg
		u.LeasedBy = nil
		u.LeasedUntil = nil
		u.UpdatedAt = now
		f.urls[urlID] = u
		return true, nil
	}
	u.Status = domain.URLFailed
	u.LastError = errMsg
	u.LeasedBy = nil
	u.LeasedUntil = nil
	u.UpdatedAt = now
	f.urls[urlID] = u

	j := f.jobs[jobID]
	j.ProcessedURLs++
	j.FailedURLs++
	j.Progress = progressOf(j)
	j.UpdatedAt = now
	f.jobs[jobID] = j
	return false, nil
}

func (f *fakeJobs) ExpireLeases(_ domain.Context, now time.Time) ([]domain.ExpiredLease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ExpiredLease
	for _, id := range f.urlOrder {
		u := f.urls[id]
		if u.Status != domain.URLInFlight || u.LeasedUntil == nil || !u.LeasedUntil.Before(now) {
			continue
		}
		holder := ""
		if u.LeasedBy != nil {
			holder = *u.LeasedBy
		}
		u.Status = domain.URLPending
		u.LeasedBy = nil
		u.LeasedUntil = nil
		u.UpdatedAt = now
		f.urls[id] = u
		out = append(out, domain.ExpiredLease{
			URLID:     id,
			JobID:     u.JobID,
			JobType:   f.jobs[u.JobID].Type,
			AccountID: holder,
		})
	}
	return out, nil
}

func (f *fakeJobs) RefreshLeases(_ domain.Context, jobID string, leaseDur time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	var n int64
	for id, u := range f.urls {
		if u.JobID != jobID || u.Status != domain.URLInFlight {
			continue
		}
		until := now.Add(leaseDur)
		u.LeasedUntil = &until
		u.UpdatedAt = now
		f.urls[id] = u
		n++
	}
	return n, nil
}

func (f *fakeJobs) ListPendingURLIDs(_ domain.Context, jobID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, id := range f.urlOrder {
		if u := f.urls[id]; u.JobID == jobID && u.Status == domain.URLPending {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeJobs) UpdateProgress(_ domain.Context, jobID string, percent float64, message, currentURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return fmt.Errorf("op=job.update_progress: %w", domain.ErrNotFound)
	}
	j.Progress = percent
	if message != "" {
		j.ProgressMessage = message
	}
	if currentURL != "" {
		j.CurrentURL = currentURL
	}
	j.UpdatedAt = time.Now().UTC()
	f.jobs[jobID] = j
	return nil
}

func (f *fakeJobs) SetJobError(_ domain.Context, jobID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return fmt.Errorf("op=job.set_error: %w", domain.ErrNotFound)
	}
	j.ErrorMessage = &message
	j.UpdatedAt = time.Now().UTC()
	f.jobs[jobID] = j
	return nil
}

func (f *fakeJobs) transition(jobID string, from []domain.JobStatus, apply func(*domain.Job)) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return false, nil
	}
	match := false
	for _, s := range from {
		if j.Status == s {
			match = true
			break
		}
	}
	if !match {
		return false, nil
	}
	apply(&j)
	j.UpdatedAt = time.Now().UTC()
	f.jobs[jobID] = j
	return true, nil
}

func (f *fakeJobs) MarkRunning(_ domain.Context, jobID string) (bool, error) {
	return f.transition(jobID, []domain.JobStatus{domain.JobPending}, func(j *domain.Job) {
		now := time.Now().UTC()
		j.Status = domain.JobRunning
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
	})
}

func (f *fakeJobs) MarkCompleted(_ domain.Context, jobID string) (bool, error) {
	return f.transition(jobID, []domain.JobStatus{domain.JobRunning}, func(j *domain.Job) {
		now := time.Now().UTC()
		j.Status = domain.JobCompleted
		j.CompletedAt = &now
		j.Progress = 100
	})
}

func (f *fakeJobs) MarkFailed(_ domain.Context, jobID, errMsg string) (bool, error) {
	return f.transition(jobID, []domain.JobStatus{domain.JobPending, domain.JobRunning, domain.JobPaused}, func(j *domain.Job) {
		now := time.Now().UTC()
		j.Status = domain.JobFailed
		j.ErrorMessage = &errMsg
		j.CompletedAt = &now
	})
}

func (f *fakeJobs) MarkPaused(_ domain.Context, jobID string) (bool, error) {
	return f.transition(jobID, []domain.JobStatus{domain.JobRunning}, func(j *domain.Job) {
		now := time.Now().UTC()
		j.Status = domain.JobPaused
		j.PausedAt = &now
	})
}

func (f *fakeJobs) MarkResumed(_ domain.Context, jobID string) (bool, error) {
	return f.transition(jobID, []domain.JobStatus{domain.JobPaused}, func(j *domain.Job) {
		now := time.Now().UTC()
		j.Status = domain.JobRunning
		j.ResumedAt = &now
	})
}

func (f *fakeJobs) MarkCancelled(_ domain.Context, jobID string) (bool, error) {
	return f.transition(jobID, []domain.JobStatus{domain.JobPending, domain.JobRunning, domain.JobPaused}, func(j *domain.Job) {
		now := time.Now().UTC()
		j.Status = domain.JobCancelled
		j.CancelledAt = &now
	})
}

func (f *fakeJobs) MarkPendingFromRunning(_ domain.Context, jobID string) (bool, error) {
	return f.transition(jobID, []domain.JobStatus{domain.JobRunning}, func(j *domain.Job) {
		j.Status = domain.JobPending
	})
}

func (f *fakeJobs) ListStalledRunning(_ domain.Context, cutoff time.Time) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Job
	for _, j := range f.jobs {
		if j.Status != domain.JobRunning || !j.UpdatedAt.Before(cutoff) {
			continue
		}
		inFlight := false
		for _, u := range f.urls {
			if u.JobID == j.ID && u.Status == domain.URLInFlight {
				inFlight = true
				break
			}
		}
		if !inFlight {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeJobs) ListStalledPending(_ domain.Context, cutoff time.Time) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Job
	for _, j := range f.jobs {
		if j.Status == domain.JobPending && j.UpdatedAt.Before(cutoff) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeJobs) Delete(_ domain.Context, jobID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok || j.UserID != userID {
		return fmt.Errorf("op=job.delete: %w", domain.ErrNotFound)
	}
	if j.Status != domain.JobPending && !j.Status.Terminal() {
		return fmt.Errorf("op=job.delete: %w", domain.ErrInvalidJobState)
	}
	f.deleteLocked(jobID)
	return nil
}

func (f *fakeJobs) deleteLocked(jobID string) {
	delete(f.jobs, jobID)
	delete(f.assigned, jobID)
	kept := f.urlOrder[:0]
	for _, id := range f.urlOrder {
		if f.urls[id].JobID == jobID {
			delete(f.urls, id)
			continue
		}
		kept = append(kept, id)
	}
	f.urlOrder = kept
	rows := f.rows[:0]
	for _, r := range f.rows {
		if r.JobID != jobID {
			rows = append(rows, r)
		}
	}
	f.rows = rows
}

// fakeResults reads rows through the same store fakeJobs writes them to,
// the way the SQL repos share one database.
type fakeResults struct {
	jobs  *fakeJobs
	mu    sync.Mutex
	seq   int
	files []domain.ResultFile
}

func newFakeResults(jobs *fakeJobs) *fakeResults { return &fakeResults{jobs: jobs} }

func (f *fakeResults) ListByJob(_ domain.Context, jobID string) ([]domain.ResultRow, error) {
	f.jobs.mu.Lock()
	defer f.jobs.mu.Unlock()
	var out []domain.ResultRow
	for _, r := range f.jobs.rows {
		if r.JobID == jobID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeResults) AddFile(_ domain.Context, file domain.ResultFile) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	file.ID = fmt.Sprintf("file-%d", f.seq)
	f.files = append(f.files, file)
	return file.ID, nil
}

func (f *fakeResults) ListFilesByJob(_ domain.Context, jobID string) ([]domain.ResultFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ResultFile
	for _, file := range f.files {
		if file.JobID == jobID {
			out = append(out, file)
		}
	}
	return out, nil
}

type nackCall struct {
	URLID string
	Delay time.Duration
}

type queueEntry struct {
	item      domain.QueueItem
	visibleAt time.Time
	leased    bool
	seq       int
}

// fakeQueue keeps priority-FIFO order with delayed visibility and a dead
// list. It never counts attempts on its own; only RequeueDead touches them
// (reset to zero), like the real queue.
type fakeQueue struct {
	mu         sync.Mutex
	seq        int
	entries    map[string]*queueEntry
	dead       map[string]domain.QueueItem
	enqueued   []domain.QueueItem
	acked      []string
	nacked     []nackCall
	enqueueErr error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{entries: map[string]*queueEntry{}, dead: map[string]domain.QueueItem{}}
}

func (f *fakeQueue) Enqueue(_ domain.Context, item domain.QueueItem, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	if _, ok := f.entries[item.URLID]; ok {
		return nil
	}
	if _, ok := f.dead[item.URLID]; ok {
		return nil
	}
	f.seq++
	f.entries[item.URLID] = &queueEntry{item: item, visibleAt: time.Now().Add(delay), seq: f.seq}
	f.enqueued = append(f.enqueued, item)
	return nil
}

func (f *fakeQueue) Reserve(_ domain.Context, _ time.Duration) (*domain.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	var best *queueEntry
	for _, e := range f.entries {
		if e.leased || e.visibleAt.After(now) {
			continue
		}
		if best == nil ||
			e.item.Priority > best.item.Priority ||
			(e.item.Priority == best.item.Priority && e.seq < best.seq) {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}
	best.leased = true
	item := best.item
	return &item, nil
}

func (f *fakeQueue) Ack(_ domain.Context, urlID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, urlID)
	f.acked = append(f.acked, urlID)
	return nil
}

func (f *fakeQueue) Nack(_ domain.Context, urlID string, requeueDelay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.entries[urlID]; ok {
		e.leased = false
		e.visibleAt = time.Now().Add(requeueDelay)
		f.seq++
		e.seq = f.seq
	}
	f.nacked = append(f.nacked, nackCall{URLID: urlID, Delay: requeueDelay})
	return nil
}

func (f *fakeQueue) ExtendLease(_ domain.Context, _ string, _ time.Duration) error { return nil }

func (f *fakeQueue) Stats(_ domain.Context) (domain.QueueStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	var s domain.QueueStats
	for _, e := range f.entries {
		switch {
		case e.leased:
			s.Leased++
		case e.visibleAt.After(now):
			s.Delayed++
		default:
			s.Ready++
		}
	}
	s.Dead = int64(len(f.dead))
	return s, nil
}

func (f *fakeQueue) DeadLetters(_ domain.Context, limit int64) ([]domain.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.QueueItem
	for _, item := range f.dead {
		if int64(len(out)) >= limit {
			break
		}
		out = append(out, item)
	}
	return out, nil
}

func (f *fakeQueue) RequeueDead(_ domain.Context, limit int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, item := range f.dead {
		if n >= limit {
			break
		}
		delete(f.dead, id)
		item.Attempts = 0
		f.seq++
		f.entries[id] = &queueEntry{item: item, visibleAt: time.Now(), seq: f.seq}
		n++
	}
	return n, nil
}

// enqueuedIDs returns the url ids of every accepted enqueue, in order.
func (f *fakeQueue) enqueuedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.enqueued))
	for _, item := range f.enqueued {
		out = append(out, item.URLID)
	}
	return out
}

// fakeTx runs the admission sequence against the other fakes. Writes stage
// inside InTx and land only when fn succeeds, so tests observe the same
// all-or-nothing behavior the real transaction gives.
type fakeTx struct {
	users    *fakeUsers
	jobs     *fakeJobs
	accounts *fakeAccounts

	urlMaxAttempts int
	createErr      error
}

func newFakeTx(users *fakeUsers, jobs *fakeJobs, accounts *fakeAccounts) *fakeTx {
	return &fakeTx{users: users, jobs: jobs, accounts: accounts, urlMaxAttempts: 3}
}

type stagedJob struct {
	job      domain.Job
	urls     []string
	accounts []string
}

type stagedTx struct {
	f       *fakeTx
	debits  map[string]int64
	created []stagedJob
}

func (f *fakeTx) InTx(ctx domain.Context, fn func(ctx domain.Context, tx domain.AdmissionTx) error) error {
	st := &stagedTx{f: f, debits: map[string]int64{}}
	if err := fn(ctx, st); err != nil {
		return err
	}
	for id, n := range st.debits {
		f.users.mu.Lock()
		u := f.users.users[id]
		u.CreditsBalance -= n
		u.CreditsUsed += n
		f.users.users[id] = u
		f.users.mu.Unlock()
	}
	f.jobs.mu.Lock()
	for _, sj := range st.created {
		f.jobs.addLocked(sj.job)
		now := time.Now().UTC()
		for _, raw := range sj.urls {
			f.jobs.addURLLocked(domain.URLItem{
				JobID:       sj.job.ID,
				URL:         raw,
				Status:      domain.URLPending,
				MaxAttempts: f.urlMaxAttempts,
				CreatedAt:   now,
				UpdatedAt:   now,
			})
		}
		f.jobs.assigned[sj.job.ID] = append([]string(nil), sj.accounts...)
	}
	f.jobs.mu.Unlock()
	return nil
}

func (st *stagedTx) CountActiveJobs(_ domain.Context, userID string) (int, error) {
	st.f.jobs.mu.Lock()
	defer st.f.jobs.mu.Unlock()
	n := 0
	for _, j := range st.f.jobs.jobs {
		if j.UserID != userID {
			continue
		}
		switch j.Status {
		case domain.JobPending, domain.JobRunning, domain.JobPaused:
			n++
		}
	}
	return n, nil
}

func (st *stagedTx) GetUserForUpdate(ctx domain.Context, userID string) (domain.User, error) {
	u, err := st.f.users.Get(ctx, userID)
	if err != nil {
		return domain.User{}, err
	}
	u.CreditsBalance -= st.debits[userID]
	return u, nil
}

func (st *stagedTx) DebitCredits(ctx domain.Context, userID string, n int64) error {
	u, err := st.GetUserForUpdate(ctx, userID)
	if err != nil {
		return err
	}
	if u.CreditsBalance < n {
		return fmt.Errorf("op=tx.debit_credits: %w", domain.ErrInsufficientCredits)
	}
	st.debits[userID] += n
	return nil
}

func (st *stagedTx) ListEligibleAccountIDs(ctx domain.Context, userID string, now time.Time) ([]string, error) {
	accts, err := st.f.accounts.ListEligibleByUser(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(accts))
	for _, a := range accts {
		out = append(out, a.ID)
	}
	return out, nil
}

func (st *stagedTx) CreateJob(_ domain.Context, j domain.Job, urls []string, accountIDs []string) (domain.Job, error) {
	if st.f.createErr != nil {
		return domain.Job{}, st.f.createErr
	}
	st.f.jobs.mu.Lock()
	st.f.jobs.seq++
	j.ID = fmt.Sprintf("job-%d", st.f.jobs.seq)
	st.f.jobs.mu.Unlock()
	j.Status = domain.JobPending
	j.TotalURLs = len(urls)
	st.created = append(st.created, stagedJob{job: j, urls: urls, accounts: accountIDs})
	return j, nil
}

type issuedJobToken struct {
	JobID  string
	UserID string
	TTL    time.Duration
}

type fakeTokens struct {
	mu     sync.Mutex
	access []string
	jobs   []issuedJobToken
}

func (f *fakeTokens) IssueAccess(userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.access = append(f.access, userID)
	return "access|" + userID, nil
}

func (f *fakeTokens) VerifyAccess(token string) (string, error) {
	id, ok := strings.CutPrefix(token, "access|")
	if !ok {
		return "", domain.ErrTokenMalformed
	}
	return id, nil
}

func (f *fakeTokens) IssueJob(jobID, userID string, ttl time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, issuedJobToken{JobID: jobID, UserID: userID, TTL: ttl})
	return "job|" + jobID + "|" + userID, nil
}

func (f *fakeTokens) VerifyJob(token string) (domain.JobClaims, error) {
	parts := strings.Split(token, "|")
	if len(parts) != 3 || parts[0] != "job" {
		return domain.JobClaims{}, domain.ErrTokenMalformed
	}
	return domain.JobClaims{JobID: parts[1], UserID: parts[2]}, nil
}

type delivery struct {
	UserID     string
	Assignment domain.Assignment
}

type fakeDeliverer struct {
	mu        sync.Mutex
	delivered []delivery
	err       error
}

func (f *fakeDeliverer) Deliver(_ domain.Context, userID string, a domain.Assignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.delivered = append(f.delivered, delivery{UserID: userID, Assignment: a})
	return nil
}

func (f *fakeDeliverer) Poll(_ domain.Context, userID string, _ time.Duration) (*domain.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, d := range f.delivered {
		if d.UserID == userID {
			f.delivered = append(f.delivered[:i], f.delivered[i+1:]...)
			a := d.Assignment
			return &a, nil
		}
	}
	return nil, nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []domain.JobEvent
}

func (f *fakeEvents) Publish(_ domain.Context, ev domain.JobEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeEvents) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Type)
	}
	return out
}

type savedFile struct {
	JobID    string
	FileName string
	Size     int64
}

type fakeFiles struct {
	mu    sync.Mutex
	saved []savedFile
	err   error
}

func (f *fakeFiles) Save(_ domain.Context, jobID, fileName string, r io.Reader) (string, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", 0, f.err
	}
	var buf bytes.Buffer
	n, err := io.Copy(&buf, r)
	if err != nil {
		return "", 0, err
	}
	f.saved = append(f.saved, savedFile{JobID: jobID, FileName: fileName, Size: n})
	return "mem://" + jobID + "/" + fileName, n, nil
}
