package usecase

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

// ResultInput is one element of a submit batch. URLID ties the result to an
// in-flight work item; rows without one attach to the job as a whole.
type ResultInput struct {
	URLID string
	Data  json.RawMessage
}

// UploadInput is one decoded multipart file. ContentType is the sniffed
// type, not the client header.
type UploadInput struct {
	FileName    string
	ContentType string
	Size        int64
	Reader      io.Reader
}

// ErrorInput is a worker-reported failure. URLID marks a single work item
// failed; IsFatal fails the whole job.
type ErrorInput struct {
	Message   string
	Code      string
	URLID     string
	Retriable bool
	IsFatal   bool
}

// IngestService accepts worker-posted results, files, progress and errors
// (authenticated upstream by a job capability token). Every operation
// re-checks the claims against the job row before mutating anything.
type IngestService struct {
	Jobs       domain.JobRepository
	ResultRepo domain.ResultRepository
	Accounts   domain.AccountRepository
	Queue      domain.Queue
	Files      domain.FileStore
	Events     domain.EventPublisher

	LeaseDuration     time.Duration
	MaxFileSize       int64
	MaxFilesPerUpload int
}

// NewIngestService constructs an IngestService with its dependencies.
func NewIngestService(jobs domain.JobRepository, results domain.ResultRepository, accts domain.AccountRepository,
	q domain.Queue, files domain.FileStore, ev domain.EventPublisher,
	leaseDur time.Duration, maxFileSize int64, maxFiles int) IngestService {
	return IngestService{
		Jobs: jobs, ResultRepo: results, Accounts: accts, Queue: q, Files: files, Events: ev,
		LeaseDuration: leaseDur, MaxFileSize: maxFileSize, MaxFilesPerUpload: maxFiles,
	}
}

// Submit appends a batch of scrape results. A result naming an in-flight
// url id completes that URL; duplicate payloads (same hash) are absorbed
// without inflating result_count, so replays are safe. isComplete asks for
// the running→completed transition; the job also auto-completes once every
// URL is processed.
func (s IngestService) Submit(ctx domain.Context, claims domain.JobClaims, results []ResultInput, isComplete bool) (domain.Job, error) {
	job, err := s.authorize(ctx, claims)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Status != domain.JobRunning {
		return domain.Job{}, fmt.Errorf("%w: job is %s", domain.ErrInvalidJobState, job.Status)
	}
	if len(results) == 0 && !isComplete {
		return domain.Job{}, fmt.Errorf("%w: empty submission", domain.ErrInvalidArgument)
	}

	for i, in := range results {
		row, err := newResultRow(job, in)
		if err != nil {
			return domain.Job{}, fmt.Errorf("%w: results[%d]: %v", domain.ErrInvalidArgument, i, err)
		}
		if in.URLID == "" {
			if _, err := s.Jobs.AppendResult(ctx, row); err != nil {
				return domain.Job{}, err
			}
			continue
		}
		url, err := s.Jobs.GetURL(ctx, job.ID, in.URLID)
		if err != nil {
			return domain.Job{}, err
		}
		job, err = s.Jobs.CompleteURL(ctx, job.ID, in.URLID, row)
		if err != nil {
			return domain.Job{}, err
		}
		s.reportOutcome(ctx, url, domain.OutcomeSuccess)
	}

	completed := false
	if isComplete || (job.TotalURLs > 0 && job.ProcessedURLs >= job.TotalURLs) {
		completed, err = s.Jobs.MarkCompleted(ctx, job.ID)
		if err != nil {
			return domain.Job{}, err
		}
	}
	job, err = s.Jobs.Get(ctx, job.ID)
	if err != nil {
		return domain.Job{}, err
	}
	if completed {
		publishEvent(ctx, s.Events, domain.EventJobCompleted, job)
	}
	return job, nil
}

// Upload stores result artifacts and appends their metadata rows. Callers
// sniff the content type before handing files over.
func (s IngestService) Upload(ctx domain.Context, claims domain.JobClaims, files []UploadInput) ([]domain.ResultFile, error) {
	job, err := s.authorize(ctx, claims)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobRunning {
		return nil, fmt.Errorf("%w: job is %s", domain.ErrInvalidJobState, job.Status)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no files", domain.ErrInvalidArgument)
	}
	if len(files) > s.MaxFilesPerUpload {
		return nil, fmt.Errorf("%w: %d files, limit %d", domain.ErrInvalidArgument, len(files), s.MaxFilesPerUpload)
	}
	saved := make([]domain.ResultFile, 0, len(files))
	for _, f := range files {
		if f.Size > s.MaxFileSize {
			return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", domain.ErrPayloadTooLarge, f.FileName, f.Size, s.MaxFileSize)
		}
		path, size, err := s.Files.Save(ctx, job.ID, f.FileName, f.Reader)
		if err != nil {
			return nil, err
		}
		meta := domain.ResultFile{
			JobID:       job.ID,
			FileName:    f.FileName,
			StoredPath:  path,
			SizeBytes:   size,
			ContentType: f.ContentType,
			UploadedAt:  time.Now().UTC(),
		}
		id, err := s.ResultRepo.AddFile(ctx, meta)
		if err != nil {
			return nil, err
		}
		meta.ID = id
		saved = append(saved, meta)
	}
	return saved, nil
}

// Progress updates the job's progress fields and refreshes the leases of
// its in-flight URLs, so slow scrapes are not reaped mid-work.
func (s IngestService) Progress(ctx domain.Context, claims domain.JobClaims, percent float64, message, currentURL string) (domain.Job, error) {
	job, err := s.authorize(ctx, claims)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Status != domain.JobRunning {
		return domain.Job{}, fmt.Errorf("%w: job is %s", domain.ErrInvalidJobState, job.Status)
	}
	if percent < 0 || percent > 100 {
		return domain.Job{}, fmt.Errorf("%w: percent must be within [0,100]", domain.ErrInvalidArgument)
	}
	if err := s.Jobs.UpdateProgress(ctx, job.ID, percent, message, currentURL); err != nil {
		return domain.Job{}, err
	}
	if _, err := s.Jobs.RefreshLeases(ctx, job.ID, s.LeaseDuration); err != nil {
		return domain.Job{}, err
	}
	return s.Jobs.Get(ctx, job.ID)
}

// ReportError records a worker failure. With a url id the work item is
// failed (requeued while attempts remain) and the leasing account charged;
// a fatal report moves the whole job to failed.
func (s IngestService) ReportError(ctx domain.Context, claims domain.JobClaims, in ErrorInput) (domain.Job, error) {
	job, err := s.authorize(ctx, claims)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Status.Terminal() {
		return domain.Job{}, fmt.Errorf("%w: job is %s", domain.ErrInvalidJobState, job.Status)
	}
	if strings.TrimSpace(in.Message) == "" {
		return domain.Job{}, fmt.Errorf("%w: error_message required", domain.ErrInvalidArgument)
	}
	msg := in.Message
	if in.Code != "" {
		msg = in.Code + ": " + msg
	}

	if in.URLID != "" {
		url, err := s.Jobs.GetURL(ctx, job.ID, in.URLID)
		if err != nil {
			return domain.Job{}, err
		}
		requeued, err := s.Jobs.FailURL(ctx, job.ID, in.URLID, msg, in.Retriable && !in.IsFatal)
		if err != nil {
			return domain.Job{}, err
		}
		if requeued {
			// The dispatch ticket was already consumed; hand the URL a
			// fresh one.
			item := domain.QueueItem{
				JobID:      job.ID,
				URLID:      in.URLID,
				Priority:   domain.PriorityForJobType(job.Type),
				EnqueuedAt: time.Now().UTC(),
			}
			if err := s.Queue.Enqueue(ctx, item, 0); err != nil {
				slog.Error("ingest: requeue failed url", slog.Any("error", err),
					slog.String("job_id", job.ID), slog.String("url_id", in.URLID))
			}
		}
		kind := domain.OutcomeTransientFailure
		if in.IsFatal {
			kind = domain.OutcomeHardFailure
		}
		s.reportOutcome(ctx, url, kind)
	}

	if in.IsFatal {
		failed, err := s.Jobs.MarkFailed(ctx, job.ID, msg)
		if err != nil {
			return domain.Job{}, err
		}
		job, err = s.Jobs.Get(ctx, job.ID)
		if err != nil {
			return domain.Job{}, err
		}
		if failed {
			publishEvent(ctx, s.Events, domain.EventJobFailed, job)
		}
		return job, nil
	}
	if err := s.Jobs.SetJobError(ctx, job.ID, msg); err != nil {
		return domain.Job{}, err
	}
	return s.Jobs.Get(ctx, job.ID)
}

// Results returns the job's result rows and file metadata.
func (s IngestService) Results(ctx domain.Context, claims domain.JobClaims) (domain.Job, []domain.ResultRow, []domain.ResultFile, error) {
	job, err := s.authorize(ctx, claims)
	if err != nil {
		return domain.Job{}, nil, nil, err
	}
	rows, err := s.ResultRepo.ListByJob(ctx, job.ID)
	if err != nil {
		return domain.Job{}, nil, nil, err
	}
	files, err := s.ResultRepo.ListFilesByJob(ctx, job.ID)
	if err != nil {
		return domain.Job{}, nil, nil, err
	}
	return job, rows, files, nil
}

// authorize loads the job and re-checks the capability claims against the
// row: the token must name this job and its owner.
func (s IngestService) authorize(ctx domain.Context, claims domain.JobClaims) (domain.Job, error) {
	job, err := s.Jobs.Get(ctx, claims.JobID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.UserID != claims.UserID {
		return domain.Job{}, fmt.Errorf("%w: token user does not own job", domain.ErrPermissionDenied)
	}
	return job, nil
}

// reportOutcome feeds the account registry with the outcome of the request
// the URL's lease holder made. Registry errors must not fail the ingest.
func (s IngestService) reportOutcome(ctx domain.Context, url domain.URLItem, kind domain.OutcomeKind) {
	if url.LeasedBy == nil || *url.LeasedBy == "" {
		return
	}
	if err := s.Accounts.ReportOutcome(ctx, *url.LeasedBy, kind, 0); err != nil {
		slog.Error("ingest: report account outcome", slog.Any("error", err),
			slog.String("account_id", *url.LeasedBy), slog.String("kind", string(kind)))
	}
}

// newResultRow canonicalizes the payload to compact JSON and stamps the
// de-dupe hash; the row kind follows the job type.
func newResultRow(job domain.Job, in ResultInput) (domain.ResultRow, error) {
	if len(in.Data) == 0 {
		return domain.ResultRow{}, fmt.Errorf("missing data")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, in.Data); err != nil {
		return domain.ResultRow{}, fmt.Errorf("data is not valid json: %w", err)
	}
	payload := buf.Bytes()
	sum := sha256.Sum256(payload)
	row := domain.ResultRow{
		JobID:       job.ID,
		Kind:        job.Type,
		Payload:     payload,
		PayloadHash: hex.EncodeToString(sum[:]),
		CreatedAt:   time.Now().UTC(),
	}
	if in.URLID != "" {
		row.URLID = &in.URLID
	}
	return row, nil
}
