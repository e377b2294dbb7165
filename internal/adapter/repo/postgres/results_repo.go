package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

// ResultRepo is the read surface for result rows plus the file metadata
// store. Row writes live on JobRepo because they move job counters.
type ResultRepo struct{ Pool PgxPool }

// NewResultRepo constructs a ResultRepo with the given pool.
func NewResultRepo(p PgxPool) *ResultRepo { return &ResultRepo{Pool: p} }

// ListByJob returns the job's result rows in insertion order.
func (r *ResultRepo) ListByJob(ctx domain.Context, jobID string) ([]domain.ResultRow, error) {
	tracer := otel.Tracer("repo.results")
	ctx, span := tracer.Start(ctx, "results.ListByJob")
	defer span.End()
	q := `SELECT id, job_id, url_id, kind, payload, payload_hash, created_at FROM job_results WHERE job_id=$1 ORDER BY created_at, id`
	rows, err := r.Pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=result.list_by_job: %w", err)
	}
	defer rows.Close()
	var out []domain.ResultRow
	for rows.Next() {
		var res domain.ResultRow
		if err := rows.Scan(&res.ID, &res.JobID, &res.URLID, &res.Kind, &res.Payload, &res.PayloadHash, &res.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=result.list_by_job: %w", err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=result.list_by_job: %w", err)
	}
	return out, nil
}

// AddFile records an uploaded result artifact.
func (r *ResultRepo) AddFile(ctx domain.Context, f domain.ResultFile) (string, error) {
	tracer := otel.Tracer("repo.results")
	ctx, span := tracer.Start(ctx, "results.AddFile")
	defer span.End()
	id := f.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO job_files (id, job_id, file_name, stored_path, size_bytes, content_type, uploaded_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := r.Pool.Exec(ctx, q, id, f.JobID, f.FileName, f.StoredPath, f.SizeBytes, f.ContentType, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=result.add_file: %w", err)
	}
	return id, nil
}

// ListFilesByJob returns the job's uploaded file metadata in upload order.
func (r *ResultRepo) ListFilesByJob(ctx domain.Context, jobID string) ([]domain.ResultFile, error) {
	tracer := otel.Tracer("repo.results")
	ctx, span := tracer.Start(ctx, "results.ListFilesByJob")
	defer span.End()
	q := `SELECT id, job_id, file_name, stored_path, size_bytes, content_type, uploaded_at FROM job_files WHERE job_id=$1 ORDER BY uploaded_at, id`
	rows, err := r.Pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=result.list_files: %w", err)
	}
	defer rows.Close()
	var out []domain.ResultFile
	for rows.Next() {
		var f domain.ResultFile
		if err := rows.Scan(&f.ID, &f.JobID, &f.FileName, &f.StoredPath, &f.SizeBytes, &f.ContentType, &f.UploadedAt); err != nil {
			return nil, fmt.Errorf("op=result.list_files: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=result.list_files: %w", err)
	}
	return out, nil
}
