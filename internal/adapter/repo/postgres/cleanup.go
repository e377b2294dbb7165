package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// CleanupService handles data retention: terminal jobs older than the
// retention window are removed together with their URL, result and file
// rows, and the stored file bytes are unlinked afterwards.
type CleanupService struct {
	Pool          PgxPool
	RetentionDays int
	// RemoveFile unlinks a stored artifact; nil leaves bytes in place.
	RemoveFile func(path string) error
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(pool PgxPool, retentionDays int, removeFile func(path string) error) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90 // default 90 days
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays, RemoveFile: removeFile}
}

// CleanupOldData removes terminal jobs older than the retention period.
// Row deletion is transactional; file unlinking happens after commit so a
// rollback never loses bytes.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.RetentionDays)

	var paths []string
	var deletedJobs int64
	err := inTx(ctx, s.Pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT f.stored_path FROM job_files f
			JOIN jobs j ON j.id = f.job_id
			WHERE j.status IN ('completed','failed','cancelled') AND j.created_at < $1
		`, cutoff)
		if err != nil {
			return fmt.Errorf("cleanup list files: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				return fmt.Errorf("cleanup scan file: %w", err)
			}
			paths = append(paths, p)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("cleanup list files: %w", err)
		}

		tag, err := tx.Exec(ctx, `DELETE FROM jobs WHERE status IN ('completed','failed','cancelled') AND created_at < $1`, cutoff)
		if err != nil {
			return fmt.Errorf("cleanup delete jobs: %w", err)
		}
		deletedJobs = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return err
	}

	removed := 0
	if s.RemoveFile != nil {
		for _, p := range paths {
			if err := s.RemoveFile(p); err != nil {
				slog.Warn("cleanup could not remove file", slog.String("path", p), slog.Any("error", err))
				continue
			}
			removed++
		}
	}

	slog.Info("data cleanup completed",
		slog.Int64("deleted_jobs", deletedJobs),
		slog.Int("removed_files", removed),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

