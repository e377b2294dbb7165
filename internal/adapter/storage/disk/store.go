// Package disk stores uploaded result artifacts on the local filesystem,
// one directory per job under the configured upload root.
package disk

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

// Store implements domain.FileStore on a local directory tree
// (<root>/jobs/<job_id>/<unique>_<name>).
type Store struct {
	root    string
	maxSize int64
}

// NewStore prepares the upload root; maxSize caps a single artifact (bytes),
// zero means no cap.
func NewStore(root string, maxSize int64) (*Store, error) {
	if root == "" {
		root = "./data/uploads"
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("op=disk.new root=%s: %w", root, err)
	}
	return &Store{root: root, maxSize: maxSize}, nil
}

// Save streams r into the job's directory and returns the stored path
// relative to the root. The file name is sanitized and prefixed with a
// random id so uploads cannot collide or traverse out of the tree.
func (s *Store) Save(ctx domain.Context, jobID, fileName string, r io.Reader) (string, int64, error) {
	if jobID == "" {
		return "", 0, fmt.Errorf("op=disk.save: %w", domain.ErrInvalidArgument)
	}
	dir := filepath.Join(s.root, "jobs", jobID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", 0, fmt.Errorf("op=disk.save job_id=%s: %w", jobID, err)
	}

	name := sanitizeName(fileName)
	stored := uuid.New().String()[:8] + "_" + name
	full := filepath.Join(dir, stored)

	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", 0, fmt.Errorf("op=disk.save job_id=%s: %w", jobID, err)
	}

	src := r
	if s.maxSize > 0 {
		src = io.LimitReader(r, s.maxSize+1)
	}
	size, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && s.maxSize > 0 && size > s.maxSize {
		err = domain.ErrPayloadTooLarge
	}
	if err != nil {
		_ = os.Remove(full)
		return "", 0, fmt.Errorf("op=disk.save job_id=%s: %w", jobID, err)
	}

	rel, relErr := filepath.Rel(s.root, full)
	if relErr != nil {
		rel = full
	}
	return rel, size, nil
}

// Remove unlinks a previously stored artifact; missing files are fine.
func (s *Store) Remove(storedPath string) error {
	full := filepath.Join(s.root, filepath.Clean("/"+storedPath))
	err := os.Remove(full)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("op=disk.remove path=%s: %w", storedPath, err)
	}
	return nil
}

// sanitizeName strips path separators and control characters, keeping just a
// safe base name.
func sanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "upload"
	}
	return name
}
