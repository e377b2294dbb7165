package httpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
	"github.com/fairyhunter13/scrape-orchestrator/internal/usecase"
)

type resultRowResponse struct {
	ID        string          `json:"id"`
	URLID     *string         `json:"url_id,omitempty"`
	Kind      string          `json:"kind"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

type resultFileResponse struct {
	ID          string    `json:"id"`
	FileName    string    `json:"file_name"`
	SizeBytes   int64     `json:"size_bytes"`
	ContentType string    `json:"content_type"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

func toResultFileResponse(f domain.ResultFile) resultFileResponse {
	return resultFileResponse{
		ID:          f.ID,
		FileName:    f.FileName,
		SizeBytes:   f.SizeBytes,
		ContentType: f.ContentType,
		UploadedAt:  f.UploadedAt,
	}
}

// SubmitResultsHandler accepts a batch of scraped rows from a worker.
// Rows with a url_id complete that URL; rows without one attach to the job.
func (s *Server) SubmitResultsHandler() http.HandlerFunc {
	type resultItem struct {
		URLID string          `json:"url_id"`
		Data  json.RawMessage `json:"data"`
	}
	type metadata struct {
		IsComplete bool `json:"is_complete"`
	}
	type request struct {
		Results  []resultItem `json:"results"`
		Metadata metadata     `json:"metadata"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		claims, _ := JobClaimsFrom(r.Context())
		r.Body = http.MaxBytesReader(w, r.Body, s.Cfg.MaxFileSize)
		var req request
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		inputs := make([]usecase.ResultInput, 0, len(req.Results))
		for _, it := range req.Results {
			inputs = append(inputs, usecase.ResultInput{URLID: it.URLID, Data: it.Data})
		}
		job, err := s.Ingest.Submit(r.Context(), claims, inputs, req.Metadata.IsComplete)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(job))
	}
}

// allowedUploadExt enforces the artifact extension allowlist.
func allowedUploadExt(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".csv", ".xlsx", ".xls", ".xml":
		return true
	}
	return false
}

// allowedUploadMIMEFor checks the sniffed content type against the
// extension. Structureless json/csv/xml sniffs as text/plain, xls as its
// OLE container; both still pass for the matching extension.
func allowedUploadMIMEFor(m, filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".json":
		return strings.HasPrefix(m, "application/json") || strings.HasPrefix(m, "text/plain")
	case ".csv":
		return strings.HasPrefix(m, "text/csv") || strings.HasPrefix(m, "text/plain")
	case ".xml":
		return strings.HasPrefix(m, "text/xml") || strings.HasPrefix(m, "application/xml") || strings.HasPrefix(m, "text/plain")
	case ".xlsx":
		return m == "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet" || m == "application/zip"
	case ".xls":
		return m == "application/vnd.ms-excel" || m == "application/x-ole-storage"
	}
	return false
}

func writeUnsupportedMedia(w http.ResponseWriter, reason, filename, mime string) {
	details := map[string]string{"filename": filename}
	if mime != "" {
		details["mime"] = mime
	}
	writeJSON(w, http.StatusUnsupportedMediaType, errorEnvelope{Error: apiError{
		Code:    "invalid_argument",
		Message: reason,
		Details: details,
	}})
}

// UploadResultsHandler stores worker-uploaded artifacts and records their
// metadata. Extension allowlist first, then content sniffing; either miss
// answers 415.
func (s *Server) UploadResultsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, _ := JobClaimsFrom(r.Context())
		if !strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
			writeError(w, r, fmt.Errorf("%w: content-type must be multipart/form-data", domain.ErrInvalidArgument), nil)
			return
		}
		maxBody := s.Cfg.MaxFileSize * int64(s.Cfg.MaxFilesPerUpload)
		r.Body = http.MaxBytesReader(w, r.Body, maxBody)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "too large") {
				writeError(w, r, fmt.Errorf("%w: multipart body exceeds %d bytes", domain.ErrPayloadTooLarge, maxBody), nil)
				return
			}
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		defer func() { _ = r.MultipartForm.RemoveAll() }()

		headers := r.MultipartForm.File["files"]
		if len(headers) == 0 {
			writeError(w, r, fmt.Errorf("%w: files field required", domain.ErrInvalidArgument), map[string]string{"field": "files"})
			return
		}

		inputs := make([]usecase.UploadInput, 0, len(headers))
		for _, h := range headers {
			if !allowedUploadExt(h.Filename) {
				writeUnsupportedMedia(w, "unsupported file extension", h.Filename, "")
				return
			}
			f, err := h.Open()
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: open %s: %v", domain.ErrInvalidArgument, h.Filename, err), nil)
				return
			}
			defer func() { _ = f.Close() }()
			mt, err := mimetype.DetectReader(f)
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: sniff %s: %v", domain.ErrInvalidArgument, h.Filename, err), nil)
				return
			}
			if !allowedUploadMIMEFor(mt.String(), h.Filename) {
				writeUnsupportedMedia(w, "unsupported content type", h.Filename, mt.String())
				return
			}
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				writeError(w, r, fmt.Errorf("op=httpserver.upload rewind %s: %w", h.Filename, err), nil)
				return
			}
			inputs = append(inputs, usecase.UploadInput{
				FileName:    filepath.Base(h.Filename),
				ContentType: mt.String(),
				Size:        h.Size,
				Reader:      f,
			})
		}

		files, err := s.Ingest.Upload(r.Context(), claims, inputs)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]resultFileResponse, 0, len(files))
		for _, f := range files {
			out = append(out, toResultFileResponse(f))
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{"files": out})
	}
}

// ProgressHandler updates job progress and keeps the worker's leases alive.
func (s *Server) ProgressHandler() http.HandlerFunc {
	type request struct {
		Progress   float64 `json:"progress"`
		Message    string  `json:"message"`
		CurrentURL string  `json:"current_url"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		claims, _ := JobClaimsFrom(r.Context())
		var req request
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		job, err := s.Ingest.Progress(r.Context(), claims, req.Progress, req.Message, req.CurrentURL)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(job))
	}
}

// ReportErrorHandler records a worker-reported failure. url_id scopes the
// failure to one work item; is_fatal fails the whole job.
func (s *Server) ReportErrorHandler() http.HandlerFunc {
	type request struct {
		ErrorMessage string `json:"error_message" validate:"required"`
		ErrorCode    string `json:"error_code"`
		URLID        string `json:"url_id"`
		Retriable    bool   `json:"retriable"`
		IsFatal      bool   `json:"is_fatal"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		claims, _ := JobClaimsFrom(r.Context())
		var req request
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), validationDetails(err))
			return
		}
		job, err := s.Ingest.ReportError(r.Context(), claims, usecase.ErrorInput{
			Message:   req.ErrorMessage,
			Code:      req.ErrorCode,
			URLID:     req.URLID,
			Retriable: req.Retriable,
			IsFatal:   req.IsFatal,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(job))
	}
}

// GetResultsHandler returns rows and file metadata for the token's job. The
// path segment must agree with the token; a mismatch is a permission error,
// not a lookup miss.
func (s *Server) GetResultsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, _ := JobClaimsFrom(r.Context())
		if jobID := chi.URLParam(r, "job_id"); jobID != claims.JobID {
			writeError(w, r, fmt.Errorf("%w: token not scoped to job", domain.ErrPermissionDenied), nil)
			return
		}
		job, rows, files, err := s.Ingest.Results(r.Context(), claims)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		outRows := make([]resultRowResponse, 0, len(rows))
		for _, row := range rows {
			outRows = append(outRows, resultRowResponse{
				ID:        row.ID,
				URLID:     row.URLID,
				Kind:      string(row.Kind),
				Data:      json.RawMessage(row.Payload),
				CreatedAt: row.CreatedAt,
			})
		}
		outFiles := make([]resultFileResponse, 0, len(files))
		for _, f := range files {
			outFiles = append(outFiles, toResultFileResponse(f))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job":     toJobResponse(job),
			"results": outRows,
			"files":   outFiles,
		})
	}
}
