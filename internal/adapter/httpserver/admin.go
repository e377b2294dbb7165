package httpserver

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

// The admin surface is operator tooling: credit refills, account penalty
// resets and queue inspection. Everything here sits behind AdminGuard.

// RefillCreditsHandler adds credits to a user balance.
func (s *Server) RefillCreditsHandler() http.HandlerFunc {
	type request struct {
		Amount int64 `json:"amount" validate:"required,gt=0"`
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
		u, err := s.Admin.RefillCredits(r.Context(), chi.URLParam(r, "id"), req.Amount)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"user": toUserResponse(u)})
	}
}

// ResetAccountHandler clears an account's penalties so it can be scheduled
// again: blocks, cooldowns, failure counters and today's usage.
func (s *Server) ResetAccountHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, err := s.Admin.ResetAccount(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toAccountResponse(acct))
	}
}

// QueueStatsHandler reports queue depths.
func (s *Server) QueueStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Admin.QueueStats(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

type deadItemResponse struct {
	JobID      string    `json:"job_id"`
	URLID      string    `json:"url_id"`
	Priority   int       `json:"priority"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// DeadLettersHandler lists dead-lettered tickets, oldest first.
func (s *Server) DeadLettersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := int64(queryInt(r, "limit", 100))
		if limit < 1 || limit > 1000 {
			limit = 100
		}
		items, err := s.Admin.DeadLetters(r.Context(), limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]deadItemResponse, 0, len(items))
		for _, it := range items {
			out = append(out, deadItemResponse{
				JobID:      it.JobID,
				URLID:      it.URLID,
				Priority:   it.Priority,
				Attempts:   it.Attempts,
				EnqueuedAt: it.EnqueuedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"items": out, "count": len(out)})
	}
}

// RequeueDeadHandler moves dead-lettered tickets back to the ready queue
// with their attempt counters cleared.
func (s *Server) RequeueDeadHandler() http.HandlerFunc {
	type request struct {
		Limit int64 `json:"limit"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		req := request{Limit: 100}
		if r.ContentLength > 0 {
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, r, err, nil)
				return
			}
		}
		if req.Limit < 1 || req.Limit > 1000 {
			req.Limit = 100
		}
		n, err := s.Admin.RequeueDead(r.Context(), req.Limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"requeued": n})
	}
}
