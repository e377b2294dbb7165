package httpserver

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

type userIDKey struct{}
type jobClaimsKey struct{}

// UserIDFrom returns the user id stored by RequireUser, or "" when the
// request never passed that middleware.
func UserIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey{}).(string); ok {
		return v
	}
	return ""
}

// JobClaimsFrom returns the verified job claims stored by RequireJobToken.
func JobClaimsFrom(ctx context.Context) (domain.JobClaims, bool) {
	v, ok := ctx.Value(jobClaimsKey{}).(domain.JobClaims)
	return v, ok
}

func bearerToken(r *http.Request) string {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(raw)
}

// RequireUser verifies the access token and stores the subject user id in
// the request context.
func (s *Server) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := bearerToken(r)
		if tok == "" {
			writeError(w, r, fmt.Errorf("%w: missing bearer token", domain.ErrUnauthenticated), nil)
			return
		}
		userID, err := s.Tokens.VerifyAccess(tok)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireJobToken verifies the job capability token and stores its claims
// in the request context. Handlers downstream trust the claims; every
// ingest operation still re-checks them against the job row.
func (s *Server) RequireJobToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := bearerToken(r)
		if tok == "" {
			writeError(w, r, fmt.Errorf("%w: missing bearer token", domain.ErrUnauthenticated), nil)
			return
		}
		claims, err := s.Tokens.VerifyJob(tok)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		ctx := context.WithValue(r.Context(), jobClaimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminGuard protects the admin surface with HTTP basic auth. The surface
// reads as not_found unless both credentials are configured.
func (s *Server) AdminGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.Cfg.AdminEnabled() {
			writeError(w, r, fmt.Errorf("%w: admin surface disabled", domain.ErrNotFound), nil)
			return
		}
		user, pass, ok := r.BasicAuth()
		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.Cfg.AdminUsername)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.Cfg.AdminPassword)) == 1
		if !ok || !userOK || !passOK {
			w.Header().Set("WWW-Authenticate", `Basic realm="admin"`)
			writeError(w, r, fmt.Errorf("%w: admin credentials rejected", domain.ErrUnauthenticated), nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RegisterHandler creates a user with the configured signup defaults.
func (s *Server) RegisterHandler() http.HandlerFunc {
	type request struct {
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required,min=8"`
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
		u, err := s.Auth.Register(r.Context(), req.Email, req.Password)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{"user": toUserResponse(u)})
	}
}

// LoginHandler exchanges credentials for an access token.
func (s *Server) LoginHandler() http.HandlerFunc {
	type request struct {
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required"`
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
		token, u, err := s.Auth.Login(r.Context(), req.Email, req.Password)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"token": token, "user": toUserResponse(u)})
	}
}
