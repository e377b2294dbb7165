// Package token issues and verifies the two bearer token kinds: access
// tokens for user sessions and job tokens scoped to a single job. The kinds
// are signed with distinct secrets, so one can never verify as the other.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

const (
	kindAccess = "access"
	kindJob    = "job"

	// clockSkew bounds how far apart the issuing and verifying clocks may
	// drift before exp/iat checks misfire.
	clockSkew = 60 * time.Second
)

type claims struct {
	Kind  string `json:"kind"`
	JobID string `json:"job_id,omitempty"`
	jwt.RegisteredClaims
}

// Service implements domain.TokenService on HMAC-SHA256 JWTs.
type Service struct {
	userSecret []byte
	jobSecret  []byte
	accessTTL  time.Duration
	jobTTL     time.Duration
	now        func() time.Time
}

func NewService(userSecret, jobSecret string, accessTTL, jobTTL time.Duration) *Service {
	return &Service{
		userSecret: []byte(userSecret),
		jobSecret:  []byte(jobSecret),
		accessTTL:  accessTTL,
		jobTTL:     jobTTL,
		now:        time.Now,
	}
}

// IssueAccess mints a user session token.
func (s *Service) IssueAccess(userID string) (string, error) {
	signed, err := s.sign(s.userSecret, claims{
		Kind:             kindAccess,
		RegisteredClaims: s.registered(userID, s.accessTTL),
	})
	if err != nil {
		return "", fmt.Errorf("op=token.IssueAccess: %w", err)
	}
	return signed, nil
}

// IssueJob mints a job-scoped token. ttl is clamped to the configured cap;
// zero means the cap.
func (s *Service) IssueJob(jobID, userID string, ttl time.Duration) (string, error) {
	if ttl <= 0 || ttl > s.jobTTL {
		ttl = s.jobTTL
	}
	signed, err := s.sign(s.jobSecret, claims{
		Kind:             kindJob,
		JobID:            jobID,
		RegisteredClaims: s.registered(userID, ttl),
	})
	if err != nil {
		return "", fmt.Errorf("op=token.IssueJob: %w", err)
	}
	return signed, nil
}

// VerifyAccess checks a user session token and returns the user id.
func (s *Service) VerifyAccess(token string) (string, error) {
	c, err := s.verify(token, s.userSecret, kindAccess)
	if err != nil {
		return "", err
	}
	return c.Subject, nil
}

// VerifyJob checks a job token and returns the job binding.
func (s *Service) VerifyJob(token string) (domain.JobClaims, error) {
	c, err := s.verify(token, s.jobSecret, kindJob)
	if err != nil {
		return domain.JobClaims{}, err
	}
	return domain.JobClaims{JobID: c.JobID, UserID: c.Subject}, nil
}

func (s *Service) registered(subject string, ttl time.Duration) jwt.RegisteredClaims {
	now := s.now()
	return jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func (s *Service) sign(secret []byte, c claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(secret)
}

func (s *Service) verify(raw string, secret []byte, wantKind string) (*claims, error) {
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c,
		func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(clockSkew),
		jwt.WithTimeFunc(s.now),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("op=token.verify: %w", mapJWTError(err))
	}
	if c.Kind != wantKind {
		return nil, fmt.Errorf("op=token.verify: got kind %q: %w", c.Kind, domain.ErrTokenWrongKind)
	}
	if c.Subject == "" || (wantKind == kindJob && c.JobID == "") {
		return nil, fmt.Errorf("op=token.verify: missing claims: %w", domain.ErrTokenMalformed)
	}
	return &c, nil
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return domain.ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return domain.ErrTokenBadSignature
	default:
		return domain.ErrTokenMalformed
	}
}
