// Package auth validates client credentials, enforces rate-limited
// lockout, and mints short-lived AuthTokens.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/mysqlbak/transfer/internal/audit"
	"github.com/mysqlbak/transfer/internal/credentialstore"
	"github.com/mysqlbak/transfer/internal/errs"
)

const (
	defaultReplayWindow   = 5 * time.Minute
	defaultTokenValidity  = 1 * time.Hour
	defaultMaxAttempts    = 5
	defaultLockoutPeriod  = 5 * time.Minute
	defaultSweepIdleRatio = 2
)

// Store is the subset of credentialstore.Store that AuthService needs.
type Store interface {
	Get(ctx context.Context, clientID string) (credentialstore.ClientRecord, error)
}

// Config tunes AuthService's rate-limit and token parameters.
type Config struct {
	MaxAttempts     int
	LockoutDuration time.Duration
	ReplayWindow    time.Duration
	TokenValidity   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.LockoutDuration == 0 {
		c.LockoutDuration = defaultLockoutPeriod
	}
	if c.ReplayWindow == 0 {
		c.ReplayWindow = defaultReplayWindow
	}
	if c.TokenValidity == 0 {
		c.TokenValidity = defaultTokenValidity
	}
	return c
}

// Service implements client authentication and token introspection.
type Service struct {
	store  Store
	bucket Bucket
	tokens *tokenStore
	audit  *audit.Log
	cfg    Config

	now func() time.Time
}

// New constructs an AuthService. audit may be nil if no audit log is
// wired (the core still functions; only the audit trail is skipped).
func New(store Store, bucket Bucket, auditLog *audit.Log, cfg Config) *Service {
	if bucket == nil {
		bucket = NewMemoryBucket()
	}
	return &Service{
		store:  store,
		bucket: bucket,
		tokens: newTokenStore(),
		audit:  auditLog,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
	}
}

// Authenticate runs the five authentication rules in order: replay
// guard, lockout short-circuit, credential load+verify, success
// bookkeeping, and audit logging of the outcome.
func (s *Service) Authenticate(ctx context.Context, clientID, secret string, requestTimestamp time.Time) (Token, error) {
	start := s.now()
	record := func(outcome audit.Outcome, errMsg string) {
		if s.audit == nil {
			return
		}
		s.audit.LogEvent(audit.Event{
			ClientID:       clientID,
			Operation:      audit.OpAuthenticate,
			Outcome:        outcome,
			ErrorMessage:   errMsg,
			DurationMillis: s.now().Sub(start).Milliseconds(),
		})
	}

	// Rule 1: replay guard.
	if drift := s.now().Sub(requestTimestamp); drift > s.cfg.ReplayWindow || drift < -s.cfg.ReplayWindow {
		s.bucket.RecordFailure(clientID)
		record(audit.OutcomeFailure, "replay guard")
		return Token{}, errs.New(errs.KindAuth, "AuthService.authenticate", fmt.Errorf("invalid credentials"))
	}

	// Rule 2: lockout short-circuit, no secret comparison performed.
	if s.bucket.LockedOut(clientID, s.cfg.MaxAttempts, s.cfg.LockoutDuration) {
		record(audit.OutcomeFailure, "locked out")
		return Token{}, errs.New(errs.KindLockedOut, "AuthService.authenticate", fmt.Errorf("invalid credentials"))
	}

	// Rule 3: load + verify.
	rec, err := s.store.Get(ctx, clientID)
	if err != nil || !rec.Active || rec.Expired(s.now()) {
		s.bucket.RecordFailure(clientID)
		record(audit.OutcomeFailure, "invalid credentials")
		return Token{}, errs.New(errs.KindAuth, "AuthService.authenticate", fmt.Errorf("invalid credentials"))
	}
	if !credentialstore.VerifySecret(secret, rec.HashedSecret, rec.Salt) {
		s.bucket.RecordFailure(clientID)
		record(audit.OutcomeFailure, "invalid credentials")
		return Token{}, errs.New(errs.KindAuth, "AuthService.authenticate", fmt.Errorf("invalid credentials"))
	}

	// Rule 4: success.
	s.bucket.Clear(clientID)
	token, err := s.tokens.mint(clientID, rec.Permissions, s.cfg.TokenValidity)
	if err != nil {
		record(audit.OutcomeFailure, "token mint failed")
		return Token{}, errs.New(errs.KindInternal, "AuthService.authenticate", err)
	}
	record(audit.OutcomeSuccess, "")
	return token, nil
}

// Introspect validates tokenID and returns the associated Token,
// touching its LastUsedAt.
func (s *Service) Introspect(ctx context.Context, tokenID string) (Token, error) {
	t, ok := s.tokens.get(tokenID)
	if !ok {
		return Token{}, errs.New(errs.KindTokenExp, "AuthService.introspect", fmt.Errorf("token expired or unknown"))
	}
	return t, nil
}

// Revoke invalidates a token immediately.
func (s *Service) Revoke(tokenID string) { s.tokens.revoke(tokenID) }

// StartBackgroundSweep runs the periodic purge of idle attempt buckets
// and expired tokens until ctx is cancelled, clearing buckets idle
// longer than 2x the configured lockout duration.
func (s *Service) StartBackgroundSweep(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		idle := defaultSweepIdleRatio * s.cfg.LockoutDuration
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.bucket.PurgeIdle(idle)
				s.tokens.purgeExpired()
			}
		}
	}()
}
