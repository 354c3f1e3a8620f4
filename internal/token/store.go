// Package token provides the bearer token consumed by the transport
// and the fallback API client. Acquisition and refresh are external;
// this store only caches the current token and guards refresh.
package token

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/trailsense/fieldtrack/internal/wire"
	"github.com/trailsense/fieldtrack/pkg/logger"
)

// RefreshFunc obtains a fresh bearer token from the external auth
// collaborator.
type RefreshFunc func(ctx context.Context) (string, error)

// expiryLeeway is how long before the recorded expiry a token is
// already treated as stale, so callers never present a token that dies
// mid-request.
const expiryLeeway = 30 * time.Second

// Store caches one bearer token and refreshes it through a RefreshFunc.
// Only one refresh may be in flight at a time: callers arriving while a
// refresh is outstanding await the same operation instead of starting a
// second one.
type Store struct {
	logger  *logger.Logger
	refresh RefreshFunc

	mu        chan struct{} // context-aware mutex, see lock()
	token     string
	expiresAt time.Time
	pending   chan struct{} // closed when the in-flight refresh settles
	lastTok   string
	lastErr   error
}

// NewStore creates a store seeded with an initial token. The expiry is
// read from the token's JWT claims when present; a token without an exp
// claim never goes stale on its own.
func NewStore(initial string, refresh RefreshFunc, log *logger.Logger) *Store {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	s := &Store{
		logger:  log.WithComponent("token-store"),
		refresh: refresh,
		mu:      make(chan struct{}, 1),
	}
	s.token = initial
	s.expiresAt = expiryOf(initial)
	return s
}

func (s *Store) lock(ctx context.Context) error {
	select {
	case s.mu <- struct{}{}:
		return nil
	case <-ctx.Done():
		return wire.WrapError(ctx.Err(), wire.CodeConnectivity, "cancelled while waiting for token")
	}
}

func (s *Store) unlock() { <-s.mu }

// Token returns the cached bearer token, refreshing it first when it
// is missing or within the expiry leeway.
func (s *Store) Token(ctx context.Context) (string, error) {
	for {
		if err := s.lock(ctx); err != nil {
			return "", err
		}

		if s.valid() {
			tok := s.token
			s.unlock()
			return tok, nil
		}

		if s.pending != nil {
			// A refresh is already in flight; await it.
			wait := s.pending
			s.unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return "", wire.WrapError(ctx.Err(), wire.CodeConnectivity, "cancelled while awaiting token refresh")
			}
			if err := s.lock(ctx); err != nil {
				return "", err
			}
			tok, err := s.lastTok, s.lastErr
			s.unlock()
			if err != nil {
				return "", err
			}
			return tok, nil
		}

		settled := make(chan struct{})
		s.pending = settled
		s.unlock()

		tok, err := s.refresh(ctx)

		if lockErr := s.lock(context.Background()); lockErr != nil {
			return "", lockErr
		}
		if err == nil {
			s.token = tok
			s.expiresAt = expiryOf(tok)
			s.logger.Debug("bearer token refreshed")
		} else {
			err = wire.WrapError(err, wire.CodeConnectivity, "token refresh failed")
			s.logger.Warn("bearer token refresh failed")
		}
		s.lastTok, s.lastErr = tok, err
		s.pending = nil
		close(settled)
		s.unlock()

		if err != nil {
			return "", err
		}
		return tok, nil
	}
}

// Invalidate drops the cached token so the next Token call refreshes.
func (s *Store) Invalidate() {
	s.mu <- struct{}{}
	s.token = ""
	s.expiresAt = time.Time{}
	<-s.mu
}

func (s *Store) valid() bool {
	if s.token == "" {
		return false
	}
	if s.expiresAt.IsZero() {
		return true
	}
	return time.Until(s.expiresAt) > expiryLeeway
}

// expiryOf reads the exp claim without verifying the signature; the
// server verifies, this side only schedules refreshes.
func expiryOf(tok string) time.Time {
	if tok == "" {
		return time.Time{}
	}
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tok, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
