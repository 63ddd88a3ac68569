// Package token manages the signed credential that authorizes deploy
// requests. Tokens are JWTs signed by the backend with the holder's API
// key, so validity and expiry are checked locally without a network
// round trip.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/orbit88/cube.js/internal/cloud"
	"github.com/orbit88/cube.js/internal/retry"
	"github.com/orbit88/cube.js/pkg/logger"
)

// ErrNoCredentials indicates no API key is configured. The caller must
// run auth login first.
var ErrNoCredentials = errors.New("no API key configured; run 'cube auth login'")

// Claims is the JWT payload issued by the backend.
type Claims struct {
	Fingerprint string `json:"fingerprint,omitempty"`
	jwtlib.RegisteredClaims
}

// Token is a validated credential with its lifetime.
type Token struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Fresh reports whether the token is still usable at now, leaving skew
// as a safety margin so a token never expires mid-request.
func (t Token) Fresh(now time.Time, skew time.Duration) bool {
	if t.Value == "" || t.ExpiresAt.IsZero() {
		return false
	}
	return now.Add(skew).Before(t.ExpiresAt)
}

// AuthAPI is the slice of the backend client the manager needs.
type AuthAPI interface {
	Authenticate(ctx context.Context, apiKey, fingerprint string) (cloud.AuthResponse, error)
}

// Store persists tokens between CLI invocations. Implementations may be
// nil-safe no-ops; the manager works without one.
type Store interface {
	LoadToken() (value string, ok bool)
	StoreToken(value string, expiry time.Time) error
}

// Manager owns the process-scoped token state. Pass the instance
// explicitly to whatever drives the deploy; there is no package-level
// singleton.
type Manager struct {
	api         AuthAPI
	apiKey      string
	fingerprint string
	policy      retry.Policy
	skew        time.Duration
	store       Store
	log         *slog.Logger

	now    func() time.Time
	cached Token
}

// NewManager creates a Manager for the given credentials and machine
// fingerprint.
func NewManager(api AuthAPI, apiKey, fingerprint string, policy retry.Policy, skew time.Duration, store Store, log *slog.Logger) *Manager {
	if log == nil {
		log = logger.Discard()
	}
	if skew <= 0 {
		skew = 30 * time.Second
	}
	return &Manager{
		api:         api,
		apiKey:      strings.TrimSpace(apiKey),
		fingerprint: fingerprint,
		policy:      policy,
		skew:        skew,
		store:       store,
		log:         log,
		now:         time.Now,
	}
}

// Token returns a valid, non-expired token, refreshing from the backend
// only when the cached one is absent, invalid, or about to expire. A
// cache hit makes zero network calls.
func (m *Manager) Token(ctx context.Context) (Token, error) {
	if m.apiKey == "" {
		return Token{}, ErrNoCredentials
	}
	now := m.now()

	if m.cached.Fresh(now, m.skew) {
		return m.cached, nil
	}
	if m.store != nil {
		if value, ok := m.store.LoadToken(); ok {
			if tok, err := m.validate(value); err == nil && tok.Fresh(now, m.skew) {
				m.cached = tok
				return tok, nil
			}
		}
	}
	return m.refresh(ctx)
}

// Invalidate drops the cached token so the next call refreshes.
func (m *Manager) Invalidate() {
	m.cached = Token{}
}

func (m *Manager) refresh(ctx context.Context) (Token, error) {
	var resp cloud.AuthResponse
	retries, err := m.policy.Do(ctx, func() error {
		var opErr error
		resp, opErr = m.api.Authenticate(ctx, m.apiKey, m.fingerprint)
		if opErr != nil && !cloud.Transient(opErr) {
			return retry.Permanent(opErr)
		}
		return opErr
	})
	if err != nil {
		return Token{}, fmt.Errorf("obtain auth token: %w", err)
	}
	if retries > 0 {
		m.log.Debug("auth token obtained after retries", "retries", retries)
	}

	tok, err := m.validate(resp.Token)
	if err != nil {
		return Token{}, fmt.Errorf("backend issued unusable token: %w", err)
	}
	m.cached = tok
	if m.store != nil {
		if err := m.store.StoreToken(tok.Value, tok.ExpiresAt); err != nil {
			m.log.Warn("persist token failed", "error", err)
		}
	}
	return tok, nil
}

// validate checks the token signature against the API key and extracts
// its lifetime from the claims.
func (m *Manager) validate(value string) (Token, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Token{}, errors.New("empty token")
	}
	parsed, err := jwtlib.ParseWithClaims(value, &Claims{}, func(t *jwtlib.Token) (interface{}, error) {
		return []byte(m.apiKey), nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}))
	if err != nil {
		return Token{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Token{}, jwtlib.ErrTokenInvalidClaims
	}
	if claims.ExpiresAt == nil {
		return Token{}, errors.New("token missing expiry claim")
	}
	tok := Token{Value: value, ExpiresAt: claims.ExpiresAt.Time}
	if claims.IssuedAt != nil {
		tok.IssuedAt = claims.IssuedAt.Time
	}
	return tok, nil
}
