package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gsi-overlay/backend/internal/session"
	"github.com/gsi-overlay/backend/internal/storage"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
	// ErrValidating means another request is already looking the token up.
	ErrValidating = errors.New("token still validating")
)

// Users resolves a telemetry token to its owner.
type Users interface {
	UserByToken(ctx context.Context, token string) (storage.User, error)
}

// HealthRecorder observes the outcome of each user lookup.
type HealthRecorder interface {
	Record(dependency string, err error)
}

// pruneAbove bounds the invalid set between expiries.
const pruneAbove = 1024

// TokenGate validates unknown tokens against the user store. Rejected
// tokens are remembered for a while so repeats are refused without a
// lookup, and concurrent lookups for one token collapse into one.
type TokenGate struct {
	users         Users
	invalidTTL    time.Duration
	lookupTimeout time.Duration
	health        HealthRecorder
	now           func() time.Time

	mu       sync.Mutex
	invalid  map[string]time.Time // token -> expiry
	inflight map[string]struct{}
}

type GateOption func(*TokenGate)

func WithGateClock(now func() time.Time) GateOption {
	return func(g *TokenGate) {
		if now != nil {
			g.now = now
		}
	}
}

func WithGateHealth(h HealthRecorder) GateOption {
	return func(g *TokenGate) { g.health = h }
}

func NewTokenGate(users Users, invalidTTL, lookupTimeout time.Duration, opts ...GateOption) *TokenGate {
	g := &TokenGate{
		users:         users,
		invalidTTL:    invalidTTL,
		lookupTimeout: lookupTimeout,
		now:           time.Now,
		invalid:       make(map[string]time.Time),
		inflight:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check looks token up. It returns ErrInvalidToken for unknown or recently
// rejected tokens and ErrValidating while another lookup is in flight.
func (g *TokenGate) Check(ctx context.Context, token string) (storage.User, error) {
	if token == "" {
		return storage.User{}, ErrMissingToken
	}

	g.mu.Lock()
	now := g.now()
	if exp, ok := g.invalid[token]; ok {
		if now.Before(exp) {
			g.mu.Unlock()
			return storage.User{}, ErrInvalidToken
		}
		delete(g.invalid, token)
	}
	if _, ok := g.inflight[token]; ok {
		g.mu.Unlock()
		return storage.User{}, ErrValidating
	}
	g.inflight[token] = struct{}{}
	g.mu.Unlock()

	lctx, cancel := context.WithTimeout(ctx, g.lookupTimeout)
	user, err := g.users.UserByToken(lctx, token)
	cancel()

	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inflight, token)

	if errors.Is(err, storage.ErrNotFound) {
		g.record(nil)
		g.invalid[token] = g.now().Add(g.invalidTTL)
		if len(g.invalid) > pruneAbove {
			g.pruneLocked(g.now())
		}
		return storage.User{}, ErrInvalidToken
	}
	g.record(err)
	if err != nil {
		return storage.User{}, fmt.Errorf("look up token: %w", err)
	}
	return user, nil
}

func (g *TokenGate) record(err error) {
	if g.health != nil {
		g.health.Record(session.DepDocuments, err)
	}
}

// Forget drops token from the invalid set, e.g. after the user registers.
func (g *TokenGate) Forget(token string) {
	g.mu.Lock()
	delete(g.invalid, token)
	g.mu.Unlock()
}

// Prune drops expired entries from the invalid set.
func (g *TokenGate) Prune() {
	g.mu.Lock()
	g.pruneLocked(g.now())
	g.mu.Unlock()
}

func (g *TokenGate) pruneLocked(now time.Time) {
	for token, exp := range g.invalid {
		if !now.Before(exp) {
			delete(g.invalid, token)
		}
	}
}

// InvalidCount is the size of the invalid set.
func (g *TokenGate) InvalidCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.invalid)
}
