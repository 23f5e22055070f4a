package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gsi-overlay/backend/internal/gsi"
	"github.com/gsi-overlay/backend/internal/scheduler"
	"github.com/gsi-overlay/backend/internal/session"
	"github.com/gsi-overlay/backend/internal/storage"
	"github.com/gsi-overlay/backend/internal/storage/memory"
	"github.com/gsi-overlay/backend/internal/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const knownToken = "known-token-123"

type nopOverlay struct{}

func (nopOverlay) Send(string, ws.Message)       {}
func (nopOverlay) Push(string, string, any) bool { return true }
func (nopOverlay) Forget(string)                 {}

type dispatchRecorder struct {
	mu     sync.Mutex
	tokens []string
	ctxErr []error
}

func (d *dispatchRecorder) Dispatch(ctx context.Context, snap *gsi.Snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens = append(d.tokens, snap.Token())
	d.ctxErr = append(d.ctxErr, ctx.Err())
}

func (d *dispatchRecorder) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

// countingUsers wraps a user store, counting lookups and optionally
// blocking them until release is closed.
type countingUsers struct {
	inner   Users
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
	err     error
}

func (u *countingUsers) UserByToken(ctx context.Context, token string) (storage.User, error) {
	u.calls.Add(1)
	if u.release != nil {
		u.entered <- struct{}{}
		<-u.release
	}
	if u.err != nil {
		return storage.User{}, u.err
	}
	return u.inner.UserByToken(ctx, token)
}

type fixture struct {
	now     time.Time
	store   *memory.Store
	users   *countingUsers
	cache   *session.Cache
	router  *dispatchRecorder
	handler *Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }

	f.store = memory.New()
	f.store.PutUser(storage.User{ID: "u1", Token: knownToken, Channel: "streamer"})
	f.users = &countingUsers{inner: f.store}
	f.cache = session.NewCache(&session.Deps{
		KV:        f.store,
		Docs:      f.store,
		Scheduler: scheduler.New(scheduler.WithClock(clock)),
		Slices:    nopOverlay{},
		Overlay:   nopOverlay{},
		Now:       clock,
	})
	f.router = &dispatchRecorder{}
	gate := NewTokenGate(f.users, 5*time.Minute, time.Second, WithGateClock(clock))
	f.handler = NewHandler(gate, f.cache, f.router, 1<<16)
	return f
}

func tick(token string, ts int64) []byte {
	return []byte(fmt.Sprintf(`{"auth":{"token":%q},"provider":{"timestamp":%d},"map":{"matchid":"m1","clock_time":30}}`, token, ts))
}

func (f *fixture) post(body []byte) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/gsi", bytes.NewReader(body)))
	return rec
}

func TestHandler_AcceptsKnownToken(t *testing.T) {
	f := newFixture(t)

	rec := f.post(tick(knownToken, 100))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["accepted"])

	assert.Equal(t, 1, f.router.count())
	s, ok := f.cache.Get(knownToken)
	require.True(t, ok)
	assert.Equal(t, "m1", s.MatchID())

	// Known sessions skip the user lookup.
	require.Equal(t, http.StatusOK, f.post(tick(knownToken, 101)).Code)
	assert.Equal(t, int32(1), f.users.calls.Load())
	assert.Equal(t, 2, f.router.count())
}

func TestHandler_OutOfOrderTickNotDispatched(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.post(tick(knownToken, 100)).Code)

	res, err := f.handler.Accept(context.Background(), tick(knownToken, 90))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, 1, f.router.count())
}

func TestHandler_Rejections(t *testing.T) {
	tests := []struct {
		name string
		body []byte
		want int
	}{
		{"malformed", []byte(`{"auth":`), http.StatusBadRequest},
		{"not an object", []byte(`[1,2]`), http.StatusBadRequest},
		{"missing token", []byte(`{"map":{"matchid":"m1"}}`), http.StatusUnauthorized},
		{"blank token", []byte(`{"auth":{"token":"  "}}`), http.StatusUnauthorized},
		{"unknown token", tick("nope", 1), http.StatusForbidden},
		{"too large", []byte(`{"auth":{"token":"` + strings.Repeat("x", 1<<17) + `"}}`), http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rec := f.post(tt.body)
			assert.Equal(t, tt.want, rec.Code)
			assert.Zero(t, f.router.count())
			assert.Zero(t, f.cache.Len())
		})
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/gsi", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandler_DispatchOutlivesRequest(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.post(tick(knownToken, 100)).Code)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := f.handler.Accept(ctx, tick(knownToken, 101))
	require.NoError(t, err)
	require.True(t, res.Accepted)

	f.router.mu.Lock()
	defer f.router.mu.Unlock()
	assert.NoError(t, f.router.ctxErr[1])
}

func TestGate_InvalidTokenRemembered(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusForbidden, f.post(tick("nope", 1)).Code)
	assert.Equal(t, http.StatusForbidden, f.post(tick("nope", 2)).Code)
	assert.Equal(t, int32(1), f.users.calls.Load())

	f.now = f.now.Add(5 * time.Minute)
	assert.Equal(t, http.StatusForbidden, f.post(tick("nope", 3)).Code)
	assert.Equal(t, int32(2), f.users.calls.Load())
}

func TestGate_ForgetAllowsRetry(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusForbidden, f.post(tick("late", 1)).Code)

	f.store.PutUser(storage.User{ID: "u2", Token: "late"})
	f.handler.gate.Forget("late")
	assert.Equal(t, http.StatusOK, f.post(tick("late", 2)).Code)
}

func TestGate_ConcurrentLookupReportsValidating(t *testing.T) {
	f := newFixture(t)
	f.users.entered = make(chan struct{})
	f.users.release = make(chan struct{})

	done := make(chan int)
	go func() { done <- f.post(tick(knownToken, 100)).Code }()

	select {
	case <-f.users.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first lookup never started")
	}
	assert.Equal(t, http.StatusTooManyRequests, f.post(tick(knownToken, 101)).Code)

	close(f.users.release)
	assert.Equal(t, http.StatusOK, <-done)
	assert.Equal(t, int32(1), f.users.calls.Load())
}

func TestGate_LookupFailureIsUnavailable(t *testing.T) {
	f := newFixture(t)
	f.users.err = errors.New("database is locked")

	assert.Equal(t, http.StatusServiceUnavailable, f.post(tick(knownToken, 100)).Code)

	// Failures are not remembered as invalid.
	f.users.err = nil
	assert.Equal(t, http.StatusOK, f.post(tick(knownToken, 101)).Code)
}

func TestGate_Prune(t *testing.T) {
	now := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)
	g := NewTokenGate(memory.New(), time.Minute, time.Second, WithGateClock(func() time.Time { return now }))

	for i := 0; i < 3; i++ {
		_, err := g.Check(context.Background(), fmt.Sprintf("t%d", i))
		require.ErrorIs(t, err, ErrInvalidToken)
	}
	assert.Equal(t, 3, g.InvalidCount())

	now = now.Add(time.Minute)
	g.Prune()
	assert.Zero(t, g.InvalidCount())
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusOK, StatusCode(nil))
	assert.Equal(t, http.StatusBadRequest, StatusCode(fmt.Errorf("x: %w", gsi.ErrMalformed)))
	assert.Equal(t, http.StatusTooManyRequests, StatusCode(ErrValidating))
	assert.Equal(t, http.StatusRequestEntityTooLarge, StatusCode(fmt.Errorf("read body: %w", &http.MaxBytesError{Limit: 1})))
}
