package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gsi-overlay/backend/internal/gsi"
	"github.com/gsi-overlay/backend/internal/platform/matchdata"
	"github.com/gsi-overlay/backend/internal/platform/predictions"
	"github.com/gsi-overlay/backend/internal/scheduler"
	"github.com/gsi-overlay/backend/internal/storage"
	"github.com/gsi-overlay/backend/internal/storage/memory"
	"github.com/gsi-overlay/backend/internal/ws"
	"github.com/stretchr/testify/require"
)

const testToken = "tok-0123456789"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// overlayRecorder stands in for both the hub and the multiplexer.
type overlayRecorder struct {
	mu     sync.Mutex
	msgs   []ws.Message
	pushes map[string]int
	forgot []string
}

func (o *overlayRecorder) Send(_ string, msg ws.Message) {
	o.mu.Lock()
	o.msgs = append(o.msgs, msg)
	o.mu.Unlock()
}

func (o *overlayRecorder) Push(_, entity string, _ any) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pushes == nil {
		o.pushes = make(map[string]int)
	}
	o.pushes[entity]++
	return true
}

func (o *overlayRecorder) Forget(token string) {
	o.mu.Lock()
	o.forgot = append(o.forgot, token)
	o.mu.Unlock()
}

func (o *overlayRecorder) ofType(t ws.MessageType) []ws.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []ws.Message
	for _, m := range o.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type fakeChat struct {
	mu    sync.Mutex
	lines []string
}

func (c *fakeChat) Send(_ context.Context, _, text, _ string) error {
	c.mu.Lock()
	c.lines = append(c.lines, text)
	c.mu.Unlock()
	return nil
}

func (c *fakeChat) said() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

type fakePredictions struct {
	mu         sync.Mutex
	createID   string
	createErr  error
	resolveErr error
	created    []predictions.Request
	resolved   []int
}

func (p *fakePredictions) Create(_ context.Context, r predictions.Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, r)
	return p.createID, p.createErr
}

func (p *fakePredictions) Resolve(_ context.Context, _, _ string, winning int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resolved = append(p.resolved, winning)
	return p.resolveErr
}

type fakeMatches struct {
	mu      sync.Mutex
	details *matchdata.Details
	calls   int
}

func (m *fakeMatches) MatchDetails(_ context.Context, _ string) (*matchdata.Details, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.details == nil {
		return nil, matchdata.ErrNotFound
	}
	return m.details, nil
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	clock   *testClock
	store   *memory.Store
	sched   *scheduler.Scheduler
	overlay *overlayRecorder
	chat    *fakeChat
	preds   *fakePredictions
	user    storage.User
	deps    *Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)}
	store := memory.New()
	overlay := &overlayRecorder{}
	chat := &fakeChat{}
	preds := &fakePredictions{createID: "pred-1"}
	user := storage.User{
		ID:          "user-1",
		Token:       testToken,
		Channel:     "streamer",
		AccountID:   "42",
		BetsEnabled: true,
		ChatEnabled: true,
		Rank:        1000,
	}
	store.PutUser(user)
	sched := scheduler.New(scheduler.WithClock(clock.Now))

	return &harness{
		t:       t,
		ctx:     context.Background(),
		clock:   clock,
		store:   store,
		sched:   sched,
		overlay: overlay,
		chat:    chat,
		preds:   preds,
		user:    user,
		deps: &Deps{
			KV:          store,
			Docs:        store,
			Scheduler:   sched,
			Slices:      overlay,
			Overlay:     overlay,
			Predictions: preds,
			Chat:        chat,
			CallTimeout: time.Second,
			Now:         clock.Now,
		},
	}
}

func (h *harness) withMatches(d *matchdata.Details) *fakeMatches {
	m := &fakeMatches{details: d}
	h.deps.Matches = m
	return m
}

func (h *harness) session() *Session {
	return New(testToken, h.user, h.deps)
}

// advance moves the clock and runs whatever fell due.
func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.sched.RunDue(h.ctx)
}

// feed accepts b as the next tick and runs the per-tick work.
func (h *harness) feed(s *Session, b body) *gsi.Snapshot {
	h.t.Helper()
	snap := mustSnap(h.t, b)
	require.True(h.t, s.Ingest(snap))
	s.HandleNewData(h.ctx, snap)
	return snap
}

type body map[string]any

// tickBody is an in-progress tick for match m1 with clock_time clock.
func tickBody(ts, clock int64) body {
	return body{
		"auth":     body{"token": testToken},
		"provider": body{"timestamp": ts},
		"map": body{
			"matchid":    "m1",
			"clock_time": clock,
			"game_time":  clock,
			"game_state": gsi.StateInProgress,
			"win_team":   "none",
		},
		"player": body{"team_name": "radiant", "player_slot": 3, "accountid": "42", "kill_streak": 0},
		"hero":   body{"name": "npc_dota_hero_axe", "alive": true, "level": 6, "max_mana": 400},
		"items": body{
			"slot0":     body{"name": "empty"},
			"teleport0": body{"name": "item_tpscroll", "charges": 1},
		},
	}
}

func (b body) sub(name string) body { return b[name].(body) }

func (b body) withEvents(evs ...body) body {
	b["events"] = evs
	return b
}

func mustSnap(t *testing.T, b body) *gsi.Snapshot {
	t.Helper()
	raw, err := json.Marshal(b)
	require.NoError(t, err)
	snap, err := gsi.Parse(raw)
	require.NoError(t, err)
	return snap
}
