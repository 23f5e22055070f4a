package session

import (
	"errors"
	"testing"

	"github.com/gsi-overlay/backend/internal/events"
	"github.com/gsi-overlay/backend/internal/gsi"
	"github.com/gsi-overlay/backend/internal/storage"
	"github.com/gsi-overlay/backend/internal/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipeline struct {
	*harness
	cache  *Cache
	reg    *events.Registry
	router *gsi.Router
}

func newPipeline(t *testing.T) *pipeline {
	h := newHarness(t)
	cache := NewCache(h.deps)
	reg := events.NewRegistry()
	RegisterHandlers(reg, cache)
	return &pipeline{harness: h, cache: cache, reg: reg, router: gsi.NewRouter(reg)}
}

// tick ingests b for its session and dispatches it through the router,
// waiting for every handler.
func (p *pipeline) tick(b body) {
	p.t.Helper()
	snap := mustSnap(p.t, b)
	s, _ := p.cache.GetOrCreate(snap.Token(), p.user)
	require.True(p.t, s.Ingest(snap))
	p.router.Dispatch(p.ctx, snap)
	p.reg.Wait()
}

func TestHandlers_AegisClearedWhenHolderDies(t *testing.T) {
	p := newPipeline(t)

	p.tick(tickBody(100, 600).withEvents(body{"event_type": "aegis_picked_up", "game_time": 600, "player_id": 3}))
	var rec AegisRecord
	found, err := storage.GetJSON(p.ctx, p.store, TokenKey(testToken, keyAegis), &rec)
	require.NoError(t, err)
	require.True(t, found)

	dead := tickBody(101, 601)
	dead.sub("hero")["alive"] = false
	dead["previously"] = body{"hero": body{"alive": true}}
	p.tick(dead)

	_, err = p.store.Get(p.ctx, TokenKey(testToken, keyAegis))
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	msgs := p.overlay.ofType(ws.MsgAegisPickedUp)
	require.Len(t, msgs, 2)
	assert.Equal(t, emptyPayload, msgs[1].Payload)
}

func TestHandlers_OtherPlayerDeathKeepsAegis(t *testing.T) {
	p := newPipeline(t)

	p.tick(tickBody(100, 600).withEvents(body{"event_type": "aegis_picked_up", "game_time": 600, "player_id": 7}))

	dead := tickBody(101, 601)
	dead.sub("hero")["alive"] = false
	dead["previously"] = body{"hero": body{"alive": true}}
	p.tick(dead)

	assert.Len(t, p.store.Keys(TokenKey(testToken, keyAegis)), 1)
}

func TestHandlers_KillStreakAndAlias(t *testing.T) {
	p := newPipeline(t)
	p.tick(tickBody(100, 30))

	streak := tickBody(101, 31)
	streak.sub("player")["kill_streak"] = 3
	streak["previously"] = body{"player": body{"kill_streak": 2}}
	p.tick(streak)
	require.Equal(t, 1, p.sched.Size())

	p.advance(streakWindow)
	assert.Equal(t, []string{"Axe is on a 3 kill streak"}, p.chat.said())

	s, ok := p.cache.ByAlias("42")
	require.True(t, ok)
	assert.Equal(t, testToken, s.Token)
}

func TestHandlers_UnknownAndDisabledTokensIgnored(t *testing.T) {
	p := newPipeline(t)

	b := tickBody(100, 600).withEvents(body{"event_type": "roshan_killed", "game_time": 600})
	p.router.Dispatch(p.ctx, mustSnap(t, b))
	p.reg.Wait()
	assert.Empty(t, p.overlay.ofType(ws.MsgRoshanKilled))

	s, _ := p.cache.GetOrCreate(testToken, p.user)
	require.True(t, s.Ingest(mustSnap(t, b)))
	s.Disable()
	p.router.Dispatch(p.ctx, mustSnap(t, b))
	p.reg.Wait()
	assert.Empty(t, p.overlay.ofType(ws.MsgRoshanKilled))
}
