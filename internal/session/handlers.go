package session

import (
	"context"

	"github.com/gsi-overlay/backend/internal/events"
	"github.com/gsi-overlay/backend/internal/gsi"
	"github.com/gsi-overlay/backend/internal/ws"
)

// Routed event names the session reacts to.
const (
	EventHeroAlive  = "hero.alive"
	EventKillStreak = "player.kill_streak"
	EventGameState  = "map.game_state"
	EventWinTeam    = "map.win_team"
)

// overlaySlices maps each overlay entity type to the snapshot section it
// is built from.
var overlaySlices = []struct {
	entity string
	path   string
}{
	{"hero", "hero"},
	{"items", "items"},
	{"player", "player"},
	{"minimap", "minimap"},
	{"buildings", "buildings"},
}

// HandleNewData runs the per-tick work for the full snapshot body. A
// failing step is logged by the step itself and the rest still run.
func (s *Session) HandleNewData(ctx context.Context, snap *gsi.Snapshot) {
	if s.Disabled() {
		return
	}

	slot, hasSlot := snap.PlayerSlot()
	matchChanged := s.mirrorIdentity(ctx, identity{
		matchID: snap.MatchID(),
		team:    snap.Team(),
		slot:    slot,
		hasSlot: hasSlot,
		hero:    snap.HeroName(),
	})
	if matchChanged {
		s.send(ws.MsgRefresh, emptyPayload)
	}

	s.handleDiscreteEvents(ctx, snap)

	if clockTime, ok := snap.ClockTime(); ok && snap.Playing() {
		s.lookupTurbo(ctx)
		s.runClockChecks(ctx, clockTime)
		s.checkMidas(ctx, snap, clockTime)
		s.checkTeleport(ctx, snap, clockTime)
		s.checkTreads(ctx, snap)
	}

	s.pushSlices(snap)
}

func (s *Session) pushSlices(snap *gsi.Snapshot) {
	for _, sl := range overlaySlices {
		r := snap.Get(sl.path)
		if !r.Exists() {
			continue
		}
		s.deps.Slices.Push(s.Token, sl.entity, r.Value())
	}
}

// RegisterHandlers binds routed event names to the sessions held by cache.
// Events for unknown or disabled tokens are ignored.
func RegisterHandlers(reg *events.Registry, cache *Cache) {
	on := func(name string, fn func(ctx context.Context, s *Session, ev events.Event) error) {
		reg.Register(name, func(ctx context.Context, ev events.Event) error {
			s, ok := cache.Get(ev.Token)
			if !ok || s.Disabled() {
				return nil
			}
			return fn(ctx, s, ev)
		})
	}

	on(events.NewData, func(ctx context.Context, s *Session, ev events.Event) error {
		snap := gsi.FromResult(ev.Value)
		if acct := snap.AccountID(); acct != "" {
			cache.Alias(acct, s.Token)
		}
		s.HandleNewData(ctx, snap)
		return nil
	})
	on(EventHeroAlive, func(ctx context.Context, s *Session, ev events.Event) error {
		s.HandleHeroAlive(ctx, ev.Value.Bool())
		return nil
	})
	on(EventKillStreak, func(ctx context.Context, s *Session, ev events.Event) error {
		s.HandleKillStreak(ctx, ev.Value.Int())
		return nil
	})
	on(EventGameState, func(ctx context.Context, s *Session, ev events.Event) error {
		return s.HandleGameState(ctx, ev.Value.String())
	})
	on(EventWinTeam, func(ctx context.Context, s *Session, ev events.Event) error {
		return s.HandleWinTeam(ctx, ev.Value.String())
	})
}
