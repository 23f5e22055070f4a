package session

import (
	"context"
	"fmt"

	"github.com/gsi-overlay/backend/internal/storage"
)

// Key-value mirror names. Token-scoped keys are "<token>:<name>", match
// scoped keys are "<token>:<matchId>:<name>".
const (
	keyAegis        = "aegis"
	keyRoshan       = "roshan"
	keyMatchID      = "matchId"
	keyTeam         = "playingTeam"
	keyHeroSlot     = "playingHeroSlot"
	keyHero         = "playingHero"
	keyPassiveMidas = "passiveMidas"
	keyTPNag        = "tpNag"
	keyTreadToggle  = "treadToggle"
)

func TokenKey(token, name string) string { return token + ":" + name }

func MatchKey(token, matchID, name string) string { return token + ":" + matchID + ":" + name }

// Mirror is the derived state other processes can read for a token without
// holding its Session. Absent keys leave fields nil or empty.
type Mirror struct {
	Aegis        *AegisRecord  `json:"aegis,omitempty"`
	Roshan       *RoshanRecord `json:"roshan,omitempty"`
	MatchID      string        `json:"matchId,omitempty"`
	Team         string        `json:"playingTeam,omitempty"`
	HeroSlot     *int64        `json:"playingHeroSlot,omitempty"`
	Hero         string        `json:"playingHero,omitempty"`
	PassiveMidas *MidasState   `json:"passiveMidas,omitempty"`
	TPNag        *TPNagState   `json:"tpNag,omitempty"`
	Treads       *TreadState   `json:"treadToggle,omitempty"`
}

// ReadMirror loads the mirrored state for token. Missing keys are not an
// error; the first failing read is.
func ReadMirror(ctx context.Context, kv storage.KV, token string) (Mirror, error) {
	var m Mirror
	var aegis AegisRecord
	var roshan RoshanRecord
	var slot int64

	reads := []struct {
		key string
		dst any
		set func()
	}{
		{TokenKey(token, keyAegis), &aegis, func() { m.Aegis = &aegis }},
		{TokenKey(token, keyRoshan), &roshan, func() { m.Roshan = &roshan }},
		{TokenKey(token, keyMatchID), &m.MatchID, nil},
		{TokenKey(token, keyTeam), &m.Team, nil},
		{TokenKey(token, keyHeroSlot), &slot, func() { m.HeroSlot = &slot }},
		{TokenKey(token, keyHero), &m.Hero, nil},
	}
	for _, r := range reads {
		found, err := storage.GetJSON(ctx, kv, r.key, r.dst)
		if err != nil {
			return Mirror{}, fmt.Errorf("read mirror: %w", err)
		}
		if found && r.set != nil {
			r.set()
		}
	}
	if m.MatchID == "" {
		return m, nil
	}

	var midas MidasState
	var tp TPNagState
	var treads TreadState
	matchReads := []struct {
		key string
		dst any
		set func()
	}{
		{MatchKey(token, m.MatchID, keyPassiveMidas), &midas, func() { m.PassiveMidas = &midas }},
		{MatchKey(token, m.MatchID, keyTPNag), &tp, func() { m.TPNag = &tp }},
		{MatchKey(token, m.MatchID, keyTreadToggle), &treads, func() { m.Treads = &treads }},
	}
	for _, r := range matchReads {
		found, err := storage.GetJSON(ctx, kv, r.key, r.dst)
		if err != nil {
			return Mirror{}, fmt.Errorf("read mirror: %w", err)
		}
		if found {
			r.set()
		}
	}
	return m, nil
}

func (s *Session) mirrorSet(ctx context.Context, key string, v any) {
	cctx, cancel := s.deps.callCtx(ctx)
	defer cancel()
	err := storage.SetJSON(cctx, s.deps.KV, key, v)
	s.deps.record(DepKV, err)
	if err != nil {
		s.logf("mirror write %s: %v", key, err)
	}
}

func (s *Session) mirrorDelete(ctx context.Context, keys ...string) {
	cctx, cancel := s.deps.callCtx(ctx)
	defer cancel()
	err := s.deps.KV.Delete(cctx, keys...)
	s.deps.record(DepKV, err)
	if err != nil {
		s.logf("mirror delete %v: %v", keys, err)
	}
}

// mirrorIdentity writes the match, team, slot and hero keys when they
// change, and drops the previous match's timers on a match change. It
// reports whether a match change was pending.
func (s *Session) mirrorIdentity(ctx context.Context, cur identity) bool {
	s.mu.Lock()
	prev := s.mirrored
	s.mirrored = cur
	changed := s.matchChanged
	s.matchChanged = false
	s.mu.Unlock()

	if changed {
		s.dropStaleTimers(ctx, cur.matchID)
	}
	if cur.matchID != prev.matchID {
		s.mirrorSet(ctx, TokenKey(s.Token, keyMatchID), cur.matchID)
	}
	if cur.team != prev.team {
		s.mirrorSet(ctx, TokenKey(s.Token, keyTeam), cur.team)
	}
	if cur.hasSlot && (cur.slot != prev.slot || !prev.hasSlot) {
		s.mirrorSet(ctx, TokenKey(s.Token, keyHeroSlot), cur.slot)
	}
	if cur.hero != prev.hero {
		s.mirrorSet(ctx, TokenKey(s.Token, keyHero), cur.hero)
	}
	return changed
}

// dropStaleTimers deletes mirrored aegis and roshan records left over from
// another match. Records for matchID survive a process restart mid-match.
func (s *Session) dropStaleTimers(ctx context.Context, matchID string) {
	var stale []string
	var aegis AegisRecord
	if found, err := storage.GetJSON(ctx, s.deps.KV, TokenKey(s.Token, keyAegis), &aegis); err == nil && found && aegis.MatchID != matchID {
		stale = append(stale, TokenKey(s.Token, keyAegis))
	}
	var roshan RoshanRecord
	if found, err := storage.GetJSON(ctx, s.deps.KV, TokenKey(s.Token, keyRoshan), &roshan); err == nil && found && roshan.MatchID != matchID {
		stale = append(stale, TokenKey(s.Token, keyRoshan))
	}
	if len(stale) > 0 {
		s.mirrorDelete(ctx, stale...)
	}
}
