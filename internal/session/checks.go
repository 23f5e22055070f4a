package session

import (
	"context"
	"fmt"
	"time"

	"github.com/gsi-overlay/backend/internal/gsi"
)

const (
	tpNagDelay = 30 * time.Second
	// midasPassiveAfter is how many in-game seconds a ready midas may sit
	// unused before it is called out.
	midasPassiveAfter = 10
	// clockCheckGrace keeps a session that joins mid-match from firing
	// every threshold it has already passed.
	clockCheckGrace = 10
)

// clockCheck fires once per match when the in-game clock reaches its
// threshold. Turbo matches run on a compressed schedule.
type clockCheck struct {
	name    string
	normal  int64
	turbo   int64
	message string
}

var clockChecks = []clockCheck{
	{name: "lotus", normal: 3 * 60, turbo: 90, message: "Lotus pools are filling up"},
	{name: "wisdom", normal: 7 * 60, turbo: 3*60 + 30, message: "Wisdom runes spawn now"},
	{name: "neutral-tier-1", normal: 5 * 60, turbo: 150, message: "Tier 1 neutral items unlocked"},
	{name: "neutral-tier-2", normal: 15 * 60, turbo: 450, message: "Tier 2 neutral items unlocked"},
	{name: "neutral-tier-3", normal: 25 * 60, turbo: 750, message: "Tier 3 neutral items unlocked"},
	{name: "tormentor", normal: 20 * 60, turbo: 10 * 60, message: "Tormentors have spawned"},
	{name: "neutral-tier-4", normal: 35 * 60, turbo: 1050, message: "Tier 4 neutral items unlocked"},
	{name: "neutral-tier-5", normal: 60 * 60, turbo: 30 * 60, message: "Tier 5 neutral items unlocked"},
}

func (c clockCheck) threshold(turbo bool) int64 {
	if turbo {
		return c.turbo
	}
	return c.normal
}

// runClockChecks evaluates the clock thresholds at most once per in-game
// second.
func (s *Session) runClockChecks(ctx context.Context, clockTime int64) {
	s.mu.Lock()
	if s.clockSeen && clockTime == s.lastClock {
		s.mu.Unlock()
		return
	}
	s.clockSeen = true
	s.lastClock = clockTime

	var due []string
	for _, c := range clockChecks {
		at := c.threshold(s.turbo)
		if clockTime < at {
			continue
		}
		if _, fired := s.clockFired[c.name]; fired {
			continue
		}
		s.clockFired[c.name] = struct{}{}
		if clockTime-at <= clockCheckGrace {
			due = append(due, c.message)
		}
	}
	s.mu.Unlock()

	for _, msg := range due {
		s.say(ctx, msg)
	}
}

// lookupTurbo asks the match source once per match whether the match is
// turbo. A failed lookup leaves the normal schedule in place.
func (s *Session) lookupTurbo(ctx context.Context) {
	if s.deps.Matches == nil {
		return
	}
	s.mu.Lock()
	if s.turboChecked || s.matchID == "" {
		s.mu.Unlock()
		return
	}
	s.turboChecked = true
	matchID := s.matchID
	s.mu.Unlock()

	cctx, cancel := s.deps.callCtx(ctx)
	defer cancel()
	details, err := s.deps.Matches.MatchDetails(cctx, matchID)
	s.deps.record(DepMatchData, err)
	if err != nil {
		s.logf("match lookup %s: %v", matchID, err)
		return
	}

	s.mu.Lock()
	if s.matchID == matchID {
		s.turbo = details.Turbo()
	}
	s.mu.Unlock()
}

// checkMidas tracks how long a ready Hand of Midas sits unused.
func (s *Session) checkMidas(ctx context.Context, snap *gsi.Snapshot, clockTime int64) {
	item, ok := snap.FindItem("item_hand_of_midas")

	s.mu.Lock()
	matchID := s.matchID
	m := &s.midas
	var text string
	changed := false
	switch {
	case !ok:
		if m.Passive {
			m.Passive, m.Nagged = false, false
			changed = true
		}
	case item.CanCast && item.Cooldown == 0:
		if !m.Passive {
			m.Passive = true
			m.PassiveSince = clockTime
			changed = true
		} else if !m.Nagged && clockTime-m.PassiveSince >= midasPassiveAfter {
			m.Nagged = true
			m.Counter++
			changed = true
			text = fmt.Sprintf("Midas has been ready for %ds, use it!", clockTime-m.PassiveSince)
		}
	case item.Cooldown > 0:
		if m.Passive {
			if m.Nagged {
				text = fmt.Sprintf("Midas used after sitting for %ds", clockTime-m.PassiveSince)
			}
			m.Passive, m.Nagged = false, false
			changed = true
		}
	}
	state := *m
	s.mu.Unlock()

	if changed && matchID != "" {
		s.mirrorSet(ctx, MatchKey(s.Token, matchID, keyPassiveMidas), state)
	}
	if text != "" {
		s.say(ctx, text)
	}
}

func hasTeleport(snap *gsi.Snapshot) bool {
	item, ok := snap.Item("teleport0")
	return ok && !item.Empty()
}

// checkTeleport starts a nag when the teleport slot empties after the horn
// and cancels it when a scroll is bought.
func (s *Session) checkTeleport(ctx context.Context, snap *gsi.Snapshot, clockTime int64) {
	has := hasTeleport(snap)

	s.mu.Lock()
	matchID := s.matchID
	changed := false
	switch {
	case has:
		if s.tpTask != "" {
			s.deps.Scheduler.Cancel(s.tpTask)
			s.tpTask = ""
		}
		if s.tp.MissingSince != 0 || s.tp.Nagged {
			s.tp = TPNagState{}
			changed = true
		}
	case clockTime > 0 && s.tp.MissingSince == 0 && !s.tp.Nagged:
		s.tp.MissingSince = clockTime
		changed = true
		s.tpTask = s.schedule(tpNagDelay, priorityNag, matchID, s.fireTPNag)
	}
	state := s.tp
	s.mu.Unlock()

	if changed && matchID != "" {
		s.mirrorSet(ctx, MatchKey(s.Token, matchID, keyTPNag), state)
	}
}

func (s *Session) fireTPNag(ctx context.Context) error {
	s.mu.Lock()
	s.tpTask = ""
	if s.snap == nil || hasTeleport(s.snap) || s.tp.Nagged {
		s.mu.Unlock()
		return nil
	}
	s.tp.Nagged = true
	state := s.tp
	matchID := s.matchID
	s.mu.Unlock()

	s.mirrorSet(ctx, MatchKey(s.Token, matchID, keyTPNag), state)
	s.say(ctx, "No TP scroll in inventory for 30 seconds")
	return nil
}

// checkTreads counts Power Treads toggles: a max-mana change while the hero
// level stays the same.
func (s *Session) checkTreads(ctx context.Context, snap *gsi.Snapshot) {
	if _, ok := snap.FindItem("item_power_treads"); !ok {
		return
	}
	maxMana := snap.Get("hero.max_mana").Int()
	level := snap.Get("hero.level").Int()

	s.mu.Lock()
	t := &s.treads
	toggled := t.LastMax != 0 && t.LastLevel == level && maxMana != t.LastMax
	if toggled {
		t.Toggles++
		if diff := t.LastMax - maxMana; diff > 0 {
			t.ManaSaved += diff
		}
	}
	t.LastMax, t.LastLevel = maxMana, level
	state := *t
	matchID := s.matchID
	s.mu.Unlock()

	if toggled && matchID != "" {
		s.mirrorSet(ctx, MatchKey(s.Token, matchID, keyTreadToggle), state)
	}
}
