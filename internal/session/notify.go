package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gsi-overlay/backend/internal/gsi"
)

const (
	streakWindow       = 15 * time.Second
	bountyWindow       = 15 * time.Second
	minAnnouncedStreak = 3
)

// markSeen records a discrete event for the current match and reports
// whether it is new.
func (s *Session) markSeen(ev gsi.DiscreteEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ev.Key()
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}
	return true
}

// handleDiscreteEvents processes each not-yet-seen entry of the events
// array. The producer repeats entries across ticks.
func (s *Session) handleDiscreteEvents(ctx context.Context, snap *gsi.Snapshot) {
	for _, ev := range snap.Events() {
		if !s.markSeen(ev) {
			continue
		}
		switch ev.Type {
		case gsi.EventAegisPickedUp:
			s.onAegisPickedUp(ctx, snap, ev)
		case gsi.EventAegisDenied:
			s.say(ctx, "Aegis denied")
		case gsi.EventRoshanKilled:
			s.onRoshanKilled(ctx, snap, ev)
		case gsi.EventBountyPickup:
			s.onBountyPickup(ctx, snap, ev)
		case gsi.EventTormentorKilled:
			s.say(ctx, fmt.Sprintf("Tormentor killed by %s", teamName(ev.Raw.Get("killer_team").String())))
		}
	}
}

// HandleKillStreak reacts to a new kill-streak value. A pending
// announcement is cancelled and restarted so only the streak standing at
// the end of the window is announced.
func (s *Session) HandleKillStreak(ctx context.Context, streak int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Disabled {
		return
	}
	prev := s.streak.count
	s.streak.count = streak
	if s.streak.taskID != "" {
		s.deps.Scheduler.Cancel(s.streak.taskID)
		s.streak.taskID = ""
	}

	hero := ""
	if s.snap != nil {
		hero = heroName(s.snap.HeroName())
	}
	var text string
	switch {
	case streak >= minAnnouncedStreak:
		text = fmt.Sprintf("%s is on a %d kill streak", hero, streak)
	case streak == 0 && prev >= minAnnouncedStreak:
		text = fmt.Sprintf("%s lost a %d kill streak", hero, prev)
	default:
		return
	}
	s.streak.taskID = s.schedule(streakWindow, priorityStreak, s.matchID, func(ctx context.Context) error {
		s.say(ctx, text)
		return nil
	})
}

// onBountyPickup aggregates our team's bounty runes. Every pickup extends
// the window; the total is announced once it closes.
func (s *Session) onBountyPickup(_ context.Context, snap *gsi.Snapshot, ev gsi.DiscreteEvent) {
	if team := ev.Raw.Get("team").String(); team != "" && team != snap.Team() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	value := ev.Raw.Get("bounty_value").Int()
	if s.bounty.count > 0 && value != s.bounty.value {
		s.bounty.mixed = true
	}
	s.bounty.count++
	s.bounty.gold += value
	s.bounty.value = value
	if s.bounty.taskID != "" {
		s.deps.Scheduler.Cancel(s.bounty.taskID)
	}
	s.bounty.taskID = s.schedule(bountyWindow, priorityBounty, s.matchID, s.flushBounty)
}

func (s *Session) flushBounty(ctx context.Context) error {
	s.mu.Lock()
	b := s.bounty
	s.bounty = bountyState{}
	s.mu.Unlock()
	if b.count == 0 {
		return nil
	}
	runes := "rune"
	if b.count > 1 {
		runes = "runes"
	}
	if b.mixed {
		s.say(ctx, fmt.Sprintf("%d bounty %s picked up, +%d gold total", b.count, runes, b.gold))
		return nil
	}
	s.say(ctx, fmt.Sprintf("%d bounty %s picked up, +%d gold each", b.count, runes, b.value))
	return nil
}

func heroName(internal string) string {
	name := strings.TrimPrefix(internal, "npc_dota_hero_")
	if name == "" {
		return "We"
	}
	parts := strings.Split(name, "_")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, " ")
}

func teamName(team string) string {
	switch strings.ToLower(team) {
	case "radiant", "2":
		return "Radiant"
	case "dire", "3":
		return "Dire"
	}
	return "unknown"
}
