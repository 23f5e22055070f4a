// Package mock plays a scripted match into the ingest pipeline so the relay
// and overlays can be exercised without a game client.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/gsi-overlay/backend/internal/gsi"
	"github.com/gsi-overlay/backend/internal/ingest"
)

// Sink accepts one raw telemetry body, as the ingest handler does.
type Sink interface {
	Accept(ctx context.Context, body []byte) (ingest.Result, error)
}

const (
	draftTicks     = 5
	preGameClock   = -90
	secondsPerTick = 10
	matchLength    = 40 * 60
	postGameTicks  = 6
	roshanClock    = 18 * 60
	bountyEvery    = 3 * 60
	respawnTicks   = 3
	playerSlot     = 3
)

type phase int

const (
	phaseDraft phase = iota
	phaseGame
	phasePost
)

type match struct {
	id         string
	phase      phase
	phaseTicks int
	clock      int64
	kills      int64
	deaths     int64
	streak     int64
	deadTicks  int
	gold       int64
	events     []map[string]any
	hasAegis   bool
	tpCharges  int64
	radiantWin bool
}

type Generator struct {
	sink     Sink
	token    string
	interval time.Duration
	rng      *rand.Rand

	matches int
	cur     *match
	ts      int64
}

// NewGenerator returns a generator posting ticks for token every interval.
// The same seed replays the same sequence of matches.
func NewGenerator(sink Sink, token string, interval time.Duration, seed int64) *Generator {
	if interval <= 0 {
		interval = time.Second
	}
	g := &Generator{
		sink:     sink,
		token:    token,
		interval: interval,
		rng:      rand.New(rand.NewSource(seed)),
		ts:       time.Now().Unix(),
	}
	g.newMatch()
	return g
}

func (g *Generator) Start(ctx context.Context) {
	log.Printf("[mock] streaming scripted matches for %s every %s", g.token, g.interval)
	go g.run(ctx)
}

func (g *Generator) run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.Step(ctx); err != nil {
				log.Printf("[mock] tick rejected: %v", err)
			}
		}
	}
}

// Step advances the scripted match by one tick and posts it.
func (g *Generator) Step(ctx context.Context) error {
	body, err := json.Marshal(g.next())
	if err != nil {
		return err
	}
	_, err = g.sink.Accept(ctx, body)
	return err
}

func (g *Generator) newMatch() {
	g.matches++
	g.cur = &match{
		id:         fmt.Sprintf("mock-%d-%d", g.ts, g.matches),
		clock:      preGameClock,
		tpCharges:  1,
		radiantWin: g.rng.Intn(2) == 0,
	}
}

// next builds the following tick of the current match.
func (g *Generator) next() map[string]any {
	g.ts++
	m := g.cur
	m.phaseTicks++

	switch m.phase {
	case phaseDraft:
		if m.phaseTicks > draftTicks {
			m.phase, m.phaseTicks = phaseGame, 0
		}
		return g.body(gsi.StateHeroSelection, "none")
	case phaseGame:
		prev := m.clock
		m.clock += secondsPerTick
		g.simulate(prev)
		if m.clock >= matchLength {
			m.phase, m.phaseTicks = phasePost, 0
		}
		return g.body(gsi.StateInProgress, "none")
	default:
		winner := "dire"
		if m.radiantWin {
			winner = "radiant"
		}
		b := g.body(gsi.StatePostGame, winner)
		if m.phaseTicks >= postGameTicks {
			g.newMatch()
		}
		return b
	}
}

// simulate rolls the events that happen between prev and the current
// clock.
func (g *Generator) simulate(prev int64) {
	m := g.cur
	m.gold += 15 * secondsPerTick

	if m.deadTicks > 0 {
		m.deadTicks--
	} else {
		switch r := g.rng.Intn(100); {
		case r < 12:
			m.kills++
			m.streak++
			m.gold += 200 + 20*m.streak
		case r < 16 && m.clock > 0:
			if m.hasAegis {
				m.hasAegis = false
				break
			}
			m.deaths++
			m.streak = 0
			m.deadTicks = respawnTicks
		}
	}

	if crossed(prev, m.clock, 0, bountyEvery) {
		n := 1 + g.rng.Intn(3)
		for i := 0; i < n; i++ {
			team := "radiant"
			if i == 2 {
				team = "dire"
			}
			m.events = append(m.events, map[string]any{
				"game_time":    m.clock - int64(i),
				"event_type":   gsi.EventBountyPickup,
				"team":         team,
				"bounty_value": 40 + 4*(m.clock/60),
			})
		}
	}

	if prev < roshanClock && m.clock >= roshanClock {
		m.events = append(m.events,
			map[string]any{"game_time": m.clock, "event_type": gsi.EventRoshanKilled, "killed_by": 2},
			map[string]any{"game_time": m.clock + 1, "event_type": gsi.EventAegisPickedUp, "player_id": playerSlot, "snatched": false},
		)
		m.hasAegis = true
	}

	// Buy a scroll back a little while after using it.
	switch {
	case m.tpCharges > 0 && g.rng.Intn(20) == 0:
		m.tpCharges--
	case m.tpCharges == 0 && g.rng.Intn(6) == 0:
		m.tpCharges++
	}
}

// crossed reports whether (prev, cur] contains a multiple of every after
// start.
func crossed(prev, cur, start, every int64) bool {
	if cur < start {
		return false
	}
	if prev < start {
		return true
	}
	return (cur-start)/every != (prev-start)/every
}

func (g *Generator) body(state, winTeam string) map[string]any {
	m := g.cur
	b := map[string]any{
		"auth":     map[string]any{"token": g.token},
		"provider": map[string]any{"name": "Dota 2", "appid": 570, "timestamp": g.ts},
		"map": map[string]any{
			"matchid":    m.id,
			"game_state": state,
			"win_team":   winTeam,
			"paused":     false,
		},
	}
	if m.phase == phaseDraft {
		return b
	}

	mp := b["map"].(map[string]any)
	mp["clock_time"] = m.clock
	mp["game_time"] = m.clock + 90

	b["player"] = map[string]any{
		"team_name":   "radiant",
		"player_slot": playerSlot,
		"accountid":   "1000",
		"kills":       m.kills,
		"deaths":      m.deaths,
		"kill_streak": m.streak,
		"gold":        m.gold,
	}
	level := 1 + m.clock/120
	if level > 30 {
		level = 30
	}
	b["hero"] = map[string]any{
		"name":            "npc_dota_hero_axe",
		"level":           level,
		"alive":           m.deadTicks == 0,
		"aegis":           m.hasAegis,
		"max_mana":        300 + 15*level,
		"xpos":            g.rng.Intn(16000) - 8000,
		"ypos":            g.rng.Intn(16000) - 8000,
		"respawn_seconds": m.deadTicks * secondsPerTick,
	}
	b["items"] = map[string]any{
		"slot0":     map[string]any{"name": "item_power_treads"},
		"slot1":     map[string]any{"name": "item_blink"},
		"slot2":     map[string]any{"name": "empty"},
		"teleport0": map[string]any{"name": "item_tpscroll", "charges": m.tpCharges},
	}
	if len(m.events) > 0 {
		b["events"] = m.events
	}
	return b
}
