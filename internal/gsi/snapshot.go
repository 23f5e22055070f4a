// Package gsi parses game-state-integration ticks and turns the change
// sections of a tick into named events.
package gsi

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Game rule states reported in map.game_state.
const (
	StateHeroSelection = "DOTA_GAMERULES_STATE_HERO_SELECTION"
	StateStrategyTime  = "DOTA_GAMERULES_STATE_STRATEGY_TIME"
	StatePreGame       = "DOTA_GAMERULES_STATE_PRE_GAME"
	StateInProgress    = "DOTA_GAMERULES_STATE_GAME_IN_PROGRESS"
	StatePostGame      = "DOTA_GAMERULES_STATE_POST_GAME"
)

// Discrete event types found in the events array.
const (
	EventAegisPickedUp   = "aegis_picked_up"
	EventAegisDenied     = "aegis_denied"
	EventRoshanKilled    = "roshan_killed"
	EventBountyPickup    = "bounty_rune_pickup"
	EventTormentorKilled = "tormentor_killed"
)

var ErrMalformed = errors.New("malformed snapshot")

// Snapshot is one full telemetry payload for one tick. It is immutable.
type Snapshot struct {
	body gjson.Result
}

// Parse validates body and wraps it. The top level must be a JSON object.
func Parse(body []byte) (*Snapshot, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformed)
	}
	res := gjson.ParseBytes(body)
	if !res.IsObject() {
		return nil, fmt.Errorf("%w: top level is not an object", ErrMalformed)
	}
	return &Snapshot{body: res}, nil
}

// FromResult wraps an already parsed body, as carried by the newdata event.
func FromResult(body gjson.Result) *Snapshot {
	return &Snapshot{body: body}
}

func (s *Snapshot) Body() gjson.Result { return s.body }

func (s *Snapshot) Get(path string) gjson.Result { return s.body.Get(path) }

func (s *Snapshot) Token() string {
	return strings.TrimSpace(s.body.Get("auth.token").String())
}

// Timestamp is the producer's provider.timestamp in unix seconds; zero when absent.
func (s *Snapshot) Timestamp() int64 { return s.body.Get("provider.timestamp").Int() }

func (s *Snapshot) MatchID() string {
	id := s.body.Get("map.matchid").String()
	if id == "0" {
		return ""
	}
	return id
}

// ClockTime is the in-game clock in seconds (negative before the horn).
func (s *Snapshot) ClockTime() (int64, bool) {
	r := s.body.Get("map.clock_time")
	return r.Int(), r.Exists()
}

// GameTime is map.game_time, the clock discrete events are stamped with.
func (s *Snapshot) GameTime() int64 { return s.body.Get("map.game_time").Int() }

func (s *Snapshot) GameState() string { return s.body.Get("map.game_state").String() }

func (s *Snapshot) Paused() bool { return s.body.Get("map.paused").Bool() }

// WinTeam is "radiant" or "dire" once the match is decided, "" otherwise.
func (s *Snapshot) WinTeam() string {
	w := s.body.Get("map.win_team").String()
	if w == "none" {
		return ""
	}
	return w
}

func (s *Snapshot) Team() string { return s.body.Get("player.team_name").String() }

// PlayerSlot is the player's index in the match as used by discrete events.
func (s *Snapshot) PlayerSlot() (int64, bool) {
	r := s.body.Get("player.player_slot")
	return r.Int(), r.Exists()
}

func (s *Snapshot) AccountID() string { return s.body.Get("player.accountid").String() }

func (s *Snapshot) HeroName() string { return s.body.Get("hero.name").String() }

func (s *Snapshot) HeroAlive() bool { return s.body.Get("hero.alive").Bool() }

// Playing reports whether the tick comes from a player in a live match
// rather than the main menu or a spectated game.
func (s *Snapshot) Playing() bool {
	return s.MatchID() != "" && s.body.Get("player").IsObject() && s.body.Get("hero").IsObject()
}

// DiscreteEvent is one entry of the events array.
type DiscreteEvent struct {
	GameTime int64
	Type     string
	Raw      gjson.Result
}

// Key identifies the occurrence for de-duplication within a match.
func (e DiscreteEvent) Key() string {
	return fmt.Sprintf("%d:%s", e.GameTime, e.Type)
}

func (s *Snapshot) Events() []DiscreteEvent {
	arr := s.body.Get("events")
	if !arr.IsArray() {
		return nil
	}
	var out []DiscreteEvent
	arr.ForEach(func(_, v gjson.Result) bool {
		typ := v.Get("event_type").String()
		if typ != "" {
			out = append(out, DiscreteEvent{GameTime: v.Get("game_time").Int(), Type: typ, Raw: v})
		}
		return true
	})
	return out
}

// Item is one inventory slot.
type Item struct {
	Slot     string
	Name     string
	Cooldown int64
	CanCast  bool
	Charges  int64
}

func (i Item) Empty() bool { return i.Name == "" || i.Name == "empty" }

// inventorySlots are the slots whose items are usable; stash slots are not.
var inventorySlots = []string{
	"slot0", "slot1", "slot2", "slot3", "slot4", "slot5",
	"slot6", "slot7", "slot8", "neutral0", "teleport0",
}

// Item returns the item in slot.
func (s *Snapshot) Item(slot string) (Item, bool) {
	r := s.body.Get("items." + slot)
	if !r.IsObject() {
		return Item{}, false
	}
	return Item{
		Slot:     slot,
		Name:     r.Get("name").String(),
		Cooldown: r.Get("cooldown").Int(),
		CanCast:  r.Get("can_cast").Bool(),
		Charges:  r.Get("charges").Int(),
	}, true
}

// FindItem returns the first usable slot holding the named item.
func (s *Snapshot) FindItem(name string) (Item, bool) {
	for _, slot := range inventorySlots {
		if it, ok := s.Item(slot); ok && it.Name == name {
			return it, true
		}
	}
	return Item{}, false
}
