package session

import (
	"encoding/json"
	"math"
	"time"
)

// State is the lifecycle position of a Session.
type State int

const (
	Created State = iota
	Active
	Idle
	Disabled
)

var stateNames = map[State]string{
	Created:  "created",
	Active:   "active",
	Idle:     "idle",
	Disabled: "disabled",
}

var stateFromName = map[string]State{
	"created":  Created,
	"active":   Active,
	"idle":     Idle,
	"disabled": Disabled,
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if v, ok := stateFromName[n]; ok {
		*s = v
	}
	return nil
}

func (s State) IsTerminal() bool { return s == Disabled }

// remaining converts a wall-clock expiry into whole seconds left at now,
// never negative.
func remaining(expire, now time.Time) int {
	d := expire.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// AegisRecord is the current aegis holder. ExpireS is the in-game time the
// aegis expires at; ExpireDate is the same instant projected onto the wall
// clock when the pickup was seen.
type AegisRecord struct {
	PlayerID   int64     `json:"playerId"`
	ExpireS    int64     `json:"expireS"`
	ExpireDate time.Time `json:"expireDate"`
	Snatched   bool      `json:"snatched,omitempty"`
	MatchID    string    `json:"matchId"`
}

// SecondsRemaining is recomputed from the stored wall-clock expiry so it
// survives feed pauses and overlay reconnects.
func (a AegisRecord) SecondsRemaining(now time.Time) int {
	return remaining(a.ExpireDate, now)
}

// RoshanRecord is the respawn window after a Roshan kill.
type RoshanRecord struct {
	KilledAt int64     `json:"killedAt"`
	MinS     int64     `json:"minS"`
	MaxS     int64     `json:"maxS"`
	MinDate  time.Time `json:"minDate"`
	MaxDate  time.Time `json:"maxDate"`
	Count    int       `json:"count"`
	MatchID  string    `json:"matchId"`
}

// SecondsRemaining returns the seconds until the earliest and latest
// possible respawn.
func (r RoshanRecord) SecondsRemaining(now time.Time) (min, max int) {
	return remaining(r.MinDate, now), remaining(r.MaxDate, now)
}

// MidasState counts in-game seconds a ready Hand of Midas went unused.
type MidasState struct {
	PassiveSince int64 `json:"passiveSince"`
	Passive      bool  `json:"passive"`
	Counter      int   `json:"counter"`
	Nagged       bool  `json:"nagged"`
}

// TPNagState tracks the absence of a teleport scroll.
type TPNagState struct {
	MissingSince int64 `json:"missingSince"`
	Nagged       bool  `json:"nagged"`
}

// TreadState counts Power Treads toggles and the mana they saved.
type TreadState struct {
	Toggles   int   `json:"toggles"`
	ManaSaved int64 `json:"manaSaved"`
	LastMax   int64 `json:"lastMaxMana"`
	LastLevel int64 `json:"lastLevel"`
}
