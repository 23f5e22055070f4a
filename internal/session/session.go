package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gsi-overlay/backend/internal/gsi"
	"github.com/gsi-overlay/backend/internal/logging"
	"github.com/gsi-overlay/backend/internal/storage"
	"github.com/gsi-overlay/backend/internal/ws"
)

// Task priorities; lower runs first when tasks fall due together.
const (
	priorityTimer = iota
	priorityStreak
	priorityBounty
	priorityNag
)

// emptyPayload clears an overlay widget.
var emptyPayload = struct{}{}

type streakState struct {
	count  int64
	taskID string
}

type bountyState struct {
	count  int
	gold   int64
	value  int64 // per-rune value while all pickups agree
	mixed  bool
	taskID string
}

type betState struct {
	open         bool
	matchID      string
	predictionID string
	resolved     bool
}

type identity struct {
	matchID string
	team    string
	slot    int64
	hasSlot bool
	hero    string
}

// Session is the derived state and behaviour for one telemetry token.
// Handlers for the same token may run concurrently; every field below mu is
// guarded by it and mu is never held across a collaborator call.
type Session struct {
	Token string
	deps  *Deps

	mu            sync.Mutex
	state         State
	user          storage.User
	snap          *gsi.Snapshot
	lastTimestamp int64
	lastTick      time.Time
	live          bool
	inMatch       bool
	statusKnown   bool

	matchID       string
	matchChanged  bool
	previousMatch string
	turbo         bool
	turboChecked  bool
	seen          map[string]struct{}
	clockFired    map[string]struct{}
	lastClock     int64
	clockSeen     bool

	aegis  *AegisRecord
	roshan *RoshanRecord
	streak streakState
	bounty bountyState
	tp     TPNagState
	tpTask string
	midas  MidasState
	treads TreadState
	bets   betState

	mirrored identity
}

func New(token string, user storage.User, deps *Deps) *Session {
	return &Session{
		Token:      token,
		deps:       deps,
		state:      Created,
		user:       user,
		seen:       make(map[string]struct{}),
		clockFired: make(map[string]struct{}),
	}
}

func (s *Session) logf(format string, args ...any) {
	log.Printf("[%s] %s", logging.Redact(s.Token), fmt.Sprintf(format, args...))
}

// Ingest accepts snap as the latest tick. It reports false when the session
// is disabled or the tick is older than one already accepted.
func (s *Session) Ingest(snap *gsi.Snapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Disabled {
		return false
	}
	if ts := snap.Timestamp(); ts > 0 {
		if ts < s.lastTimestamp {
			s.logf("dropping out-of-order tick %d (last %d)", ts, s.lastTimestamp)
			return false
		}
		s.lastTimestamp = ts
	}
	s.snap = snap
	s.lastTick = s.deps.now()
	if s.state == Created {
		s.state = s.stateFromStatusLocked()
	}
	if id := snap.MatchID(); id != "" && id != s.matchID {
		s.resetMatchLocked(id)
	}
	return true
}

func (s *Session) stateFromStatusLocked() State {
	if !s.statusKnown || (s.live && s.inMatch) {
		return Active
	}
	return Idle
}

// resetMatchLocked forgets everything derived from the previous match.
// Tasks already queued for it see the new match id and do nothing.
func (s *Session) resetMatchLocked(matchID string) {
	if s.matchID != "" {
		s.logf("match changed %s -> %s", s.matchID, matchID)
	}
	s.previousMatch = s.matchID
	s.matchID = matchID
	s.matchChanged = true
	s.turbo = false
	s.turboChecked = false
	s.seen = make(map[string]struct{})
	s.clockFired = make(map[string]struct{})
	s.clockSeen = false
	s.aegis = nil
	s.roshan = nil

	for _, id := range []string{s.streak.taskID, s.bounty.taskID, s.tpTask} {
		if id != "" {
			s.deps.Scheduler.Cancel(id)
		}
	}
	s.streak = streakState{}
	s.bounty = bountyState{}
	s.tp = TPNagState{}
	s.tpTask = ""
	s.midas = MidasState{}
	s.treads = TreadState{}
	s.bets = betState{}
}

// SetStreamStatus applies the externally reported stream-live and in-match
// flags. Active requires both.
func (s *Session) SetStreamStatus(live, inMatch bool) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Disabled {
		return s.state
	}
	s.live, s.inMatch, s.statusKnown = live, inMatch, true
	if s.state != Created {
		s.state = s.stateFromStatusLocked()
	}
	return s.state
}

// Disable moves the session to its terminal state. It reports whether this
// call did the transition; later calls are no-ops.
func (s *Session) Disable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Disabled {
		return false
	}
	s.state = Disabled
	return true
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Disabled() bool { return s.State() == Disabled }

func (s *Session) MatchID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matchID
}

func (s *Session) User() storage.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// Latest returns the most recently accepted snapshot, or nil.
func (s *Session) Latest() *gsi.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Aegis returns the current aegis holder record.
func (s *Session) Aegis() (AegisRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aegis == nil {
		return AegisRecord{}, false
	}
	return *s.aegis, true
}

// Roshan returns the current respawn window record.
func (s *Session) Roshan() (RoshanRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roshan == nil {
		return RoshanRecord{}, false
	}
	return *s.roshan, true
}

// Status is a point-in-time view for the HTTP API.
type Status struct {
	State    State     `json:"state"`
	MatchID  string    `json:"matchId,omitempty"`
	LastTick time.Time `json:"lastTick"`
	Live     bool      `json:"live"`
	InMatch  bool      `json:"inMatch"`
	Turbo    bool      `json:"turbo"`
	BetsOpen bool      `json:"betsOpen"`
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:    s.state,
		MatchID:  s.matchID,
		LastTick: s.lastTick,
		Live:     s.live,
		InMatch:  s.inMatch,
		Turbo:    s.turbo,
		BetsOpen: s.bets.open && !s.bets.resolved,
	}
}

// current reports whether a task scheduled for matchID may still act.
func (s *Session) current(matchID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != Disabled && s.matchID == matchID
}

// schedule queues fn after delay. fn is skipped if by then the session is
// disabled or on another match.
func (s *Session) schedule(delay time.Duration, priority int, matchID string, fn func(ctx context.Context) error) string {
	return s.deps.Scheduler.Schedule(delay, func(ctx context.Context, _ any) error {
		if !s.current(matchID) {
			return nil
		}
		return fn(ctx)
	}, s.Token, priority)
}

// say sends a chat line when the session is active and chat is enabled.
func (s *Session) say(ctx context.Context, text string) {
	s.mu.Lock()
	ok := s.state == Active && s.user.ChatEnabled && s.user.Channel != ""
	channel := s.user.Channel
	s.mu.Unlock()
	if !ok || s.deps.Chat == nil {
		return
	}

	cctx, cancel := s.deps.callCtx(ctx)
	defer cancel()
	err := s.deps.Chat.Send(cctx, channel, text, "")
	s.deps.record(DepChat, err)
	if err != nil {
		s.logf("chat send failed: %v", err)
	}
}

func (s *Session) send(msgType ws.MessageType, payload any) {
	s.deps.Overlay.Send(s.Token, ws.Message{Type: msgType, Payload: payload})
}
