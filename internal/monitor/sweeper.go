// Package monitor watches the relay itself: it evicts idle sessions and
// tracks the health of the collaborators sessions call out to.
package monitor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Evictor is the session cache as seen by the sweeper.
type Evictor interface {
	Stale(now time.Time, after time.Duration) []string
	// TeardownIfStale re-checks staleness atomically before evicting, so
	// a token touched since Stale is kept.
	TeardownIfStale(ctx context.Context, token string, now time.Time, after time.Duration) bool
	Len() int
}

// Sweeper periodically tears down sessions that stopped sending ticks.
type Sweeper struct {
	cache         Evictor
	interval      time.Duration
	inactiveAfter time.Duration
	now           func() time.Time

	running sync.Mutex
	lastRun time.Time
	evicted uint64
	statsMu sync.Mutex
}

type SweeperOption func(*Sweeper)

// WithSweepClock overrides time.Now.
func WithSweepClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

func NewSweeper(cache Evictor, interval, inactiveAfter time.Duration, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		cache:         cache,
		interval:      interval,
		inactiveAfter: inactiveAfter,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start sweeps every interval until ctx is cancelled. It blocks.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Printf("[sweep] started, interval %s, inactive after %s", s.interval, s.inactiveAfter)

	for {
		select {
		case <-ctx.Done():
			log.Println("[sweep] stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep evicts every session idle for longer than the inactivity
// threshold and returns how many were torn down. A sweep that finds
// another still running returns 0 without doing anything.
func (s *Sweeper) Sweep(ctx context.Context) int {
	if !s.running.TryLock() {
		log.Println("[sweep] previous sweep still running, skipping")
		return 0
	}
	defer s.running.Unlock()

	now := s.now()
	stale := s.cache.Stale(now, s.inactiveAfter)
	if len(stale) == 0 {
		s.record(now, 0)
		return 0
	}

	before := s.cache.Len()
	n := 0
	for _, token := range stale {
		if ctx.Err() != nil {
			break
		}
		if s.cache.TeardownIfStale(ctx, token, now, s.inactiveAfter) {
			n++
		}
	}
	s.record(now, n)
	log.Printf("[sweep] evicted %d idle sessions, cache %s -> %s",
		n, humanize.Comma(int64(before)), humanize.Comma(int64(s.cache.Len())))
	return n
}

func (s *Sweeper) record(at time.Time, n int) {
	s.statsMu.Lock()
	s.lastRun = at
	s.evicted += uint64(n)
	s.statsMu.Unlock()
}

// SweepStats summarizes past sweeps for the health endpoint.
type SweepStats struct {
	LastRun      time.Time `json:"lastRun"`
	LastRunAgo   string    `json:"lastRunAgo,omitempty"`
	TotalEvicted uint64    `json:"totalEvicted"`
}

func (s *Sweeper) Stats() SweepStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	st := SweepStats{LastRun: s.lastRun, TotalEvicted: s.evicted}
	if !s.lastRun.IsZero() {
		st.LastRunAgo = humanize.RelTime(s.lastRun, s.now(), "ago", "from now")
	}
	return st
}
