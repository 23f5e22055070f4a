package session

import (
	"context"
	"fmt"
	"time"

	"github.com/gsi-overlay/backend/internal/gsi"
	"github.com/gsi-overlay/backend/internal/ws"
)

// In-game durations, seconds.
const (
	aegisDuration    = 5 * 60
	roshanMinRespawn = 8 * 60
	roshanMaxRespawn = 11 * 60
)

// project maps the in-game instant targetS onto the wall clock, given that
// the game clock read nowS at wall time now.
func project(now time.Time, nowS, targetS int64) time.Time {
	return now.Add(time.Duration(targetS-nowS) * time.Second)
}

func (s *Session) onAegisPickedUp(ctx context.Context, snap *gsi.Snapshot, ev gsi.DiscreteEvent) {
	now := s.deps.now()
	expireS := ev.GameTime + aegisDuration
	rec := AegisRecord{
		PlayerID:   ev.Raw.Get("player_id").Int(),
		ExpireS:    expireS,
		ExpireDate: project(now, snap.GameTime(), expireS),
		Snatched:   ev.Raw.Get("snatched").Bool(),
	}

	s.mu.Lock()
	rec.MatchID = s.matchID
	s.aegis = &rec
	s.mu.Unlock()

	s.mirrorSet(ctx, TokenKey(s.Token, keyAegis), rec)
	s.send(ws.MsgAegisPickedUp, ws.AegisPayload{
		PlayerID:   int(rec.PlayerID),
		ExpireS:    rec.SecondsRemaining(now),
		ExpireDate: rec.ExpireDate,
		Snatched:   rec.Snatched,
	})

	verb := "picked up"
	if rec.Snatched {
		verb = "snatched"
	}
	s.say(ctx, fmt.Sprintf("Aegis %s, expires in %s", verb, clock(int64(rec.SecondsRemaining(now)))))

	s.schedule(rec.ExpireDate.Sub(now), priorityTimer, rec.MatchID, func(ctx context.Context) error {
		if s.clearAegisIf(ctx, func(a AegisRecord) bool { return a.ExpireS == rec.ExpireS && a.PlayerID == rec.PlayerID }) {
			s.say(ctx, "Aegis expired")
		}
		return nil
	})
}

// clearAegisIf drops the aegis record when match reports true for it,
// deletes the mirrored key and clears the overlay. It reports whether a
// record was cleared.
func (s *Session) clearAegisIf(ctx context.Context, match func(AegisRecord) bool) bool {
	s.mu.Lock()
	if s.aegis == nil || !match(*s.aegis) {
		s.mu.Unlock()
		return false
	}
	s.aegis = nil
	s.mu.Unlock()

	s.mirrorDelete(ctx, TokenKey(s.Token, keyAegis))
	s.send(ws.MsgAegisPickedUp, emptyPayload)
	return true
}

// HandleHeroAlive clears the aegis when the player holding it dies: the
// aegis is consumed on death.
func (s *Session) HandleHeroAlive(ctx context.Context, alive bool) {
	if alive {
		return
	}
	s.mu.Lock()
	snap := s.snap
	s.mu.Unlock()
	if snap == nil {
		return
	}
	slot, ok := snap.PlayerSlot()
	if !ok {
		return
	}
	if s.clearAegisIf(ctx, func(a AegisRecord) bool { return a.PlayerID == slot }) {
		s.logf("aegis holder died, cleared")
	}
}

func (s *Session) onRoshanKilled(ctx context.Context, snap *gsi.Snapshot, ev gsi.DiscreteEvent) {
	now := s.deps.now()
	gameTime := snap.GameTime()
	rec := RoshanRecord{
		KilledAt: ev.GameTime,
		MinS:     ev.GameTime + roshanMinRespawn,
		MaxS:     ev.GameTime + roshanMaxRespawn,
	}
	rec.MinDate = project(now, gameTime, rec.MinS)
	rec.MaxDate = project(now, gameTime, rec.MaxS)

	s.mu.Lock()
	rec.MatchID = s.matchID
	rec.Count = 1
	if s.roshan != nil {
		rec.Count = s.roshan.Count + 1
	}
	s.roshan = &rec
	s.mu.Unlock()

	s.mirrorSet(ctx, TokenKey(s.Token, keyRoshan), rec)
	minLeft, maxLeft := rec.SecondsRemaining(now)
	s.send(ws.MsgRoshanKilled, ws.RoshanPayload{
		MinS:    minLeft,
		MaxS:    maxLeft,
		MinDate: rec.MinDate,
		MaxDate: rec.MaxDate,
	})
	s.say(ctx, fmt.Sprintf("Roshan killed (#%d). Respawns between %s and %s",
		rec.Count, clock(rec.MinS), clock(rec.MaxS)))

	s.schedule(rec.MaxDate.Sub(now), priorityTimer, rec.MatchID, func(ctx context.Context) error {
		s.mu.Lock()
		if s.roshan == nil || s.roshan.KilledAt != rec.KilledAt {
			s.mu.Unlock()
			return nil
		}
		s.roshan = nil
		s.mu.Unlock()

		s.mirrorDelete(ctx, TokenKey(s.Token, keyRoshan))
		s.send(ws.MsgRoshanKilled, emptyPayload)
		return nil
	})
}

// clock formats in-game seconds as m:ss.
func clock(seconds int64) string {
	sign := ""
	if seconds < 0 {
		sign = "-"
		seconds = -seconds
	}
	return fmt.Sprintf("%s%d:%02d", sign, seconds/60, seconds%60)
}
