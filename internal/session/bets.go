package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gsi-overlay/backend/internal/gsi"
	"github.com/gsi-overlay/backend/internal/platform/matchdata"
	"github.com/gsi-overlay/backend/internal/platform/predictions"
	"github.com/gsi-overlay/backend/internal/storage"
	"github.com/gsi-overlay/backend/internal/ws"
)

const (
	betAutoLock = 4 * time.Minute
	rankDelta   = 25
)

// OpenBets opens the match prediction once per match. An already open
// prediction counts as success.
func (s *Session) OpenBets(ctx context.Context) error {
	if s.deps.Predictions == nil {
		return nil
	}

	s.mu.Lock()
	if s.state != Active || !s.user.BetsEnabled || s.matchID == "" || s.snap == nil ||
		(s.bets.open && s.bets.matchID == s.matchID) {
		s.mu.Unlock()
		return nil
	}
	s.bets = betState{open: true, matchID: s.matchID}
	matchID := s.matchID
	channel := s.user.Channel
	hero := s.snap.HeroName()
	team := s.snap.Team()
	s.mu.Unlock()

	// Another process may have opened it already.
	if m, err := s.loadMatch(ctx, matchID); err == nil && m.PredictionID != "" {
		s.setPrediction(matchID, m.PredictionID)
		return nil
	}

	cctx, cancel := s.deps.callCtx(ctx)
	id, err := s.deps.Predictions.Create(cctx, predictions.Request{
		Channel:  channel,
		Title:    fmt.Sprintf("Will we win with %s?", heroName(hero)),
		Outcomes: [2]string{"Yes", "No"},
		AutoLock: betAutoLock,
	})
	cancel()
	if errors.Is(err, predictions.ErrAlreadyOpen) {
		s.deps.record(DepPredictions, nil)
		s.logf("prediction already open for match %s", matchID)
		return nil
	}
	s.deps.record(DepPredictions, err)
	if err != nil {
		s.mu.Lock()
		if s.bets.matchID == matchID {
			s.bets.open = false
		}
		s.mu.Unlock()
		return fmt.Errorf("open bets: %w", err)
	}

	s.setPrediction(matchID, id)
	s.saveMatch(ctx, storage.Match{Token: s.Token, MatchID: matchID, PredictionID: id, Hero: hero, Team: team})
	s.logf("opened prediction %s for match %s", id, matchID)
	return nil
}

func (s *Session) setPrediction(matchID, id string) {
	s.mu.Lock()
	if s.bets.matchID == matchID {
		s.bets.predictionID = id
	}
	s.mu.Unlock()
}

// CloseBets resolves the match prediction for winningTeam ("radiant" or
// "dire"), stores the result and refreshes the streamer's rank. Nothing to
// close counts as success. details may be nil.
func (s *Session) CloseBets(ctx context.Context, winningTeam string, details *matchdata.Details) error {
	if winningTeam == "" {
		return nil
	}

	s.mu.Lock()
	if s.state == Disabled || s.matchID == "" || (s.bets.matchID == s.matchID && s.bets.resolved) {
		s.mu.Unlock()
		return nil
	}
	matchID := s.matchID
	predictionID := ""
	if s.bets.matchID == matchID {
		predictionID = s.bets.predictionID
	}
	s.bets.matchID = matchID
	s.bets.resolved = true
	channel := s.user.Channel
	var team, hero string
	if s.snap != nil {
		team, hero = s.snap.Team(), s.snap.HeroName()
	}
	s.mu.Unlock()

	stored, loadErr := s.loadMatch(ctx, matchID)
	if loadErr == nil && predictionID == "" {
		predictionID = stored.PredictionID
	}

	won := winningTeam == team
	if details != nil && details.RadiantWin != nil && team != "" {
		won = *details.RadiantWin == (team == "radiant")
	}

	if predictionID != "" && s.deps.Predictions != nil {
		outcome := 1
		if won {
			outcome = 0
		}
		cctx, cancel := s.deps.callCtx(ctx)
		err := s.deps.Predictions.Resolve(cctx, channel, predictionID, outcome)
		cancel()
		switch {
		case errors.Is(err, predictions.ErrNothingToResolve):
			s.deps.record(DepPredictions, nil)
			s.logf("prediction %s had nothing to resolve", predictionID)
		case err != nil:
			s.deps.record(DepPredictions, err)
			s.logf("resolve prediction %s: %v", predictionID, err)
		default:
			s.deps.record(DepPredictions, nil)
		}
	}

	now := s.deps.now()
	m := storage.Match{Token: s.Token, MatchID: matchID, PredictionID: predictionID, Hero: hero, Team: team}
	if loadErr == nil {
		m.CreatedAt = stored.CreatedAt
		if m.Hero == "" {
			m.Hero = stored.Hero
		}
		if m.Team == "" {
			m.Team = stored.Team
		}
	}
	m.Won = &won
	m.ResolvedAt = &now
	s.saveMatch(ctx, m)

	if won {
		s.say(ctx, "We won!")
	} else {
		s.say(ctx, "We lost")
	}

	if details.Ranked() {
		delta := -rankDelta
		if won {
			delta = rankDelta
		}
		s.updateRank(ctx, delta)
	}
	return nil
}

func (s *Session) updateRank(ctx context.Context, delta int) {
	cctx, cancel := s.deps.callCtx(ctx)
	user, err := s.deps.Docs.UpdateRank(cctx, s.Token, delta)
	cancel()
	s.deps.record(DepDocuments, err)
	if err != nil {
		s.logf("update rank: %v", err)
		return
	}
	s.mu.Lock()
	s.user.Rank = user.Rank
	s.mu.Unlock()
	s.send(ws.MsgUpdateMedal, ws.MedalPayload{Rank: user.Rank})
}

func (s *Session) loadMatch(ctx context.Context, matchID string) (storage.Match, error) {
	cctx, cancel := s.deps.callCtx(ctx)
	defer cancel()
	m, err := s.deps.Docs.Match(cctx, s.Token, matchID)
	if errors.Is(err, storage.ErrNotFound) {
		s.deps.record(DepDocuments, nil)
		return storage.Match{}, err
	}
	s.deps.record(DepDocuments, err)
	if err != nil {
		s.logf("load match %s: %v", matchID, err)
	}
	return m, err
}

func (s *Session) saveMatch(ctx context.Context, m storage.Match) {
	cctx, cancel := s.deps.callCtx(ctx)
	defer cancel()
	err := s.deps.Docs.SaveMatch(cctx, m)
	s.deps.record(DepDocuments, err)
	if err != nil {
		s.logf("save match %s: %v", m.MatchID, err)
	}
}

// HandleGameState opens bets once the match has left hero selection.
func (s *Session) HandleGameState(ctx context.Context, state string) error {
	switch state {
	case gsi.StateStrategyTime, gsi.StatePreGame, gsi.StateInProgress:
		return s.OpenBets(ctx)
	}
	return nil
}

// HandleWinTeam closes bets when the match is decided.
func (s *Session) HandleWinTeam(ctx context.Context, winTeam string) error {
	if winTeam == "" || winTeam == "none" {
		return nil
	}
	var details *matchdata.Details
	if s.deps.Matches != nil {
		if matchID := s.MatchID(); matchID != "" {
			cctx, cancel := s.deps.callCtx(ctx)
			d, err := s.deps.Matches.MatchDetails(cctx, matchID)
			cancel()
			s.deps.record(DepMatchData, err)
			if err != nil {
				s.logf("match details %s: %v", matchID, err)
			} else {
				details = d
			}
		}
	}
	return s.CloseBets(ctx, winTeam, details)
}
