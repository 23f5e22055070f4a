// Package matchdata looks up finished and live match details from the
// game data service.
package matchdata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

const (
	GameModeTurbo   = 23
	LobbyTypeRanked = 7
)

var ErrNotFound = errors.New("match not found")

// Details is the subset of match data the relay uses.
type Details struct {
	MatchID    string
	RadiantWin *bool
	Duration   time.Duration
	GameMode   int
	LobbyType  int
	Players    []Player
}

type Player struct {
	AccountID string
	Slot      int
	HeroID    int
}

func (d *Details) Turbo() bool  { return d != nil && d.GameMode == GameModeTurbo }
func (d *Details) Ranked() bool { return d != nil && d.LobbyType == LobbyTypeRanked }

type Client struct {
	baseURL string
	client  *http.Client
	group   singleflight.Group
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// MatchDetails fetches one match. Concurrent lookups of the same match
// share a single request. The shared request is detached from any one
// caller's cancellation and bounded by the client timeout; a cancelled
// caller stops waiting without failing the others.
func (c *Client) MatchDetails(ctx context.Context, matchID string) (*Details, error) {
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(matchID, func() (any, error) {
		return c.fetch(shared, matchID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Details), nil
	}
}

func (c *Client) fetch(ctx context.Context, matchID string) (*Details, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/matches/"+matchID, nil)
	if err != nil {
		return nil, fmt.Errorf("build match request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("match request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("match service returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read match response: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("match response is not valid json")
	}
	return parseDetails(matchID, gjson.ParseBytes(body)), nil
}

func parseDetails(matchID string, r gjson.Result) *Details {
	d := &Details{
		MatchID:   matchID,
		Duration:  time.Duration(r.Get("duration").Int()) * time.Second,
		GameMode:  int(r.Get("game_mode").Int()),
		LobbyType: int(r.Get("lobby_type").Int()),
	}
	if w := r.Get("radiant_win"); w.Exists() && w.Type != gjson.Null {
		b := w.Bool()
		d.RadiantWin = &b
	}
	r.Get("players").ForEach(func(_, p gjson.Result) bool {
		d.Players = append(d.Players, Player{
			AccountID: p.Get("account_id").String(),
			Slot:      int(p.Get("player_slot").Int()),
			HeroID:    int(p.Get("hero_id").Int()),
		})
		return true
	})
	return d
}
