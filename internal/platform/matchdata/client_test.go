package matchdata

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMatch = `{
  "radiant_win": true,
  "duration": 1800,
  "game_mode": 23,
  "lobby_type": 7,
  "players": [
    {"account_id": 111, "player_slot": 0, "hero_id": 2},
    {"account_id": 222, "player_slot": 128, "hero_id": 5}
  ]
}`

func TestMatchDetails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/matches/42", r.URL.Path)
		_, _ = w.Write([]byte(sampleMatch))
	}))
	defer srv.Close()

	d, err := New(srv.URL, time.Second).MatchDetails(context.Background(), "42")
	require.NoError(t, err)
	require.NotNil(t, d.RadiantWin)
	assert.True(t, *d.RadiantWin)
	assert.Equal(t, 30*time.Minute, d.Duration)
	assert.True(t, d.Turbo())
	assert.True(t, d.Ranked())
	require.Len(t, d.Players, 2)
	assert.Equal(t, "222", d.Players[1].AccountID)
	assert.Equal(t, 128, d.Players[1].Slot)
}

func TestMatchDetails_Undecided(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"radiant_win": null, "game_mode": 22}`))
	}))
	defer srv.Close()

	d, err := New(srv.URL, time.Second).MatchDetails(context.Background(), "1")
	require.NoError(t, err)
	assert.Nil(t, d.RadiantWin)
	assert.False(t, d.Turbo())
}

func TestMatchDetails_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/matches/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/matches/bad":
			_, _ = w.Write([]byte(`{`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()
	c := New(srv.URL, time.Second)

	_, err := c.MatchDetails(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = c.MatchDetails(context.Background(), "bad")
	assert.Error(t, err)
	_, err = c.MatchDetails(context.Background(), "other")
	assert.Error(t, err)
}

func TestMatchDetails_SharesConcurrentLookups(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		<-release
		_, _ = w.Write([]byte(sampleMatch))
	}))
	defer srv.Close()
	c := New(srv.URL, 5*time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.MatchDetails(context.Background(), "42")
			assert.NoError(t, err)
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
}

func TestMatchDetails_CancelledCallerDoesNotFailOthers(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		entered <- struct{}{}
		<-release
		_, _ = w.Write([]byte(sampleMatch))
	}))
	defer srv.Close()
	c := New(srv.URL, 5*time.Second)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.MatchDetails(firstCtx, "42")
		firstErr <- err
	}()
	<-entered

	type result struct {
		d   *Details
		err error
	}
	second := make(chan result, 1)
	go func() {
		d, err := c.MatchDetails(context.Background(), "42")
		second <- result{d, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	got := <-second
	require.NoError(t, got.err)
	require.NotNil(t, got.d.RadiantWin)
	assert.True(t, *got.d.RadiantWin)
	assert.Equal(t, int32(1), hits.Load())
}
