package predictions

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreate_TruncatesLabels(t *testing.T) {
	var got createBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/predictions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"pred-1"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", time.Second)
	id, err := c.Create(context.Background(), Request{
		Channel:  "streamer",
		Title:    strings.Repeat("t", 60),
		Outcomes: [2]string{strings.Repeat("y", 30), "No"},
		AutoLock: 4 * time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, "pred-1", id)
	assert.Len(t, []rune(got.Title), MaxTitleRunes)
	assert.Len(t, []rune(got.Outcomes[0]), MaxOutcomeRunes)
	assert.Equal(t, "No", got.Outcomes[1])
	assert.Equal(t, 240, got.AutoLockSeconds)
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusConflict, ErrAlreadyOpen},
		{http.StatusNotFound, ErrNothingToResolve},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
		}))
		c := New(srv.URL, "", time.Second)
		err := c.Resolve(context.Background(), "streamer", "pred-1", 0)
		assert.True(t, errors.Is(err, tt.want), "status %d: got %v", tt.status, err)
		srv.Close()
	}
}

func TestServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "", time.Second).Create(context.Background(), Request{Title: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	err := New(srv.URL, "", 20*time.Millisecond).Resolve(context.Background(), "c", "p", 1)
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "héll", Truncate("héllo", 4))
	assert.Equal(t, "ok", Truncate("ok", 4))
}
