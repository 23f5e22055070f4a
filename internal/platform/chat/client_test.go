package chat

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gateway(t *testing.T, got chan<- Message) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer bot", r.Header.Get("Authorization"))
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for {
			var m Message
			if err := wsjson.Read(r.Context(), conn, &m); err != nil {
				return
			}
			got <- m
		}
	}))
}

func waitConnected(t *testing.T, c *Client) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Connected() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("client never connected")
}

func TestSend_NotConnected(t *testing.T) {
	c := New("ws://127.0.0.1:1/unused", "", time.Second)
	err := c.Send(context.Background(), "streamer", "hi", "")
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestRunAndSend(t *testing.T) {
	got := make(chan Message, 1)
	srv := gateway(t, got)
	defer srv.Close()

	c := New("ws"+strings.TrimPrefix(srv.URL, "http"), "bot", time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	waitConnected(t, c)
	require.NoError(t, c.Send(ctx, "streamer", "Aegis expires in 10s", "msg-1"))

	select {
	case m := <-got:
		assert.Equal(t, Message{Channel: "streamer", Text: "Aegis expires in 10s", ReplyTo: "msg-1"}, m)
	case <-time.After(2 * time.Second):
		t.Fatal("gateway never received message")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, c.Connected())
}
