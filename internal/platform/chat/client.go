// Package chat delivers messages to the chat platform over a persistent
// websocket connection to its gateway.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

var ErrNotConnected = errors.New("chat gateway not connected")

// Message is one outbound chat line.
type Message struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
	ReplyTo string `json:"replyTo,omitempty"`
}

type Client struct {
	url          string
	token        string
	writeTimeout time.Duration
	backoff      func() backoff.BackOff

	mu   sync.RWMutex
	conn *websocket.Conn
}

func New(url, token string, writeTimeout time.Duration) *Client {
	return &Client{
		url:          url,
		token:        token,
		writeTimeout: writeTimeout,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			return b
		},
	}
}

// Run keeps the gateway connection open until ctx is cancelled,
// reconnecting with exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	for {
		conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
			return c.dial(ctx)
		},
			backoff.WithBackOff(c.backoff()),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				log.Printf("[chat] dial failed, retrying in %s: %v", next, err)
			}),
		)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("chat gateway: %w", err)
		}

		log.Printf("[chat] connected to gateway")
		c.setConn(conn)
		err = c.drain(ctx, conn)
		c.setConn(nil)
		_ = conn.CloseNow()

		if ctx.Err() != nil {
			return nil
		}
		log.Printf("[chat] gateway connection lost: %v", err)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	return conn, nil
}

// drain reads and discards gateway acknowledgements until the connection
// fails.
func (c *Client) drain(ctx context.Context, conn *websocket.Conn) error {
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return err
		}
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Send writes one message. It fails fast with ErrNotConnected while the
// gateway is down; messages are never queued.
func (c *Client) Send(ctx context.Context, channel, text, replyTo string) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	if c.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
	}
	if err := wsjson.Write(ctx, conn, Message{Channel: channel, Text: text, ReplyTo: replyTo}); err != nil {
		return fmt.Errorf("send chat message: %w", err)
	}
	return nil
}
