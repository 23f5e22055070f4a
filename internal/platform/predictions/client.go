// Package predictions talks to the prediction-market platform.
package predictions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	MaxTitleRunes   = 45
	MaxOutcomeRunes = 25
)

var (
	// ErrAlreadyOpen means the channel already has an open prediction.
	ErrAlreadyOpen = errors.New("prediction already open")
	// ErrNothingToResolve means there is no prediction to resolve.
	ErrNothingToResolve = errors.New("no prediction to resolve")
)

// Request describes a prediction to open.
type Request struct {
	Channel  string
	Title    string
	Outcomes [2]string
	AutoLock time.Duration
}

type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// New creates a client for baseURL. Every call is bounded by timeout.
func New(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

type createBody struct {
	Channel         string   `json:"channel"`
	Title           string   `json:"title"`
	Outcomes        []string `json:"outcomes"`
	AutoLockSeconds int      `json:"autoLockSeconds"`
}

type createResponse struct {
	ID string `json:"id"`
}

// Create opens a prediction and returns its id. Title and outcome labels
// are truncated to the platform limits.
func (c *Client) Create(ctx context.Context, r Request) (string, error) {
	body := createBody{
		Channel:         r.Channel,
		Title:           Truncate(r.Title, MaxTitleRunes),
		Outcomes:        []string{Truncate(r.Outcomes[0], MaxOutcomeRunes), Truncate(r.Outcomes[1], MaxOutcomeRunes)},
		AutoLockSeconds: int(r.AutoLock / time.Second),
	}
	var out createResponse
	if err := c.do(ctx, http.MethodPost, "/predictions", body, &out); err != nil {
		return "", fmt.Errorf("create prediction: %w", err)
	}
	return out.ID, nil
}

type resolveBody struct {
	Channel        string `json:"channel"`
	WinningOutcome int    `json:"winningOutcome"`
}

// Resolve settles prediction id with the outcome at index winning.
func (c *Client) Resolve(ctx context.Context, channel, id string, winning int) error {
	body := resolveBody{Channel: channel, WinningOutcome: winning}
	if err := c.do(ctx, http.MethodPost, "/predictions/"+id+"/resolve", body, nil); err != nil {
		return fmt.Errorf("resolve prediction: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		return ErrAlreadyOpen
	case resp.StatusCode == http.StatusNotFound:
		return ErrNothingToResolve
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("platform returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
