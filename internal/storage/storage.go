// Package storage declares the persistence collaborators used by sessions:
// a small shared key-value store for mirrored derived state and a document
// store for users and matches.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("not found")

// KV is a shared key-value store. Only per-key atomic get/set is promised;
// callers tolerate stale reads and absent keys.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, keys ...string) error
}

// User is the owner of a telemetry token.
type User struct {
	ID          string `json:"id"`
	Token       string `json:"token"`
	Channel     string `json:"channel"`
	AccountID   string `json:"accountId,omitempty"`
	BetsEnabled bool   `json:"betsEnabled"`
	ChatEnabled bool   `json:"chatEnabled"`
	Rank        int    `json:"rank"`
}

// Match is the per-token record of one played match.
type Match struct {
	Token        string     `json:"token"`
	MatchID      string     `json:"matchId"`
	PredictionID string     `json:"predictionId,omitempty"`
	Hero         string     `json:"hero,omitempty"`
	Team         string     `json:"team,omitempty"`
	Won          *bool      `json:"won,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	ResolvedAt   *time.Time `json:"resolvedAt,omitempty"`
}

// Documents is the document store.
type Documents interface {
	UserByToken(ctx context.Context, token string) (User, error)
	UpdateRank(ctx context.Context, token string, delta int) (User, error)
	Match(ctx context.Context, token, matchID string) (Match, error)
	SaveMatch(ctx context.Context, m Match) error
	// ClearTokenCache drops any records cached for token so the next read
	// goes to the backing store.
	ClearTokenCache(ctx context.Context, token string) error
}

// GetJSON decodes the value at key into v. It reports false without error
// when the key is absent.
func GetJSON(ctx context.Context, kv KV, key string, v any) (bool, error) {
	data, err := kv.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it at key.
func SetJSON(ctx context.Context, kv KV, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := kv.Set(ctx, key, data); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}
