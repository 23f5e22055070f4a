// Package memory is an in-process implementation of the storage
// collaborators. It backs single-process deployments and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gsi-overlay/backend/internal/storage"
)

type Store struct {
	mu      sync.RWMutex
	kv      map[string][]byte
	users   map[string]storage.User
	matches map[string]storage.Match
	cleared map[string]int
}

func New() *Store {
	return &Store{
		kv:      make(map[string][]byte),
		users:   make(map[string]storage.User),
		matches: make(map[string]storage.Match),
		cleared: make(map[string]int),
	}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.kv[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	s.mu.Lock()
	s.kv[key] = cp
	s.mu.Unlock()
	return nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	for _, k := range keys {
		delete(s.kv, k)
	}
	s.mu.Unlock()
	return nil
}

// Keys returns the stored keys with the given prefix, sorted.
func (s *Store) Keys(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.kv {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// PutUser registers or replaces a user.
func (s *Store) PutUser(u storage.User) {
	s.mu.Lock()
	s.users[u.Token] = u
	s.mu.Unlock()
}

func (s *Store) UserByToken(ctx context.Context, token string) (storage.User, error) {
	if err := ctx.Err(); err != nil {
		return storage.User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[token]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *Store) UpdateRank(ctx context.Context, token string, delta int) (storage.User, error) {
	if err := ctx.Err(); err != nil {
		return storage.User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[token]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	u.Rank += delta
	if u.Rank < 0 {
		u.Rank = 0
	}
	s.users[token] = u
	return u, nil
}

func matchKey(token, matchID string) string { return token + ":" + matchID }

func (s *Store) Match(ctx context.Context, token, matchID string) (storage.Match, error) {
	if err := ctx.Err(); err != nil {
		return storage.Match{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.matches[matchKey(token, matchID)]
	if !ok {
		return storage.Match{}, storage.ErrNotFound
	}
	return m, nil
}

func (s *Store) SaveMatch(ctx context.Context, m storage.Match) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	key := matchKey(m.Token, m.MatchID)
	if existing, ok := s.matches[key]; ok {
		m.CreatedAt = existing.CreatedAt
	} else if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	s.matches[key] = m
	return nil
}

// ClearTokenCache has nothing cached to drop; it counts calls so tests can
// observe teardown.
func (s *Store) ClearTokenCache(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cleared[token]++
	s.mu.Unlock()
	return nil
}

// ClearedCount reports how many times ClearTokenCache ran for token.
func (s *Store) ClearedCount(token string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cleared[token]
}
