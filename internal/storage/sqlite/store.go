// Package sqlite implements the storage collaborators on SQLite: the
// key-value mirror and the user/match document store share one database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gsi-overlay/backend/internal/storage"
	"github.com/gsi-overlay/backend/internal/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

type Store struct {
	sqlDB *sql.DB

	mu        sync.RWMutex
	userCache map[string]storage.User // token -> user
}

// Open opens the database at path and applies migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, userCache: make(map[string]storage.User)}, nil
}

func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.sqlDB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get kv: %w", err)
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
`, key, value, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("set kv: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM kv WHERE key IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("delete kv: %w", err)
	}
	return nil
}

// UpsertUser creates or replaces a user row.
func (s *Store) UpsertUser(ctx context.Context, u storage.User) error {
	if strings.TrimSpace(u.Token) == "" {
		return fmt.Errorf("user token is required")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO users (token, id, channel, account_id, bets_enabled, chat_enabled, rank)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(token) DO UPDATE SET
	id = excluded.id,
	channel = excluded.channel,
	account_id = excluded.account_id,
	bets_enabled = excluded.bets_enabled,
	chat_enabled = excluded.chat_enabled,
	rank = excluded.rank
`, u.Token, u.ID, u.Channel, u.AccountID, u.BetsEnabled, u.ChatEnabled, u.Rank)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	s.forget(u.Token)
	return nil
}

// UserByToken serves from the per-token cache, loading from the database on
// a miss.
func (s *Store) UserByToken(ctx context.Context, token string) (storage.User, error) {
	s.mu.RLock()
	u, ok := s.userCache[token]
	s.mu.RUnlock()
	if ok {
		return u, nil
	}

	u, err := s.loadUser(ctx, token)
	if err != nil {
		return storage.User{}, err
	}
	s.mu.Lock()
	s.userCache[token] = u
	s.mu.Unlock()
	return u, nil
}

func (s *Store) loadUser(ctx context.Context, token string) (storage.User, error) {
	var u storage.User
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT token, id, channel, account_id, bets_enabled, chat_enabled, rank
FROM users WHERE token = ?
`, token).Scan(&u.Token, &u.ID, &u.Channel, &u.AccountID, &u.BetsEnabled, &u.ChatEnabled, &u.Rank)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.User{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.User{}, fmt.Errorf("load user: %w", err)
	}
	return u, nil
}

func (s *Store) UpdateRank(ctx context.Context, token string, delta int) (storage.User, error) {
	res, err := s.sqlDB.ExecContext(ctx, `UPDATE users SET rank = MAX(0, rank + ?) WHERE token = ?`, delta, token)
	if err != nil {
		return storage.User{}, fmt.Errorf("update rank: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.User{}, storage.ErrNotFound
	}
	s.forget(token)
	return s.UserByToken(ctx, token)
}

func (s *Store) Match(ctx context.Context, token, matchID string) (storage.Match, error) {
	var (
		m                storage.Match
		won              sql.NullBool
		created, updated int64
		resolved         sql.NullInt64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT token, match_id, prediction_id, hero, team, won, created_at, updated_at, resolved_at
FROM matches WHERE token = ? AND match_id = ?
`, token, matchID).Scan(&m.Token, &m.MatchID, &m.PredictionID, &m.Hero, &m.Team, &won, &created, &updated, &resolved)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Match{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Match{}, fmt.Errorf("load match: %w", err)
	}
	if won.Valid {
		w := won.Bool
		m.Won = &w
	}
	m.CreatedAt = time.UnixMilli(created).UTC()
	m.UpdatedAt = time.UnixMilli(updated).UTC()
	if resolved.Valid {
		r := time.UnixMilli(resolved.Int64).UTC()
		m.ResolvedAt = &r
	}
	return m, nil
}

func (s *Store) SaveMatch(ctx context.Context, m storage.Match) error {
	if m.Token == "" || m.MatchID == "" {
		return fmt.Errorf("match token and id are required")
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	var won sql.NullBool
	if m.Won != nil {
		won = sql.NullBool{Bool: *m.Won, Valid: true}
	}
	var resolved sql.NullInt64
	if m.ResolvedAt != nil {
		resolved = sql.NullInt64{Int64: m.ResolvedAt.UTC().UnixMilli(), Valid: true}
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO matches (token, match_id, prediction_id, hero, team, won, created_at, updated_at, resolved_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(token, match_id) DO UPDATE SET
	prediction_id = excluded.prediction_id,
	hero = excluded.hero,
	team = excluded.team,
	won = excluded.won,
	updated_at = excluded.updated_at,
	resolved_at = excluded.resolved_at
`, m.Token, m.MatchID, m.PredictionID, m.Hero, m.Team, won, m.CreatedAt.UnixMilli(), now.UnixMilli(), resolved)
	if err != nil {
		return fmt.Errorf("save match: %w", err)
	}
	return nil
}

func (s *Store) ClearTokenCache(_ context.Context, token string) error {
	s.forget(token)
	return nil
}

func (s *Store) forget(token string) {
	s.mu.Lock()
	delete(s.userCache, token)
	s.mu.Unlock()
}
