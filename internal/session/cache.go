package session

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/gsi-overlay/backend/internal/logging"
	"github.com/gsi-overlay/backend/internal/storage"
)

// Cache owns the active sessions: token -> Session, token -> last seen,
// and secondary identifiers (user id, account id) -> token.
type Cache struct {
	mu       sync.RWMutex
	deps     *Deps
	sessions map[string]*Session
	lastSeen map[string]time.Time
	aliases  map[string]string
	byToken  map[string]map[string]struct{}
}

func NewCache(deps *Deps) *Cache {
	return &Cache{
		deps:     deps,
		sessions: make(map[string]*Session),
		lastSeen: make(map[string]time.Time),
		aliases:  make(map[string]string),
		byToken:  make(map[string]map[string]struct{}),
	}
}

// GetOrCreate returns the session for token, creating it for user when
// absent. The second result reports creation.
func (c *Cache) GetOrCreate(token string, user storage.User) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[token]; ok {
		return s, false
	}
	s := New(token, user, c.deps)
	c.sessions[token] = s
	c.lastSeen[token] = c.deps.now()
	if user.ID != "" {
		c.aliasLocked(user.ID, token)
	}
	return s, true
}

func (c *Cache) Get(token string) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[token]
	return s, ok
}

// Touch marks token as seen now.
func (c *Cache) Touch(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[token]; ok {
		c.lastSeen[token] = c.deps.now()
	}
}

func (c *Cache) LastSeen(token string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.lastSeen[token]
	return t, ok
}

// Alias maps a secondary identifier to token.
func (c *Cache) Alias(alias, token string) {
	if alias == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[token]; !ok {
		return
	}
	c.aliasLocked(alias, token)
}

func (c *Cache) aliasLocked(alias, token string) {
	if old, ok := c.aliases[alias]; ok {
		if old == token {
			return
		}
		delete(c.byToken[old], alias)
	}
	c.aliases[alias] = token
	set, ok := c.byToken[token]
	if !ok {
		set = make(map[string]struct{})
		c.byToken[token] = set
	}
	set[alias] = struct{}{}
}

func (c *Cache) ByAlias(alias string) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	token, ok := c.aliases[alias]
	if !ok {
		return nil, false
	}
	s, ok := c.sessions[token]
	return s, ok
}

// Stale returns the tokens not seen for longer than after, sorted.
func (c *Cache) Stale(now time.Time, after time.Duration) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for token, seen := range c.lastSeen {
		if now.Sub(seen) > after {
			out = append(out, token)
		}
	}
	sort.Strings(out)
	return out
}

// Teardown disables the session for token, removes its aliases, asks the
// document store to drop token-scoped caches, forgets its overlay slices
// and removes it from the cache. It reports whether anything was removed;
// tearing down an absent token is a no-op.
func (c *Cache) Teardown(ctx context.Context, token string) bool {
	return c.teardown(ctx, token, nil)
}

// TeardownIfStale tears token down only if, checked under the cache lock,
// it is still not seen for longer than after. A tick arriving between Stale
// and this call keeps the session.
func (c *Cache) TeardownIfStale(ctx context.Context, token string, now time.Time, after time.Duration) bool {
	return c.teardown(ctx, token, func(seen time.Time) bool {
		return now.Sub(seen) > after
	})
}

func (c *Cache) teardown(ctx context.Context, token string, stale func(seen time.Time) bool) bool {
	c.mu.Lock()
	s, ok := c.sessions[token]
	seenAt, seen := c.lastSeen[token]
	if !ok && !seen {
		c.mu.Unlock()
		return false
	}
	if stale != nil && seen && !stale(seenAt) {
		c.mu.Unlock()
		return false
	}
	for alias := range c.byToken[token] {
		delete(c.aliases, alias)
	}
	delete(c.byToken, token)
	c.mu.Unlock()

	if s != nil {
		s.Disable()
	}

	cctx, cancel := c.deps.callCtx(ctx)
	err := c.deps.Docs.ClearTokenCache(cctx, token)
	cancel()
	c.deps.record(DepDocuments, err)
	if err != nil {
		log.Printf("[%s] clear token cache: %v", logging.Redact(token), err)
	}
	c.deps.Slices.Forget(token)

	c.mu.Lock()
	defer c.mu.Unlock()
	// A tick may have recreated the session meanwhile; leave that one.
	if cur, ok := c.sessions[token]; ok && cur != s {
		return true
	}
	delete(c.sessions, token)
	delete(c.lastSeen, token)
	return true
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

// Tokens returns the cached tokens, sorted.
func (c *Cache) Tokens() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.sessions))
	for token := range c.sessions {
		out = append(out, token)
	}
	sort.Strings(out)
	return out
}

// ActiveCount is the number of sessions in the active state.
func (c *Cache) ActiveCount() int {
	c.mu.RLock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.RUnlock()

	count := 0
	for _, s := range sessions {
		if s.State() == Active {
			count++
		}
	}
	return count
}
