package ws

import (
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/mitchellh/hashstructure/v2"
)

// Sender delivers one message to the overlays of a token.
type Sender interface {
	Send(token string, msg Message)
}

type slice struct {
	sent     interface{}
	sentHash uint64
	hashed   bool
	sentAt   time.Time
	latest   interface{}
}

// Multiplexer decides whether a changed entity slice is worth sending.
// A push goes out only when the data differs from what was last sent and
// the entity's minimum interval has elapsed. Anything else is dropped.
type Multiplexer struct {
	mu              sync.Mutex
	out             Sender
	defaultInterval time.Duration
	intervals       map[string]time.Duration
	now             func() time.Time
	slices          map[string]map[string]*slice // token -> entity -> slice
}

type MuxOption func(*Multiplexer)

// WithMuxClock overrides the clock used for interval checks.
func WithMuxClock(now func() time.Time) MuxOption {
	return func(m *Multiplexer) { m.now = now }
}

func NewMultiplexer(out Sender, defaultInterval time.Duration, intervals map[string]time.Duration, opts ...MuxOption) *Multiplexer {
	m := &Multiplexer{
		out:             out,
		defaultInterval: defaultInterval,
		intervals:       make(map[string]time.Duration, len(intervals)),
		now:             time.Now,
		slices:          make(map[string]map[string]*slice),
	}
	for k, v := range intervals {
		m.intervals[k] = v
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Interval is the minimum time between two sends of entity.
func (m *Multiplexer) Interval(entity string) time.Duration {
	if d, ok := m.intervals[entity]; ok {
		return d
	}
	return m.defaultInterval
}

// Push offers new data for (token, entity) and reports whether it was sent.
func (m *Multiplexer) Push(token, entity string, data interface{}) bool {
	hash, hashErr := hashstructure.Hash(data, hashstructure.FormatV2, nil)
	now := m.now()

	m.mu.Lock()
	entities, ok := m.slices[token]
	if !ok {
		entities = make(map[string]*slice)
		m.slices[token] = entities
	}
	s, ok := entities[entity]
	if !ok {
		s = &slice{}
		entities[entity] = s
	}
	s.latest = data

	if !s.sentAt.IsZero() {
		if sameData(s, data, hash, hashErr == nil) {
			m.mu.Unlock()
			return false
		}
		if now.Sub(s.sentAt) < m.Interval(entity) {
			m.mu.Unlock()
			return false
		}
	}
	s.sent = data
	s.sentHash = hash
	s.hashed = hashErr == nil
	s.sentAt = now
	m.mu.Unlock()

	m.out.Send(token, Message{Type: DataType(entity), Payload: data})
	return true
}

// sameData reports deep equality with the last sent data. Differing hashes
// prove a change; equal hashes can collide (nil and 0 encode alike) and are
// confirmed with DeepEqual.
func sameData(s *slice, data interface{}, hash uint64, hashed bool) bool {
	if hashed && s.hashed && hash != s.sentHash {
		return false
	}
	return reflect.DeepEqual(s.sent, data)
}

// Replay returns the last-known data of every entity for token, ordered by
// entity name. It bypasses the throttle and does not count as a send.
func (m *Multiplexer) Replay(token string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	entities := m.slices[token]
	names := make([]string, 0, len(entities))
	for name := range entities {
		names = append(names, name)
	}
	sort.Strings(names)

	msgs := make([]Message, 0, len(names))
	for _, name := range names {
		msgs = append(msgs, Message{Type: DataType(name), Payload: entities[name].latest})
	}
	return msgs
}

// Forget drops every slice tracked for token.
func (m *Multiplexer) Forget(token string) {
	m.mu.Lock()
	delete(m.slices, token)
	m.mu.Unlock()
}

// Tokens is the number of tokens with tracked slices.
func (m *Multiplexer) Tokens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slices)
}
