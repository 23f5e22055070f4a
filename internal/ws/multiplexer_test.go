package ws

import (
	"sync"
	"testing"
	"time"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []Message
}

func (r *recordingSender) Send(_ string, msg Message) {
	r.mu.Lock()
	r.sent = append(r.sent, msg)
	r.mu.Unlock()
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMux(out Sender, clock *fakeClock) *Multiplexer {
	return NewMultiplexer(out, time.Second, map[string]time.Duration{
		"minimap": 500 * time.Millisecond,
		"player":  2 * time.Second,
	}, WithMuxClock(clock.now))
}

func TestPush_SameDataSentOnce(t *testing.T) {
	out := &recordingSender{}
	clock := &fakeClock{t: time.Unix(1000, 0)}
	m := newTestMux(out, clock)

	data := map[string]interface{}{"kills": 3, "items": []interface{}{"blink", "bkb"}}
	if !m.Push("tok", "hero", data) {
		t.Fatal("first push should send")
	}
	clock.advance(time.Hour)
	same := map[string]interface{}{"kills": 3, "items": []interface{}{"blink", "bkb"}}
	if m.Push("tok", "hero", same) {
		t.Error("identical data must not be resent regardless of elapsed time")
	}
	if out.count() != 1 {
		t.Errorf("sent %d, want 1", out.count())
	}
}

func TestPush_ThrottleWindow(t *testing.T) {
	out := &recordingSender{}
	clock := &fakeClock{t: time.Unix(1000, 0)}
	m := newTestMux(out, clock)

	m.Push("tok", "hero", map[string]interface{}{"hp": 100})
	clock.advance(200 * time.Millisecond)
	if m.Push("tok", "hero", map[string]interface{}{"hp": 90}) {
		t.Error("push inside interval must be dropped")
	}
	clock.advance(time.Second)
	if !m.Push("tok", "hero", map[string]interface{}{"hp": 80}) {
		t.Error("push after interval with new data must send")
	}
	if out.count() != 2 {
		t.Fatalf("sent %d, want 2", out.count())
	}
	if out.sent[1].Type != "DATA_hero" {
		t.Errorf("type = %q, want DATA_hero", out.sent[1].Type)
	}
}

func TestPush_IndependentIntervals(t *testing.T) {
	out := &recordingSender{}
	clock := &fakeClock{t: time.Unix(1000, 0)}
	m := newTestMux(out, clock)

	m.Push("tok", "minimap", 1)
	m.Push("tok", "player", 1)
	clock.advance(600 * time.Millisecond)

	if !m.Push("tok", "minimap", 2) {
		t.Error("minimap interval is 500ms; push should send")
	}
	if m.Push("tok", "player", 2) {
		t.Error("player interval is 2s; push should drop")
	}
	// Other tokens are tracked separately.
	if !m.Push("other", "player", 2) {
		t.Error("first push for another token should send")
	}
}

func TestPush_UnhashableFallsBackToDeepEqual(t *testing.T) {
	out := &recordingSender{}
	clock := &fakeClock{t: time.Unix(1000, 0)}
	m := newTestMux(out, clock)

	ch := make(chan int)
	type odd struct{ C chan int }
	m.Push("tok", "hero", odd{C: ch})
	clock.advance(time.Hour)
	if m.Push("tok", "hero", odd{C: ch}) {
		t.Error("deep-equal data must not resend")
	}
}

func TestPush_NullAndZeroDiffer(t *testing.T) {
	tests := []struct {
		name        string
		first, next interface{}
	}{
		{"leaf", map[string]interface{}{"respawn_seconds": 0.0}, map[string]interface{}{"respawn_seconds": nil}},
		{"array element", map[string]interface{}{"x": []interface{}{0.0, 1.0}}, map[string]interface{}{"x": []interface{}{nil, 1.0}}},
		{"back to zero", map[string]interface{}{"a": nil}, map[string]interface{}{"a": 0.0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &recordingSender{}
			clock := &fakeClock{t: time.Unix(1000, 0)}
			m := newTestMux(out, clock)

			m.Push("tok", "hero", tt.first)
			clock.advance(10 * time.Second)
			if !m.Push("tok", "hero", tt.next) {
				t.Errorf("push of %v after %v was suppressed", tt.next, tt.first)
			}
			if out.count() != 2 {
				t.Errorf("sent %d, want 2", out.count())
			}
		})
	}
}

func TestReplay(t *testing.T) {
	out := &recordingSender{}
	clock := &fakeClock{t: time.Unix(1000, 0)}
	m := newTestMux(out, clock)

	m.Push("tok", "player", "p1")
	m.Push("tok", "hero", "h1")
	// Dropped by the throttle but still the latest known value.
	m.Push("tok", "hero", "h2")

	msgs := m.Replay("tok")
	if len(msgs) != 2 {
		t.Fatalf("replay len = %d, want 2", len(msgs))
	}
	if msgs[0].Type != "DATA_hero" || msgs[0].Payload != "h2" {
		t.Errorf("msgs[0] = %+v", msgs[0])
	}
	if msgs[1].Type != "DATA_player" {
		t.Errorf("msgs[1] = %+v", msgs[1])
	}
	if out.count() != 2 {
		t.Errorf("replay must not send; sent = %d", out.count())
	}
}

func TestForget(t *testing.T) {
	out := &recordingSender{}
	clock := &fakeClock{t: time.Unix(1000, 0)}
	m := newTestMux(out, clock)

	m.Push("tok", "hero", "h1")
	m.Forget("tok")
	if m.Tokens() != 0 {
		t.Errorf("Tokens = %d after Forget", m.Tokens())
	}
	if !m.Push("tok", "hero", "h1") {
		t.Error("after Forget the same data is new again")
	}
}
