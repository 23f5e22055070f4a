// Package events maps event names to handlers and dispatches emitted events
// asynchronously. Handlers for the same name run independently of each
// other; a failing or panicking handler is logged and never reaches the
// emitter or its siblings.
package events

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/tidwall/gjson"
)

// NewData is the catch-all event fired once per accepted tick with the full
// snapshot body as its value.
const NewData = "newdata"

// Event is a named telemetry change for one session token. Value is the
// current value at the changed path.
type Event struct {
	Name  string
	Value gjson.Result
	Token string
}

// Handler processes one event. Handlers may see the same discrete in-game
// occurrence more than once and must be idempotent against it.
type Handler func(ctx context.Context, ev Event) error

// Registry is an explicitly constructed name -> handlers table.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	inflight sync.WaitGroup
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string][]Handler)}
}

// Register adds h to the handlers for name. Registration is synchronous.
func (r *Registry) Register(name string, h Handler) {
	if name == "" || h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = append(r.handlers[name], h)
}

// Has reports whether any handler is registered for name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[name]) > 0
}

// Names returns the registered event names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Emit starts every handler registered for ev.Name in its own goroutine and
// returns immediately. Unregistered names are ignored.
func (r *Registry) Emit(ctx context.Context, ev Event) {
	r.mu.RLock()
	hs := r.handlers[ev.Name]
	r.mu.RUnlock()

	for _, h := range hs {
		r.inflight.Add(1)
		go func() {
			defer r.inflight.Done()
			if err := invoke(ctx, h, ev); err != nil {
				log.Printf("[events] handler for %q failed: %v", ev.Name, err)
			}
		}()
	}
}

// Wait blocks until every handler started so far has returned.
func (r *Registry) Wait() {
	r.inflight.Wait()
}

func invoke(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return h(ctx, ev)
}
