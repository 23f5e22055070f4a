package gsi

import (
	"context"
	"log"

	"github.com/gsi-overlay/backend/internal/events"
	"github.com/tidwall/gjson"
)

// Change sections of a tick, routed in this order.
const (
	SectionPreviously = "previously"
	SectionAdded      = "added"
)

const DefaultMaxDepth = 32

// Emitter receives routed events.
type Emitter interface {
	Emit(ctx context.Context, ev events.Event)
}

// Router walks a changed tree in lock-step with the full body and emits one
// event per changed leaf, named by its dotted path.
type Router struct {
	emitter  Emitter
	maxDepth int
}

func NewRouter(emitter Emitter) *Router {
	return &Router{emitter: emitter, maxDepth: DefaultMaxDepth}
}

// Dispatch routes both change sections of snap and then fires the catch-all
// newdata event with the full body.
func (r *Router) Dispatch(ctx context.Context, snap *Snapshot) {
	token := snap.Token()
	r.Route(ctx, SectionPreviously, snap, token)
	r.Route(ctx, SectionAdded, snap, token)
	r.emitter.Emit(ctx, events.Event{Name: events.NewData, Value: snap.Body(), Token: token})
}

// Route emits events for the changed tree found under section.
func (r *Router) Route(ctx context.Context, section string, snap *Snapshot, token string) {
	changed := snap.Get(section)
	if !changed.IsObject() {
		return
	}
	r.walk(ctx, "", changed, snap.Body(), token, 0)
}

func (r *Router) walk(ctx context.Context, prefix string, changed, full gjson.Result, token string, depth int) {
	if depth >= r.maxDepth {
		log.Printf("[router] max depth %d reached at %q, dropping subtree", r.maxDepth, prefix)
		return
	}
	if !full.IsObject() {
		return
	}
	values := full.Map()

	changed.ForEach(func(k, v gjson.Result) bool {
		key := k.String()
		fv, ok := values[key]
		if !ok {
			return true
		}
		name := prefix + key

		switch {
		case v.IsObject():
			r.walk(ctx, name+".", v, fv, token, depth+1)
		case fv.IsObject() && truthy(v):
			// Bulk add: the producer only says the subtree now exists, so
			// every child is announced as newly known without drilling down.
			fv.ForEach(func(ck, cv gjson.Result) bool {
				r.emit(ctx, name+"."+ck.String(), cv, token)
				return true
			})
		default:
			r.emit(ctx, name, fv, token)
		}
		return true
	})
}

func (r *Router) emit(ctx context.Context, name string, value gjson.Result, token string) {
	r.emitter.Emit(ctx, events.Event{Name: name, Value: value, Token: token})
}

func truthy(v gjson.Result) bool {
	switch v.Type {
	case gjson.True, gjson.JSON:
		return true
	case gjson.Number:
		return v.Float() != 0
	case gjson.String:
		return v.Str != ""
	default:
		return false
	}
}
