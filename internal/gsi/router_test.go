package gsi

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/gsi-overlay/backend/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(_ context.Context, ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) names() []string {
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.Name)
	}
	return out
}

func mustParse(t *testing.T, body string) *Snapshot {
	t.Helper()
	snap, err := Parse([]byte(body))
	require.NoError(t, err)
	return snap
}

func TestRoute_SingleLeafChange(t *testing.T) {
	rec := &recorder{}
	r := NewRouter(rec)

	snap := mustParse(t, `{
		"auth": {"token": "tok"},
		"hero": {"alive": false, "health": 0},
		"previously": {"hero": {"alive": true}}
	}`)
	r.Route(context.Background(), SectionPreviously, snap, "tok")

	require.Len(t, rec.events, 1)
	ev := rec.events[0]
	assert.Equal(t, "hero.alive", ev.Name)
	assert.False(t, ev.Value.Bool())
	assert.Equal(t, "false", ev.Value.Raw)
	assert.Equal(t, "tok", ev.Token)
}

func TestRoute_MissingFullValueSkipped(t *testing.T) {
	rec := &recorder{}
	r := NewRouter(rec)

	snap := mustParse(t, `{
		"hero": {"alive": true},
		"previously": {"hero": {"buyback_cost": 400}, "wearables": {"w0": 1}}
	}`)
	r.Route(context.Background(), SectionPreviously, snap, "tok")

	assert.Empty(t, rec.events)
}

func TestRoute_BulkAdd(t *testing.T) {
	rec := &recorder{}
	r := NewRouter(rec)

	snap := mustParse(t, `{
		"items": {
			"slot0": {"name": "item_blink", "cooldown": 0},
			"teleport0": {"name": "item_tpscroll", "charges": 1}
		},
		"added": {"items": true}
	}`)
	r.Route(context.Background(), SectionAdded, snap, "tok")

	require.Len(t, rec.events, 2)
	assert.ElementsMatch(t, []string{"items.slot0", "items.teleport0"}, rec.names())
	for _, ev := range rec.events {
		assert.True(t, ev.Value.IsObject(), "bulk add carries the child subtree, not its leaves")
	}
}

func TestRoute_FalsyLeafOverObjectEmitsWhole(t *testing.T) {
	rec := &recorder{}
	r := NewRouter(rec)

	snap := mustParse(t, `{"hero": {"alive": true}, "previously": {"hero": false}}`)
	r.Route(context.Background(), SectionPreviously, snap, "tok")

	require.Len(t, rec.events, 1)
	assert.Equal(t, "hero", rec.events[0].Name)
}

func TestRoute_NestedPaths(t *testing.T) {
	rec := &recorder{}
	r := NewRouter(rec)

	snap := mustParse(t, `{
		"map": {"clock_time": 301, "matchid": "777"},
		"items": {"teleport0": {"name": "empty", "charges": 0}},
		"previously": {
			"map": {"clock_time": 300},
			"items": {"teleport0": {"name": "item_tpscroll", "charges": 1}}
		}
	}`)
	r.Route(context.Background(), SectionPreviously, snap, "tok")

	assert.ElementsMatch(t, []string{"map.clock_time", "items.teleport0.name", "items.teleport0.charges"}, rec.names())
	for _, ev := range rec.events {
		switch ev.Name {
		case "map.clock_time":
			assert.Equal(t, int64(301), ev.Value.Int())
		case "items.teleport0.name":
			assert.Equal(t, "empty", ev.Value.String())
		}
	}
}

func TestRoute_NonObjectSectionIgnored(t *testing.T) {
	rec := &recorder{}
	r := NewRouter(rec)

	snap := mustParse(t, `{"hero": {}, "previously": true}`)
	r.Route(context.Background(), SectionPreviously, snap, "tok")
	r.Route(context.Background(), SectionAdded, snap, "tok")
	assert.Empty(t, rec.events)
}

func TestRoute_MaxDepthGuard(t *testing.T) {
	rec := &recorder{}
	r := NewRouter(rec)
	r.maxDepth = 4

	deep := func(leaf string) string {
		var b strings.Builder
		for i := 0; i < 10; i++ {
			b.WriteString(`{"n":`)
		}
		b.WriteString(leaf)
		for i := 0; i < 10; i++ {
			b.WriteString(`}`)
		}
		return b.String()
	}
	snap := mustParse(t, `{"root": `+deep("1")+`, "previously": {"root": `+deep("0")+`}}`)

	assert.NotPanics(t, func() {
		r.Route(context.Background(), SectionPreviously, snap, "tok")
	})
	assert.Empty(t, rec.events)
}

func TestDispatch_SectionsThenNewData(t *testing.T) {
	rec := &recorder{}
	r := NewRouter(rec)

	snap := mustParse(t, `{
		"auth": {"token": "abc"},
		"hero": {"alive": false, "level": 6},
		"previously": {"hero": {"alive": true}},
		"added": {"hero": {"level": true}}
	}`)
	r.Dispatch(context.Background(), snap)

	assert.Equal(t, []string{"hero.alive", "hero.level", events.NewData}, rec.names())
	last := rec.events[len(rec.events)-1]
	assert.Equal(t, "abc", last.Token)
	assert.True(t, last.Value.Get("hero").IsObject())
}
