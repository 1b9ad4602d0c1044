package lifecycle

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/hive/internal/changefeed"
	"github.com/mohammad-safakhou/hive/internal/store"
	"github.com/mohammad-safakhou/hive/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSup struct {
	mu      sync.Mutex
	running map[string]store.Agent
	starts  []string
	stops   []string
}

func newFakeSup() *fakeSup { return &fakeSup{running: map[string]store.Agent{}} }

func (f *fakeSup) Start(ctx context.Context, a store.Agent) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.running[a.ID]; ok {
		return false
	}
	f.running[a.ID] = a
	f.starts = append(f.starts, a.ID)
	return true
}

func (f *fakeSup) Stop(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.running[id]; !ok {
		return false
	}
	delete(f.running, id)
	f.stops = append(f.stops, id)
	return true
}

func (f *fakeSup) Update(a store.Agent) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.running[a.ID]; !ok {
		return false
	}
	f.running[a.ID] = a
	return true
}

func (f *fakeSup) Running(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.running[id]
	return ok
}

func (f *fakeSup) Active() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id := range f.running {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (f *fakeSup) snapshot(id string) store.Agent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[id]
}

type chanFeed struct {
	ch chan changefeed.Event
}

func (c chanFeed) Subscribe(ctx context.Context, table string, _ changefeed.Filter) (<-chan changefeed.Event, error) {
	out := make(chan changefeed.Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-c.ch:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// mapRegistry serves agents by id the way the store reloads them after a notification.
type mapRegistry struct {
	mu     sync.Mutex
	agents map[string]store.Agent
}

func newMapRegistry() *mapRegistry { return &mapRegistry{agents: map[string]store.Agent{}} }

func (r *mapRegistry) put(a store.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.ID] = a
}

func (r *mapRegistry) GetAgent(ctx context.Context, id string) (store.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return store.Agent{}, store.ErrNotFound
	}
	return a, nil
}

func (r *mapRegistry) ListAgents(ctx context.Context, f store.AgentFilter) ([]store.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.Agent
	for _, a := range r.agents {
		if f.Kind == "" || a.Kind == f.Kind {
			out = append(out, a)
		}
	}
	return out, nil
}

// event builds the compact trigger payload for a.
func event(t *testing.T, typ string, a store.Agent) changefeed.Event {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{"id": a.ID, "kind": a.Kind, "status": a.Status, "parent_id": a.ParentID})
	require.NoError(t, err)
	return changefeed.Event{Table: "agents", Type: typ, Record: raw}
}

func TestApply(t *testing.T) {
	reg := newMapRegistry()
	queen := store.Agent{ID: "q1", Kind: store.KindQueen, Name: "Sophia", Status: store.AgentOnline}
	reg.put(queen)
	sup := newFakeSup()
	s := New(reg, nil, sup, nil)
	ctx := context.Background()

	anna := store.Agent{ID: "a1", Kind: store.KindSubordinate, Name: "Anna", Status: store.AgentOnline, ParentID: queen.ID}
	apply := func(typ string, a store.Agent) {
		reg.put(a)
		s.Apply(ctx, event(t, typ, a))
	}

	apply(changefeed.EventInsert, queen)
	assert.Empty(t, sup.Active(), "queen never gets a worker loop")

	apply(changefeed.EventInsert, anna)
	apply(changefeed.EventInsert, anna)
	assert.Equal(t, []string{"a1"}, sup.starts)

	anna.SystemPrompt = "new prompt"
	apply(changefeed.EventUpdate, anna)
	assert.Equal(t, "new prompt", sup.snapshot("a1").SystemPrompt)

	anna.Status = store.AgentPaused
	apply(changefeed.EventUpdate, anna)
	assert.Equal(t, []string{"a1"}, sup.stops)
	assert.False(t, sup.Running("a1"))

	anna.Status = store.AgentOnline
	apply(changefeed.EventUpdate, anna)
	assert.True(t, sup.Running("a1"))

	anna.Config = map[string]interface{}{"deleted": true}
	apply(changefeed.EventUpdate, anna)
	assert.False(t, sup.Running("a1"))

	paused := store.Agent{ID: "a2", Kind: store.KindSubordinate, Status: store.AgentPaused, ParentID: queen.ID}
	apply(changefeed.EventInsert, paused)
	assert.False(t, sup.Running("a2"))

	s.Apply(ctx, changefeed.Event{Table: "agents", Type: changefeed.EventUpdate, Record: json.RawMessage(`not json`)})
}

func TestApplyReloadsCompactRecord(t *testing.T) {
	reg := newMapRegistry()
	sup := newFakeSup()
	s := New(reg, nil, sup, nil)
	ctx := context.Background()

	// a long system prompt stays in the registry, the payload only names the row
	prompt := strings.Repeat("Answer billing questions politely. ", 400)
	anna := store.Agent{ID: "a1", Kind: store.KindSubordinate, Name: "Anna", Status: store.AgentOnline, ParentID: "q1", SystemPrompt: prompt}
	reg.put(anna)

	ev := event(t, changefeed.EventInsert, anna)
	assert.Less(t, len(ev.Record), 200)
	s.Apply(ctx, ev)
	require.True(t, sup.Running("a1"))
	assert.Equal(t, prompt, sup.snapshot("a1").SystemPrompt)

	// a row that vanished before the reload stops its loop
	s.Apply(ctx, changefeed.Event{Table: "agents", Type: changefeed.EventUpdate, Record: json.RawMessage(`{"id":"a1"}`)})
	assert.True(t, sup.Running("a1"))
	reg.mu.Lock()
	delete(reg.agents, "a1")
	reg.mu.Unlock()
	s.Apply(ctx, changefeed.Event{Table: "agents", Type: changefeed.EventUpdate, Record: json.RawMessage(`{"id":"a1"}`)})
	assert.False(t, sup.Running("a1"))
}

func TestReconcile(t *testing.T) {
	mem := storetest.NewMemory()
	queen := mem.SeedQueen("Sophia", store.DecisionModeAuto)
	ctx := context.Background()
	online, err := mem.CreateAgent(ctx, store.NewAgent{Name: "Anna", ParentID: queen.ID})
	require.NoError(t, err)
	paused, err := mem.CreateAgent(ctx, store.NewAgent{Name: "Simone", ParentID: queen.ID, Status: store.AgentPaused})
	require.NoError(t, err)

	sup := newFakeSup()
	sup.Start(ctx, paused)
	sup.Start(ctx, store.Agent{ID: "ghost"})

	s := New(mem, nil, sup, nil)
	require.NoError(t, s.Reconcile(ctx))
	assert.Equal(t, []string{online.ID}, sup.Active())

	// running twice does not start duplicates
	require.NoError(t, s.Reconcile(ctx))
	assert.Len(t, sup.starts, 3)
}

func TestRunFollowsFeed(t *testing.T) {
	mem := storetest.NewMemory()
	queen := mem.SeedQueen("Sophia", store.DecisionModeAuto)
	ctx, cancel := context.WithCancel(context.Background())
	existing, err := mem.CreateAgent(ctx, store.NewAgent{Name: "Anna", ParentID: queen.ID})
	require.NoError(t, err)

	feed := chanFeed{ch: make(chan changefeed.Event)}
	sup := newFakeSup()
	s := New(mem, feed, sup, nil)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return sup.Running(existing.ID) }, time.Second, 5*time.Millisecond)

	fresh, err := mem.CreateAgent(ctx, store.NewAgent{Name: "Rex", ParentID: queen.ID})
	require.NoError(t, err)
	feed.ch <- event(t, changefeed.EventInsert, fresh)
	require.Eventually(t, func() bool { return sup.Running(fresh.ID) }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
