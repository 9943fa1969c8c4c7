package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusride/internal/backend"
	"campusride/internal/feed"
)

type depot struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type bus struct {
	ID        string    `json:"id"`
	Label     string    `json:"label,omitempty"`
	DepotID   string    `json:"depot_id,omitempty"`
	Depot     *depot    `json:"depot,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (b bus) Key() string { return b.ID }

var busTable = Table{
	Name:  "buses",
	Joins: []backend.Join{{Table: "depots", As: "depot", ForeignKey: "depot_id"}},
}

// scripted wraps a real store and lets tests hold queries, fail calls, and push events.
type scripted struct {
	store *backend.Memory

	mu        sync.Mutex
	gate      chan struct{}
	queryErr  error
	mutateErr error
	events    chan feed.Event
	subs      int
}

func newScripted() *scripted {
	return &scripted{store: backend.NewMemory(nil), events: make(chan feed.Event, 16)}
}

func (s *scripted) Query(ctx context.Context, q backend.Query) ([]json.RawMessage, error) {
	s.mu.Lock()
	gate, qerr := s.gate, s.queryErr
	s.mu.Unlock()
	raws, err := s.store.Query(ctx, q)
	if gate != nil {
		<-gate
	}
	if qerr != nil {
		return nil, qerr
	}
	return raws, err
}

func (s *scripted) Mutate(ctx context.Context, m backend.Mutation) ([]json.RawMessage, error) {
	s.mu.Lock()
	merr := s.mutateErr
	s.mu.Unlock()
	if merr != nil {
		return nil, merr
	}
	return s.store.Mutate(ctx, m)
}

func (s *scripted) Subscribe(ctx context.Context, table string) (<-chan feed.Event, error) {
	s.mu.Lock()
	s.subs++
	s.mu.Unlock()
	out := make(chan feed.Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-s.events:
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func seed(t *testing.T, store *backend.Memory, table string, values map[string]any) {
	t.Helper()
	_, err := store.Mutate(context.Background(), backend.Mutation{Table: table, Op: backend.OpInsert, Values: values})
	require.NoError(t, err)
}

func ids(items []bus) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func rowJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestMountLoadsNewestFirstWithJoins(t *testing.T) {
	f := feed.NewInMemory(16)
	store := backend.NewMemory(f)
	base := time.Date(2026, 10, 14, 7, 0, 0, 0, time.UTC)
	seed(t, store, "depots", map[string]any{"id": "d1", "name": "North"})
	seed(t, store, "buses", map[string]any{"id": "b1", "depot_id": "d1", "created_at": base})
	seed(t, store, "buses", map[string]any{"id": "b2", "depot_id": "d1", "created_at": base.Add(time.Minute)})

	c := New[bus](backend.New(store, f), busTable, DefaultOptions())
	defer c.Close()
	require.NoError(t, c.Mount(context.Background()))

	items := c.Items()
	assert.Equal(t, []string{"b2", "b1"}, ids(items))
	require.NotNil(t, items[0].Depot)
	assert.Equal(t, "North", items[0].Depot.Name)
	assert.False(t, c.Loading())
	assert.Empty(t, c.Err())
}

func TestLiveEventsKeepMirrorInSync(t *testing.T) {
	f := feed.NewInMemory(16)
	store := backend.NewMemory(f)
	seed(t, store, "buses", map[string]any{"id": "b1", "label": "one"})

	c := New[bus](backend.New(store, f), busTable, DefaultOptions())
	defer c.Close()
	require.NoError(t, c.Mount(context.Background()))

	ctx := context.Background()
	seed(t, store, "buses", map[string]any{"id": "b2", "label": "two"})
	assert.Eventually(t, func() bool { return c.Len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"b2", "b1"}, ids(c.Items()))

	_, err := store.Mutate(ctx, backend.Mutation{Table: "buses", Op: backend.OpUpdate, ID: "b1", Values: map[string]any{"label": "uno"}})
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		b, ok := c.Get("b1")
		return ok && b.Label == "uno"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"b2", "b1"}, ids(c.Items()), "update replaces in place")

	_, err = store.Mutate(ctx, backend.Mutation{Table: "buses", Op: backend.OpDelete, ID: "b2"})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return c.Len() == 1 }, time.Second, 5*time.Millisecond)

	server, err := store.Query(ctx, backend.Query{Table: "buses", OrderBy: "created_at"})
	require.NoError(t, err)
	assert.Len(t, server, c.Len())
}

func TestMirrorMatchesServerUnderConcurrentWrites(t *testing.T) {
	const n = 500
	f := feed.NewInMemory(4 * n)
	store := backend.NewMemory(f)
	c := New[bus](backend.New(store, f), busTable, DefaultOptions())
	defer c.Close()
	require.NoError(t, c.Mount(context.Background()))

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("b%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = store.Mutate(ctx, backend.Mutation{Table: "buses", Op: backend.OpInsert, Values: map[string]any{"id": id}})
		}()
		go func() {
			defer wg.Done()
			_, _ = store.Mutate(ctx, backend.Mutation{Table: "buses", Op: backend.OpDelete, ID: id})
		}()
	}
	wg.Wait()

	want := store.Count("buses")
	assert.Eventually(t, func() bool { return c.Len() == want }, 2*time.Second, 10*time.Millisecond)
	// Let any straggling event land before comparing identities.
	time.Sleep(50 * time.Millisecond)
	server, err := store.Query(ctx, backend.Query{Table: "buses", OrderBy: "created_at"})
	require.NoError(t, err)
	serverIDs := make([]string, 0, len(server))
	for _, raw := range server {
		var b bus
		require.NoError(t, json.Unmarshal(raw, &b))
		serverIDs = append(serverIDs, b.ID)
	}
	assert.ElementsMatch(t, serverIDs, ids(c.Items()))
}

func TestUnknownIdentityEvents(t *testing.T) {
	s := newScripted()
	seed(t, s.store, "buses", map[string]any{"id": "b1"})

	c := New[bus](s, busTable, DefaultOptions())
	defer c.Close()
	require.NoError(t, c.Mount(context.Background()))

	s.events <- feed.Event{Table: "buses", Type: feed.Update, New: rowJSON(t, bus{ID: "ghost", Label: "x"})}
	s.events <- feed.Event{Table: "buses", Type: feed.Delete, Old: rowJSON(t, bus{ID: "ghost"})}
	s.events <- feed.Event{Table: "buses", Type: feed.Insert, New: rowJSON(t, bus{ID: "b9"})}

	assert.Eventually(t, func() bool { return c.Len() == 2 }, time.Second, 5*time.Millisecond)
	_, ok := c.Get("ghost")
	assert.False(t, ok, "update for unknown identity is dropped")
	assert.Equal(t, []string{"b9", "b1"}, ids(c.Items()))
}

func TestUpsertUnknownOption(t *testing.T) {
	s := newScripted()
	opts := DefaultOptions()
	opts.UpsertUnknown = true
	c := New[bus](s, busTable, opts)
	defer c.Close()
	require.NoError(t, c.Mount(context.Background()))

	s.events <- feed.Event{Table: "buses", Type: feed.Update, New: rowJSON(t, bus{ID: "ghost", Label: "x"})}
	assert.Eventually(t, func() bool {
		_, ok := c.Get("ghost")
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestUpdateEventKeepsJoinedFields(t *testing.T) {
	s := newScripted()
	seed(t, s.store, "depots", map[string]any{"id": "d1", "name": "North"})
	seed(t, s.store, "buses", map[string]any{"id": "b1", "depot_id": "d1", "label": "old"})

	c := New[bus](s, busTable, DefaultOptions())
	defer c.Close()
	require.NoError(t, c.Mount(context.Background()))

	s.events <- feed.Event{Table: "buses", Type: feed.Update, New: rowJSON(t, map[string]any{"id": "b1", "depot_id": "d1", "label": "new"})}
	assert.Eventually(t, func() bool {
		b, _ := c.Get("b1")
		return b.Label == "new"
	}, time.Second, 5*time.Millisecond)
	b, _ := c.Get("b1")
	require.NotNil(t, b.Depot)
	assert.Equal(t, "North", b.Depot.Name)

	s.events <- feed.Event{Table: "buses", Type: feed.Update, New: rowJSON(t, map[string]any{"id": "b1", "depot_id": "d2", "label": "moved"})}
	assert.Eventually(t, func() bool {
		b, _ := c.Get("b1")
		return b.Label == "moved"
	}, time.Second, 5*time.Millisecond)
	b, _ = c.Get("b1")
	assert.Nil(t, b.Depot, "join is not carried across a foreign key change")
}

func TestInsertFailureLeavesListUnchanged(t *testing.T) {
	s := newScripted()
	seed(t, s.store, "buses", map[string]any{"id": "b1", "label": "one"})
	c := New[bus](s, busTable, DefaultOptions())
	defer c.Close()
	require.NoError(t, c.Mount(context.Background()))
	before, err := json.Marshal(c.Items())
	require.NoError(t, err)

	s.mu.Lock()
	s.mutateErr = errors.New("constraint violation")
	s.mu.Unlock()

	res := c.Insert(context.Background(), bus{Label: "X"})
	assert.False(t, res.Success)
	assert.Equal(t, "constraint violation", res.Error)
	assert.Error(t, res.Err())

	after, err := json.Marshal(c.Items())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestInsertPrependsAndEchoDoesNotDuplicate(t *testing.T) {
	f := feed.NewInMemory(16)
	store := backend.NewMemory(f)
	seed(t, store, "buses", map[string]any{"id": "b1"})
	c := New[bus](backend.New(store, f), busTable, DefaultOptions())
	defer c.Close()
	require.NoError(t, c.Mount(context.Background()))

	res := c.Insert(context.Background(), bus{Label: "fresh"})
	require.True(t, res.Success, res.Error)
	assert.NotEmpty(t, res.Data.ID)
	assert.Equal(t, res.Data.ID, c.Items()[0].ID)

	// Let the echoed insert event land.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, c.Len())
}

func TestUpdateReloadsForJoinedFields(t *testing.T) {
	s := newScripted()
	seed(t, s.store, "depots", map[string]any{"id": "d1", "name": "North"})
	seed(t, s.store, "depots", map[string]any{"id": "d2", "name": "South"})
	seed(t, s.store, "buses", map[string]any{"id": "b1", "depot_id": "d1"})
	c := New[bus](s, busTable, DefaultOptions())
	defer c.Close()
	require.NoError(t, c.Mount(context.Background()))

	res := c.Update(context.Background(), "b1", map[string]any{"depot_id": "d2"})
	require.True(t, res.Success, res.Error)
	b, ok := c.Get("b1")
	require.True(t, ok)
	require.NotNil(t, b.Depot)
	assert.Equal(t, "South", b.Depot.Name)

	res = c.Update(context.Background(), "missing", map[string]any{"label": "x"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not found")
}

func TestRemoveFiltersLocally(t *testing.T) {
	s := newScripted()
	seed(t, s.store, "buses", map[string]any{"id": "b1"})
	seed(t, s.store, "buses", map[string]any{"id": "b2"})
	c := New[bus](s, busTable, DefaultOptions())
	defer c.Close()
	require.NoError(t, c.Mount(context.Background()))

	res := c.Remove(context.Background(), "b1")
	require.True(t, res.Success)
	assert.Equal(t, "b1", res.Data.ID)
	assert.Equal(t, []string{"b2"}, ids(c.Items()))

	res = c.Remove(context.Background(), "b1")
	assert.False(t, res.Success)
	assert.Equal(t, []string{"b2"}, ids(c.Items()))
}

func TestLoadFailureKeepsPriorData(t *testing.T) {
	s := newScripted()
	seed(t, s.store, "buses", map[string]any{"id": "b1"})
	c := New[bus](s, busTable, DefaultOptions())
	defer c.Close()
	require.NoError(t, c.Mount(context.Background()))

	s.mu.Lock()
	s.queryErr = errors.New("network down")
	s.mu.Unlock()

	err := c.Load(context.Background())
	assert.Error(t, err)
	assert.Equal(t, "network down", c.Err())
	assert.Equal(t, []string{"b1"}, ids(c.Items()))
	assert.False(t, c.Loading())

	s.mu.Lock()
	s.queryErr = nil
	s.mu.Unlock()
	require.NoError(t, c.Load(context.Background()))
	assert.Empty(t, c.Err())
}

func TestEventsDuringLoadSurviveStaleSnapshot(t *testing.T) {
	s := newScripted()
	seed(t, s.store, "buses", map[string]any{"id": "b1"})
	c := New[bus](s, busTable, DefaultOptions())
	defer c.Close()
	require.NoError(t, c.Start(context.Background()))

	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()

	loaded := make(chan error, 1)
	go func() { loaded <- c.Load(context.Background()) }()
	assert.Eventually(t, c.Loading, time.Second, time.Millisecond)

	s.events <- feed.Event{Table: "buses", Type: feed.Insert, New: rowJSON(t, bus{ID: "late"})}
	assert.Eventually(t, func() bool {
		_, ok := c.Get("late")
		return ok
	}, time.Second, 5*time.Millisecond)

	close(gate)
	require.NoError(t, <-loaded)
	assert.Equal(t, []string{"late", "b1"}, ids(c.Items()))
}

func TestReconnectResubscribesAndReloads(t *testing.T) {
	f := feed.NewInMemory(16)
	store := backend.NewMemory(f)
	seed(t, store, "buses", map[string]any{"id": "b1"})
	opts := DefaultOptions()
	opts.ReconnectMin = 10 * time.Millisecond
	c := New[bus](backend.New(store, f), busTable, opts)
	defer c.Close()
	require.NoError(t, c.Mount(context.Background()))

	f.Disconnect()
	// Written while disconnected; only the reload can pick it up.
	seed(t, store, "buses", map[string]any{"id": "b2"})

	assert.Eventually(t, func() bool { return f.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return c.Len() == 2 }, time.Second, 5*time.Millisecond)

	seed(t, store, "buses", map[string]any{"id": "b3"})
	assert.Eventually(t, func() bool { return c.Len() == 3 }, time.Second, 5*time.Millisecond)
}

func TestCloseTearsDown(t *testing.T) {
	f := feed.NewInMemory(16)
	store := backend.NewMemory(f)
	c := New[bus](backend.New(store, f), busTable, DefaultOptions())
	require.NoError(t, c.Mount(context.Background()))
	assert.Equal(t, 1, f.Subscribers())
	assert.ErrorIs(t, c.Start(context.Background()), ErrStarted)

	c.Close()
	c.Close()
	assert.Eventually(t, func() bool { return f.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, c.Load(context.Background()), ErrClosed)
	res := c.Insert(context.Background(), bus{Label: "late"})
	assert.False(t, res.Success)
	assert.Equal(t, 0, store.Count("buses"))
}

func TestOnChangeDeliversInOrder(t *testing.T) {
	s := newScripted()
	c := New[bus](s, busTable, DefaultOptions())
	defer c.Close()

	var mu sync.Mutex
	var kinds []ChangeKind
	stop := c.OnChange(func(ch Change[bus]) {
		mu.Lock()
		kinds = append(kinds, ch.Kind)
		mu.Unlock()
		_ = c.Len()
	})
	defer stop()

	require.NoError(t, c.Mount(context.Background()))
	s.events <- feed.Event{Table: "buses", Type: feed.Insert, New: rowJSON(t, bus{ID: "b1"})}
	s.events <- feed.Event{Table: "buses", Type: feed.Update, New: rowJSON(t, bus{ID: "b1", Label: "x"})}
	s.events <- feed.Event{Table: "buses", Type: feed.Delete, Old: rowJSON(t, bus{ID: "b1"})}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) == 4
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []ChangeKind{ChangeReset, ChangeInsert, ChangeUpdate, ChangeDelete}, kinds)
	mu.Unlock()
}

func TestValuesDropsServerAssignedAndJoins(t *testing.T) {
	values, err := Values(bus{Label: "x", DepotID: "d1", Depot: &depot{ID: "d1"}}, busTable.Joins)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"label": "x", "depot_id": "d1"}, values)

	values, err = Values(map[string]any{"seats": 40, "speed": 12.5}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(40), values["seats"])
	assert.Equal(t, 12.5, values["speed"])

	values, err = Values(map[string]any{"label": "x", "depot_id": nil}, nil)
	require.NoError(t, err)
	assert.NotContains(t, values, "depot_id")
}

func TestPatchValuesKeepsExplicitNulls(t *testing.T) {
	values, err := PatchValues(map[string]any{"depot_id": nil, "depot": nil, "id": nil, "label": "y"}, busTable.Joins)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"depot_id": nil, "label": "y"}, values)

	f := feed.NewInMemory(16)
	store := backend.NewMemory(f)
	seed(t, store, "depots", map[string]any{"id": "d1", "name": "North"})
	seed(t, store, "buses", map[string]any{"id": "b1", "depot_id": "d1"})
	c := New[bus](backend.New(store, f), busTable, DefaultOptions())
	defer c.Close()
	require.NoError(t, c.Mount(context.Background()))

	res := c.Update(context.Background(), "b1", values)
	require.True(t, res.Success, res.Error)
	got, ok := c.Get("b1")
	require.True(t, ok)
	assert.Empty(t, got.DepotID, "foreign key cleared")
	assert.Nil(t, got.Depot)
}
