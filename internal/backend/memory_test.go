package backend

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

	"campusride/internal/feed"
)

func decodeRows(t *testing.T, raws []json.RawMessage) []map[string]any {
	t.Helper()
	out := make([]map[string]any, len(raws))
	for i, raw := range raws {
		require.NoError(t, json.Unmarshal(raw, &out[i]))
	}
	return out
}

func TestMemoryInsertAssignsIdentity(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()

	rows, err := m.Mutate(ctx, Mutation{Table: "cabs", Op: OpInsert, Values: map[string]any{"cab_number": "C-1"}})
	require.NoError(t, err)
	got := decodeRows(t, rows)[0]
	assert.NotEmpty(t, got["id"])
	assert.NotEmpty(t, got["created_at"])
	assert.Equal(t, "C-1", got["cab_number"])
	assert.Equal(t, 1, m.Count("cabs"))
}

func TestMemoryQueryOrdersNewestFirstWithJoins(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()
	base := time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC)

	_, err := m.Mutate(ctx, Mutation{Table: "cabs", Op: OpInsert, Values: map[string]any{"id": "cab-1", "cab_number": "C-1"}})
	require.NoError(t, err)
	for i, ts := range []time.Time{base.Add(time.Minute), base, base.Add(500 * time.Millisecond)} {
		_, err := m.Mutate(ctx, Mutation{Table: "live_locations", Op: OpInsert, Values: map[string]any{
			"id": []string{"a", "b", "c"}[i], "cab_id": "cab-1", "created_at": ts,
		}})
		require.NoError(t, err)
	}

	raws, err := m.Query(ctx, Query{
		Table:   "live_locations",
		Joins:   []Join{{Table: "cabs", As: "cab", ForeignKey: "cab_id"}},
		OrderBy: "created_at",
	})
	require.NoError(t, err)
	rows := decodeRows(t, raws)
	require.Len(t, rows, 3)
	assert.Equal(t, "a", rows[0]["id"])
	assert.Equal(t, "c", rows[1]["id"])
	assert.Equal(t, "b", rows[2]["id"])
	cab, ok := rows[0]["cab"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "C-1", cab["cab_number"])
}

func TestMemoryQueryFiltersAndLimit(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()
	for _, v := range []map[string]any{
		{"student_id": "s1", "date": "2026-10-14"},
		{"student_id": "s1", "date": "2026-10-13"},
		{"student_id": "s2", "date": "2026-10-14"},
	} {
		_, err := m.Mutate(ctx, Mutation{Table: "attendance", Op: OpInsert, Values: v})
		require.NoError(t, err)
	}

	raws, err := m.Query(ctx, Query{Table: "attendance", Filters: []Filter{Eq("student_id", "s1"), Eq("date", "2026-10-14")}})
	require.NoError(t, err)
	assert.Len(t, raws, 1)

	raws, err = m.Query(ctx, Query{Table: "attendance", OrderBy: "created_at", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, raws, 2)
}

func TestMemoryUniqueConstraint(t *testing.T) {
	m := NewMemory(nil)
	m.Unique("attendance", "student_id", "date")
	ctx := context.Background()

	values := map[string]any{"student_id": "s1", "date": "2026-10-14"}
	_, err := m.Mutate(ctx, Mutation{Table: "attendance", Op: OpInsert, Values: values})
	require.NoError(t, err)
	_, err = m.Mutate(ctx, Mutation{Table: "attendance", Op: OpInsert, Values: values})
	assert.True(t, errors.Is(err, ErrConstraint))
	assert.Equal(t, 1, m.Count("attendance"))
}

func TestMemoryUpdateAndDelete(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()
	_, err := m.Mutate(ctx, Mutation{Table: "sos_alerts", Op: OpInsert, Values: map[string]any{"id": "a1", "is_resolved": false}})
	require.NoError(t, err)

	rows, err := m.Mutate(ctx, Mutation{Table: "sos_alerts", Op: OpUpdate, ID: "a1", Values: map[string]any{"is_resolved": true, "id": "hijack"}})
	require.NoError(t, err)
	got := decodeRows(t, rows)[0]
	assert.Equal(t, true, got["is_resolved"])
	assert.Equal(t, "a1", got["id"])

	_, err = m.Mutate(ctx, Mutation{Table: "sos_alerts", Op: OpUpdate, ID: "missing", Values: map[string]any{"is_resolved": true}})
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = m.Mutate(ctx, Mutation{Table: "sos_alerts", Op: OpDelete, ID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, 0, m.Count("sos_alerts"))

	_, err = m.Mutate(ctx, Mutation{Table: "sos_alerts", Op: OpDelete, ID: "a1"})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryPublishesChangeEvents(t *testing.T) {
	f := feed.NewInMemory(8)
	m := NewMemory(f)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := f.Subscribe(ctx, "cabs")
	require.NoError(t, err)

	_, err = m.Mutate(ctx, Mutation{Table: "cabs", Op: OpInsert, Values: map[string]any{"id": "c1"}})
	require.NoError(t, err)
	_, err = m.Mutate(ctx, Mutation{Table: "cabs", Op: OpUpdate, ID: "c1", Values: map[string]any{"status": "idle"}})
	require.NoError(t, err)
	_, err = m.Mutate(ctx, Mutation{Table: "cabs", Op: OpDelete, ID: "c1"})
	require.NoError(t, err)

	var types []feed.EventType
	for i := 0; i < 3; i++ {
		select {
		case evt := <-ch:
			types = append(types, evt.Type)
			assert.NotNil(t, evt.Row())
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
	assert.Equal(t, []feed.EventType{feed.Insert, feed.Update, feed.Delete}, types)
}

func TestMemoryPublishesInCommitOrder(t *testing.T) {
	const n = 500
	f := feed.NewInMemory(4 * n)
	m := NewMemory(f)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := f.Subscribe(ctx, "buses")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("b%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = m.Mutate(ctx, Mutation{Table: "buses", Op: OpInsert, Values: map[string]any{"id": id}})
		}()
		go func() {
			defer wg.Done()
			_, _ = m.Mutate(ctx, Mutation{Table: "buses", Op: OpDelete, ID: id})
		}()
	}
	wg.Wait()

	held := map[string]bool{}
	timeout := time.After(5 * time.Second)
	for drained := false; !drained; {
		select {
		case evt := <-ch:
			var r map[string]any
			require.NoError(t, json.Unmarshal(evt.Row(), &r))
			id := fmt.Sprint(r["id"])
			switch evt.Type {
			case feed.Insert:
				held[id] = true
			case feed.Delete:
				assert.True(t, held[id], "delete for %s arrived before its insert", id)
				delete(held, id)
			}
		case <-time.After(100 * time.Millisecond):
			drained = true
		case <-timeout:
			t.Fatal("events did not drain")
		}
	}
	assert.Len(t, held, m.Count("buses"))
}

func TestMemoryRejectsBadIdentifiers(t *testing.T) {
	m := NewMemory(nil)
	_, err := m.Query(context.Background(), Query{Table: "cabs; drop table cabs"})
	assert.True(t, errors.Is(err, ErrInvalid))

	_, err = m.Mutate(context.Background(), Mutation{Table: "cabs", Op: OpUpdate, ID: "x"})
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestCompareValues(t *testing.T) {
	assert.Equal(t, 1, compareValues("2026-10-14T08:00:00.5Z", "2026-10-14T08:00:00Z"))
	assert.Equal(t, -1, compareValues(1.0, 2.0))
	assert.Equal(t, 0, compareValues("b", "b"))
	assert.Equal(t, -1, compareValues("a", "b"))
}
