package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"campusride/internal/feed"
)

type row = map[string]any

// Memory is an in-process store that behaves like the hosted backend: it assigns ids and
// created_at, enforces unique keys, resolves joins, and publishes a change event for every
// successful write.
type Memory struct {
	feed feed.Feed
	now  func() time.Time

	mu     sync.RWMutex
	tables map[string][]row
	unique map[string][][]string

	// publishing holds one lock per table. It is taken before mu is released and held
	// until Publish returns, so events leave in commit order.
	publishing map[string]*sync.Mutex
}

// NewMemory creates an empty store. f may be nil when no change events are wanted.
func NewMemory(f feed.Feed) *Memory {
	return &Memory{
		feed:       f,
		now:        func() time.Time { return time.Now().UTC() },
		tables:     make(map[string][]row),
		unique:     make(map[string][][]string),
		publishing: make(map[string]*sync.Mutex),
	}
}

// Unique declares a unique key over cols on table.
func (m *Memory) Unique(table string, cols ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unique[table] = append(m.unique[table], cols)
}

// Count returns the number of rows in table.
func (m *Memory) Count(table string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tables[table])
}

// Query implements Store.
func (m *Memory) Query(ctx context.Context, q Query) ([]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateQuery(q); err != nil {
		return nil, err
	}
	filters := make([]Filter, len(q.Filters))
	for i, f := range q.Filters {
		filters[i] = Filter{Column: f.Column, Value: normalizeScalar(f.Value)}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := m.tables[q.Table]
	matched := make([]row, 0, len(rows))
	// Walk newest insertion first so equal sort keys stay newest-first.
	for i := len(rows) - 1; i >= 0; i-- {
		if matches(rows[i], filters) {
			matched = append(matched, rows[i])
		}
	}
	if q.OrderBy != "" {
		sort.SliceStable(matched, func(i, j int) bool {
			c := compareValues(matched[i][q.OrderBy], matched[j][q.OrderBy])
			if q.Ascending {
				return c < 0
			}
			return c > 0
		})
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	out := make([]json.RawMessage, 0, len(matched))
	for _, r := range matched {
		r = copyRow(r)
		for _, j := range q.Joins {
			r[j.As] = m.lookup(j.Table, r[j.ForeignKey])
		}
		b, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (m *Memory) lookup(table string, id any) any {
	if id == nil {
		return nil
	}
	key := fmt.Sprint(id)
	for _, r := range m.tables[table] {
		if fmt.Sprint(r["id"]) == key {
			return copyRow(r)
		}
	}
	return nil
}

// Mutate implements Store.
func (m *Memory) Mutate(ctx context.Context, mut Mutation) ([]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateMutation(mut); err != nil {
		return nil, err
	}
	values, err := normalize(mut.Values)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	m.mu.Lock()
	var evt feed.Event
	var result row
	switch mut.Op {
	case OpInsert:
		result, err = m.insert(mut.Table, values)
		evt = feed.Event{Type: feed.Insert}
	case OpUpdate:
		var old row
		old, result, err = m.update(mut.Table, mut.ID, values)
		evt = feed.Event{Type: feed.Update}
		if err == nil {
			evt.Old = mustJSON(old)
		}
	case OpDelete:
		result, err = m.delete(mut.Table, mut.ID)
		evt = feed.Event{Type: feed.Delete}
	}
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	b := mustJSON(result)
	evt.Table = mut.Table
	evt.At = m.now()
	if mut.Op == OpDelete {
		evt.Old = b
	} else {
		evt.New = b
	}
	if m.feed == nil {
		m.mu.Unlock()
		return []json.RawMessage{b}, nil
	}

	pub := m.publishLock(mut.Table)
	pub.Lock()
	m.mu.Unlock()
	defer pub.Unlock()
	if perr := m.feed.Publish(context.WithoutCancel(ctx), evt); perr != nil {
		logrus.Warnf("backend: publish %s on %s failed: %v", evt.Type, evt.Table, perr)
	}
	return []json.RawMessage{b}, nil
}

// publishLock returns the table's publish lock. Callers hold mu.
func (m *Memory) publishLock(table string) *sync.Mutex {
	l, ok := m.publishing[table]
	if !ok {
		l = &sync.Mutex{}
		m.publishing[table] = l
	}
	return l
}

func (m *Memory) insert(table string, values row) (row, error) {
	r := values
	if s, _ := r["id"].(string); s == "" {
		r["id"] = uuid.NewString()
	}
	if _, ok := r["created_at"]; !ok {
		r["created_at"] = m.now().Format(time.RFC3339Nano)
	}
	if m.indexOf(table, fmt.Sprint(r["id"])) >= 0 {
		return nil, fmt.Errorf("%w: duplicate id %v", ErrConstraint, r["id"])
	}
	if err := m.checkUnique(table, r, -1); err != nil {
		return nil, err
	}
	m.tables[table] = append(m.tables[table], r)
	return copyRow(r), nil
}

func (m *Memory) update(table, id string, values row) (row, row, error) {
	idx := m.indexOf(table, id)
	if idx < 0 {
		return nil, nil, fmt.Errorf("%w: %s/%s", ErrNotFound, table, id)
	}
	old := m.tables[table][idx]
	next := copyRow(old)
	for k, v := range values {
		if k == "id" {
			continue
		}
		next[k] = v
	}
	if err := m.checkUnique(table, next, idx); err != nil {
		return nil, nil, err
	}
	m.tables[table][idx] = next
	return copyRow(old), copyRow(next), nil
}

func (m *Memory) delete(table, id string) (row, error) {
	idx := m.indexOf(table, id)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, table, id)
	}
	rows := m.tables[table]
	old := rows[idx]
	m.tables[table] = append(rows[:idx:idx], rows[idx+1:]...)
	return old, nil
}

func (m *Memory) indexOf(table, id string) int {
	for i, r := range m.tables[table] {
		if fmt.Sprint(r["id"]) == id {
			return i
		}
	}
	return -1
}

func (m *Memory) checkUnique(table string, r row, skip int) error {
	for _, cols := range m.unique[table] {
		for i, other := range m.tables[table] {
			if i == skip {
				continue
			}
			same := true
			for _, c := range cols {
				// NULLs never collide, as in SQL.
				if r[c] == nil || fmt.Sprint(other[c]) != fmt.Sprint(r[c]) {
					same = false
					break
				}
			}
			if same {
				return fmt.Errorf("%w: %s(%s)", ErrConstraint, table, strings.Join(cols, ","))
			}
		}
	}
	return nil
}

func matches(r row, filters []Filter) bool {
	for _, f := range filters {
		if fmt.Sprint(r[f.Column]) != fmt.Sprint(f.Value) {
			return false
		}
	}
	return true
}

// compareValues orders timestamps chronologically, numbers numerically, everything else
// by its string form.
func compareValues(a, b any) int {
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		at, aerr := time.Parse(time.RFC3339Nano, as)
		bt, berr := time.Parse(time.RFC3339Nano, bs)
		if aerr == nil && berr == nil {
			return at.Compare(bt)
		}
		return strings.Compare(as, bs)
	}
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// normalize round-trips values through JSON so stored rows hold only JSON-native types.
func normalize(values map[string]any) (row, error) {
	out := row{}
	if len(values) == 0 {
		return out, nil
	}
	b, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeScalar(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

func copyRow(r row) row {
	out := make(row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
