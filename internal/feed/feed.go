package feed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"campusride/internal/metrics"
)

// EventType tags a change notification.
type EventType string

const (
	Insert EventType = "INSERT"
	Update EventType = "UPDATE"
	Delete EventType = "DELETE"
)

// AllTables subscribes to changes on every table.
const AllTables = "*"

// Event is a single row change on a table.
type Event struct {
	Table string          `json:"table"`
	Type  EventType       `json:"type"`
	New   json.RawMessage `json:"new,omitempty"`
	Old   json.RawMessage `json:"old,omitempty"`
	At    time.Time       `json:"at"`
}

// Row returns the row the event is about: New for inserts and updates, Old for deletes,
// falling back to whichever side is present.
func (e Event) Row() json.RawMessage {
	if e.Type == Delete && !empty(e.Old) {
		return e.Old
	}
	if !empty(e.New) {
		return e.New
	}
	if !empty(e.Old) {
		return e.Old
	}
	return nil
}

func empty(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// Feed is the abstraction over change-notification backends.
// Subscribe returns a channel that is closed when the subscription ends; a close without
// ctx being done means the underlying channel was lost.
type Feed interface {
	Publish(ctx context.Context, evt Event) error
	Subscribe(ctx context.Context, table string) (<-chan Event, error)
}

// InMemory is a process-local fan-out feed for dev and tests.
type InMemory struct {
	size int

	mu     sync.RWMutex
	nextID int
	subs   map[int]*memSub
}

type memSub struct {
	table string
	ch    chan Event
}

// NewInMemory creates a feed whose subscribers buffer up to size events each.
func NewInMemory(size int) *InMemory {
	if size <= 0 {
		size = 256
	}
	return &InMemory{size: size, subs: make(map[int]*memSub)}
}

// Publish hands evt to every matching subscriber without blocking.
func (f *InMemory) Publish(ctx context.Context, evt Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.subs {
		if s.table != AllTables && s.table != evt.Table {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			metrics.FeedDropped.WithLabelValues("memory", evt.Table).Inc()
			logrus.Warnf("feed: subscriber buffer full, dropped %s on %s", evt.Type, evt.Table)
		}
	}
	return nil
}

// Subscribe registers a subscriber until ctx is cancelled.
func (f *InMemory) Subscribe(ctx context.Context, table string) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	s := &memSub{table: table, ch: make(chan Event, f.size)}
	f.subs[id] = s
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		if _, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(s.ch)
		}
		f.mu.Unlock()
	}()
	return s.ch, nil
}

// Subscribers reports how many subscriptions are open.
func (f *InMemory) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Disconnect closes every open subscription channel as if the connection dropped.
func (f *InMemory) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, s := range f.subs {
		close(s.ch)
		delete(f.subs, id)
	}
}
