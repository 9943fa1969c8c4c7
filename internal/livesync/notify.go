package livesync

import "sync"

// ChangeKind describes what happened to a mirror.
type ChangeKind string

const (
	// ChangeReset replaces the whole list after a load.
	ChangeReset ChangeKind = "reset"
	// ChangeInsert adds a record.
	ChangeInsert ChangeKind = "insert"
	// ChangeUpdate replaces a record in place.
	ChangeUpdate ChangeKind = "update"
	// ChangeDelete removes a record.
	ChangeDelete ChangeKind = "delete"
)

// Change is delivered to OnChange listeners. Reset carries the full list in Items; the
// other kinds carry the affected record.
type Change[T any] struct {
	Kind   ChangeKind `json:"type"`
	Key    string     `json:"key,omitempty"`
	Record *T         `json:"record,omitempty"`
	Items  []T        `json:"items,omitempty"`
}

// notifier delivers changes in the order they were pushed, on its own goroutine, so
// listeners may read the collection without deadlocking against the writer.
type notifier[T any] struct {
	mu        sync.Mutex
	cond      *sync.Cond
	queue     []Change[T]
	listeners map[int]func(Change[T])
	next      int
	closed    bool
	started   bool
}

func newNotifier[T any]() *notifier[T] {
	n := &notifier[T]{listeners: make(map[int]func(Change[T]))}
	n.cond = sync.NewCond(&n.mu)
	return n
}

func (n *notifier[T]) add(fn func(Change[T])) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return func() {}
	}
	id := n.next
	n.next++
	n.listeners[id] = fn
	if !n.started {
		n.started = true
		go n.loop()
	}
	return func() {
		n.mu.Lock()
		delete(n.listeners, id)
		n.mu.Unlock()
	}
}

func (n *notifier[T]) push(ch Change[T]) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed || len(n.listeners) == 0 {
		return
	}
	n.queue = append(n.queue, ch)
	n.cond.Signal()
}

func (n *notifier[T]) loop() {
	n.mu.Lock()
	for {
		for len(n.queue) == 0 && !n.closed {
			n.cond.Wait()
		}
		if n.closed {
			n.mu.Unlock()
			return
		}
		ch := n.queue[0]
		n.queue = n.queue[1:]
		fns := make([]func(Change[T]), 0, len(n.listeners))
		for _, fn := range n.listeners {
			fns = append(fns, fn)
		}
		n.mu.Unlock()
		for _, fn := range fns {
			fn(ch)
		}
		n.mu.Lock()
	}
}

func (n *notifier[T]) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	n.queue = nil
	n.cond.Broadcast()
}
