package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"campusride/internal/backend"
	"campusride/internal/feed"
	"campusride/internal/metrics"
)

var (
	// ErrClosed is returned by operations on a collection after Close.
	ErrClosed = errors.New("collection closed")
	// ErrStarted is returned when a second subscription is opened on one collection.
	ErrStarted = errors.New("collection already subscribed")
)

// Record is a server-held row with a stable identity.
type Record interface {
	Key() string
}

// Backend is the data-access capability a collection needs.
type Backend interface {
	Query(ctx context.Context, q backend.Query) ([]json.RawMessage, error)
	Mutate(ctx context.Context, m backend.Mutation) ([]json.RawMessage, error)
	Subscribe(ctx context.Context, table string) (<-chan feed.Event, error)
}

// Table names a collection and how its rows are read.
type Table struct {
	Name    string
	OrderBy string
	Joins   []backend.Join
}

// Options tune event handling.
type Options struct {
	// UpsertUnknown applies an update for an identity not held locally as an insert.
	// Off by default: such updates are dropped.
	UpsertUnknown bool
	// ReloadOnReconnect issues a Load after a lost subscription is re-opened.
	ReloadOnReconnect bool
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		ReloadOnReconnect: true,
		ReconnectMin:      500 * time.Millisecond,
		ReconnectMax:      30 * time.Second,
	}
}

// Collection keeps a newest-first local list in agreement with one server table.
type Collection[T Record] struct {
	backend Backend
	table   Table
	opts    Options
	log     *logrus.Entry
	notify  *notifier[T]

	mu       sync.RWMutex
	items    []T
	loading  bool
	inflight int
	pending  []feed.Event
	errMsg   string
	started  bool
	closed   bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates an unmounted collection.
func New[T Record](b Backend, table Table, opts Options) *Collection[T] {
	if table.OrderBy == "" {
		table.OrderBy = "created_at"
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = 500 * time.Millisecond
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = 30 * time.Second
	}
	return &Collection[T]{
		backend: b,
		table:   table,
		opts:    opts,
		log:     logrus.WithField("table", table.Name),
		notify:  newNotifier[T](),
		done:    make(chan struct{}),
	}
}

// Table returns the collection's table definition.
func (c *Collection[T]) Table() Table { return c.table }

func (c *Collection[T]) query(filters []backend.Filter, limit int) backend.Query {
	return backend.Query{
		Table:   c.table.Name,
		Joins:   c.table.Joins,
		Filters: filters,
		OrderBy: c.table.OrderBy,
		Limit:   limit,
	}
}

// Mount subscribes and then loads the initial snapshot. Events that arrive while the
// snapshot is in flight are replayed on top of it. A load failure leaves the
// subscription open and is reported through Err.
func (c *Collection[T]) Mount(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	return c.Load(ctx)
}

// Load replaces the local list with a fresh read. On failure the previous list is kept
// and the message is exposed via Err.
func (c *Collection[T]) Load(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.inflight++
	c.loading = true
	c.mu.Unlock()

	start := time.Now()
	raws, err := c.backend.Query(ctx, c.query(nil, 0))
	var items []T
	if err == nil {
		items, err = decodeAll[T](raws)
	}
	metrics.SyncLoadSeconds.WithLabelValues(c.table.Name).Observe(time.Since(start).Seconds())
	metrics.SyncLoads.WithLabelValues(c.table.Name, metrics.Result(err)).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight--
	c.loading = c.inflight > 0
	if c.closed {
		return ErrClosed
	}
	if err != nil {
		c.errMsg = err.Error()
		if c.inflight == 0 {
			c.pending = nil
		}
		c.log.Warnf("load failed: %v", err)
		return err
	}

	c.items = items
	c.errMsg = ""
	for _, evt := range c.pending {
		if _, outcome := c.apply(evt); outcome != "" {
			metrics.SyncEvents.WithLabelValues(c.table.Name, string(evt.Type), "replayed").Inc()
		}
	}
	if c.inflight == 0 {
		c.pending = nil
	}
	c.notify.push(Change[T]{Kind: ChangeReset, Items: c.snapshot()})
	return nil
}

// Start opens the collection's single change subscription. It fails if the collection
// is already subscribed or closed.
func (c *Collection[T]) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return ErrStarted
	}
	sctx, cancel := context.WithCancel(ctx)
	ch, err := c.backend.Subscribe(sctx, c.table.Name)
	if err != nil {
		c.mu.Unlock()
		cancel()
		return err
	}
	c.started = true
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(sctx, ch)
	return nil
}

func (c *Collection[T]) run(ctx context.Context, ch <-chan feed.Event) {
	defer close(c.done)
	for {
		for evt := range ch {
			c.handle(evt)
		}
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("subscription lost, reconnecting")
		next, ok := c.resubscribe(ctx)
		if !ok {
			return
		}
		ch = next
		metrics.SyncReconnects.WithLabelValues(c.table.Name).Inc()
		if c.opts.ReloadOnReconnect {
			go func() {
				if err := c.Load(ctx); err != nil && !errors.Is(err, ErrClosed) {
					c.log.Warnf("reload after reconnect failed: %v", err)
				}
			}()
		}
	}
}

func (c *Collection[T]) resubscribe(ctx context.Context) (<-chan feed.Event, bool) {
	wait := c.opts.ReconnectMin
	for {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		case <-timer.C:
		}
		ch, err := c.backend.Subscribe(ctx, c.table.Name)
		if err == nil {
			return ch, true
		}
		c.log.Warnf("resubscribe failed: %v", err)
		wait *= 2
		if wait > c.opts.ReconnectMax {
			wait = c.opts.ReconnectMax
		}
	}
}

func (c *Collection[T]) handle(evt feed.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.inflight > 0 {
		c.pending = append(c.pending, evt)
	}
	change, outcome := c.apply(evt)
	if outcome == "" {
		outcome = "dropped"
	}
	metrics.SyncEvents.WithLabelValues(c.table.Name, string(evt.Type), outcome).Inc()
	if change != nil {
		c.notify.push(*change)
	}
}

// apply mutates the list for one event. The returned outcome is empty when the event had
// no effect. Callers hold c.mu.
func (c *Collection[T]) apply(evt feed.Event) (*Change[T], string) {
	raw := evt.Row()
	rec, err := decode[T](raw)
	if err != nil {
		c.log.Debugf("undecodable %s event: %v", evt.Type, err)
		return nil, ""
	}
	key := rec.Key()
	idx := c.indexOf(key)

	switch evt.Type {
	case feed.Insert:
		if idx >= 0 {
			c.items[idx] = rec
			return &Change[T]{Kind: ChangeUpdate, Key: key, Record: &rec}, "applied"
		}
		c.prepend(rec)
		return &Change[T]{Kind: ChangeInsert, Key: key, Record: &rec}, "applied"
	case feed.Update:
		if idx < 0 {
			if !c.opts.UpsertUnknown {
				return nil, ""
			}
			c.prepend(rec)
			return &Change[T]{Kind: ChangeInsert, Key: key, Record: &rec}, "upserted"
		}
		merged, err := decode[T](carryJoins(c.items[idx], raw, c.table.Joins))
		if err != nil {
			merged = rec
		}
		c.items[idx] = merged
		return &Change[T]{Kind: ChangeUpdate, Key: key, Record: &merged}, "applied"
	case feed.Delete:
		if idx < 0 {
			return nil, ""
		}
		removed := c.items[idx]
		c.removeAt(idx)
		return &Change[T]{Kind: ChangeDelete, Key: key, Record: &removed}, "applied"
	}
	return nil, ""
}

func (c *Collection[T]) indexOf(key string) int {
	for i := range c.items {
		if c.items[i].Key() == key {
			return i
		}
	}
	return -1
}

func (c *Collection[T]) prepend(rec T) {
	c.items = append([]T{rec}, c.items...)
}

func (c *Collection[T]) removeAt(idx int) {
	next := make([]T, 0, len(c.items)-1)
	next = append(next, c.items[:idx]...)
	c.items = append(next, c.items[idx+1:]...)
}

func (c *Collection[T]) snapshot() []T {
	out := make([]T, len(c.items))
	copy(out, c.items)
	return out
}

// Insert writes rec and prepends the row the backend returns.
func (c *Collection[T]) Insert(ctx context.Context, rec T) Result[T] {
	values, err := Values(rec, c.table.Joins)
	if err != nil {
		return Fail[T](err)
	}
	return c.InsertValues(ctx, values)
}

// InsertValues writes a raw column map and prepends the returned row.
func (c *Collection[T]) InsertValues(ctx context.Context, values map[string]any) Result[T] {
	if c.isClosed() {
		return Fail[T](ErrClosed)
	}
	out, err := c.mutate(ctx, backend.Mutation{Table: c.table.Name, Op: backend.OpInsert, Values: values})
	if err != nil {
		return Fail[T](err)
	}

	c.mu.Lock()
	if !c.closed {
		if idx := c.indexOf(out.Key()); idx >= 0 {
			c.items[idx] = out
			c.notify.push(Change[T]{Kind: ChangeUpdate, Key: out.Key(), Record: &out})
		} else {
			c.prepend(out)
			c.notify.push(Change[T]{Kind: ChangeInsert, Key: out.Key(), Record: &out})
		}
	}
	c.mu.Unlock()
	return Ok(out)
}

// Update patches the record with id and then reloads the whole list so server-computed
// joined fields are picked up. No optimistic patch is applied.
func (c *Collection[T]) Update(ctx context.Context, id string, patch map[string]any) Result[T] {
	if c.isClosed() {
		return Fail[T](ErrClosed)
	}
	out, err := c.mutate(ctx, backend.Mutation{Table: c.table.Name, Op: backend.OpUpdate, ID: id, Values: patch})
	if err != nil {
		return Fail[T](err)
	}
	if err := c.Load(ctx); err != nil && !errors.Is(err, ErrClosed) {
		c.log.Warnf("reload after update of %s failed: %v", id, err)
	}
	return Ok(out)
}

// Remove deletes the record with id and filters it out of the local list.
func (c *Collection[T]) Remove(ctx context.Context, id string) Result[T] {
	if c.isClosed() {
		return Fail[T](ErrClosed)
	}
	raws, err := c.backend.Mutate(ctx, backend.Mutation{Table: c.table.Name, Op: backend.OpDelete, ID: id})
	metrics.SyncMutations.WithLabelValues(c.table.Name, string(backend.OpDelete), metrics.Result(err)).Inc()
	if err != nil {
		return Fail[T](err)
	}
	var out T
	if len(raws) > 0 {
		out, _ = decode[T](raws[0])
	}

	c.mu.Lock()
	if !c.closed {
		if idx := c.indexOf(id); idx >= 0 {
			removed := c.items[idx]
			c.removeAt(idx)
			c.notify.push(Change[T]{Kind: ChangeDelete, Key: id, Record: &removed})
		}
	}
	c.mu.Unlock()
	return Ok(out)
}

func (c *Collection[T]) mutate(ctx context.Context, m backend.Mutation) (T, error) {
	var zero T
	raws, err := c.backend.Mutate(ctx, m)
	metrics.SyncMutations.WithLabelValues(c.table.Name, string(m.Op), metrics.Result(err)).Inc()
	if err != nil {
		c.log.Debugf("%s failed: %v", m.Op, err)
		return zero, err
	}
	if len(raws) == 0 {
		return zero, backend.ErrNotFound
	}
	return decode[T](raws[0])
}

// Find runs a filtered read against the backend without touching the local list.
func (c *Collection[T]) Find(ctx context.Context, filters []backend.Filter, limit int) ([]T, error) {
	raws, err := c.backend.Query(ctx, c.query(filters, limit))
	if err != nil {
		return nil, err
	}
	return decodeAll[T](raws)
}

// Items returns a copy of the local list, newest first.
func (c *Collection[T]) Items() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot()
}

// Get returns the local record with key.
func (c *Collection[T]) Get(key string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if idx := c.indexOf(key); idx >= 0 {
		return c.items[idx], true
	}
	var zero T
	return zero, false
}

// Len returns the number of local records.
func (c *Collection[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Loading reports whether a load is in flight.
func (c *Collection[T]) Loading() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loading
}

// Err returns the last load failure message, or "" after a successful load.
func (c *Collection[T]) Err() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.errMsg
}

// OnChange registers fn for every change applied after registration. The returned func
// unregisters it.
func (c *Collection[T]) OnChange(fn func(Change[T])) func() {
	return c.notify.add(fn)
}

func (c *Collection[T]) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Close tears down the subscription. Reads and writes that complete afterwards leave
// the local list untouched. Close is idempotent.
func (c *Collection[T]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel := c.cancel
	started := c.started
	c.mu.Unlock()

	if started {
		cancel()
		<-c.done
	}
	c.notify.close()
}
