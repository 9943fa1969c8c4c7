package route

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"campusride/internal/metrics"
)

// ErrTripNotFound is returned for a route with no trip in progress.
var ErrTripNotFound = errors.New("trip not found")

// Registry holds the in-progress trip of every route. Operations on one route are
// serialized in process; across processes the store's Update guards each transition.
type Registry struct {
	store Store

	mu    sync.Mutex
	locks map[string]*routeLock
}

// routeLock is dropped from the map once nobody holds or waits for it.
type routeLock struct {
	mu   sync.Mutex
	refs int
}

// NewRegistry builds a registry persisting trips in store.
func NewRegistry(store Store) *Registry {
	return &Registry{store: store, locks: make(map[string]*routeLock)}
}

func (r *Registry) lock(routeID string) func() {
	r.mu.Lock()
	l, ok := r.locks[routeID]
	if !ok {
		l = &routeLock{}
		r.locks[routeID] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, routeID)
		}
		r.mu.Unlock()
	}
}

// Start begins a trip, replacing any trip already held for the route.
func (r *Registry) Start(ctx context.Context, routeID string, stops []Stop) (Snapshot, error) {
	unlock := r.lock(routeID)
	defer unlock()

	p, err := New(routeID, stops)
	if err != nil {
		metrics.RouteTransitions.WithLabelValues("start", "error").Inc()
		return Snapshot{}, err
	}
	snap := p.Snapshot()
	if err := r.store.Put(ctx, snap); err != nil {
		metrics.RouteTransitions.WithLabelValues("start", "error").Inc()
		return Snapshot{}, fmt.Errorf("save trip %s: %w", routeID, err)
	}
	metrics.RouteTransitions.WithLabelValues("start", "ok").Inc()
	logrus.WithField("route", routeID).Infof("trip started with %d stops", len(stops))
	return snap, nil
}

// Get returns the trip of routeID.
func (r *Registry) Get(ctx context.Context, routeID string) (Snapshot, error) {
	s, ok, err := r.store.Get(ctx, routeID)
	if err != nil {
		return Snapshot{}, err
	}
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrTripNotFound, routeID)
	}
	return s, nil
}

// End drops the trip of routeID.
func (r *Registry) End(ctx context.Context, routeID string) error {
	unlock := r.lock(routeID)
	defer unlock()
	return r.store.Delete(ctx, routeID)
}

// Apply loads the trip, runs fn on it, and saves the result if fn succeeds.
func (r *Registry) Apply(ctx context.Context, routeID, op string, fn func(*Progression) error) (Snapshot, error) {
	unlock := r.lock(routeID)
	defer unlock()

	snap, err := r.apply(ctx, routeID, fn)
	metrics.RouteTransitions.WithLabelValues(op, metrics.Result(err)).Inc()
	if err != nil {
		logrus.WithField("route", routeID).Debugf("%s rejected: %v", op, err)
	}
	return snap, err
}

func (r *Registry) apply(ctx context.Context, routeID string, fn func(*Progression) error) (Snapshot, error) {
	return r.store.Update(ctx, routeID, func(s Snapshot) (Snapshot, error) {
		p := FromSnapshot(s)
		if err := fn(p); err != nil {
			return Snapshot{}, err
		}
		return p.Snapshot(), nil
	})
}

// CompleteStop marks stopID completed and advances the trip.
func (r *Registry) CompleteStop(ctx context.Context, routeID, stopID string) (Snapshot, error) {
	return r.Apply(ctx, routeID, "complete_stop", func(p *Progression) error {
		return p.MarkStopAsCompleted(stopID)
	})
}

// SetStudentStatus records one student's boarding outcome.
func (r *Registry) SetStudentStatus(ctx context.Context, routeID, stopID, studentID string, status StudentStatus) (Snapshot, error) {
	return r.Apply(ctx, routeID, "student_status", func(p *Progression) error {
		return p.UpdateStudentStatus(stopID, studentID, status)
	})
}

// SetStopStatus overwrites one stop's status.
func (r *Registry) SetStopStatus(ctx context.Context, routeID, stopID string, status StopStatus) (Snapshot, error) {
	return r.Apply(ctx, routeID, "stop_status", func(p *Progression) error {
		return p.UpdateStopStatus(stopID, status)
	})
}
