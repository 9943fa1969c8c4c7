package route

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// maxTxRetries bounds optimistic retries of a contended Redis update.
const maxTxRetries = 8

// Store persists trip snapshots by route id.
type Store interface {
	Get(ctx context.Context, routeID string) (Snapshot, bool, error)
	Put(ctx context.Context, s Snapshot) error
	Delete(ctx context.Context, routeID string) error
	// Update reads the trip, runs fn and writes its result back as one step. It returns
	// ErrTripNotFound when no trip is held, and fn's error unchanged.
	Update(ctx context.Context, routeID string, fn func(Snapshot) (Snapshot, error)) (Snapshot, error)
}

// MemoryStore keeps trips in process, expiring them after ttl.
type MemoryStore struct {
	cache *gocache.Cache
}

// NewMemoryStore builds a store whose trips expire ttl after their last write.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &MemoryStore{cache: gocache.New(ttl, ttl/2)}
}

// Get returns the trip of routeID, if any.
func (m *MemoryStore) Get(_ context.Context, routeID string) (Snapshot, bool, error) {
	v, ok := m.cache.Get(routeID)
	if !ok {
		return Snapshot{}, false, nil
	}
	s, ok := v.(Snapshot)
	if !ok {
		return Snapshot{}, false, fmt.Errorf("trip %s: unexpected cache value %T", routeID, v)
	}
	return s, true, nil
}

// Put saves s and restarts its expiry.
func (m *MemoryStore) Put(_ context.Context, s Snapshot) error {
	m.cache.Set(s.RouteID, s, gocache.DefaultExpiration)
	return nil
}

// Update is a plain read-modify-write; the Registry serializes callers in process.
func (m *MemoryStore) Update(ctx context.Context, routeID string, fn func(Snapshot) (Snapshot, error)) (Snapshot, error) {
	cur, ok, err := m.Get(ctx, routeID)
	if err != nil {
		return Snapshot{}, err
	}
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrTripNotFound, routeID)
	}
	next, err := fn(cur)
	if err != nil {
		return Snapshot{}, err
	}
	return next, m.Put(ctx, next)
}

// Delete drops the trip of routeID.
func (m *MemoryStore) Delete(_ context.Context, routeID string) error {
	m.cache.Delete(routeID)
	return nil
}

// RedisStore shares trips across processes as JSON values with a TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore builds a store keyed "<prefix><route id>". Empty prefix and non-positive
// ttl take defaults.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "campusride:trip:"
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// Get returns the trip of routeID, if any.
func (r *RedisStore) Get(ctx context.Context, routeID string) (Snapshot, bool, error) {
	return r.get(ctx, r.client, routeID)
}

func (r *RedisStore) get(ctx context.Context, c redis.Cmdable, routeID string) (Snapshot, bool, error) {
	b, err := c.Get(ctx, r.prefix+routeID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode trip %s: %w", routeID, err)
	}
	return s, true, nil
}

// Put saves s and restarts its TTL.
func (r *RedisStore) Put(ctx context.Context, s Snapshot) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.prefix+s.RouteID, b, r.ttl).Err()
}

// Update runs fn under WATCH on the trip key, so API processes sharing the store cannot
// overwrite each other's transitions. A write that loses the race is retried on the
// fresh value.
func (r *RedisStore) Update(ctx context.Context, routeID string, fn func(Snapshot) (Snapshot, error)) (Snapshot, error) {
	key := r.prefix + routeID
	var next Snapshot
	txf := func(tx *redis.Tx) error {
		cur, ok, err := r.get(ctx, tx, routeID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrTripNotFound, routeID)
		}
		if next, err = fn(cur); err != nil {
			return err
		}
		b, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, r.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return Snapshot{}, err
		}
		return next, nil
	}
	return Snapshot{}, fmt.Errorf("update trip %s: %w", routeID, redis.TxFailedErr)
}

// Delete drops the trip of routeID.
func (r *RedisStore) Delete(ctx context.Context, routeID string) error {
	return r.client.Del(ctx, r.prefix+routeID).Err()
}
