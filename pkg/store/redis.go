package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each collection in a Redis hash, one field per
// record. The system is single-process, so the read-modify-write cycle
// is serialized with a local per-collection mutex; the hash replace
// itself runs in one MULTI/EXEC so readers never observe a half-written
// collection.
type RedisStore struct {
	rdb    *redis.Client
	prefix string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRedisStore connects to Redis and returns a store. Keys are
// prefixed so several deployments can share an instance.
func NewRedisStore(addr, prefix string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{
		rdb:    rdb,
		prefix: prefix,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

func (s *RedisStore) lock(collection string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[collection]
	if !ok {
		l = &sync.Mutex{}
		s.locks[collection] = l
	}
	return l
}

func (s *RedisStore) key(collection string) string {
	if s.prefix == "" {
		return collection
	}
	return s.prefix + ":" + collection
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, collection string) (Records, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", collection, err)
	}
	recs := make(Records, len(fields))
	for id, raw := range fields {
		recs[id] = json.RawMessage(raw)
	}
	return recs, nil
}

// Update implements Store.
func (s *RedisStore) Update(ctx context.Context, collection string, fn func(Records) error) error {
	l := s.lock(collection)
	l.Lock()
	defer l.Unlock()

	recs, err := s.Load(ctx, collection)
	if err != nil {
		return err
	}
	if err := fn(recs); err != nil {
		return err
	}

	key := s.key(collection)
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, key)
	if len(recs) > 0 {
		flat := make(map[string]any, len(recs))
		for id, raw := range recs {
			flat[id] = string(raw)
		}
		pipe.HSet(ctx, key, flat)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("persist %s: %w", collection, err)
	}
	return nil
}

// Healthy reports whether the Redis connection is alive.
func (s *RedisStore) Healthy(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
