package cache

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"callguard-server/pkg/errors"
)

// DistributedStore is the second cache level: shared, larger, slower.
// Losing it degrades performance, not correctness.
type DistributedStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	Health(ctx context.Context) error
	Close() error
}

// RedisStore implements DistributedStore backed by Redis
type RedisStore struct {
	client    redis.UniversalClient
	logger    *logrus.Logger
	keyPrefix string
}

// RedisOptions holds Redis connection configuration
type RedisOptions struct {
	Address      string
	Password     string
	Database     int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewRedisStore creates a Redis-backed distributed store and verifies the
// connection before returning
func NewRedisStore(opts RedisOptions, logger *logrus.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.Database,
		PoolSize:     opts.PoolSize,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	logger.WithFields(logrus.Fields{
		"address":  opts.Address,
		"database": opts.Database,
	}).Info("Redis cache tier initialized")

	return &RedisStore{
		client:    client,
		logger:    logger,
		keyPrefix: "callguard:cache:",
	}, nil
}

// Get retrieves a payload; ErrNotFound when the key is absent
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	payload, err := r.client.Get(ctx, r.keyPrefix+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, errors.ErrNotFound
		}
		return nil, errors.Wrap(err, "redis get failed")
	}
	return payload, nil
}

// Set stores a payload with the given TTL
func (r *RedisStore) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.keyPrefix+key, payload, ttl).Err(); err != nil {
		return errors.Wrap(err, "redis set failed")
	}
	return nil
}

// Health pings the Redis server
func (r *RedisStore) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// MemoryStore is an in-memory DistributedStore used in tests and when Redis
// is disabled
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memoryItem
}

type memoryItem struct {
	payload []byte
	expires time.Time
}

// NewMemoryStore creates an in-memory distributed store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]memoryItem)}
}

// Get retrieves a payload; ErrNotFound when absent or expired
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	item, ok := m.items[key]
	m.mu.RUnlock()

	if !ok || time.Now().After(item.expires) {
		return nil, errors.ErrNotFound
	}
	return item.payload, nil
}

// Set stores a payload with the given TTL
func (m *MemoryStore) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	m.mu.Lock()
	m.items[key] = memoryItem{payload: payload, expires: time.Now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

// Health always succeeds
func (m *MemoryStore) Health(ctx context.Context) error {
	return nil
}

// Close releases the store
func (m *MemoryStore) Close() error {
	return nil
}
