package healthstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opentalon/orchestra/internal/monitor"
)

const DefaultKey = "orchestra:health:snapshot"

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
	// TTL expires the snapshot when no process has refreshed it. Zero keeps it.
	TTL time.Duration
}

// RedisStore shares one snapshot between engine instances.
type RedisStore struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

// NewRedisStore connects and pings the server before returning.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("healthstore: redis ping failed: %w", err)
	}
	key := cfg.Key
	if key == "" {
		key = DefaultKey
	}
	return &RedisStore{rdb: rdb, key: key, ttl: cfg.TTL}, nil
}

func (s *RedisStore) Save(ctx context.Context, snap monitor.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("healthstore: encode: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("healthstore: set %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context) (monitor.Snapshot, error) {
	var snap monitor.Snapshot
	data, err := s.rdb.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return snap, ErrNotFound
	}
	if err != nil {
		return snap, fmt.Errorf("healthstore: get %s: %w", s.key, err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("healthstore: decode: %w", err)
	}
	return snap, nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }
