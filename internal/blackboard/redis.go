package blackboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go-service-state/internal/core"
)

// maxPutRetries bounds how often Put retries after losing a write race.
const maxPutRetries = 32

// RedisStore provides a Redis-backed implementation of Store. Each key is a
// hash holding the JSON value and a monotonically increasing version.
type RedisStore struct {
	mu      sync.Mutex
	client  *redis.Client
	options *redis.Options
	logger  *slog.Logger
	prefix  string
}

// NewRedisStore returns a new RedisStore. Keys are namespaced with prefix.
func NewRedisStore(opts *redis.Options, prefix string, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		client:  redis.NewClient(opts),
		options: opts,
		logger:  logger.With("component", "blackboard"),
		prefix:  prefix,
	}
}

func (s *RedisStore) key(k string) string   { return s.prefix + "bb:" + k }
func (s *RedisStore) notif(k string) string { return s.prefix + "bb:update:" + k }

// ensureConnection pings Redis and reconnects if needed, closing the
// replaced client. Callers hold s.mu.
func (s *RedisStore) ensureConnection(ctx context.Context) {
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.logger.Warn("reconnecting to redis", "error", err)
		old := s.client
		s.client = redis.NewClient(s.options)
		if err := old.Close(); err != nil {
			s.logger.Debug("closing replaced redis client", "error", err)
		}
	}
}

// Put stores a value with optional TTL and returns the new version.
func (s *RedisStore) Put(ctx context.Context, key string, value interface{}, ttl time.Duration) (int64, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("marshal %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureConnection(ctx)

	hkey := s.key(key)
	var ver int64
	put := func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, hkey, "version").Int64()
		if err != nil && err != redis.Nil {
			return err
		}
		ver = cur + 1
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, hkey, "value", data, "version", ver)
			if ttl > 0 {
				pipe.Expire(ctx, hkey, ttl)
			}
			return nil
		})
		return err
	}
	// Another writer touching hkey between WATCH and EXEC aborts the
	// transaction; retry it on the fresh version.
	for attempt := 0; ; attempt++ {
		err = s.client.Watch(ctx, put, hkey)
		if !errors.Is(err, redis.TxFailedErr) || attempt == maxPutRetries {
			break
		}
	}
	if err != nil {
		return 0, fmt.Errorf("put %s: %w", key, err)
	}
	s.notify(ctx, s.client, key, value)
	return ver, nil
}

func (s *RedisStore) notify(ctx context.Context, c redis.Cmdable, key string, value interface{}) {
	payload, err := json.Marshal(core.BlackboardUpdate{Key: key, Value: value})
	if err != nil {
		return
	}
	if err := c.Publish(ctx, s.notif(key), payload).Err(); err != nil {
		s.logger.Debug("update notification failed", "key", key, "error", err)
	}
}

// Get retrieves a value and its version.
func (s *RedisStore) Get(ctx context.Context, key string) (interface{}, int64, error) {
	s.mu.Lock()
	s.ensureConnection(ctx)
	client := s.client
	s.mu.Unlock()

	res, err := client.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("get %s: %w", key, err)
	}
	if len(res) == 0 {
		return nil, 0, ErrNotFound
	}
	var v interface{}
	if err := json.Unmarshal([]byte(res["value"]), &v); err != nil {
		return nil, 0, fmt.Errorf("decode %s: %w", key, err)
	}
	ver, err := parseInt(res["version"])
	if err != nil {
		return nil, 0, fmt.Errorf("decode %s version: %w", key, err)
	}
	return v, ver, nil
}

func parseInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

// Txn performs multiple puts atomically.
func (s *RedisStore) Txn(ctx context.Context, values map[string]interface{}, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureConnection(ctx)

	pipe := s.client.TxPipeline()
	for k, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", k, err)
		}
		hkey := s.key(k)
		pipe.HIncrBy(ctx, hkey, "version", 1)
		pipe.HSet(ctx, hkey, "value", data)
		if ttl > 0 {
			pipe.Expire(ctx, hkey, ttl)
		}
		s.notify(ctx, pipe, k, v)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("txn: %w", err)
	}
	return nil
}

// Watch subscribes to updates of keys matching pattern.
func (s *RedisStore) Watch(ctx context.Context, pattern string) (<-chan core.BlackboardUpdate, error) {
	s.mu.Lock()
	s.ensureConnection(ctx)
	pubsub := s.client.PSubscribe(ctx, s.notif(pattern))
	s.mu.Unlock()

	// Wait for the subscription to be confirmed so no update is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("watch %s: %w", pattern, err)
	}

	ch := make(chan core.BlackboardUpdate)
	go func() {
		defer close(ch)
		defer pubsub.Close()
		for {
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("watch receive failed", "pattern", pattern, "error", err)
				time.Sleep(time.Second)
				continue
			}
			var upd core.BlackboardUpdate
			if err := json.Unmarshal([]byte(msg.Payload), &upd); err != nil {
				continue
			}
			select {
			case ch <- upd:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Delete removes a key from the store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	s.ensureConnection(ctx)
	client := s.client
	s.mu.Unlock()
	return client.Del(ctx, s.key(key)).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client.Close()
}
