package blackboard

import (
	"context"
	"path"
	"sync"
	"time"

	"go-service-state/internal/core"
)

type entry struct {
	value   interface{}
	version int64
	expires time.Time
}

type watcher struct {
	pattern string
	ch      chan core.BlackboardUpdate
}

// MemoryStore is an in-process Store. Watch patterns use path.Match syntax,
// which agrees with Redis glob patterns for the usual '*' and '?' cases.
type MemoryStore struct {
	mu       sync.Mutex
	data     map[string]entry
	watchers map[*watcher]struct{}
	now      func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:     make(map[string]entry),
		watchers: make(map[*watcher]struct{}),
		now:      time.Now,
	}
}

func (s *MemoryStore) lookup(key string) (entry, bool) {
	e, ok := s.data[key]
	if ok && !e.expires.IsZero() && !s.now().Before(e.expires) {
		delete(s.data, key)
		return entry{}, false
	}
	return e, ok
}

func (s *MemoryStore) put(key string, value interface{}, ttl time.Duration) int64 {
	e, _ := s.lookup(key)
	e.value = value
	e.version++
	e.expires = time.Time{}
	if ttl > 0 {
		e.expires = s.now().Add(ttl)
	}
	s.data[key] = e
	s.broadcast(core.BlackboardUpdate{Key: key, Value: value})
	return e.version
}

// broadcast never blocks: slow watchers miss updates.
func (s *MemoryStore) broadcast(upd core.BlackboardUpdate) {
	for w := range s.watchers {
		if ok, _ := path.Match(w.pattern, upd.Key); !ok {
			continue
		}
		select {
		case w.ch <- upd:
		default:
		}
	}
}

// Put stores a value with optional TTL and returns the new version.
func (s *MemoryStore) Put(ctx context.Context, key string, value interface{}, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(key, value, ttl), nil
}

// Get retrieves a value and its version.
func (s *MemoryStore) Get(ctx context.Context, key string) (interface{}, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok {
		return nil, 0, ErrNotFound
	}
	return e.value, e.version, nil
}

// Txn performs multiple puts under a single lock.
func (s *MemoryStore) Txn(ctx context.Context, values map[string]interface{}, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		s.put(k, v, ttl)
	}
	return nil
}

// Watch subscribes to updates matching pattern until ctx is done.
func (s *MemoryStore) Watch(ctx context.Context, pattern string) (<-chan core.BlackboardUpdate, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, err
	}
	w := &watcher{pattern: pattern, ch: make(chan core.BlackboardUpdate, 16)}
	s.mu.Lock()
	s.watchers[w] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if _, ok := s.watchers[w]; ok {
			delete(s.watchers, w)
			close(w.ch)
		}
		s.mu.Unlock()
	}()
	return w.ch, nil
}

// Delete removes a key from the store.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Close drops every watcher.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range s.watchers {
		delete(s.watchers, w)
		close(w.ch)
	}
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)
