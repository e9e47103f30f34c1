package eventbus

import (
	"context"
	"errors"
	"path"
	"sync"

	"go-service-state/internal/core"
)

// ErrClosed is returned when publishing on a closed bus.
var ErrClosed = errors.New("eventbus: closed")

type subscription struct {
	key     string
	pattern bool
	ch      chan core.Message
}

func (s *subscription) matches(topic string) bool {
	if !s.pattern {
		return s.key == topic
	}
	ok, _ := path.Match(s.key, topic)
	return ok
}

// MemoryBus is an in-process Bus. Delivery is synchronous into buffered
// subscriber channels; a full subscriber drops the message.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
	buffer int
}

// NewMemoryBus returns an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[*subscription]struct{}), buffer: 64}
}

// Publish delivers msg to every matching subscriber.
func (b *MemoryBus) Publish(ctx context.Context, topic string, msg core.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for s := range b.subs {
		if !s.matches(topic) {
			continue
		}
		select {
		case s.ch <- msg:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) subscribe(ctx context.Context, key string, pattern bool) (<-chan core.Message, error) {
	if pattern {
		if _, err := path.Match(key, ""); err != nil {
			return nil, err
		}
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	s := &subscription{key: key, pattern: pattern, ch: make(chan core.Message, b.buffer)}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.drop(func(other *subscription) bool { return other == s })
	}()
	return s.ch, nil
}

func (b *MemoryBus) drop(match func(*subscription) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if match(s) {
			delete(b.subs, s)
			close(s.ch)
		}
	}
}

// Subscribe listens for messages on a topic.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string) (<-chan core.Message, error) {
	return b.subscribe(ctx, topic, false)
}

// SubscribePattern listens for messages on topics matching a path.Match pattern.
func (b *MemoryBus) SubscribePattern(ctx context.Context, pattern string) (<-chan core.Message, error) {
	return b.subscribe(ctx, pattern, true)
}

// Unsubscribe closes every subscription registered under topic.
func (b *MemoryBus) Unsubscribe(ctx context.Context, topic string) error {
	b.drop(func(s *subscription) bool { return s.key == topic })
	return nil
}

// Close closes all subscriptions and rejects further publishes.
func (b *MemoryBus) Close() error {
	b.drop(func(*subscription) bool { return true })
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

var (
	_ Bus = (*MemoryBus)(nil)
	_ Bus = (*RedisBus)(nil)
)
