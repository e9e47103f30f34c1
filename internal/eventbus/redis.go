package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go-service-state/internal/core"
)

// RedisBus implements Bus using Redis Pub/Sub with automatic reconnection.
// Messages travel as JSON ({"data": "..."}) on the channel prefix+topic.
type RedisBus struct {
	mu            sync.Mutex
	client        *redis.Client
	options       *redis.Options
	prefix        string
	subscriptions map[string]*redis.PubSub
	logger        *slog.Logger
}

// NewRedisBus creates a new Redis-backed bus using the given options.
func NewRedisBus(opts *redis.Options, prefix string, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{
		client:        redis.NewClient(opts),
		options:       opts,
		prefix:        prefix,
		subscriptions: make(map[string]*redis.PubSub),
		logger:        logger.With("component", "eventbus"),
	}
}

// ensureConnection pings the server and reconnects if necessary. The
// replaced client is closed. Callers hold b.mu.
func (b *RedisBus) ensureConnection(ctx context.Context) {
	if err := b.client.Ping(ctx).Err(); err != nil {
		b.logger.Warn("reconnecting to redis", "error", err)
		old := b.client
		b.client = redis.NewClient(b.options)
		if err := old.Close(); err != nil {
			b.logger.Debug("closing replaced redis client", "error", err)
		}
	}
}

// Publish sends a message to a topic.
func (b *RedisBus) Publish(ctx context.Context, topic string, msg core.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.ensureConnection(ctx)
	client := b.client
	b.mu.Unlock()
	if err := client.Publish(ctx, b.prefix+topic, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// receive pumps pubsub messages into a channel until ctx is done or the
// subscription is closed.
func (b *RedisBus) receive(ctx context.Context, pubsub *redis.PubSub) (<-chan core.Message, error) {
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	ch := make(chan core.Message)
	go func() {
		defer close(ch)
		for {
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || err == redis.ErrClosed {
					return
				}
				b.logger.Warn("receive failed", "error", err)
				time.Sleep(time.Second)
				continue
			}
			var m core.Message
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				b.logger.Debug("dropping undecodable message", "channel", msg.Channel, "error", err)
				continue
			}
			select {
			case ch <- m:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Subscribe listens for messages on a topic.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan core.Message, error) {
	b.mu.Lock()
	b.ensureConnection(ctx)
	ps := b.client.Subscribe(ctx, b.prefix+topic)
	b.subscriptions[topic] = ps
	b.mu.Unlock()
	return b.receive(ctx, ps)
}

// SubscribePattern listens for messages on every topic matching pattern.
func (b *RedisBus) SubscribePattern(ctx context.Context, pattern string) (<-chan core.Message, error) {
	b.mu.Lock()
	b.ensureConnection(ctx)
	ps := b.client.PSubscribe(ctx, b.prefix+pattern)
	b.subscriptions[pattern] = ps
	b.mu.Unlock()
	return b.receive(ctx, ps)
}

// Unsubscribe stops listening on a topic.
func (b *RedisBus) Unsubscribe(ctx context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ps, ok := b.subscriptions[topic]
	if !ok {
		return nil
	}
	delete(b.subscriptions, topic)
	return ps.Close()
}

// Close terminates all subscriptions and closes the client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ps := range b.subscriptions {
		_ = ps.Close()
	}
	b.subscriptions = make(map[string]*redis.PubSub)
	return b.client.Close()
}
