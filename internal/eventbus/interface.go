package eventbus

import (
	"context"

	"go-service-state/internal/core"
)

// Bus defines publish/subscribe semantics for status messages.
type Bus interface {
	Publish(ctx context.Context, topic string, msg core.Message) error
	Subscribe(ctx context.Context, topic string) (<-chan core.Message, error)
	SubscribePattern(ctx context.Context, pattern string) (<-chan core.Message, error)
	Unsubscribe(ctx context.Context, topic string) error
	Close() error
}
