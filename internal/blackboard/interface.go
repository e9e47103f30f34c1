package blackboard

import (
	"context"
	"errors"
	"time"

	"go-service-state/internal/core"
)

// ErrNotFound is returned by Get when the key holds no value.
var ErrNotFound = errors.New("blackboard: key not found")

// Store is the shared context an FSM engine passes to every state. States only
// read and write it through their execute handlers.
type Store interface {
	Put(ctx context.Context, key string, value interface{}, ttl time.Duration) (int64, error)
	Get(ctx context.Context, key string) (interface{}, int64, error)
	Txn(ctx context.Context, values map[string]interface{}, ttl time.Duration) error
	Watch(ctx context.Context, pattern string) (<-chan core.BlackboardUpdate, error)
	Delete(ctx context.Context, key string) error
	Close() error
}
