// Package registry tracks which host owns an endpoint name so that two hosts
// sharing a backend cannot serve the same endpoint.
package registry

import (
	"context"
	"errors"
	"sync"
)

// ErrClaimed is returned when a name is already owned by someone else.
var ErrClaimed = errors.New("name already claimed")

// Claimer grants exclusive ownership of names.
type Claimer interface {
	// Claim takes ownership of name for owner. Claiming a name one already
	// owns succeeds.
	Claim(ctx context.Context, name, owner string) error
	// Release gives the name up. Releasing a name owned by someone else is a no-op.
	Release(ctx context.Context, name, owner string) error
}

// MemoryClaimer is a process-local Claimer.
type MemoryClaimer struct {
	mu     sync.Mutex
	owners map[string]string
}

func NewMemoryClaimer() *MemoryClaimer {
	return &MemoryClaimer{owners: make(map[string]string)}
}

func (c *MemoryClaimer) Claim(ctx context.Context, name, owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.owners[name]; ok && cur != owner {
		return ErrClaimed
	}
	c.owners[name] = owner
	return nil
}

func (c *MemoryClaimer) Release(ctx context.Context, name, owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owners[name] == owner {
		delete(c.owners, name)
	}
	return nil
}
