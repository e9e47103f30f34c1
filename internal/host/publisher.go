package host

import (
	"context"
	"fmt"

	"go-service-state/internal/core"
	"go-service-state/internal/eventbus"
	"go-service-state/internal/metrics"
)

// Publisher emits text status messages on one channel.
type Publisher interface {
	Publish(ctx context.Context, msg string) error
	Channel() string
}

type busPublisher struct {
	bus     eventbus.Bus
	channel string
	metrics *metrics.Metrics
}

func (p *busPublisher) Channel() string { return p.channel }

func (p *busPublisher) Publish(ctx context.Context, msg string) error {
	err := p.bus.Publish(ctx, p.channel, core.Message{Data: msg})
	p.metrics.ObservePublish(p.channel, err)
	if err != nil {
		return fmt.Errorf("publish on %s: %w", p.channel, err)
	}
	return nil
}
