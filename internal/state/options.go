package state

import (
	"log/slog"
	"time"

	"go-service-state/internal/core"
	"go-service-state/internal/host"
	"go-service-state/internal/metrics"
)

// DefaultTickInterval is how long the loop waits for a request or a cancel
// before asking the execute handler again.
const DefaultTickInterval = 50 * time.Millisecond

type config struct {
	requestHandler RequestHandler
	schema         host.Schema
	outcomes       []core.Outcome
	timeout        time.Duration
	publishChannel string
	abort          AbortFunc
	tick           time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

// Option configures a ServiceState at construction.
type Option func(*config)

// WithRequestHandler replaces the default request handler. The replacement
// decides on its own whether to call Transition.
func WithRequestHandler(h RequestHandler) Option {
	return func(c *config) { c.requestHandler = h }
}

// WithSchema sets the endpoint schema. Defaults to host.Trigger.
func WithSchema(s host.Schema) Option {
	return func(c *config) { c.schema = s }
}

// WithOutcomes adds custom outcomes to the declared set.
func WithOutcomes(outcomes ...core.Outcome) Option {
	return func(c *config) { c.outcomes = append(c.outcomes, outcomes...) }
}

// WithTimeout declares the Timeout outcome. Nothing in this package enforces
// d; the execute handler or the engine must return core.Timeout itself.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithPublishChannel enables Publish on channel.
func WithPublishChannel(channel string) Option {
	return func(c *config) { c.publishChannel = channel }
}

// WithAbort sets the callback run on the loop goroutine when a cancel is observed.
func WithAbort(fn AbortFunc) Option {
	return func(c *config) { c.abort = fn }
}

// WithTickInterval sets how often a waiting loop re-runs the execute handler
// when nothing else wakes it. Non-positive values keep the default.
func WithTickInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.tick = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) { c.metrics = m }
}
