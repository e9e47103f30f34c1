// Package state implements an FSM state backed by a request/response
// endpoint. A request delivered on the host's dispatch goroutine sets a
// transition flag; Execute, driven by the FSM engine on its own goroutine,
// turns that flag into exactly one Succeed outcome.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go-service-state/internal/blackboard"
	"go-service-state/internal/core"
	"go-service-state/internal/host"
	"go-service-state/internal/metrics"
)

// ExecuteHandler is evaluated on every loop iteration. Returning
// core.Waiting keeps the loop going.
type ExecuteHandler func(ctx context.Context, bb blackboard.Store) (core.Outcome, error)

// Transitioner lets a request handler mark the state as done.
type Transitioner interface {
	Transition()
}

// RequestHandler serves one inbound request on the host's goroutine.
type RequestHandler func(ctx context.Context, t Transitioner, req any) (any, error)

// AbortFunc runs on the Execute goroutine when a cancel is observed.
type AbortFunc func()

// Host is the runtime a ServiceState registers with.
type Host interface {
	RegisterEndpoint(ctx context.Context, name string, schema host.Schema, h host.Handler) error
	NewPublisher(channel string) (host.Publisher, error)
}

var (
	ErrNoHost           = errors.New("nil host")
	ErrNoExecuteHandler = errors.New("nil execute handler")
	// ErrUnknownOutcome is wrapped by *OutcomeError.
	ErrUnknownOutcome = errors.New("outcome not declared")
)

// OutcomeError reports an execute handler result outside the declared set.
type OutcomeError struct {
	Endpoint string
	Outcome  core.Outcome
}

func (e *OutcomeError) Error() string {
	return fmt.Sprintf("state %s: %v: %q", e.Endpoint, ErrUnknownOutcome, e.Outcome)
}

func (e *OutcomeError) Unwrap() error { return ErrUnknownOutcome }

// ServiceState is a state that completes when its endpoint is called.
type ServiceState struct {
	endpoint       string
	exec           ExecuteHandler
	requestHandler RequestHandler
	schema         host.Schema
	outcomes       []core.Outcome
	timeout        time.Duration
	publisher      host.Publisher
	abort          AbortFunc
	tick           time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics

	transition *flag
	canceled   *flag
}

// New builds a ServiceState and registers its endpoint on h. Registration and
// publisher failures are returned as *host.ConfigurationError.
func New(ctx context.Context, h Host, endpoint string, exec ExecuteHandler, opts ...Option) (*ServiceState, error) {
	cfg := config{schema: host.Trigger, tick: DefaultTickInterval}
	for _, opt := range opts {
		opt(&cfg)
	}
	if h == nil {
		return nil, &host.ConfigurationError{Op: "new service state", Name: endpoint, Err: ErrNoHost}
	}
	if exec == nil {
		return nil, &host.ConfigurationError{Op: "new service state", Name: endpoint, Err: ErrNoExecuteHandler}
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	s := &ServiceState{
		endpoint:       endpoint,
		exec:           exec,
		requestHandler: cfg.requestHandler,
		schema:         cfg.schema,
		outcomes:       core.NewOutcomeSet(cfg.timeout > 0, cfg.outcomes...),
		timeout:        cfg.timeout,
		abort:          cfg.abort,
		tick:           cfg.tick,
		logger:         cfg.logger.With("state", endpoint),
		metrics:        cfg.metrics,
		transition:     newFlag(),
		canceled:       newFlag(),
	}
	if s.requestHandler == nil {
		s.requestHandler = s.acknowledge
	}

	if cfg.publishChannel != "" {
		pub, err := h.NewPublisher(cfg.publishChannel)
		if err != nil {
			return nil, err
		}
		s.publisher = pub
	}

	handler := func(ctx context.Context, req any) (any, error) {
		return s.requestHandler(ctx, s, req)
	}
	if err := h.RegisterEndpoint(ctx, endpoint, s.schema, handler); err != nil {
		return nil, err
	}

	s.logger.Debug("created", "desc", s.String())
	return s, nil
}

// acknowledge is the default request handler.
func (s *ServiceState) acknowledge(ctx context.Context, t Transitioner, req any) (any, error) {
	t.Transition()
	return s.schema.NewResponse(), nil
}

// Transition raises the transition flag. Raising it again before Execute
// consumes it has no further effect.
func (s *ServiceState) Transition() { s.transition.set() }

// TransitionPending reports whether a transition is waiting to be consumed.
func (s *ServiceState) TransitionPending() bool { return s.transition.get() }

// Cancel asks a running or future Execute to abort.
func (s *ServiceState) Cancel() { s.canceled.set() }

// IsCanceled reports a pending cancel without consuming it.
func (s *ServiceState) IsCanceled() bool { return s.canceled.get() }

// Outcomes returns the declared outcome set.
func (s *ServiceState) Outcomes() []core.Outcome {
	return append([]core.Outcome(nil), s.outcomes...)
}

func (s *ServiceState) Endpoint() string { return s.endpoint }

// Timeout returns the configured timeout, zero if none.
func (s *ServiceState) Timeout() time.Duration { return s.timeout }

func (s *ServiceState) String() string {
	return fmt.Sprintf("ServiceState(%s, %v)", s.endpoint, s.outcomes)
}

// Execute runs the state until it reaches a terminal outcome. Each iteration
// evaluates, in order: the execute handler, the transition flag (which
// overrides the handler with Succeed), then the cancel flag or ctx (which
// overrides everything with Abort after running the abort callback).
// Handler errors are returned unchanged.
func (s *ServiceState) Execute(ctx context.Context, bb blackboard.Store) (core.Outcome, error) {
	var ticker *time.Ticker
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		outcome, err := s.exec(ctx, bb)
		if err != nil {
			return "", err
		}

		if s.transition.consume() {
			outcome = core.Succeed
		}

		if s.cancelRequested(ctx) {
			s.logger.Info("cancel observed, aborting")
			if s.abort != nil {
				s.abort()
			}
			s.metrics.ObserveOutcome(s.endpoint, core.Abort.String())
			return core.Abort, nil
		}

		if outcome.Terminal() {
			if !core.Contains(s.outcomes, outcome) {
				return "", &OutcomeError{Endpoint: s.endpoint, Outcome: outcome}
			}
			s.metrics.ObserveOutcome(s.endpoint, outcome.String())
			s.logger.Debug("finished", "outcome", outcome)
			return outcome, nil
		}

		if ticker == nil {
			ticker = time.NewTicker(s.tick)
		}
		select {
		case <-s.transition.wake:
		case <-s.canceled.wake:
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
}

// cancelRequested consumes the cancel flag. A done ctx counts as a cancel.
func (s *ServiceState) cancelRequested(ctx context.Context) bool {
	canceled := s.canceled.consume()
	return canceled || ctx.Err() != nil
}

// Publish emits msg on the configured channel. Without one it does nothing.
func (s *ServiceState) Publish(ctx context.Context, msg string) error {
	if s.publisher == nil {
		return nil
	}
	return s.publisher.Publish(ctx, msg)
}
