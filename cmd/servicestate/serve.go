package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"go-service-state/internal/blackboard"
	"go-service-state/internal/config"
	"go-service-state/internal/core"
	"go-service-state/internal/eventbus"
	"go-service-state/internal/host"
	"go-service-state/internal/logging"
	"go-service-state/internal/metrics"
	"go-service-state/internal/registry"
	"go-service-state/internal/state"
)

// CompleteMessage is published after a state succeeds.
const CompleteMessage = "complete"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the configured states over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		level, err := logging.ParseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logging.New(level))
	},
}

func init() {
	serveCmd.Flags().StringP("config", "c", "servicestate.yaml", "Path to the YAML configuration")
	rootCmd.AddCommand(serveCmd)
}

type backends struct {
	bus     eventbus.Bus
	bb      blackboard.Store
	claimer registry.Claimer
	// refresh is how often the host re-claims its endpoints, zero for never.
	refresh time.Duration
	close   func()
}

func newBackends(cfg *config.Config, logger *slog.Logger) backends {
	if cfg.RedisAddr == "" {
		bus := eventbus.NewMemoryBus()
		bb := blackboard.NewMemoryStore()
		return backends{
			bus:     bus,
			bb:      bb,
			claimer: registry.NewMemoryClaimer(),
			close: func() {
				_ = bus.Close()
				_ = bb.Close()
			},
		}
	}
	opts := &redis.Options{Addr: cfg.RedisAddr}
	bus := eventbus.NewRedisBus(opts, cfg.Prefix, logger)
	bb := blackboard.NewRedisStore(opts, cfg.Prefix, logger)
	client := redis.NewClient(opts)
	return backends{
		bus:     bus,
		bb:      bb,
		claimer: registry.NewRedisClaimer(client, cfg.Prefix, cfg.ClaimTTL),
		refresh: cfg.ClaimTTL / 2,
		close: func() {
			_ = bus.Close()
			_ = bb.Close()
			_ = client.Close()
		},
	}
}

// outcomeKey is the blackboard key an operator writes to finish a state
// without calling its endpoint.
func outcomeKey(endpoint string) string { return endpoint + ":outcome" }

// blackboardOutcome returns an execute handler that waits until key holds an
// outcome name, then consumes it.
func blackboardOutcome(key string) state.ExecuteHandler {
	return func(ctx context.Context, bb blackboard.Store) (core.Outcome, error) {
		v, _, err := bb.Get(ctx, key)
		if errors.Is(err, blackboard.ErrNotFound) {
			return core.Waiting, nil
		}
		if err != nil {
			return "", err
		}
		if err := bb.Delete(ctx, key); err != nil {
			return "", err
		}
		name, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("%s: expected an outcome name, got %T", key, v)
		}
		return core.Outcome(name), nil
	}
}

func buildStates(ctx context.Context, h state.Host, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) ([]*state.ServiceState, error) {
	states := make([]*state.ServiceState, 0, len(cfg.States))
	for _, sc := range cfg.States {
		endpoint := sc.Endpoint
		outcomes := make([]core.Outcome, 0, len(sc.Outcomes))
		for _, o := range sc.Outcomes {
			outcomes = append(outcomes, core.Outcome(o))
		}
		opts := []state.Option{
			state.WithOutcomes(outcomes...),
			state.WithLogger(logger),
			state.WithMetrics(m),
			state.WithTickInterval(sc.TickInterval),
			state.WithAbort(func() { logger.Info("state aborted", "state", endpoint) }),
		}
		if sc.Timeout > 0 {
			opts = append(opts, state.WithTimeout(sc.Timeout))
		}
		if sc.PublishChannel != "" {
			opts = append(opts, state.WithPublishChannel(sc.PublishChannel))
		}
		st, err := state.New(ctx, h, endpoint, blackboardOutcome(outcomeKey(endpoint)), opts...)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, nil
}

// drive runs st until it aborts or fails, publishing after every success.
// It returns the last outcome.
func drive(ctx context.Context, st *state.ServiceState, bb blackboard.Store, logger *slog.Logger) (core.Outcome, error) {
	logger = logger.With("state", st.Endpoint())
	for {
		outcome, err := st.Execute(ctx, bb)
		if err != nil {
			logger.Error("execute failed", "error", err)
			return outcome, err
		}
		logger.Info("state finished", "outcome", outcome)
		if outcome == core.Succeed {
			if err := st.Publish(ctx, CompleteMessage); err != nil {
				logger.Warn("status publish failed", "error", err)
			}
		}
		if outcome == core.Abort {
			return outcome, nil
		}
	}
}

// fleet drives a set of states on a context of its own, so that stopping
// them goes through each state's cancel request while the blackboard is
// still usable.
type fleet struct {
	states   []*state.ServiceState
	logger   *slog.Logger
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	outcomes []core.Outcome
}

func startFleet(states []*state.ServiceState, bb blackboard.Store, logger *slog.Logger) *fleet {
	ctx, cancel := context.WithCancel(context.Background())
	f := &fleet{
		states:   states,
		logger:   logger,
		cancel:   cancel,
		outcomes: make([]core.Outcome, len(states)),
	}
	for i, st := range states {
		f.wg.Add(1)
		go func(i int, st *state.ServiceState) {
			defer f.wg.Done()
			f.outcomes[i], _ = drive(ctx, st, bb, logger)
		}(i, st)
	}
	return f
}

// stop asks every state to cancel and waits for them. States still running
// after grace have their context canceled. It returns each state's last
// outcome, in the order the states were given.
func (f *fleet) stop(grace time.Duration) []core.Outcome {
	for _, st := range f.states {
		st.Cancel()
	}
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		f.logger.Warn("states did not stop in time, canceling their context", "grace", grace)
		f.cancel()
		<-done
	}
	f.cancel()
	return f.outcomes
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	be := newBackends(cfg, logger)
	defer be.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	h := host.New(
		host.WithBus(be.bus),
		host.WithClaimer(be.claimer),
		host.WithClaimRefresh(be.refresh),
		host.WithMetrics(m, reg),
		host.WithLogger(logger),
	)

	states, err := buildStates(ctx, h, cfg, logger, m)
	if err != nil {
		_ = h.Close(context.Background())
		return fmt.Errorf("build states: %w", err)
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Addr, "endpoints", h.Endpoints())
		serveErr <- srv.ListenAndServe()
	}()

	f := startFleet(states, be.bb, logger)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		err = nil
	case err = <-serveErr:
		logger.Error("http server stopped", "error", err)
	}

	f.stop(5 * time.Second)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	if closeErr := h.Close(shutdownCtx); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}
