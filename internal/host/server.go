package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go-service-state/internal/eventbus"
	"go-service-state/internal/metrics"
	"go-service-state/internal/registry"
)

// Handler serves one endpoint request. It runs on the HTTP server goroutine
// that received the request.
type Handler func(ctx context.Context, req any) (any, error)

// RequestIDHeader carries the per-request id assigned by the host.
const RequestIDHeader = "X-Request-ID"

var (
	namePattern   = regexp.MustCompile(`^/[A-Za-z0-9_~-]+(/[A-Za-z0-9_~-]+)*$`)
	reservedNames = map[string]bool{"/healthz": true, "/metrics": true}
)

type requestIDKey struct{}

// RequestID returns the id the host assigned to the request carried by ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type endpoint struct {
	name    string
	schema  Schema
	handler Handler
}

// Server is the host runtime: it owns the endpoint table, routes inbound
// requests to their handlers and hands out status publishers.
type Server struct {
	id      string
	router  chi.Router
	bus     eventbus.Bus
	claimer registry.Claimer
	metrics *metrics.Metrics
	gather  prometheus.Gatherer
	logger  *slog.Logger

	refresh     time.Duration
	stopRefresh chan struct{}
	refreshDone chan struct{}

	mu        sync.RWMutex
	endpoints map[string]*endpoint
	pending   map[string]bool
	closed    bool
}

type Option func(*Server)

// WithBus sets the bus publishers write to. Defaults to an in-process bus.
func WithBus(bus eventbus.Bus) Option {
	return func(s *Server) { s.bus = bus }
}

// WithClaimer sets the endpoint-name registry. Defaults to a process-local one.
func WithClaimer(c registry.Claimer) Option {
	return func(s *Server) { s.claimer = c }
}

// WithMetrics records request and publish metrics and, when g is non-nil,
// exposes it on GET /metrics.
func WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gather = g
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithID overrides the generated host id used as claim owner.
func WithID(id string) Option {
	return func(s *Server) { s.id = id }
}

// WithClaimRefresh re-claims every owned endpoint each interval so that
// claims with a TTL stay alive while the host serves them. Use about half the
// claimer's TTL. Zero disables refreshing.
func WithClaimRefresh(interval time.Duration) Option {
	return func(s *Server) { s.refresh = interval }
}

// New creates a host with the given options.
func New(opts ...Option) *Server {
	s := &Server{
		id:        uuid.NewString(),
		endpoints: make(map[string]*endpoint),
		pending:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.bus == nil {
		s.bus = eventbus.NewMemoryBus()
	}
	if s.claimer == nil {
		s.claimer = registry.NewMemoryClaimer()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("host", s.id)

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.gather != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gather, promhttp.HandlerOpts{}))
	}
	r.Post("/*", s.dispatch)
	s.router = r

	if s.refresh > 0 {
		s.stopRefresh = make(chan struct{})
		s.refreshDone = make(chan struct{})
		go s.refreshClaims()
	}
	return s
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// ID returns the host id.
func (s *Server) ID() string { return s.id }

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func validName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: must be '/'-rooted path segments of [A-Za-z0-9_~-]", ErrInvalidName)
	}
	return nil
}

// validRoute is validName plus the routes the host serves itself.
func validRoute(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	if reservedNames[name] {
		return fmt.Errorf("%w: reserved", ErrInvalidName)
	}
	return nil
}

// RegisterEndpoint binds handler to POST name. Every failure is a
// *ConfigurationError.
func (s *Server) RegisterEndpoint(ctx context.Context, name string, schema Schema, handler Handler) error {
	fail := func(err error) error {
		return &ConfigurationError{Op: "register endpoint", Name: name, Err: err}
	}
	if err := validRoute(name); err != nil {
		return fail(err)
	}
	if err := ValidateSchema(schema); err != nil {
		return fail(err)
	}
	if handler == nil {
		return fail(errors.New("nil handler"))
	}

	// Reserve the name locally, then claim it without holding s.mu so
	// dispatch is not blocked on the claimer's round trip.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fail(ErrHostClosed)
	}
	if _, ok := s.endpoints[name]; ok || s.pending[name] {
		s.mu.Unlock()
		return fail(ErrNameTaken)
	}
	s.pending[name] = true
	s.mu.Unlock()

	claimErr := s.claimer.Claim(ctx, name, s.id)

	s.mu.Lock()
	delete(s.pending, name)
	if claimErr != nil {
		s.mu.Unlock()
		if errors.Is(claimErr, registry.ErrClaimed) {
			return fail(fmt.Errorf("%w: owned by another host", ErrNameTaken))
		}
		return fail(claimErr)
	}
	if s.closed {
		s.mu.Unlock()
		if err := s.claimer.Release(ctx, name, s.id); err != nil {
			s.logger.Warn("release after close failed", "endpoint", name, "error", err)
		}
		return fail(ErrHostClosed)
	}
	s.endpoints[name] = &endpoint{name: name, schema: schema, handler: handler}
	s.mu.Unlock()
	s.logger.Info("endpoint registered", "endpoint", name, "schema", schema.Name())
	return nil
}

func (s *Server) refreshClaims() {
	defer close(s.refreshDone)
	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopRefresh:
			return
		case <-ticker.C:
			s.refreshOnce(context.Background())
		}
	}
}

// refreshOnce re-claims every endpoint. An endpoint whose claim now belongs to
// another host is dropped so that only one host serves it.
func (s *Server) refreshOnce(ctx context.Context) {
	for _, name := range s.Endpoints() {
		err := s.claimer.Claim(ctx, name, s.id)
		switch {
		case err == nil:
		case errors.Is(err, registry.ErrClaimed):
			s.mu.Lock()
			delete(s.endpoints, name)
			s.mu.Unlock()
			s.logger.Error("endpoint ownership lost, no longer serving", "endpoint", name)
		default:
			s.logger.Warn("claim refresh failed", "endpoint", name, "error", err)
		}
	}
}

// NewPublisher returns a publisher bound to channel.
func (s *Server) NewPublisher(channel string) (Publisher, error) {
	if err := validName(channel); err != nil {
		return nil, &ConfigurationError{Op: "create publisher", Name: channel, Err: err}
	}
	return &busPublisher{bus: s.bus, channel: channel, metrics: s.metrics}, nil
}

// Endpoints lists the registered endpoint names in order.
func (s *Server) Endpoints() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.endpoints))
	for name := range s.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close stops claim refreshing, drops every endpoint and releases their claims.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.stopRefresh != nil {
		close(s.stopRefresh)
		<-s.refreshDone
	}

	s.mu.Lock()
	owned := s.endpoints
	s.endpoints = make(map[string]*endpoint)
	s.mu.Unlock()

	var errs []error
	for name := range owned {
		if err := s.claimer.Release(ctx, name, s.id); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Server) lookup(name string) (*endpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[name]
	return ep, ok
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	name := "/" + strings.TrimSuffix(chi.URLParam(r, "*"), "/")
	ep, ok := s.lookup(name)
	if !ok {
		http.Error(w, "unknown endpoint", http.StatusNotFound)
		return
	}
	logger := s.logger.With("endpoint", name, "request_id", RequestID(r.Context()))

	req := ep.schema.NewRequest()
	if err := json.NewDecoder(r.Body).Decode(req); err != nil && !errors.Is(err, io.EOF) {
		s.metrics.ObserveRequest(name, http.StatusBadRequest)
		http.Error(w, "invalid request body", http.StatusBadRequest)
		logger.Warn("invalid request body", "error", err)
		return
	}

	resp, err := ep.handler(r.Context(), req)
	if err != nil {
		s.metrics.ObserveRequest(name, http.StatusInternalServerError)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		logger.Error("request handler failed", "error", err)
		return
	}
	if resp == nil {
		resp = ep.schema.NewResponse()
	}

	s.metrics.ObserveRequest(name, http.StatusOK)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error("response encode failed", "error", err)
	}
	logger.Debug("request served")
}
