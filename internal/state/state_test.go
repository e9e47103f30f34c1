package state

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-service-state/internal/blackboard"
	"go-service-state/internal/core"
	"go-service-state/internal/eventbus"
	"go-service-state/internal/host"
	"go-service-state/internal/logging"
)

func newHost(opts ...host.Option) *host.Server {
	return host.New(append([]host.Option{host.WithLogger(logging.NewNop())}, opts...)...)
}

func waiting(ctx context.Context, bb blackboard.Store) (core.Outcome, error) {
	return core.Waiting, nil
}

func request(t *testing.T, h http.Handler, endpoint string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, endpoint, strings.NewReader(""))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func newState(t *testing.T, srv *host.Server, endpoint string, exec ExecuteHandler, opts ...Option) *ServiceState {
	t.Helper()
	opts = append([]Option{WithLogger(logging.NewNop()), WithTickInterval(time.Millisecond)}, opts...)
	s, err := New(context.Background(), srv, endpoint, exec, opts...)
	require.NoError(t, err)
	return s
}

func TestOutcomeSet(t *testing.T) {
	srv := newHost()

	s := newState(t, srv, "/plain", waiting)
	assert.Equal(t, []core.Outcome{core.Succeed, core.Cancel, core.Abort}, s.Outcomes())
	assert.Zero(t, s.Timeout())

	s = newState(t, srv, "/timed", waiting, WithTimeout(5*time.Second), WithOutcomes("retry", core.Succeed, "retry"))
	assert.Equal(t, []core.Outcome{core.Succeed, core.Cancel, core.Abort, core.Timeout, "retry"}, s.Outcomes())
	assert.Equal(t, 5*time.Second, s.Timeout())
	assert.Contains(t, s.String(), "/timed")
}

func TestNewConfigurationErrors(t *testing.T) {
	srv := newHost()
	ctx := context.Background()
	var cfgErr *host.ConfigurationError

	_, err := New(ctx, nil, "/x", waiting)
	require.ErrorAs(t, err, &cfgErr)
	assert.ErrorIs(t, err, ErrNoHost)

	_, err = New(ctx, srv, "/x", nil)
	require.ErrorAs(t, err, &cfgErr)
	assert.ErrorIs(t, err, ErrNoExecuteHandler)

	_, err = New(ctx, srv, "", waiting)
	require.ErrorAs(t, err, &cfgErr)
	assert.ErrorIs(t, err, host.ErrInvalidName)

	_, err = New(ctx, srv, "/x", waiting, WithSchema(host.SchemaFunc{SchemaName: "broken"}))
	require.ErrorAs(t, err, &cfgErr)
	assert.ErrorIs(t, err, host.ErrInvalidSchema)

	_, err = New(ctx, srv, "/x", waiting, WithPublishChannel("no-slash"))
	require.ErrorAs(t, err, &cfgErr)
	assert.ErrorIs(t, err, host.ErrInvalidName)
	assert.Empty(t, srv.Endpoints(), "failed construction must not leave the endpoint registered")

	newState(t, srv, "/x", waiting)
	_, err = New(ctx, srv, "/x", waiting)
	require.ErrorAs(t, err, &cfgErr)
	assert.ErrorIs(t, err, host.ErrNameTaken)
}

func TestRequestBeforeExecuteSucceeds(t *testing.T) {
	srv := newHost()
	s := newState(t, srv, "/trigger", waiting)

	w := request(t, srv, "/trigger")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":false,"message":""}`, w.Body.String())
	assert.True(t, s.TransitionPending())

	outcome, err := s.Execute(context.Background(), blackboard.NewMemoryStore())
	require.NoError(t, err)
	assert.Equal(t, core.Succeed, outcome)
	assert.False(t, s.TransitionPending())
}

func TestTransitionIsIdempotent(t *testing.T) {
	srv := newHost()
	calls := 0
	s := newState(t, srv, "/trigger", func(ctx context.Context, bb blackboard.Store) (core.Outcome, error) {
		calls++
		if calls > 3 {
			return "done", nil
		}
		return core.Waiting, nil
	}, WithOutcomes("done"))

	s.Transition()
	s.Transition()
	request(t, srv, "/trigger")

	outcome, err := s.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, core.Succeed, outcome)

	outcome, err = s.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, core.Outcome("done"), outcome, "a second Execute must not see a stale transition")
}

func TestTransitionOverridesHandlerOutcome(t *testing.T) {
	srv := newHost()
	s := newState(t, srv, "/trigger", func(ctx context.Context, bb blackboard.Store) (core.Outcome, error) {
		return "retry", nil
	}, WithOutcomes("retry"))

	s.Transition()
	outcome, err := s.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, core.Succeed, outcome)

	outcome, err = s.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, core.Outcome("retry"), outcome)
}

func TestCancelAborts(t *testing.T) {
	srv := newHost()
	var aborts int
	s := newState(t, srv, "/trigger", waiting, WithAbort(func() { aborts++ }))

	s.Cancel()
	assert.True(t, s.IsCanceled())

	outcome, err := s.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, core.Abort, outcome)
	assert.Equal(t, 1, aborts)
	assert.False(t, s.IsCanceled())
}

func TestCancelWinsOverTransition(t *testing.T) {
	srv := newHost()
	var aborts int
	s := newState(t, srv, "/trigger", func(ctx context.Context, bb blackboard.Store) (core.Outcome, error) {
		return core.Succeed, nil
	}, WithAbort(func() { aborts++ }))

	s.Transition()
	s.Cancel()
	outcome, err := s.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, core.Abort, outcome)
	assert.Equal(t, 1, aborts)
	assert.False(t, s.TransitionPending(), "the transition is consumed before the cancel check")
	assert.False(t, s.IsCanceled())
}

func TestCancelWithoutAbortCallback(t *testing.T) {
	srv := newHost()
	s := newState(t, srv, "/trigger", waiting)
	s.Cancel()
	outcome, err := s.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, core.Abort, outcome)
}

func TestContextCancelAborts(t *testing.T) {
	srv := newHost()
	aborted := make(chan struct{}, 1)
	s := newState(t, srv, "/trigger", waiting,
		WithTickInterval(time.Hour),
		WithAbort(func() { aborted <- struct{}{} }))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	outcome, err := s.Execute(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, core.Abort, outcome)
	assert.Len(t, aborted, 1)
}

func TestExecuteHandlerErrorPropagates(t *testing.T) {
	srv := newHost()
	boom := errors.New("boom")
	s := newState(t, srv, "/trigger", func(ctx context.Context, bb blackboard.Store) (core.Outcome, error) {
		return "", boom
	})

	s.Transition()
	_, err := s.Execute(context.Background(), nil)
	assert.Same(t, boom, err)
	assert.True(t, s.TransitionPending(), "a failed iteration leaves the transition for the next Execute")
}

func TestUndeclaredOutcome(t *testing.T) {
	srv := newHost()
	var result core.Outcome = "bogus"
	exec := func(ctx context.Context, bb blackboard.Store) (core.Outcome, error) { return result, nil }

	s := newState(t, srv, "/plain", exec)
	_, err := s.Execute(context.Background(), nil)
	var outErr *OutcomeError
	require.ErrorAs(t, err, &outErr)
	assert.ErrorIs(t, err, ErrUnknownOutcome)
	assert.Equal(t, core.Outcome("bogus"), outErr.Outcome)

	result = core.Timeout
	_, err = s.Execute(context.Background(), nil)
	assert.ErrorIs(t, err, ErrUnknownOutcome, "timeout is only legal when declared")

	timed := newState(t, srv, "/timed", exec, WithTimeout(time.Second))
	outcome, err := timed.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, core.Timeout, outcome)
}

func TestExecuteReadsBlackboard(t *testing.T) {
	srv := newHost()
	bb := blackboard.NewMemoryStore()
	ctx := context.Background()
	s := newState(t, srv, "/trigger", func(ctx context.Context, bb blackboard.Store) (core.Outcome, error) {
		v, _, err := bb.Get(ctx, "ready")
		if errors.Is(err, blackboard.ErrNotFound) {
			return core.Waiting, nil
		}
		if err != nil {
			return "", err
		}
		if v == true {
			return "ready", nil
		}
		return core.Waiting, nil
	}, WithOutcomes("ready"))

	go func() {
		time.Sleep(5 * time.Millisecond)
		_, _ = bb.Put(ctx, "ready", true, 0)
	}()
	outcome, err := s.Execute(ctx, bb)
	require.NoError(t, err)
	assert.Equal(t, core.Outcome("ready"), outcome)
}

func TestRequestWakesBlockedLoop(t *testing.T) {
	srv := newHost()
	var calls atomic.Int32
	s := newState(t, srv, "/trigger", func(ctx context.Context, bb blackboard.Store) (core.Outcome, error) {
		calls.Add(1)
		return core.Waiting, nil
	}, WithTickInterval(time.Hour))

	go func() {
		time.Sleep(10 * time.Millisecond)
		request(t, srv, "/trigger")
	}()

	done := make(chan core.Outcome, 1)
	go func() {
		outcome, _ := s.Execute(context.Background(), nil)
		done <- outcome
	}()

	select {
	case outcome := <-done:
		assert.Equal(t, core.Succeed, outcome)
		assert.LessOrEqual(t, calls.Load(), int32(3), "the loop must block between wake-ups")
	case <-time.After(2 * time.Second):
		t.Fatal("request did not wake the execution loop")
	}
}

func TestCancelWakesBlockedLoop(t *testing.T) {
	srv := newHost()
	s := newState(t, srv, "/trigger", waiting, WithTickInterval(time.Hour))

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Cancel()
	}()

	done := make(chan core.Outcome, 1)
	go func() {
		outcome, _ := s.Execute(context.Background(), nil)
		done <- outcome
	}()

	select {
	case outcome := <-done:
		assert.Equal(t, core.Abort, outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not wake the execution loop")
	}
}

func TestConcurrentRequestStress(t *testing.T) {
	srv := newHost()
	var calls atomic.Int32
	var finishAfter atomic.Int32
	s := newState(t, srv, "/trigger", func(ctx context.Context, bb blackboard.Store) (core.Outcome, error) {
		n := calls.Add(1)
		if limit := finishAfter.Load(); limit > 0 && n >= limit {
			return "idle", nil
		}
		return core.Waiting, nil
	}, WithOutcomes("idle"))

	for i := 0; i < 50; i++ {
		calls.Store(0)
		finishAfter.Store(0)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := request(t, srv, "/trigger")
			assert.Equal(t, http.StatusOK, w.Code)
		}()

		outcome, err := s.Execute(context.Background(), nil)
		require.NoError(t, err)
		require.Equal(t, core.Succeed, outcome, "iteration %d", i)
		wg.Wait()

		// The request was consumed exactly once: the next run ends on the
		// handler's own outcome.
		calls.Store(0)
		finishAfter.Store(3)
		outcome, err = s.Execute(context.Background(), nil)
		require.NoError(t, err)
		require.Equal(t, core.Outcome("idle"), outcome, "iteration %d", i)
	}
}

func TestRequestHandlerOverride(t *testing.T) {
	srv := newHost()
	var mu sync.Mutex
	var seen []any
	s := newState(t, srv, "/trigger", func(ctx context.Context, bb blackboard.Store) (core.Outcome, error) {
		return "skipped", nil
	}, WithOutcomes("skipped"), WithRequestHandler(func(ctx context.Context, tr Transitioner, req any) (any, error) {
		mu.Lock()
		seen = append(seen, req)
		mu.Unlock()
		return &host.TriggerResponse{Success: true, Message: "noted"}, nil
	}))

	w := request(t, srv, "/trigger")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true,"message":"noted"}`, w.Body.String())
	assert.Len(t, seen, 1)
	assert.False(t, s.TransitionPending(), "an override owns the transition")

	outcome, err := s.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, core.Outcome("skipped"), outcome)
}

func TestRequestHandlerOverrideTransitions(t *testing.T) {
	srv := newHost()
	s := newState(t, srv, "/trigger", waiting, WithRequestHandler(func(ctx context.Context, tr Transitioner, req any) (any, error) {
		tr.Transition()
		return &host.TriggerResponse{Success: true}, nil
	}))

	request(t, srv, "/trigger")
	outcome, err := s.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, core.Succeed, outcome)
}

func TestRequestHandlerErrorSurfacesToHost(t *testing.T) {
	srv := newHost()
	s := newState(t, srv, "/trigger", waiting, WithRequestHandler(func(ctx context.Context, tr Transitioner, req any) (any, error) {
		return nil, errors.New("rejected")
	}))

	w := request(t, srv, "/trigger")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.False(t, s.TransitionPending())
}

func TestPublish(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	srv := newHost(host.WithBus(bus))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	all, err := bus.SubscribePattern(ctx, "/*")
	require.NoError(t, err)

	quiet := newState(t, srv, "/quiet", waiting)
	require.NoError(t, quiet.Publish(ctx, "nobody hears this"))

	loud := newState(t, srv, "/loud", waiting, WithPublishChannel("/status"))
	require.NoError(t, loud.Publish(ctx, "done"))

	select {
	case msg := <-all:
		assert.Equal(t, "done", msg.Data)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for status message")
	}
	assert.Len(t, all, 0, "exactly one message is emitted")
}

func TestPublishErrorLeavesOutcome(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	srv := newHost(host.WithBus(bus))
	s := newState(t, srv, "/trigger", waiting, WithPublishChannel("/status"))
	require.NoError(t, bus.Close())

	s.Transition()
	err := s.Publish(context.Background(), "done")
	assert.ErrorIs(t, err, eventbus.ErrClosed)

	outcome, err := s.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, core.Succeed, outcome)
}
