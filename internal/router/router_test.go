package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phrazzld/genqueue/internal/generation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream 503")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeClient counts calls and delegates to fn.
type fakeClient struct {
	calls atomic.Int64
	fn    func(ctx context.Context, call int64, req generation.Request) (generation.Response, error)
}

func (f *fakeClient) Generate(ctx context.Context, req generation.Request) (generation.Response, error) {
	n := f.calls.Add(1)
	return f.fn(ctx, n, req)
}

func healthy(text string) *fakeClient {
	return &fakeClient{fn: func(context.Context, int64, generation.Request) (generation.Response, error) {
		return generation.Response{Text: text}, nil
	}}
}

func failing(err error) *fakeClient {
	return &fakeClient{fn: func(context.Context, int64, generation.Request) (generation.Response, error) {
		return generation.Response{}, err
	}}
}

func stateOf(t *testing.T, r *Router, id string) BreakerState {
	t.Helper()
	for _, s := range r.Snapshot() {
		if s.ProviderID == id {
			return s
		}
	}
	t.Fatalf("provider %s not in snapshot", id)
	return BreakerState{}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		providers []Provider
		wantErr   error
	}{
		{"no providers", nil, ErrNoProviders},
		{"missing id", []Provider{{Client: healthy("x")}}, ErrInvalidProvider},
		{"missing client", []Provider{{ID: "a"}}, ErrInvalidProvider},
		{"duplicate id", []Provider{{ID: "a", Client: healthy("x")}, {ID: "a", Client: healthy("y")}}, ErrDuplicateProvider},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.providers, Config{}, testLogger())
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	t.Parallel()

	r, err := New([]Provider{{ID: "a", Client: healthy("x")}}, Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(DefaultFailureThreshold), r.cfg.FailureThreshold)
	assert.Equal(t, DefaultOpenDuration, r.cfg.OpenDuration)
}

func TestDispatch_OpensAfterThresholdAndStopsCalling(t *testing.T) {
	t.Parallel()

	client := failing(generation.Transient("a", errUpstream))
	r, err := New([]Provider{{ID: "a", Priority: 1, Client: client}},
		Config{FailureThreshold: 3, OpenDuration: time.Hour}, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _, err := r.Dispatch(ctx, generation.Request{Prompt: "p"})
		require.Error(t, err)
	}

	s := stateOf(t, r, "a")
	assert.Equal(t, StateOpen, s.State)
	assert.Equal(t, uint32(3), s.ConsecutiveFailures)
	require.NotNil(t, s.OpenedAt)

	for i := 0; i < 10; i++ {
		_, _, err := r.Dispatch(ctx, generation.Request{Prompt: "p"})
		var exhausted *AllProvidersExhaustedError
		require.ErrorAs(t, err, &exhausted)
		assert.Equal(t, []string{"a"}, exhausted.Skipped)
		assert.Empty(t, exhausted.Attempted)
		assert.NoError(t, exhausted.Last)
	}
	assert.Equal(t, int64(3), client.calls.Load(), "open breaker must not reach the provider")
}

func TestDispatch_HalfOpenAllowsSingleProbe(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	client := &fakeClient{fn: func(_ context.Context, call int64, _ generation.Request) (generation.Response, error) {
		if call == 1 {
			return generation.Response{}, errUpstream
		}
		close(started)
		<-release
		return generation.Response{Text: "ok"}, nil
	}}

	r, err := New([]Provider{{ID: "a", Client: client}},
		Config{FailureThreshold: 1, OpenDuration: 50 * time.Millisecond}, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	_, _, err = r.Dispatch(ctx, generation.Request{})
	require.Error(t, err)
	require.Equal(t, StateOpen, stateOf(t, r, "a").State)

	time.Sleep(80 * time.Millisecond)

	var wg sync.WaitGroup
	var probeResp generation.Response
	var probeErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		probeResp, _, probeErr = r.Dispatch(ctx, generation.Request{})
	}()
	<-started

	assert.Equal(t, StateHalfOpen, stateOf(t, r, "a").State)
	for i := 0; i < 4; i++ {
		_, _, err := r.Dispatch(ctx, generation.Request{})
		var exhausted *AllProvidersExhaustedError
		require.ErrorAs(t, err, &exhausted)
		assert.Equal(t, []string{"a"}, exhausted.Skipped)
	}

	close(release)
	wg.Wait()

	require.NoError(t, probeErr)
	assert.Equal(t, "ok", probeResp.Text)
	assert.Equal(t, int64(2), client.calls.Load())

	s := stateOf(t, r, "a")
	assert.Equal(t, StateClosed, s.State)
	assert.Zero(t, s.ConsecutiveFailures)
	assert.Nil(t, s.OpenedAt)
}

func TestDispatch_FailedProbeReopens(t *testing.T) {
	t.Parallel()

	client := failing(errUpstream)
	r, err := New([]Provider{{ID: "a", Client: client}},
		Config{FailureThreshold: 1, OpenDuration: 40 * time.Millisecond}, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	_, _, _ = r.Dispatch(ctx, generation.Request{})
	first := stateOf(t, r, "a")
	require.Equal(t, StateOpen, first.State)

	time.Sleep(60 * time.Millisecond)

	_, _, err = r.Dispatch(ctx, generation.Request{})
	var exhausted *AllProvidersExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, []string{"a"}, exhausted.Attempted)

	second := stateOf(t, r, "a")
	assert.Equal(t, StateOpen, second.State)
	assert.Equal(t, uint32(2), second.ConsecutiveFailures)
	require.NotNil(t, second.OpenedAt)
	assert.True(t, second.OpenedAt.After(*first.OpenedAt))
	assert.Equal(t, int64(2), client.calls.Load())
}

func TestDispatch_FailsOverByPriority(t *testing.T) {
	t.Parallel()

	p1 := failing(generation.Transient("p1", errUpstream))
	p2 := healthy("from p2")
	r, err := New([]Provider{
		{ID: "p2", Priority: 2, Client: p2},
		{ID: "p1", Priority: 1, Client: p1},
	}, Config{FailureThreshold: 5, OpenDuration: time.Minute}, testLogger())
	require.NoError(t, err)

	resp, provider, err := r.Dispatch(context.Background(), generation.Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "from p2", resp.Text)
	assert.Equal(t, "p2", provider)
	assert.Equal(t, int64(1), p1.calls.Load())
	assert.Equal(t, int64(1), p2.calls.Load())
	assert.Equal(t, uint32(1), stateOf(t, r, "p1").ConsecutiveFailures)
	assert.Equal(t, StateClosed, stateOf(t, r, "p1").State)
}

func TestDispatch_AllFailedWrapsLastError(t *testing.T) {
	t.Parallel()

	lastErr := generation.Permanent("b", errors.New("bad request"))
	r, err := New([]Provider{
		{ID: "a", Priority: 1, Client: failing(generation.Transient("a", errUpstream))},
		{ID: "b", Priority: 2, Client: failing(lastErr)},
	}, Config{}, testLogger())
	require.NoError(t, err)

	_, provider, err := r.Dispatch(context.Background(), generation.Request{})
	assert.Empty(t, provider)

	var exhausted *AllProvidersExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, []string{"a", "b"}, exhausted.Attempted)
	assert.ErrorIs(t, err, lastErr)
	assert.Contains(t, err.Error(), "bad request")

	kind, ok := generation.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, generation.KindPermanent, kind)
}

func TestDispatch_EqualPrioritySpreadsLoad(t *testing.T) {
	t.Parallel()

	a := healthy("a")
	b := healthy("b")
	r, err := New([]Provider{
		{ID: "a", Priority: 1, Client: a},
		{ID: "b", Priority: 1, Client: b},
	}, Config{}, testLogger())
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		_, _, err := r.Dispatch(context.Background(), generation.Request{})
		require.NoError(t, err)
	}

	assert.Equal(t, int64(1000), a.calls.Load()+b.calls.Load())
	assert.Greater(t, a.calls.Load(), int64(0))
	assert.Greater(t, b.calls.Load(), int64(0))
}

func TestDispatch_WithShuffleKeepsStableOrder(t *testing.T) {
	t.Parallel()

	a := healthy("a")
	b := healthy("b")
	noShuffle := func(int, func(i, j int)) {}
	r, err := New([]Provider{
		{ID: "a", Priority: 1, Client: a},
		{ID: "b", Priority: 1, Client: b},
	}, Config{}, testLogger(), WithShuffle(noShuffle))
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		_, provider, err := r.Dispatch(context.Background(), generation.Request{})
		require.NoError(t, err)
		assert.Equal(t, "a", provider)
	}
	assert.Zero(t, b.calls.Load())
}

func TestDispatch_UsageLimitIsNotChargedAndStopsFailover(t *testing.T) {
	t.Parallel()

	limited := failing(generation.UsageLimit("p1", nil))
	backup := healthy("backup")
	r, err := New([]Provider{
		{ID: "p1", Priority: 1, Client: limited},
		{ID: "p2", Priority: 2, Client: backup},
	}, Config{FailureThreshold: 1, OpenDuration: time.Hour}, testLogger())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, provider, err := r.Dispatch(context.Background(), generation.Request{})
		require.Error(t, err)
		assert.Equal(t, "p1", provider)
		assert.True(t, generation.IsUsageLimit(err))
		assert.ErrorIs(t, err, generation.ErrUsageLimit)
	}

	s := stateOf(t, r, "p1")
	assert.Equal(t, StateClosed, s.State)
	assert.Zero(t, s.ConsecutiveFailures)
	assert.Equal(t, int64(5), limited.calls.Load())
	assert.Zero(t, backup.calls.Load())
}

func TestDispatch_UnclassifiedErrorBecomesTransient(t *testing.T) {
	t.Parallel()

	r, err := New([]Provider{{ID: "a", Client: failing(errUpstream)}}, Config{}, testLogger())
	require.NoError(t, err)

	_, _, err = r.Dispatch(context.Background(), generation.Request{})
	require.ErrorIs(t, err, errUpstream)

	var genErr *generation.Error
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, generation.KindTransient, genErr.Kind)
	assert.Equal(t, "a", genErr.Provider)
}

func TestDispatch_CallerCancellationIsNotCharged(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	client := &fakeClient{fn: func(ctx context.Context, call int64, _ generation.Request) (generation.Response, error) {
		if call != 2 {
			return generation.Response{}, errUpstream
		}
		close(started)
		<-ctx.Done()
		return generation.Response{}, ctx.Err()
	}}
	backup := healthy("backup")
	r, err := New([]Provider{
		{ID: "a", Priority: 1, Client: client},
		{ID: "b", Priority: 2, Client: backup},
	}, Config{FailureThreshold: 2, OpenDuration: time.Hour}, testLogger())
	require.NoError(t, err)

	_, provider, err := r.Dispatch(context.Background(), generation.Request{})
	require.NoError(t, err)
	assert.Equal(t, "b", provider)
	require.Equal(t, uint32(1), stateOf(t, r, "a").ConsecutiveFailures)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, provider, err = r.Dispatch(ctx, generation.Request{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "a", provider)
	assert.Equal(t, int64(1), backup.calls.Load())

	// The cancel neither adds to nor clears the count.
	s := stateOf(t, r, "a")
	assert.Equal(t, StateClosed, s.State)
	assert.Equal(t, uint32(1), s.ConsecutiveFailures)

	_, _, _ = r.Dispatch(context.Background(), generation.Request{})
	assert.Equal(t, StateOpen, stateOf(t, r, "a").State)
}

func TestDispatch_CallerDeadlineIsCharged(t *testing.T) {
	t.Parallel()

	hung := &fakeClient{fn: func(ctx context.Context, _ int64, _ generation.Request) (generation.Response, error) {
		<-ctx.Done()
		return generation.Response{}, ctx.Err()
	}}
	r, err := New([]Provider{{ID: "a", Client: hung}},
		Config{FailureThreshold: 2, OpenDuration: time.Hour}, testLogger())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		_, _, err := r.Dispatch(ctx, generation.Request{})
		cancel()
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	}

	s := stateOf(t, r, "a")
	assert.Equal(t, StateOpen, s.State)
	assert.Equal(t, uint32(2), s.ConsecutiveFailures)
}

func TestDispatch_HalfOpenCallCutByCallerDeadlineReopens(t *testing.T) {
	t.Parallel()

	client := &fakeClient{fn: func(ctx context.Context, call int64, _ generation.Request) (generation.Response, error) {
		if call <= 2 {
			return generation.Response{}, errUpstream
		}
		<-ctx.Done()
		return generation.Response{}, ctx.Err()
	}}
	r, err := New([]Provider{{ID: "a", Client: client}},
		Config{FailureThreshold: 2, OpenDuration: 20 * time.Millisecond}, testLogger())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, _, _ = r.Dispatch(context.Background(), generation.Request{})
	}
	require.Equal(t, StateOpen, stateOf(t, r, "a").State)

	time.Sleep(40 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err = r.Dispatch(ctx, generation.Request{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	s := stateOf(t, r, "a")
	assert.Equal(t, StateOpen, s.State)
	assert.Equal(t, uint32(3), s.ConsecutiveFailures)
	assert.Equal(t, int64(3), client.calls.Load())
}

func TestDispatch_CanceledHalfOpenCallDoesNotClose(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	client := &fakeClient{fn: func(ctx context.Context, call int64, _ generation.Request) (generation.Response, error) {
		if call == 1 {
			return generation.Response{}, errUpstream
		}
		close(started)
		<-ctx.Done()
		return generation.Response{}, ctx.Err()
	}}
	r, err := New([]Provider{{ID: "a", Client: client}},
		Config{FailureThreshold: 1, OpenDuration: 20 * time.Millisecond}, testLogger())
	require.NoError(t, err)

	_, _, _ = r.Dispatch(context.Background(), generation.Request{})
	first := stateOf(t, r, "a")
	require.Equal(t, StateOpen, first.State)

	time.Sleep(40 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, _, err = r.Dispatch(ctx, generation.Request{})
	assert.ErrorIs(t, err, context.Canceled)

	second := stateOf(t, r, "a")
	assert.Equal(t, StateOpen, second.State)
	assert.Equal(t, uint32(1), second.ConsecutiveFailures)
	require.NotNil(t, second.OpenedAt)
	assert.True(t, second.OpenedAt.After(*first.OpenedAt))
}

func TestDispatch_UsageLimitKeepsFailureCount(t *testing.T) {
	t.Parallel()

	client := &fakeClient{fn: func(_ context.Context, call int64, _ generation.Request) (generation.Response, error) {
		if call == 3 {
			return generation.Response{}, generation.UsageLimit("a", nil)
		}
		return generation.Response{}, errUpstream
	}}
	r, err := New([]Provider{{ID: "a", Client: client}},
		Config{FailureThreshold: 3, OpenDuration: time.Hour}, testLogger())
	require.NoError(t, err)

	want := []struct {
		state    State
		failures uint32
	}{
		{StateClosed, 1},
		{StateClosed, 2},
		{StateClosed, 2},
		{StateOpen, 3},
	}
	for i, w := range want {
		_, _, _ = r.Dispatch(context.Background(), generation.Request{})
		s := stateOf(t, r, "a")
		assert.Equal(t, w.state, s.State, "after call %d", i+1)
		assert.Equal(t, w.failures, s.ConsecutiveFailures, "after call %d", i+1)
	}
}

func TestDispatch_UsageLimitInHalfOpenDoesNotClose(t *testing.T) {
	t.Parallel()

	client := &fakeClient{fn: func(_ context.Context, call int64, _ generation.Request) (generation.Response, error) {
		if call == 1 {
			return generation.Response{}, errUpstream
		}
		return generation.Response{}, generation.UsageLimit("a", nil)
	}}
	r, err := New([]Provider{{ID: "a", Client: client}},
		Config{FailureThreshold: 1, OpenDuration: 20 * time.Millisecond}, testLogger())
	require.NoError(t, err)

	_, _, _ = r.Dispatch(context.Background(), generation.Request{})
	require.Equal(t, StateOpen, stateOf(t, r, "a").State)

	time.Sleep(40 * time.Millisecond)

	_, _, err = r.Dispatch(context.Background(), generation.Request{})
	assert.True(t, generation.IsUsageLimit(err))

	s := stateOf(t, r, "a")
	assert.Equal(t, StateOpen, s.State)
	assert.Equal(t, uint32(1), s.ConsecutiveFailures)
}

func TestDispatch_ProviderTimeoutIsCharged(t *testing.T) {
	t.Parallel()

	slow := &fakeClient{fn: func(ctx context.Context, _ int64, _ generation.Request) (generation.Response, error) {
		<-ctx.Done()
		return generation.Response{}, ctx.Err()
	}}
	r, err := New([]Provider{{ID: "slow", Timeout: 10 * time.Millisecond, Client: slow}},
		Config{FailureThreshold: 1, OpenDuration: time.Hour}, testLogger())
	require.NoError(t, err)

	_, _, err = r.Dispatch(context.Background(), generation.Request{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	kind, ok := generation.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, generation.KindTransient, kind)
	assert.Equal(t, StateOpen, stateOf(t, r, "slow").State)
}

func TestDispatch_CanceledBeforeStart(t *testing.T) {
	t.Parallel()

	client := healthy("x")
	r, err := New([]Provider{{ID: "a", Client: client}}, Config{}, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err = r.Dispatch(ctx, generation.Request{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, client.calls.Load())
}

func TestNew_ExtremePrioritiesSortInOrder(t *testing.T) {
	t.Parallel()

	r, err := New([]Provider{
		{ID: "high", Priority: math.MaxInt, Client: healthy("high")},
		{ID: "low", Priority: math.MinInt, Client: healthy("low")},
		{ID: "zero", Priority: 0, Client: healthy("zero")},
	}, Config{}, testLogger())
	require.NoError(t, err)

	var ids []string
	for _, s := range r.Snapshot() {
		ids = append(ids, s.ProviderID)
	}
	assert.Equal(t, []string{"low", "zero", "high"}, ids)
}

func TestReset(t *testing.T) {
	t.Parallel()

	client := failing(errUpstream)
	r, err := New([]Provider{{ID: "a", Client: client}},
		Config{FailureThreshold: 1, OpenDuration: time.Hour}, testLogger())
	require.NoError(t, err)

	_, _, _ = r.Dispatch(context.Background(), generation.Request{})
	require.Equal(t, StateOpen, stateOf(t, r, "a").State)

	require.NoError(t, r.Reset("a"))
	s := stateOf(t, r, "a")
	assert.Equal(t, StateClosed, s.State)
	assert.Zero(t, s.ConsecutiveFailures)

	assert.ErrorIs(t, r.Reset("missing"), ErrUnknownProvider)
}

func TestStatus_ReportsLatency(t *testing.T) {
	t.Parallel()

	r, err := New([]Provider{
		{ID: "b", Priority: 2, Client: healthy("b")},
		{ID: "a", Priority: 1, Client: healthy("a")},
	}, Config{HistogramWindow: 10}, testLogger())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, _, err := r.Dispatch(context.Background(), generation.Request{})
		require.NoError(t, err)
	}

	status := r.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "a", status[0].ProviderID)
	assert.Equal(t, 3, status[0].Latency.Count)
	assert.Equal(t, "b", status[1].ProviderID)
	assert.True(t, status[1].Latency.NoData)
}
