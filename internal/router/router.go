package router

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/phrazzld/genqueue/internal/generation"
	"github.com/phrazzld/genqueue/internal/metrics"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// DefaultFailureThreshold is the number of consecutive failures that opens a breaker.
	DefaultFailureThreshold = 5

	// DefaultOpenDuration is how long a breaker stays open before allowing a probe.
	DefaultOpenDuration = 30 * time.Second

	latencyMetricName = "genqueue.provider.latency"
)

// Provider is one upstream generation backend. Lower Priority values are
// preferred. A zero Timeout means the call is bounded only by the caller's
// context.
type Provider struct {
	ID       string
	Priority int
	Timeout  time.Duration
	Client   generation.Client
}

// Config holds breaker tuning shared by all providers.
type Config struct {
	FailureThreshold uint32
	OpenDuration     time.Duration
	HistogramWindow  int
}

// ProviderStatus combines a provider's breaker state with its latency window.
type ProviderStatus struct {
	ProviderID string          `json:"provider_id"`
	Priority   int             `json:"priority"`
	Breaker    BreakerState    `json:"breaker"`
	Latency    metrics.Summary `json:"latency"`
}

// Option configures a Router.
type Option func(*Router)

// WithSink forwards provider latency samples to sink.
func WithSink(sink metrics.Sink) Option {
	return func(r *Router) {
		r.sink = sink
	}
}

// WithShuffle replaces the function used to shuffle equal-priority
// providers. The default is math/rand/v2 Shuffle.
func WithShuffle(shuffle func(n int, swap func(i, j int))) Option {
	return func(r *Router) {
		r.shuffle = shuffle
	}
}

type entry struct {
	provider Provider
	latency  *metrics.Recorder

	mu      sync.RWMutex
	breaker *breaker
}

func (e *entry) currentBreaker() *breaker {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.breaker
}

// Router dispatches requests across providers. It is safe for concurrent use.
type Router struct {
	logger  *slog.Logger
	cfg     Config
	sink    metrics.Sink
	shuffle func(n int, swap func(i, j int))

	entries []*entry // ascending priority, stable with respect to input order
	byID    map[string]*entry
}

// New builds a router over providers.
func New(providers []Provider, cfg Config, logger *slog.Logger, opts ...Option) (*Router, error) {
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = DefaultOpenDuration
	}

	r := &Router{
		logger:  logger.With(slog.String("component", "router")),
		cfg:     cfg,
		shuffle: rand.Shuffle,
		byID:    make(map[string]*entry, len(providers)),
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, p := range providers {
		if p.ID == "" || p.Client == nil {
			return nil, fmt.Errorf("%w: id=%q", ErrInvalidProvider, p.ID)
		}
		if _, exists := r.byID[p.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateProvider, p.ID)
		}
		e := &entry{
			provider: p,
			latency:  metrics.NewRecorder(latencyMetricName, cfg.HistogramWindow, r.sink),
			breaker:  r.newBreaker(p.ID),
		}
		r.entries = append(r.entries, e)
		r.byID[p.ID] = e
	}

	slices.SortStableFunc(r.entries, func(a, b *entry) int {
		return cmp.Compare(a.provider.Priority, b.provider.Priority)
	})

	return r, nil
}

func (r *Router) newBreaker(providerID string) *breaker {
	return newBreaker(providerID, r.cfg.FailureThreshold, r.cfg.OpenDuration, r.logger)
}

// Dispatch sends req to the first healthy provider in priority order and
// returns its response along with the ID of the provider that served it.
//
// Each provider is called at most once. A usage-limit error is returned as
// soon as it is seen, together with the provider ID. If the caller cancels
// its context, the cancellation is returned without charging the provider
// that was being called. A caller deadline that expires mid-call is charged.
// Otherwise, when no provider succeeds, the error is an
// *AllProvidersExhaustedError.
func (r *Router) Dispatch(ctx context.Context, req generation.Request) (generation.Response, string, error) {
	var (
		attempted []string
		skipped   []string
		last      error
	)

	for _, e := range r.order() {
		if err := ctx.Err(); err != nil {
			return generation.Response{}, "", err
		}

		id := e.provider.ID
		start := time.Now()
		resp, err := e.currentBreaker().execute(func() (generation.Response, error) {
			return r.call(ctx, e.provider, req)
		})

		if isRejected(err) {
			skipped = append(skipped, id)
			r.logger.DebugContext(ctx, "provider skipped by circuit breaker",
				slog.String("provider", id),
				slog.String("reason", err.Error()))
			continue
		}

		attempted = append(attempted, id)

		if err == nil {
			e.latency.Observe(ctx, time.Since(start), attribute.String("provider", id))
			return resp, id, nil
		}

		var canceled *callerCanceledError
		if errors.As(err, &canceled) {
			return generation.Response{}, id, canceled.err
		}

		if generation.IsUsageLimit(err) {
			r.logger.WarnContext(ctx, "provider usage limit reached",
				slog.String("provider", id),
				slog.String("error", err.Error()))
			return generation.Response{}, id, err
		}

		last = err
		r.logger.WarnContext(ctx, "provider call failed, trying next",
			slog.String("provider", id),
			slog.String("error", err.Error()))
	}

	return generation.Response{}, "", &AllProvidersExhaustedError{
		Attempted: attempted,
		Skipped:   skipped,
		Last:      last,
	}
}

// call invokes one provider under its timeout and makes sure every error
// leaving it is classified.
func (r *Router) call(ctx context.Context, p Provider, req generation.Request) (generation.Response, error) {
	callCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	resp, err := p.Client.Generate(callCtx, req)
	if err == nil {
		return resp, nil
	}

	// A caller deadline that expires while the provider is in flight still
	// charges the provider. Only an explicit cancel is neutral.
	if errors.Is(ctx.Err(), context.Canceled) {
		return generation.Response{}, &callerCanceledError{err: err}
	}
	if _, ok := generation.KindOf(err); !ok {
		err = generation.Transient(p.ID, err)
	}
	return generation.Response{}, err
}

// order returns the entries for one dispatch with equal-priority runs shuffled.
func (r *Router) order() []*entry {
	out := slices.Clone(r.entries)
	for start := 0; start < len(out); {
		end := start + 1
		for end < len(out) && out[end].provider.Priority == out[start].provider.Priority {
			end++
		}
		if end-start > 1 {
			run := out[start:end]
			r.shuffle(len(run), func(i, j int) {
				run[i], run[j] = run[j], run[i]
			})
		}
		start = end
	}
	return out
}

// Snapshot returns the breaker state of every provider in priority order.
func (r *Router) Snapshot() []BreakerState {
	states := make([]BreakerState, 0, len(r.entries))
	for _, e := range r.entries {
		states = append(states, e.currentBreaker().snapshot())
	}
	return states
}

// Status returns breaker state and latency statistics for every provider.
func (r *Router) Status() []ProviderStatus {
	out := make([]ProviderStatus, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, ProviderStatus{
			ProviderID: e.provider.ID,
			Priority:   e.provider.Priority,
			Breaker:    e.currentBreaker().snapshot(),
			Latency:    e.latency.Histogram().Summary(),
		})
	}
	return out
}

// Reset replaces a provider's breaker with a fresh closed one.
func (r *Router) Reset(providerID string) error {
	e, ok := r.byID[providerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}

	e.mu.Lock()
	e.breaker = r.newBreaker(providerID)
	e.mu.Unlock()

	r.logger.Info("circuit breaker reset", slog.String("provider", providerID))
	return nil
}
