package router

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/genqueue/internal/generation"
	"github.com/sony/gobreaker"
)

// State is the externally visible breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// BreakerState is a point-in-time view of one provider's breaker.
type BreakerState struct {
	ProviderID          string     `json:"provider_id"`
	State               State      `json:"state"`
	ConsecutiveFailures uint32     `json:"consecutive_failures"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
}

// callerCanceledError marks a provider failure caused by the caller
// canceling its own context. It is not a health signal.
type callerCanceledError struct {
	err error
}

func (e *callerCanceledError) Error() string { return e.err.Error() }
func (e *callerCanceledError) Unwrap() error { return e.err }

// isNeutral reports whether err says nothing about provider health: a usage
// limit or the caller's own context ending.
func isNeutral(err error) bool {
	if generation.IsUsageLimit(err) {
		return true
	}
	var canceled *callerCanceledError
	return errors.As(err, &canceled)
}

// breaker wraps a gobreaker.TwoStepCircuitBreaker for one provider. gobreaker
// clears its counts on every state change, so the failure count that tripped
// the breaker is kept here for snapshots. mu is never held while calling
// into gobreaker.
type breaker struct {
	providerID string
	cb         *gobreaker.TwoStepCircuitBreaker

	mu           sync.Mutex
	tripFailures uint32
	openedAt     time.Time
	// neutralProbe is set while a half-open probe that ended neutrally is
	// reported back, so the reopen does not count as another failure.
	neutralProbe bool
}

func newBreaker(providerID string, threshold uint32, openDuration time.Duration, logger *slog.Logger) *breaker {
	b := &breaker{providerID: providerID}

	settings := gobreaker.Settings{
		Name:        providerID,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     openDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures < threshold {
				return false
			}
			b.mu.Lock()
			b.tripFailures = counts.ConsecutiveFailures
			b.mu.Unlock()
			return true
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.mu.Lock()
			switch to {
			case gobreaker.StateOpen:
				b.openedAt = time.Now()
				if from == gobreaker.StateHalfOpen && !b.neutralProbe {
					b.tripFailures++
				}
			case gobreaker.StateClosed:
				b.tripFailures = 0
				b.openedAt = time.Time{}
			}
			b.mu.Unlock()

			logger.Warn("circuit breaker state changed",
				slog.String("provider", name),
				slog.String("from", string(convertState(from))),
				slog.String("to", string(convertState(to))))
		},
	}

	b.cb = gobreaker.NewTwoStepCircuitBreaker(settings)
	return b
}

// execute runs fn through the breaker. A rejected call returns
// gobreaker.ErrOpenState or gobreaker.ErrTooManyRequests without running fn.
//
// A neutral outcome leaves a closed breaker's counts untouched. A half-open
// breaker admits a single probe and only a success closes it, so a neutral
// probe reopens the breaker without adding to its failure count.
func (b *breaker) execute(fn func() (generation.Response, error)) (resp generation.Response, err error) {
	done, err := b.cb.Allow()
	if err != nil {
		return generation.Response{}, err
	}
	probe := b.cb.State() == gobreaker.StateHalfOpen

	defer func() {
		if e := recover(); e != nil {
			done(false)
			panic(e)
		}
	}()

	resp, err = fn()
	switch {
	case err == nil:
		done(true)
	case !isNeutral(err):
		done(false)
	case probe:
		b.mu.Lock()
		b.neutralProbe = true
		b.mu.Unlock()
		done(false)
		b.mu.Lock()
		b.neutralProbe = false
		b.mu.Unlock()
	}
	return resp, err
}

func (b *breaker) snapshot() BreakerState {
	state := convertState(b.cb.State())
	counts := b.cb.Counts()

	b.mu.Lock()
	defer b.mu.Unlock()

	s := BreakerState{
		ProviderID:          b.providerID,
		State:               state,
		ConsecutiveFailures: counts.ConsecutiveFailures,
	}
	if state != StateClosed {
		s.ConsecutiveFailures = b.tripFailures
		if !b.openedAt.IsZero() {
			opened := b.openedAt
			s.OpenedAt = &opened
		}
	}
	return s
}

func isRejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func convertState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
