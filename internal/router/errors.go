package router

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoProviders is returned when a router is built without providers.
	ErrNoProviders = errors.New("router: no providers configured")

	// ErrInvalidProvider indicates a provider with a missing ID or client.
	ErrInvalidProvider = errors.New("router: invalid provider")

	// ErrDuplicateProvider indicates two providers share an ID.
	ErrDuplicateProvider = errors.New("router: duplicate provider id")

	// ErrUnknownProvider is returned by Reset for an ID the router does not know.
	ErrUnknownProvider = errors.New("router: unknown provider")
)

// AllProvidersExhaustedError is returned by Dispatch when no provider
// produced a response. Attempted lists providers that were called, Skipped
// those whose breaker rejected the call. Last is the final underlying
// failure and is nil when every provider was skipped.
type AllProvidersExhaustedError struct {
	Attempted []string
	Skipped   []string
	Last      error
}

func (e *AllProvidersExhaustedError) Error() string {
	var b strings.Builder
	b.WriteString("all providers exhausted")
	fmt.Fprintf(&b, " (attempted: [%s], skipped: [%s])",
		strings.Join(e.Attempted, ", "), strings.Join(e.Skipped, ", "))
	if e.Last != nil {
		fmt.Fprintf(&b, ": %v", e.Last)
	}
	return b.String()
}

func (e *AllProvidersExhaustedError) Unwrap() error {
	return e.Last
}
