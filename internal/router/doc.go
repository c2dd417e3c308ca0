// Package router dispatches generation requests across several providers.
//
// Providers are tried in ascending priority order; providers sharing a
// priority are shuffled on every dispatch so load spreads among equals.
// Each provider sits behind its own circuit breaker: a provider that keeps
// failing is skipped without a network call until its cooldown elapses,
// after which exactly one probe decides whether it closes again.
//
// Usage-limit errors are not treated as a health signal. They end the
// dispatch immediately so the caller can pause the work instead of burning
// through the remaining providers.
package router
