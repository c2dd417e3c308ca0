// Package api implements the admin HTTP surface of the queue: enqueueing
// and inspecting tasks, resuming paused work, and viewing or resetting
// provider circuit breakers.
//
// Handlers never expose internal error text. Errors are mapped to a status
// code and a safe message by HandleAPIError, and the redacted cause is
// logged with the request ID assigned by chi's RequestID middleware.
package api
