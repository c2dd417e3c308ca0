// Package gemini provides an implementation of the generation.Client interface
// backed by Google's Gemini API.
//
// This package is an infrastructure adapter: it translates a
// generation.Request into a GenerateContent call and the API's answers
// back into a generation.Response, without exposing genai types to the
// rest of the application.
//
// Key components:
//
// 1. Client:
//   - Implements generation.Client
//   - Applies the optional system instruction and token cap
//   - Uses the request model when set, else the configured one
//
// 2. Error classification:
//   - Quota exhaustion (429 mentioning quota or billing) becomes a usage limit
//   - Rate limiting, timeouts and 5xx responses are transient
//   - Bad requests, auth failures, safety blocks and empty candidates are permanent
//
// Retries are not performed here. The provider router decides whether to
// fail over, and the circuit breaker tracks repeated failures.
package gemini
