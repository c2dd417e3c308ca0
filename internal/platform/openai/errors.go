package openai

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/phrazzld/genqueue/internal/generation"
)

// APIError is a non-2xx answer from the completions endpoint.
type APIError struct {
	StatusCode int
	Type       string
	Code       string
	Message    string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("openai API error (status %d, code %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("openai API error (status %d): %s", e.StatusCode, e.Message)
}

// usage-limit markers in error type/code fields
var quotaMarkers = []string{"insufficient_quota", "billing_hard_limit_reached", "insufficient_balance"}

func (e *APIError) isQuota() bool {
	if e.StatusCode == http.StatusPaymentRequired {
		return true
	}
	for _, marker := range quotaMarkers {
		if e.Type == marker || e.Code == marker {
			return true
		}
	}
	return strings.Contains(strings.ToLower(e.Message), "exceeded your current quota")
}

// classify tags an API error with the kind the router and processor act on.
func classify(provider string, apiErr *APIError) error {
	switch {
	case apiErr.isQuota():
		return generation.UsageLimit(provider, apiErr)
	case apiErr.StatusCode == http.StatusTooManyRequests,
		apiErr.StatusCode == http.StatusRequestTimeout,
		apiErr.StatusCode >= 500:
		return generation.Transient(provider, apiErr)
	default:
		return generation.Permanent(provider, apiErr)
	}
}
