package gemini

import (
	"errors"
	"net/http"
	"strings"

	"github.com/phrazzld/genqueue/internal/generation"
	"google.golang.org/genai"
)

// classify tags an SDK error with the kind the router and processor act on.
func classify(provider string, err error) error {
	if code, status, message, ok := apiError(err); ok {
		switch {
		case code == http.StatusTooManyRequests || status == "RESOURCE_EXHAUSTED":
			if isQuotaMessage(message) {
				return generation.UsageLimit(provider, err)
			}
			return generation.Transient(provider, err)
		case code == http.StatusPaymentRequired:
			return generation.UsageLimit(provider, err)
		case code == http.StatusRequestTimeout || code >= 500:
			return generation.Transient(provider, err)
		default:
			return generation.Permanent(provider, err)
		}
	}

	// Deadlines and transport failures: DNS, refused connections, resets.
	return generation.Transient(provider, err)
}

func apiError(err error) (code int, status, message string, ok bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, apiErr.Status, apiErr.Message, true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code, apiErrPtr.Status, apiErrPtr.Message, true
	}
	return 0, "", "", false
}

func isQuotaMessage(message string) bool {
	m := strings.ToLower(message)
	return strings.Contains(m, "quota") || strings.Contains(m, "billing")
}
