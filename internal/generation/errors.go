package generation

import (
	"errors"
	"fmt"
)

// Kind classifies a generation failure.
type Kind int

const (
	// KindPermanent covers failures that retrying elsewhere is unlikely to fix
	// (invalid request, blocked content, malformed response). It is also the
	// kind reported for errors that carry no classification.
	KindPermanent Kind = iota

	// KindTransient covers network errors, timeouts and 5xx responses.
	KindTransient

	// KindUsageLimit means the provider reported quota or token exhaustion.
	// It is not a health signal.
	KindUsageLimit
)

// String returns the kind's name as used in logs.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindUsageLimit:
		return "usage_limit"
	default:
		return "permanent"
	}
}

// Common errors returned by provider adapters
var (
	// ErrUsageLimit is the default cause for usage-limit errors.
	ErrUsageLimit = errors.New("usage limit reached")

	// ErrInvalidResponse is returned when a provider response cannot be used.
	ErrInvalidResponse = errors.New("invalid response from language model")

	// ErrContentBlocked is returned when a provider refuses the content.
	ErrContentBlocked = errors.New("content blocked by language model safety filters")

	// ErrInvalidConfig is returned when a provider client is misconfigured.
	ErrInvalidConfig = errors.New("invalid generator configuration")

	// ErrEmptyPrompt is returned for a request without a prompt.
	ErrEmptyPrompt = errors.New("prompt cannot be empty")
)

// Error is a classified provider failure.
type Error struct {
	Kind     Kind
	Provider string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Provider, e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a transient failure of provider.
func Transient(provider string, err error) error {
	return &Error{Kind: KindTransient, Provider: provider, Err: err}
}

// UsageLimit wraps err as a usage-limit failure of provider.
// A nil err is replaced with ErrUsageLimit.
func UsageLimit(provider string, err error) error {
	if err == nil {
		err = ErrUsageLimit
	}
	return &Error{Kind: KindUsageLimit, Provider: provider, Err: err}
}

// Permanent wraps err as a permanent failure of provider.
func Permanent(provider string, err error) error {
	return &Error{Kind: KindPermanent, Provider: provider, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
// The second result is false when err is nil or unclassified.
func KindOf(err error) (Kind, bool) {
	var genErr *Error
	if errors.As(err, &genErr) {
		return genErr.Kind, true
	}
	return KindPermanent, false
}

// IsUsageLimit reports whether err is classified as a usage-limit failure.
func IsUsageLimit(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindUsageLimit
}
