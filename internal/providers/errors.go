// Package providers adapts provider-specific streaming SDKs to the
// canonical toolloop.Provider contract: one event stream per turn, no
// adapter-internal retries, tool-call arguments assembled incrementally.
package providers

import (
	"errors"
	"strconv"
	"strings"

	"github.com/nexuscore/nexus/pkg/models"
)

// ErrorKind re-exports models.ErrorKind so existing call sites in this
// package can keep writing providers.KindRateLimit etc.; the taxonomy
// itself lives in pkg/models so the Tool Loop can classify without
// importing the adapters it drives.
type ErrorKind = models.ErrorKind

const (
	KindContextLimit  = models.KindContextLimit
	KindRateLimit     = models.KindRateLimit
	KindAuthError     = models.KindAuthError
	KindProviderError = models.KindProviderError
	KindUnknown       = models.KindUnknown
)

// Classify re-exports models.Classify.
func Classify(err error) ErrorKind { return models.Classify(err) }

// ProviderError wraps an upstream failure with its classified kind, the
// provider/model that produced it, and whatever status/code the transport
// reported.
type ProviderError struct {
	Kind     ErrorKind
	Provider string
	Model    string
	Status   int
	Code     string
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return string(e.Kind)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// NewProviderError classifies cause and wraps it.
func NewProviderError(provider, model string, cause error) *ProviderError {
	pe := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Message:  cause.Error(),
	}
	pe.Kind = Classify(cause)
	return pe
}

// WithStatus records an HTTP-ish status code and refines the classification
// using it when the string match alone was ambiguous.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if status != 0 {
		if k := models.ClassifyStatus(status); k != "" {
			e.Kind = k
		}
	}
	return e
}

// WithCode records a provider error code.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	return e
}

// IsProviderError reports whether err (or something it wraps) is a
// *ProviderError, returning it if so.
func IsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// StatusFromString extracts a leading HTTP status code from a string like
// "429 Too Many Requests", returning 0 if none is found. Helper for
// adapters that only get a status line from their SDK.
func StatusFromString(s string) int {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0
	}
	return n
}
