package models

import "strings"

// ErrorKind is the classified failure taxonomy surfaced on the event
// stream's error event (§7). The set is closed and ordered: Classify
// matches patterns in declaration order and the first match wins. It lives
// in pkg/models, not internal/providers, so both the Provider Adapter and
// the Tool Loop (the classifying caller, per §7) can depend on it without
// the Tool Loop importing the adapters it drives.
type ErrorKind string

const (
	KindContextLimit  ErrorKind = "CONTEXT_LIMIT"
	KindRateLimit     ErrorKind = "RATE_LIMIT"
	KindAuthError     ErrorKind = "AUTH_ERROR"
	KindProviderError ErrorKind = "PROVIDER_ERROR"
	KindUnknown       ErrorKind = "UNKNOWN"
)

// classifyPatterns is the fixed, ordered pattern list Classify matches
// against the lower-cased error string. First match wins (§7).
var classifyPatterns = []struct {
	kind     ErrorKind
	patterns []string
}{
	{KindContextLimit, []string{"too many tokens", "context length", "context_length_exceeded", "maximum context", "prompt is too long", "exceeds the context window"}},
	{KindRateLimit, []string{"rate limit", "rate_limit", "429", "too many requests", "quota exceeded"}},
	{KindAuthError, []string{"401", "403", "unauthorized", "invalid api key", "invalid_api_key", "authentication", "forbidden", "invalid credentials"}},
	{KindProviderError, []string{"500", "502", "503", "504", "timeout", "timed out", "connection refused", "connection reset", "network", "fetch failed", "internal server error", "bad gateway", "service unavailable"}},
}

// Classify maps an error to its ErrorKind by matching the error's string
// representation against a fixed pattern list, in declaration order. The
// first matching pattern wins; an error matching none is UNKNOWN.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	msg := strings.ToLower(err.Error())
	for _, group := range classifyPatterns {
		for _, p := range group.patterns {
			if strings.Contains(msg, p) {
				return group.kind
			}
		}
	}
	return KindUnknown
}

// ClassifyStatus refines a classification using an HTTP-ish status code,
// for adapters that only get a status line from their SDK.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindAuthError
	case status == 429:
		return KindRateLimit
	case status >= 500:
		return KindProviderError
	}
	return ""
}
