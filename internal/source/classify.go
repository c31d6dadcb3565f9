package source

import (
	"strings"

	"muckrake/internal/types"
)

// Classify maps a failed QueryResult to an APIError. HTTP code is the only
// reliable signal, so it takes priority; message patterns are the fallback
// for transport-level failures that never produced a status.
//
// Classification is deterministic and idempotent: same input, same output.
// The agent consults the flags only; policy lives here and nowhere else.
func Classify(res types.QueryResult, meta types.SourceMetadata) types.APIError {
	apiErr := types.APIError{
		HTTPCode:      res.HTTPCode,
		Message:       res.Error,
		RetryAfterSec: res.RetryAfterSec,
	}

	switch res.HTTPCode {
	case 400, 422:
		apiErr.Category = types.ErrValidation
		// Bad params are the one thing an LLM rewrite can actually fix.
		apiErr.IsReformulable = true
	case 401, 403:
		apiErr.Category = types.ErrAuth
	case 404:
		apiErr.Category = types.ErrNotFound
	case 408, 504:
		apiErr.Category = types.ErrTimeout
		apiErr.IsRetryable = true
	case 429:
		apiErr.Category = types.ErrRateLimit
		apiErr.IsRetryable = true
	case 500, 502, 503:
		apiErr.Category = types.ErrServer
		apiErr.IsRetryable = true
	case 0:
		apiErr.Category = classifyByMessage(res.Error)
		if apiErr.Category == types.ErrNetwork || apiErr.Category == types.ErrTimeout {
			apiErr.IsRetryable = true
		}
	default:
		apiErr.Category = types.ErrOther
	}

	// Sources can declare codes their API never recovers from (e.g. an
	// endpoint that 400s on any date filter); those are never reformulated.
	for _, code := range meta.UnfixableHTTPCodes {
		if res.HTTPCode == code {
			apiErr.IsReformulable = false
			apiErr.IsRetryable = false
		}
	}
	return apiErr
}

// classifyByMessage buckets codeless failures by message shape.
func classifyByMessage(msg string) types.ErrorCategory {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "timeout"),
		strings.Contains(lower, "deadline exceeded"):
		return types.ErrTimeout
	case strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "no such host"),
		strings.Contains(lower, "network"),
		strings.Contains(lower, "eof"),
		strings.Contains(lower, "tls"):
		return types.ErrNetwork
	case strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "api key"),
		strings.Contains(lower, "forbidden"):
		return types.ErrAuth
	case strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "too many requests"):
		return types.ErrRateLimit
	case lower == "":
		return types.ErrOther
	default:
		return types.ErrNetwork
	}
}
