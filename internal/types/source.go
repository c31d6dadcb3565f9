package types

// QueryParams carries source-specific query parameters produced by
// generateQuery. The schema is owned by each adapter; the core treats it as
// an opaque bag it can serialize into prompts and logs.
type QueryParams map[string]any

// GetString fetches a string parameter, empty if absent or mistyped.
func (p QueryParams) GetString(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// QueryResult is the uniform outcome of executeSearch. Expected failures
// are values: Success=false with Error and optionally HTTPCode set.
type QueryResult struct {
	Success  bool        `json:"success"`
	SourceID string      `json:"source_id"`
	Total    int         `json:"total"`
	Results  []RawResult `json:"results,omitempty"`
	Error    string      `json:"error,omitempty"`
	HTTPCode int         `json:"http_code,omitempty"`
	// RetryAfterSec carries the Retry-After header value on 429 responses.
	RetryAfterSec int `json:"retry_after_sec,omitempty"`
}

// SourceMetadata describes a source adapter to the registry and to the
// LLM source selector. ID is canonical and lowercase.
type SourceMetadata struct {
	ID                 string   `json:"id"`
	DisplayName        string   `json:"display_name"`
	Category           string   `json:"category"`
	RequiresAPIKey     bool     `json:"requires_api_key"`
	APIKeyEnvVar       string   `json:"api_key_env_var,omitempty"`
	SupportsDateFilter bool     `json:"supports_date_filter"`
	Characteristics    string   `json:"characteristics"`
	QueryStrategies    []string `json:"query_strategies,omitempty"`
	UnfixableHTTPCodes []int    `json:"unfixable_http_codes,omitempty"`
}

// ErrorCategory buckets a source failure for the retry/reformulate decision.
type ErrorCategory string

const (
	ErrAuth       ErrorCategory = "auth"
	ErrRateLimit  ErrorCategory = "rate_limit"
	ErrValidation ErrorCategory = "validation"
	ErrNotFound   ErrorCategory = "not_found"
	ErrTimeout    ErrorCategory = "timeout"
	ErrServer     ErrorCategory = "server"
	ErrNetwork    ErrorCategory = "network"
	ErrOther      ErrorCategory = "other"
)

// APIError is the classified form of a source failure. The classifier is
// the single place that sets the flags; callers only consult them.
type APIError struct {
	Category       ErrorCategory `json:"category"`
	HTTPCode       int           `json:"http_code,omitempty"`
	Message        string        `json:"message"`
	IsReformulable bool          `json:"is_reformulable"`
	IsRetryable    bool          `json:"is_retryable"`
	RetryAfterSec  int           `json:"retry_after,omitempty"`
}

func (e APIError) Error() string {
	return string(e.Category) + ": " + e.Message
}
