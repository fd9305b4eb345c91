package api

import "fmt"

// ErrorCategory groups error codes by recovery semantics.
type ErrorCategory string

const (
	CategoryValidation ErrorCategory = "validation"
	CategoryAuth       ErrorCategory = "auth"
	CategoryRouting    ErrorCategory = "routing"
	CategoryTransport  ErrorCategory = "transport"
	CategoryConfig     ErrorCategory = "config"
	CategoryCrypto     ErrorCategory = "crypto"
)

// Stable error codes. Clients and tests match on these, never on
// message text.
const (
	CodeInvalidToolName    = "invalid_tool_name"
	CodeInvalidURI         = "invalid_uri"
	CodeInvalidState       = "state_invalid"
	CodeInvalidClientToken = "invalid_client_token"
	CodeRefreshFailed      = "refresh_failed"
	CodeNoRoute            = "no_route"
	CodeNoHealthyInstance  = "no_healthy_instance"
	CodeCircuitOpen        = "circuit_open"
	CodeTimeout            = "timeout"
	CodeNetwork            = "network"
	CodeHTTP5xx            = "http_5xx"
	CodeHTTP429            = "http_429"
	CodeSchema             = "schema"
	CodeSecretMissing      = "secret_missing"
	CodeCorruptCiphertext  = "corrupt_ciphertext"
	CodeKeyMissing         = "key_missing"
)

// GatewayError is the gateway's structured error value. Every error
// surfaced outside a component carries a stable code and category.
type GatewayError struct {
	Code         string        `json:"code"`
	Category     ErrorCategory `json:"category"`
	Message      string        `json:"message"`
	RetryAfterMs int64         `json:"retryAfterMs,omitempty"`
	Err          error         `json:"-"`
}

func (e *GatewayError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// NewError constructs a GatewayError with the given code, category and
// user-safe message.
func NewError(code string, category ErrorCategory, message string) *GatewayError {
	return &GatewayError{Code: code, Category: category, Message: message}
}

// WrapError constructs a GatewayError wrapping an underlying cause. The
// cause is preserved for errors.Is/As but never rendered to clients.
func WrapError(code string, category ErrorCategory, message string, err error) *GatewayError {
	return &GatewayError{Code: code, Category: category, Message: message, Err: err}
}
