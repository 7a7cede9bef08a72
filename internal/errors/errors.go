// Package errors provides typed error kinds for the gateway core.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error codes
const (
	CodeNoAccounts          = "NO_ACCOUNTS"
	CodeInvalidIndex        = "INVALID_INDEX"
	CodeRefreshFailed       = "REFRESH_FAILED"
	CodeProjectIDUnresolved = "PROJECTID_UNRESOLVED"
	CodeUpstreamAuth        = "UPSTREAM_AUTH"
	CodeExhausted           = "EXHAUSTED"
)

// GatewayError is the base error type for gateway errors.
type GatewayError struct {
	Message   string                 `json:"message"`
	Code      string                 `json:"code"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	cause     error
}

func (e *GatewayError) Error() string {
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.cause
}

// ToJSON converts the error to a JSON-serializable map for API responses.
func (e *GatewayError) ToJSON() map[string]interface{} {
	result := map[string]interface{}{
		"code":      e.Code,
		"message":   e.Message,
		"retryable": e.Retryable,
	}
	for k, v := range e.Metadata {
		result[k] = v
	}
	return result
}

// MarshalJSON implements json.Marshaler.
func (e *GatewayError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToJSON())
}

// NewNoAccounts reports a credential lookup against an empty pool.
func NewNoAccounts() *GatewayError {
	return &GatewayError{
		Message:   "no accounts configured",
		Code:      CodeNoAccounts,
		Retryable: false,
	}
}

// NewInvalidIndex reports an account index out of range.
func NewInvalidIndex(index, count int) *GatewayError {
	return &GatewayError{
		Message:   fmt.Sprintf("account index %d out of range (have %d)", index, count),
		Code:      CodeInvalidIndex,
		Retryable: false,
		Metadata:  map[string]interface{}{"index": index, "count": count},
	}
}

// NewRefreshFailed reports a failed token refresh for an account.
func NewRefreshFailed(accountID string, cause error) *GatewayError {
	return &GatewayError{
		Message:   fmt.Sprintf("token refresh failed for %s: %v", accountID, cause),
		Code:      CodeRefreshFailed,
		Retryable: true,
		Metadata:  map[string]interface{}{"account": accountID},
		cause:     cause,
	}
}

// NewProjectIDUnresolved reports that project id discovery exhausted its attempts.
func NewProjectIDUnresolved(accountID string, attempts int, cause error) *GatewayError {
	msg := fmt.Sprintf("project id unresolved for %s after %d attempts", accountID, attempts)
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &GatewayError{
		Message:   msg,
		Code:      CodeProjectIDUnresolved,
		Retryable: true,
		Metadata:  map[string]interface{}{"account": accountID, "attempts": attempts},
		cause:     cause,
	}
}

// NewUpstreamAuth reports a 4xx from the OAuth token endpoint.
func NewUpstreamAuth(status int, body string) *GatewayError {
	return &GatewayError{
		Message:   fmt.Sprintf("auth endpoint returned %d: %s", status, body),
		Code:      CodeUpstreamAuth,
		Retryable: false,
		Metadata:  map[string]interface{}{"status": status},
	}
}

// NewExhausted reports an attempt loop that completed with no response to return.
func NewExhausted(method string, attempts int) *GatewayError {
	return &GatewayError{
		Message:   fmt.Sprintf("all %d attempts exhausted for %s", attempts, method),
		Code:      CodeExhausted,
		Retryable: false,
		Metadata:  map[string]interface{}{"method": method, "attempts": attempts},
	}
}

// HasCode reports whether err carries the given gateway error code.
func HasCode(err error, code string) bool {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Code == code
	}
	return false
}

// HTTPStatusFromError maps a gateway error to an HTTP status for the API layer.
func HTTPStatusFromError(err error) int {
	var ge *GatewayError
	if !errors.As(err, &ge) {
		return 500
	}
	switch ge.Code {
	case CodeNoAccounts:
		return 503
	case CodeInvalidIndex:
		return 400
	case CodeRefreshFailed, CodeUpstreamAuth:
		return 401
	case CodeProjectIDUnresolved:
		return 502
	case CodeExhausted:
		return 500
	default:
		return 500
	}
}

// FormatAPIError renders an error as a JSON API body.
func FormatAPIError(err error) map[string]interface{} {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return map[string]interface{}{"error": ge.ToJSON()}
	}
	return map[string]interface{}{
		"error": map[string]interface{}{
			"type":    "internal_error",
			"message": err.Error(),
		},
	}
}
