// Package cloudcode implements the stateless upstream operations against the
// Cloud Code backend: token refresh, user info, project id discovery,
// available-models-with-quota, and v1internal:<method> invocation.
package cloudcode

import "net/http"

// TokenResult holds the fields returned by the OAuth token endpoint.
type TokenResult struct {
	AccessToken  string
	RefreshToken string // possibly rotated; empty when the endpoint kept the old one
	TokenType    string
	Scope        string
	ExpiryDate   int64 // ms since epoch
}

// UserInfo is the subset of the userinfo endpoint the gateway reads.
type UserInfo struct {
	Email string `json:"email"`
}

// QuotaInfo is the per-model quota block of fetchAvailableModels.
type QuotaInfo struct {
	RemainingFraction *float64 `json:"remainingFraction,omitempty"`
	ResetTime         *string  `json:"resetTime,omitempty"`
}

// ModelInfo is one entry of the fetchAvailableModels response.
type ModelInfo struct {
	DisplayName string     `json:"displayName,omitempty"`
	QuotaInfo   *QuotaInfo `json:"quotaInfo,omitempty"`
}

// Response is an upstream HTTP exchange result. The body is fully
// materialized; the dispatcher needs the text for 429 parsing and for the
// cached-error store.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// IsSuccess reports a 2xx status.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Clone returns a deep copy safe to hand to a caller.
func (r *Response) Clone() *Response {
	header := make(http.Header, len(r.Header))
	for k, v := range r.Header {
		header[k] = append([]string(nil), v...)
	}
	body := append([]byte(nil), r.Body...)
	return &Response{StatusCode: r.StatusCode, Header: header, Body: body}
}
