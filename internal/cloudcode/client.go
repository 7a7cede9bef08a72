package cloudcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/poemonsense/ag2api-go/internal/config"
	gwerrors "github.com/poemonsense/ag2api-go/internal/errors"
	"github.com/poemonsense/ag2api-go/internal/ratelimit"
	"github.com/poemonsense/ag2api-go/internal/utils"
)

// Client performs the upstream HTTP operations. It carries no account state;
// callers supply the access token per call.
type Client struct {
	// Endpoints in fallback order for v1internal operations.
	Endpoints []string
	// LoadAssistEndpoints in fallback order for loadCodeAssist/onboardUser.
	LoadAssistEndpoints []string
	TokenURL            string
	UserInfoURL         string

	httpClient *http.Client // control-plane calls
	longClient *http.Client // v1internal invoke (streaming methods run long)
}

// NewClient creates a client against the production Cloud Code endpoints.
func NewClient() *Client {
	return &Client{
		Endpoints:           config.CloudCodeEndpointFallbacks,
		LoadAssistEndpoints: config.LoadCodeAssistEndpoints,
		TokenURL:            config.OAuthConfig.TokenURL,
		UserInfoURL:         config.OAuthConfig.UserInfoURL,
		httpClient: &http.Client{
			Timeout: time.Duration(config.ControlPlaneTimeoutMs) * time.Millisecond,
		},
		longClient: &http.Client{
			Timeout: time.Duration(config.V1InternalTimeoutMs) * time.Millisecond,
		},
	}
}

// RefreshToken exchanges a refresh token for fresh credentials.
// 4xx from the auth endpoint surfaces as an upstream_auth error.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResult, error) {
	data := url.Values{
		"client_id":     {config.OAuthConfig.ClientID},
		"client_secret": {config.OAuthConfig.ClientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, gwerrors.NewUpstreamAuth(resp.StatusCode, utils.TruncateString(string(body), 200))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token refresh failed with status %d: %s", resp.StatusCode, utils.TruncateString(string(body), 200))
	}

	var parsed struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		Scope        string `json:"scope"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return nil, fmt.Errorf("no access token in refresh response")
	}

	return &TokenResult{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		TokenType:    parsed.TokenType,
		Scope:        parsed.Scope,
		ExpiryDate:   utils.NowMs() + parsed.ExpiresIn*1000,
	}, nil
}

// FetchUserInfo fetches the account email for an access token.
func (c *Client) FetchUserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.UserInfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("user info request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user info failed with status %d", resp.StatusCode)
	}

	var info UserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse user info: %w", err)
	}
	return &info, nil
}

// FetchAvailableModels fetches the model catalog with quota info.
// The canonical source for quota observations; the optional limiter is
// honored when supplied (sweeps pass nil on purpose).
func (c *Client) FetchAvailableModels(ctx context.Context, accessToken string, limiter *ratelimit.Limiter) (map[string]*ModelInfo, error) {
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	bodyBytes, _ := json.Marshal(map[string]string{})

	var lastErr error
	for _, endpoint := range c.Endpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			endpoint+"/v1internal:fetchAvailableModels", bytes.NewReader(bodyBytes))
		if err != nil {
			lastErr = err
			continue
		}
		c.setCloudCodeHeaders(req, accessToken)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			utils.Warn("[CloudCode] fetchAvailableModels failed at %s: %v", endpoint, err)
			lastErr = err
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			utils.Warn("[CloudCode] fetchAvailableModels error at %s: %d", endpoint, resp.StatusCode)
			lastErr = fmt.Errorf("fetchAvailableModels returned %d", resp.StatusCode)
			continue
		}

		var parsed struct {
			Models map[string]*ModelInfo `json:"models"`
		}
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			lastErr = fmt.Errorf("failed to decode fetchAvailableModels: %w", err)
			continue
		}
		if parsed.Models == nil {
			parsed.Models = make(map[string]*ModelInfo)
		}
		return parsed.Models, nil
	}

	return nil, fmt.Errorf("fetchAvailableModels failed on all endpoints: %w", lastErr)
}

// CallOptions carries the optional parts of a v1internal invocation.
type CallOptions struct {
	QueryString string
	Headers     map[string]string
	Limiter     *ratelimit.Limiter
}

// CallV1Internal invokes v1internal:<method> and returns the raw exchange.
// It does not interpret 429 and does not retry on HTTP errors; on a network
// failure it falls through to the next endpoint before giving up.
func (c *Client) CallV1Internal(ctx context.Context, method, accessToken string, body []byte, opts CallOptions) (*Response, error) {
	if opts.Limiter != nil {
		if err := opts.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var lastErr error
	for _, endpoint := range c.Endpoints {
		target := endpoint + "/v1internal:" + method
		if opts.QueryString != "" {
			target += "?" + opts.QueryString
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		c.setCloudCodeHeaders(req, accessToken)
		for k, v := range opts.Headers {
			req.Header.Set(k, v)
		}

		resp, err := c.longClient.Do(req)
		if err != nil {
			utils.Warn("[CloudCode] %s failed at %s: %v", method, endpoint, err)
			lastErr = err
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("reading %s response: %w", method, err)
			continue
		}

		return &Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       respBody,
		}, nil
	}

	return nil, fmt.Errorf("%s failed on all endpoints: %w", method, lastErr)
}

func (c *Client) setCloudCodeHeaders(req *http.Request, accessToken string) {
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range config.CloudCodeHeaders() {
		req.Header.Set(k, v)
	}
}
