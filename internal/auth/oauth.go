// Package auth implements the interactive Google OAuth flow used by the
// accounts CLI, plus read-only access to the Antigravity IDE state database
// for credential import.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/poemonsense/ag2api-go/internal/cloudcode"
	"github.com/poemonsense/ag2api-go/internal/config"
	"github.com/poemonsense/ag2api-go/internal/utils"
)

// PKCE holds a code verifier and its S256 challenge.
type PKCE struct {
	Verifier  string
	Challenge string
}

// GeneratePKCE generates a PKCE verifier/challenge pair.
func GeneratePKCE() (*PKCE, error) {
	verifierBytes := make([]byte, 32)
	if _, err := rand.Read(verifierBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(verifierBytes)
	hash := sha256.Sum256([]byte(verifier))
	return &PKCE{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(hash[:]),
	}, nil
}

// GenerateState generates a random state parameter for CSRF protection.
func GenerateState() (string, error) {
	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return hex.EncodeToString(stateBytes), nil
}

// AuthorizationURLResult carries the URL to open plus the PKCE verifier and
// state needed to complete the exchange.
type AuthorizationURLResult struct {
	URL      string
	Verifier string
	State    string
}

// The paste flow has no local listener; Google shows the code for the user to
// copy when the redirect URI is the out-of-band localhost form.
const redirectURI = "http://localhost:51121/oauth-callback"

// GetAuthorizationURL builds the Google consent URL for the paste flow.
func GetAuthorizationURL() (*AuthorizationURLResult, error) {
	pkce, err := GeneratePKCE()
	if err != nil {
		return nil, err
	}
	state, err := GenerateState()
	if err != nil {
		return nil, err
	}

	params := url.Values{
		"client_id":             {config.OAuthConfig.ClientID},
		"redirect_uri":          {redirectURI},
		"response_type":         {"code"},
		"scope":                 {strings.Join(config.OAuthConfig.Scopes, " ")},
		"access_type":           {"offline"},
		"prompt":                {"consent"},
		"code_challenge":        {pkce.Challenge},
		"code_challenge_method": {"S256"},
		"state":                 {state},
	}

	return &AuthorizationURLResult{
		URL:      fmt.Sprintf("%s?%s", config.OAuthConfig.AuthURL, params.Encode()),
		Verifier: pkce.Verifier,
		State:    state,
	}, nil
}

// CodeExtractResult is the authorization code (and state, when present)
// recovered from pasted user input.
type CodeExtractResult struct {
	Code  string
	State string
}

// ExtractCodeFromInput accepts either the full callback URL or a bare
// authorization code pasted by the user.
func ExtractCodeFromInput(input string) (*CodeExtractResult, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, fmt.Errorf("no input provided")
	}

	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid URL format")
		}
		if errParam := parsed.Query().Get("error"); errParam != "" {
			return nil, fmt.Errorf("OAuth error: %s", errParam)
		}
		code := parsed.Query().Get("code")
		if code == "" {
			return nil, fmt.Errorf("no authorization code found in URL")
		}
		return &CodeExtractResult{Code: code, State: parsed.Query().Get("state")}, nil
	}

	// Google auth codes are long; anything shorter is a paste mistake.
	if len(trimmed) < 10 {
		return nil, fmt.Errorf("input is too short to be a valid authorization code")
	}
	return &CodeExtractResult{Code: trimmed}, nil
}

// ExchangeCode trades an authorization code for tokens.
func ExchangeCode(ctx context.Context, code, verifier string) (*cloudcode.TokenResult, error) {
	data := url.Values{
		"client_id":     {config.OAuthConfig.ClientID},
		"client_secret": {config.OAuthConfig.ClientSecret},
		"code":          {code},
		"code_verifier": {verifier},
		"grant_type":    {"authorization_code"},
		"redirect_uri":  {redirectURI},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		config.OAuthConfig.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("code exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("code exchange failed with status %d: %s",
			resp.StatusCode, utils.TruncateString(string(body), 200))
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
	if parsed.AccessToken == "" || parsed.RefreshToken == "" {
		return nil, fmt.Errorf("incomplete token response from code exchange")
	}

	return &cloudcode.TokenResult{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		TokenType:    parsed.TokenType,
		Scope:        parsed.Scope,
		ExpiryDate:   utils.NowMs() + parsed.ExpiresIn*1000,
	}, nil
}
