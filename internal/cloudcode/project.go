package cloudcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	gwerrors "github.com/poemonsense/ag2api-go/internal/errors"
	"github.com/poemonsense/ag2api-go/internal/ratelimit"
	"github.com/poemonsense/ag2api-go/internal/utils"
)

// ProjectIDOptions tunes FetchProjectID.
type ProjectIDOptions struct {
	MaxAttempts int
	Limiter     *ratelimit.Limiter // usually nil: project repair is deliberately aggressive
}

// FetchProjectID resolves the backend project identifier for an access token.
// It asks loadCodeAssist first and falls through to onboardUser provisioning
// when the account has no project yet. Transient failures (5xx, network) are
// retried up to MaxAttempts with linear backoff; the first non-empty result
// wins. All attempts exhausted surfaces as projectid_unresolved.
func (c *Client) FetchProjectID(ctx context.Context, accessToken string, opts ProjectIDOptions) (string, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if opts.Limiter != nil {
			if err := opts.Limiter.Wait(ctx); err != nil {
				return "", err
			}
		}

		projectID, err := c.discoverProject(ctx, accessToken)
		if err == nil && projectID != "" {
			return projectID, nil
		}
		if err != nil {
			lastErr = err
			utils.Warn("[CloudCode] project discovery attempt %d/%d failed: %v", attempt, maxAttempts, err)
		} else {
			lastErr = fmt.Errorf("loadCodeAssist returned no project")
		}

		if attempt < maxAttempts {
			if err := utils.SleepMs(ctx, int64(attempt)*1000); err != nil {
				return "", err
			}
		}
	}

	return "", gwerrors.NewProjectIDUnresolved("", maxAttempts, lastErr)
}

// discoverProject runs one loadCodeAssist pass (with onboarding fallback)
// across the configured endpoints.
func (c *Client) discoverProject(ctx context.Context, accessToken string) (string, error) {
	var lastErr error
	var assistData map[string]interface{}

	for _, endpoint := range c.LoadAssistEndpoints {
		projectID, data, err := c.tryLoadCodeAssist(ctx, endpoint, accessToken)
		if err != nil {
			lastErr = err
			continue
		}
		if projectID != "" {
			return projectID, nil
		}
		assistData = data
		break // got a response with no project: onboard instead of trying more endpoints
	}

	if assistData != nil {
		tierID := defaultTierID(assistData)
		if tierID == "" {
			tierID = "free-tier"
		}
		utils.Info("[CloudCode] no project in loadCodeAssist response, onboarding with tier %s", tierID)
		return c.onboardUser(ctx, accessToken, tierID)
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no loadCodeAssist endpoint responded")
	}
	return "", lastErr
}

func (c *Client) tryLoadCodeAssist(ctx context.Context, endpoint, accessToken string) (string, map[string]interface{}, error) {
	reqBody := map[string]interface{}{
		"metadata": map[string]string{
			"ideType":    "IDE_UNSPECIFIED",
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	}
	jsonBody, _ := json.Marshal(reqBody)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		endpoint+"/v1internal:loadCodeAssist", bytes.NewReader(jsonBody))
	if err != nil {
		return "", nil, err
	}
	c.setCloudCodeHeaders(req, accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("loadCodeAssist returned %d", resp.StatusCode)
	}

	var data map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", nil, err
	}

	return extractCompanionProject(data), data, nil
}

// onboardUser provisions a managed project via the long-running-operation
// endpoint, polling until done.
func (c *Client) onboardUser(ctx context.Context, accessToken, tierID string) (string, error) {
	requestBody := map[string]interface{}{
		"tierId": tierID,
		"metadata": map[string]string{
			"ideType":    "IDE_UNSPECIFIED",
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	}
	jsonBody, _ := json.Marshal(requestBody)

	const pollAttempts = 5
	const pollDelayMs = 2000

	for _, endpoint := range c.Endpoints {
		for attempt := 0; attempt < pollAttempts; attempt++ {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost,
				endpoint+"/v1internal:onboardUser", bytes.NewReader(jsonBody))
			if err != nil {
				return "", err
			}
			c.setCloudCodeHeaders(req, accessToken)

			resp, err := c.httpClient.Do(req)
			if err != nil {
				utils.Warn("[CloudCode] onboardUser failed at %s: %v", endpoint, err)
				break // next endpoint
			}

			body, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr != nil || resp.StatusCode != http.StatusOK {
				utils.Warn("[CloudCode] onboardUser error at %s: status %d", endpoint, resp.StatusCode)
				break
			}

			var result map[string]interface{}
			if err := json.Unmarshal(body, &result); err != nil {
				break
			}

			if done, ok := result["done"].(bool); ok && done {
				if response, ok := result["response"].(map[string]interface{}); ok {
					if id := extractCompanionProject(response); id != "" {
						return id, nil
					}
				}
				return "", fmt.Errorf("onboardUser completed without a project")
			}

			if attempt < pollAttempts-1 {
				if err := utils.SleepMs(ctx, pollDelayMs); err != nil {
					return "", err
				}
			}
		}
	}

	return "", fmt.Errorf("onboardUser failed on all endpoints")
}

// extractCompanionProject reads cloudaicompanionProject in either of its
// wire shapes (bare string or {id: ...}).
func extractCompanionProject(data map[string]interface{}) string {
	switch v := data["cloudaicompanionProject"].(type) {
	case string:
		return v
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return id
		}
	}
	return ""
}

func defaultTierID(data map[string]interface{}) string {
	allowedTiers, ok := data["allowedTiers"].([]interface{})
	if !ok || len(allowedTiers) == 0 {
		return ""
	}
	for _, tier := range allowedTiers {
		tierMap, ok := tier.(map[string]interface{})
		if !ok {
			continue
		}
		if isDefault, ok := tierMap["isDefault"].(bool); ok && isDefault {
			if id, ok := tierMap["id"].(string); ok {
				return id
			}
		}
	}
	if first, ok := allowedTiers[0].(map[string]interface{}); ok {
		if id, ok := first["id"].(string); ok {
			return id
		}
	}
	return ""
}
