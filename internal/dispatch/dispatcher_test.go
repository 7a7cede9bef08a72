package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poemonsense/ag2api-go/internal/account"
	"github.com/poemonsense/ag2api-go/internal/cloudcode"
	"github.com/poemonsense/ag2api-go/internal/config"
	gwerrors "github.com/poemonsense/ag2api-go/internal/errors"
	"github.com/poemonsense/ag2api-go/internal/ratelimit"
	"github.com/poemonsense/ag2api-go/internal/utils"
)

type recordedCall struct {
	method string
	token  string
}

type step struct {
	resp *cloudcode.Response
	err  error
}

// fakeCore scripts the upstream: the i-th CallV1Internal consumes steps[i];
// past the script everything returns 200 "ok".
type fakeCore struct {
	mu           sync.Mutex
	steps        []step
	calls        []recordedCall
	models       map[string]*cloudcode.ModelInfo
	modelFetches int
}

func (f *fakeCore) CallV1Internal(ctx context.Context, method, accessToken string, body []byte, opts cloudcode.CallOptions) (*cloudcode.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.calls)
	f.calls = append(f.calls, recordedCall{method: method, token: accessToken})
	if i >= len(f.steps) {
		return okResp("ok"), nil
	}
	s := f.steps[i]
	if s.err != nil {
		return nil, s.err
	}
	return s.resp.Clone(), nil
}

func (f *fakeCore) FetchAvailableModels(ctx context.Context, accessToken string, limiter *ratelimit.Limiter) (map[string]*cloudcode.ModelInfo, error) {
	f.mu.Lock()
	f.modelFetches++
	f.mu.Unlock()
	if f.models == nil {
		return map[string]*cloudcode.ModelInfo{}, nil
	}
	return f.models, nil
}

func (f *fakeCore) fetchedModels() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.modelFetches
}

func (f *fakeCore) RefreshToken(ctx context.Context, refreshToken string) (*cloudcode.TokenResult, error) {
	return nil, fmt.Errorf("unexpected refresh in test")
}

func (f *fakeCore) FetchUserInfo(ctx context.Context, accessToken string) (*cloudcode.UserInfo, error) {
	return nil, fmt.Errorf("unexpected user info call in test")
}

func (f *fakeCore) FetchProjectID(ctx context.Context, accessToken string, opts cloudcode.ProjectIDOptions) (string, error) {
	return "projects/p", nil
}

func (f *fakeCore) recorded() []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedCall(nil), f.calls...)
}

func okResp(body string) *cloudcode.Response {
	return &cloudcode.Response{StatusCode: 200, Header: http.Header{}, Body: []byte(body)}
}

func errResp(status int, body string) *cloudcode.Response {
	return &cloudcode.Response{StatusCode: status, Header: http.Header{}, Body: []byte(body)}
}

func resp429(retryDelay string) *cloudcode.Response {
	body := fmt.Sprintf(`{"error":{"code":429,"details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"%s"}]}}`, retryDelay)
	return errResp(429, body)
}

func tokenFor(email string) string { return "token-" + email }
func keyFor(email string) string   { return email + ".json" }

// newTestDispatcher builds a real manager over temp credential files (all
// verified and unexpired, so no background refresh kicks in) plus a scripted
// upstream, with the initial sweep pre-signalled and a short retry delay.
func newTestDispatcher(t *testing.T, fake *fakeCore, emails ...string) *Dispatcher {
	t.Helper()
	dir := t.TempDir()
	for _, email := range emails {
		creds := account.Credentials{
			AccessToken:         tokenFor(email),
			RefreshToken:        "refresh",
			ExpiryDate:          utils.NowMs() + 3_600_000,
			TokenType:           "Bearer",
			Email:               email,
			ProjectID:           "projects/p",
			ProjectIDResolvedAt: utils.NowISO(),
		}
		data, err := json.Marshal(creds)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, account.FileNameForEmail(email)), data, 0o600))
	}

	m := account.NewManager(dir, fake, nil)
	require.NoError(t, m.LoadAccounts(context.Background()))
	require.Equal(t, len(emails), m.Count())

	d := NewDispatcher(m, fake)
	d.retryDelayMs = 20
	d.signalInitialSweep()
	t.Cleanup(func() {
		d.Stop()
		m.Shutdown()
	})
	return d
}

func (d *Dispatcher) seedQuota(model, accountKey string, fraction float64) {
	d.quota.Observe(model, accountKey, &cloudcode.QuotaInfo{RemainingFraction: &fraction})
}

func basicRequest(model string) *Request {
	return &Request{
		Method: "generateContent",
		Model:  model,
		BuildBody: func(projectID string) ([]byte, error) {
			return []byte(`{"project":"` + projectID + `"}`), nil
		},
	}
}

func TestHappyPathPicksHighestQuota(t *testing.T) {
	fake := &fakeCore{steps: []step{{resp: okResp("ok")}}}
	d := newTestDispatcher(t, fake, "a@x.com", "b@x.com")
	d.seedQuota("gemini-3-pro", keyFor("a@x.com"), 0.6)
	d.seedQuota("gemini-3-pro", keyFor("b@x.com"), 0.4)

	resp, err := d.CallV1Internal(context.Background(), basicRequest("gemini-3-pro"))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "ok", string(resp.Body))

	calls := fake.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, tokenFor("a@x.com"), calls[0].token)

	entry := d.quota.Get("gemini-3-pro", keyFor("a@x.com"))
	require.NotNil(t, entry)
	assert.Zero(t, entry.CooldownUntilMs, "success leaves the cooldown map unchanged")
}

func TestRotationOn429(t *testing.T) {
	fake := &fakeCore{steps: []step{
		{resp: resp429("2.5s")},
		{resp: okResp("ok")},
	}}
	d := newTestDispatcher(t, fake, "a@x.com", "b@x.com")

	before := utils.NowMs()
	start := time.Now()
	resp, err := d.CallV1Internal(context.Background(), basicRequest("gemini-3-pro"))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	calls := fake.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, tokenFor("a@x.com"), calls[0].token, "lowest index goes first when quota is unknown")
	assert.Equal(t, tokenFor("b@x.com"), calls[1].token)

	entry := d.quota.Get("gemini-3-pro", keyFor("a@x.com"))
	require.NotNil(t, entry)
	assert.GreaterOrEqual(t, entry.CooldownUntilMs, before+2500)

	assert.Less(t, time.Since(start), time.Second, "parseable retry delay must rotate without sleeping")
}

func TestFastFailReturnsCachedErrorWithoutHTTP(t *testing.T) {
	fake := &fakeCore{}
	d := newTestDispatcher(t, fake, "a@x.com", "b@x.com", "c@x.com")
	model := "gemini-3-pro-high"
	for _, email := range []string{"a@x.com", "b@x.com", "c@x.com"} {
		d.seedQuota(model, keyFor(email), 0)
	}
	d.storeCachedError(model, resp429("1h"))

	resp, err := d.CallV1Internal(context.Background(), basicRequest(model))
	require.NoError(t, err)
	assert.Equal(t, 429, resp.StatusCode)
	assert.Contains(t, string(resp.Body), "RetryInfo")
	assert.Empty(t, fake.recorded(), "fast-fail must not issue any HTTP call")
}

func TestAllKnownZeroWithoutCachedErrorProbesOnce(t *testing.T) {
	fake := &fakeCore{steps: []step{{resp: errResp(403, `{"error":"denied"}`)}}}
	d := newTestDispatcher(t, fake, "a@x.com", "b@x.com")
	model := "gemini-3-pro"
	d.seedQuota(model, keyFor("a@x.com"), 0)
	d.seedQuota(model, keyFor("b@x.com"), 0)

	resp, err := d.CallV1Internal(context.Background(), basicRequest(model))
	require.NoError(t, err)
	assert.Equal(t, 403, resp.StatusCode)
	assert.Len(t, fake.recorded(), 1)

	cached := d.CachedErrorFor(model)
	require.NotNil(t, cached)
	assert.Equal(t, 403, cached.Status)
}

func TestTokenExpiryRefreshBeforeDispatch(t *testing.T) {
	// Covered end to end in the account package; here only the contract that
	// the dispatched token is whatever the manager hands out.
	fake := &fakeCore{}
	d := newTestDispatcher(t, fake, "a@x.com")

	resp, err := d.CallV1Internal(context.Background(), basicRequest("gemini-3-pro"))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, tokenFor("a@x.com"), fake.recorded()[0].token)
}

func TestNetworkErrorSingleAccountRetriesSame(t *testing.T) {
	fake := &fakeCore{steps: []step{
		{err: fmt.Errorf("connection reset by peer")},
		{resp: okResp("ok")},
	}}
	d := newTestDispatcher(t, fake, "a@x.com")

	resp, err := d.CallV1Internal(context.Background(), basicRequest("gemini-3-pro"))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	calls := fake.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0].token, calls[1].token)
}

func TestNetworkErrorSingleAccountPropagatesSecondFailure(t *testing.T) {
	fake := &fakeCore{steps: []step{
		{err: fmt.Errorf("connection refused")},
		{err: fmt.Errorf("connection refused again")},
	}}
	d := newTestDispatcher(t, fake, "a@x.com")

	_, err := d.CallV1Internal(context.Background(), basicRequest("gemini-3-pro"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "again")
	assert.Len(t, fake.recorded(), 2)
}

func TestNetworkErrorMultiAccountRotates(t *testing.T) {
	fake := &fakeCore{steps: []step{
		{err: fmt.Errorf("i/o timeout")},
		{resp: okResp("ok")},
	}}
	d := newTestDispatcher(t, fake, "a@x.com", "b@x.com")

	resp, err := d.CallV1Internal(context.Background(), basicRequest("gemini-3-pro"))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	calls := fake.recorded()
	require.Len(t, calls, 2)
	assert.NotEqual(t, calls[0].token, calls[1].token)
}

func TestNonNetworkErrorPropagatesWithoutRetry(t *testing.T) {
	fake := &fakeCore{steps: []step{
		{err: fmt.Errorf("unsupported media type")},
	}}
	d := newTestDispatcher(t, fake, "a@x.com", "b@x.com")

	_, err := d.CallV1Internal(context.Background(), basicRequest("gemini-3-pro"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported media type")
	assert.Len(t, fake.recorded(), 1, "only transport failures rotate or retry")
}

func TestStopBeforeFirstSweep(t *testing.T) {
	fake := &fakeCore{}
	d := newTestDispatcher(t, fake, "a@x.com")
	d.Stop()
	d.run()
	assert.Zero(t, fake.fetchedModels(), "a stopped dispatcher must not sweep")
}

func TestLongCooldown429PassthroughSingleAccount(t *testing.T) {
	fake := &fakeCore{steps: []step{{resp: resp429("10s")}}}
	d := newTestDispatcher(t, fake, "a@x.com")

	resp, err := d.CallV1Internal(context.Background(), basicRequest("gemini-3-pro"))
	require.NoError(t, err)
	assert.Equal(t, 429, resp.StatusCode)
	assert.Len(t, fake.recorded(), 1, "a long cooldown is not worth blocking on")
}

func TestShort429RetriesSameAccountOnce(t *testing.T) {
	fake := &fakeCore{steps: []step{
		{resp: resp429("50ms")},
		{resp: okResp("ok")},
	}}
	d := newTestDispatcher(t, fake, "a@x.com")

	resp, err := d.CallV1Internal(context.Background(), basicRequest("gemini-3-pro"))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	calls := fake.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0].token, calls[1].token)
}

func TestNon429ErrorReturnedAsIsAndCached(t *testing.T) {
	fake := &fakeCore{steps: []step{{resp: errResp(500, `{"error":"boom"}`)}}}
	d := newTestDispatcher(t, fake, "a@x.com", "b@x.com")

	resp, err := d.CallV1Internal(context.Background(), basicRequest("gemini-3-pro"))
	require.NoError(t, err)
	assert.Equal(t, 500, resp.StatusCode)
	assert.Len(t, fake.recorded(), 1, "non-429 errors never rotate")

	cached := d.CachedErrorFor("gemini-3-pro")
	require.NotNil(t, cached)
	assert.Equal(t, 500, cached.Status)
	assert.Equal(t, `{"error":"boom"}`, cached.BodyText)
}

func TestExhaustionReturnsLast429(t *testing.T) {
	fake := &fakeCore{steps: []step{
		{resp: errResp(429, `{"error":"limited A"}`)},
		{resp: errResp(429, `{"error":"limited B"}`)},
	}}
	d := newTestDispatcher(t, fake, "a@x.com", "b@x.com")

	resp, err := d.CallV1Internal(context.Background(), basicRequest("gemini-3-pro"))
	require.NoError(t, err)
	assert.Equal(t, 429, resp.StatusCode)
	assert.Equal(t, `{"error":"limited B"}`, string(resp.Body))
	assert.Len(t, fake.recorded(), 2)
}

func TestCooldownBlocksReselection(t *testing.T) {
	fake := &fakeCore{steps: []step{
		{resp: resp429("2.5s")},
		{resp: okResp("ok")},
		{resp: okResp("ok again")},
	}}
	d := newTestDispatcher(t, fake, "a@x.com", "b@x.com")

	_, err := d.CallV1Internal(context.Background(), basicRequest("gemini-3-pro"))
	require.NoError(t, err)

	// A is cooling down; the next request must go straight to B.
	resp, err := d.CallV1Internal(context.Background(), basicRequest("gemini-3-pro"))
	require.NoError(t, err)
	assert.Equal(t, "ok again", string(resp.Body))
	calls := fake.recorded()
	require.Len(t, calls, 3)
	assert.Equal(t, tokenFor("b@x.com"), calls[2].token)
}

func TestUnknownModelFallsBackToCurrentIndex(t *testing.T) {
	fake := &fakeCore{}
	d := newTestDispatcher(t, fake, "a@x.com", "b@x.com")

	resp, err := d.CallV1Internal(context.Background(), &Request{
		Method:    "generateContent",
		Group:     config.GroupGemini,
		BuildBody: func(string) ([]byte, error) { return []byte("{}"), nil },
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	calls := fake.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, tokenFor("a@x.com"), calls[0].token)
}

func TestEmptyPoolFailsWithNoAccounts(t *testing.T) {
	fake := &fakeCore{}
	d := newTestDispatcher(t, fake)

	_, err := d.CallV1Internal(context.Background(), basicRequest("gemini-3-pro"))
	require.Error(t, err)
	assert.True(t, gwerrors.HasCode(err, gwerrors.CodeNoAccounts))
}

func TestCountTokensRoutesThroughPolicy(t *testing.T) {
	fake := &fakeCore{}
	d := newTestDispatcher(t, fake, "a@x.com")

	resp, err := d.CountTokens(context.Background(), []byte(`{"contents":[]}`), config.GroupGemini, "gemini-3-pro")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	calls := fake.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "countTokens", calls[0].method)
}

func TestSweepObservesQuota(t *testing.T) {
	fraction := 0.25
	reset := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	fake := &fakeCore{models: map[string]*cloudcode.ModelInfo{
		"gemini-3-pro": {QuotaInfo: &cloudcode.QuotaInfo{RemainingFraction: &fraction, ResetTime: &reset}},
	}}
	d := newTestDispatcher(t, fake, "a@x.com", "b@x.com")

	d.SweepNow(context.Background())

	for _, email := range []string{"a@x.com", "b@x.com"} {
		entry := d.quota.Get("gemini-3-pro", keyFor(email))
		require.NotNil(t, entry, email)
		require.NotNil(t, entry.RemainingPercent)
		assert.Equal(t, 25, *entry.RemainingPercent)
		assert.Greater(t, entry.ResetTimeMs, utils.NowMs())
	}
}

func TestGroupInference(t *testing.T) {
	assert.Equal(t, config.GroupClaude, config.GroupForModel("claude-sonnet-4-5"))
	assert.Equal(t, config.GroupGemini, config.GroupForModel("gemini-3-pro"))
	assert.Equal(t, config.GroupGemini, config.GroupForModel("mystery-model"))
}
