package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/poemonsense/ag2api-go/internal/account"
	"github.com/poemonsense/ag2api-go/internal/cloudcode"
	"github.com/poemonsense/ag2api-go/internal/config"
	gwerrors "github.com/poemonsense/ag2api-go/internal/errors"
	"github.com/poemonsense/ag2api-go/internal/ratelimit"
	"github.com/poemonsense/ag2api-go/internal/utils"
)

// Upstream is the subset of upstream operations the dispatcher needs.
// Satisfied by *cloudcode.Client; tests substitute a fake.
type Upstream interface {
	CallV1Internal(ctx context.Context, method, accessToken string, body []byte, opts cloudcode.CallOptions) (*cloudcode.Response, error)
	FetchAvailableModels(ctx context.Context, accessToken string, limiter *ratelimit.Limiter) (map[string]*cloudcode.ModelInfo, error)
}

// CachedError is the last non-2xx exchange observed for a model, kept so the
// pool can fast-fail without a new upstream call once everything is known
// exhausted.
type CachedError struct {
	Status     int         `json:"status"`
	Header     http.Header `json:"-"`
	BodyText   string      `json:"body"`
	CachedAtMs int64       `json:"cachedAtMs"`
}

// Response fabricates a fresh response object from the stored exchange.
func (e *CachedError) Response() *cloudcode.Response {
	header := make(http.Header, len(e.Header))
	for k, v := range e.Header {
		header[k] = append([]string(nil), v...)
	}
	return &cloudcode.Response{
		StatusCode: e.Status,
		Header:     header,
		Body:       []byte(e.BodyText),
	}
}

// Request is one v1internal invocation. BuildBody receives the selected
// account's project id so rotation can re-bind the body per attempt.
type Request struct {
	Method      string
	Group       config.Group // inferred from Model when empty
	Model       string       // empty = unknown, selection falls back to the group index
	BuildBody   func(projectID string) ([]byte, error)
	QueryString string
	Headers     map[string]string
}

// Dispatcher routes requests across the account pool.
type Dispatcher struct {
	manager  *account.Manager
	upstream Upstream
	limiter  *ratelimit.Limiter
	quota    *quotaCache

	retryDelayMs  int64
	sweepInterval time.Duration

	errMu     sync.RWMutex
	lastError map[string]*CachedError

	sweepMu  sync.Mutex
	sweeping bool

	initialSweepOnce sync.Once
	initialSweepDone chan struct{}

	stopOnce sync.Once
	stop     chan struct{}
}

// NewDispatcher wires a dispatcher over the pool. Configuration comes from
// the environment (retry delay, sweep interval).
func NewDispatcher(manager *account.Manager, upstream Upstream) *Dispatcher {
	return &Dispatcher{
		manager:          manager,
		upstream:         upstream,
		limiter:          ratelimit.NewMs(config.V1InternalMinIntervalMs),
		quota:            newQuotaCache(),
		retryDelayMs:     config.RetryDelayMs(),
		sweepInterval:    config.QuotaRefreshInterval(),
		lastError:        make(map[string]*CachedError),
		initialSweepDone: make(chan struct{}),
		stop:             make(chan struct{}),
	}
}

// Start launches the background sweep loop.
func (d *Dispatcher) Start() {
	go d.run()
}

// Stop tears down the sweep loop and the shared limiter. Idempotent.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stop)
		d.limiter.Close()
	})
}

func (d *Dispatcher) run() {
	d.waitForPool()
	for {
		select {
		case <-d.stop:
			return
		default:
		}
		d.SweepNow(context.Background())
		d.signalInitialSweep()
		select {
		case <-time.After(d.sweepInterval):
		case <-d.stop:
			return
		}
	}
}

// waitForPool polls until the pool is non-empty and the startup refresh
// batch has finished, bounded by the initial wait window.
func (d *Dispatcher) waitForPool() {
	deadline := time.Now().Add(time.Duration(config.InitialQuotaWaitMs) * time.Millisecond)
	for time.Now().Before(deadline) {
		if d.manager.Count() > 0 {
			select {
			case <-d.manager.InitialRefreshDone():
				return
			case <-time.After(time.Until(deadline)):
				return
			case <-d.stop:
				return
			}
		}
		select {
		case <-time.After(time.Duration(config.InitialQuotaPollMs) * time.Millisecond):
		case <-d.stop:
			return
		}
	}
}

func (d *Dispatcher) signalInitialSweep() {
	d.initialSweepOnce.Do(func() { close(d.initialSweepDone) })
}

// awaitInitialSweep blocks the first requests until the initial sweep has
// run, bounded by the same wait window.
func (d *Dispatcher) awaitInitialSweep(ctx context.Context) {
	select {
	case <-d.initialSweepDone:
	case <-time.After(time.Duration(config.InitialQuotaWaitMs) * time.Millisecond):
	case <-ctx.Done():
	}
}

// SweepNow refreshes quota observations for every account in parallel.
// Non-reentrant: triggers while a sweep runs are dropped. Per-account errors
// are logged and counted but never abort the sweep.
func (d *Dispatcher) SweepNow(ctx context.Context) {
	d.sweepMu.Lock()
	if d.sweeping {
		d.sweepMu.Unlock()
		return
	}
	d.sweeping = true
	d.sweepMu.Unlock()
	defer func() {
		d.sweepMu.Lock()
		d.sweeping = false
		d.sweepMu.Unlock()
	}()

	accounts := d.manager.Accounts()
	if len(accounts) == 0 {
		return
	}

	start := time.Now()
	var failed int64
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, acc := range accounts {
		i, acc := i, acc
		g.Go(func() error {
			token, err := d.manager.GetAccessTokenByIndex(gctx, i, config.GroupGemini)
			if err == nil {
				var models map[string]*cloudcode.ModelInfo
				// No limiter: sweeps are intentionally aggressive and parallel.
				models, err = d.upstream.FetchAvailableModels(gctx, token, nil)
				if err == nil {
					for model, info := range models {
						var quotaInfo *cloudcode.QuotaInfo
						if info != nil {
							quotaInfo = info.QuotaInfo
						}
						d.quota.Observe(model, acc.ID, quotaInfo)
					}
				}
			}
			if err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				utils.Warn("[Dispatcher] quota sweep failed for %s: %v", acc.ID, err)
			}
			return nil
		})
	}
	g.Wait()
	utils.Info("[Dispatcher] quota sweep done: %d account(s), %d failed, %s", len(accounts), failed, time.Since(start).Round(time.Millisecond))
}

// CallV1Internal runs one upstream RPC under the rotation policy: select the
// best account, interpret 429s into cooldowns, rotate or retry-same, and
// fast-fail from the cached error when the pool is known exhausted.
func (d *Dispatcher) CallV1Internal(ctx context.Context, req *Request) (*cloudcode.Response, error) {
	group := req.Group
	if group == "" {
		group = config.GroupForModel(req.Model)
	}

	if req.Model != "" {
		d.awaitInitialSweep(ctx)
	}

	accounts := d.manager.Accounts()
	if len(accounts) == 0 {
		return nil, gwerrors.NewNoAccounts()
	}
	maxAttempts := len(accounts)

	includeZero := false
	if req.Model != "" && d.allKnownZero(req.Model, accounts) {
		if cached := d.CachedErrorFor(req.Model); cached != nil {
			utils.Warn("[Dispatcher] method=%s model=%s: all accounts exhausted, returning cached error (status=%d)",
				req.Method, req.Model, cached.Status)
			return cached.Response(), nil
		}
		// Nothing cached yet: probe once to obtain an authoritative error.
		includeZero = true
		maxAttempts = 1
	}

	tried := make(map[int]bool)
	var last429 *cloudcode.Response
	var lastNetErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		index := -1
		accountKey := ""
		cooldownActive := false
		if req.Model != "" {
			cand, ok := d.selectCandidate(req.Model, accounts, tried, utils.NowMs(), includeZero)
			if !ok {
				break
			}
			index, accountKey, cooldownActive = cand.index, cand.accountKey, cand.cooldownActive
		} else {
			index = d.manager.CurrentIndex(group)
			if tried[index] {
				break
			}
		}

		if cooldownActive {
			// The best remaining candidate is cooling down, so every viable
			// one is. Answer from what we already know when possible.
			if cached := d.CachedErrorFor(req.Model); cached != nil {
				return cached.Response(), nil
			}
			if last429 != nil {
				return last429, nil
			}
			if lastNetErr != nil {
				return nil, lastNetErr
			}
			// Nothing observed yet this request: attempt anyway.
		}

		creds, err := d.manager.GetCredentialsByIndex(ctx, index, group)
		if err != nil {
			return nil, err
		}
		tried[index] = true
		if accountKey == "" {
			accountKey = creds.Account.ID
		}

		body, err := req.BuildBody(creds.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to build %s body: %w", req.Method, err)
		}

		callOnce := func(label string) (*cloudcode.Response, error) {
			start := time.Now()
			resp, err := d.upstream.CallV1Internal(ctx, req.Method, creds.AccessToken, body, cloudcode.CallOptions{
				QueryString: req.QueryString,
				Headers:     req.Headers,
				Limiter:     d.limiter,
			})
			elapsed := time.Since(start).Round(time.Millisecond)
			if err != nil {
				utils.Warn("[Dispatcher] method=%s group=%s account=%s attempt=%d/%d%s duration=%s error=%v",
					req.Method, group, accountKey, attempt, maxAttempts, label, elapsed, err)
				return nil, err
			}
			utils.Info("[Dispatcher] method=%s group=%s account=%s attempt=%d/%d%s status=%d duration=%s",
				req.Method, group, accountKey, attempt, maxAttempts, label, resp.StatusCode, elapsed)
			return resp, nil
		}

		resp, err := callOnce("")
		if err != nil {
			// Retry and rotation apply to transport failures only; context
			// cancellation and request errors propagate unchanged.
			if !utils.IsNetworkError(err) {
				return nil, err
			}
			lastNetErr = err
			if maxAttempts == 1 {
				// Single-account pools get one in-attempt retry.
				utils.Info("[Dispatcher] method=%s reason=network delayMs=%d nextAction=retry-same", req.Method, d.retryDelayMs)
				if serr := utils.SleepMs(ctx, d.retryDelayMs); serr != nil {
					return nil, serr
				}
				resp, err = callOnce(" (retry)")
				if err != nil {
					return nil, err
				}
				return d.recordOutcome(req.Model, accountKey, resp), nil
			}
			utils.Info("[Dispatcher] method=%s reason=network delayMs=%d nextAction=rotate", req.Method, d.retryDelayMs)
			if serr := utils.SleepMs(ctx, d.retryDelayMs); serr != nil {
				return nil, serr
			}
			continue
		}

		if resp.IsSuccess() {
			return resp, nil
		}

		if resp.StatusCode != http.StatusTooManyRequests {
			if req.Model != "" {
				d.storeCachedError(req.Model, resp)
			}
			return resp, nil
		}

		// 429: cooldown this (model, account) and decide between retry-same,
		// rotation, or passthrough.
		retryMs := cloudcode.RetryHintMs(resp.StatusCode, resp.Header, resp.Body)
		if req.Model != "" {
			d.storeCachedError(req.Model, resp)
			d.applyCooldown(req.Model, accountKey, retryMs)
		}
		last429 = resp

		if maxAttempts == 1 {
			if retryMs != nil && *retryMs > config.LongCooldownPassthroughMs {
				utils.Warn("[Dispatcher] method=%s account=%s rate limited for %s, passing 429 through",
					req.Method, accountKey, utils.FormatDurationMs(*retryMs))
				return resp, nil
			}
			sleepMs := d.retryDelayMs
			if retryMs != nil {
				sleepMs = *retryMs + config.Retry429BufferMs
			}
			utils.Info("[Dispatcher] method=%s reason=429 delayMs=%d nextAction=retry-same", req.Method, sleepMs)
			if serr := utils.SleepMs(ctx, sleepMs); serr != nil {
				return nil, serr
			}
			resp, err = callOnce(" (retry)")
			if err != nil {
				return nil, err
			}
			return d.recordOutcome(req.Model, accountKey, resp), nil
		}

		if retryMs == nil {
			utils.Info("[Dispatcher] method=%s reason=429 delayMs=%d nextAction=rotate", req.Method, d.retryDelayMs)
			if serr := utils.SleepMs(ctx, d.retryDelayMs); serr != nil {
				return nil, serr
			}
		} else {
			utils.Info("[Dispatcher] method=%s reason=429 delayMs=0 nextAction=rotate resetDelay=%s",
				req.Method, utils.FormatDurationMs(*retryMs))
		}
	}

	if last429 != nil {
		return last429, nil
	}
	if lastNetErr != nil {
		return nil, lastNetErr
	}
	if req.Model != "" {
		if cached := d.CachedErrorFor(req.Model); cached != nil {
			return cached.Response(), nil
		}
	}
	return nil, gwerrors.NewExhausted(req.Method, maxAttempts)
}

// recordOutcome applies terminal bookkeeping to a response about to be
// returned after a same-account retry.
func (d *Dispatcher) recordOutcome(model, accountKey string, resp *cloudcode.Response) *cloudcode.Response {
	if resp.IsSuccess() || model == "" {
		return resp
	}
	d.storeCachedError(model, resp)
	if resp.StatusCode == http.StatusTooManyRequests {
		d.applyCooldown(model, accountKey, cloudcode.RetryHintMs(resp.StatusCode, resp.Header, resp.Body))
	}
	return resp
}

func (d *Dispatcher) applyCooldown(model, accountKey string, retryMs *int64) {
	cooldownMs := d.retryDelayMs
	if retryMs != nil && *retryMs > cooldownMs {
		cooldownMs = *retryMs
	}
	d.quota.SetCooldown(model, accountKey, utils.NowMs()+cooldownMs)
}

func (d *Dispatcher) storeCachedError(model string, resp *cloudcode.Response) {
	clone := resp.Clone()
	d.errMu.Lock()
	d.lastError[model] = &CachedError{
		Status:     clone.StatusCode,
		Header:     clone.Header,
		BodyText:   string(clone.Body),
		CachedAtMs: utils.NowMs(),
	}
	d.errMu.Unlock()
}

// CachedErrorFor returns the last non-2xx exchange for a model, or nil.
func (d *Dispatcher) CachedErrorFor(model string) *CachedError {
	d.errMu.RLock()
	defer d.errMu.RUnlock()
	return d.lastError[model]
}

// CountTokens routes a countTokens body through the same rotation policy.
func (d *Dispatcher) CountTokens(ctx context.Context, body []byte, group config.Group, model string) (*cloudcode.Response, error) {
	return d.CallV1Internal(ctx, &Request{
		Method: "countTokens",
		Group:  group,
		Model:  model,
		BuildBody: func(string) ([]byte, error) {
			return body, nil
		},
	})
}

// FetchAvailableModels is the current-account pass-through for the admin
// surface, distinct from the sweep's all-accounts variant.
func (d *Dispatcher) FetchAvailableModels(ctx context.Context) (map[string]*cloudcode.ModelInfo, error) {
	return d.manager.FetchAvailableModels(ctx)
}

// QuotaSnapshot exposes the quota cache for the admin surface.
func (d *Dispatcher) QuotaSnapshot() map[string]map[string]QuotaEntry {
	return d.quota.Snapshot()
}
