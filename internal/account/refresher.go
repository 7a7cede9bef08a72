package account

import (
	"context"
	"sync"
	"time"

	"github.com/poemonsense/ag2api-go/internal/config"
	"github.com/poemonsense/ag2api-go/internal/utils"
)

// RefreshFunc performs one token refresh for an account.
type RefreshFunc func(ctx context.Context, acc *Account) error

// Refresher schedules one deferred refresh per account. The deadline is
// expiry_date minus a fixed skew so a token never reaches a caller already
// expired under clock jitter.
type Refresher struct {
	refreshFn RefreshFunc

	mu     sync.Mutex
	timers map[string]*time.Timer // account ID -> pending timer
}

func NewRefresher(refreshFn RefreshFunc) *Refresher {
	return &Refresher{
		refreshFn: refreshFn,
		timers:    make(map[string]*time.Timer),
	}
}

// ScheduleRefresh cancels any previous timer for the account and installs a
// new one firing at expiry_date - skew. Deadlines already in the past fire
// almost immediately.
func (r *Refresher) ScheduleRefresh(acc *Account) {
	deadline := acc.Creds().ExpiryDate - config.TokenRefreshSkewMs
	delay := time.Duration(deadline-utils.NowMs()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.timers[acc.ID]; ok {
		prev.Stop()
	}
	r.timers[acc.ID] = time.AfterFunc(delay, func() {
		r.mu.Lock()
		delete(r.timers, acc.ID)
		r.mu.Unlock()
		if err := r.refreshFn(context.Background(), acc); err != nil {
			utils.Warn("[Refresher] scheduled refresh for %s failed: %v", utils.MaskEmail(acc.Email()), err)
		}
	})
}

// CancelRefresh stops the account's pending timer, if any. Idempotent.
func (r *Refresher) CancelRefresh(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if timer, ok := r.timers[accountID]; ok {
		timer.Stop()
		delete(r.timers, accountID)
	}
}

// CancelAll stops every pending timer.
func (r *Refresher) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, timer := range r.timers {
		timer.Stop()
		delete(r.timers, id)
	}
}

// RefreshDueAccountsNow kicks off a refresh for every account whose deadline
// has already passed, without blocking. The returned channel closes when all
// kicked-off refreshes have completed, so startup can wait for the batch
// before quota sweeps begin.
func (r *Refresher) RefreshDueAccountsNow(ctx context.Context, accounts []*Account) <-chan struct{} {
	done := make(chan struct{})
	now := utils.NowMs()

	var wg sync.WaitGroup
	for _, acc := range accounts {
		if acc.Creds().ExpiryDate-config.TokenRefreshSkewMs > now {
			continue
		}
		wg.Add(1)
		go func(acc *Account) {
			defer wg.Done()
			if err := r.refreshFn(ctx, acc); err != nil {
				utils.Warn("[Refresher] startup refresh for %s failed: %v", utils.MaskEmail(acc.Email()), err)
			}
		}(acc)
	}

	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}
