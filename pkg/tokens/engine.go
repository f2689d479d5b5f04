// pkg/tokens/engine.go
package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"ledgerlink/pkg/credentials"
)

const (
	defaultLookahead = 10 * time.Minute
	exchangeTimeout  = 15 * time.Second
	lockWaitStep     = 250 * time.Millisecond
	lockWaitRounds   = 20
)

// ProviderSpec is one provider's token endpoint and refresh policy.
// Lookahead is per provider: Pipedrive and QuickBooks rotate on
// different lifetimes.
type ProviderSpec struct {
	Name         credentials.Provider
	TokenURL     string
	ClientID     string
	ClientSecret string
	Lookahead    time.Duration
}

func (s ProviderSpec) lookahead() time.Duration {
	if s.Lookahead > 0 {
		return s.Lookahead
	}
	return defaultLookahead
}

// Status of a stored pair. Refreshing is not a stored state: it exists
// only as an in-flight singleflight call, and Unrecoverable surfaces as
// ErrRefreshRejected rather than being persisted.
type Status int

const (
	StatusValid Status = iota
	StatusExpiringSoon
)

// Engine drives token rotation against both providers over a shared
// credential store.
type Engine struct {
	store credentials.Store
	specs map[credentials.Provider]ProviderSpec
	httpc *http.Client
	lock  *refreshLock
	group singleflight.Group
	log   *zap.SugaredLogger
	now   func() time.Time
}

func NewEngine(store credentials.Store, specs map[credentials.Provider]ProviderSpec, rdb *redis.Client, log *zap.SugaredLogger) *Engine {
	return &Engine{
		store: store,
		specs: specs,
		httpc: &http.Client{Timeout: exchangeTimeout},
		lock:  &refreshLock{rdb: rdb},
		log:   log,
		now:   time.Now,
	}
}

// status implements the proactive expiry check. An unknown expiry with a
// refresh token present counts as expiring: refreshing is cheaper than
// gambling on the access token.
func (e *Engine) status(pair credentials.TokenPair, p credentials.Provider) Status {
	if pair.Expiry.IsZero() {
		if pair.RefreshToken != "" {
			return StatusExpiringSoon
		}
		return StatusValid
	}
	if !e.now().Add(e.specs[p].lookahead()).Before(pair.Expiry) {
		return StatusExpiringSoon
	}
	return StatusValid
}

// EnsureFresh returns a credential snapshot ready for an API call,
// refreshing first when the pair is near expiry. On a transient refresh
// failure the previous snapshot is returned alongside the error so the
// caller can still attempt its call with the old token.
func (e *Engine) EnsureFresh(ctx context.Context, tenantKey string, p credentials.Provider) (credentials.Record, Outcome, error) {
	rec, err := e.store.Get(ctx, tenantKey)
	if err != nil {
		return credentials.Record{}, OutcomeValid, err
	}
	if !rec.Connected(p) {
		return rec, OutcomeValid, credentials.ErrNotConnected
	}
	if e.status(rec.Token(p), p) == StatusValid {
		return rec, OutcomeValid, nil
	}
	return e.Refresh(ctx, tenantKey, p, rec.Token(p))
}

// Refresh rotates the pair for (tenantKey, p), treating stale as the
// pair the caller last observed. Exactly one exchange is in flight per
// (tenant, provider): concurrent callers share the leader's result, and
// a second process either waits for the stored rotation to land or
// backs off with ErrRefreshTransient. On transient failure the previous
// record is returned untouched with the error.
func (e *Engine) Refresh(ctx context.Context, tenantKey string, p credentials.Provider, stale credentials.TokenPair) (credentials.Record, Outcome, error) {
	if stale.RefreshToken == "" {
		rec, err := e.store.Get(ctx, tenantKey)
		if err != nil {
			return credentials.Record{}, OutcomeValid, err
		}
		refreshTotal.WithLabelValues(string(p), "skipped").Inc()
		return rec, OutcomeSkipped, nil
	}

	type result struct {
		rec     credentials.Record
		outcome Outcome
	}
	key := credentials.Normalize(tenantKey) + ":" + string(p)
	v, err, shared := e.group.Do(key, func() (any, error) {
		rec, outcome, err := e.refreshSerialized(ctx, tenantKey, p, stale)
		if err != nil {
			return result{rec: rec, outcome: outcome}, err
		}
		return result{rec: rec, outcome: outcome}, nil
	})
	if shared {
		refreshWaiters.WithLabelValues(string(p)).Inc()
	}
	res, _ := v.(result)
	if err != nil {
		if errors.Is(err, ErrRefreshTransient) {
			// Previous pair stays usable in the caller's view.
			if rec, gerr := e.store.Get(ctx, tenantKey); gerr == nil {
				return rec, OutcomeValid, err
			}
		}
		return res.rec, res.outcome, err
	}
	return res.rec, res.outcome, nil
}

// refreshSerialized holds the cross-process lock around the
// read-exchange-persist sequence. Single-use refresh tokens mean the
// stale token must never be submitted twice, so after acquiring the
// lock the store is re-read: if another holder already rotated the
// pair, its result is reused.
func (e *Engine) refreshSerialized(ctx context.Context, tenantKey string, p credentials.Provider, stale credentials.TokenPair) (credentials.Record, Outcome, error) {
	key := credentials.Normalize(tenantKey) + ":" + string(p)

	var release func()
	acquired := false
	for i := 0; i < lockWaitRounds; i++ {
		rel, ok, err := e.lock.acquire(ctx, key)
		if err != nil {
			// Redis being down must not stop rotation entirely; fall
			// back to in-process serialization only.
			e.log.Warnw("refresh lock unavailable, proceeding with local serialization", "err", err)
			acquired = true
			release = func() {}
			break
		}
		if ok {
			acquired = true
			release = rel
			break
		}
		// Another process is mid-rotation. Wait for its write to land.
		select {
		case <-ctx.Done():
			return credentials.Record{}, OutcomeValid, fmt.Errorf("%w: %v", ErrRefreshTransient, ctx.Err())
		case <-time.After(lockWaitStep):
		}
		if rec, err := e.store.Get(ctx, tenantKey); err == nil {
			if pair := rec.Token(p); pair.AccessToken != "" && pair.AccessToken != stale.AccessToken {
				return rec, OutcomeReused, nil
			}
		}
	}
	if !acquired {
		return credentials.Record{}, OutcomeValid, fmt.Errorf("%w: refresh lock busy", ErrRefreshTransient)
	}
	defer release()

	// Double-check under the lock: the winner may have landed already.
	rec, err := e.store.Get(ctx, tenantKey)
	if err != nil {
		return credentials.Record{}, OutcomeValid, err
	}
	current := rec.Token(p)
	if current.AccessToken != "" && current.AccessToken != stale.AccessToken {
		return rec, OutcomeReused, nil
	}
	if current.RefreshToken == "" {
		refreshTotal.WithLabelValues(string(p), "skipped").Inc()
		return rec, OutcomeSkipped, nil
	}

	pair, err := e.exchange(ctx, e.specs[p], current.RefreshToken)
	if err != nil {
		outcome := "transient"
		if errors.Is(err, ErrRefreshRejected) {
			outcome = "rejected"
		}
		refreshTotal.WithLabelValues(string(p), outcome).Inc()
		return rec, OutcomeValid, err
	}

	// Persist access+refresh+expiry as one write before anyone sees the
	// new state: a partial pair on disk is worse than a stale one.
	now := e.now()
	patch := credentials.Patch{}
	if p == credentials.QuickBooks {
		patch.QuickBooks = &pair
		patch.QuickBooksRefreshedAt = &now
	} else {
		patch.Pipedrive = &pair
		patch.PipedriveRefreshedAt = &now
	}
	if err := e.store.Set(ctx, tenantKey, patch); err != nil {
		return rec, OutcomeValid, fmt.Errorf("%w: persisting rotated pair: %v", ErrRefreshTransient, err)
	}
	refreshTotal.WithLabelValues(string(p), "refreshed").Inc()
	e.log.Infow("token pair rotated", "tenant", credentials.Normalize(tenantKey), "provider", p)

	fresh, err := e.store.Get(ctx, tenantKey)
	if err != nil {
		return rec, OutcomeValid, err
	}
	return fresh, OutcomeRefreshed, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// exchange submits the refresh-token grant. Classification matters more
// than success here: an explicit invalid_grant is terminal, everything
// else leaves the stored pair alone.
func (e *Engine) exchange(ctx context.Context, spec ProviderSpec, refreshToken string) (credentials.TokenPair, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, spec.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return credentials.TokenPair{}, fmt.Errorf("%w: %v", ErrRefreshTransient, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(spec.ClientID, spec.ClientSecret)

	resp, err := e.httpc.Do(req)
	if err != nil {
		// Includes timeouts: status unknown, never terminal.
		return credentials.TokenPair{}, fmt.Errorf("%w: %v", ErrRefreshTransient, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return credentials.TokenPair{}, classifyRefreshFailure(resp.StatusCode, body)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" {
		return credentials.TokenPair{}, fmt.Errorf("%w: malformed token response", ErrRefreshTransient)
	}
	pair := credentials.TokenPair{AccessToken: tr.AccessToken, RefreshToken: tr.RefreshToken}
	if pair.RefreshToken == "" {
		// Provider did not rotate; the submitted token remains valid.
		pair.RefreshToken = refreshToken
	}
	if tr.ExpiresIn > 0 {
		pair.Expiry = e.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return pair, nil
}

// classifyRefreshFailure separates "the provider rejected this refresh
// token" from "the request did not work out". Only the former is
// terminal.
func classifyRefreshFailure(status int, body []byte) error {
	var oe struct {
		Error string `json:"error"`
		Desc  string `json:"error_description"`
	}
	_ = json.Unmarshal(body, &oe)
	lower := strings.ToLower(string(body))
	switch {
	case strings.EqualFold(oe.Error, "invalid_grant"),
		strings.Contains(lower, "invalid_grant"),
		strings.Contains(lower, "token expired"),
		strings.Contains(lower, "token revoked"):
		return fmt.Errorf("%w: %s", ErrRefreshRejected, strings.TrimSpace(oe.Desc))
	default:
		return fmt.Errorf("%w: status %d", ErrRefreshTransient, status)
	}
}
