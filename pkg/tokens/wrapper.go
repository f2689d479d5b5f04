// pkg/tokens/wrapper.go
package tokens

import (
	"context"
	"errors"
	"fmt"

	"ledgerlink/pkg/credentials"
)

// CallFunc executes one provider API call against an immutable
// credential snapshot. No shared client object carries token state:
// the snapshot goes in, any rotation comes back through the store.
// Implementations return ErrUnauthorized (wrapped is fine) when the
// provider answered with an auth failure.
type CallFunc func(ctx context.Context, rec credentials.Record) error

// WithFreshToken runs fn with credentials that are refreshed
// proactively when near expiry and reactively after an auth failure.
// The reactive retry happens exactly once; a second auth failure after
// a successful refresh is surfaced as ErrProviderAuth, never looped.
func (e *Engine) WithFreshToken(ctx context.Context, tenantKey string, p credentials.Provider, fn CallFunc) error {
	rec, _, err := e.EnsureFresh(ctx, tenantKey, p)
	switch {
	case err == nil:
	case errors.Is(err, ErrRefreshTransient):
		// Proactive refresh failed to complete; the old pair is intact
		// and may well still work, so the call proceeds with it.
		e.log.Warnw("proactive refresh failed, using existing token", "tenant", credentials.Normalize(tenantKey), "provider", p, "err", err)
	default:
		return err
	}

	err = fn(ctx, rec)
	if err == nil || !errors.Is(err, ErrUnauthorized) {
		return err
	}

	// Reactive path: the lookahead missed it, or the token died early.
	// ErrRefreshRejected short-circuits here: no point retrying the
	// call, the tenant has to reconnect.
	fresh, outcome, rerr := e.Refresh(ctx, tenantKey, p, rec.Token(p))
	if rerr != nil {
		return rerr
	}
	if outcome == OutcomeSkipped {
		// Nothing to refresh with; the 401 stands.
		return fmt.Errorf("%w: no refresh token", ErrProviderAuth)
	}

	if err := fn(ctx, fresh); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return fmt.Errorf("%w: auth failure persisted through refresh", ErrProviderAuth)
		}
		return err
	}
	return nil
}
