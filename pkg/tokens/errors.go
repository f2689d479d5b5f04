// Package tokens keeps the two per-tenant OAuth token pairs alive. It
// owns expiry detection, the refresh exchange against each provider's
// token endpoint, and the serialization that stops two callers from
// burning the same single-use refresh token.
package tokens

import "errors"

var (
	// ErrRefreshRejected means the provider explicitly refused the
	// refresh token (revoked, expired, invalid_grant). Terminal for the
	// pair: the tenant must re-authorize from scratch. Callers present a
	// reconnect action, never a retry.
	ErrRefreshRejected = errors.New("tokens: refresh token rejected, reauthorization required")

	// ErrRefreshTransient means the refresh request itself failed to
	// complete (network, timeout, unexpected status). The stored pair is
	// left untouched and a later attempt may succeed. A timed-out
	// exchange lands here on purpose: the provider may have rotated the
	// pair and the response was lost, so declaring the token dead now
	// would be wrong.
	ErrRefreshTransient = errors.New("tokens: refresh attempt failed, retry later")

	// ErrProviderAuth is an authentication failure that survived a
	// refresh-and-retry (or that could not be refreshed away because no
	// refresh token exists). Hard failure for this call.
	ErrProviderAuth = errors.New("tokens: provider rejected credentials after refresh")

	// ErrUnauthorized is returned by provider call functions to signal
	// an auth-failure response. The wrapper reacts by refreshing once
	// and retrying once.
	ErrUnauthorized = errors.New("tokens: unauthorized")
)

// Outcome reports what EnsureFresh did.
type Outcome int

const (
	// OutcomeValid: token was not near expiry, zero refresh calls made.
	OutcomeValid Outcome = iota
	// OutcomeRefreshed: a new pair was obtained and persisted.
	OutcomeRefreshed
	// OutcomeReused: another caller's in-flight refresh produced the
	// pair; this caller made no provider call of its own.
	OutcomeReused
	// OutcomeSkipped: token is expiring but no refresh token exists.
	// Deliberate degrade: the existing access token is returned and the
	// call proceeds, its own 401 handling is strictly better than
	// failing here.
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRefreshed:
		return "refreshed"
	case OutcomeReused:
		return "reused"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "valid"
	}
}
