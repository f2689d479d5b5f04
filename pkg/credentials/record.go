// Package credentials stores per-tenant OAuth material for the connected
// providers and resolves the loosely-formatted identifiers callers use to
// name a tenant (bare domain, full URL, Pipedrive user id).
package credentials

import "time"

// Provider names one of the OAuth-secured services whose tokens are
// managed independently per tenant.
type Provider string

const (
	Pipedrive  Provider = "pipedrive"
	QuickBooks Provider = "quickbooks"
)

// TokenPair is one provider's OAuth state for a tenant. Expiry is the
// zero time when the provider did not report one.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

func (t TokenPair) Empty() bool { return t.AccessToken == "" && t.RefreshToken == "" }

// Record is one tenant installation. CompanyDomain is the canonical key:
// lowercased, no scheme, no ".pipedrive.com" decoration.
type Record struct {
	CompanyDomain string
	// UserID is the Pipedrive numeric user id, kept as a secondary
	// identifier for call sites that cannot supply the domain.
	UserID string

	Pipedrive  TokenPair
	QuickBooks TokenPair
	// RealmID scopes every QuickBooks API call to the tenant's company.
	RealmID string

	PipedriveRefreshedAt  time.Time
	QuickBooksRefreshedAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Token returns the stored pair for a provider.
func (r Record) Token(p Provider) TokenPair {
	if p == QuickBooks {
		return r.QuickBooks
	}
	return r.Pipedrive
}

// Connected reports whether the record holds any usable credential for
// the provider. An expired access token still counts: some call paths
// try it anyway and let the 401 drive a refresh.
func (r Record) Connected(p Provider) bool {
	return !r.Token(p).Empty()
}

// ShippingCredentials is the installation-wide ShipStation key pair.
// It is a single well-known entity, not a per-tenant field: one set of
// fulfillment credentials serves every tenant.
type ShippingCredentials struct {
	APIKey    string
	APISecret string
	UpdatedAt time.Time
}

// Patch is a partial update merged into a record column by column.
// Nil fields are left untouched. A token pair is always written whole:
// access token, refresh token and expiry land in one store write.
type Patch struct {
	UserID     *string
	Pipedrive  *TokenPair
	QuickBooks *TokenPair
	RealmID    *string

	PipedriveRefreshedAt  *time.Time
	QuickBooksRefreshedAt *time.Time
}
