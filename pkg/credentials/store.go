package credentials

import (
	"context"
	"errors"
	"strings"
)

// suffix decoration Pipedrive appends to company domains in callback
// payloads and browser-extension calls.
const domainSuffix = ".pipedrive.com"

var (
	// ErrNotFound means no record exists under the given key. Resolution
	// never creates records; that is reserved for the OAuth connect flow.
	ErrNotFound = errors.New("credentials: record not found")
	// ErrNotConnected means a record was resolved but holds no usable
	// credential for the requested provider.
	ErrNotConnected = errors.New("credentials: tenant not connected for provider")
	// ErrCrossTenantMerge means a fallback match tried to link accounting
	// credentials across two records with different CRM domains.
	ErrCrossTenantMerge = errors.New("credentials: refusing to merge credentials across CRM domains")
)

// Store is the persistence boundary for tenant credentials. Secret
// fields are encrypted on the way in and decrypted on the way out;
// plaintext never reaches the backing rows.
type Store interface {
	// Get looks up a record by near-exact key: the canonical form of the
	// identifier, then the canonical form with the domain suffix
	// re-appended (legacy rows were stored decorated). Fuzzy matching
	// lives in the Resolver, not here.
	Get(ctx context.Context, identifier string) (Record, error)
	// Set merges the patch into the record under the identifier's
	// canonical key, inserting if absent. CreatedAt is stamped once on
	// insert and never modified; UpdatedAt is stamped on every write.
	Set(ctx context.Context, identifier string, p Patch) error
	// FindByUserID looks up a record by the secondary numeric id.
	FindByUserID(ctx context.Context, userID string) (Record, error)
	// List returns all canonical keys.
	List(ctx context.Context) ([]string, error)
	// All returns every record, decrypted. Last-resort scan input only.
	All(ctx context.Context) ([]Record, error)
	// ClearProvider nulls one provider's fields and keeps the record.
	ClearProvider(ctx context.Context, identifier string, p Provider) error
	// Delete removes the record outright. Only the verified
	// deauthorization webhook calls this.
	Delete(ctx context.Context, identifier string) error

	Shipping(ctx context.Context) (ShippingCredentials, error)
	SetShipping(ctx context.Context, c ShippingCredentials) error
}

// Normalize reduces any supported identifier shape to the canonical key:
// strip scheme, trailing slash and the Pipedrive domain decoration.
func Normalize(identifier string) string {
	s := strings.ToLower(strings.TrimSpace(identifier))
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimSuffix(s, "/")
	s = strings.TrimSuffix(s, domainSuffix)
	return s
}

// Variants lists the syntactic forms a caller may have used for the same
// tenant, cheapest lookups first.
func Variants(identifier string) []string {
	norm := Normalize(identifier)
	out := []string{identifier}
	for _, v := range []string{norm, norm + domainSuffix, "https://" + norm + domainSuffix} {
		if v != identifier {
			out = append(out, v)
		}
	}
	return out
}
