// pkg/credentials/resolver.go
package credentials

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Resolver turns an ambiguous caller-supplied identifier into the one
// stored record for that tenant. Cheap keyed lookups first, then the
// indexed alternate id, then a last-resort scan with loose matching.
type Resolver struct {
	store Store
	log   *zap.SugaredLogger
}

func NewResolver(store Store, log *zap.SugaredLogger) *Resolver {
	return &Resolver{store: store, log: log}
}

// Resolve finds the record for identifier that is connected for the
// given provider. It never creates records: an unknown identifier is
// ErrNotConnected, and re-authorization is the only way out of that.
func (r *Resolver) Resolve(ctx context.Context, identifier string, need Provider) (Record, error) {
	// Keyed lookup covers raw, normalized and suffix-decorated forms.
	for _, v := range Variants(identifier) {
		rec, err := r.store.Get(ctx, v)
		if err == nil && rec.Connected(need) {
			return rec, nil
		}
	}

	// Secondary identifier space: numeric user id.
	if rec, err := r.store.FindByUserID(ctx, Normalize(identifier)); err == nil && rec.Connected(need) {
		return rec, nil
	}

	return r.scan(ctx, identifier, need)
}

// scan is the consistency-repair path: linear over all records with a
// loose predicate. Among several matches the youngest record wins; the
// common case is a stale abandoned row and a live one both matching a
// substring rule.
func (r *Resolver) scan(ctx context.Context, identifier string, need Provider) (Record, error) {
	norm := Normalize(identifier)
	all, err := r.store.All(ctx)
	if err != nil {
		return Record{}, err
	}
	var matches []Record
	for _, rec := range all {
		if !matchesLoose(norm, rec) {
			continue
		}
		matches = append(matches, rec)
	}
	if len(matches) == 0 {
		return Record{}, ErrNotConnected
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.After(matches[j].CreatedAt) })
	for _, rec := range matches {
		if rec.Connected(need) {
			r.log.Debugw("identifier resolved via scan", "identifier", norm, "tenant", rec.CompanyDomain)
			return rec, nil
		}
	}
	return Record{}, ErrNotConnected
}

func matchesLoose(norm string, rec Record) bool {
	if norm == "" {
		return false
	}
	key := Normalize(rec.CompanyDomain)
	if norm == key || norm == rec.UserID {
		return true
	}
	return strings.Contains(key, norm) || strings.Contains(norm, key)
}

// GuardAccountingMerge enforces the cross-tenant safety invariant: a
// record located via loose matching may only receive accounting
// credentials when its CRM domain agrees with the domain the
// authorization came from. Not a heuristic; a differing domain is a
// hard refusal regardless of how well everything else matched.
func GuardAccountingMerge(target, source Record) error {
	if target.CompanyDomain == "" || source.CompanyDomain == "" {
		return ErrCrossTenantMerge
	}
	if Normalize(target.CompanyDomain) != Normalize(source.CompanyDomain) {
		return ErrCrossTenantMerge
	}
	return nil
}

// AttachAccounting links a freshly authorized QuickBooks token pair and
// realm to the target record, subject to GuardAccountingMerge.
func (r *Resolver) AttachAccounting(ctx context.Context, target, source Record, pair TokenPair, realmID string) error {
	if err := GuardAccountingMerge(target, source); err != nil {
		return err
	}
	return r.store.Set(ctx, target.CompanyDomain, Patch{
		QuickBooks: &pair,
		RealmID:    &realmID,
	})
}
