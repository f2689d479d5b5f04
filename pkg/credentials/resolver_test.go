package credentials

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func seed(t *testing.T, s *memStore, key string, p Patch) {
	t.Helper()
	require.NoError(t, s.Set(context.Background(), key, p))
}

func TestResolveAllVariantsHitSameRecord(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(t)
	r := NewResolver(s, zap.NewNop().Sugar())
	seed(t, s, "acme", Patch{
		UserID:    strptr("5521"),
		Pipedrive: &TokenPair{AccessToken: "at", RefreshToken: "rt"},
	})

	for _, id := range []string{
		"acme",
		"acme.pipedrive.com",
		"https://acme.pipedrive.com",
		"http://acme.pipedrive.com/",
		"5521",
	} {
		rec, err := r.Resolve(ctx, id, Pipedrive)
		require.NoError(t, err, "identifier %q", id)
		assert.Equal(t, "acme", rec.CompanyDomain, "identifier %q", id)
	}
}

func TestResolveUnknownIdentifierDoesNotCreate(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(t)
	r := NewResolver(s, zap.NewNop().Sugar())

	_, err := r.Resolve(ctx, "nobody", Pipedrive)
	assert.ErrorIs(t, err, ErrNotConnected)

	keys, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys, "resolution must never create records")
}

func TestResolveRequiresNeededProvider(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(t)
	r := NewResolver(s, zap.NewNop().Sugar())
	seed(t, s, "acme", Patch{Pipedrive: &TokenPair{AccessToken: "at"}})

	_, err := r.Resolve(ctx, "acme", QuickBooks)
	assert.ErrorIs(t, err, ErrNotConnected)

	rec, err := r.Resolve(ctx, "acme", Pipedrive)
	require.NoError(t, err)
	assert.Equal(t, "acme", rec.CompanyDomain)
}

func TestResolveScanPrefersNewestRecord(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(t)
	r := NewResolver(s, zap.NewNop().Sugar())

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	seed(t, s, "acme-corp", Patch{Pipedrive: &TokenPair{AccessToken: "stale"}})
	now = now.Add(48 * time.Hour)
	seed(t, s, "acme", Patch{Pipedrive: &TokenPair{AccessToken: "live"}})

	// "acm" substring-matches both records; the younger one wins.
	rec, err := r.Resolve(ctx, "acm", Pipedrive)
	require.NoError(t, err)
	assert.Equal(t, "acme", rec.CompanyDomain)

	// Only the older record contains "corp".
	rec, err = r.Resolve(ctx, "corp", Pipedrive)
	require.NoError(t, err)
	assert.Equal(t, "acme-corp", rec.CompanyDomain)
}

func TestResolveScanByUserID(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(t)
	r := NewResolver(s, zap.NewNop().Sugar())
	seed(t, s, "acme", Patch{UserID: strptr("777888"), QuickBooks: &TokenPair{AccessToken: "qb"}})

	rec, err := r.Resolve(ctx, "777888", QuickBooks)
	require.NoError(t, err)
	assert.Equal(t, "acme", rec.CompanyDomain)
}

func TestGuardAccountingMerge(t *testing.T) {
	a := Record{CompanyDomain: "acme"}
	b := Record{CompanyDomain: "acme.pipedrive.com"}
	other := Record{CompanyDomain: "widgets"}

	assert.NoError(t, GuardAccountingMerge(a, b))
	assert.ErrorIs(t, GuardAccountingMerge(a, other), ErrCrossTenantMerge)
	assert.ErrorIs(t, GuardAccountingMerge(a, Record{}), ErrCrossTenantMerge)
}

func TestAttachAccountingRefusedAcrossDomains(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(t)
	r := NewResolver(s, zap.NewNop().Sugar())
	seed(t, s, "acme", Patch{Pipedrive: &TokenPair{AccessToken: "pd"}})
	seed(t, s, "widgets", Patch{Pipedrive: &TokenPair{AccessToken: "pd2"}})

	target, err := r.Resolve(ctx, "acme", Pipedrive)
	require.NoError(t, err)

	err = r.AttachAccounting(ctx, target, Record{CompanyDomain: "widgets"},
		TokenPair{AccessToken: "qb", RefreshToken: "qbr"}, "9130357")
	require.ErrorIs(t, err, ErrCrossTenantMerge)

	rec, err := s.Get(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, rec.QuickBooks.Empty(), "no accounting credentials may leak across tenants")
}

func TestAttachAccountingSameDomain(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(t)
	r := NewResolver(s, zap.NewNop().Sugar())
	seed(t, s, "acme", Patch{Pipedrive: &TokenPair{AccessToken: "pd"}})

	target, err := r.Resolve(ctx, "acme", Pipedrive)
	require.NoError(t, err)

	require.NoError(t, r.AttachAccounting(ctx, target, Record{CompanyDomain: "https://acme.pipedrive.com"},
		TokenPair{AccessToken: "qb", RefreshToken: "qbr", Expiry: time.Now().Add(time.Hour)}, "9130357"))

	rec, err := r.Resolve(ctx, "acme", QuickBooks)
	require.NoError(t, err)
	assert.Equal(t, "qb", rec.QuickBooks.AccessToken)
	assert.Equal(t, "9130357", rec.RealmID)
}
