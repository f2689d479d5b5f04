package credentials

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ledgerlink/pkg/secrets"
)

func testBox(t *testing.T) *secrets.Box {
	t.Helper()
	box, err := secrets.New("unit-test-encryption-key", zap.NewNop().Sugar())
	require.NoError(t, err)
	return box
}

func newMemStore(t *testing.T) *memStore {
	t.Helper()
	return NewMemoryStore(testBox(t), zap.NewNop().Sugar()).(*memStore)
}

func strptr(s string) *string { return &s }

func TestNormalize(t *testing.T) {
	for in, want := range map[string]string{
		"acme":                              "acme",
		"Acme":                              "acme",
		"acme.pipedrive.com":                "acme",
		"https://acme.pipedrive.com":        "acme",
		"http://acme.pipedrive.com/":        "acme",
		" acme.pipedrive.com ":              "acme",
		"5521":                              "5521",
		"https://widgets.pipedrive.com":     "widgets",
		"widgets-staging.pipedrive.com":     "widgets-staging",
	} {
		assert.Equal(t, want, Normalize(in), "input %q", in)
	}
}

func TestSetInsertsCanonical(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(t)

	require.NoError(t, s.Set(ctx, "https://acme.pipedrive.com", Patch{
		Pipedrive: &TokenPair{AccessToken: "at", RefreshToken: "rt", Expiry: time.Now().Add(time.Hour)},
	}))

	rec, err := s.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", rec.CompanyDomain)
	assert.Equal(t, "at", rec.Pipedrive.AccessToken)
	assert.Equal(t, "rt", rec.Pipedrive.RefreshToken)
}

func TestGetLookupVariants(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(t)
	require.NoError(t, s.Set(ctx, "acme", Patch{Pipedrive: &TokenPair{AccessToken: "at"}}))

	for _, id := range []string{"acme", "acme.pipedrive.com", "https://acme.pipedrive.com", "HTTP://ACME.PIPEDRIVE.COM/"} {
		rec, err := s.Get(ctx, id)
		require.NoError(t, err, "identifier %q", id)
		assert.Equal(t, "acme", rec.CompanyDomain)
	}
}

func TestSetMergesColumnWise(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(t)

	require.NoError(t, s.Set(ctx, "acme", Patch{
		UserID:    strptr("5521"),
		Pipedrive: &TokenPair{AccessToken: "pd-at", RefreshToken: "pd-rt"},
	}))
	require.NoError(t, s.Set(ctx, "acme", Patch{
		QuickBooks: &TokenPair{AccessToken: "qb-at", RefreshToken: "qb-rt"},
		RealmID:    strptr("9130357"),
	}))

	rec, err := s.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "5521", rec.UserID)
	assert.Equal(t, "pd-at", rec.Pipedrive.AccessToken)
	assert.Equal(t, "qb-at", rec.QuickBooks.AccessToken)
	assert.Equal(t, "9130357", rec.RealmID)

	keys, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 1, "merge must not create duplicates")
}

func TestCreatedAtIsStampedOnceUpdatedAtMoves(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Set(ctx, "acme", Patch{Pipedrive: &TokenPair{AccessToken: "a"}}))
	now = now.Add(time.Hour)
	require.NoError(t, s.Set(ctx, "acme", Patch{UserID: strptr("5521")}))

	rec, err := s.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, now.Add(-time.Hour), rec.CreatedAt)
	assert.Equal(t, now, rec.UpdatedAt)
}

func TestSecretsEncryptedAtRest(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(t)
	require.NoError(t, s.Set(ctx, "acme", Patch{Pipedrive: &TokenPair{AccessToken: "super-secret"}}))

	// Reach under the store boundary: the raw row must not hold plaintext.
	raw := s.byKey["acme"]
	assert.NotEqual(t, "super-secret", raw.Pipedrive.AccessToken)
	assert.NotEmpty(t, raw.Pipedrive.AccessToken)

	rec, err := s.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "super-secret", rec.Pipedrive.AccessToken)
}

func TestClearProviderKeepsRecord(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(t)
	require.NoError(t, s.Set(ctx, "acme", Patch{
		Pipedrive:  &TokenPair{AccessToken: "pd"},
		QuickBooks: &TokenPair{AccessToken: "qb"},
		RealmID:    strptr("123"),
	}))

	require.NoError(t, s.ClearProvider(ctx, "acme", QuickBooks))

	rec, err := s.Get(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, rec.QuickBooks.Empty())
	assert.Empty(t, rec.RealmID)
	assert.Equal(t, "pd", rec.Pipedrive.AccessToken, "other provider preserved")
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(t)
	require.NoError(t, s.Set(ctx, "acme", Patch{Pipedrive: &TokenPair{AccessToken: "pd"}}))
	require.NoError(t, s.Delete(ctx, "https://acme.pipedrive.com"))

	_, err := s.Get(ctx, "acme")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "acme"), ErrNotFound)
}

func TestShippingSingleton(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(t)

	_, err := s.Shipping(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetShipping(ctx, ShippingCredentials{APIKey: "k1", APISecret: "s1"}))
	require.NoError(t, s.SetShipping(ctx, ShippingCredentials{APIKey: "k2", APISecret: "s2"}))

	c, err := s.Shipping(ctx)
	require.NoError(t, err)
	assert.Equal(t, "k2", c.APIKey)
	assert.Equal(t, "s2", c.APISecret)
	assert.NotEqual(t, "k2", s.shipping.APIKey, "stored form is encrypted")
}
