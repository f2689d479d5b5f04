package tokens

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerlink/pkg/credentials"
)

func TestWithFreshTokenValidMakesNoRefreshCall(t *testing.T) {
	fake := &fakeTokenEndpoint{current: "rt-0"}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	store := newTestStore(t)
	seedPipedrive(t, store, credentials.TokenPair{
		AccessToken: "at-0", RefreshToken: "rt-0", Expiry: time.Now().Add(2 * time.Hour),
	})
	e := newTestEngine(t, store, srv.URL)

	calls := 0
	err := e.WithFreshToken(context.Background(), "acme", credentials.Pipedrive, func(ctx context.Context, rec credentials.Record) error {
		calls++
		assert.Equal(t, "at-0", rec.Pipedrive.AccessToken)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, fake.exchanges(), "valid token must cause zero refresh calls")
}

func TestWithFreshTokenProactiveRefreshThenCall(t *testing.T) {
	fake := &fakeTokenEndpoint{current: "rt-0"}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	store := newTestStore(t)
	seedPipedrive(t, store, credentials.TokenPair{
		AccessToken: "at-0", RefreshToken: "rt-0", Expiry: time.Now().Add(2 * time.Minute),
	})
	e := newTestEngine(t, store, srv.URL)

	var seen string
	err := e.WithFreshToken(context.Background(), "acme", credentials.Pipedrive, func(ctx context.Context, rec credentials.Record) error {
		seen = rec.Pipedrive.AccessToken
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.exchanges())
	assert.Equal(t, "at-1", seen, "call proceeds with the rotated access token")
}

func TestWithFreshTokenReactiveRetryOnce(t *testing.T) {
	fake := &fakeTokenEndpoint{current: "rt-0"}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	store := newTestStore(t)
	// Believed valid, but the provider will say otherwise.
	seedPipedrive(t, store, credentials.TokenPair{
		AccessToken: "at-0", RefreshToken: "rt-0", Expiry: time.Now().Add(2 * time.Hour),
	})
	e := newTestEngine(t, store, srv.URL)

	var tokensSeen []string
	err := e.WithFreshToken(context.Background(), "acme", credentials.Pipedrive, func(ctx context.Context, rec credentials.Record) error {
		tokensSeen = append(tokensSeen, rec.Pipedrive.AccessToken)
		if rec.Pipedrive.AccessToken == "at-0" {
			return ErrUnauthorized
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"at-0", "at-1"}, tokensSeen)
	assert.Equal(t, 1, fake.exchanges())
}

func TestWithFreshTokenSecondAuthFailureIsHard(t *testing.T) {
	fake := &fakeTokenEndpoint{current: "rt-0"}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	store := newTestStore(t)
	seedPipedrive(t, store, credentials.TokenPair{
		AccessToken: "at-0", RefreshToken: "rt-0", Expiry: time.Now().Add(2 * time.Hour),
	})
	e := newTestEngine(t, store, srv.URL)

	calls := 0
	err := e.WithFreshToken(context.Background(), "acme", credentials.Pipedrive, func(ctx context.Context, rec credentials.Record) error {
		calls++
		return ErrUnauthorized
	})
	assert.ErrorIs(t, err, ErrProviderAuth)
	assert.Equal(t, 2, calls, "exactly one retry, no loop")
	assert.Equal(t, 1, fake.exchanges())
}

func TestWithFreshTokenRejectedSkipsRetry(t *testing.T) {
	fake := &fakeTokenEndpoint{failWith: http.StatusBadRequest, body: `{"error":"invalid_grant"}`}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	store := newTestStore(t)
	seedPipedrive(t, store, credentials.TokenPair{
		AccessToken: "at-0", RefreshToken: "rt-0", Expiry: time.Now().Add(time.Minute),
	})
	e := newTestEngine(t, store, srv.URL)

	calls := 0
	err := e.WithFreshToken(context.Background(), "acme", credentials.Pipedrive, func(ctx context.Context, rec credentials.Record) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, ErrRefreshRejected)
	assert.Equal(t, 0, calls, "reauthorization required, original call not attempted")
}

func TestWithFreshTokenSkippedThenAuthFailure(t *testing.T) {
	fake := &fakeTokenEndpoint{current: "rt-0"}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	store := newTestStore(t)
	// Stale access token and nothing to refresh with.
	seedPipedrive(t, store, credentials.TokenPair{
		AccessToken: "at-stale", Expiry: time.Now().Add(-time.Hour),
	})
	e := newTestEngine(t, store, srv.URL)

	calls := 0
	err := e.WithFreshToken(context.Background(), "acme", credentials.Pipedrive, func(ctx context.Context, rec credentials.Record) error {
		calls++
		assert.Equal(t, "at-stale", rec.Pipedrive.AccessToken)
		return ErrUnauthorized
	})
	assert.ErrorIs(t, err, ErrProviderAuth)
	assert.Equal(t, 1, calls, "the call is attempted once, then fails hard")
	assert.Equal(t, 0, fake.exchanges())
}

func TestWithFreshTokenTransientRefreshStillAttemptsCall(t *testing.T) {
	fake := &fakeTokenEndpoint{failWith: http.StatusBadGateway, body: `oops`}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	store := newTestStore(t)
	seedPipedrive(t, store, credentials.TokenPair{
		AccessToken: "at-0", RefreshToken: "rt-0", Expiry: time.Now().Add(time.Minute),
	})
	e := newTestEngine(t, store, srv.URL)

	var seen string
	err := e.WithFreshToken(context.Background(), "acme", credentials.Pipedrive, func(ctx context.Context, rec credentials.Record) error {
		seen = rec.Pipedrive.AccessToken
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "at-0", seen, "old pair stays usable when refresh fails transiently")
}

func TestWithFreshTokenNotConnected(t *testing.T) {
	store := newTestStore(t)
	e := newTestEngine(t, store, "http://127.0.0.1:0")

	err := e.WithFreshToken(context.Background(), "ghost", credentials.Pipedrive, func(ctx context.Context, rec credentials.Record) error {
		t.Fatal("must not be called")
		return nil
	})
	assert.ErrorIs(t, err, credentials.ErrNotFound)
}
