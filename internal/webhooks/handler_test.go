package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ledgerlink/pkg/credentials"
	"ledgerlink/pkg/secrets"
)

const testSecret = "hook-secret"

func testStore(t *testing.T) credentials.Store {
	t.Helper()
	log := zap.NewNop().Sugar()
	box, err := secrets.New("0123456789abcdef", log)
	require.NoError(t, err)
	return credentials.NewMemoryStore(box, log)
}

func sign(body string) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func post(h http.HandlerFunc, body, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	if sig != "" {
		req.Header.Set(signatureHeader, sig)
	}
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

func TestDeauthorizeDeletesRecord(t *testing.T) {
	store := testStore(t)
	require.NoError(t, store.Set(context.Background(), "acme", credentials.Patch{
		Pipedrive: &credentials.TokenPair{AccessToken: "at", RefreshToken: "rt"},
	}))
	h := New(testSecret, store, nil, zap.NewNop().Sugar())

	body := `{"company_domain":"acme.pipedrive.com"}`
	w := post(h.Deauthorize, body, sign(body))
	assert.Equal(t, http.StatusNoContent, w.Code)

	_, err := store.Get(context.Background(), "acme")
	assert.ErrorIs(t, err, credentials.ErrNotFound)
}

func TestDeauthorizeRedeliveryIsIdempotent(t *testing.T) {
	h := New(testSecret, testStore(t), nil, zap.NewNop().Sugar())
	body := `{"company_domain":"gone"}`
	w := post(h.Deauthorize, body, sign(body))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestDeauthorizeBadSignatureChangesNothing(t *testing.T) {
	store := testStore(t)
	require.NoError(t, store.Set(context.Background(), "acme", credentials.Patch{
		Pipedrive: &credentials.TokenPair{AccessToken: "at"},
	}))
	h := New(testSecret, store, nil, zap.NewNop().Sugar())

	body := `{"company_domain":"acme"}`
	w := post(h.Deauthorize, body, "deadbeef")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	_, err := store.Get(context.Background(), "acme")
	assert.NoError(t, err, "record must survive an unverified request")
}

func TestDeauthorizeMissingSecretRejects(t *testing.T) {
	h := New("", testStore(t), nil, zap.NewNop().Sugar())
	body := `{"company_domain":"acme"}`
	w := post(h.Deauthorize, body, sign(body))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPersonIgnoresOtherEvents(t *testing.T) {
	// A nil sync service would panic if the handler tried to sync.
	h := New(testSecret, testStore(t), nil, zap.NewNop().Sugar())
	body := `{"event":"deleted.deal","current":{"id":7},"meta":{"host":"acme.pipedrive.com"}}`
	w := post(h.Person, body, sign(body))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestPersonBadSignature(t *testing.T) {
	h := New(testSecret, testStore(t), nil, zap.NewNop().Sugar())
	body := `{"event":"added.person","current":{"id":7},"meta":{"host":"acme.pipedrive.com"}}`
	w := post(h.Person, body, sign(body+"tampered"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPersonSignaturePrefixAccepted(t *testing.T) {
	h := New(testSecret, testStore(t), nil, zap.NewNop().Sugar())
	body := `{"event":"deleted.deal","current":{"id":7},"meta":{"host":"acme"}}`
	w := post(h.Person, body, "sha256="+sign(body))
	assert.Equal(t, http.StatusNoContent, w.Code)
}
