// Package webhooks receives the CRM's push notifications: person
// changes feeding the sync flow, and the deauthorization callback that
// removes a tenant. Every request is HMAC-verified before any state
// changes.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"ledgerlink/internal/sync"
	"ledgerlink/pkg/credentials"
	"ledgerlink/pkg/problems"
)

const signatureHeader = "X-Webhook-Signature"

type Handler struct {
	secret string
	store  credentials.Store
	syncer *sync.Service
	log    *zap.SugaredLogger
}

func New(secret string, store credentials.Store, syncer *sync.Service, log *zap.SugaredLogger) *Handler {
	return &Handler{secret: secret, store: store, syncer: syncer, log: log}
}

// verify checks the hex HMAC-SHA256 of the raw body. An unverified
// request is rejected before any parsing; a missing secret rejects
// everything rather than accepting everything.
func (h *Handler) verify(r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, false
	}
	if h.secret == "" {
		return nil, false
	}
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	got := strings.TrimPrefix(r.Header.Get(signatureHeader), "sha256=")
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(got))) {
		return nil, false
	}
	return body, true
}

type personEvent struct {
	Event   string `json:"event"`
	Current struct {
		ID int `json:"id"`
	} `json:"current"`
	Meta struct {
		Host string `json:"host"`
	} `json:"meta"`
}

// Person handles added.person and updated.person notifications.
func (h *Handler) Person(w http.ResponseWriter, r *http.Request) {
	body, ok := h.verify(r)
	if !ok {
		problems.Write(w, http.StatusUnauthorized, "bad-signature", "webhook signature invalid")
		return
	}
	var ev personEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		problems.Write(w, http.StatusBadRequest, "bad-payload", "unparseable webhook body")
		return
	}
	if ev.Current.ID == 0 || ev.Meta.Host == "" {
		problems.Write(w, http.StatusBadRequest, "bad-payload", "missing person id or host")
		return
	}
	if !strings.HasPrefix(ev.Event, "added.person") && !strings.HasPrefix(ev.Event, "updated.person") {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := h.syncer.SyncPerson(r.Context(), ev.Meta.Host, ev.Current.ID); err != nil {
		// Non-2xx makes the CRM redeliver; the sync is an upsert so the
		// retry is safe.
		h.log.Warnw("person webhook sync failed", "host", ev.Meta.Host, "person", ev.Current.ID, "err", err)
		problems.Write(w, http.StatusBadGateway, "sync-failed", "person sync failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type deauthEvent struct {
	CompanyDomain string `json:"company_domain"`
}

// Deauthorize is the app-uninstall callback. The record is removed
// outright: tokens for an uninstalled app are dead weight, and keeping
// them would leave secrets at rest for a tenant that revoked us.
func (h *Handler) Deauthorize(w http.ResponseWriter, r *http.Request) {
	body, ok := h.verify(r)
	if !ok {
		problems.Write(w, http.StatusUnauthorized, "bad-signature", "webhook signature invalid")
		return
	}
	var ev deauthEvent
	if err := json.Unmarshal(body, &ev); err != nil || ev.CompanyDomain == "" {
		problems.Write(w, http.StatusBadRequest, "bad-payload", "missing company_domain")
		return
	}
	err := h.store.Delete(r.Context(), ev.CompanyDomain)
	if errors.Is(err, credentials.ErrNotFound) {
		// Redelivered uninstall for an already-removed tenant.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		h.log.Errorw("deauthorize delete failed", "tenant", ev.CompanyDomain, "err", err)
		problems.Write(w, http.StatusInternalServerError, "delete-failed", "could not remove tenant")
		return
	}
	h.log.Infow("tenant deauthorized", "tenant", credentials.Normalize(ev.CompanyDomain))
	w.WriteHeader(http.StatusNoContent)
}
