// internal/api/handlers.go
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"ledgerlink/pkg/credentials"
	"ledgerlink/pkg/middleware"
	"ledgerlink/pkg/problems"
)

func (a *App) getStatus(w http.ResponseWriter, r *http.Request) {
	rec := middleware.TenantFrom(r.Context())
	writeJSON(w, map[string]any{
		"company_domain":       rec.CompanyDomain,
		"user_id":              rec.UserID,
		"pipedrive_connected":  rec.Connected(credentials.Pipedrive),
		"quickbooks_connected": rec.Connected(credentials.QuickBooks),
		"realm_id":             rec.RealmID,
		"created_at":           rec.CreatedAt,
		"updated_at":           rec.UpdatedAt,
	}, http.StatusOK)
}

func (a *App) postSyncPerson(w http.ResponseWriter, r *http.Request) {
	rec := middleware.TenantFrom(r.Context())
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		problems.Write(w, http.StatusBadRequest, "bad-person-id", "person id must be a positive integer")
		return
	}
	if err := a.syncer.SyncPerson(r.Context(), rec.CompanyDomain, id); err != nil {
		a.log.Warnw("manual person sync failed", "tenant", rec.CompanyDomain, "person", id, "err", err)
		problems.Write(w, http.StatusBadGateway, "sync-failed", "person sync failed")
		return
	}
	writeJSON(w, map[string]any{"ok": true}, http.StatusOK)
}

func (a *App) postPushInvoices(w http.ResponseWriter, r *http.Request) {
	rec := middleware.TenantFrom(r.Context())
	var body struct {
		Since time.Time `json:"since"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	since := body.Since
	if since.IsZero() {
		since = time.Now().Add(-24 * time.Hour)
	}
	pushed, err := a.syncer.PushPaidInvoices(r.Context(), rec.CompanyDomain, since)
	if err != nil {
		if errors.Is(err, credentials.ErrNotConnected) {
			problems.Write(w, http.StatusConflict, "not-connected", "accounting not connected")
			return
		}
		a.log.Warnw("manual invoice push failed", "tenant", rec.CompanyDomain, "err", err)
		problems.Write(w, http.StatusBadGateway, "push-failed", "invoice push failed")
		return
	}
	writeJSON(w, map[string]any{"pushed": pushed}, http.StatusOK)
}

func (a *App) deleteConnection(w http.ResponseWriter, r *http.Request) {
	rec := middleware.TenantFrom(r.Context())
	var p credentials.Provider
	switch chi.URLParam(r, "provider") {
	case "pipedrive":
		p = credentials.Pipedrive
	case "quickbooks":
		p = credentials.QuickBooks
	default:
		problems.Write(w, http.StatusNotFound, "unknown-provider", "unknown provider")
		return
	}
	if err := a.syncer.Disconnect(r.Context(), rec.CompanyDomain, p); err != nil {
		problems.Write(w, http.StatusInternalServerError, "disconnect-failed", "could not disconnect")
		return
	}
	writeJSON(w, map[string]any{"ok": true}, http.StatusOK)
}

func (a *App) putShipping(w http.ResponseWriter, r *http.Request) {
	var body struct {
		APIKey    string `json:"api_key"`
		APISecret string `json:"api_secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		problems.Write(w, http.StatusBadRequest, "bad-json", "unparseable body")
		return
	}
	if strings.TrimSpace(body.APIKey) == "" || strings.TrimSpace(body.APISecret) == "" {
		problems.Write(w, http.StatusBadRequest, "missing-fields", "api_key and api_secret required")
		return
	}
	if err := a.store.SetShipping(r.Context(), credentials.ShippingCredentials{
		APIKey:    body.APIKey,
		APISecret: body.APISecret,
	}); err != nil {
		a.log.Errorw("storing fulfillment credentials", "err", err)
		problems.Write(w, http.StatusInternalServerError, "store-failed", "could not persist credentials")
		return
	}
	writeJSON(w, map[string]any{"ok": true}, http.StatusOK)
}

func (a *App) getTenants(w http.ResponseWriter, r *http.Request) {
	keys, err := a.store.List(r.Context())
	if err != nil {
		problems.Write(w, http.StatusInternalServerError, "list-failed", "could not list tenants")
		return
	}
	writeJSON(w, map[string]any{"tenants": keys}, http.StatusOK)
}
