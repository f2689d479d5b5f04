// Package oauthflow implements the tenant-facing connect and callback
// endpoints for both providers. A successful CRM callback creates the
// tenant's record; a successful accounting callback attaches to an
// existing record, guarded against cross-tenant merges.
package oauthflow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"ledgerlink/pkg/config"
	"ledgerlink/pkg/credentials"
	"ledgerlink/pkg/problems"
	"ledgerlink/pkg/providers"
)

type Flow struct {
	cfg      config.Config
	cat      providers.Catalog
	store    credentials.Store
	resolver *credentials.Resolver
	pd       *providers.PipedriveClient
	states   *stateStore
	jwks     *jwksCache
	log      *zap.SugaredLogger
}

func New(cfg config.Config, cat providers.Catalog, store credentials.Store, resolver *credentials.Resolver, pd *providers.PipedriveClient, log *zap.SugaredLogger) *Flow {
	return &Flow{
		cfg:      cfg,
		cat:      cat,
		store:    store,
		resolver: resolver,
		pd:       pd,
		states:   newStateStore(),
		jwks:     &jwksCache{},
		log:      log,
	}
}

func (f *Flow) oauthConfig(p credentials.Provider) (*oauth2.Config, bool) {
	switch p {
	case credentials.Pipedrive:
		if !f.cfg.Pipedrive.Configured() {
			return nil, false
		}
		return &oauth2.Config{
			ClientID:     f.cfg.Pipedrive.ClientID,
			ClientSecret: f.cfg.Pipedrive.ClientSecret,
			RedirectURL:  f.cfg.Pipedrive.RedirectURI,
			Endpoint: oauth2.Endpoint{
				AuthURL:   f.cat.Pipedrive.AuthURL,
				TokenURL:  f.cat.Pipedrive.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		}, true
	case credentials.QuickBooks:
		if !f.cfg.QuickBooks.Configured() {
			return nil, false
		}
		return &oauth2.Config{
			ClientID:     f.cfg.QuickBooks.ClientID,
			ClientSecret: f.cfg.QuickBooks.ClientSecret,
			RedirectURL:  f.cfg.QuickBooks.RedirectURI,
			Scopes:       []string{"com.intuit.quickbooks.accounting", "openid"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   f.cat.QuickBooks.AuthURL,
				TokenURL:  f.cat.QuickBooks.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		}, true
	}
	return nil, false
}

func providerFromPath(r *http.Request) credentials.Provider {
	switch chi.URLParam(r, "provider") {
	case "pipedrive":
		return credentials.Pipedrive
	case "quickbooks":
		return credentials.QuickBooks
	}
	return ""
}

// Connect issues the authorize redirect. The accounting connect must
// carry the tenant's CRM domain so the callback knows which record to
// attach to; the CRM connect needs nothing, its callback learns the
// domain from the provider itself.
func (f *Flow) Connect(w http.ResponseWriter, r *http.Request) {
	p := providerFromPath(r)
	oc, ok := f.oauthConfig(p)
	if !ok {
		problems.Write(w, http.StatusNotFound, "provider-unconfigured", "provider not configured")
		return
	}
	domain := credentials.Normalize(r.URL.Query().Get("company_domain"))
	if p == credentials.QuickBooks && domain == "" {
		problems.Write(w, http.StatusBadRequest, "missing-tenant", "company_domain required for accounting connect")
		return
	}
	state := f.states.issue(domain)
	http.Redirect(w, r, oc.AuthCodeURL(state), http.StatusFound)
}

// Callback completes the code exchange and persists the credentials.
func (f *Flow) Callback(w http.ResponseWriter, r *http.Request) {
	p := providerFromPath(r)
	oc, ok := f.oauthConfig(p)
	if !ok {
		problems.Write(w, http.StatusNotFound, "provider-unconfigured", "provider not configured")
		return
	}
	if errCode := r.URL.Query().Get("error"); errCode != "" {
		problems.Write(w, http.StatusBadRequest, "authorize-denied", errCode)
		return
	}
	stateDomain, ok := f.states.redeem(r.URL.Query().Get("state"))
	if !ok {
		problems.Write(w, http.StatusBadRequest, "bad-state", "unknown or expired state")
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		problems.Write(w, http.StatusBadRequest, "missing-code", "no authorization code")
		return
	}

	tok, err := oc.Exchange(r.Context(), code)
	if err != nil {
		f.log.Warnw("code exchange failed", "provider", p, "err", err)
		problems.Write(w, http.StatusBadGateway, "exchange-failed", "code exchange failed")
		return
	}
	pair := credentials.TokenPair{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}

	switch p {
	case credentials.Pipedrive:
		f.finishCRM(w, r, pair)
	case credentials.QuickBooks:
		f.finishAccounting(w, r, stateDomain, pair)
	}
}

// finishCRM creates or updates the tenant record. The authorizing user
// and company domain come from the provider, not the caller, so the
// record key cannot be spoofed through the redirect.
func (f *Flow) finishCRM(w http.ResponseWriter, r *http.Request, pair credentials.TokenPair) {
	probe := credentials.Record{Pipedrive: pair}
	userID, domain, err := f.pd.CurrentUser(r.Context(), probe)
	if err != nil {
		f.log.Warnw("users/me after connect failed", "err", err)
		problems.Write(w, http.StatusBadGateway, "identity-lookup-failed", "could not identify authorizing user")
		return
	}
	uid := strconv.Itoa(userID)
	if err := f.store.Set(r.Context(), domain, credentials.Patch{
		UserID:    &uid,
		Pipedrive: &pair,
	}); err != nil {
		f.log.Errorw("persisting crm credentials", "tenant", domain, "err", err)
		problems.Write(w, http.StatusInternalServerError, "store-failed", "could not persist credentials")
		return
	}
	f.log.Infow("crm connected", "tenant", credentials.Normalize(domain), "user_id", uid)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<html><body>Pipedrive connected. You can close this window.</body></html>"))
}

// finishAccounting attaches the accounting pair and realm to the tenant
// record named at connect time. The id_token, when present, is verified
// against the provider's JWKS before anything is stored.
func (f *Flow) finishAccounting(w http.ResponseWriter, r *http.Request, stateDomain string, pair credentials.TokenPair) {
	realmID := r.URL.Query().Get("realmId")
	if realmID == "" {
		problems.Write(w, http.StatusBadRequest, "missing-realm", "no realmId on callback")
		return
	}
	if raw := r.URL.Query().Get("id_token"); raw != "" {
		if err := f.jwks.verifyIDToken(r.Context(), raw, f.cat.QuickBooks.JWKSURL, f.cfg.QuickBooks.ClientID); err != nil {
			f.log.Warnw("id_token rejected", "err", err)
			problems.Write(w, http.StatusUnauthorized, "bad-id-token", "id_token verification failed")
			return
		}
	}

	target, err := f.resolver.Resolve(r.Context(), stateDomain, credentials.Pipedrive)
	if err != nil {
		problems.Write(w, http.StatusConflict, "crm-not-connected", "connect the CRM before accounting")
		return
	}
	source := credentials.Record{CompanyDomain: stateDomain}
	if err := f.resolver.AttachAccounting(r.Context(), target, source, pair, realmID); err != nil {
		if errors.Is(err, credentials.ErrCrossTenantMerge) {
			f.log.Warnw("accounting merge refused", "state_domain", stateDomain, "target", target.CompanyDomain)
			problems.Write(w, http.StatusConflict, "cross-tenant", "refusing to attach accounting to a different tenant")
			return
		}
		f.log.Errorw("persisting accounting credentials", "tenant", target.CompanyDomain, "err", err)
		problems.Write(w, http.StatusInternalServerError, "store-failed", "could not persist credentials")
		return
	}
	f.log.Infow("accounting connected", "tenant", target.CompanyDomain, "realm", realmID)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<html><body>QuickBooks connected. You can close this window.</body></html>"))
}
