// Package api is the operator and tenant-facing HTTP surface: connection
// status, manual sync triggers, disconnects and the fulfillment
// credential admin endpoint.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"ledgerlink/internal/sync"
	"ledgerlink/pkg/credentials"
	"ledgerlink/pkg/middleware"
)

// App holds shared deps only; request-scoped work goes through context.
type App struct {
	log      *zap.SugaredLogger
	store    credentials.Store
	resolver *credentials.Resolver
	syncer   *sync.Service
}

func New(log *zap.SugaredLogger, store credentials.Store, resolver *credentials.Resolver, syncer *sync.Service) *App {
	return &App{log: log, store: store, resolver: resolver, syncer: syncer}
}

// Mount registers the API routes. The /api subtree resolves the calling
// tenant up front; /admin is installation-wide and has no tenant.
func (a *App) Mount(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.WithTenant(a.resolver, credentials.Pipedrive))
		r.Get("/status", a.getStatus)
		r.Post("/sync/person/{id}", a.postSyncPerson)
		r.Post("/invoices/push", a.postPushInvoices)
		r.Delete("/connections/{provider}", a.deleteConnection)
	})
	r.Route("/admin", func(r chi.Router) {
		r.Put("/shipping", a.putShipping)
		r.Get("/tenants", a.getTenants)
	})
}

func writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
