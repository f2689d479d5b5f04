package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ledgerlink/internal/api"
	"ledgerlink/internal/oauthflow"
	"ledgerlink/internal/sync"
	"ledgerlink/internal/webhooks"
	"ledgerlink/pkg/config"
	"ledgerlink/pkg/credentials"
	"ledgerlink/pkg/db"
	"ledgerlink/pkg/logger"
	"ledgerlink/pkg/middleware"
	"ledgerlink/pkg/providers"
	"ledgerlink/pkg/secrets"
	"ledgerlink/pkg/tokens"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env)

	box, err := secrets.New(cfg.EncryptionKey, log)
	if err != nil {
		log.Fatalw("encryption key", "err", err)
	}

	pool := db.MustConnect(cfg, log)
	rdb := db.MustRedis(cfg, log)

	var store credentials.Store
	if pool != nil {
		if err := credentials.EnsureSchema(context.Background(), pool); err != nil {
			log.Fatalw("schema", "err", err)
		}
		store = credentials.NewPostgresStore(pool, box, log)
	} else {
		store = credentials.NewMemoryStore(box, log)
	}

	cat, err := providers.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		log.Fatalw("provider catalog", "err", err)
	}

	resolver := credentials.NewResolver(store, log)
	engine := tokens.NewEngine(store, map[credentials.Provider]tokens.ProviderSpec{
		credentials.Pipedrive: {
			Name:         credentials.Pipedrive,
			TokenURL:     cat.Pipedrive.TokenURL,
			ClientID:     cfg.Pipedrive.ClientID,
			ClientSecret: cfg.Pipedrive.ClientSecret,
			Lookahead:    cfg.PipedriveRefreshLookahead,
		},
		credentials.QuickBooks: {
			Name:         credentials.QuickBooks,
			TokenURL:     cat.QuickBooks.TokenURL,
			ClientID:     cfg.QuickBooks.ClientID,
			ClientSecret: cfg.QuickBooks.ClientSecret,
			Lookahead:    cfg.QuickBooksRefreshLookahead,
		},
	}, rdb, log)

	pd := providers.NewPipedrive(cat.Pipedrive)
	qbo := providers.NewQuickBooks(cat.QuickBooks, cfg.QuickBooksEnv)
	ship := providers.NewShipStation(cat.ShipStation)

	syncer := sync.New(store, resolver, engine, pd, qbo, ship, log)
	flow := oauthflow.New(cfg, cat, store, resolver, pd, log)
	hooks := webhooks.New(cfg.WebhookSecret, store, syncer, log)
	app := api.New(log, store, resolver, syncer)

	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(log))
	r.Use(middleware.Tracing(cfg))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Get("/connect/{provider}", flow.Connect)
	r.Get("/callback/{provider}", flow.Callback)

	r.Post("/webhooks/pipedrive/person", hooks.Person)
	r.Post("/webhooks/pipedrive/deauthorize", hooks.Deauthorize)

	app.Mount(r)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		log.Infow("sync-service listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("ListenAndServe", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	fmt.Println("sync-service stopped")
}
