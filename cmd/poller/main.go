package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"ledgerlink/internal/sync"
	"ledgerlink/pkg/config"
	"ledgerlink/pkg/credentials"
	"ledgerlink/pkg/db"
	"ledgerlink/pkg/logger"
	"ledgerlink/pkg/providers"
	"ledgerlink/pkg/secrets"
	"ledgerlink/pkg/tokens"
)

// The poller runs the paid-invoice sweep on a cron schedule, sharing
// the store (and via Redis the refresh lock) with the HTTP service.
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

	c := cron.New(cron.WithSeconds())
	_, err = c.AddFunc(cfg.PollSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		syncer.RunPoll(ctx)
	})
	if err != nil {
		log.Fatalw("cron schedule", "spec", cfg.PollSchedule, "err", err)
	}
	c.Start()
	log.Infow("poller started", "schedule", cfg.PollSchedule)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	<-c.Stop().Done()
	fmt.Println("poller stopped")
}
