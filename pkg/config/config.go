// pkg/config/config.go
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ProviderApp holds the OAuth application credentials for one provider.
// A provider with an empty ClientID is considered unconfigured: the
// connect/callback routes for it are disabled, nothing else fails.
type ProviderApp struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

func (p ProviderApp) Configured() bool { return p.ClientID != "" && p.ClientSecret != "" }

type Config struct {
	Env      string
	HTTPAddr string

	BasePublicURL string

	// OAuth apps (tenant tokens are stored per tenant; these are ours)
	Pipedrive  ProviderApp
	QuickBooks ProviderApp

	// sandbox | production, selects QuickBooks base URLs from the catalog
	QuickBooksEnv string

	// Symmetric key for at-rest encryption of stored secrets.
	// secrets.New rejects anything shorter than 16 chars at startup.
	EncryptionKey string

	// Secret used to verify the CRM deauthorization webhook signature.
	WebhookSecret string

	// How far ahead of expiry a token counts as expiring. The two
	// providers rotate on different lifetimes, so each gets its own knob.
	PipedriveRefreshLookahead  time.Duration
	QuickBooksRefreshLookahead time.Duration

	// Cron spec for the paid-invoice poller.
	PollSchedule string

	CatalogPath string

	RedisURL    string
	DatabaseURL string
}

func Load() Config {
	_ = godotenv.Load()
	cfg := Config{
		Env:           env("LEDGERLINK_ENV", "dev"),
		HTTPAddr:      env("LEDGERLINK_HTTP_ADDR", ":8080"),
		BasePublicURL: env("BASE_PUBLIC_URL", "http://localhost:8080"),
		Pipedrive: ProviderApp{
			ClientID:     env("PIPEDRIVE_CLIENT_ID", ""),
			ClientSecret: env("PIPEDRIVE_CLIENT_SECRET", ""),
			RedirectURI:  env("PIPEDRIVE_REDIRECT_URI", ""),
		},
		QuickBooks: ProviderApp{
			ClientID:     env("QBO_CLIENT_ID", ""),
			ClientSecret: env("QBO_CLIENT_SECRET", ""),
			RedirectURI:  env("QBO_REDIRECT_URI", ""),
		},
		QuickBooksEnv:              env("QBO_ENV", "sandbox"),
		EncryptionKey:              env("ENCRYPTION_KEY", ""),
		WebhookSecret:              env("WEBHOOK_SECRET", ""),
		PipedriveRefreshLookahead:  envDur("PIPEDRIVE_REFRESH_LOOKAHEAD_SEC", 600) * time.Second,
		QuickBooksRefreshLookahead: envDur("QBO_REFRESH_LOOKAHEAD_SEC", 600) * time.Second,
		PollSchedule:               env("POLL_SCHEDULE", "0 */10 * * * *"),
		CatalogPath:                env("PROVIDER_CATALOG", ""),
		RedisURL:                   env("REDIS_URL", ""),
		DatabaseURL:                env("DATABASE_URL", ""),
	}
	if cfg.DatabaseURL == "" {
		log.Println("[WARN] DATABASE_URL not set, using in-memory credential store for dev")
	}
	return cfg
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func envBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		b, _ := strconv.ParseBool(v)
		return b
	}
	return def
}
func envDur(k string, def int) time.Duration {
	if v := os.Getenv(k); v != "" {
		i, _ := strconv.Atoi(v)
		return time.Duration(i)
	}
	return time.Duration(def)
}
