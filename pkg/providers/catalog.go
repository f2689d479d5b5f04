// Package providers holds the endpoint catalog and thin HTTP clients
// for the three external services. Clients take a credential snapshot
// per call and never hold token state of their own.
package providers

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Endpoints is one provider's URL set. APIBase may vary by environment
// (QuickBooks sandbox vs production); the flat APIBase wins when set.
type Endpoints struct {
	AuthURL      string                 `yaml:"auth_url"`
	TokenURL     string                 `yaml:"token_url"`
	JWKSURL      string                 `yaml:"jwks_url"`
	APIBase      string                 `yaml:"api_base"`
	Environments map[string]Environment `yaml:"environments"`
}

type Environment struct {
	APIBase string `yaml:"api_base"`
}

// Base resolves the API base URL for an environment selector.
func (e Endpoints) Base(env string) string {
	if ev, ok := e.Environments[env]; ok && ev.APIBase != "" {
		return ev.APIBase
	}
	return e.APIBase
}

type Catalog struct {
	Pipedrive   Endpoints `yaml:"pipedrive"`
	QuickBooks  Endpoints `yaml:"quickbooks"`
	ShipStation Endpoints `yaml:"shipstation"`
}

// DefaultCatalog carries the well-known production endpoints. A catalog
// file only needs to override what differs (self-hosted mocks, new API
// versions).
func DefaultCatalog() Catalog {
	return Catalog{
		Pipedrive: Endpoints{
			AuthURL:  "https://oauth.pipedrive.com/oauth/authorize",
			TokenURL: "https://oauth.pipedrive.com/oauth/token",
			APIBase:  "https://api.pipedrive.com/v1",
		},
		QuickBooks: Endpoints{
			AuthURL:  "https://appcenter.intuit.com/connect/oauth2",
			TokenURL: "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer",
			JWKSURL:  "https://oauth.platform.intuit.com/op/v1/jwks",
			Environments: map[string]Environment{
				"sandbox":    {APIBase: "https://sandbox-quickbooks.api.intuit.com"},
				"production": {APIBase: "https://quickbooks.api.intuit.com"},
			},
		},
		ShipStation: Endpoints{
			APIBase: "https://ssapi.shipstation.com",
		},
	}
}

// LoadCatalog returns the defaults overlaid with the YAML file at path,
// when one is configured.
func LoadCatalog(path string) (Catalog, error) {
	cat := DefaultCatalog()
	if path == "" {
		return cat, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, err
	}
	if err := yaml.Unmarshal(raw, &cat); err != nil {
		return Catalog{}, err
	}
	return cat, nil
}
