// internal/oauthflow/jwks.go
package oauthflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const jwksTTL = 6 * time.Hour

// jwksCache caches a JWKS set per URL.
type jwksCache struct {
	mu      sync.Mutex
	url     string
	fetched time.Time
	set     jwk.Set
}

func (c *jwksCache) get(ctx context.Context, url string) (jwk.Set, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set != nil && c.url == url && time.Since(c.fetched) < jwksTTL {
		return c.set, nil
	}
	set, err := jwk.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	c.url, c.fetched, c.set = url, time.Now(), set
	return set, nil
}

// verifyIDToken validates the id_token returned alongside the
// accounting provider's code exchange: signature against the published
// JWKS, audience equal to our client id, standard time claims.
func (c *jwksCache) verifyIDToken(ctx context.Context, raw, jwksURL, clientID string) error {
	if raw == "" {
		return nil
	}
	set, err := c.get(ctx, jwksURL)
	if err != nil {
		return fmt.Errorf("jwks fetch: %w", err)
	}
	_, err = jwt.Parse([]byte(raw),
		jwt.WithKeySet(set),
		jwt.WithAudience(clientID),
		jwt.WithValidate(true),
		jwt.WithVerify(true),
		jwt.WithAcceptableSkew(2*time.Minute),
	)
	if err != nil {
		return fmt.Errorf("id_token verify: %w", err)
	}
	return nil
}
