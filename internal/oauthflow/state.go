// internal/oauthflow/state.go
package oauthflow

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const stateTTL = 10 * time.Minute

// stateStore holds short-lived authorize-redirect nonces. Each nonce
// remembers which CRM domain initiated the connect so the callback can
// bind the new credentials to the right tenant.
type stateStore struct {
	mu      sync.Mutex
	entries map[string]stateEntry
	now     func() time.Time
}

type stateEntry struct {
	companyDomain string
	expires       time.Time
}

func newStateStore() *stateStore {
	return &stateStore{entries: map[string]stateEntry{}, now: time.Now}
}

func (s *stateStore) issue(companyDomain string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	nonce := uuid.NewString()
	s.entries[nonce] = stateEntry{companyDomain: companyDomain, expires: s.now().Add(stateTTL)}
	// Opportunistic sweep; the map stays small under normal traffic.
	for k, e := range s.entries {
		if s.now().After(e.expires) {
			delete(s.entries, k)
		}
	}
	return nonce
}

// redeem consumes a nonce. Single use: a replayed state fails.
func (s *stateStore) redeem(nonce string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[nonce]
	if !ok {
		return "", false
	}
	delete(s.entries, nonce)
	if s.now().After(e.expires) {
		return "", false
	}
	return e.companyDomain, true
}
