// pkg/credentials/memory.go
package credentials

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"ledgerlink/pkg/secrets"
)

// memStore keeps records in process memory. Dev and test backend; the
// encryption boundary is the same as the postgres store so nothing held
// here is plaintext either.
type memStore struct {
	log *zap.SugaredLogger
	box *secrets.Box

	mu       sync.RWMutex
	byKey    map[string]*Record
	shipping ShippingCredentials

	now func() time.Time
}

func NewMemoryStore(box *secrets.Box, log *zap.SugaredLogger) Store {
	return &memStore{log: log, box: box, byKey: map[string]*Record{}, now: time.Now}
}

func (m *memStore) Get(ctx context.Context, identifier string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, err := m.lookupLocked(identifier)
	if err != nil {
		return Record{}, err
	}
	return m.decrypt(*rec), nil
}

// lookupLocked tries the canonical key then the suffixed legacy key.
func (m *memStore) lookupLocked(identifier string) (*Record, error) {
	norm := Normalize(identifier)
	if rec, ok := m.byKey[norm]; ok {
		return rec, nil
	}
	if rec, ok := m.byKey[norm+domainSuffix]; ok {
		return rec, nil
	}
	return nil, ErrNotFound
}

func (m *memStore) Set(ctx context.Context, identifier string, p Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.lookupLocked(identifier)
	if err != nil {
		key := Normalize(identifier)
		rec = &Record{CompanyDomain: key, CreatedAt: m.now()}
		m.byKey[key] = rec
	}
	if p.UserID != nil {
		rec.UserID = *p.UserID
	}
	if p.RealmID != nil {
		rec.RealmID = *p.RealmID
	}
	if p.Pipedrive != nil {
		enc, err := m.encryptPair(*p.Pipedrive)
		if err != nil {
			return err
		}
		rec.Pipedrive = enc
	}
	if p.QuickBooks != nil {
		enc, err := m.encryptPair(*p.QuickBooks)
		if err != nil {
			return err
		}
		rec.QuickBooks = enc
	}
	if p.PipedriveRefreshedAt != nil {
		rec.PipedriveRefreshedAt = *p.PipedriveRefreshedAt
	}
	if p.QuickBooksRefreshedAt != nil {
		rec.QuickBooksRefreshedAt = *p.QuickBooksRefreshedAt
	}
	rec.UpdatedAt = m.now()
	return nil
}

func (m *memStore) FindByUserID(ctx context.Context, userID string) (Record, error) {
	if userID == "" {
		return Record{}, ErrNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.byKey {
		if rec.UserID == userID {
			return m.decrypt(*rec), nil
		}
	}
	return Record{}, ErrNotFound
}

func (m *memStore) List(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.byKey))
	for k := range m.byKey {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *memStore) All(ctx context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.byKey))
	for _, rec := range m.byKey {
		out = append(out, m.decrypt(*rec))
	}
	return out, nil
}

func (m *memStore) ClearProvider(ctx context.Context, identifier string, p Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.lookupLocked(identifier)
	if err != nil {
		return err
	}
	switch p {
	case QuickBooks:
		rec.QuickBooks = TokenPair{}
		rec.RealmID = ""
	default:
		rec.Pipedrive = TokenPair{}
	}
	rec.UpdatedAt = m.now()
	return nil
}

func (m *memStore) Delete(ctx context.Context, identifier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.lookupLocked(identifier)
	if err != nil {
		return err
	}
	delete(m.byKey, rec.CompanyDomain)
	return nil
}

func (m *memStore) Shipping(ctx context.Context) (ShippingCredentials, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.shipping.APIKey == "" {
		return ShippingCredentials{}, ErrNotFound
	}
	return ShippingCredentials{
		APIKey:    m.box.Decrypt(m.shipping.APIKey),
		APISecret: m.box.Decrypt(m.shipping.APISecret),
		UpdatedAt: m.shipping.UpdatedAt,
	}, nil
}

func (m *memStore) SetShipping(ctx context.Context, c ShippingCredentials) error {
	key, err := m.box.Encrypt(c.APIKey)
	if err != nil {
		return err
	}
	sec, err := m.box.Encrypt(c.APISecret)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shipping = ShippingCredentials{APIKey: key, APISecret: sec, UpdatedAt: m.now()}
	return nil
}

func (m *memStore) encryptPair(t TokenPair) (TokenPair, error) {
	access, err := m.box.Encrypt(t.AccessToken)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := m.box.Encrypt(t.RefreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh, Expiry: t.Expiry}, nil
}

func (m *memStore) decrypt(rec Record) Record {
	rec.Pipedrive.AccessToken = m.box.Decrypt(rec.Pipedrive.AccessToken)
	rec.Pipedrive.RefreshToken = m.box.Decrypt(rec.Pipedrive.RefreshToken)
	rec.QuickBooks.AccessToken = m.box.Decrypt(rec.QuickBooks.AccessToken)
	rec.QuickBooks.RefreshToken = m.box.Decrypt(rec.QuickBooks.RefreshToken)
	return rec
}
