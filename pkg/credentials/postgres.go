// pkg/credentials/postgres.go
package credentials

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"ledgerlink/pkg/secrets"
)

// pgStore implements Store backed by PostgreSQL.
type pgStore struct {
	dbPool *pgxpool.Pool
	box    *secrets.Box
	log    *zap.SugaredLogger
}

// NewPostgresStore constructs a PostgreSQL-backed credential store.
func NewPostgresStore(dbPool *pgxpool.Pool, box *secrets.Box, log *zap.SugaredLogger) Store {
	return &pgStore{dbPool: dbPool, box: box, log: log}
}

// EnsureSchema creates required tables if they do not already exist.
// Safe to call repeatedly (idempotent). user_id is indexed so alternate-id
// resolution does not scan the table.
func EnsureSchema(ctx context.Context, dbPool *pgxpool.Pool) error {
	_, err := dbPool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tenant_credentials (
  company_domain text PRIMARY KEY,
  user_id text,
  pd_access_token text,
  pd_refresh_token text,
  pd_token_expiry timestamptz,
  pd_refreshed_at timestamptz,
  qbo_access_token text,
  qbo_refresh_token text,
  qbo_token_expiry timestamptz,
  qbo_realm_id text,
  qbo_refreshed_at timestamptz,
  created_at timestamptz NOT NULL DEFAULT NOW(),
  updated_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS tenant_credentials_user_id_idx ON tenant_credentials(user_id);
CREATE TABLE IF NOT EXISTS shipping_credentials (
  singleton boolean PRIMARY KEY DEFAULT true CHECK (singleton),
  api_key text,
  api_secret text,
  updated_at timestamptz NOT NULL DEFAULT NOW()
);
-- Backfill / ensure new columns exist (for upgrades)
ALTER TABLE tenant_credentials ADD COLUMN IF NOT EXISTS qbo_realm_id text;
ALTER TABLE tenant_credentials ADD COLUMN IF NOT EXISTS pd_refreshed_at timestamptz;
ALTER TABLE tenant_credentials ADD COLUMN IF NOT EXISTS qbo_refreshed_at timestamptz;
`)
	return err
}

const recordColumns = `company_domain, COALESCE(user_id,''),
  COALESCE(pd_access_token,''), COALESCE(pd_refresh_token,''), pd_token_expiry, pd_refreshed_at,
  COALESCE(qbo_access_token,''), COALESCE(qbo_refresh_token,''), qbo_token_expiry, COALESCE(qbo_realm_id,''), qbo_refreshed_at,
  created_at, updated_at`

func (s *pgStore) scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	var pdExp, pdRef, qbExp, qbRef *time.Time
	if err := row.Scan(&rec.CompanyDomain, &rec.UserID,
		&rec.Pipedrive.AccessToken, &rec.Pipedrive.RefreshToken, &pdExp, &pdRef,
		&rec.QuickBooks.AccessToken, &rec.QuickBooks.RefreshToken, &qbExp, &rec.RealmID, &qbRef,
		&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	if pdExp != nil {
		rec.Pipedrive.Expiry = *pdExp
	}
	if pdRef != nil {
		rec.PipedriveRefreshedAt = *pdRef
	}
	if qbExp != nil {
		rec.QuickBooks.Expiry = *qbExp
	}
	if qbRef != nil {
		rec.QuickBooksRefreshedAt = *qbRef
	}
	rec.Pipedrive.AccessToken = s.box.Decrypt(rec.Pipedrive.AccessToken)
	rec.Pipedrive.RefreshToken = s.box.Decrypt(rec.Pipedrive.RefreshToken)
	rec.QuickBooks.AccessToken = s.box.Decrypt(rec.QuickBooks.AccessToken)
	rec.QuickBooks.RefreshToken = s.box.Decrypt(rec.QuickBooks.RefreshToken)
	return rec, nil
}

func (s *pgStore) Get(ctx context.Context, identifier string) (Record, error) {
	norm := Normalize(identifier)
	row := s.dbPool.QueryRow(ctx, `SELECT `+recordColumns+` FROM tenant_credentials
	  WHERE company_domain=$1 OR company_domain=$2 ORDER BY company_domain=$1 DESC LIMIT 1`,
		norm, norm+domainSuffix)
	return s.scanRecord(row)
}

func (s *pgStore) Set(ctx context.Context, identifier string, p Patch) error {
	key := Normalize(identifier)
	// Legacy rows may still be keyed with the decorated domain; merge
	// into those rather than creating a canonical duplicate.
	if _, err := s.Get(ctx, key); errors.Is(err, ErrNotFound) {
		if _, err := s.dbPool.Exec(ctx, `INSERT INTO tenant_credentials(company_domain) VALUES ($1) ON CONFLICT DO NOTHING`, key); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	set := func(col string, val any) error {
		_, err := s.dbPool.Exec(ctx, `UPDATE tenant_credentials SET `+col+`=$1, updated_at=NOW()
		  WHERE company_domain=$2 OR company_domain=$3`, val, key, key+domainSuffix)
		return err
	}
	if p.UserID != nil {
		if err := set("user_id", *p.UserID); err != nil {
			return err
		}
	}
	if p.RealmID != nil {
		if err := set("qbo_realm_id", *p.RealmID); err != nil {
			return err
		}
	}
	if p.Pipedrive != nil {
		access, refresh, err := s.encryptPair(*p.Pipedrive)
		if err != nil {
			return err
		}
		// Pair is written in a single statement: no partial rotation.
		if _, err := s.dbPool.Exec(ctx, `UPDATE tenant_credentials
		  SET pd_access_token=$1, pd_refresh_token=$2, pd_token_expiry=$3, updated_at=NOW()
		  WHERE company_domain=$4 OR company_domain=$5`,
			access, refresh, nullableTime(p.Pipedrive.Expiry), key, key+domainSuffix); err != nil {
			return err
		}
	}
	if p.QuickBooks != nil {
		access, refresh, err := s.encryptPair(*p.QuickBooks)
		if err != nil {
			return err
		}
		if _, err := s.dbPool.Exec(ctx, `UPDATE tenant_credentials
		  SET qbo_access_token=$1, qbo_refresh_token=$2, qbo_token_expiry=$3, updated_at=NOW()
		  WHERE company_domain=$4 OR company_domain=$5`,
			access, refresh, nullableTime(p.QuickBooks.Expiry), key, key+domainSuffix); err != nil {
			return err
		}
	}
	if p.PipedriveRefreshedAt != nil {
		if err := set("pd_refreshed_at", *p.PipedriveRefreshedAt); err != nil {
			return err
		}
	}
	if p.QuickBooksRefreshedAt != nil {
		if err := set("qbo_refreshed_at", *p.QuickBooksRefreshedAt); err != nil {
			return err
		}
	}
	return nil
}

func (s *pgStore) FindByUserID(ctx context.Context, userID string) (Record, error) {
	if userID == "" {
		return Record{}, ErrNotFound
	}
	row := s.dbPool.QueryRow(ctx, `SELECT `+recordColumns+` FROM tenant_credentials
	  WHERE user_id=$1 ORDER BY created_at DESC LIMIT 1`, userID)
	return s.scanRecord(row)
}

func (s *pgStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.dbPool.Query(ctx, `SELECT company_domain FROM tenant_credentials`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		_ = rows.Scan(&k)
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *pgStore) All(ctx context.Context) ([]Record, error) {
	rows, err := s.dbPool.Query(ctx, `SELECT `+recordColumns+` FROM tenant_credentials`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := s.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *pgStore) ClearProvider(ctx context.Context, identifier string, p Provider) error {
	key := Normalize(identifier)
	var q string
	if p == QuickBooks {
		q = `UPDATE tenant_credentials SET qbo_access_token=NULL, qbo_refresh_token=NULL,
		  qbo_token_expiry=NULL, qbo_realm_id=NULL, updated_at=NOW()
		  WHERE company_domain=$1 OR company_domain=$2`
	} else {
		q = `UPDATE tenant_credentials SET pd_access_token=NULL, pd_refresh_token=NULL,
		  pd_token_expiry=NULL, updated_at=NOW()
		  WHERE company_domain=$1 OR company_domain=$2`
	}
	tag, err := s.dbPool.Exec(ctx, q, key, key+domainSuffix)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) Delete(ctx context.Context, identifier string) error {
	key := Normalize(identifier)
	tag, err := s.dbPool.Exec(ctx, `DELETE FROM tenant_credentials WHERE company_domain=$1 OR company_domain=$2`,
		key, key+domainSuffix)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) Shipping(ctx context.Context) (ShippingCredentials, error) {
	row := s.dbPool.QueryRow(ctx, `SELECT COALESCE(api_key,''), COALESCE(api_secret,''), updated_at FROM shipping_credentials WHERE singleton`)
	var c ShippingCredentials
	if err := row.Scan(&c.APIKey, &c.APISecret, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ShippingCredentials{}, ErrNotFound
		}
		return ShippingCredentials{}, err
	}
	if c.APIKey == "" {
		return ShippingCredentials{}, ErrNotFound
	}
	c.APIKey = s.box.Decrypt(c.APIKey)
	c.APISecret = s.box.Decrypt(c.APISecret)
	return c, nil
}

func (s *pgStore) SetShipping(ctx context.Context, c ShippingCredentials) error {
	key, err := s.box.Encrypt(c.APIKey)
	if err != nil {
		return err
	}
	sec, err := s.box.Encrypt(c.APISecret)
	if err != nil {
		return err
	}
	_, err = s.dbPool.Exec(ctx, `INSERT INTO shipping_credentials(singleton, api_key, api_secret, updated_at)
	  VALUES (true, $1, $2, NOW())
	  ON CONFLICT (singleton) DO UPDATE SET api_key=EXCLUDED.api_key, api_secret=EXCLUDED.api_secret, updated_at=NOW()`,
		key, sec)
	return err
}

func (s *pgStore) encryptPair(t TokenPair) (access, refresh string, err error) {
	access, err = s.box.Encrypt(t.AccessToken)
	if err != nil {
		return "", "", err
	}
	refresh, err = s.box.Encrypt(t.RefreshToken)
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
