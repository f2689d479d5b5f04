// Package sync drives the two data flows between the connected
// systems: CRM persons into accounting customers, and paid accounting
// invoices into fulfillment orders. Every provider call goes through
// the token engine so rotation never surfaces here.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"ledgerlink/pkg/credentials"
	"ledgerlink/pkg/providers"
	"ledgerlink/pkg/tokens"
)

// firstPollWindow bounds how far back the first poll for a tenant
// looks. Without it a fresh deployment would replay the tenant's whole
// invoice history into fulfillment.
const firstPollWindow = 24 * time.Hour

type Service struct {
	store    credentials.Store
	resolver *credentials.Resolver
	engine   *tokens.Engine
	pd       *providers.PipedriveClient
	qbo      *providers.QuickBooksClient
	ship     *providers.ShipStationClient
	log      *zap.SugaredLogger

	mu       sync.Mutex
	lastPoll map[string]time.Time
	now      func() time.Time
}

func New(store credentials.Store, resolver *credentials.Resolver, engine *tokens.Engine,
	pd *providers.PipedriveClient, qbo *providers.QuickBooksClient, ship *providers.ShipStationClient,
	log *zap.SugaredLogger) *Service {
	return &Service{
		store:    store,
		resolver: resolver,
		engine:   engine,
		pd:       pd,
		qbo:      qbo,
		ship:     ship,
		log:      log,
		lastPoll: map[string]time.Time{},
		now:      time.Now,
	}
}

// SyncPerson mirrors one CRM person into the tenant's accounting
// customers: matched by display name, created when absent. The
// operation is an upsert, so webhook redelivery is harmless.
func (s *Service) SyncPerson(ctx context.Context, identifier string, personID int) error {
	rec, err := s.resolver.Resolve(ctx, identifier, credentials.Pipedrive)
	if err != nil {
		return err
	}
	if !rec.Connected(credentials.QuickBooks) {
		// Half-connected tenants are normal during onboarding; nothing to
		// sync into yet.
		s.log.Debugw("person sync skipped, accounting not connected", "tenant", rec.CompanyDomain)
		personsSynced.WithLabelValues("skipped").Inc()
		return nil
	}
	key := rec.CompanyDomain

	var person providers.Person
	err = s.engine.WithFreshToken(ctx, key, credentials.Pipedrive, func(ctx context.Context, rec credentials.Record) error {
		p, err := s.pd.GetPerson(ctx, rec, personID)
		if err != nil {
			return err
		}
		person = p
		return nil
	})
	if err != nil {
		personsSynced.WithLabelValues("error").Inc()
		return fmt.Errorf("fetching person %d: %w", personID, err)
	}
	if person.Name == "" {
		personsSynced.WithLabelValues("skipped").Inc()
		return nil
	}

	err = s.engine.WithFreshToken(ctx, key, credentials.QuickBooks, func(ctx context.Context, rec credentials.Record) error {
		existing, err := s.qbo.FindCustomerByName(ctx, rec, person.Name)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}
		_, err = s.qbo.CreateCustomer(ctx, rec, providers.Customer{DisplayName: person.Name, Email: person.Email})
		return err
	})
	if err != nil {
		personsSynced.WithLabelValues("error").Inc()
		return fmt.Errorf("upserting customer for person %d: %w", personID, err)
	}
	personsSynced.WithLabelValues("ok").Inc()
	s.log.Infow("person synced", "tenant", key, "person", personID)
	return nil
}

// PushPaidInvoices forwards invoices paid since the given time to
// fulfillment. Returns how many orders were submitted. Fulfillment
// upserts by order number, so overlapping windows do not duplicate.
func (s *Service) PushPaidInvoices(ctx context.Context, identifier string, since time.Time) (int, error) {
	rec, err := s.resolver.Resolve(ctx, identifier, credentials.QuickBooks)
	if err != nil {
		return 0, err
	}
	key := rec.CompanyDomain

	shipCreds, err := s.store.Shipping(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading fulfillment credentials: %w", err)
	}

	var invoices []providers.Invoice
	customers := map[string]string{}
	err = s.engine.WithFreshToken(ctx, key, credentials.QuickBooks, func(ctx context.Context, rec credentials.Record) error {
		invs, err := s.qbo.PaidInvoicesSince(ctx, rec, since)
		if err != nil {
			return err
		}
		invoices = invs
		for _, inv := range invs {
			if inv.CustomerID == "" {
				continue
			}
			if _, seen := customers[inv.CustomerID]; seen {
				continue
			}
			cust, err := s.qbo.ReadCustomer(ctx, rec, inv.CustomerID)
			if err != nil {
				// Name is cosmetic on the order; the push proceeds without.
				s.log.Warnw("customer lookup failed", "tenant", key, "customer", inv.CustomerID, "err", err)
				continue
			}
			customers[inv.CustomerID] = cust.DisplayName
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("listing paid invoices: %w", err)
	}

	pushed := 0
	for _, inv := range invoices {
		orderNumber := inv.DocNumber
		if orderNumber == "" {
			orderNumber = inv.ID
		}
		order := providers.ShipOrder{
			OrderNumber:  orderNumber,
			OrderDate:    s.now(),
			CustomerName: customers[inv.CustomerID],
			AmountPaid:   inv.Total,
		}
		if err := s.ship.CreateOrder(ctx, shipCreds, order); err != nil {
			shipOrders.WithLabelValues("error").Inc()
			s.log.Warnw("ship order failed", "tenant", key, "invoice", inv.ID, "err", err)
			continue
		}
		shipOrders.WithLabelValues("ok").Inc()
		pushed++
	}
	if pushed > 0 {
		s.log.Infow("paid invoices pushed", "tenant", key, "count", pushed)
	}
	return pushed, nil
}

// Disconnect drops one provider's credentials and keeps the record, so
// the tenant's other connection and identifiers survive.
func (s *Service) Disconnect(ctx context.Context, identifier string, p credentials.Provider) error {
	rec, err := s.resolver.Resolve(ctx, identifier, p)
	if err != nil {
		if errors.Is(err, credentials.ErrNotConnected) {
			return nil
		}
		return err
	}
	if err := s.store.ClearProvider(ctx, rec.CompanyDomain, p); err != nil {
		return err
	}
	s.log.Infow("provider disconnected", "tenant", rec.CompanyDomain, "provider", p)
	return nil
}

// RunPoll visits every tenant with an accounting connection and pushes
// invoices paid since that tenant's previous visit. Per-tenant errors
// are logged and skipped; one broken tenant must not stall the rest.
func (s *Service) RunPoll(ctx context.Context) {
	all, err := s.store.All(ctx)
	if err != nil {
		s.log.Errorw("poll: listing tenants", "err", err)
		return
	}
	for _, rec := range all {
		if !rec.Connected(credentials.QuickBooks) {
			continue
		}
		pollTenants.Inc()
		since := s.sinceFor(rec.CompanyDomain)
		start := s.now()
		if _, err := s.PushPaidInvoices(ctx, rec.CompanyDomain, since); err != nil {
			s.log.Warnw("poll: tenant failed", "tenant", rec.CompanyDomain, "err", err)
			continue
		}
		s.mu.Lock()
		s.lastPoll[rec.CompanyDomain] = start
		s.mu.Unlock()
	}
}

func (s *Service) sinceFor(tenant string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.lastPoll[tenant]; ok {
		return t
	}
	return s.now().Add(-firstPollWindow)
}
