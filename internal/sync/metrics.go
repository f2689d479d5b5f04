// internal/sync/metrics.go
package sync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	personsSynced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerlink_persons_synced_total",
		Help: "CRM persons pushed into the accounting system, by result.",
	}, []string{"result"})

	shipOrders = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerlink_ship_orders_total",
		Help: "Fulfillment orders created from paid invoices, by result.",
	}, []string{"result"})

	pollTenants = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledgerlink_poll_tenants_total",
		Help: "Tenant records visited by the paid-invoice poller.",
	})
)
