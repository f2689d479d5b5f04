// pkg/tokens/metrics.go
package tokens

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	refreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerlink_token_refresh_total",
		Help: "Token refresh attempts by provider and outcome.",
	}, []string{"provider", "outcome"})

	refreshWaiters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerlink_token_refresh_waiters_total",
		Help: "Callers that waited on another in-flight refresh.",
	}, []string{"provider"})
)
