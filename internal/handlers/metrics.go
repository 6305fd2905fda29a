package handlers

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"image-optimizer/internal/metrics"
)

// MetricsHandler returns the Prometheus metrics handler. Ledger gauges are
// refreshed on every scrape.
func (h *Handlers) MetricsHandler() http.Handler {
	inner := promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.db != nil {
			if savings, err := h.db.SavingsSummary(r.Context()); err == nil {
				metrics.LedgerRecords.Set(float64(savings.Files))
				metrics.LedgerOriginalBytes.Set(float64(savings.OriginalBytes))
				metrics.LedgerOptimizedBytes.Set(float64(savings.OptimizedBytes))
				metrics.PendingRows.Set(float64(savings.Pending))
			}
			h.db.UpdateDBMetrics()
		}
		inner.ServeHTTP(w, r)
	})
}
