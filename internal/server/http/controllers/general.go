package controllers

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skeinlabs/skein/internal/metrics"
)

// GeneralController handles health and metrics.
type GeneralController struct {
	metrics *metrics.Metrics
}

// NewGeneralController creates a general controller. metrics may be nil.
func NewGeneralController(m *metrics.Metrics) *GeneralController {
	return &GeneralController{metrics: m}
}

// RegisterRoutes registers the health and metrics endpoints.
func (c *GeneralController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/healthz", c.handleHealth)
	if c.metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(c.metrics.Registry(), promhttp.HandlerOpts{}))
	}
}

func (c *GeneralController) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
