package controllers

import (
	"net/http"

	"github.com/skeinlabs/skein/internal/coordinator"
	"github.com/skeinlabs/skein/internal/credit"
	"github.com/skeinlabs/skein/internal/metrics"
	logpkg "github.com/skeinlabs/skein/pkg/log"
)

// ControllerRegistry groups the HTTP controllers and registers their routes
// in one place.
type ControllerRegistry struct {
	general  *GeneralController
	sessions *SessionsController
	accounts *AccountsController
}

// NewControllerRegistry initializes all controllers.
func NewControllerRegistry(coord *coordinator.Coordinator, accounts *credit.LocalLedger, m *metrics.Metrics, logger logpkg.Logger) *ControllerRegistry {
	return &ControllerRegistry{
		general:  NewGeneralController(m),
		sessions: NewSessionsController(coord, logger),
		accounts: NewAccountsController(accounts),
	}
}

// RegisterAllRoutes registers every endpoint with the mux.
func (r *ControllerRegistry) RegisterAllRoutes(mux *http.ServeMux) {
	r.general.RegisterRoutes(mux)
	r.sessions.RegisterRoutes(mux)
	r.accounts.RegisterRoutes(mux)
}
