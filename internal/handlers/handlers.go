// Package handlers is the unit's HTTP API: lifecycle events and actions are
// delivered here by the operator tooling, and status, config and logs are
// read back.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charmed-osm/vyos-config/internal/charm"
	"github.com/charmed-osm/vyos-config/internal/charmmeta"
	"github.com/charmed-osm/vyos-config/internal/dispatcher"
	"github.com/charmed-osm/vyos-config/internal/leadership"
	"github.com/charmed-osm/vyos-config/internal/peers"
	"github.com/charmed-osm/vyos-config/internal/sshproxy"
)

// API holds everything the handlers read from or deliver to.
type API struct {
	DB         *gorm.DB
	Unit       string
	Meta       *charmmeta.Charm
	Charm      *charm.Charm
	Dispatcher *dispatcher.Dispatcher
	Config     *charm.ConfigStore
	Leader     leadership.Checker
	// Relation is nil when the unit has no peer relation.
	Relation peers.Relation
	History  *sshproxy.History
	LogPath  string
	Logger   *zap.Logger
}

func (a *API) logger() *zap.Logger {
	if a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger
}

// Routes mounts the API on r. /health is left to the caller so it can sit
// outside authentication.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/events/{name}", a.EmitEvent)

		r.Get("/actions", a.ListActions)
		r.Post("/actions/{name}", a.RunAction)
		r.Get("/actions/{id}", a.GetAction)

		r.Get("/status", a.GetStatus)

		r.Get("/config", a.GetConfig)
		r.Put("/config", a.UpdateConfig)

		r.Get("/peers/watch", a.WatchPeers)

		r.Get("/logs", a.GetLogs)
	})
}

// Router builds the full router, health check included.
func (a *API) Router(middlewares ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Get("/health", a.HealthCheck)
	r.Group(func(r chi.Router) {
		r.Use(middlewares...)
		a.Routes(r)
	})
	return r
}
