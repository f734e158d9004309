package handlers

import (
	"net/http"
)

func (a *API) HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if a.DB != nil {
		sqlDB, err := a.DB.DB()
		if err == nil {
			if err := sqlDB.PingContext(r.Context()); err == nil {
				dbStatus = "connected"
			}
		}
	}

	peerStatus := "none"
	if a.Relation != nil {
		peerStatus = "joined"
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   status,
		"database": dbStatus,
		"peers":    peerStatus,
		"unit":     a.Unit,
	})
}
