package handlers

import (
	"net/http"

	"github.com/tzfun/etcd-workbench/internal/database"
)

func (a *API) HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	sessions := 0
	if a.Sessions != nil {
		sessions = len(a.Sessions.List())
	}
	var dropped int64
	if a.Bus != nil {
		dropped = a.Bus.Dropped()
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         status,
		"database":       dbStatus,
		"sessions":       sessions,
		"dropped_events": dropped,
	})
}
