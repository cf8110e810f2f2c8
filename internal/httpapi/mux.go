package httpapi

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/hvasee/sensorlink/internal/registry"
	"github.com/hvasee/sensorlink/internal/telemetry"
)

// NewMux builds the API router over the device registry and telemetry
// service.
func NewMux(db *sql.DB, reg *registry.Registry, repo *telemetry.Repository, svc *telemetry.Service, logger *slog.Logger) *http.ServeMux {
	if logger == nil {
		logger = slog.Default()
	}
	c := &controller{registry: reg, repo: repo, service: svc, logger: logger}

	mux := http.NewServeMux()
	registerHealthcheck(mux, db)
	mux.HandleFunc("GET /api/users/{id}/devices", c.handleUserDevices)
	mux.HandleFunc("GET /api/devices/{id}/health", c.handleDeviceHealth)
	mux.HandleFunc("GET /api/devices/{id}/telemetry/latest", c.handleDeviceLatest)
	mux.HandleFunc("GET /api/devices/{id}/telemetry", c.handleDeviceHistory)
	mux.HandleFunc("POST /api/devices/{id}/telemetry", c.handleIngestReading)
	return mux
}
