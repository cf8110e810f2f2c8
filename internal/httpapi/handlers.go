// Package httpapi serves the device and telemetry read API consumed by the
// mobile app.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hvasee/sensorlink/internal/registry"
	"github.com/hvasee/sensorlink/internal/telemetry"
)

const defaultHistoryWindow = 24 * time.Hour

type controller struct {
	registry *registry.Registry
	repo     *telemetry.Repository
	service  *telemetry.Service
	logger   *slog.Logger
}

func (c *controller) handleUserDevices(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if userID == "" {
		WriteError(w, http.StatusBadRequest, "missing user id")
		return
	}

	devices, err := c.registry.DevicesForUser(r.Context(), userID)
	if err != nil {
		c.logger.Error("list devices failed", "user", userID, "error", err)
		WriteError(w, http.StatusInternalServerError, "failed to load devices")
		return
	}
	if devices == nil {
		devices = []registry.Device{}
	}
	WriteJSON(w, http.StatusOK, devices)
}

func (c *controller) handleDeviceHealth(w http.ResponseWriter, r *http.Request) {
	device, ok := c.lookupDevice(w, r)
	if !ok {
		return
	}

	health, err := c.service.Health(r.Context(), device.PeripheralID, device.Brand)
	if err != nil {
		c.logger.Error("device health failed", "device", device.ID, "error", err)
		WriteError(w, http.StatusInternalServerError, "failed to derive health")
		return
	}
	WriteJSON(w, http.StatusOK, health)
}

func (c *controller) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	device, ok := c.lookupDevice(w, r)
	if !ok {
		return
	}

	window, limit, err := parseHistoryQuery(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	readings, err := c.service.History(r.Context(), device.PeripheralID, window, limit)
	if err != nil {
		c.logger.Error("device history failed", "device", device.ID, "error", err)
		WriteError(w, http.StatusInternalServerError, "failed to load readings")
		return
	}
	if readings == nil {
		readings = []telemetry.Reading{}
	}
	WriteJSON(w, http.StatusOK, readings)
}

func (c *controller) handleDeviceLatest(w http.ResponseWriter, r *http.Request) {
	device, ok := c.lookupDevice(w, r)
	if !ok {
		return
	}

	latest, err := c.service.Latest(r.Context(), device.PeripheralID)
	if err != nil {
		c.logger.Error("latest reading failed", "device", device.ID, "error", err)
		WriteError(w, http.StatusInternalServerError, "failed to load reading")
		return
	}
	if latest == nil {
		WriteError(w, http.StatusNotFound, "no readings for device")
		return
	}
	WriteJSON(w, http.StatusOK, latest)
}

// ingestPayload is the reading body accepted from the sensor bridge. The
// peripheral identity comes from the path, never the body.
type ingestPayload struct {
	Timestamp     time.Time `json:"ts"`
	Amp           *float64  `json:"amp"`
	GasPpm        *float64  `json:"gas_ppm"`
	FlashSequence string    `json:"flash_sequence"`
}

func (c *controller) handleIngestReading(w http.ResponseWriter, r *http.Request) {
	device, ok := c.lookupDevice(w, r)
	if !ok {
		return
	}

	var payload ingestPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.Timestamp.IsZero() {
		WriteError(w, http.StatusBadRequest, "ts is required")
		return
	}
	if payload.Amp == nil && payload.GasPpm == nil && payload.FlashSequence == "" {
		WriteError(w, http.StatusBadRequest, "at least one of amp, gas_ppm, or flash_sequence is required")
		return
	}

	err := c.repo.InsertReading(r.Context(), device.PeripheralID, payload.Timestamp, payload.Amp, payload.GasPpm, payload.FlashSequence)
	if err != nil {
		c.logger.Error("ingest reading failed", "device", device.ID, "error", err)
		WriteError(w, http.StatusInternalServerError, "failed to store reading")
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]string{"status": "stored"})
}

func (c *controller) lookupDevice(w http.ResponseWriter, r *http.Request) (registry.Device, bool) {
	id := r.PathValue("id")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "missing device id")
		return registry.Device{}, false
	}
	device, err := c.registry.Device(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusNotFound, "device not found")
		return registry.Device{}, false
	}
	return device, true
}

func parseHistoryQuery(r *http.Request) (window time.Duration, limit int, err error) {
	q := r.URL.Query()

	window = defaultHistoryWindow
	if s := q.Get("window"); s != "" {
		window, err = time.ParseDuration(s)
		if err != nil {
			return 0, 0, errors.New("invalid 'window' (expected Go duration, e.g. 24h)")
		}
		if window <= 0 {
			return 0, 0, errors.New("'window' must be > 0")
		}
	}

	limit = 100
	if s := q.Get("limit"); s != "" {
		n, convErr := strconv.Atoi(s)
		if convErr != nil {
			return 0, 0, errors.New("invalid 'limit' (expected integer)")
		}
		if n <= 0 {
			return 0, 0, errors.New("'limit' must be > 0")
		}
		if n > 1000 {
			return 0, 0, errors.New("'limit' must be <= 1000")
		}
		limit = n
	}

	return window, limit, nil
}
