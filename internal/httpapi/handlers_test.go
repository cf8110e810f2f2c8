package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hvasee/sensorlink/internal/registry"
	"github.com/hvasee/sensorlink/internal/telemetry"
)

type testAPI struct {
	mux  *http.ServeMux
	reg  *registry.Registry
	repo *telemetry.Repository
}

func setupAPI(t *testing.T) *testAPI {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("close db: %v", err)
		}
	})
	if err := registry.Migrate(db); err != nil {
		t.Fatalf("registry migrate: %v", err)
	}
	if err := telemetry.Migrate(db); err != nil {
		t.Fatalf("telemetry migrate: %v", err)
	}

	reg := registry.New(db, nil)
	repo := telemetry.NewRepository(db, nil)
	svc := telemetry.NewService(repo, nil)
	return &testAPI{
		mux:  NewMux(db, reg, repo, svc, nil),
		reg:  reg,
		repo: repo,
	}
}

func (a *testAPI) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	api := setupAPI(t)
	rec := api.get(t, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /healthz = %d, want 200", rec.Code)
	}
}

func TestUserDevices(t *testing.T) {
	api := setupAPI(t)
	ctx := context.Background()

	if err := api.reg.RegisterDevice(ctx, "user-1", "AA:BB:CC", "Furnace", "Carrier"); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}

	rec := api.get(t, "/api/users/user-1/devices")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	devices := decode[[]registry.Device](t, rec)
	if len(devices) != 1 || devices[0].Name != "Furnace" {
		t.Fatalf("devices = %+v", devices)
	}

	// User with no devices gets an empty array, not null.
	rec = api.get(t, "/api/users/user-2/devices")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := rec.Body.String(); body == "null\n" {
		t.Errorf("empty device list encoded as %q", body)
	}
}

func TestDeviceHealth(t *testing.T) {
	api := setupAPI(t)
	ctx := context.Background()

	if err := api.reg.RegisterDevice(ctx, "user-1", "AA:BB:CC", "Furnace", "Carrier"); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	devices, err := api.reg.DevicesForUser(ctx, "user-1")
	if err != nil || len(devices) != 1 {
		t.Fatalf("DevicesForUser = %v, %v", devices, err)
	}
	deviceID := devices[0].ID

	if err := api.repo.UpsertCode(ctx, "Carrier", "3-2", telemetry.CodeDetail{Error: "Failure: inducer motor fault"}); err != nil {
		t.Fatalf("UpsertCode: %v", err)
	}
	amp, gas := 4.2, 310.0
	if err := api.repo.InsertReading(ctx, "AA:BB:CC", time.Now().UTC(), &amp, &gas, "3-2"); err != nil {
		t.Fatalf("InsertReading: %v", err)
	}

	rec := api.get(t, "/api/devices/"+deviceID+"/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	health := decode[telemetry.Health](t, rec)
	if health.Status != telemetry.StatusFailure {
		t.Errorf("status = %v, want failure", health.Status)
	}
	if !health.Connected {
		t.Error("fresh reading reported disconnected")
	}
}

func TestDeviceHealthNotFound(t *testing.T) {
	api := setupAPI(t)
	rec := api.get(t, "/api/devices/missing/health")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestDeviceHistory(t *testing.T) {
	api := setupAPI(t)
	ctx := context.Background()

	if err := api.reg.RegisterDevice(ctx, "user-1", "AA:BB:CC", "Furnace", "Carrier"); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	devices, _ := api.reg.DevicesForUser(ctx, "user-1")
	deviceID := devices[0].ID

	amp := 4.2
	now := time.Now().UTC()
	if err := api.repo.InsertReading(ctx, "AA:BB:CC", now.Add(-time.Hour), &amp, nil, ""); err != nil {
		t.Fatalf("InsertReading: %v", err)
	}
	if err := api.repo.InsertReading(ctx, "AA:BB:CC", now.Add(-25*time.Hour), &amp, nil, ""); err != nil {
		t.Fatalf("InsertReading: %v", err)
	}

	rec := api.get(t, "/api/devices/"+deviceID+"/telemetry")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	readings := decode[[]telemetry.Reading](t, rec)
	if len(readings) != 1 {
		t.Fatalf("default 24h window returned %d readings, want 1", len(readings))
	}

	rec = api.get(t, "/api/devices/"+deviceID+"/telemetry?window=48h")
	readings = decode[[]telemetry.Reading](t, rec)
	if len(readings) != 2 {
		t.Fatalf("48h window returned %d readings, want 2", len(readings))
	}
}

func TestDeviceLatest(t *testing.T) {
	api := setupAPI(t)
	ctx := context.Background()

	if err := api.reg.RegisterDevice(ctx, "user-1", "AA:BB:CC", "Furnace", "Carrier"); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	devices, _ := api.reg.DevicesForUser(ctx, "user-1")
	deviceID := devices[0].ID

	// No readings yet.
	rec := api.get(t, "/api/devices/"+deviceID+"/telemetry/latest")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 before any readings", rec.Code)
	}

	amp := 4.2
	now := time.Now().UTC()
	if err := api.repo.InsertReading(ctx, "AA:BB:CC", now.Add(-time.Hour), &amp, nil, ""); err != nil {
		t.Fatalf("InsertReading: %v", err)
	}
	if err := api.repo.InsertReading(ctx, "AA:BB:CC", now, &amp, nil, "3-2"); err != nil {
		t.Fatalf("InsertReading: %v", err)
	}

	rec = api.get(t, "/api/devices/"+deviceID+"/telemetry/latest")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	latest := decode[telemetry.Reading](t, rec)
	if latest.FlashSequence != "3-2" {
		t.Errorf("latest = %+v, want the newest reading", latest)
	}
}

func TestIngestReading(t *testing.T) {
	api := setupAPI(t)
	ctx := context.Background()

	if err := api.reg.RegisterDevice(ctx, "user-1", "AA:BB:CC", "Furnace", "Carrier"); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	devices, _ := api.reg.DevicesForUser(ctx, "user-1")
	deviceID := devices[0].ID

	post := func(body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/devices/"+deviceID+"/telemetry", strings.NewReader(body))
		api.mux.ServeHTTP(rec, req)
		return rec
	}

	rec := post(`{"ts":"2026-08-29T12:00:00Z","amp":4.2,"gas_ppm":310,"flash_sequence":"3-2"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	latest, err := api.repo.LatestReading(ctx, "AA:BB:CC")
	if err != nil || latest == nil {
		t.Fatalf("LatestReading = %v, %v", latest, err)
	}
	if latest.FlashSequence != "3-2" {
		t.Errorf("stored reading = %+v", latest)
	}

	for name, body := range map[string]string{
		"malformed JSON": `{"ts":`,
		"missing ts":     `{"amp":4.2}`,
		"no measurement": `{"ts":"2026-08-29T12:00:00Z"}`,
	} {
		if rec := post(body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, rec.Code)
		}
	}

	// Unknown device.
	rec = httptest.NewRecorder()
	api.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/devices/missing/telemetry", strings.NewReader(`{"ts":"2026-08-29T12:00:00Z","amp":1}`)))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown device: status = %d, want 404", rec.Code)
	}
}

func TestDeviceHistoryBadQuery(t *testing.T) {
	api := setupAPI(t)
	ctx := context.Background()

	if err := api.reg.RegisterDevice(ctx, "user-1", "AA:BB:CC", "Furnace", "Carrier"); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	devices, _ := api.reg.DevicesForUser(ctx, "user-1")
	deviceID := devices[0].ID

	for _, q := range []string{"?window=yesterday", "?window=-1h", "?limit=0", "?limit=9999", "?limit=abc"} {
		rec := api.get(t, "/api/devices/"+deviceID+"/telemetry"+q)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("query %q: status = %d, want 400", q, rec.Code)
		}
	}
}
