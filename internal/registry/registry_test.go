package registry

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func setupTestDB(t *testing.T) *sql.DB {
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
	if _, err := db.Exec(schemaSQL); err != nil {
		t.Fatalf("exec schema: %v", err)
	}
	return db
}

func TestRegisterAndListDevices(t *testing.T) {
	reg := New(setupTestDB(t), nil)
	ctx := context.Background()

	if err := reg.RegisterDevice(ctx, "user-1", "AA:BB:CC", "Furnace", "Carrier"); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	if err := reg.RegisterDevice(ctx, "user-1", "DD:EE:FF", "Attic AC", "Trane"); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	if err := reg.RegisterDevice(ctx, "user-2", "11:22:33", "Basement", "Lennox"); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}

	devices, err := reg.DevicesForUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("DevicesForUser: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2", len(devices))
	}
	if devices[0].PeripheralID != "AA:BB:CC" || devices[0].Name != "Furnace" || devices[0].Brand != "Carrier" {
		t.Errorf("first device = %+v", devices[0])
	}
	if devices[0].ID == "" {
		t.Error("device id not assigned")
	}
	if devices[0].CreatedAt.IsZero() {
		t.Error("created_at not populated")
	}
}

func TestRegisterDeviceUpsertsByPeripheral(t *testing.T) {
	reg := New(setupTestDB(t), nil)
	ctx := context.Background()

	if err := reg.RegisterDevice(ctx, "user-1", "AA:BB:CC", "Furnace", "Carrier"); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	// Same sensor provisioned again, new name and owner.
	if err := reg.RegisterDevice(ctx, "user-2", "AA:BB:CC", "Upstairs Furnace", "Carrier"); err != nil {
		t.Fatalf("RegisterDevice (re-pair): %v", err)
	}

	if devices, err := reg.DevicesForUser(ctx, "user-1"); err != nil || len(devices) != 0 {
		t.Fatalf("old owner devices = %v (err %v), want none", devices, err)
	}
	devices, err := reg.DevicesForUser(ctx, "user-2")
	if err != nil {
		t.Fatalf("DevicesForUser: %v", err)
	}
	if len(devices) != 1 || devices[0].Name != "Upstairs Furnace" {
		t.Fatalf("devices = %+v, want single renamed record", devices)
	}
}

func TestRegisterDeviceValidation(t *testing.T) {
	reg := New(setupTestDB(t), nil)
	ctx := context.Background()

	if err := reg.RegisterDevice(ctx, "", "AA:BB:CC", "Furnace", "Carrier"); err == nil {
		t.Error("empty user id accepted")
	}
	if err := reg.RegisterDevice(ctx, "user-1", "", "Furnace", "Carrier"); err == nil {
		t.Error("empty peripheral id accepted")
	}
}

func TestDeviceLookup(t *testing.T) {
	reg := New(setupTestDB(t), nil)
	ctx := context.Background()

	if err := reg.RegisterDevice(ctx, "user-1", "AA:BB:CC", "Furnace", "Carrier"); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	devices, err := reg.DevicesForUser(ctx, "user-1")
	if err != nil || len(devices) != 1 {
		t.Fatalf("DevicesForUser = %v, %v", devices, err)
	}

	got, err := reg.Device(ctx, devices[0].ID)
	if err != nil {
		t.Fatalf("Device: %v", err)
	}
	if got.PeripheralID != "AA:BB:CC" {
		t.Errorf("Device = %+v", got)
	}

	if _, err := reg.Device(ctx, "missing"); err == nil {
		t.Error("lookup of missing device succeeded")
	}
}
