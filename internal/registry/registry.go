package registry

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

//go:embed sql/insert-device.sql
var insertDeviceSQL string

//go:embed sql/get-devices-by-user.sql
var getDevicesByUserSQL string

//go:embed sql/get-device.sql
var getDeviceSQL string

// Device is a provisioned sensor owned by a user.
type Device struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	PeripheralID string    `json:"peripheral_id"`
	Name         string    `json:"name"`
	Brand        string    `json:"brand"`
	CreatedAt    time.Time `json:"created_at"`
}

// Registry is the SQLite-backed device store.
type Registry struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a registry over an open database.
func New(db *sql.DB, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{db: db, logger: logger}
}

// RegisterDevice records a provisioned sensor for the user. Re-provisioning a
// sensor already on record updates its owner, name, and brand in place, so a
// repeated pairing never produces a duplicate row.
func (r *Registry) RegisterDevice(ctx context.Context, userID, peripheralID, name, brand string) error {
	if userID == "" {
		return fmt.Errorf("registry: user id must not be empty")
	}
	if peripheralID == "" {
		return fmt.Errorf("registry: peripheral id must not be empty")
	}

	id := uuid.NewString()
	if _, err := r.db.ExecContext(ctx, insertDeviceSQL, id, userID, peripheralID, name, brand); err != nil {
		return fmt.Errorf("registry: register device %q: %w", peripheralID, err)
	}
	r.logger.Info("[registry] device registered", "peripheral", peripheralID, "user", userID, "name", name)
	return nil
}

// DevicesForUser returns the user's devices in registration order.
func (r *Registry) DevicesForUser(ctx context.Context, userID string) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, getDevicesByUserSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("registry: devices for user %q: %w", userID, err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.Error("[registry] close device rows", "error", err)
		}
	}()

	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Device returns one device by its registry identifier.
func (r *Registry) Device(ctx context.Context, id string) (Device, error) {
	d, err := scanDevice(r.db.QueryRowContext(ctx, getDeviceSQL, id).Scan)
	if err == sql.ErrNoRows {
		return Device{}, fmt.Errorf("registry: device %q not found", id)
	}
	return d, err
}

func scanDevice(scan func(...any) error) (Device, error) {
	var d Device
	var created string
	if err := scan(&d.ID, &d.UserID, &d.PeripheralID, &d.Name, &d.Brand, &created); err != nil {
		return Device{}, err
	}
	t, err := parseTimestamp(created)
	if err != nil {
		return Device{}, fmt.Errorf("registry: parse created_at %q: %w", created, err)
	}
	d.CreatedAt = t
	return d, nil
}

func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
