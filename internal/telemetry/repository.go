package telemetry

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

//go:embed sql/schema.sql
var schemaSQL string

//go:embed sql/insert-reading.sql
var insertReadingSQL string

//go:embed sql/get-latest-reading.sql
var getLatestReadingSQL string

//go:embed sql/get-readings.sql
var getReadingsSQL string

//go:embed sql/get-code-detail.sql
var getCodeDetailSQL string

//go:embed sql/upsert-code.sql
var upsertCodeSQL string

// Migrate applies the telemetry schema to an open database.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("telemetry: apply schema: %w", err)
	}
	return nil
}

// Repository is the SQLite store for readings and brand fault codes.
type Repository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRepository creates a repository over an open database.
func NewRepository(db *sql.DB, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{db: db, logger: logger}
}

// InsertReading stores one sample. The identifier is assigned here.
func (r *Repository) InsertReading(ctx context.Context, peripheralID string, ts time.Time, amp, gasPpm *float64, flashSequence string) error {
	if peripheralID == "" {
		return fmt.Errorf("telemetry: peripheral id must not be empty")
	}
	if ts.IsZero() {
		return fmt.Errorf("telemetry: timestamp must not be zero")
	}
	id := uuid.NewString()
	tsStr := ts.UTC().Format(time.RFC3339Nano)
	if _, err := r.db.ExecContext(ctx, insertReadingSQL, id, peripheralID, tsStr, nullable(amp), nullable(gasPpm), flashSequence); err != nil {
		return fmt.Errorf("telemetry: insert reading: %w", err)
	}
	return nil
}

// LatestReading returns the most recent sample for a device, or nil when the
// device has never reported.
func (r *Repository) LatestReading(ctx context.Context, peripheralID string) (*Reading, error) {
	rec, err := scanReading(r.db.QueryRowContext(ctx, getLatestReadingSQL, peripheralID).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: latest reading: %w", err)
	}
	return &rec, nil
}

// Readings returns samples for a device, newest first. Zero bounds are open.
func (r *Repository) Readings(ctx context.Context, peripheralID string, from, to time.Time, limit int) ([]Reading, error) {
	fromStr, toStr := "", ""
	if !from.IsZero() {
		fromStr = from.UTC().Format(time.RFC3339Nano)
	}
	if !to.IsZero() {
		toStr = to.UTC().Format(time.RFC3339Nano)
	}
	rows, err := r.db.QueryContext(ctx, getReadingsSQL, peripheralID, fromStr, fromStr, toStr, toStr, limit)
	if err != nil {
		return nil, fmt.Errorf("telemetry: readings: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.Error("[telemetry] close reading rows", "error", err)
		}
	}()

	var out []Reading
	for rows.Next() {
		rec, err := scanReading(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CodeDetail looks up the fault-code record for a brand and flash sequence.
// A sequence with no record returns nil, which reads as healthy.
func (r *Repository) CodeDetail(ctx context.Context, brand, flashSequence string) (*CodeDetail, error) {
	var cd CodeDetail
	err := r.db.QueryRowContext(ctx, getCodeDetailSQL, brand, flashSequence).Scan(&cd.Error, &cd.Steps)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: code detail: %w", err)
	}
	return &cd, nil
}

// UpsertCode records or replaces a brand fault-code entry.
func (r *Repository) UpsertCode(ctx context.Context, brand, flashSequence string, detail CodeDetail) error {
	if _, err := r.db.ExecContext(ctx, upsertCodeSQL, brand, flashSequence, detail.Error, detail.Steps); err != nil {
		return fmt.Errorf("telemetry: upsert code: %w", err)
	}
	return nil
}

func scanReading(scan func(...any) error) (Reading, error) {
	var rec Reading
	var ts string
	var amp, gas sql.NullFloat64
	if err := scan(&rec.ID, &rec.PeripheralID, &ts, &amp, &gas, &rec.FlashSequence); err != nil {
		return Reading{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		t, err = time.Parse(time.RFC3339, ts)
		if err != nil {
			return Reading{}, fmt.Errorf("telemetry: parse timestamp %q: %w", ts, err)
		}
	}
	rec.Time = t
	if amp.Valid {
		rec.Amp = &amp.Float64
	}
	if gas.Valid {
		rec.GasPpm = &gas.Float64
	}
	return rec, nil
}

func nullable(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
