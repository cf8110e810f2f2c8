package telemetry

import (
	"context"
	"log/slog"
	"time"
)

// Health is the derived condition of one device.
type Health struct {
	Status    Status      `json:"status"`
	Connected bool        `json:"connected"`
	Latest    *Reading    `json:"latest,omitempty"`
	Detail    *CodeDetail `json:"detail,omitempty"`
}

// Service answers health queries over the reading and fault-code store.
type Service struct {
	repo   *Repository
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a service over the repository.
func NewService(repo *Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, now: time.Now}
}

// Health reports the device's current condition: connectivity from the age
// of its latest reading, and status from the brand's fault-code table plus
// the gas sensor. A device with no readings is disconnected and good.
func (s *Service) Health(ctx context.Context, peripheralID, brand string) (Health, error) {
	latest, err := s.repo.LatestReading(ctx, peripheralID)
	if err != nil {
		return Health{}, err
	}
	if latest == nil {
		return Health{Status: StatusGood}, nil
	}

	h := Health{
		Latest:    latest,
		Connected: s.now().Sub(latest.Time) <= ConnectivityWindow,
	}

	if latest.FlashSequence != "" && brand != "" {
		h.Detail, err = s.repo.CodeDetail(ctx, brand, latest.FlashSequence)
		if err != nil {
			return Health{}, err
		}
	}

	gas := 0.0
	if latest.GasPpm != nil {
		gas = *latest.GasPpm
	}
	errDetail := ""
	if h.Detail != nil {
		errDetail = h.Detail.Error
	}
	h.Status = DeriveStatus(errDetail, gas)
	return h, nil
}

// Latest returns the device's most recent reading, or nil.
func (s *Service) Latest(ctx context.Context, peripheralID string) (*Reading, error) {
	return s.repo.LatestReading(ctx, peripheralID)
}

// History returns readings for the trailing window, newest first.
func (s *Service) History(ctx context.Context, peripheralID string, window time.Duration, limit int) ([]Reading, error) {
	now := s.now()
	return s.repo.Readings(ctx, peripheralID, now.Add(-window), now, limit)
}
