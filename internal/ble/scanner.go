package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultScanTimeout matches the sensor app's fixed 10 second scan window.
const DefaultScanTimeout = 10 * time.Second

// Scanner discovers nearby peripherals whose advertised name is in a fixed
// filter set. Each unique identifier is surfaced at most once per scan.
// A Scanner is single-use: once stopped (by timeout, error, or Stop) it
// cannot be restarted — create a fresh Scanner to scan again.
type Scanner struct {
	adapter Adapter
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// NewScanner creates a scanner over the given adapter.
func NewScanner(adapter Adapter, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{adapter: adapter, logger: logger}
}

// Start begins scanning. Advertisements whose name is not in nameFilter are
// ignored entirely; matching peripherals are reported to found once per
// identifier. When the timeout expires, or the platform reports an error,
// scanning stops and done is called exactly once — with nil on timeout or
// Stop, or with the platform error. Enable failure (radio off, permission
// denied) fails Start synchronously and done is never called.
func (s *Scanner) Start(ctx context.Context, nameFilter []string, timeout time.Duration, found func(Advertisement), done func(error)) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("ble: scanner already used, create a new one")
	}
	s.started = true
	s.mu.Unlock()

	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	names := make(map[string]bool, len(nameFilter))
	for _, n := range nameFilter {
		names[n] = true
	}

	go func() {
		defer cancel()

		var seenMu sync.Mutex
		seen := make(map[string]bool)

		err := s.adapter.Scan(scanCtx, func(adv Advertisement) {
			if !names[adv.Name] {
				return
			}
			seenMu.Lock()
			dup := seen[adv.ID]
			seen[adv.ID] = true
			seenMu.Unlock()
			if dup {
				return
			}
			s.logger.Debug("[BLE] peripheral discovered", "name", adv.Name, "id", adv.ID, "rssi", adv.RSSI)
			found(adv)
		})

		// Our own timeout or Stop is a normal end of scan, not a failure.
		if err != nil && scanCtx.Err() == nil {
			s.logger.Warn("[BLE] scan aborted", "error", err)
			done(err)
			return
		}
		done(nil)
	}()

	return nil
}

// Stop ends the scan early. Safe to call multiple times and before Start.
func (s *Scanner) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
