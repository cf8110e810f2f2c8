package ble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// collectScan runs a scan against the given adapter and returns what was
// found plus the terminal error reported through done.
func collectScan(t *testing.T, adapter Adapter, filter []string, timeout time.Duration) ([]Advertisement, error) {
	t.Helper()

	var mu sync.Mutex
	var found []Advertisement
	doneCh := make(chan error, 1)

	s := NewScanner(adapter, nil)
	err := s.Start(context.Background(), filter, timeout,
		func(adv Advertisement) {
			mu.Lock()
			found = append(found, adv)
			mu.Unlock()
		},
		func(err error) { doneCh <- err },
	)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case err := <-doneCh:
		mu.Lock()
		defer mu.Unlock()
		return found, err
	case <-time.After(5 * time.Second):
		t.Fatal("scan did not complete")
		return nil, nil
	}
}

func TestScannerFiltersByName(t *testing.T) {
	adapter := newMockAdapter([]Advertisement{
		{ID: "AA:BB:CC", Name: "HVASEE Sensor", RSSI: -40},
		{ID: "11:22:33", Name: "SomebodysHeadphones", RSSI: -60},
		{ID: "44:55:66", Name: "ESP32-BLE-Device", RSSI: -50},
		{ID: "77:88:99", Name: "", RSSI: -70},
	})

	found, err := collectScan(t, adapter, PeripheralNames, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("done error = %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("got %d peripherals, want 2: %+v", len(found), found)
	}
	if found[0].ID != "AA:BB:CC" || found[1].ID != "44:55:66" {
		t.Errorf("unexpected peripherals surfaced: %+v", found)
	}
}

func TestScannerDeduplicatesByID(t *testing.T) {
	adapter := newMockAdapter([]Advertisement{
		{ID: "AA:BB:CC", Name: "HVASEE Sensor", RSSI: -40},
		{ID: "AA:BB:CC", Name: "HVASEE Sensor", RSSI: -42},
		{ID: "AA:BB:CC", Name: "HVASEE Sensor", RSSI: -39},
	})

	found, err := collectScan(t, adapter, PeripheralNames, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("done error = %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("got %d peripherals, want 1 (repeat advertisements must be suppressed)", len(found))
	}
}

func TestScannerTimeoutCompletesWithoutError(t *testing.T) {
	adapter := newMockAdapter(nil)
	found, err := collectScan(t, adapter, PeripheralNames, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("done error = %v, want nil on timeout", err)
	}
	if len(found) != 0 {
		t.Fatalf("got %d peripherals, want 0", len(found))
	}
}

func TestScannerSurfacesPlatformError(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.scanErr = errors.New("hci device unavailable")

	_, err := collectScan(t, adapter, PeripheralNames, time.Second)
	if err == nil {
		t.Fatal("done error = nil, want platform scan error")
	}
}

func TestScannerEnableFailureFailsStart(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.enableErr = errors.New("bluetooth permission denied")

	s := NewScanner(adapter, nil)
	err := s.Start(context.Background(), PeripheralNames, time.Second, func(Advertisement) {}, func(error) {})
	if err == nil {
		t.Fatal("Start() error = nil, want enable failure")
	}
}

func TestScannerIsSingleUse(t *testing.T) {
	adapter := newMockAdapter(nil)
	s := NewScanner(adapter, nil)

	doneCh := make(chan error, 1)
	if err := s.Start(context.Background(), PeripheralNames, 10*time.Millisecond, func(Advertisement) {}, func(err error) { doneCh <- err }); err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	<-doneCh

	err := s.Start(context.Background(), PeripheralNames, 10*time.Millisecond, func(Advertisement) {}, func(error) {})
	if err == nil {
		t.Fatal("second Start() error = nil, want single-use error")
	}
}

func TestScannerStopEndsScanEarly(t *testing.T) {
	adapter := newMockAdapter(nil)
	s := NewScanner(adapter, nil)

	doneCh := make(chan error, 1)
	if err := s.Start(context.Background(), PeripheralNames, time.Minute, func(Advertisement) {}, func(err error) { doneCh <- err }); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	s.Stop()
	s.Stop() // idempotent

	select {
	case err := <-doneCh:
		if err != nil {
			t.Fatalf("done error = %v, want nil after Stop", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not end the scan")
	}
}
