package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinygoAdapter wraps tinygo-org/bluetooth (BlueZ on Linux, CoreBluetooth on
// macOS). On macOS, peripheral identifiers are CoreBluetooth UUIDs rather
// than MAC addresses; the Advertisement.ID field carries whichever the
// platform uses.
type TinygoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinygoConnection // keyed by peripheral identifier
}

// NewTinygoAdapter creates a BLE adapter backed by the platform default.
func NewTinygoAdapter() *TinygoAdapter {
	return &TinygoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinygoConnection),
	}
}

func (a *TinygoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// Adapter-level handler fires with connected=false when a peripheral
	// drops; route it to the matching connection's OnDisconnect callback.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		a.mu.Unlock()
		if ok && conn.disconnectCb != nil {
			conn.disconnectCb()
		}
	})

	return nil
}

func (a *TinygoAdapter) Scan(ctx context.Context, found func(Advertisement)) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		found(Advertisement{
			ID:   result.Address.String(),
			Name: result.LocalName(),
			RSSI: int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *TinygoAdapter) Connect(ctx context.Context, id string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(id)

	// tinygo/bluetooth's Connect blocks internally with its own timeout.
	// Wrap it so we also respect ctx cancellation.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	var device bluetooth.Device
	select {
	case <-ctx.Done():
		// The underlying Connect will eventually time out or succeed on its
		// own; we can't cancel it from here, but we return immediately.
		return nil, fmt.Errorf("ble: connect to %s: %w", id, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", id, result.err)
		}
		device = result.device
	}

	// Full GATT discovery up front; the connection is not usable until the
	// device's whole service table is known.
	svcs, err := device.DiscoverServices(nil)
	if err != nil {
		_ = device.Disconnect()
		return nil, fmt.Errorf("ble: discover services on %s: %w", id, err)
	}

	conn := &tinygoConnection{device: &device, services: svcs}

	// Track the connection so the adapter-level disconnect handler can find
	// it and fire its OnDisconnect callback.
	a.mu.Lock()
	a.connections[id] = conn
	a.mu.Unlock()

	return conn, nil
}

// Compile-time check that TinygoAdapter implements Adapter.
var _ Adapter = (*TinygoAdapter)(nil)

type tinygoConnection struct {
	device       *bluetooth.Device
	services     []bluetooth.DeviceService
	disconnectCb func()
}

func (c *tinygoConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	for i := range c.services {
		if !strings.EqualFold(c.services[i].UUID().String(), serviceUUID) {
			continue
		}
		chars, err := c.services[i].DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
		if err != nil {
			return nil, fmt.Errorf("ble: discover characteristics: %w", err)
		}
		if len(chars) == 0 {
			return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
		}
		return &tinygoCharacteristic{char: &chars[0]}, nil
	}
	return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
}

func (c *tinygoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinygoConnection) OnDisconnect(cb func()) {
	c.disconnectCb = cb
}

type tinygoCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

func (c *tinygoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinygoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}
