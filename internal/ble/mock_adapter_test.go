package ble

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// mockCharacteristic records writes and allows simulating notifications.
type mockCharacteristic struct {
	mu       sync.Mutex
	writes   [][]byte
	writeErr error
	callback func([]byte)
}

func (c *mockCharacteristic) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	return nil
}

func (c *mockCharacteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
	return nil
}

// SimulateNotification delivers a notification to the subscriber.
func (c *mockCharacteristic) SimulateNotification(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

// Writes returns a snapshot of everything written so far.
func (c *mockCharacteristic) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// mockConnection simulates a connected peripheral with the single
// provisioning characteristic.
type mockConnection struct {
	mu          sync.Mutex
	char        *mockCharacteristic
	discoverErr error

	disconnects  int
	disconnectCb func()
}

func newMockConnection() *mockConnection {
	return &mockConnection{char: &mockCharacteristic{}}
}

func (c *mockConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.discoverErr != nil {
		return nil, c.discoverErr
	}
	if serviceUUID != ServiceUUID || charUUID != CharacteristicUUID {
		return nil, fmt.Errorf("mock: unknown characteristic %s/%s", serviceUUID, charUUID)
	}
	return c.char, nil
}

func (c *mockConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	return nil
}

func (c *mockConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// Disconnects reports how many times Disconnect was called.
func (c *mockConnection) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// mockAdapter simulates the BLE adapter: it replays a scripted sequence of
// advertisements and hands out mock connections.
type mockAdapter struct {
	mu             sync.Mutex
	advertisements []Advertisement
	enableErr      error
	scanErr        error
	connectErr     error
	connection     *mockConnection // most recent connection for test assertions
	connectCalls   int
}

func newMockAdapter(advs []Advertisement) *mockAdapter {
	return &mockAdapter{advertisements: advs}
}

func (a *mockAdapter) Enable() error { return a.enableErr }

func (a *mockAdapter) Scan(ctx context.Context, found func(Advertisement)) error {
	a.mu.Lock()
	advs := a.advertisements
	scanErr := a.scanErr
	a.mu.Unlock()

	for _, adv := range advs {
		found(adv)
	}
	if scanErr != nil {
		return scanErr
	}
	<-ctx.Done()
	return nil
}

func (a *mockAdapter) Connect(_ context.Context, _ string) (Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connectCalls++
	if a.connectErr != nil {
		return nil, a.connectErr
	}
	conn := newMockConnection()
	a.connection = conn
	return conn, nil
}

// latestConnection returns the most recently created connection (thread-safe).
func (a *mockAdapter) latestConnection() *mockConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connection
}

func TestMockAdapterImplementsInterface(t *testing.T) {
	var _ Adapter = (*mockAdapter)(nil)
}

func TestMockConnectionImplementsInterface(t *testing.T) {
	var _ Connection = (*mockConnection)(nil)
}

func TestMockCharacteristicImplementsInterface(t *testing.T) {
	var _ Characteristic = (*mockCharacteristic)(nil)
}
