// Package ble provides BLE discovery and connection management for the
// HVASEE HVAC sensor (an ESP32 running the HVASEE provisioning firmware).
// All communication with the sensor happens over a single GATT service and
// characteristic; the message layer on top lives in internal/provision.
package ble

import "context"

// HVASEE provisioning firmware UUIDs. One service, one characteristic,
// both directions.
const (
	ServiceUUID        = "4fafc201-1fb5-459e-8fcc-c5c9c331914b"
	CharacteristicUUID = "beb5483e-36e1-4688-b7f5-ea07361b26a8"
)

// PeripheralNames lists the advertised names the sensor firmware uses.
// Anything else is ignored during discovery.
var PeripheralNames = []string{"HVASEE Sensor", "ESP32-BLE-Device"}

// Advertisement is one raw advertisement report from the platform stack.
type Advertisement struct {
	ID   string // platform identifier (MAC on Linux, CoreBluetooth UUID on macOS)
	Name string
	RSSI int
}

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Connection represents an active BLE connection to a peripheral whose
// GATT discovery has completed.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection. Safe to call more than once.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter. Failure here (radio off, missing
	// permissions) aborts any scan or connect attempt.
	Enable() error
	// Scan streams raw advertisements to found until ctx is cancelled or the
	// platform reports an error. Cancellation is not an error.
	Scan(ctx context.Context, found func(Advertisement)) error
	// Connect establishes a connection to the peripheral with the given
	// identifier and performs GATT discovery before returning.
	Connect(ctx context.Context, id string) (Connection, error)
}
