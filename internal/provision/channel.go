package provision

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/hvasee/sensorlink/internal/ble"
)

// DefaultWriteTimeout bounds a single characteristic write. The BLE
// primitives can hang indefinitely without one.
const DefaultWriteTimeout = 10 * time.Second

// Channel is the single-purpose notification channel to the sensor: one
// notify subscription and one send primitive, both on the fixed provisioning
// characteristic. Payloads are base64-encoded on the wire in both directions.
type Channel struct {
	char         ble.Characteristic
	logger       *slog.Logger
	writeTimeout time.Duration
}

// OpenChannel locates the provisioning characteristic on a connected
// peripheral and subscribes to its notifications. Decoded messages are
// handed to onMessage; malformed payloads are logged and dropped without
// affecting the subscription.
func OpenChannel(conn ble.Connection, logger *slog.Logger, onMessage func(Message)) (*Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	char, err := conn.DiscoverCharacteristic(ble.ServiceUUID, ble.CharacteristicUUID)
	if err != nil {
		return nil, fmt.Errorf("provision: discover characteristic: %w", err)
	}

	c := &Channel{char: char, logger: logger, writeTimeout: DefaultWriteTimeout}

	err = char.Subscribe(func(data []byte) {
		decoded, err := base64.StdEncoding.DecodeString(string(data))
		if err != nil {
			c.logger.Warn("[BLE] dropping malformed notification", "error", &DecodeError{err})
			return
		}
		msg, err := DecodeMessage(string(decoded))
		if err != nil {
			c.logger.Warn("[BLE] dropping undecodable notification", "error", &DecodeError{err})
			return
		}
		if msg.Kind == KindUnknown {
			c.logger.Warn("[BLE] unrecognized device response", "payload", msg.Text)
		}
		onMessage(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("provision: subscribe to notifications: %w", err)
	}

	return c, nil
}

// Send base64-encodes payload and writes it to the provisioning
// characteristic, bounded by the write timeout.
func (c *Channel) Send(payload []byte) error {
	encoded := base64.StdEncoding.EncodeToString(payload)

	errCh := make(chan error, 1)
	go func() { errCh <- c.char.Write([]byte(encoded)) }()

	select {
	case err := <-errCh:
		if err != nil {
			return &WriteError{err}
		}
		return nil
	case <-time.After(c.writeTimeout):
		return &WriteError{fmt.Errorf("write timed out after %s", c.writeTimeout)}
	}
}
