// Package telemetry ingests sensor readings from the MQTT bridge, stores
// them, and derives per-device health status from brand fault codes.
package telemetry

import (
	"strings"
	"time"
)

// ConnectivityWindow is how stale the latest reading may be before a device
// is reported as disconnected.
const ConnectivityWindow = 30 * time.Minute

// Reading is one telemetry sample from a sensor.
type Reading struct {
	ID            string    `json:"id"`
	PeripheralID  string    `json:"peripheral_id"`
	Time          time.Time `json:"ts"`
	Amp           *float64  `json:"amp,omitempty"`
	GasPpm        *float64  `json:"gas_ppm,omitempty"`
	FlashSequence string    `json:"flash_sequence,omitempty"`
}

// CodeDetail is the brand fault-code record for a flash sequence.
type CodeDetail struct {
	Error string `json:"error"`
	Steps string `json:"steps,omitempty"`
}

// Status is the derived health of a device.
type Status string

const (
	StatusGood    Status = "good"
	StatusWarning Status = "warning"
	StatusFailure Status = "failure"
)

// DeriveStatus classifies a device from its fault-code detail and latest gas
// reading. The first word of the detail (with a trailing colon stripped)
// decides failure and warning; otherwise a negative gas value means the gas
// sensor is misreading and the device gets a warning.
func DeriveStatus(errDetail string, gasPpm float64) Status {
	if fields := strings.Fields(errDetail); len(fields) > 0 {
		first := strings.ToLower(strings.TrimSuffix(fields[0], ":"))
		switch first {
		case "failure":
			return StatusFailure
		case "warning":
			return StatusWarning
		}
	}
	if gasPpm < 0 {
		return StatusWarning
	}
	return StatusGood
}
