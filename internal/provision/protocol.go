// Package provision implements the Wi-Fi provisioning workflow for the
// HVASEE sensor: the message protocol spoken over the single provisioning
// characteristic, the notification channel on top of a BLE connection, and
// the session state machine that drives a pairing attempt end to end.
package provision

import (
	"encoding/json"
	"fmt"
	"strings"
)

// The firmware speaks a tag-prefixed text protocol over one characteristic.
// There is no framing, no checksums, and no version field: incoming payloads
// are dispatched on their first character only. This is fragile (a legitimate
// payload starting with '[', 'C' or 'W' in another context would collide) but
// it is what the deployed sensors speak, so it is preserved as-is.

// WifiScanCommand asks the firmware to scan for Wi-Fi networks. The reply is
// a '['-tagged JSON array of networks.
const WifiScanCommand = "SCANNN"

// WifiNetwork is one entry in the firmware's Wi-Fi scan result.
type WifiNetwork struct {
	SSID       string `json:"ssid"`
	RSSI       *int   `json:"rssi,omitempty"`
	Encryption string `json:"encryption,omitempty"`
}

// MessageKind classifies a decoded notification payload.
type MessageKind int

const (
	// KindNetworkList is a '['-tagged JSON array of WifiNetwork.
	KindNetworkList MessageKind = iota
	// KindConnectAck is a 'C'-tagged confirmation that the sensor joined
	// the network; the payload is a human-readable message.
	KindConnectAck
	// KindWrongPassword is a 'W'-tagged rejection of the submitted
	// credentials.
	KindWrongPassword
	// KindUnknown is anything else; logged and otherwise ignored.
	KindUnknown
)

func (k MessageKind) String() string {
	switch k {
	case KindNetworkList:
		return "networkList"
	case KindConnectAck:
		return "connectAck"
	case KindWrongPassword:
		return "wrongPassword"
	default:
		return "unknown"
	}
}

// Message is a decoded notification from the sensor.
type Message struct {
	Kind     MessageKind
	Networks []WifiNetwork // set for KindNetworkList
	Text     string        // the full decoded payload
}

// DecodeMessage dispatches a decoded notification string on its first
// character. A malformed network-list JSON is reported as an error so the
// caller can log and drop the notification; channel health is unaffected.
func DecodeMessage(s string) (Message, error) {
	if s == "" {
		return Message{Kind: KindUnknown}, nil
	}
	switch s[0] {
	case '[':
		var networks []WifiNetwork
		if err := json.Unmarshal([]byte(s), &networks); err != nil {
			return Message{}, fmt.Errorf("provision: parse network list: %w", err)
		}
		return Message{Kind: KindNetworkList, Networks: networks, Text: s}, nil
	case 'C':
		return Message{Kind: KindConnectAck, Text: s}, nil
	case 'W':
		return Message{Kind: KindWrongPassword, Text: s}, nil
	default:
		return Message{Kind: KindUnknown, Text: s}, nil
	}
}

// EncodeWifiCredentials builds the "<ssid>:<password>" submission. The
// firmware splits at the first colon, so a colon in the password is fine but
// one in the SSID would corrupt the split; reject it here rather than
// provision the wrong network.
func EncodeWifiCredentials(ssid, password string) ([]byte, error) {
	if ssid == "" {
		return nil, fmt.Errorf("provision: ssid must not be empty")
	}
	if strings.Contains(ssid, ":") {
		return nil, fmt.Errorf("provision: ssid %q contains ':', unsupported by the sensor firmware", ssid)
	}
	return []byte(ssid + ":" + password), nil
}

// EncodeDeviceCredentials builds the "Credentials/..." registration command
// sent after the user names the device.
func EncodeDeviceCredentials(deviceName, userEmail, userPassword string) []byte {
	return []byte("Credentials/" + deviceName + "/" + userEmail + "/" + userPassword)
}
