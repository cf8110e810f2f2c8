package provision

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hvasee/sensorlink/internal/ble"
)

// DefaultConnectTimeout bounds the connect + GATT discovery step.
const DefaultConnectTimeout = 15 * time.Second

// Stage is the position of a pairing attempt in the provisioning workflow.
type Stage int

const (
	StageScanning Stage = iota
	StageDeviceSelection
	StageConnecting
	StageDeviceInfo
	StageWifiSetup
	StageCompleted
	StageAbandoned
)

func (s Stage) String() string {
	switch s {
	case StageScanning:
		return "scanning"
	case StageDeviceSelection:
		return "deviceSelection"
	case StageConnecting:
		return "connecting"
	case StageDeviceInfo:
		return "deviceInfo"
	case StageWifiSetup:
		return "wifiSetup"
	case StageCompleted:
		return "completed"
	case StageAbandoned:
		return "abandoned"
	default:
		return "invalid"
	}
}

// Outcome is the last protocol-level result of a credential submission.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeSuccess
	OutcomeWrongPassword
	OutcomeError
)

// User is the signed-in account context from the auth collaborator. The
// password is only ever sent to the sensor in the device-credential command;
// it is never persisted to the device registry.
type User struct {
	ID       string
	Email    string
	Password string
}

// Peripheral is a discovered sensor offered for selection.
type Peripheral struct {
	ID   string
	Name string
	RSSI int
}

// DeviceRegistry persists the association between a user and a successfully
// provisioned sensor. Called exactly once per completed session.
type DeviceRegistry interface {
	RegisterDevice(ctx context.Context, userID, peripheralID, deviceName, deviceBrand string) error
}

// Options configures a provisioning session.
type Options struct {
	NameFilter     []string      // advertised names to accept; defaults to ble.PeripheralNames
	ScanTimeout    time.Duration // defaults to ble.DefaultScanTimeout
	ConnectTimeout time.Duration // defaults to DefaultConnectTimeout
	AutoConnect    bool          // connect to the first match without manual selection
}

// Session drives one pairing attempt:
//
//	scanning → deviceSelection → connecting → deviceInfo → wifiSetup → completed
//
// with abandoned as the terminal stage on cancel. All BLE callbacks and user
// actions are serialized through one mutex, so transitions observe a single
// consistent ordering even when a notification arrives while a write is in
// flight. Transport errors regress the stage and are logged; only a registry
// failure is surfaced to the caller as a blocking condition.
type Session struct {
	adapter  ble.Adapter
	registry DeviceRegistry
	user     User
	opts     Options
	logger   *slog.Logger

	ctx context.Context

	mu          sync.Mutex
	stage       Stage
	scanner     *ble.Scanner
	devices     []Peripheral
	selected    *Peripheral
	conn        ble.Connection
	channel     *Channel
	deviceName  string
	deviceBrand string
	networks    []WifiNetwork
	selectedNet *WifiNetwork
	outcome     Outcome
	statusText  string
	lastErr     error
	registering bool
	registered  bool
	closed      bool

	updates chan struct{}
}

// NewSession creates a provisioning session for the given user. The adapter
// and registry are the session's only external collaborators.
func NewSession(adapter ble.Adapter, registry DeviceRegistry, user User, opts Options, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if len(opts.NameFilter) == 0 {
		opts.NameFilter = ble.PeripheralNames
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = ble.DefaultScanTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	return &Session{
		adapter:  adapter,
		registry: registry,
		user:     user,
		opts:     opts,
		logger:   logger,
		stage:    StageScanning,
		updates:  make(chan struct{}, 1),
	}
}

// Start begins the device scan. An adapter enable failure (radio off,
// permissions denied) fails hard: the session regresses to deviceSelection
// with an empty list and the error is returned for display.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("provision: session closed")
	}
	s.ctx = ctx
	s.stage = StageScanning
	scanner := ble.NewScanner(s.adapter, s.logger)
	s.scanner = scanner
	s.mu.Unlock()

	err := scanner.Start(ctx, s.opts.NameFilter, s.opts.ScanTimeout, s.handleDeviceFound, s.handleScanDone)
	if err != nil {
		s.mu.Lock()
		s.stage = StageDeviceSelection
		s.lastErr = &ScanError{err}
		s.mu.Unlock()
		s.signal()
		return &ScanError{err}
	}
	return nil
}

// Rescan starts a fresh scan from deviceSelection (the scanner itself is
// single-use).
func (s *Session) Rescan() error {
	s.mu.Lock()
	if s.stage != StageDeviceSelection {
		s.mu.Unlock()
		return fmt.Errorf("provision: cannot rescan in stage %s", s.stage)
	}
	s.devices = nil
	ctx := s.ctx
	s.mu.Unlock()
	s.signal()
	return s.Start(ctx)
}

func (s *Session) handleDeviceFound(adv ble.Advertisement) {
	s.mu.Lock()
	if s.closed || (s.stage != StageScanning && s.stage != StageDeviceSelection) {
		s.mu.Unlock()
		return
	}
	p := Peripheral{ID: adv.ID, Name: adv.Name, RSSI: adv.RSSI}
	s.devices = append(s.devices, p)

	if s.opts.AutoConnect && s.selected == nil {
		s.selected = &p
		s.beginConnectLocked(true)
		s.mu.Unlock()
		s.signal()
		return
	}
	s.mu.Unlock()
	s.signal()
}

func (s *Session) handleScanDone(err error) {
	s.mu.Lock()
	if s.closed || s.stage != StageScanning {
		s.mu.Unlock()
		return
	}
	// A scan error is handled like a timeout with whatever was found so far:
	// move to selection and let the user rescan.
	if err != nil {
		s.lastErr = &ScanError{err}
		s.logger.Warn("[provision] scan failed", "error", err)
	}
	s.stage = StageDeviceSelection
	s.mu.Unlock()
	s.signal()
}

// SelectDevice transitions deviceSelection → connecting for the peripheral
// with the given identifier.
func (s *Session) SelectDevice(id string) error {
	s.mu.Lock()
	if s.stage != StageDeviceSelection && s.stage != StageScanning {
		s.mu.Unlock()
		return fmt.Errorf("provision: cannot select a device in stage %s", s.stage)
	}
	var picked *Peripheral
	for i := range s.devices {
		if s.devices[i].ID == id {
			picked = &s.devices[i]
			break
		}
	}
	if picked == nil {
		s.mu.Unlock()
		return fmt.Errorf("provision: unknown device %q", id)
	}
	s.selected = picked
	s.beginConnectLocked(false)
	s.mu.Unlock()
	s.signal()
	return nil
}

// beginConnectLocked moves to connecting and launches the connect + channel
// setup in the background. Caller holds s.mu.
func (s *Session) beginConnectLocked(auto bool) {
	s.stage = StageConnecting
	if s.scanner != nil {
		s.scanner.Stop()
	}
	target := *s.selected
	parent := s.ctx

	go func() {
		ctx, cancel := context.WithTimeout(parent, s.opts.ConnectTimeout)
		defer cancel()

		conn, err := s.adapter.Connect(ctx, target.ID)
		if err != nil {
			s.handleConnectFailed(auto, &ConnectionError{err})
			return
		}
		channel, err := OpenChannel(conn, s.logger, s.handleMessage)
		if err != nil {
			_ = conn.Disconnect()
			s.handleConnectFailed(auto, &ConnectionError{err})
			return
		}
		s.handleConnected(conn, channel)
	}()
}

func (s *Session) handleConnectFailed(auto bool, err error) {
	s.mu.Lock()
	if s.closed || s.stage != StageConnecting {
		s.mu.Unlock()
		return
	}
	s.logger.Warn("[provision] connect failed", "device", s.selected.ID, "error", err)
	s.lastErr = err
	s.selected = nil

	if auto {
		// The match was automatic; resume discovery with a fresh scan.
		s.stage = StageScanning
		scanner := ble.NewScanner(s.adapter, s.logger)
		s.scanner = scanner
		ctx := s.ctx
		s.mu.Unlock()
		if serr := scanner.Start(ctx, s.opts.NameFilter, s.opts.ScanTimeout, s.handleDeviceFound, s.handleScanDone); serr != nil {
			s.mu.Lock()
			s.stage = StageDeviceSelection
			s.lastErr = &ScanError{serr}
			s.mu.Unlock()
		}
		s.signal()
		return
	}

	s.stage = StageDeviceSelection
	s.mu.Unlock()
	s.signal()
}

func (s *Session) handleConnected(conn ble.Connection, channel *Channel) {
	s.mu.Lock()
	if s.closed {
		// Torn down while the connect was in flight; release immediately.
		s.mu.Unlock()
		_ = conn.Disconnect()
		return
	}
	s.conn = conn
	s.channel = channel
	s.stage = StageDeviceInfo
	s.mu.Unlock()

	conn.OnDisconnect(s.handleUnexpectedDisconnect)
	s.signal()
}

func (s *Session) handleUnexpectedDisconnect() {
	s.mu.Lock()
	if s.closed || s.stage == StageCompleted || s.stage == StageAbandoned {
		s.mu.Unlock()
		return
	}
	s.logger.Warn("[provision] peripheral disconnected unexpectedly", "stage", s.stage.String())
	s.conn = nil
	s.channel = nil
	s.selected = nil
	s.stage = StageDeviceSelection
	s.mu.Unlock()
	s.signal()
}

// SubmitDeviceInfo records the user-chosen device name and brand and
// transitions deviceInfo → wifiSetup. Requires a signed-in user; sends the
// device-credential registration command to the sensor as a non-blocking
// side effect.
func (s *Session) SubmitDeviceInfo(name, brand string) error {
	name = strings.TrimSpace(name)
	brand = strings.TrimSpace(brand)

	s.mu.Lock()
	if s.stage != StageDeviceInfo {
		s.mu.Unlock()
		return fmt.Errorf("provision: cannot submit device info in stage %s", s.stage)
	}
	if s.user.ID == "" {
		s.mu.Unlock()
		return fmt.Errorf("provision: no signed-in user")
	}
	if name == "" {
		s.mu.Unlock()
		return fmt.Errorf("provision: device name must not be empty")
	}
	if brand == "" {
		s.mu.Unlock()
		return fmt.Errorf("provision: device brand must not be empty")
	}
	s.deviceName = name
	s.deviceBrand = brand
	s.stage = StageWifiSetup
	channel := s.channel
	email, password := s.user.Email, s.user.Password
	s.mu.Unlock()

	// Optional side effect of the transition, not a blocking precondition.
	go func() {
		if err := channel.Send(EncodeDeviceCredentials(name, email, password)); err != nil {
			s.logger.Warn("[provision] device-credential command failed", "error", err)
		}
	}()

	s.signal()
	return nil
}

// ScanNetworks asks the sensor for visible Wi-Fi networks. The reply arrives
// asynchronously as a '['-tagged notification.
func (s *Session) ScanNetworks() error {
	s.mu.Lock()
	if s.stage != StageWifiSetup {
		s.mu.Unlock()
		return fmt.Errorf("provision: cannot scan networks in stage %s", s.stage)
	}
	channel := s.channel
	s.mu.Unlock()

	return channel.Send([]byte(WifiScanCommand))
}

// SelectNetwork picks one network from the current scan results.
func (s *Session) SelectNetwork(ssid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage != StageWifiSetup {
		return fmt.Errorf("provision: cannot select a network in stage %s", s.stage)
	}
	for i := range s.networks {
		if s.networks[i].SSID == ssid {
			s.selectedNet = &s.networks[i]
			s.outcome = OutcomeNone
			return nil
		}
	}
	return fmt.Errorf("provision: unknown network %q", ssid)
}

// SubmitWifiPassword sends the selected network's credentials to the sensor.
// Valid only in wifiSetup with a network selected. The result arrives as a
// 'C' or 'W' tagged notification; on 'W' the selection is retained so the
// user can resubmit a corrected password without rescanning.
func (s *Session) SubmitWifiPassword(password string) error {
	s.mu.Lock()
	if s.stage != StageWifiSetup {
		s.mu.Unlock()
		return fmt.Errorf("provision: cannot submit credentials in stage %s", s.stage)
	}
	if s.selectedNet == nil {
		s.mu.Unlock()
		return fmt.Errorf("provision: no network selected")
	}
	ssid := s.selectedNet.SSID
	channel := s.channel
	s.outcome = OutcomeNone
	s.mu.Unlock()

	payload, err := EncodeWifiCredentials(ssid, password)
	if err != nil {
		return err
	}
	return channel.Send(payload)
}

// handleMessage consumes decoded notifications from the channel. Any
// network-list notification refreshes the list regardless of which action
// triggered it; the protocol has no sequence numbers.
func (s *Session) handleMessage(msg Message) {
	switch msg.Kind {
	case KindNetworkList:
		s.mu.Lock()
		s.networks = msg.Networks
		s.selectedNet = nil
		s.mu.Unlock()
		s.signal()

	case KindWrongPassword:
		s.mu.Lock()
		if s.stage != StageWifiSetup {
			s.mu.Unlock()
			return
		}
		s.outcome = OutcomeWrongPassword
		s.statusText = msg.Text
		s.mu.Unlock()
		s.signal()

	case KindConnectAck:
		s.handleConnectAck(msg)

	case KindUnknown:
		// Already logged by the channel.
	}
}

// handleConnectAck persists the device association. Exactly one registry
// call is made per session even if the sensor repeats the acknowledgment.
func (s *Session) handleConnectAck(msg Message) {
	s.mu.Lock()
	if s.stage != StageWifiSetup || s.registering || s.registered {
		s.mu.Unlock()
		return
	}
	s.registering = true
	s.statusText = msg.Text
	userID := s.user.ID
	peripheralID := s.selected.ID
	name, brand := s.deviceName, s.deviceBrand
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.registry.RegisterDevice(ctx, userID, peripheralID, name, brand)

	s.mu.Lock()
	s.registering = false
	if err != nil {
		// The sensor is on the network but our record failed to save; this
		// is the one failure that must block and be shown to the user.
		s.lastErr = &RegistrationError{err}
		s.outcome = OutcomeError
		s.logger.Error("[provision] device registration failed", "device", peripheralID, "error", err)
		s.mu.Unlock()
		s.signal()
		return
	}
	s.registered = true
	s.outcome = OutcomeSuccess
	s.stage = StageCompleted
	s.mu.Unlock()

	s.logger.Info("[provision] device registered", "device", peripheralID, "name", name, "brand", brand)
	s.signal()
}

// Close tears the session down: the scan handle is released and the
// peripheral disconnected on every exit path, even with a connect attempt
// still in flight. Idempotent — a second Close (or a late error callback
// after one) does nothing.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.stage != StageCompleted {
		s.stage = StageAbandoned
	}
	scanner := s.scanner
	conn := s.conn
	s.conn = nil
	s.channel = nil
	s.mu.Unlock()

	if scanner != nil {
		scanner.Stop()
	}
	if conn != nil {
		if err := conn.Disconnect(); err != nil {
			s.logger.Warn("[provision] disconnect on teardown failed", "error", err)
		}
	}
	s.signal()
	return nil
}

// Updates signals after every state change; reads coalesce.
func (s *Session) Updates() <-chan struct{} { return s.updates }

func (s *Session) signal() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// Stage returns the current workflow stage.
func (s *Session) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// Devices returns the peripherals discovered so far, in discovery order.
func (s *Session) Devices() []Peripheral {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Peripheral, len(s.devices))
	copy(out, s.devices)
	return out
}

// Networks returns the most recent Wi-Fi scan results.
func (s *Session) Networks() []WifiNetwork {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WifiNetwork, len(s.networks))
	copy(out, s.networks)
	return out
}

// SelectedNetwork returns the currently selected network, or nil.
func (s *Session) SelectedNetwork() *WifiNetwork {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selectedNet == nil {
		return nil
	}
	n := *s.selectedNet
	return &n
}

// Outcome returns the last protocol result of a credential submission.
func (s *Session) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// StatusText returns the sensor's last human-readable response.
func (s *Session) StatusText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusText
}

// Err returns the last recorded failure (scan, connection, or registration).
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}
