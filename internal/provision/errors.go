package provision

import "fmt"

// The provisioning error taxonomy. Transport-layer failures (scan, connect,
// write, decode) are recovered locally by the session with a stage regression
// and never escape as panics. RegistrationError is the one failure surfaced
// to the user as a blocking condition: the sensor may already be on the
// network while our record of it failed to save.

// ScanError is a platform scan failure or permission denial.
type ScanError struct{ Err error }

func (e *ScanError) Error() string { return fmt.Sprintf("scan failed: %v", e.Err) }
func (e *ScanError) Unwrap() error { return e.Err }

// ConnectionError is a connect or GATT discovery failure.
type ConnectionError struct{ Err error }

func (e *ConnectionError) Error() string { return fmt.Sprintf("connection failed: %v", e.Err) }
func (e *ConnectionError) Unwrap() error { return e.Err }

// WriteError is a characteristic write failure. The user may retry the same
// submission; there is no automatic retry.
type WriteError struct{ Err error }

func (e *WriteError) Error() string { return fmt.Sprintf("write failed: %v", e.Err) }
func (e *WriteError) Unwrap() error { return e.Err }

// DecodeError is a malformed notification (bad base64 or bad JSON). The
// single notification is dropped; the channel stays healthy.
type DecodeError struct{ Err error }

func (e *DecodeError) Error() string { return fmt.Sprintf("decode failed: %v", e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// RegistrationError is a device-registry persistence failure after a
// successful Wi-Fi hand-off.
type RegistrationError struct{ Err error }

func (e *RegistrationError) Error() string { return fmt.Sprintf("device registration failed: %v", e.Err) }
func (e *RegistrationError) Unwrap() error { return e.Err }
