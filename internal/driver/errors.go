package driver

import (
	"errors"
	"fmt"
)

// ErrUnsupported reports a capability the device does not implement.
// Callers treat it as fatal for the operation, not for the session.
var ErrUnsupported = errors.New("operation not supported by this device")

// ErrNotConfigured reports a streaming request on a channel that has no
// waveform loaded.
var ErrNotConfigured = errors.New("no waveform loaded for channel")

// ErrConnectTimeout reports that a device did not answer within the
// connect deadline.
var ErrConnectTimeout = errors.New("connect timed out")

// ConnectionError wraps failures to reach or keep a device connection.
type ConnectionError struct {
	URI string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.URI, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// DriverError wraps a vendor command the device rejected.
type DriverError struct {
	Op  string
	Err error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("driver %s: %v", e.Op, e.Err)
}

func (e *DriverError) Unwrap() error { return e.Err }

// InvalidParameterError reports a configuration value outside the device's
// legal range.
type InvalidParameterError struct {
	Param   string
	Message string
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Param, e.Message)
}

// UnsafeWaveformError reports a waveform whose crest factor exceeds the
// configured headroom limit.
type UnsafeWaveformError struct {
	CrestFactorDB float64
	LimitDB       float64
}

func (e *UnsafeWaveformError) Error() string {
	return fmt.Sprintf("waveform crest factor %.2f dB exceeds limit %.2f dB", e.CrestFactorDB, e.LimitDB)
}
