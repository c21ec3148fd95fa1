// Package driver defines the capability contract every radio backend must
// expose and the URI-scheme factory that selects between the software mock
// and AD9361-class hardware.
package driver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/avdwoude/sdrstation/internal/logging"
)

// DefaultCrestFactorLimitDB gates waveform loads on both variants.
const DefaultCrestFactorLimitDB = 9.0

// NumChannels is the number of TX channels on the supported devices.
const NumChannels = 2

// Connection describes an established device link. It is immutable while
// the connection is alive.
type Connection struct {
	URI      string
	Serial   string
	Firmware string
	IsMock   bool
}

// Capabilities is the fixed feature set a backend reports after connect.
type Capabilities struct {
	MaxSampleRateSPS float64
	MinSampleRateSPS float64
	DualTx           bool
	SupportsCapture  bool
}

// ChannelConfig carries the per-channel RF parameters.
type ChannelConfig struct {
	CenterFrequencyHz float64
	SampleRateSPS     float64
	RFBandwidthHz     float64
	AttenuationDB     float64
}

// Telemetry is a point-in-time device health reading. It is produced on
// demand and never persisted.
type Telemetry struct {
	TemperatureC float64
	LOLocked     bool
	TxPowerDBM   *float64
}

// Driver is the contract between the session/pipelines and a radio. None
// of the implementations are internally thread-safe for control calls; the
// session serializes them.
type Driver interface {
	// Connect establishes the device link. Callers must Disconnect before
	// reconnecting.
	Connect(ctx context.Context, uri string, timeout time.Duration) (*Connection, error)
	// Disconnect tears the link down. Idempotent, never fails.
	Disconnect()
	Capabilities() Capabilities
	ConfigureChannel(channel int, cfg ChannelConfig) error
	LoadWaveform(channel int, samples []complex64, sampleRate float64) error
	StartTransmit(channel int) error
	// StopTransmit is idempotent.
	StopTransmit(channel int)
	ReadTemperature() (Telemetry, error)
	// Capture reads n received samples from the channel. Backends without
	// capture hardware return ErrUnsupported.
	Capture(ctx context.Context, channel int, n int) ([]complex64, error)
}

// Options tune driver construction.
type Options struct {
	CrestFactorLimitDB float64
	Logger             logging.Logger
	// SSH enables the sysfs attribute fallback on hardware whose IIOD
	// build rejects attribute writes.
	SSH *SSHConfig
}

func (o Options) withDefaults() Options {
	if o.CrestFactorLimitDB <= 0 {
		o.CrestFactorLimitDB = DefaultCrestFactorLimitDB
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	return o
}

// ForURI selects the driver variant by URI scheme: mock:// yields the
// software emulation, ip:// the IIOD-backed hardware driver.
func ForURI(uri string, opts Options) (Driver, error) {
	switch {
	case strings.HasPrefix(uri, "mock://"):
		return NewMock(opts), nil
	case strings.HasPrefix(uri, "ip://"):
		return NewPluto(opts), nil
	default:
		return nil, &ConnectionError{URI: uri, Err: fmt.Errorf("unrecognized URI scheme")}
	}
}

func validChannel(channel int) error {
	if channel < 1 || channel > NumChannels {
		return &InvalidParameterError{
			Param:   "channel",
			Message: fmt.Sprintf("channel %d outside 1..%d", channel, NumChannels),
		}
	}
	return nil
}
