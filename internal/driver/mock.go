package driver

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/avdwoude/sdrstation/internal/dsp"
	"github.com/avdwoude/sdrstation/internal/logging"
)

// MockDriver is a deterministic software-only device. It accepts only
// mock:// URIs, stores loaded waveforms, and replays them on capture so
// automated tests can exercise the full TX/RX path without hardware.
type MockDriver struct {
	mu        sync.Mutex
	opts      Options
	log       logging.Logger
	connected bool
	epoch     time.Time

	configs   [NumChannels]*ChannelConfig
	waveforms [NumChannels][]complex64
	rates     [NumChannels]float64
	running   [NumChannels]bool
}

// NewMock builds a disconnected mock device.
func NewMock(opts Options) *MockDriver {
	opts = opts.withDefaults()
	return &MockDriver{opts: opts, log: opts.Logger.With(logging.F("driver", "mock"))}
}

func (m *MockDriver) Connect(_ context.Context, uri string, _ time.Duration) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !strings.HasPrefix(uri, "mock://") {
		return nil, &ConnectionError{URI: uri, Err: fmt.Errorf("mock driver requires a mock:// URI")}
	}
	m.connected = true
	m.epoch = time.Now()
	m.log.Info("mock device connected", logging.F("uri", uri))
	return &Connection{URI: uri, Serial: "MOCK1234", Firmware: "mock-1.0", IsMock: true}, nil
}

func (m *MockDriver) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return
	}
	m.connected = false
	for ch := range m.running {
		m.running[ch] = false
	}
	m.log.Info("mock device disconnected")
}

func (m *MockDriver) Capabilities() Capabilities {
	return Capabilities{
		MaxSampleRateSPS: 61.44e6,
		MinSampleRateSPS: 520.833e3,
		DualTx:           true,
		SupportsCapture:  true,
	}
}

func (m *MockDriver) ConfigureChannel(channel int, cfg ChannelConfig) error {
	if err := validChannel(channel); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return &DriverError{Op: "configure", Err: fmt.Errorf("not connected")}
	}
	if cfg.CenterFrequencyHz < 70e6 || cfg.CenterFrequencyHz > 6e9 {
		return &InvalidParameterError{
			Param:   "center_frequency_hz",
			Message: fmt.Sprintf("%.0f Hz outside 70 MHz..6 GHz", cfg.CenterFrequencyHz),
		}
	}
	if cfg.RFBandwidthHz > cfg.SampleRateSPS {
		return &InvalidParameterError{
			Param:   "rf_bandwidth_hz",
			Message: fmt.Sprintf("bandwidth %.0f exceeds sample rate %.0f", cfg.RFBandwidthHz, cfg.SampleRateSPS),
		}
	}
	c := cfg
	m.configs[channel-1] = &c
	m.log.Debug("mock channel configured",
		logging.F("channel", channel),
		logging.F("frequency_hz", cfg.CenterFrequencyHz),
		logging.F("sample_rate", cfg.SampleRateSPS))
	return nil
}

func (m *MockDriver) LoadWaveform(channel int, samples []complex64, sampleRate float64) error {
	if err := validChannel(channel); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return &DriverError{Op: "load_waveform", Err: fmt.Errorf("not connected")}
	}
	crest := dsp.CrestFactorDB(samples)
	if crest > m.opts.CrestFactorLimitDB {
		return &UnsafeWaveformError{CrestFactorDB: crest, LimitDB: m.opts.CrestFactorLimitDB}
	}
	buf := make([]complex64, len(samples))
	copy(buf, samples)
	m.waveforms[channel-1] = buf
	m.rates[channel-1] = sampleRate
	m.log.Debug("mock waveform loaded", logging.F("channel", channel), logging.F("samples", len(buf)))
	return nil
}

func (m *MockDriver) StartTransmit(channel int) error {
	if err := validChannel(channel); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return &DriverError{Op: "start_transmit", Err: fmt.Errorf("not connected")}
	}
	if m.waveforms[channel-1] == nil {
		return ErrNotConfigured
	}
	m.running[channel-1] = true
	return nil
}

func (m *MockDriver) StopTransmit(channel int) {
	if validChannel(channel) != nil {
		return
	}
	m.mu.Lock()
	m.running[channel-1] = false
	m.mu.Unlock()
}

// ReadTemperature synthesizes a slowly varying reading around 30 C.
func (m *MockDriver) ReadTemperature() (Telemetry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return Telemetry{}, &DriverError{Op: "read_temperature", Err: fmt.Errorf("not connected")}
	}
	elapsed := time.Since(m.epoch).Seconds()
	return Telemetry{
		TemperatureC: 30 + 5*math.Sin(elapsed/60),
		LOLocked:     true,
	}, nil
}

// Capture replays the waveform loaded on the channel, tiled to n samples.
// A channel without a waveform yields a low-level tone so spectrum plots
// stay alive during bring-up.
func (m *MockDriver) Capture(_ context.Context, channel int, n int) ([]complex64, error) {
	if err := validChannel(channel); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, &DriverError{Op: "capture", Err: fmt.Errorf("not connected")}
	}
	if n <= 0 {
		return nil, &InvalidParameterError{Param: "n_samples", Message: "must be positive"}
	}
	src := m.waveforms[channel-1]
	out := make([]complex64, n)
	if len(src) == 0 {
		rate := m.rates[channel-1]
		if rate <= 0 {
			rate = 2e6
		}
		step := 2 * math.Pi * 1e5 / rate
		for i := range out {
			phase := step * float64(i)
			out[i] = complex(float32(0.1*math.Cos(phase)), float32(0.1*math.Sin(phase)))
		}
		return out, nil
	}
	for i := range out {
		out[i] = src[i%len(src)]
	}
	return out, nil
}

// Running reports whether a channel is currently streaming. Test helper.
func (m *MockDriver) Running(channel int) bool {
	if validChannel(channel) != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running[channel-1]
}
