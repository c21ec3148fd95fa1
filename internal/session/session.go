// Package session ties a device driver and its transmit and receive
// pipelines into one connection-scoped manager.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avdwoude/sdrstation/internal/driver"
	"github.com/avdwoude/sdrstation/internal/dsp"
	"github.com/avdwoude/sdrstation/internal/events"
	"github.com/avdwoude/sdrstation/internal/logging"
	"github.com/avdwoude/sdrstation/internal/metrics"
	"github.com/avdwoude/sdrstation/internal/pipeline"
)

// ErrNotConnected is returned by operations that need a live device.
var ErrNotConnected = errors.New("no device connected")

// ChannelState is the session's view of one transmit channel. It only ever
// reflects configurations the driver accepted.
type ChannelState struct {
	Channel           int
	Enabled           bool
	CenterFrequencyHz float64
	SampleRateSPS     float64
	RFBandwidthHz     float64
	AttenuationDB     float64
	SyncGroup         string
	Waveform          *dsp.Spec
	Underruns         uint64
	Running           bool
	LastTemperatureC  float64
}

// Telemetry is a point-in-time snapshot of the whole station.
type Telemetry struct {
	Connection   *driver.Connection
	TemperatureC float64
	LOLocked     bool
	Channels     [driver.NumChannels]ChannelState
}

// Manager owns one driver connection and both pipelines. All control-plane
// calls are serialized through its mutex; data-plane work runs inside the
// pipelines' own goroutines.
type Manager struct {
	cfg Config
	bus *events.Bus
	log logging.Logger
	met *metrics.Set

	mu       sync.Mutex
	drv      driver.Driver
	conn     *driver.Connection
	tx       *pipeline.Tx
	rx       *pipeline.Rx
	channels [driver.NumChannels]ChannelState
}

// New builds a manager. Connect must be called before any channel
// operation.
func New(cfg Config, bus *events.Bus, log logging.Logger, met *metrics.Set) *Manager {
	if log == nil {
		log = logging.Discard()
	}
	m := &Manager{
		cfg: cfg.withDefaults(),
		bus: bus,
		log: log,
		met: met,
	}
	for i := range m.channels {
		m.channels[i] = m.seedChannel(i + 1)
	}
	return m
}

func (m *Manager) seedChannel(channel int) ChannelState {
	d := m.cfg.Channels[channel-1]
	return ChannelState{
		Channel:           channel,
		Enabled:           d.Enabled,
		CenterFrequencyHz: d.CenterFrequencyHz,
		SampleRateSPS:     d.SampleRateSPS,
		RFBandwidthHz:     d.RFBandwidthHz,
		AttenuationDB:     d.AttenuationDB,
		SyncGroup:         d.SyncGroup,
	}
}

// Connect resolves a driver from the URI scheme, connects it, and builds
// both pipelines against it. Connecting while connected fails.
func (m *Manager) Connect(ctx context.Context, uri string) (*driver.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.drv != nil {
		return nil, fmt.Errorf("already connected to %s", m.conn.URI)
	}

	drv, err := driver.ForURI(uri, driver.Options{
		CrestFactorLimitDB: m.cfg.Waveform.CrestFactorLimitDB,
		Logger:             m.log,
	})
	if err != nil {
		return nil, err
	}
	conn, err := drv.Connect(ctx, uri, m.cfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}

	m.drv = drv
	m.conn = conn
	m.tx = pipeline.NewTx(drv, m.bus, m.log, m.met, pipeline.TxDefaults{
		Amplitude: m.cfg.Waveform.Amplitude,
	})
	m.rx = pipeline.NewRx(drv, m.bus, m.log, m.met, m.cfg.Rx)
	for i := range m.channels {
		m.channels[i] = m.seedChannel(i + 1)
	}

	m.log.Info("device connected",
		logging.F("uri", conn.URI),
		logging.F("serial", conn.Serial),
		logging.F("mock", conn.IsMock))
	m.publish(events.DeviceConnected, map[string]any{
		"uri":    conn.URI,
		"serial": conn.Serial,
		"mock":   conn.IsMock,
	})
	out := *conn
	return &out, nil
}

// Disconnect shuts both pipelines down, then releases the device.
// Disconnecting while not connected is a no-op.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	drv, tx, rx := m.drv, m.tx, m.rx
	conn := m.conn
	m.drv, m.tx, m.rx, m.conn = nil, nil, nil, nil
	for i := range m.channels {
		m.channels[i].Running = false
	}
	m.mu.Unlock()
	if drv == nil {
		return
	}

	tx.Shutdown()
	rx.Shutdown()
	drv.Disconnect()
	m.log.Info("device disconnected", logging.F("uri", conn.URI))
	m.publish(events.DeviceDisconnected, map[string]any{"uri": conn.URI})
}

// Connected reports whether a device is attached.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drv != nil
}

// ApplyChannelConfig validates the requested rates, pushes them to the
// driver, and records the new state. On a failed validation the stored
// state is left at its last accepted values and the result explains why.
func (m *Manager) ApplyChannelConfig(channel int, want ChannelState) (dsp.RateCheckResult, error) {
	m.mu.Lock()
	tx := m.tx
	m.mu.Unlock()
	if tx == nil {
		return dsp.RateCheckResult{}, ErrNotConnected
	}

	result, err := tx.Configure(channel, driver.ChannelConfig{
		CenterFrequencyHz: want.CenterFrequencyHz,
		SampleRateSPS:     want.SampleRateSPS,
		RFBandwidthHz:     want.RFBandwidthHz,
		AttenuationDB:     want.AttenuationDB,
	})
	if !result.Valid || err != nil {
		return result, err
	}

	m.mu.Lock()
	st := &m.channels[channel-1]
	st.Enabled = true
	st.CenterFrequencyHz = want.CenterFrequencyHz
	st.SampleRateSPS = want.SampleRateSPS
	st.RFBandwidthHz = want.RFBandwidthHz
	st.AttenuationDB = want.AttenuationDB
	st.SyncGroup = want.SyncGroup
	m.mu.Unlock()

	m.log.Info("channel configured",
		logging.F("channel", channel),
		logging.F("center_hz", want.CenterFrequencyHz),
		logging.F("rate_sps", want.SampleRateSPS))
	m.publish(events.ChannelConfigApplied, map[string]any{
		"channel":      channel,
		"center_hz":    want.CenterFrequencyHz,
		"rate_sps":     want.SampleRateSPS,
		"bandwidth_hz": want.RFBandwidthHz,
	})
	return result, nil
}

// LoadWaveform hands a waveform to the channel's transmit pipeline and
// records its descriptor.
func (m *Manager) LoadWaveform(channel int, wf pipeline.Waveform) error {
	m.mu.Lock()
	tx := m.tx
	m.mu.Unlock()
	if tx == nil {
		return ErrNotConnected
	}
	if err := tx.PushWaveform(channel, wf); err != nil {
		return err
	}

	// The pipeline may have re-clamped the amplitude; record its copy.
	cached, _ := tx.Cached(channel)
	spec := cached.Spec

	m.mu.Lock()
	m.channels[channel-1].Waveform = &spec
	m.mu.Unlock()

	m.log.Info("waveform loaded",
		logging.F("channel", channel),
		logging.F("name", spec.Name),
		logging.F("samples", spec.NumSamples))
	m.publish(events.WaveformLoaded, map[string]any{
		"channel":  channel,
		"name":     spec.Name,
		"kind":     string(spec.Kind),
		"samples":  spec.NumSamples,
		"crest_db": spec.CrestFactorDB,
	})
	return nil
}

// Start begins streaming the channel's cached waveform.
func (m *Manager) Start(channel int) error {
	m.mu.Lock()
	tx := m.tx
	m.mu.Unlock()
	if tx == nil {
		return ErrNotConnected
	}
	if err := tx.Start(channel); err != nil {
		return err
	}
	m.mu.Lock()
	m.channels[channel-1].Running = true
	m.mu.Unlock()
	return nil
}

// Stop halts streaming on the channel. Stopping an idle channel is a
// no-op.
func (m *Manager) Stop(channel int) error {
	m.mu.Lock()
	tx := m.tx
	m.mu.Unlock()
	if tx == nil {
		return ErrNotConnected
	}
	if err := tx.Stop(channel); err != nil {
		return err
	}
	m.mu.Lock()
	m.channels[channel-1].Running = false
	m.mu.Unlock()
	return nil
}

// StartMonitor begins spectrum monitoring on the channel.
func (m *Manager) StartMonitor(channel int) error {
	m.mu.Lock()
	rx := m.rx
	m.mu.Unlock()
	if rx == nil {
		return ErrNotConnected
	}
	return rx.Start(channel)
}

// StopMonitor halts spectrum monitoring on the channel.
func (m *Manager) StopMonitor(channel int) {
	m.mu.Lock()
	rx := m.rx
	m.mu.Unlock()
	if rx == nil {
		return
	}
	rx.Stop(channel)
}

// Snapshot returns a deep copy of the station state, including a fresh
// temperature reading when connected.
func (m *Manager) Snapshot() Telemetry {
	m.mu.Lock()
	drv, tx := m.drv, m.tx
	var t Telemetry
	if m.conn != nil {
		conn := *m.conn
		t.Connection = &conn
	}
	t.Channels = m.channels
	m.mu.Unlock()

	for i := range t.Channels {
		st := &t.Channels[i]
		if st.Waveform != nil {
			spec := *st.Waveform
			st.Waveform = &spec
		}
		if tx != nil {
			st.Underruns = tx.Underruns(st.Channel)
			st.Running = tx.Status(st.Channel).Running
		}
	}

	if drv != nil {
		if tel, err := drv.ReadTemperature(); err == nil {
			t.TemperatureC = tel.TemperatureC
			t.LOLocked = tel.LOLocked
			m.mu.Lock()
			for i := range m.channels {
				m.channels[i].LastTemperatureC = tel.TemperatureC
			}
			m.mu.Unlock()
			for i := range t.Channels {
				t.Channels[i].LastTemperatureC = tel.TemperatureC
			}
		} else {
			m.log.Warn("temperature read failed", logging.F("error", err))
		}
	}
	return t
}

// Shutdown disconnects with a final bounded wait for pipeline workers.
func (m *Manager) Shutdown(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		m.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		m.log.Error("shutdown timed out", logging.F("timeout", timeout))
	}
}

func (m *Manager) publish(kind events.Kind, fields map[string]any) {
	if m.bus != nil {
		m.bus.Publish(kind, fields)
	}
}
