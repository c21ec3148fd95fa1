package driver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/avdwoude/sdrstation/internal/dsp"
	"github.com/avdwoude/sdrstation/internal/iiod"
	"github.com/avdwoude/sdrstation/internal/logging"
)

// AD9361 attenuation range in dB.
const (
	minAttenuationDB = 0.0
	maxAttenuationDB = 89.75
)

// txAttrs is the per-channel accessor table for the AD9361 PHY. It is
// resolved once at connect time so no attribute name is ever assembled on
// the streaming path.
type txAttrs struct {
	gainChannel string // out voltageN, carries hardwaregain and rf_bandwidth
	dacChannel  string // voltageN on the DDS device
}

// PlutoDriver drives Pluto-class hardware through the IIOD text protocol.
// Both TX channels share one device handle, so every call that touches the
// client is serialized on a single device-level mutex.
type PlutoDriver struct {
	mu   sync.Mutex
	opts Options
	log  logging.Logger

	client *iiod.Client
	sshw   *SSHAttributeWriter
	phyDev string
	rxDev  string
	txDev  string
	caps   Capabilities
	attrs  [NumChannels]txAttrs

	waveforms [NumChannels][]complex64
	rates     [NumChannels]float64
	streaming [NumChannels]bool
	txOpen    bool
}

// NewPluto builds a disconnected hardware driver.
func NewPluto(opts Options) *PlutoDriver {
	opts = opts.withDefaults()
	return &PlutoDriver{opts: opts, log: opts.Logger.With(logging.F("driver", "pluto"))}
}

func (p *PlutoDriver) Connect(_ context.Context, uri string, timeout time.Duration) (*Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	addr := strings.TrimPrefix(uri, "ip://")
	if !strings.Contains(addr, ":") {
		addr = net.JoinHostPort(addr, "30431")
	}

	client, err := iiod.Dial(addr, timeout)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, &ConnectionError{URI: uri, Err: ErrConnectTimeout}
		}
		return nil, &ConnectionError{URI: uri, Err: err}
	}

	devices, err := client.ListDevices()
	if err != nil {
		_ = client.Close()
		return nil, &ConnectionError{URI: uri, Err: fmt.Errorf("list devices: %w", err)}
	}
	phy, rx, tx := identifyAD9361Devices(devices)
	if phy == "" || tx == "" {
		_ = client.Close()
		return nil, &ConnectionError{URI: uri, Err: fmt.Errorf("AD9361 devices not found (phy=%q tx=%q)", phy, tx)}
	}

	p.client = client
	p.phyDev = phy
	p.rxDev = rx
	p.txDev = tx
	p.attrs = [NumChannels]txAttrs{
		{gainChannel: "voltage0", dacChannel: "voltage0"},
		{gainChannel: "voltage1", dacChannel: "voltage1"},
	}
	p.caps = Capabilities{
		MaxSampleRateSPS: 61.44e6,
		MinSampleRateSPS: 520.833e3,
		DualTx:           true,
		SupportsCapture:  rx != "",
	}

	if p.opts.SSH != nil {
		w, err := NewSSHAttributeWriter(*p.opts.SSH)
		if err != nil {
			p.log.Warn("sysfs fallback unavailable", logging.F("error", err))
		} else {
			p.sshw = w
		}
	}

	serial, _ := client.ReadAttr(phy, "", "serial")
	firmware, _ := client.ReadAttr(phy, "", "fw_version")
	p.log.Info("connected to Pluto hardware",
		logging.F("uri", uri),
		logging.F("phy", phy),
		logging.F("tx", tx),
		logging.F("rx", rx))

	return &Connection{URI: uri, Serial: serial, Firmware: firmware, IsMock: false}, nil
}

func (p *PlutoDriver) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return
	}
	if p.txOpen {
		_ = p.client.CloseBuffer(p.txDev)
		p.txOpen = false
	}
	_ = p.client.Close()
	p.client = nil
	if p.sshw != nil {
		_ = p.sshw.Close()
		p.sshw = nil
	}
	for ch := range p.streaming {
		p.streaming[ch] = false
	}
	p.log.Info("disconnected from Pluto hardware")
}

func (p *PlutoDriver) Capabilities() Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.caps
}

// writeAttr writes through IIOD, falling back to the SSH sysfs path when
// the firmware's IIOD rejects the write.
func (p *PlutoDriver) writeAttr(dev, channel, attr, value string) error {
	err := p.client.WriteAttr(dev, channel, attr, value)
	if err != nil && p.sshw != nil {
		p.log.Warn("IIOD write rejected, using sysfs fallback",
			logging.F("attr", attr), logging.F("error", err))
		return p.sshw.WriteAttr(dev, channel, attr, value)
	}
	return err
}

func (p *PlutoDriver) ConfigureChannel(channel int, cfg ChannelConfig) error {
	if err := validChannel(channel); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return &DriverError{Op: "configure", Err: fmt.Errorf("not connected")}
	}
	if cfg.CenterFrequencyHz < 47e6 || cfg.CenterFrequencyHz > 6e9 {
		return &InvalidParameterError{
			Param:   "center_frequency_hz",
			Message: fmt.Sprintf("%.0f Hz outside 47 MHz..6 GHz", cfg.CenterFrequencyHz),
		}
	}
	if cfg.RFBandwidthHz > cfg.SampleRateSPS {
		return &InvalidParameterError{
			Param:   "rf_bandwidth_hz",
			Message: fmt.Sprintf("bandwidth %.0f exceeds sample rate %.0f", cfg.RFBandwidthHz, cfg.SampleRateSPS),
		}
	}

	attrs := p.attrs[channel-1]
	writes := []struct {
		channel string
		attr    string
		value   string
	}{
		{"", "sampling_frequency", strconv.FormatFloat(cfg.SampleRateSPS, 'f', 0, 64)},
		{"altvoltage0", "frequency", strconv.FormatFloat(cfg.CenterFrequencyHz, 'f', 0, 64)},
		{attrs.gainChannel, "rf_bandwidth", strconv.FormatFloat(cfg.RFBandwidthHz, 'f', 0, 64)},
	}
	for _, w := range writes {
		if err := p.writeAttr(p.phyDev, w.channel, w.attr, w.value); err != nil {
			return &DriverError{Op: "configure " + w.attr, Err: err}
		}
	}

	// The device accepts attenuation as a negative hardware gain, clamped
	// to its legal range.
	atten := cfg.AttenuationDB
	if atten < minAttenuationDB {
		atten = minAttenuationDB
	}
	if atten > maxAttenuationDB {
		atten = maxAttenuationDB
	}
	gain := strconv.FormatFloat(-atten, 'f', 2, 64)
	if err := p.writeAttr(p.phyDev, attrs.gainChannel, "hardwaregain", gain); err != nil {
		return &DriverError{Op: "configure hardwaregain", Err: err}
	}
	return nil
}

func (p *PlutoDriver) LoadWaveform(channel int, samples []complex64, sampleRate float64) error {
	if err := validChannel(channel); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return &DriverError{Op: "load_waveform", Err: fmt.Errorf("not connected")}
	}
	crest := dsp.CrestFactorDB(samples)
	if crest > p.opts.CrestFactorLimitDB {
		return &UnsafeWaveformError{CrestFactorDB: crest, LimitDB: p.opts.CrestFactorLimitDB}
	}
	buf := make([]complex64, len(samples))
	copy(buf, samples)
	p.waveforms[channel-1] = buf
	p.rates[channel-1] = sampleRate
	return nil
}

func (p *PlutoDriver) StartTransmit(channel int) error {
	if err := validChannel(channel); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return &DriverError{Op: "start_transmit", Err: fmt.Errorf("not connected")}
	}
	if p.waveforms[channel-1] == nil {
		return ErrNotConfigured
	}
	p.streaming[channel-1] = true
	if err := p.pushTxBuffer(); err != nil {
		p.streaming[channel-1] = false
		return &DriverError{Op: "start_transmit", Err: err}
	}
	return nil
}

func (p *PlutoDriver) StopTransmit(channel int) {
	if validChannel(channel) != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil || !p.streaming[channel-1] {
		return
	}
	p.streaming[channel-1] = false
	anyActive := false
	for _, s := range p.streaming {
		anyActive = anyActive || s
	}
	if !anyActive {
		if p.txOpen {
			_ = p.client.CloseBuffer(p.txDev)
			p.txOpen = false
		}
		return
	}
	if err := p.pushTxBuffer(); err != nil {
		p.log.Warn("rewriting TX buffer after stop failed", logging.F("error", err))
	}
}

// pushTxBuffer rewrites the shared DDS buffer with both channels
// interleaved. Idle channels transmit zeros. Caller holds the mutex.
func (p *PlutoDriver) pushTxBuffer() error {
	length := 0
	for ch := 0; ch < NumChannels; ch++ {
		if p.streaming[ch] && len(p.waveforms[ch]) > length {
			length = len(p.waveforms[ch])
		}
	}
	if length == 0 {
		return fmt.Errorf("no active waveform")
	}

	frames := make([][]complex64, NumChannels)
	for ch := 0; ch < NumChannels; ch++ {
		frame := make([]complex64, length)
		if p.streaming[ch] {
			src := p.waveforms[ch]
			for i := range frame {
				frame[i] = src[i%len(src)]
			}
		}
		frames[ch] = frame
	}
	data, err := iiod.InterleaveComplex(frames...)
	if err != nil {
		return err
	}

	if p.txOpen {
		if err := p.client.CloseBuffer(p.txDev); err != nil {
			return fmt.Errorf("close stale TX buffer: %w", err)
		}
		p.txOpen = false
	}
	if err := p.client.OpenBuffer(p.txDev, length); err != nil {
		return fmt.Errorf("open TX buffer: %w", err)
	}
	p.txOpen = true
	if err := p.client.WriteBuffer(p.txDev, data); err != nil {
		return fmt.Errorf("write TX buffer: %w", err)
	}
	return nil
}

// SetLOFrequency retunes the TX local oscillator without touching the rest
// of the channel configuration.
func (p *PlutoDriver) SetLOFrequency(freqHz float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return &DriverError{Op: "set_lo", Err: fmt.Errorf("not connected")}
	}
	if freqHz < 47e6 || freqHz > 6e9 {
		return &InvalidParameterError{
			Param:   "lo_frequency_hz",
			Message: fmt.Sprintf("%.0f Hz outside 47 MHz..6 GHz", freqHz),
		}
	}
	value := strconv.FormatFloat(freqHz, 'f', 0, 64)
	if err := p.writeAttr(p.phyDev, "altvoltage0", "frequency", value); err != nil {
		return &DriverError{Op: "set_lo", Err: err}
	}
	return nil
}

// SetAttenuation adjusts one channel's TX attenuation, clamped to the
// hardware range.
func (p *PlutoDriver) SetAttenuation(channel int, attenDB float64) error {
	if err := validChannel(channel); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return &DriverError{Op: "set_attenuation", Err: fmt.Errorf("not connected")}
	}
	if attenDB < minAttenuationDB {
		attenDB = minAttenuationDB
	}
	if attenDB > maxAttenuationDB {
		attenDB = maxAttenuationDB
	}
	gain := strconv.FormatFloat(-attenDB, 'f', 2, 64)
	if err := p.writeAttr(p.phyDev, p.attrs[channel-1].gainChannel, "hardwaregain", gain); err != nil {
		return &DriverError{Op: "set_attenuation", Err: err}
	}
	return nil
}

// SetXOCorrection trims the reference oscillator. The device accepts the
// corrected frequency in Hz, nominally 40 MHz.
func (p *PlutoDriver) SetXOCorrection(freqHz int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return &DriverError{Op: "set_xo_correction", Err: fmt.Errorf("not connected")}
	}
	if err := p.writeAttr(p.phyDev, "", "xo_correction", strconv.FormatInt(freqHz, 10)); err != nil {
		return &DriverError{Op: "set_xo_correction", Err: err}
	}
	return nil
}

func (p *PlutoDriver) ReadTemperature() (Telemetry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return Telemetry{}, &DriverError{Op: "read_temperature", Err: fmt.Errorf("not connected")}
	}
	raw, err := p.client.ReadAttr(p.phyDev, "", "in_temp0_input")
	if err != nil {
		return Telemetry{}, &DriverError{Op: "read_temperature", Err: err}
	}
	milli, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return Telemetry{}, &DriverError{Op: "read_temperature", Err: fmt.Errorf("parse %q: %w", raw, err)}
	}
	_, loErr := p.client.ReadAttr(p.phyDev, "altvoltage0", "frequency")
	return Telemetry{TemperatureC: milli / 1000, LOLocked: loErr == nil}, nil
}

func (p *PlutoDriver) Capture(ctx context.Context, channel int, n int) ([]complex64, error) {
	if err := validChannel(channel); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil, &DriverError{Op: "capture", Err: fmt.Errorf("not connected")}
	}
	if p.rxDev == "" {
		return nil, ErrUnsupported
	}

	// Cancellation expires the in-flight I/O deadline so a slow read does
	// not pin the monitor past its stop.
	client := p.client
	halt := context.AfterFunc(ctx, client.Interrupt)
	defer func() {
		halt()
		client.Resume()
	}()

	if err := p.client.OpenBuffer(p.rxDev, n); err != nil {
		return nil, &DriverError{Op: "capture open", Err: err}
	}
	data, err := p.client.ReadBuffer(p.rxDev, n)
	closeErr := p.client.CloseBuffer(p.rxDev)
	if err != nil {
		return nil, &DriverError{Op: "capture read", Err: err}
	}
	if closeErr != nil {
		p.log.Warn("closing RX buffer failed", logging.F("error", closeErr))
	}
	samples, err := iiod.DeinterleaveComplex(data, NumChannels, channel-1)
	if err != nil {
		return nil, &DriverError{Op: "capture decode", Err: err}
	}
	return samples, nil
}

// identifyAD9361Devices finds the PHY, RX, and TX device identifiers in an
// IIOD device listing.
func identifyAD9361Devices(devices []string) (phy, rx, tx string) {
	for _, dev := range devices {
		lower := strings.ToLower(dev)
		switch {
		case strings.Contains(lower, "ad9361-phy"):
			phy = dev
		case strings.Contains(lower, "cf-ad9361-dds"):
			tx = dev
		case strings.Contains(lower, "cf-ad9361-lpc"):
			rx = dev
		}
	}
	return phy, rx, tx
}
