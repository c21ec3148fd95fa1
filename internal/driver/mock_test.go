package driver

import (
	"context"
	"errors"
	"testing"
	"time"
)

func connectMock(t *testing.T) *MockDriver {
	t.Helper()
	m := NewMock(Options{})
	if _, err := m.Connect(context.Background(), "mock://unit", time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return m
}

func TestMockConnect(t *testing.T) {
	m := NewMock(Options{})
	conn, err := m.Connect(context.Background(), "mock://bench", time.Second)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !conn.IsMock || conn.Serial == "" || conn.Firmware == "" {
		t.Fatalf("connection incomplete: %+v", conn)
	}

	var connErr *ConnectionError
	if _, err := NewMock(Options{}).Connect(context.Background(), "ip://192.168.2.1", time.Second); !errors.As(err, &connErr) {
		t.Fatalf("wrong scheme gave %v, want ConnectionError", err)
	}
}

func TestMockConfigureValidation(t *testing.T) {
	m := connectMock(t)

	good := ChannelConfig{CenterFrequencyHz: 2.4e9, SampleRateSPS: 30.72e6, RFBandwidthHz: 20e6, AttenuationDB: 10}
	if err := m.ConfigureChannel(1, good); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	var paramErr *InvalidParameterError
	bad := good
	bad.CenterFrequencyHz = 1e6
	if err := m.ConfigureChannel(1, bad); !errors.As(err, &paramErr) {
		t.Fatalf("out-of-range frequency gave %v", err)
	}

	bad = good
	bad.RFBandwidthHz = good.SampleRateSPS * 2
	if err := m.ConfigureChannel(1, bad); !errors.As(err, &paramErr) {
		t.Fatalf("bandwidth above rate gave %v", err)
	}

	if err := m.ConfigureChannel(3, good); !errors.As(err, &paramErr) {
		t.Fatalf("channel 3 gave %v", err)
	}
}

func TestMockCrestFactorGate(t *testing.T) {
	m := connectMock(t)

	// An impulse in a long silence has an extreme crest factor.
	spiky := make([]complex64, 1024)
	spiky[0] = complex(0.8, 0)

	var unsafeErr *UnsafeWaveformError
	if err := m.LoadWaveform(1, spiky, 1e6); !errors.As(err, &unsafeErr) {
		t.Fatalf("spiky waveform gave %v, want UnsafeWaveformError", err)
	}
	if unsafeErr.CrestFactorDB <= unsafeErr.LimitDB {
		t.Fatalf("error reports crest %.1f not above limit %.1f", unsafeErr.CrestFactorDB, unsafeErr.LimitDB)
	}

	// A constant-envelope tone passes.
	tone := make([]complex64, 1024)
	for i := range tone {
		tone[i] = complex(0.5, 0)
	}
	if err := m.LoadWaveform(1, tone, 1e6); err != nil {
		t.Fatalf("tone rejected: %v", err)
	}
}

func TestMockStartRequiresWaveform(t *testing.T) {
	m := connectMock(t)
	if err := m.StartTransmit(1); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("start without waveform gave %v", err)
	}

	tone := make([]complex64, 16)
	for i := range tone {
		tone[i] = complex(0.3, 0)
	}
	if err := m.LoadWaveform(1, tone, 1e6); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := m.StartTransmit(1); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !m.Running(1) {
		t.Fatal("channel not running after start")
	}
	m.StopTransmit(1)
	m.StopTransmit(1) // idempotent
	if m.Running(1) {
		t.Fatal("channel still running after stop")
	}
}

func TestMockCaptureReplaysWaveform(t *testing.T) {
	m := connectMock(t)
	wave := []complex64{complex(0.1, 0), complex(0.2, 0), complex(0.3, 0)}
	if err := m.LoadWaveform(1, wave, 1e6); err != nil {
		t.Fatalf("load: %v", err)
	}

	got, err := m.Capture(context.Background(), 1, 7)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if len(got) != 7 {
		t.Fatalf("captured %d samples, want 7", len(got))
	}
	for i, v := range got {
		if v != wave[i%len(wave)] {
			t.Fatalf("sample %d = %v, want tiled %v", i, v, wave[i%len(wave)])
		}
	}

	// A channel with no waveform still yields signal.
	other, err := m.Capture(context.Background(), 2, 64)
	if err != nil {
		t.Fatalf("capture idle channel: %v", err)
	}
	nonzero := false
	for _, v := range other {
		if v != 0 {
			nonzero = true
			break
		}
	}
	if !nonzero {
		t.Fatal("idle channel capture is all zeros")
	}
}

func TestMockTemperatureDrifts(t *testing.T) {
	m := connectMock(t)
	tel, err := m.ReadTemperature()
	if err != nil {
		t.Fatalf("read temperature: %v", err)
	}
	if tel.TemperatureC < 25 || tel.TemperatureC > 35 {
		t.Fatalf("temperature %.1f outside the synthetic band", tel.TemperatureC)
	}
	if !tel.LOLocked {
		t.Fatal("mock LO should report locked")
	}
}

func TestMockDisconnectedOperations(t *testing.T) {
	m := connectMock(t)
	m.Disconnect()
	m.Disconnect() // idempotent

	if err := m.ConfigureChannel(1, ChannelConfig{CenterFrequencyHz: 2.4e9, SampleRateSPS: 1e6}); err == nil {
		t.Fatal("configure after disconnect must fail")
	}
	if _, err := m.Capture(context.Background(), 1, 8); err == nil {
		t.Fatal("capture after disconnect must fail")
	}
	if _, err := m.ReadTemperature(); err == nil {
		t.Fatal("telemetry after disconnect must fail")
	}
}

func TestForURI(t *testing.T) {
	if d, err := ForURI("mock://x", Options{}); err != nil {
		t.Fatalf("mock scheme: %v", err)
	} else if _, ok := d.(*MockDriver); !ok {
		t.Fatalf("mock scheme built %T", d)
	}
	if d, err := ForURI("ip://192.168.2.1", Options{}); err != nil {
		t.Fatalf("ip scheme: %v", err)
	} else if _, ok := d.(*PlutoDriver); !ok {
		t.Fatalf("ip scheme built %T", d)
	}
	var connErr *ConnectionError
	if _, err := ForURI("usb://0", Options{}); !errors.As(err, &connErr) {
		t.Fatalf("unknown scheme gave %v", err)
	}
}
