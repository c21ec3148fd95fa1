package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/avdwoude/sdrstation/internal/driver"
	"github.com/avdwoude/sdrstation/internal/dsp"
	"github.com/avdwoude/sdrstation/internal/events"
	"github.com/avdwoude/sdrstation/internal/pipeline"
)

func connectedManager(t *testing.T) (*Manager, *events.Bus) {
	t.Helper()
	bus := events.NewBus(128)
	m := New(DefaultConfig(), bus, nil, nil)
	conn, err := m.Connect(context.Background(), "mock://unit")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !conn.IsMock {
		t.Fatal("mock URI produced a non-mock connection")
	}
	t.Cleanup(func() { m.Disconnect() })
	return m, bus
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSessionLifecycle(t *testing.T) {
	m, bus := connectedManager(t)

	result, err := m.ApplyChannelConfig(1, ChannelState{
		CenterFrequencyHz: 2.4e9,
		SampleRateSPS:     30.72e6,
		RFBandwidthHz:     20e6,
		AttenuationDB:     10,
	})
	if err != nil {
		t.Fatalf("apply config: %v", err)
	}
	if !result.Valid {
		t.Fatalf("valid config rejected: %s", result.Message)
	}

	samples, spec, err := dsp.Generate(dsp.Params{
		Name:       "unit-tone",
		Kind:       dsp.Sine,
		SampleRate: 30.72e6,
		Duration:   0.001,
		Amplitude:  0.4,
		Frequency:  1e6,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := m.LoadWaveform(1, pipeline.Waveform{Samples: samples, Spec: spec}); err != nil {
		t.Fatalf("load waveform: %v", err)
	}
	if err := m.Start(1); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "channel 1 to stream", func() bool { return m.Snapshot().Channels[0].Running })

	snap := m.Snapshot()
	st := snap.Channels[0]
	if st.Waveform == nil || st.Waveform.Name != "unit-tone" {
		t.Fatalf("waveform not recorded: %+v", st.Waveform)
	}
	if snap.TemperatureC < 25 || snap.TemperatureC > 35 {
		t.Fatalf("temperature %.1f outside mock band", snap.TemperatureC)
	}

	if err := m.Stop(1); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if m.Snapshot().Channels[0].Running {
		t.Fatal("channel still running after stop")
	}

	kinds := map[events.Kind]bool{}
	for _, ev := range bus.History() {
		kinds[ev.Kind] = true
	}
	for _, want := range []events.Kind{
		events.DeviceConnected,
		events.ChannelConfigApplied,
		events.WaveformLoaded,
		events.ChannelStarted,
		events.ChannelStopped,
	} {
		if !kinds[want] {
			t.Fatalf("missing %q in event history", want)
		}
	}
}

func TestSessionInvalidConfigLeavesStateUntouched(t *testing.T) {
	m, _ := connectedManager(t)

	if _, err := m.ApplyChannelConfig(1, ChannelState{
		CenterFrequencyHz: 2.4e9,
		SampleRateSPS:     30.72e6,
		RFBandwidthHz:     20e6,
	}); err != nil {
		t.Fatalf("initial config: %v", err)
	}

	// 20 MHz of bandwidth cannot fit in 10 MSPS.
	result, err := m.ApplyChannelConfig(1, ChannelState{
		CenterFrequencyHz: 2.4e9,
		SampleRateSPS:     10e6,
		RFBandwidthHz:     20e6,
	})
	if err != nil {
		t.Fatalf("invalid config must not error: %v", err)
	}
	if result.Valid {
		t.Fatal("Nyquist violation accepted")
	}
	if result.Message == "" {
		t.Fatal("rejection carries no message")
	}

	st := m.Snapshot().Channels[0]
	if st.SampleRateSPS != 30.72e6 || st.RFBandwidthHz != 20e6 {
		t.Fatalf("state mutated by failed validation: %+v", st)
	}
}

func TestSessionRequiresConnection(t *testing.T) {
	m := New(DefaultConfig(), nil, nil, nil)

	if _, err := m.ApplyChannelConfig(1, ChannelState{SampleRateSPS: 1e6}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("configure while disconnected gave %v", err)
	}
	if err := m.LoadWaveform(1, pipeline.Waveform{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("load while disconnected gave %v", err)
	}
	if err := m.Start(1); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("start while disconnected gave %v", err)
	}
	if err := m.StartMonitor(1); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("monitor while disconnected gave %v", err)
	}
	m.Disconnect() // no-op
}

func TestSessionRejectsBadChannelIDs(t *testing.T) {
	m, _ := connectedManager(t)

	var paramErr *driver.InvalidParameterError
	for _, ch := range []int{0, 3} {
		if err := m.Stop(ch); !errors.As(err, &paramErr) {
			t.Fatalf("stop(%d) gave %v, want InvalidParameterError", ch, err)
		}
		if err := m.Start(ch); err == nil {
			t.Fatalf("start(%d) must fail", ch)
		}
	}

	// The manager must stay fully usable afterwards: the rejection path
	// may not leave its lock held.
	if !m.Connected() {
		t.Fatal("manager lost its connection")
	}
	if _, err := m.ApplyChannelConfig(1, ChannelState{
		CenterFrequencyHz: 2.4e9,
		SampleRateSPS:     30.72e6,
		RFBandwidthHz:     20e6,
	}); err != nil {
		t.Fatalf("configure after rejected stop: %v", err)
	}
	m.Disconnect()
	if m.Connected() {
		t.Fatal("disconnect after rejected stop did not complete")
	}
}

func TestDefaultConfigPassesValidation(t *testing.T) {
	cfg := DefaultConfig()
	for i, ch := range cfg.Channels {
		if result := dsp.NyquistCheck(ch.SampleRateSPS, ch.RFBandwidthHz); !result.Valid {
			t.Fatalf("channel %d defaults rejected: %s", i+1, result.Message)
		}
	}
}

func TestSessionRejectsDoubleConnect(t *testing.T) {
	m, _ := connectedManager(t)
	if _, err := m.Connect(context.Background(), "mock://again"); err == nil {
		t.Fatal("second connect must fail")
	}
}

func TestSessionRejectsUnknownScheme(t *testing.T) {
	m := New(DefaultConfig(), nil, nil, nil)
	if _, err := m.Connect(context.Background(), "serial:///dev/ttyUSB0"); err == nil {
		t.Fatal("unknown scheme must fail")
	}
	if m.Connected() {
		t.Fatal("failed connect left the manager connected")
	}
}

func TestSessionMonitorRoundTrip(t *testing.T) {
	m, bus := connectedManager(t)

	if _, err := m.ApplyChannelConfig(2, ChannelState{
		CenterFrequencyHz: 2.4e9,
		SampleRateSPS:     30.72e6,
		RFBandwidthHz:     20e6,
	}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := m.StartMonitor(2); err != nil {
		t.Fatalf("start monitor: %v", err)
	}

	waitFor(t, "spectrum events", func() bool {
		for _, ev := range bus.History() {
			if ev.Kind == events.RxSamples && ev.Fields["channel"] == 2 {
				return true
			}
		}
		return false
	})
	m.StopMonitor(2)
}

func TestSessionDisconnectStopsEverything(t *testing.T) {
	m, bus := connectedManager(t)

	if _, err := m.ApplyChannelConfig(1, ChannelState{
		CenterFrequencyHz: 2.4e9,
		SampleRateSPS:     30.72e6,
		RFBandwidthHz:     20e6,
	}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := m.Start(1); err != nil {
		t.Fatalf("start: %v", err)
	}
	m.Disconnect()

	if m.Connected() {
		t.Fatal("manager still connected")
	}
	disconnected := false
	for _, ev := range bus.History() {
		if ev.Kind == events.DeviceDisconnected {
			disconnected = true
		}
	}
	if !disconnected {
		t.Fatal("no device_disconnected event")
	}
	if err := m.Start(1); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("start after disconnect gave %v", err)
	}
}
