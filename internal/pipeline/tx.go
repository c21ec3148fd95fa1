// Package pipeline implements the per-channel transmit workers and the
// receive monitors that sit between the session and the device driver.
package pipeline

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/avdwoude/sdrstation/internal/driver"
	"github.com/avdwoude/sdrstation/internal/dsp"
	"github.com/avdwoude/sdrstation/internal/events"
	"github.com/avdwoude/sdrstation/internal/logging"
	"github.com/avdwoude/sdrstation/internal/metrics"
)

// queueCapacity bounds each channel's buffer queue. Enqueues never block;
// a full queue drops the new buffer and raises a signal instead.
const queueCapacity = 2

// defaultJoinTimeout bounds how long Stop waits for a worker to exit.
const defaultJoinTimeout = time.Second

// Waveform pairs a sample buffer with its descriptor. The buffer is owned
// by the holder; it is replaced, never mutated.
type Waveform struct {
	Samples []complex64
	Spec    dsp.Spec
}

// TxStatus is the worker-maintained overlay on a channel.
type TxStatus struct {
	Running   bool
	Underrun  bool
	Timestamp time.Time
}

// TxDefaults seeds the fallback waveform generated when a channel is
// configured before any waveform was pushed.
type TxDefaults struct {
	Amplitude float64
	Frequency float64
	Duration  float64
}

type txJob struct {
	samples    []complex64
	sampleRate float64
}

// Tx owns one worker and one bounded queue per transmit channel.
type Tx struct {
	drv         driver.Driver
	bus         *events.Bus
	log         logging.Logger
	met         *metrics.Set
	defaults    TxDefaults
	joinTimeout time.Duration

	mu      sync.Mutex
	workers map[int]*txWorker
	cached  map[int]Waveform
}

// NewTx builds the transmit pipeline. Workers are started lazily per
// channel on first use.
func NewTx(drv driver.Driver, bus *events.Bus, log logging.Logger, met *metrics.Set, defaults TxDefaults) *Tx {
	if defaults.Amplitude <= 0 {
		defaults.Amplitude = 0.1
	}
	if defaults.Frequency == 0 {
		defaults.Frequency = 1e6
	}
	if defaults.Duration <= 0 {
		defaults.Duration = 0.01
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Tx{
		drv:         drv,
		bus:         bus,
		log:         log,
		met:         met,
		defaults:    defaults,
		joinTimeout: defaultJoinTimeout,
		workers:     make(map[int]*txWorker),
		cached:      make(map[int]Waveform),
	}
}

// Configure validates the rate pair, applies it to the driver, and kicks
// the channel with its cached (or a freshly generated default) waveform.
// An invalid rate pair returns without touching the driver. A full queue
// is logged as backpressure and is not an error; the in-flight buffer
// stays untouched.
func (t *Tx) Configure(channel int, cfg driver.ChannelConfig) (dsp.RateCheckResult, error) {
	if channel < 1 || channel > driver.NumChannels {
		return dsp.RateCheckResult{
			Valid:   false,
			Message: fmt.Sprintf("channel %d outside 1..%d", channel, driver.NumChannels),
		}, nil
	}
	result := dsp.NyquistCheck(cfg.SampleRateSPS, cfg.RFBandwidthHz)
	if !result.Valid {
		return result, nil
	}
	if err := t.drv.ConfigureChannel(channel, cfg); err != nil {
		return result, err
	}

	t.mu.Lock()
	wf, ok := t.cached[channel]
	if !ok {
		samples, spec, err := dsp.Generate(dsp.Params{
			Name:       fmt.Sprintf("tx%d-default", channel),
			Kind:       dsp.Sine,
			SampleRate: cfg.SampleRateSPS,
			Duration:   t.defaults.Duration,
			Amplitude:  t.defaults.Amplitude,
			Frequency:  t.defaults.Frequency,
		})
		if err != nil {
			t.mu.Unlock()
			return result, fmt.Errorf("generate default waveform: %w", err)
		}
		wf = Waveform{Samples: samples, Spec: spec}
		t.cached[channel] = wf
	}
	w := t.ensureWorkerLocked(channel)
	t.mu.Unlock()

	if !w.enqueue(txJob{samples: wf.Samples, sampleRate: wf.Spec.SampleRate}) {
		t.met.BackpressureDrop(channel)
		t.log.Warn("TX queue backpressure", logging.F("channel", channel))
	}
	return result, nil
}

// PushWaveform re-clamps the amplitude, replaces the channel's cached
// waveform, and enqueues it. Unlike Configure, a full queue here is an
// explicit user action going nowhere, so it raises a tx_error event.
func (t *Tx) PushWaveform(channel int, wf Waveform) error {
	if channel < 1 || channel > driver.NumChannels {
		return &driver.InvalidParameterError{
			Param:   "channel",
			Message: fmt.Sprintf("channel %d outside 1..%d", channel, driver.NumChannels),
		}
	}
	if len(wf.Samples) == 0 {
		return &driver.InvalidParameterError{Param: "waveform", Message: "empty sample buffer"}
	}

	peak := 0.0
	for _, v := range wf.Samples {
		if m := math.Hypot(float64(real(v)), float64(imag(v))); m > peak {
			peak = m
		}
	}
	applied, clipped := dsp.ClampAmplitude(peak, dsp.DefaultAmplitudeLimit)
	if clipped && peak > 0 {
		scale := float32(applied / peak)
		scaled := make([]complex64, len(wf.Samples))
		for i, v := range wf.Samples {
			scaled[i] = complex(real(v)*scale, imag(v)*scale)
		}
		wf.Samples = scaled
		wf.Spec.Amplitude = applied
		t.publish(events.WaveformWarning, map[string]any{
			"channel": channel,
			"message": fmt.Sprintf("amplitude clipped to %.2f full-scale", applied),
		})
		t.log.Warn("waveform amplitude clipped",
			logging.F("channel", channel), logging.F("applied", applied))
	}
	wf.Spec.NumSamples = len(wf.Samples)

	t.mu.Lock()
	t.cached[channel] = wf
	w := t.ensureWorkerLocked(channel)
	t.mu.Unlock()

	if !w.enqueue(txJob{samples: wf.Samples, sampleRate: wf.Spec.SampleRate}) {
		t.met.BackpressureDrop(channel)
		t.log.Error("TX queue full", logging.F("channel", channel))
		t.publish(events.TxError, map[string]any{
			"channel": channel,
			"error":   "queue full, waveform cached but not enqueued",
		})
	}
	return nil
}

// Start re-enqueues the cached waveform so the worker begins streaming.
func (t *Tx) Start(channel int) error {
	if channel < 1 || channel > driver.NumChannels {
		return &driver.InvalidParameterError{
			Param:   "channel",
			Message: fmt.Sprintf("channel %d outside 1..%d", channel, driver.NumChannels),
		}
	}
	t.mu.Lock()
	wf, ok := t.cached[channel]
	if !ok {
		t.mu.Unlock()
		return driver.ErrNotConfigured
	}
	w := t.ensureWorkerLocked(channel)
	t.mu.Unlock()

	// A full queue means streaming work is already pending.
	w.enqueue(txJob{samples: wf.Samples, sampleRate: wf.Spec.SampleRate})
	return nil
}

// Stop cancels the channel's worker, stops the driver stream, and joins
// the worker within the configured timeout. Stopping a channel that never
// started is a no-op.
func (t *Tx) Stop(channel int) error {
	if channel < 1 || channel > driver.NumChannels {
		return &driver.InvalidParameterError{
			Param:   "channel",
			Message: fmt.Sprintf("channel %d outside 1..%d", channel, driver.NumChannels),
		}
	}
	t.mu.Lock()
	w := t.workers[channel]
	delete(t.workers, channel)
	t.mu.Unlock()
	if w == nil {
		return nil
	}

	close(w.cancel)
	t.drv.StopTransmit(channel)

	select {
	case <-w.done:
	case <-time.After(t.joinTimeout):
		t.log.Error("TX worker join timed out, goroutine leaked",
			logging.F("channel", channel), logging.F("timeout", t.joinTimeout))
	}
	w.setStopped()
	t.publish(events.ChannelStopped, map[string]any{"channel": channel})
	return nil
}

// Shutdown stops every active channel.
func (t *Tx) Shutdown() {
	t.mu.Lock()
	channels := make([]int, 0, len(t.workers))
	for ch := range t.workers {
		channels = append(channels, ch)
	}
	t.mu.Unlock()
	for _, ch := range channels {
		_ = t.Stop(ch)
	}
}

// Status returns the worker overlay for the channel.
func (t *Tx) Status(channel int) TxStatus {
	t.mu.Lock()
	w := t.workers[channel]
	t.mu.Unlock()
	if w == nil {
		return TxStatus{}
	}
	return w.snapshot()
}

// Underruns returns the cumulative underrun count for the channel.
func (t *Tx) Underruns(channel int) uint64 {
	t.mu.Lock()
	w := t.workers[channel]
	t.mu.Unlock()
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.underruns
}

// Cached returns the channel's cached waveform, if any.
func (t *Tx) Cached(channel int) (Waveform, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	wf, ok := t.cached[channel]
	return wf, ok
}

func (t *Tx) publish(kind events.Kind, fields map[string]any) {
	if t.bus != nil {
		t.bus.Publish(kind, fields)
	}
}

func (t *Tx) ensureWorkerLocked(channel int) *txWorker {
	if w, ok := t.workers[channel]; ok {
		return w
	}
	w := &txWorker{
		channel: channel,
		drv:     t.drv,
		queue:   make(chan txJob, queueCapacity),
		cancel:  make(chan struct{}),
		done:    make(chan struct{}),
		bus:     t.bus,
		log:     t.log.With(logging.F("channel", channel)),
		met:     t.met,
	}
	t.workers[channel] = w
	go w.run()
	return w
}

// txWorker owns the streaming side of one channel. Each dequeued buffer is
// exclusively the worker's; the producer never touches it again.
type txWorker struct {
	channel int
	drv     driver.Driver
	queue   chan txJob
	cancel  chan struct{}
	done    chan struct{}
	bus     *events.Bus
	log     logging.Logger
	met     *metrics.Set

	mu        sync.Mutex
	status    TxStatus
	underruns uint64
}

func (w *txWorker) enqueue(job txJob) bool {
	select {
	case w.queue <- job:
		return true
	default:
		return false
	}
}

func (w *txWorker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.cancel:
			return
		case job := <-w.queue:
			w.stream(job)
		}
	}
}

// stream pushes one buffer to the device. A driver failure marks the
// channel underrun and is logged, but the worker keeps serving the queue.
func (w *txWorker) stream(job txJob) {
	err := w.drv.LoadWaveform(w.channel, job.samples, job.sampleRate)
	if err == nil {
		err = w.drv.StartTransmit(w.channel)
	}
	if err != nil {
		w.mu.Lock()
		w.status.Underrun = true
		w.status.Timestamp = time.Now()
		w.underruns++
		w.mu.Unlock()
		w.met.TxUnderrun(w.channel)
		w.log.Error("TX streaming failed", logging.F("error", err))
		if w.bus != nil {
			w.bus.Publish(events.TxError, map[string]any{
				"channel": w.channel,
				"error":   err.Error(),
			})
		}
		return
	}

	w.mu.Lock()
	w.status.Running = true
	w.status.Underrun = false
	w.status.Timestamp = time.Now()
	w.mu.Unlock()
	if w.bus != nil {
		w.bus.Publish(events.ChannelStarted, map[string]any{
			"channel": w.channel,
			"samples": len(job.samples),
		})
	}
}

func (w *txWorker) snapshot() TxStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *txWorker) setStopped() {
	w.mu.Lock()
	w.status.Running = false
	w.status.Timestamp = time.Now()
	w.mu.Unlock()
}
