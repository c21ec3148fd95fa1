package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/avdwoude/sdrstation/internal/driver"
	"github.com/avdwoude/sdrstation/internal/dsp"
	"github.com/avdwoude/sdrstation/internal/events"
	"github.com/avdwoude/sdrstation/internal/logging"
	"github.com/avdwoude/sdrstation/internal/metrics"
)

// RxConfig tunes the receive monitors.
type RxConfig struct {
	ChunkSize   int
	Pacing      time.Duration
	JoinTimeout time.Duration
	Analyzer    dsp.AnalyzerConfig
}

func (c RxConfig) withDefaults() RxConfig {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 4096
	}
	if c.Pacing <= 0 {
		c.Pacing = 100 * time.Millisecond
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = defaultJoinTimeout
	}
	return c
}

// Rx runs one capture monitor per observed channel, feeding spectra to the
// event bus.
type Rx struct {
	drv driver.Driver
	bus *events.Bus
	log logging.Logger
	met *metrics.Set
	cfg RxConfig

	mu       sync.Mutex
	monitors map[int]*rxMonitor
}

// NewRx builds the receive pipeline.
func NewRx(drv driver.Driver, bus *events.Bus, log logging.Logger, met *metrics.Set, cfg RxConfig) *Rx {
	if log == nil {
		log = logging.Discard()
	}
	return &Rx{
		drv:      drv,
		bus:      bus,
		log:      log,
		met:      met,
		cfg:      cfg.withDefaults(),
		monitors: make(map[int]*rxMonitor),
	}
}

// Start begins monitoring the channel. Starting an already monitored
// channel is a no-op.
func (r *Rx) Start(channel int) error {
	if channel < 1 || channel > driver.NumChannels {
		return &driver.InvalidParameterError{
			Param:   "channel",
			Message: fmt.Sprintf("channel %d outside 1..%d", channel, driver.NumChannels),
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.monitors[channel]; ok {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &rxMonitor{
		channel:  channel,
		drv:      r.drv,
		analyzer: dsp.NewAnalyzer(r.cfg.Analyzer),
		chunk:    r.cfg.ChunkSize,
		pacing:   r.cfg.Pacing,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		bus:      r.bus,
		log:      r.log.With(logging.F("channel", channel)),
		met:      r.met,
	}
	r.monitors[channel] = m
	go m.run()
	return nil
}

// Stop cancels the channel's monitor and joins it within the configured
// timeout. Stopping an unmonitored channel is a no-op.
func (r *Rx) Stop(channel int) {
	r.mu.Lock()
	m := r.monitors[channel]
	delete(r.monitors, channel)
	r.mu.Unlock()
	if m == nil {
		return
	}
	m.cancel()
	select {
	case <-m.done:
	case <-time.After(r.cfg.JoinTimeout):
		r.log.Error("RX monitor join timed out, goroutine leaked",
			logging.F("channel", channel), logging.F("timeout", r.cfg.JoinTimeout))
	}
}

// Shutdown stops every monitor.
func (r *Rx) Shutdown() {
	r.mu.Lock()
	channels := make([]int, 0, len(r.monitors))
	for ch := range r.monitors {
		channels = append(channels, ch)
	}
	r.mu.Unlock()
	for _, ch := range channels {
		r.Stop(ch)
	}
}

type rxMonitor struct {
	channel  int
	drv      driver.Driver
	analyzer *dsp.Analyzer
	chunk    int
	pacing   time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	bus      *events.Bus
	log      logging.Logger
	met      *metrics.Set
}

// run captures fixed chunks until cancelled. An Unsupported capture is
// fatal for the monitor; anything else backs off and retries.
func (m *rxMonitor) run() {
	defer close(m.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		samples, err := m.drv.Capture(m.ctx, m.channel, m.chunk)
		if errors.Is(err, driver.ErrUnsupported) {
			m.log.Warn("device cannot capture, monitor exiting")
			return
		}
		if err != nil {
			m.met.RxError(m.channel)
			m.log.Warn("RX capture failed", logging.F("error", err))
			if m.bus != nil {
				m.bus.Publish(events.RxError, map[string]any{
					"channel": m.channel,
					"error":   err.Error(),
				})
			}
			if !m.sleep(bo.NextBackOff()) {
				return
			}
			continue
		}
		bo.Reset()

		result := m.analyzer.Process(samples)
		m.met.RxCapture(m.channel)
		if m.bus != nil {
			m.bus.Publish(events.RxSamples, map[string]any{
				"channel":   m.channel,
				"samples":   len(samples),
				"peak_freq": result.PeakFreq,
				"peak_db":   result.PeakDB,
				"spectrum":  result,
			})
		}
		if !m.sleep(m.pacing) {
			return
		}
	}
}

// sleep waits d or until cancellation; it reports false when cancelled.
func (m *rxMonitor) sleep(d time.Duration) bool {
	select {
	case <-m.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
