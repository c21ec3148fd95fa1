// Package events provides the dispatcher used by the session and both
// pipelines to report lifecycle transitions. The bus is constructed
// explicitly and passed by reference; there is no process-wide instance.
package events

import (
	"sync"
	"time"
)

// Kind identifies one of the closed set of event kinds the core emits.
type Kind string

const (
	DeviceConnected      Kind = "device_connected"
	DeviceDisconnected   Kind = "device_disconnected"
	ChannelConfigApplied Kind = "channel_config_applied"
	WaveformLoaded       Kind = "waveform_loaded"
	ChannelStarted       Kind = "channel_started"
	ChannelStopped       Kind = "channel_stopped"
	TxError              Kind = "tx_error"
	RxError              Kind = "rx_error"
	RxSamples            Kind = "rx_samples"
	WaveformWarning      Kind = "waveform_warning"
)

// Event is a single published occurrence with its payload fields.
type Event struct {
	Kind   Kind
	Time   time.Time
	Fields map[string]any
}

// Bus fans events out to subscribers and retains a bounded history.
type Bus struct {
	mu           sync.RWMutex
	history      []Event
	historyLimit int
	subscribers  map[chan Event]struct{}
}

// NewBus builds a bus retaining up to historyLimit past events.
func NewBus(historyLimit int) *Bus {
	if historyLimit <= 0 {
		historyLimit = 256
	}
	return &Bus{
		historyLimit: historyLimit,
		subscribers:  make(map[chan Event]struct{}),
	}
}

// Publish records the event and delivers it to every subscriber without
// blocking; a subscriber with a full channel misses the event.
func (b *Bus) Publish(kind Kind, fields map[string]any) {
	ev := Event{Kind: kind, Time: time.Now(), Fields: fields}

	b.mu.Lock()
	b.history = append(b.history, ev)
	if len(b.history) > b.historyLimit {
		b.history = b.history[len(b.history)-b.historyLimit:]
	}
	for ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
	b.mu.Unlock()
}

// Subscribe registers a listener for live events. The returned cancel
// function removes the subscription and closes the channel.
func (b *Bus) Subscribe() (chan Event, func()) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[ch]; ok {
			delete(b.subscribers, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// History returns a copy of the retained events.
func (b *Bus) History() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}
