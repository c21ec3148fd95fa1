// Package metrics exposes pipeline health counters on an explicitly
// injected Prometheus registry. A nil *Set disables collection.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Set groups the counters maintained by the TX and RX pipelines.
type Set struct {
	txUnderruns       *prometheus.CounterVec
	backpressureDrops *prometheus.CounterVec
	rxCaptures        *prometheus.CounterVec
	rxErrors          *prometheus.CounterVec
}

// New registers the counter set on reg.
func New(reg prometheus.Registerer) *Set {
	s := &Set{
		txUnderruns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sdrstation",
			Name:      "tx_underruns_total",
			Help:      "Streaming errors observed by TX workers.",
		}, []string{"channel"}),
		backpressureDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sdrstation",
			Name:      "tx_backpressure_drops_total",
			Help:      "Buffers dropped because a channel queue was full.",
		}, []string{"channel"}),
		rxCaptures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sdrstation",
			Name:      "rx_captures_total",
			Help:      "Successful capture chunks processed by RX monitors.",
		}, []string{"channel"}),
		rxErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sdrstation",
			Name:      "rx_errors_total",
			Help:      "Transient capture failures observed by RX monitors.",
		}, []string{"channel"}),
	}
	reg.MustRegister(s.txUnderruns, s.backpressureDrops, s.rxCaptures, s.rxErrors)
	return s
}

func (s *Set) TxUnderrun(channel int) {
	if s == nil {
		return
	}
	s.txUnderruns.WithLabelValues(strconv.Itoa(channel)).Inc()
}

func (s *Set) BackpressureDrop(channel int) {
	if s == nil {
		return
	}
	s.backpressureDrops.WithLabelValues(strconv.Itoa(channel)).Inc()
}

func (s *Set) RxCapture(channel int) {
	if s == nil {
		return
	}
	s.rxCaptures.WithLabelValues(strconv.Itoa(channel)).Inc()
}

func (s *Set) RxError(channel int) {
	if s == nil {
		return
	}
	s.rxErrors.WithLabelValues(strconv.Itoa(channel)).Inc()
}
