package session

import (
	"time"

	"github.com/avdwoude/sdrstation/internal/dsp"
	"github.com/avdwoude/sdrstation/internal/pipeline"
)

// ChannelDefaults seeds one TX channel's state at connect time. The struct
// arrives already validated; the core never parses configuration files.
type ChannelDefaults struct {
	Enabled           bool
	CenterFrequencyHz float64
	SampleRateSPS     float64
	RFBandwidthHz     float64
	AttenuationDB     float64
	SyncGroup         string
}

// WaveformDefaults bound generated and pushed waveforms.
type WaveformDefaults struct {
	Amplitude          float64
	CrestFactorLimitDB float64
}

// Config is the validated session configuration.
type Config struct {
	Channels       [2]ChannelDefaults
	Waveform       WaveformDefaults
	ConnectTimeout time.Duration
	Rx             pipeline.RxConfig
}

// DefaultConfig returns the configuration used when the caller supplies
// nothing: 2.4 GHz carriers at LTE-style rates on both channels.
func DefaultConfig() Config {
	channel := ChannelDefaults{
		CenterFrequencyHz: 2.4e9,
		SampleRateSPS:     30.72e6,
		RFBandwidthHz:     20e6,
		AttenuationDB:     10,
	}
	return Config{
		Channels: [2]ChannelDefaults{channel, channel},
		Waveform: WaveformDefaults{
			Amplitude:          dsp.DefaultAmplitudeLimit,
			CrestFactorLimitDB: 9,
		},
		ConnectTimeout: 5 * time.Second,
		Rx: pipeline.RxConfig{
			ChunkSize: 4096,
			Analyzer: dsp.AnalyzerConfig{
				SampleRate: channel.SampleRateSPS,
				FFTSize:    4096,
				Averaging:  4,
			},
		},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	for i := range c.Channels {
		if c.Channels[i].SampleRateSPS <= 0 {
			c.Channels[i] = def.Channels[i]
		}
	}
	if c.Waveform.Amplitude <= 0 {
		c.Waveform.Amplitude = def.Waveform.Amplitude
	}
	if c.Waveform.CrestFactorLimitDB <= 0 {
		c.Waveform.CrestFactorLimitDB = def.Waveform.CrestFactorLimitDB
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.Rx.ChunkSize <= 0 {
		c.Rx = def.Rx
	}
	return c
}
