// Command sdrstation connects to a dual-channel transmit station (real
// hardware over IIOD or the software mock), configures a TX channel,
// streams a synthesized waveform, and optionally monitors the receive
// spectrum until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/avdwoude/sdrstation/internal/discovery"
	"github.com/avdwoude/sdrstation/internal/dsp"
	"github.com/avdwoude/sdrstation/internal/events"
	"github.com/avdwoude/sdrstation/internal/logging"
	"github.com/avdwoude/sdrstation/internal/metrics"
	"github.com/avdwoude/sdrstation/internal/pipeline"
	"github.com/avdwoude/sdrstation/internal/session"
)

func main() {
	var (
		uri             = flag.String("uri", "mock://station", "device URI (mock://name or ip://host[:port])")
		discover        = flag.Bool("discover", false, "browse mDNS for IIOD devices and exit")
		discoverTimeout = flag.Duration("discover-timeout", 5*time.Second, "mDNS browse duration")
		logLevel        = flag.String("log-level", "info", "log level (debug, info, warn, error)")
		logFormat       = flag.String("log-format", "text", "log format (text, json)")
		metricsListen   = flag.String("metrics-listen", "", "address for the Prometheus endpoint (empty disables it)")
		channel         = flag.Int("channel", 1, "TX channel (1 or 2)")
		centerHz        = flag.Float64("center", 2.4e9, "center frequency in Hz")
		rateSPS         = flag.Float64("rate", 30.72e6, "sample rate in SPS")
		bandwidthHz     = flag.Float64("bandwidth", 20e6, "RF bandwidth in Hz")
		attenuationDB   = flag.Float64("attenuation", 10, "TX attenuation in dB")
		waveform        = flag.String("waveform", "sine", "waveform kind (sine, square, triangle, chirp, multitone, prbs, ofdm, noise)")
		toneHz          = flag.Float64("tone", 1e6, "tone frequency in Hz (sine, square, triangle)")
		tones           = flag.String("tones", "", "comma-separated tone frequencies in Hz (multitone)")
		startHz         = flag.Float64("start-freq", 1e5, "chirp start frequency in Hz")
		stopHz          = flag.Float64("stop-freq", 1e6, "chirp stop frequency in Hz")
		order           = flag.Int("order", 7, "PRBS register order")
		subcarriers     = flag.Int("subcarriers", 64, "OFDM subcarrier count")
		noiseBW         = flag.Float64("noise-bandwidth", 5e6, "noise occupied bandwidth in Hz")
		amplitude       = flag.Float64("amplitude", 0.5, "waveform amplitude, full-scale")
		duration        = flag.Float64("duration", 0.01, "waveform duration in seconds")
		monitor         = flag.Bool("monitor", false, "run the RX spectrum monitor on the same channel")
		run             = flag.Duration("run", 0, "exit after this long (0 runs until interrupted)")
	)
	flag.Parse()

	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	format, err := logging.ParseFormat(*logFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := logging.New(level, format, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *discover {
		if err := runDiscovery(ctx, *discoverTimeout); err != nil {
			log.Error("discovery failed", logging.F("error", err))
			os.Exit(1)
		}
		return
	}

	var met *metrics.Set
	if *metricsListen != "" {
		reg := prometheus.NewRegistry()
		met = metrics.New(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsListen, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics endpoint failed", logging.F("error", err))
			}
		}()
		defer srv.Close()
		log.Info("metrics endpoint listening", logging.F("addr", *metricsListen))
	}

	bus := events.NewBus(256)
	sub, cancelSub := bus.Subscribe()
	defer cancelSub()
	go printEvents(sub, log)

	mgr := session.New(session.DefaultConfig(), bus, log, met)
	conn, err := mgr.Connect(ctx, *uri)
	if err != nil {
		log.Error("connect failed", logging.F("uri", *uri), logging.F("error", err))
		os.Exit(1)
	}
	defer mgr.Shutdown(5 * time.Second)
	log.Info("connected",
		logging.F("serial", conn.Serial), logging.F("firmware", conn.Firmware))

	result, err := mgr.ApplyChannelConfig(*channel, session.ChannelState{
		CenterFrequencyHz: *centerHz,
		SampleRateSPS:     *rateSPS,
		RFBandwidthHz:     *bandwidthHz,
		AttenuationDB:     *attenuationDB,
	})
	if err != nil {
		log.Error("configure failed", logging.F("error", err))
		os.Exit(1)
	}
	if !result.Valid {
		log.Error("invalid channel configuration", logging.F("reason", result.Message))
		os.Exit(1)
	}

	params := dsp.Params{
		Name:        *waveform,
		Kind:        dsp.Kind(*waveform),
		SampleRate:  *rateSPS,
		Duration:    *duration,
		Amplitude:   *amplitude,
		Frequency:   *toneHz,
		StartFreq:   *startHz,
		StopFreq:    *stopHz,
		Order:       *order,
		Subcarriers: *subcarriers,
		Bandwidth:   *noiseBW,
		Source:      "cli",
	}
	if *tones != "" {
		params.Tones, err = parseTones(*tones)
		if err != nil {
			log.Error("invalid tones", logging.F("error", err))
			os.Exit(1)
		}
	}
	samples, spec, err := dsp.Generate(params)
	if err != nil {
		log.Error("waveform synthesis failed", logging.F("error", err))
		os.Exit(1)
	}
	log.Info("waveform synthesized",
		logging.F("kind", spec.Kind),
		logging.F("samples", spec.NumSamples),
		logging.F("crest_db", fmt.Sprintf("%.2f", spec.CrestFactorDB)))

	if err := mgr.LoadWaveform(*channel, pipeline.Waveform{Samples: samples, Spec: spec}); err != nil {
		log.Error("waveform load failed", logging.F("error", err))
		os.Exit(1)
	}
	if err := mgr.Start(*channel); err != nil {
		log.Error("start failed", logging.F("error", err))
		os.Exit(1)
	}
	if *monitor {
		if err := mgr.StartMonitor(*channel); err != nil {
			log.Error("monitor start failed", logging.F("error", err))
		}
	}

	wait := ctx.Done()
	if *run > 0 {
		timed, cancel := context.WithTimeout(ctx, *run)
		defer cancel()
		wait = timed.Done()
	}
	<-wait

	snap := mgr.Snapshot()
	for _, st := range snap.Channels {
		if !st.Enabled && st.Underruns == 0 {
			continue
		}
		log.Info("channel summary",
			logging.F("channel", st.Channel),
			logging.F("running", st.Running),
			logging.F("underruns", st.Underruns))
	}
	log.Info("shutting down", logging.F("temperature_c", fmt.Sprintf("%.1f", snap.TemperatureC)))
}

func runDiscovery(ctx context.Context, timeout time.Duration) error {
	hosts, err := discovery.Browse(ctx, timeout)
	if err != nil {
		return err
	}
	if len(hosts) == 0 {
		fmt.Println("no IIOD devices found")
		return nil
	}
	for _, h := range hosts {
		fmt.Printf("%-30s %-25s port %-5d -> %s\n", h.Instance, strings.TrimSuffix(h.Hostname, "."), h.Port, h.URI())
	}
	return nil
}

// printEvents mirrors bus traffic to the log, skipping the per-capture
// spectrum payloads that would flood it.
func printEvents(sub chan events.Event, log logging.Logger) {
	for ev := range sub {
		if ev.Kind == events.RxSamples {
			log.Debug(string(ev.Kind),
				logging.F("channel", ev.Fields["channel"]),
				logging.F("peak_freq", ev.Fields["peak_freq"]),
				logging.F("peak_db", ev.Fields["peak_db"]))
			continue
		}
		fields := make([]logging.Field, 0, len(ev.Fields))
		for k, v := range ev.Fields {
			fields = append(fields, logging.F(k, v))
		}
		log.Info(string(ev.Kind), fields...)
	}
}

func parseTones(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("tone %q: %w", p, err)
		}
		out = append(out, f)
	}
	return out, nil
}
