package dsp

import (
	"math"
	"testing"
)

func TestGenerateSine(t *testing.T) {
	iq, spec, err := Generate(Params{
		Name:       "tone",
		Kind:       Sine,
		SampleRate: 1e6,
		Duration:   0.01,
		Amplitude:  0.5,
		Frequency:  1e4,
	})
	if err != nil {
		t.Fatalf("generate sine: %v", err)
	}
	if want := int(math.Round(1e6 * 0.01)); len(iq) != want {
		t.Fatalf("got %d samples, want %d", len(iq), want)
	}
	if spec.NumSamples != len(iq) {
		t.Fatalf("spec reports %d samples, buffer has %d", spec.NumSamples, len(iq))
	}
	// Constant-envelope tone: every sample sits at the amplitude.
	for i, v := range iq {
		mag := math.Hypot(float64(real(v)), float64(imag(v)))
		if math.Abs(mag-0.5) > 1e-3 {
			t.Fatalf("sample %d magnitude %.4f, want 0.5", i, mag)
		}
	}
}

func TestGenerateClampsAmplitude(t *testing.T) {
	_, spec, err := Generate(Params{
		Kind:       Sine,
		SampleRate: 1e6,
		Duration:   0.001,
		Amplitude:  1.5,
		Frequency:  1e4,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if spec.Amplitude != DefaultAmplitudeLimit {
		t.Fatalf("amplitude = %v, want clamp to %v", spec.Amplitude, DefaultAmplitudeLimit)
	}
	if spec.Metadata["clipped"] != 1 {
		t.Fatal("clipping not recorded in metadata")
	}
}

func TestGenerateRejectsEmpty(t *testing.T) {
	if _, _, err := Generate(Params{Kind: Sine, SampleRate: 1e6, Duration: 0}); err == nil {
		t.Fatal("zero duration must fail")
	}
	if _, _, err := Generate(Params{Kind: Sine, SampleRate: 0, Duration: 1}); err == nil {
		t.Fatal("zero sample rate must fail")
	}
	if _, _, err := Generate(Params{Kind: "wobble", SampleRate: 1e6, Duration: 0.001}); err == nil {
		t.Fatal("unknown kind must fail")
	}
}

func TestGeneratePRBSPeriod(t *testing.T) {
	order := 7
	period := (1 << order) - 1
	iq, _, err := Generate(Params{
		Kind:       PRBS,
		SampleRate: 1e6,
		Duration:   float64(3*period) / 1e6,
		Amplitude:  0.5,
		Order:      order,
	})
	if err != nil {
		t.Fatalf("generate prbs: %v", err)
	}
	for i := period; i < len(iq); i++ {
		if iq[i] != iq[i-period] {
			t.Fatalf("sequence not periodic with period %d at sample %d", period, i)
		}
	}
	// A maximal-length sequence is never constant within one period.
	first := iq[0]
	varied := false
	for _, v := range iq[:period] {
		if v != first {
			varied = true
			break
		}
	}
	if !varied {
		t.Fatal("PRBS output is constant")
	}
}

func TestGeneratePRBSUnknownOrder(t *testing.T) {
	if _, _, err := Generate(Params{Kind: PRBS, SampleRate: 1e6, Duration: 0.001, Amplitude: 0.5, Order: 13}); err == nil {
		t.Fatal("order without tap table must fail")
	}
}

func TestGenerateOFDMDeterministic(t *testing.T) {
	p := Params{
		Kind:        OFDM,
		SampleRate:  1e6,
		Duration:    0.001,
		Amplitude:   0.5,
		Subcarriers: 64,
		Seed:        42,
	}
	a, _, err := Generate(p)
	if err != nil {
		t.Fatalf("generate ofdm: %v", err)
	}
	b, _, err := Generate(p)
	if err != nil {
		t.Fatalf("generate ofdm again: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("seeded generation diverged at sample %d", i)
		}
	}
	peak := 0.0
	for _, v := range a {
		if m := math.Hypot(float64(real(v)), float64(imag(v))); m > peak {
			peak = m
		}
	}
	if math.Abs(peak-0.5) > 1e-3 {
		t.Fatalf("peak %.4f, want normalization to 0.5", peak)
	}
}

func TestGenerateNoiseBandLimited(t *testing.T) {
	n := 4096
	iq, spec, err := Generate(Params{
		Kind:       Noise,
		SampleRate: 1e6,
		Duration:   float64(n) / 1e6,
		Amplitude:  0.5,
		Bandwidth:  1e5,
		Seed:       7,
	})
	if err != nil {
		t.Fatalf("generate noise: %v", err)
	}
	if spec.CrestFactorDB <= 3 {
		t.Fatalf("band-limited noise crest %.2f dB, expected above a tone's", spec.CrestFactorDB)
	}

	// Energy outside the occupied band should be negligible.
	a := NewAnalyzer(AnalyzerConfig{SampleRate: 1e6, FFTSize: n})
	res := a.Process(iq)
	for i, f := range res.Freqs {
		if math.Abs(f) > 1.5e5 && res.MagnitudeDB[i] > -40 {
			t.Fatalf("out-of-band energy %.1f dB at %.0f Hz", res.MagnitudeDB[i], f)
		}
	}
}

func TestGenerateMultitone(t *testing.T) {
	if _, _, err := Generate(Params{Kind: Multitone, SampleRate: 1e6, Duration: 0.001, Amplitude: 0.5}); err == nil {
		t.Fatal("multitone without tones must fail")
	}
	iq, _, err := Generate(Params{
		Kind:       Multitone,
		SampleRate: 1e6,
		Duration:   0.004,
		Amplitude:  0.6,
		Tones:      []float64{5e4, 1e5, 2e5},
	})
	if err != nil {
		t.Fatalf("generate multitone: %v", err)
	}
	peak := 0.0
	for _, v := range iq {
		if m := math.Hypot(float64(real(v)), float64(imag(v))); m > peak {
			peak = m
		}
	}
	if peak > 0.6+1e-3 {
		t.Fatalf("multitone peak %.4f exceeds requested amplitude", peak)
	}
}

func TestGenerateChirpSweep(t *testing.T) {
	iq, spec, err := Generate(Params{
		Kind:       Chirp,
		SampleRate: 1e6,
		Duration:   0.004,
		Amplitude:  0.5,
		StartFreq:  1e4,
		StopFreq:   2e5,
	})
	if err != nil {
		t.Fatalf("generate chirp: %v", err)
	}
	if spec.Metadata["f_start"] != 1e4 || spec.Metadata["f_stop"] != 2e5 {
		t.Fatal("chirp endpoints missing from metadata")
	}
	for i, v := range iq {
		mag := math.Hypot(float64(real(v)), float64(imag(v)))
		if math.Abs(mag-0.5) > 1e-3 {
			t.Fatalf("chirp sample %d magnitude %.4f, want constant envelope", i, mag)
		}
	}
}

func TestGenerateArbitraryNormalizes(t *testing.T) {
	src := []complex64{complex(2, 0), complex(0, -1), complex(0.5, 0.5)}
	iq, spec, err := Generate(Params{
		Kind:       Arbitrary,
		SampleRate: 1e6,
		Amplitude:  0.4,
		Samples:    src,
		Source:     "unit.npy",
	})
	if err != nil {
		t.Fatalf("generate arbitrary: %v", err)
	}
	if len(iq) != len(src) {
		t.Fatalf("got %d samples, want %d", len(iq), len(src))
	}
	peak := 0.0
	for _, v := range iq {
		if m := math.Hypot(float64(real(v)), float64(imag(v))); m > peak {
			peak = m
		}
	}
	if math.Abs(peak-0.4) > 1e-3 {
		t.Fatalf("peak %.4f, want 0.4", peak)
	}
	if spec.Source != "unit.npy" {
		t.Fatalf("source = %q", spec.Source)
	}
}
