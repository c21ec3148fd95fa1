package dsp

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Kind enumerates the supported waveform families.
type Kind string

const (
	Sine      Kind = "sine"
	Square    Kind = "square"
	Triangle  Kind = "triangle"
	Chirp     Kind = "chirp"
	Multitone Kind = "multitone"
	PRBS      Kind = "prbs"
	OFDM      Kind = "ofdm"
	Noise     Kind = "noise"
	Arbitrary Kind = "arbitrary"
)

// Params describes one waveform generation request. Kind-specific fields
// are ignored by other kinds.
type Params struct {
	Name       string
	Kind       Kind
	SampleRate float64
	Duration   float64
	Amplitude  float64

	Frequency   float64   // sine, square, triangle
	StartFreq   float64   // chirp
	StopFreq    float64   // chirp
	Tones       []float64 // multitone
	Order       int       // prbs
	Subcarriers int       // ofdm
	Bandwidth   float64   // noise

	// Seed drives the OFDM and noise random sources. Zero seeds from the
	// global source; tests must set it for reproducible buffers.
	Seed int64

	// Samples supplies the buffer for the arbitrary kind.
	Samples []complex64
	Source  string
}

// Spec describes a generated waveform. The sample buffer itself is owned by
// whoever holds it; a Spec is immutable once produced.
type Spec struct {
	Name          string
	Kind          Kind
	Amplitude     float64
	SampleRate    float64
	NumSamples    int
	RMSLevel      float64
	CrestFactorDB float64
	Metadata      map[string]float64
	Source        string
}

// Generate synthesizes IQ samples for the request and returns them with
// their Spec. The amplitude is clamped to the safe limit before synthesis;
// clipping is recorded in the metadata.
func Generate(p Params) ([]complex64, Spec, error) {
	if p.SampleRate <= 0 {
		return nil, Spec{}, fmt.Errorf("sample rate must be positive")
	}
	n := int(math.Round(p.SampleRate * p.Duration))
	if p.Kind == Arbitrary {
		n = len(p.Samples)
	}
	if n <= 0 {
		return nil, Spec{}, fmt.Errorf("waveform %q has no samples (rate %.0f, duration %.3fs)", p.Name, p.SampleRate, p.Duration)
	}

	amplitude, clipped := ClampAmplitude(p.Amplitude, DefaultAmplitudeLimit)
	meta := map[string]float64{}
	if clipped {
		meta["clipped"] = 1
	}

	var iq []complex64
	var err error
	switch p.Kind {
	case Sine:
		iq = genSine(n, p.SampleRate, p.Frequency, amplitude)
		meta["frequency"] = p.Frequency
	case Square:
		iq = genSquare(n, p.SampleRate, p.Frequency, amplitude)
		meta["frequency"] = p.Frequency
	case Triangle:
		iq = genTriangle(n, p.SampleRate, p.Frequency, amplitude)
		meta["frequency"] = p.Frequency
	case Chirp:
		iq = genChirp(n, p.SampleRate, p.StartFreq, p.StopFreq, amplitude)
		meta["f_start"] = p.StartFreq
		meta["f_stop"] = p.StopFreq
	case Multitone:
		iq, err = genMultitone(n, p.SampleRate, p.Tones, amplitude)
		meta["tones"] = float64(len(p.Tones))
	case PRBS:
		iq, err = genPRBS(n, p.Order, amplitude)
		meta["order"] = float64(p.Order)
	case OFDM:
		iq, err = genOFDM(n, p.Subcarriers, amplitude, rng(p.Seed))
		meta["subcarriers"] = float64(p.Subcarriers)
	case Noise:
		iq = genNoise(n, p.SampleRate, p.Bandwidth, amplitude, rng(p.Seed))
		meta["bandwidth"] = p.Bandwidth
	case Arbitrary:
		iq = normalize(p.Samples, amplitude)
	default:
		return nil, Spec{}, fmt.Errorf("unsupported waveform kind %q", p.Kind)
	}
	if err != nil {
		return nil, Spec{}, err
	}

	spec := Spec{
		Name:          p.Name,
		Kind:          p.Kind,
		Amplitude:     amplitude,
		SampleRate:    p.SampleRate,
		NumSamples:    len(iq),
		RMSLevel:      RMS(iq),
		CrestFactorDB: CrestFactorDB(iq),
		Metadata:      meta,
		Source:        p.Source,
	}
	return iq, spec, nil
}

func rng(seed int64) *rand.Rand {
	if seed == 0 {
		seed = rand.Int63()
	}
	return rand.New(rand.NewSource(seed))
}

func genSine(n int, sampleRate, freq, amplitude float64) []complex64 {
	iq := make([]complex64, n)
	step := 2 * math.Pi * freq / sampleRate
	for i := range iq {
		phase := step * float64(i)
		iq[i] = complex(float32(amplitude*math.Cos(phase)), float32(amplitude*math.Sin(phase)))
	}
	return iq
}

func genSquare(n int, sampleRate, freq, amplitude float64) []complex64 {
	iq := make([]complex64, n)
	step := freq / sampleRate
	for i := range iq {
		_, frac := math.Modf(step * float64(i))
		v := amplitude
		if frac >= 0.5 {
			v = -amplitude
		}
		iq[i] = complex(float32(v), 0)
	}
	return iq
}

func genTriangle(n int, sampleRate, freq, amplitude float64) []complex64 {
	iq := make([]complex64, n)
	step := freq / sampleRate
	for i := range iq {
		t := step * float64(i)
		// Triangle in [-1, 1] with period 1.
		v := 4*math.Abs(t-math.Floor(t+0.5)) - 1
		iq[i] = complex(float32(amplitude*v), 0)
	}
	return iq
}

func genChirp(n int, sampleRate, f0, f1, amplitude float64) []complex64 {
	iq := make([]complex64, n)
	duration := float64(n) / sampleRate
	sweep := (f1 - f0) / (2 * duration)
	for i := range iq {
		t := float64(i) / sampleRate
		phase := 2 * math.Pi * (f0*t + sweep*t*t)
		iq[i] = complex(float32(amplitude*math.Cos(phase)), float32(amplitude*math.Sin(phase)))
	}
	return iq
}

func genMultitone(n int, sampleRate float64, tones []float64, amplitude float64) ([]complex64, error) {
	if len(tones) == 0 {
		return nil, fmt.Errorf("multitone requires at least one tone")
	}
	iq := make([]complex64, n)
	perTone := amplitude / float64(len(tones))
	for _, f := range tones {
		step := 2 * math.Pi * f / sampleRate
		for i := range iq {
			phase := step * float64(i)
			iq[i] += complex(float32(perTone*math.Cos(phase)), float32(perTone*math.Sin(phase)))
		}
	}
	return iq, nil
}

// prbsTaps holds feedback taps for maximal-length sequences by register
// order. Bit positions are 1-based from the register output.
var prbsTaps = map[int][]int{
	3:  {3, 2},
	4:  {4, 3},
	5:  {5, 3},
	6:  {6, 5},
	7:  {7, 6},
	8:  {8, 6, 5, 4},
	9:  {9, 5},
	10: {10, 7},
	11: {11, 9},
	15: {15, 14},
}

func genPRBS(n, order int, amplitude float64) ([]complex64, error) {
	taps, ok := prbsTaps[order]
	if !ok {
		return nil, fmt.Errorf("no maximal-length taps for PRBS order %d", order)
	}
	period := (1 << order) - 1
	seq := make([]float64, period)
	state := uint32(1)
	for i := 0; i < period; i++ {
		out := state & 1
		if out == 1 {
			seq[i] = amplitude
		} else {
			seq[i] = -amplitude
		}
		var fb uint32
		for _, t := range taps {
			fb ^= (state >> uint(t-1)) & 1
		}
		state = (state >> 1) | (fb << uint(order-1))
	}
	// Tile or truncate the period to the requested length.
	iq := make([]complex64, n)
	for i := range iq {
		iq[i] = complex(float32(seq[i%period]), 0)
	}
	return iq, nil
}

func genOFDM(n, subcarriers int, amplitude float64, r *rand.Rand) ([]complex64, error) {
	if subcarriers <= 0 {
		subcarriers = 64
	}
	fft := fourier.NewCmplxFFT(subcarriers)
	symbol := make([]complex128, subcarriers)
	for i := range symbol {
		phase := 2 * math.Pi * r.Float64()
		symbol[i] = complex(math.Cos(phase), math.Sin(phase))
	}
	timeDomain := fft.Sequence(nil, symbol)
	// Normalize the inverse transform and find the symbol peak.
	peak := 0.0
	for i := range timeDomain {
		timeDomain[i] /= complex(float64(subcarriers), 0)
		if m := cmplxAbs(timeDomain[i]); m > peak {
			peak = m
		}
	}
	if peak < rmsFloor {
		peak = rmsFloor
	}
	scale := amplitude / peak
	iq := make([]complex64, n)
	for i := range iq {
		v := timeDomain[i%subcarriers]
		iq[i] = complex(float32(real(v)*scale), float32(imag(v)*scale))
	}
	return iq, nil
}

func genNoise(n int, sampleRate, bandwidth, amplitude float64, r *rand.Rand) []complex64 {
	if bandwidth <= 0 || bandwidth > sampleRate/2 {
		bandwidth = sampleRate / 2
	}
	fft := fourier.NewCmplxFFT(n)
	noise := make([]complex128, n)
	for i := range noise {
		noise[i] = complex(r.NormFloat64()/math.Sqrt2, r.NormFloat64()/math.Sqrt2)
	}
	spectrum := fft.Coefficients(nil, noise)
	// Zero bins outside the occupied bandwidth.
	for i := range spectrum {
		freq := float64(i) / float64(n) * sampleRate
		if freq > sampleRate/2 {
			freq -= sampleRate
		}
		if math.Abs(freq) > bandwidth {
			spectrum[i] = 0
		}
	}
	shaped := fft.Sequence(nil, spectrum)
	peak := 0.0
	for i := range shaped {
		shaped[i] /= complex(float64(n), 0)
		if m := cmplxAbs(shaped[i]); m > peak {
			peak = m
		}
	}
	if peak < rmsFloor {
		peak = rmsFloor
	}
	scale := amplitude / peak
	iq := make([]complex64, n)
	for i := range iq {
		iq[i] = complex(float32(real(shaped[i])*scale), float32(imag(shaped[i])*scale))
	}
	return iq
}

func normalize(samples []complex64, amplitude float64) []complex64 {
	peak := 0.0
	for _, v := range samples {
		if m := math.Hypot(float64(real(v)), float64(imag(v))); m > peak {
			peak = m
		}
	}
	if peak < rmsFloor {
		peak = rmsFloor
	}
	scale := float32(amplitude / peak)
	out := make([]complex64, len(samples))
	for i, v := range samples {
		out[i] = complex(real(v)*scale, imag(v)*scale)
	}
	return out
}

func cmplxAbs(v complex128) float64 {
	return math.Hypot(real(v), imag(v))
}
