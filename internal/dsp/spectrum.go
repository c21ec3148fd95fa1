package dsp

import (
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// AnalyzerConfig controls spectrum estimation.
type AnalyzerConfig struct {
	SampleRate float64
	FFTSize    int
	Averaging  int    // running average depth; <=1 disables averaging
	PeakHold   bool   // retain the element-wise maximum across calls
	Window     string // "hann" (default) or "hamming"
}

// Result is one processed spectrum frame.
type Result struct {
	Freqs       []float64
	MagnitudeDB []float64
	PeakFreq    float64
	PeakDB      float64
}

// Analyzer computes windowed magnitude spectra with running averaging and
// optional peak-hold. The FFT plan and window are cached across calls.
type Analyzer struct {
	mu       sync.Mutex
	cfg      AnalyzerConfig
	fft      *fourier.CmplxFFT
	window   []float64
	freqs    []float64
	average  []float64
	peakHold []float64
	calls    int
}

// NewAnalyzer builds an analyzer for the given configuration.
func NewAnalyzer(cfg AnalyzerConfig) *Analyzer {
	if cfg.FFTSize <= 0 {
		cfg.FFTSize = 4096
	}
	if cfg.Averaging < 1 {
		cfg.Averaging = 1
	}
	a := &Analyzer{
		cfg:    cfg,
		fft:    fourier.NewCmplxFFT(cfg.FFTSize),
		window: WindowByName(cfg.Window, cfg.FFTSize),
		freqs:  shiftedFreqs(cfg.FFTSize, cfg.SampleRate),
	}
	return a
}

// Process computes one spectrum frame. Input shorter than the FFT length is
// zero-padded; longer input is truncated. The returned curve is the
// peak-hold trace when enabled, otherwise the running average.
func (a *Analyzer) Process(iq []complex64) Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := a.cfg.FFTSize
	frame := make([]complex64, n)
	copy(frame, iq)

	windowed := ApplyWindow(frame, a.window)
	coeffs := a.fft.Coefficients(nil, windowed)
	shifted := fftShift(coeffs)

	// Magnitude normalized by its own maximum.
	mags := make([]float64, n)
	maxMag := 0.0
	for i, v := range shifted {
		mags[i] = cmplx.Abs(v)
		if mags[i] > maxMag {
			maxMag = mags[i]
		}
	}
	if maxMag < 1e-12 {
		maxMag = 1e-12
	}
	db := make([]float64, n)
	for i := range mags {
		db[i] = LinearToDB(mags[i] / maxMag)
	}

	a.calls++
	if a.average == nil {
		a.average = make([]float64, n)
		copy(a.average, db)
	} else {
		weight := 1.0 / float64(minInt(a.calls, a.cfg.Averaging))
		for i := range a.average {
			a.average[i] += (db[i] - a.average[i]) * weight
		}
	}

	if a.cfg.PeakHold {
		if a.peakHold == nil {
			a.peakHold = make([]float64, n)
			copy(a.peakHold, db)
		} else {
			for i := range a.peakHold {
				if db[i] > a.peakHold[i] {
					a.peakHold[i] = db[i]
				}
			}
		}
	}

	curve := a.average
	if a.cfg.PeakHold {
		curve = a.peakHold
	}
	out := make([]float64, n)
	copy(out, curve)

	peakIdx := 0
	for i := 1; i < len(out); i++ {
		if out[i] > out[peakIdx] {
			peakIdx = i
		}
	}
	return Result{
		Freqs:       a.freqs,
		MagnitudeDB: out,
		PeakFreq:    a.freqs[peakIdx],
		PeakDB:      out[peakIdx],
	}
}

// Reset clears the running average and the peak-hold trace. Nothing else
// ever clears peak-hold.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.average = nil
	a.peakHold = nil
	a.calls = 0
}

func fftShift(data []complex128) []complex128 {
	n := len(data)
	if n == 0 {
		return []complex128{}
	}
	half := n / 2
	out := make([]complex128, 0, n)
	out = append(out, data[half:]...)
	out = append(out, data[:half]...)
	return out
}

func shiftedFreqs(n int, sampleRate float64) []float64 {
	freqs := make([]float64, n)
	for i := range freqs {
		freqs[i] = (float64(i) - float64(n/2)) * sampleRate / float64(n)
	}
	return freqs
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
