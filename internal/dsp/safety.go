package dsp

import (
	"fmt"
	"math"
)

// DefaultAmplitudeLimit is the full-scale fraction beyond which waveforms
// are clamped before they reach the DAC.
const DefaultAmplitudeLimit = 0.8

// rmsFloor keeps crest factor computation finite on all-zero buffers.
const rmsFloor = 1e-9

// RateCheckResult reports the outcome of a sample-rate/bandwidth check.
// Invalid results carry a human-readable message for inline display.
type RateCheckResult struct {
	Valid   bool
	Message string
}

// NyquistCheck verifies that the two-sided occupied bandwidth fits the
// complex sampling rate. IQ sampling spans the full rate (±rate/2 around
// the carrier), so the check fails iff bandwidth > sample rate. It has no
// side effects; callers gate driver mutations on it.
func NyquistCheck(sampleRate, bandwidth float64) RateCheckResult {
	if bandwidth > sampleRate {
		return RateCheckResult{
			Valid: false,
			Message: fmt.Sprintf("bandwidth %.0f Hz exceeds the Nyquist span %.0f Hz at %.0f sps",
				bandwidth, sampleRate, sampleRate),
		}
	}
	return RateCheckResult{Valid: true}
}

// ClampAmplitude limits a requested full-scale fraction to limit and
// reports whether clipping occurred. A non-positive limit falls back to
// DefaultAmplitudeLimit.
func ClampAmplitude(requested, limit float64) (float64, bool) {
	if limit <= 0 {
		limit = DefaultAmplitudeLimit
	}
	if requested <= limit {
		return requested, false
	}
	return limit, true
}

// CrestFactorDB returns 20*log10(peak/rms) for the buffer. A pure sine
// yields about 3.01 dB.
func CrestFactorDB(iq []complex64) float64 {
	if len(iq) == 0 {
		return 0
	}
	var peak, sumSq float64
	for _, v := range iq {
		mag := math.Hypot(float64(real(v)), float64(imag(v)))
		if mag > peak {
			peak = mag
		}
		sumSq += mag * mag
	}
	rms := math.Sqrt(sumSq / float64(len(iq)))
	return LinearToDB(peak / math.Max(rms, rmsFloor))
}

// RMS returns the root-mean-square magnitude of the buffer.
func RMS(iq []complex64) float64 {
	if len(iq) == 0 {
		return 0
	}
	var sumSq float64
	for _, v := range iq {
		re := float64(real(v))
		im := float64(imag(v))
		sumSq += re*re + im*im
	}
	return math.Sqrt(sumSq / float64(len(iq)))
}

// LinearToDB converts a linear ratio to decibels with a small floor.
func LinearToDB(v float64) float64 {
	return 20 * math.Log10(math.Max(v, 1e-12))
}

// DBToLinear converts decibels to a linear ratio.
func DBToLinear(db float64) float64 {
	return math.Pow(10, db/20)
}
