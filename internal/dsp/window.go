package dsp

import "math"

// Hann returns a Hann window of length n.
func Hann(n int) []float64 {
	if n <= 0 {
		return []float64{}
	}
	if n == 1 {
		return []float64{1}
	}
	win := make([]float64, n)
	for i := 0; i < n; i++ {
		win[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return win
}

// Hamming returns a Hamming window of length n.
func Hamming(n int) []float64 {
	if n <= 0 {
		return []float64{}
	}
	if n == 1 {
		return []float64{1}
	}
	win := make([]float64, n)
	for i := 0; i < n; i++ {
		win[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return win
}

// WindowByName resolves a window by its configuration name. Unknown names
// fall back to a rectangular window.
func WindowByName(name string, n int) []float64 {
	switch name {
	case "hann", "":
		return Hann(n)
	case "hamming":
		return Hamming(n)
	default:
		win := make([]float64, n)
		for i := range win {
			win[i] = 1
		}
		return win
	}
}

// ApplyWindow multiplies complex samples with the window. The window length
// must match the input length.
func ApplyWindow(samples []complex64, window []float64) []complex128 {
	if len(samples) != len(window) {
		return []complex128{}
	}
	out := make([]complex128, len(samples))
	for i, v := range samples {
		out[i] = complex(float64(real(v))*window[i], float64(imag(v))*window[i])
	}
	return out
}
