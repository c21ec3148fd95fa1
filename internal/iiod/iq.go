package iiod

import (
	"errors"
	"math"
)

// The AD9361 wire format is little-endian signed 16-bit IQ pairs. With two
// channels enabled, one frame is [I0 Q0 I1 Q1].

const bytesPerSample = 4

// InterleaveComplex packs per-channel complex64 slices into interleaved
// int16 LE frames. All channels must share one length.
func InterleaveComplex(channels ...[]complex64) ([]byte, error) {
	if len(channels) == 0 {
		return nil, errors.New("interleave: no channels")
	}
	n := len(channels[0])
	for _, ch := range channels[1:] {
		if len(ch) != n {
			return nil, errors.New("interleave: channel length mismatch")
		}
	}
	out := make([]byte, n*len(channels)*bytesPerSample)
	off := 0
	for i := 0; i < n; i++ {
		for _, ch := range channels {
			putInt16LE(out[off:], floatToInt16(real(ch[i])))
			putInt16LE(out[off+2:], floatToInt16(imag(ch[i])))
			off += bytesPerSample
		}
	}
	return out, nil
}

// DeinterleaveComplex extracts one channel from interleaved int16 LE frames
// holding numChannels channels.
func DeinterleaveComplex(data []byte, numChannels, channel int) ([]complex64, error) {
	if numChannels <= 0 || channel < 0 || channel >= numChannels {
		return nil, errors.New("deinterleave: channel out of range")
	}
	frame := numChannels * bytesPerSample
	if len(data)%frame != 0 {
		return nil, errors.New("deinterleave: buffer not a whole number of frames")
	}
	n := len(data) / frame
	out := make([]complex64, n)
	scale := float32(1.0 / 32768.0)
	for i := 0; i < n; i++ {
		off := i*frame + channel*bytesPerSample
		re := int16(uint16(data[off]) | uint16(data[off+1])<<8)
		im := int16(uint16(data[off+2]) | uint16(data[off+3])<<8)
		out[i] = complex(float32(re)*scale, float32(im)*scale)
	}
	return out, nil
}

func putInt16LE(b []byte, v int16) {
	b[0] = byte(v)
	b[1] = byte(uint16(v) >> 8)
}

func floatToInt16(v float32) int16 {
	scaled := int(math.Round(float64(v * 32767)))
	if scaled > math.MaxInt16 {
		return math.MaxInt16
	}
	if scaled < math.MinInt16 {
		return math.MinInt16
	}
	return int16(scaled)
}
