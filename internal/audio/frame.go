package audio

import (
	"encoding/binary"
	"math"
)

// Frame is a block of mono 16-bit samples handed to the recognizer.
type Frame []int16

// Quantize applies linear gain, clips to [-1, 1] and scales to int16.
func Quantize(samples []float32, gain float64) Frame {
	out := make(Frame, len(samples))
	for i, s := range samples {
		v := float64(s) * gain
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		out[i] = int16(v * 32767)
	}
	return out
}

// PCM16LE encodes the frame as little-endian signed 16-bit PCM.
func (f Frame) PCM16LE() []byte {
	out := make([]byte, len(f)*2)
	for i, s := range f {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodePCM16LE converts little-endian PCM16 bytes into samples.
func DecodePCM16LE(b []byte) Frame {
	out := make(Frame, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// Float32 normalizes the frame back to [-1, 1).
func (f Frame) Float32() []float32 {
	out := make([]float32, len(f))
	for i, s := range f {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// RMS returns the root mean square level of the frame in [0, 1].
func (f Frame) RMS() float64 {
	if len(f) == 0 {
		return 0
	}
	var sum float64
	for _, s := range f {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(f)))
}

// ResampleLinear resamples samples from inRate to outRate with linear interpolation.
func ResampleLinear(samples []float32, inRate, outRate int) []float32 {
	if inRate <= 0 || outRate <= 0 || inRate == outRate || len(samples) == 0 {
		return append([]float32(nil), samples...)
	}
	ratio := float64(outRate) / float64(inRate)
	outLen := int(float64(len(samples)) * ratio)
	if outLen < 1 {
		outLen = 1
	}
	out := make([]float32, outLen)
	for i := range out {
		pos := float64(i) / ratio
		i0 := int(pos)
		if i0 >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := float32(pos - float64(i0))
		out[i] = samples[i0] + (samples[i0+1]-samples[i0])*frac
	}
	return out
}
