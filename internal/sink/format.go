package sink

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"
)

// Format is the byte layout of one mono PCM sample.
type Format string

const (
	// S16LE is signed 16-bit little-endian, full scale at ±1.0.
	S16LE Format = "s16le"
	// F32LE is IEEE-754 float32 little-endian.
	F32LE Format = "f32le"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case S16LE, F32LE:
		return f, nil
	}
	return "", fmt.Errorf("sink: unknown PCM format %q", s)
}

// BytesPerSample returns the encoded size of one sample.
func (f Format) BytesPerSample() int {
	if f == F32LE {
		return 4
	}
	return 2
}

// Scaler multiplies audio by a fixed output gain and encodes it.
type Scaler struct {
	gain    float32
	format  Format
	clipped atomic.Uint64
}

// NewScaler creates a scaler for the given gain and format.
func NewScaler(gain float64, format Format) *Scaler {
	return &Scaler{gain: float32(gain), format: format}
}

// Format returns the encoding format.
func (s *Scaler) Format() Format { return s.format }

// Clipped returns how many s16 samples were clipped to full scale.
func (s *Scaler) Clipped() uint64 { return s.clipped.Load() }

// Encode appends the scaled, encoded samples to dst.
func (s *Scaler) Encode(dst []byte, samples []float32) []byte {
	size := s.format.BytesPerSample()
	start := len(dst)
	need := start + len(samples)*size
	if cap(dst) < need {
		grown := make([]byte, start, need)
		copy(grown, dst)
		dst = grown
	}
	dst = dst[:need]
	out := dst[start:]

	for i, sample := range samples {
		v := sample * s.gain
		if s.format == F32LE {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
			continue
		}

		// Handle clipping
		if v > 1 {
			s.clipped.Add(1)
			v = 1
		} else if v < -1 {
			s.clipped.Add(1)
			v = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v*math.MaxInt16)))
	}
	return dst
}
