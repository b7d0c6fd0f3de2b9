package dsp

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"hz.tools/rf"
)

// ErrOutOfBand is returned when a channel lies outside the Nyquist bound of
// the wideband capture.
var ErrOutOfBand = errors.New("dsp: channel outside the captured bandwidth")

// Tuning is the mixer's frequency plan. It is replaced as a whole on every
// retune so the offset and the phase step can never be observed apart.
type Tuning struct {
	Center  rf.Hz
	Channel rf.Hz
	// Offset is Center - Channel, the shift applied to bring the channel to 0 Hz.
	Offset rf.Hz
	// Step is the oscillator phase increment in radians per sample.
	Step float64
}

// Mixer is a numerically controlled oscillator that shifts the selected
// channel of a wideband IQ stream to baseband.
//
// Retune may be called from any goroutine. Process must only be called from
// the goroutine that owns the stream; it reads the tuning once per block.
type Mixer struct {
	sampleRate float64
	center     rf.Hz
	tuning     atomic.Pointer[Tuning]
	phase      float64
}

// NewMixer creates a mixer for a capture centered at center, initially
// tuned to channel.
func NewMixer(sampleRate float64, center, channel rf.Hz) (*Mixer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("dsp: sample rate must be positive, got %v", sampleRate)
	}
	m := &Mixer{sampleRate: sampleRate, center: center}
	if _, err := m.Retune(channel); err != nil {
		return nil, err
	}
	return m, nil
}

// MaxOffset is the largest channel distance from the center the mixer accepts.
func (m *Mixer) MaxOffset() rf.Hz {
	return rf.Hz(m.sampleRate / 2)
}

// Retune moves the mixer to a new channel. The phase accumulator is left
// untouched so the output stays continuous. On error the previous tuning
// stays in effect.
func (m *Mixer) Retune(channel rf.Hz) (Tuning, error) {
	offset := m.center - channel
	if math.Abs(float64(offset)) > m.sampleRate/2 {
		return m.Tuning(), fmt.Errorf("%w: %v Hz is %v Hz from center %v Hz (limit %v Hz)",
			ErrOutOfBand, float64(channel), math.Abs(float64(offset)), float64(m.center), m.sampleRate/2)
	}

	t := &Tuning{
		Center:  m.center,
		Channel: channel,
		Offset:  offset,
		Step:    twoPi * float64(offset) / m.sampleRate,
	}
	m.tuning.Store(t)
	return *t, nil
}

// Tuning returns the tuning currently in effect.
func (m *Mixer) Tuning() Tuning {
	if t := m.tuning.Load(); t != nil {
		return *t
	}
	return Tuning{Center: m.center}
}

// Phase returns the oscillator phase in radians, in [0, 2π).
func (m *Mixer) Phase() float64 {
	return m.phase
}

// Process multiplies src by exp(i·phase), advancing the phase once per
// sample, and stores the result in dst. dst is grown if needed and the
// filled slice is returned. dst and src may be the same slice.
func (m *Mixer) Process(dst, src []complex64) []complex64 {
	if cap(dst) < len(src) {
		dst = make([]complex64, len(src))
	}
	dst = dst[:len(src)]

	step := m.tuning.Load().Step
	phase := m.phase
	for i, s := range src {
		sin, cos := math.Sincos(phase)
		dst[i] = s * complex(float32(cos), float32(sin))

		phase += step
		if phase >= twoPi {
			phase -= twoPi
		} else if phase < 0 {
			phase += twoPi
		}
	}
	m.phase = phase
	return dst
}
