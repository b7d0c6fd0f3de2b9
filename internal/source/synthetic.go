package source

import (
	"fmt"
	"io"
	"math"

	"hz.tools/rf"
)

// Tone describes the AM signal produced by the synthetic source.
type Tone struct {
	Carrier rf.Hz   // RF frequency of the carrier
	Audio   float64 // Modulating tone in Hz
	Depth   float64 // Modulation depth, 0..1
	Level   float64 // Carrier amplitude
	// Limit ends the stream after this many samples. Zero streams forever.
	Limit int
}

type toneReader struct {
	tone       Tone
	carrierInc float64
	audioInc   float64
	carrier    float64
	audio      float64
	sent       int
}

func (t *toneReader) read(dst []complex64) (int, error) {
	n := len(dst)
	if t.tone.Limit > 0 && t.sent+n > t.tone.Limit {
		n = t.tone.Limit - t.sent
	}

	for i := 0; i < n; i++ {
		env := t.tone.Level * (1 + t.tone.Depth*math.Cos(t.audio))
		sin, cos := math.Sincos(t.carrier)
		dst[i] = complex(float32(env*cos), float32(env*sin))

		t.carrier = math.Mod(t.carrier+t.carrierInc, 2*math.Pi)
		t.audio = math.Mod(t.audio+t.audioInc, 2*math.Pi)
	}
	t.sent += n

	if n < len(dst) {
		return n, io.EOF
	}
	return n, nil
}

// NewSynthetic creates a source generating an AM tone, for smoke tests of
// the receive chain without hardware.
func NewSynthetic(tone Tone, opts Options) *Buffered {
	return newBuffered("synthetic", nil, func(s Settings) (blockReader, io.Closer, error) {
		offset := float64(tone.Carrier - s.CenterFrequency)
		if math.Abs(offset) > s.SampleRate/2 {
			return nil, nil, fmt.Errorf("source: synthetic carrier %v Hz is outside the captured band", float64(tone.Carrier))
		}
		return &toneReader{
			tone:       tone,
			carrierInc: 2 * math.Pi * offset / s.SampleRate,
			audioInc:   2 * math.Pi * tone.Audio / s.SampleRate,
		}, nil, nil
	}, opts)
}
