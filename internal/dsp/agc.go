package dsp

import (
	"fmt"
	"math"
)

// AGC is a feedback automatic gain control for complex baseband. Each output
// sample is the input times the current gain; the gain then moves toward the
// value that would have put the output magnitude on the reference level.
// The update is additive, gain += rate·(reference − |out|), rather than a
// multiplicative rescaling of the gain.
//
// For a constant input amplitude A the gain error shrinks by (1 - rate·A)
// per sample, so it converges monotonically to reference/A as long as
// rate·A < 1, within roughly ln(1/ε)/(rate·A) samples.
type AGC struct {
	reference float64
	rate      float64
	minGain   float64
	maxGain   float64
	gain      float64
}

// NewAGC creates an AGC with unity initial gain, clamped to [minGain, maxGain].
func NewAGC(reference, rate, minGain, maxGain float64) (*AGC, error) {
	if reference <= 0 || rate <= 0 || minGain <= 0 || maxGain < minGain {
		return nil, fmt.Errorf("dsp: invalid AGC reference=%v rate=%v gain=[%v, %v]", reference, rate, minGain, maxGain)
	}
	a := &AGC{reference: reference, rate: rate, minGain: minGain, maxGain: maxGain}
	a.Reset()
	return a, nil
}

// Gain returns the current linear gain.
func (a *AGC) Gain() float64 { return a.gain }

// Reference returns the target output magnitude.
func (a *AGC) Reference() float64 { return a.reference }

// Reset returns the gain to unity (or the nearest bound).
func (a *AGC) Reset() {
	a.gain = a.clamp(1.0)
}

func (a *AGC) clamp(g float64) float64 {
	if g > a.maxGain {
		return a.maxGain
	}
	if g < a.minGain {
		return a.minGain
	}
	return g
}

// Process applies the gain to block in place.
func (a *AGC) Process(block []complex64) {
	gain := a.gain
	for i, s := range block {
		mag := math.Hypot(float64(real(s)), float64(imag(s))) * gain
		block[i] = s * complex(float32(gain), 0)

		step := a.rate * (a.reference - mag)
		// A loud impulse may at most halve the gain in one sample.
		if step < -gain/2 {
			step = -gain / 2
		}
		gain = a.clamp(gain + step)
	}
	a.gain = gain
}
