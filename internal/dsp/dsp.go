package dsp

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/window"
)

const twoPi = 2 * math.Pi

// hammingAttenuation is the stopband attenuation in dB of a Hamming
// windowed-sinc design, used to size the filter from its transition width.
const hammingAttenuation = 53

// DesignFIRLowPass creates a low-pass FIR filter using the windowed-sinc method.
// cutoff is normalized to the sample rate (0 < cutoff < 0.5).
func DesignFIRLowPass(numTaps int, cutoff float64) []float64 {
	taps := make([]float64, numTaps)
	M := float64(numTaps - 1)
	// The cutoff frequency must be normalized to the Nyquist frequency (0.5 * sample_rate)
	fc := cutoff * 2
	for n := 0; n < numTaps; n++ {
		x := float64(n) - M/2
		if x == 0 {
			taps[n] = fc
		} else {
			taps[n] = fc * math.Sin(math.Pi*fc*x) / (math.Pi * fc * x)
		}
	}
	window.Hamming(taps)

	// Normalize for unity gain at DC.
	sum := 0.0
	for _, t := range taps {
		sum += t
	}
	for i := range taps {
		taps[i] /= sum
	}
	return taps
}

// TapCount returns the number of taps a Hamming low-pass needs for the given
// transition width. The result is always odd so the filter has a center tap.
func TapCount(sampleRate, transition float64) int {
	n := int(hammingAttenuation * sampleRate / (22 * transition))
	if n%2 == 0 {
		n++
	}
	if n < 3 {
		n = 3
	}
	return n
}

// LowPass designs a unity-gain low-pass filter with the given cutoff and
// transition width, both in Hz.
func LowPass(sampleRate, cutoff, transition float64) ([]float32, error) {
	switch {
	case sampleRate <= 0:
		return nil, fmt.Errorf("dsp: sample rate must be positive, got %v", sampleRate)
	case cutoff <= 0 || cutoff >= sampleRate/2:
		return nil, fmt.Errorf("dsp: cutoff %v Hz outside (0, %v)", cutoff, sampleRate/2)
	case transition <= 0:
		return nil, fmt.Errorf("dsp: transition width must be positive, got %v", transition)
	}

	taps := DesignFIRLowPass(TapCount(sampleRate, transition), cutoff/sampleRate)
	out := make([]float32, len(taps))
	for i, t := range taps {
		out[i] = float32(t)
	}
	return out, nil
}
