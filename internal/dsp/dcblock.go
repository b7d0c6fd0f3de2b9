package dsp

import "math"

// DCBlocker removes the slowly varying mean of a real signal. It tracks the
// mean with a first-order low-pass and subtracts it.
type DCBlocker struct {
	alpha float64
	mean  float64
}

// NewDCBlocker creates a new DC blocker.
// sampleRate is the input sample rate, tau the averaging time constant in
// seconds and initial the mean to start from.
func NewDCBlocker(sampleRate, tau, initial float64) *DCBlocker {
	alpha := 1 - math.Exp(-1/(sampleRate*tau))
	return &DCBlocker{alpha: alpha, mean: initial}
}

// Filter removes the tracked mean from a single sample.
func (d *DCBlocker) Filter(x float64) float64 {
	d.mean += d.alpha * (x - d.mean)
	return x - d.mean
}

// Mean returns the current mean estimate.
func (d *DCBlocker) Mean() float64 {
	return d.mean
}
