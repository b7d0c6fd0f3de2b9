package dsp

import (
	"fmt"
	"math"
)

// DemodulatorConfig describes the audio side of the AM envelope detector.
type DemodulatorConfig struct {
	// ChannelRate is the rate of the complex baseband fed to Process.
	ChannelRate float64
	// AudioPass and AudioStop bound the audio low-pass transition band, in Hz.
	AudioPass float64
	AudioStop float64
	// AudioDecimation is applied after the audio filter.
	AudioDecimation int
	// CarrierLevel seeds the DC tracker. With AGC ahead of the detector it is
	// the AGC reference level.
	CarrierLevel float64
	// DCBlockTau is the time constant of the DC tracker, in seconds.
	DCBlockTau float64
}

// Demodulator implements an envelope detector for AM demodulation.
type Demodulator struct {
	cfg      DemodulatorConfig
	dc       *DCBlocker
	lowpass  *FIRFilter
	envelope []float32
}

// NewDemodulator creates a new AM demodulator.
func NewDemodulator(cfg DemodulatorConfig) (*Demodulator, error) {
	if cfg.AudioDecimation < 1 {
		return nil, fmt.Errorf("dsp: audio decimation must be at least 1, got %d", cfg.AudioDecimation)
	}
	if cfg.AudioStop <= cfg.AudioPass {
		return nil, fmt.Errorf("dsp: audio stop %v Hz must be above pass %v Hz", cfg.AudioStop, cfg.AudioPass)
	}
	if cfg.DCBlockTau <= 0 {
		return nil, fmt.Errorf("dsp: DC block time constant must be positive, got %v", cfg.DCBlockTau)
	}

	taps, err := LowPass(cfg.ChannelRate, (cfg.AudioPass+cfg.AudioStop)/2, cfg.AudioStop-cfg.AudioPass)
	if err != nil {
		return nil, err
	}
	lowpass, err := NewFIRFilter(taps, cfg.AudioDecimation)
	if err != nil {
		return nil, err
	}

	return &Demodulator{
		cfg:     cfg,
		dc:      NewDCBlocker(cfg.ChannelRate, cfg.DCBlockTau, cfg.CarrierLevel),
		lowpass: lowpass,
	}, nil
}

// OutputRate returns the audio sample rate.
func (d *Demodulator) OutputRate() float64 {
	return d.cfg.ChannelRate / float64(d.cfg.AudioDecimation)
}

// Process demodulates a block of complex baseband samples into audio,
// appending to dst[:0]. Filter and DC state carry over between calls.
func (d *Demodulator) Process(dst []float32, samples []complex64) []float32 {
	if cap(d.envelope) < len(samples) {
		d.envelope = make([]float32, len(samples))
	}
	env := d.envelope[:len(samples)]

	for i, s := range samples {
		mag := math.Hypot(float64(real(s)), float64(imag(s)))
		env[i] = float32(d.dc.Filter(mag))
	}
	return d.lowpass.Process(dst, env)
}
