package dsp

import (
	"fmt"
	"sync/atomic"
)

// tapSet is an immutable set of coefficients, stored reversed so the inner
// loop walks the delay line and the taps in the same direction.
type tapSet struct {
	rev []float32
}

func newTapSet(taps []float32) *tapSet {
	rev := make([]float32, len(taps))
	for i, t := range taps {
		rev[len(taps)-1-i] = t
	}
	return &tapSet{rev: rev}
}

// delayLine is a circular buffer of the last n inputs. Every sample is
// written twice, n apart, so the newest n samples are always contiguous.
type delayLine[T any] struct {
	buf []T
	n   int
	pos int
}

func newDelayLine[T any](n int) delayLine[T] {
	return delayLine[T]{buf: make([]T, 2*n), n: n}
}

func (d *delayLine[T]) push(v T) {
	d.buf[d.pos] = v
	d.buf[d.pos+d.n] = v
	d.pos++
	if d.pos == d.n {
		d.pos = 0
	}
}

// window returns the last n samples, oldest first.
func (d *delayLine[T]) window() []T {
	return d.buf[d.pos : d.pos+d.n]
}

// resize keeps the newest samples when the tap count changes.
func (d *delayLine[T]) resize(n int) {
	old := d.window()
	next := newDelayLine[T](n)
	start := 0
	if len(old) > n {
		start = len(old) - n
	}
	for _, v := range old[start:] {
		next.push(v)
	}
	*d = next
}

func checkFilter(taps []float32, factor int) error {
	if len(taps) == 0 {
		return fmt.Errorf("dsp: filter needs at least one tap")
	}
	if factor < 1 {
		return fmt.Errorf("dsp: decimation factor must be at least 1, got %d", factor)
	}
	return nil
}

// Decimator is a streaming low-pass FIR filter for complex samples that keeps
// every factor-th output. Only the kept outputs are computed.
type Decimator struct {
	factor int
	taps   atomic.Pointer[tapSet]
	delay  delayLine[complex64]
	skip   int
}

// NewDecimator creates a complex decimating filter.
func NewDecimator(taps []float32, factor int) (*Decimator, error) {
	if err := checkFilter(taps, factor); err != nil {
		return nil, err
	}
	d := &Decimator{factor: factor, delay: newDelayLine[complex64](len(taps))}
	d.taps.Store(newTapSet(taps))
	return d, nil
}

// Factor returns the decimation factor.
func (d *Decimator) Factor() int { return d.factor }

// NumTaps returns the length of the active tap set.
func (d *Decimator) NumTaps() int { return len(d.taps.Load().rev) }

// SetTaps replaces the coefficients. The new set is built by the caller and
// swapped in one step; Process picks it up at its next block.
func (d *Decimator) SetTaps(taps []float32) error {
	if err := checkFilter(taps, d.factor); err != nil {
		return err
	}
	d.taps.Store(newTapSet(taps))
	return nil
}

// Process filters a block of input samples and updates the filter's internal
// state. The kept outputs are written to dst, which is grown if needed.
func (d *Decimator) Process(dst, input []complex64) []complex64 {
	ts := d.taps.Load()
	if len(ts.rev) != d.delay.n {
		d.delay.resize(len(ts.rev))
	}

	dst = dst[:0]
	for _, s := range input {
		d.delay.push(s)
		d.skip++
		if d.skip < d.factor {
			continue
		}
		d.skip = 0

		var re, im float32
		for j, v := range d.delay.window() {
			t := ts.rev[j]
			re += real(v) * t
			im += imag(v) * t
		}
		dst = append(dst, complex(re, im))
	}
	return dst
}

// FIRFilter implements a stateful, block-based Finite Impulse Response filter
// for real samples with integer decimation.
type FIRFilter struct {
	factor int
	taps   atomic.Pointer[tapSet]
	delay  delayLine[float32]
	skip   int
}

// NewFIRFilter creates a new FIR filter with the given taps.
func NewFIRFilter(taps []float32, factor int) (*FIRFilter, error) {
	if err := checkFilter(taps, factor); err != nil {
		return nil, err
	}
	f := &FIRFilter{factor: factor, delay: newDelayLine[float32](len(taps))}
	f.taps.Store(newTapSet(taps))
	return f, nil
}

// SetTaps swaps in a new set of coefficients.
func (f *FIRFilter) SetTaps(taps []float32) error {
	if err := checkFilter(taps, f.factor); err != nil {
		return err
	}
	f.taps.Store(newTapSet(taps))
	return nil
}

// Process filters a block of input samples and updates the filter's internal state.
func (f *FIRFilter) Process(dst, input []float32) []float32 {
	ts := f.taps.Load()
	if len(ts.rev) != f.delay.n {
		f.delay.resize(len(ts.rev))
	}

	dst = dst[:0]
	for _, s := range input {
		f.delay.push(s)
		f.skip++
		if f.skip < f.factor {
			continue
		}
		f.skip = 0

		var acc float32
		for j, v := range f.delay.window() {
			acc += v * ts.rev[j]
		}
		dst = append(dst, acc)
	}
	return dst
}
