package sink

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Write and Redirect after Close.
var ErrClosed = errors.New("sink: closed")

// Tap receives a copy of every PCM frame written to the sink. Publish must
// not block and must not retain pcm.
type Tap interface {
	Publish(pcm []byte)
}

type destination struct {
	name string
	w    io.WriteCloser
}

func (d *destination) close() {
	if err := d.w.Close(); err != nil {
		log.Printf("[sink] closing %s: %v", d.name, err)
	}
}

// Sink scales audio, encodes it as PCM and writes it to a destination that
// can be swapped while the stream is running.
//
// Write is called from the processing goroutine only. Redirect may be called
// from any goroutine; it swaps the destination under a short lock and never
// waits for a write in progress. The old destination is closed once no write
// is using it, by whichever side gets there last.
type Sink struct {
	scaler *Scaler
	buf    []byte
	tap    Tap

	mu      sync.Mutex
	active  *destination
	retired []*destination
	writing bool
	closed  bool

	written atomic.Uint64
}

// New creates a sink writing to w, which is described by name in logs.
func New(w io.WriteCloser, name string, format Format, gain float64, tap Tap) *Sink {
	return &Sink{
		scaler: NewScaler(gain, format),
		tap:    tap,
		active: &destination{name: name, w: w},
	}
}

// Format returns the PCM encoding.
func (s *Sink) Format() Format { return s.scaler.Format() }

// Clipped returns the number of samples clipped during encoding.
func (s *Sink) Clipped() uint64 { return s.scaler.Clipped() }

// BytesWritten returns the number of PCM bytes delivered.
func (s *Sink) BytesWritten() uint64 { return s.written.Load() }

// Destination returns the name of the active destination.
func (s *Sink) Destination() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.name
}

func (s *Sink) takeRetired() []*destination {
	r := s.retired
	s.retired = nil
	return r
}

// Write scales and encodes samples and writes them to the active destination.
func (s *Sink) Write(samples []float32) error {
	if len(samples) == 0 {
		return nil
	}
	s.buf = s.scaler.Encode(s.buf[:0], samples)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	d := s.active
	stale := s.takeRetired()
	s.writing = true
	s.mu.Unlock()

	for _, r := range stale {
		r.close()
	}

	n, err := d.w.Write(s.buf)

	s.mu.Lock()
	s.writing = false
	stale = s.takeRetired()
	s.mu.Unlock()

	for _, r := range stale {
		r.close()
	}

	s.written.Add(uint64(n))
	if err != nil {
		return fmt.Errorf("sink: write to %s: %w", d.name, err)
	}

	if s.tap != nil {
		s.tap.Publish(s.buf)
	}
	return nil
}

// Redirect makes w the active destination. The previous destination is
// closed after the swap, or after the write currently using it finishes.
func (s *Sink) Redirect(w io.WriteCloser, name string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		w.Close()
		return ErrClosed
	}
	old := s.active
	s.active = &destination{name: name, w: w}
	if s.writing {
		s.retired = append(s.retired, old)
		old = nil
	}
	s.mu.Unlock()

	log.Printf("[sink] redirected output to %s", name)
	if old != nil {
		old.close()
	}
	return nil
}

// Close closes the active destination and any retired ones. It is safe to
// call more than once. If a write is in flight the writer closes them when it
// returns.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.writing {
		s.retired = append(s.retired, s.active)
		s.mu.Unlock()
		return nil
	}
	active := s.active
	stale := s.takeRetired()
	s.mu.Unlock()

	for _, r := range stale {
		r.close()
	}
	return active.w.Close()
}
