package source

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"airband-receiver/internal/config"
	"airband-receiver/internal/ringbuffer"

	"hz.tools/rf"
)

var (
	// ErrNotConfigured is returned by ReadBlock before Configure succeeded.
	ErrNotConfigured = errors.New("source: not configured")
	// ErrClosed is returned by Configure after Close.
	ErrClosed = errors.New("source: closed")
)

// GainSettings are the front-end gain stages. Auto hands gain control to
// the device.
type GainSettings struct {
	Auto     bool
	Tuner    float64 // dB
	IF       float64 // dB
	Baseband float64 // dB
}

// Settings configure the wideband front end.
type Settings struct {
	SampleRate      float64
	CenterFrequency rf.Hz
	Gain            GainSettings
}

// SettingsFrom extracts the front-end settings from cfg.
func SettingsFrom(cfg *config.Config) Settings {
	return Settings{
		SampleRate:      cfg.Receiver.SampleRate,
		CenterFrequency: cfg.Receiver.CenterFrequency,
		Gain: GainSettings{
			Auto:     cfg.Source.AutoGain,
			Tuner:    cfg.Source.TunerGain,
			IF:       cfg.Source.IFGain,
			Baseband: cfg.Source.BBGain,
		},
	}
}

// Source produces wideband complex samples.
type Source interface {
	// Configure applies the front-end settings and starts sampling.
	Configure(Settings) error
	// ReadBlock fills dst, returning fewer samples only at the end of the
	// stream. It returns io.EOF once the stream is exhausted.
	ReadBlock(dst []complex64) (int, error)
	Close() error
}

// Open creates the source selected by cfg.Source.Type. Sampling starts on
// Configure.
func Open(cfg *config.Config) (Source, error) {
	sc := cfg.Source
	policy, err := ringbuffer.ParsePolicy(sc.Overflow)
	if err != nil {
		return nil, err
	}
	opts := Options{
		BlockSize:  cfg.Receiver.BlockSize,
		BufferSize: sc.BufferSize,
		Policy:     policy,
		Realtime:   sc.Realtime,
	}

	switch sc.Type {
	case "raw":
		format, err := ParseSampleFormat(sc.Format)
		if err != nil {
			return nil, err
		}
		f, err := openInput(sc.Path)
		if err != nil {
			return nil, err
		}
		return NewRaw(f, sc.Path, format, opts), nil
	case "wav":
		f, err := openInput(sc.Path)
		if err != nil {
			return nil, err
		}
		return NewWAV(f, sc.Path, opts)
	case "rfcap":
		f, err := openInput(sc.Path)
		if err != nil {
			return nil, err
		}
		return NewRFCap(f, sc.Path, opts)
	case "rtlsdr":
		return NewRTLSDR(sc.Command, sc.Device, opts), nil
	case "synthetic":
		return NewSynthetic(Tone{
			Carrier: sc.ToneFrequency,
			Audio:   sc.ToneAudio,
			Depth:   sc.ToneDepth,
			Level:   sc.ToneLevel,
			Limit:   sc.ToneLimit,
		}, opts), nil
	}
	return nil, fmt.Errorf("source: unknown type %q", sc.Type)
}

func openInput(path string) (*os.File, error) {
	if path == "" || path == "-" {
		return os.Stdin, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	return f, nil
}

// blockReader is the sample producer behind a buffered source. read has
// io.ReadFull semantics: a short count comes with an error.
type blockReader interface {
	read(dst []complex64) (int, error)
}

// opener starts the producer once the settings are known.
type opener func(s Settings) (blockReader, io.Closer, error)

// Options size the ring buffer between a producer and the processing loop.
type Options struct {
	BlockSize  int // Samples moved per pump iteration
	BufferSize int // Ring capacity in samples
	Policy     ringbuffer.Policy
	Realtime   bool // Pace the producer at the sample rate
}

// Buffered decouples a producer from the processing loop with a ring
// buffer filled by a pump goroutine. With the Block policy a slow consumer
// stalls the producer; with DropOldest the oldest unread samples are
// discarded and counted.
type Buffered struct {
	name string
	open opener
	opts Options

	mu     sync.Mutex
	ring   *ringbuffer.RingBuffer[complex64]
	closer io.Closer
	closed bool
}

// newBuffered creates a buffered source. input, if not nil, is closed with
// the source even when Configure never ran.
func newBuffered(name string, input io.Closer, open opener, opts Options) *Buffered {
	if opts.BlockSize <= 0 {
		opts.BlockSize = 16384
	}
	if opts.BufferSize < opts.BlockSize*2 {
		opts.BufferSize = opts.BlockSize * 2
	}
	return &Buffered{name: name, open: open, opts: opts, closer: input}
}

// Configure starts the producer. It may only succeed once.
func (b *Buffered) Configure(s Settings) error {
	if s.SampleRate <= 0 {
		return fmt.Errorf("source: %s: sample rate must be positive, got %v", b.name, s.SampleRate)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.ring != nil {
		return fmt.Errorf("source: %s: already configured", b.name)
	}

	r, closer, err := b.open(s)
	if err != nil {
		return err
	}
	if closer != nil {
		b.closer = closer
	}
	b.ring = ringbuffer.New[complex64](b.opts.BufferSize, b.opts.Policy)

	var pace *pacer
	if b.opts.Realtime {
		pace = &pacer{rate: s.SampleRate}
	}
	log.Printf("[source] %s: %v S/s at %v Hz, buffer %d (%s)",
		b.name, s.SampleRate, float64(s.CenterFrequency), b.opts.BufferSize, b.opts.Policy)

	go b.pump(b.ring, r, pace)
	return nil
}

func (b *Buffered) pump(ring *ringbuffer.RingBuffer[complex64], r blockReader, pace *pacer) {
	buf := make([]complex64, b.opts.BlockSize)
	for {
		n, err := r.read(buf)
		if n > 0 {
			if werr := ring.Write(buf[:n]); werr != nil {
				return
			}
			pace.wait(n)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Printf("[source] %s: end of stream", b.name)
				ring.Close()
			} else {
				ring.CloseWithError(fmt.Errorf("source: %s: %w", b.name, err))
			}
			return
		}
	}
}

// ReadBlock implements Source.
func (b *Buffered) ReadBlock(dst []complex64) (int, error) {
	b.mu.Lock()
	ring := b.ring
	b.mu.Unlock()
	if ring == nil {
		return 0, ErrNotConfigured
	}

	// The ring returns at most its capacity per Read.
	total := 0
	for total < len(dst) {
		n, err := ring.Read(dst[total:])
		total += n
		if err != nil {
			if total > 0 {
				return total, nil
			}
			return 0, err
		}
	}
	return total, nil
}

// Dropped returns how many samples the overflow policy discarded.
func (b *Buffered) Dropped() uint64 {
	b.mu.Lock()
	ring := b.ring
	b.mu.Unlock()
	if ring == nil {
		return 0
	}
	return ring.Dropped()
}

// Close stops the producer. Buffered samples are discarded.
func (b *Buffered) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var err error
	if b.ring != nil {
		b.ring.CloseWithError(ErrClosed)
		if d := b.ring.Dropped(); d > 0 {
			log.Printf("[source] %s: %d samples dropped on overflow", b.name, d)
		}
	}
	if b.closer != nil {
		err = b.closer.Close()
	}
	return err
}

// pacer holds a producer to the sample rate, like reading a capture file
// in real time.
type pacer struct {
	rate  float64
	start time.Time
	sent  int
}

func (p *pacer) wait(n int) {
	if p == nil {
		return
	}
	if p.start.IsZero() {
		p.start = time.Now()
	}
	p.sent += n
	due := p.start.Add(time.Duration(float64(p.sent) / p.rate * float64(time.Second)))
	if d := time.Until(due); d > 0 {
		time.Sleep(d)
	}
}
