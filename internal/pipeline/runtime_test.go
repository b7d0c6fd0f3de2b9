package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"hz.tools/rf"

	"airband-receiver/internal/config"
	"airband-receiver/internal/dsp"
	"airband-receiver/internal/metrics"
	"airband-receiver/internal/sink"
	"airband-receiver/internal/source"
)

// feedSource hands the loop blocks pushed by the test.
type feedSource struct {
	blocks    chan []complex64
	closed    chan struct{}
	closeOnce sync.Once
	configErr error
}

func newFeedSource() *feedSource {
	return &feedSource{blocks: make(chan []complex64), closed: make(chan struct{})}
}

func (f *feedSource) Configure(source.Settings) error { return f.configErr }

func (f *feedSource) ReadBlock(dst []complex64) (int, error) {
	select {
	case b, ok := <-f.blocks:
		if !ok {
			return 0, io.EOF
		}
		return copy(dst, b), nil
	case <-f.closed:
		return 0, source.ErrClosed
	}
}

func (f *feedSource) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// pcmRecorder decodes s16le writes and hands each one to the test.
type pcmRecorder struct {
	mu       sync.Mutex
	frames   chan []int16
	total    int
	closed   bool
	writeErr error
	closeErr error
}

func newPCMRecorder() *pcmRecorder {
	return &pcmRecorder{frames: make(chan []int16, 1024)}
}

func (p *pcmRecorder) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	frame := make([]int16, len(b)/2)
	for i := range frame {
		frame[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	p.total += len(frame)
	select {
	case p.frames <- frame:
	default:
	}
	return len(b), nil
}

func (p *pcmRecorder) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return p.closeErr
}

func (p *pcmRecorder) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *pcmRecorder) samples() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

func (p *pcmRecorder) next(t *testing.T) []int16 {
	t.Helper()
	select {
	case f := <-p.frames:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for audio")
	}
	return nil
}

// amGenerator produces an AM tone at a given offset from the center.
type amGenerator struct {
	carrierInc, audioInc float64
	carrier, audio       float64
	level, depth         float64
}

func newAMGenerator(offset, audio, sampleRate float64) *amGenerator {
	return &amGenerator{
		carrierInc: 2 * math.Pi * offset / sampleRate,
		audioInc:   2 * math.Pi * audio / sampleRate,
		level:      0.1,
		depth:      0.5,
	}
}

func (g *amGenerator) block(n int) []complex64 {
	out := make([]complex64, n)
	for i := range out {
		env := g.level * (1 + g.depth*math.Cos(g.audio))
		sin, cos := math.Sincos(g.carrier)
		out[i] = complex(float32(env*cos), float32(env*sin))
		g.carrier = math.Mod(g.carrier+g.carrierInc, 2*math.Pi)
		g.audio = math.Mod(g.audio+g.audioInc, 2*math.Pi)
	}
	return out
}

func peak(frame []int16) int {
	m := 0
	for _, s := range frame {
		v := int(s)
		if v < 0 {
			v = -v
		}
		if v > m {
			m = v
		}
	}
	return m
}

func newTestRuntime(t *testing.T, src source.Source, out io.WriteCloser, opts ...Option) *Runtime {
	t.Helper()
	opts = append([]Option{WithStopGrace(50 * time.Millisecond)}, opts...)
	r, err := New(config.New(), src, out, "test", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func waitStopped(t *testing.T, r *Runtime) error {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not stop")
	}
	return r.Wait()
}

func TestRuntime_OutputRate(t *testing.T) {
	r := newTestRuntime(t, newFeedSource(), newPCMRecorder())
	if r.OutputRate() != 32000 {
		t.Fatalf("expected a 32000 S/s PCM stream, got %v", r.OutputRate())
	}
	if r.OutputFormat() != sink.S16LE {
		t.Fatalf("expected s16le, got %s", r.OutputFormat())
	}
}

func TestRuntime_RejectsInvalidConfig(t *testing.T) {
	cfg := config.New()
	cfg.Receiver.SampleRate = 0
	_, err := New(cfg, newFeedSource(), newPCMRecorder(), "test")

	var cerr *ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected a ConfigurationError, got %v", err)
	}
}

func TestRuntime_ProcessesToEndOfStream(t *testing.T) {
	cfg := config.New()
	cfg.Source.Type = "synthetic"
	cfg.Receiver.BlockSize = 32000
	src := source.NewSynthetic(source.Tone{
		Carrier: cfg.Receiver.ChannelFrequency,
		Audio:   1000,
		Depth:   0.5,
		Level:   0.1,
		Limit:   256000,
	}, source.Options{BlockSize: cfg.Receiver.BlockSize, BufferSize: cfg.Source.BufferSize})

	out := newPCMRecorder()
	r, err := New(cfg, src, out, "test")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	if err := waitStopped(t, r); err != nil {
		t.Fatalf("expected a clean end of stream, got %v", err)
	}

	// 0.1 s of IQ at 2.56 MS/s is 0.1 s of audio at 32 kS/s.
	if got := out.samples(); got != 3200 {
		t.Fatalf("expected 3200 audio samples, got %d", got)
	}
	if !out.isClosed() {
		t.Fatal("expected the output to be closed")
	}
	if r.State() != Stopped {
		t.Fatalf("expected Stopped, got %s", r.State())
	}
	if st := r.Status(); st.Blocks != 8 || st.PCMBytes != 6400 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestRuntime_RetuneMidStream(t *testing.T) {
	cfg := config.New()
	src := newFeedSource()
	out := newPCMRecorder()
	r := newTestRuntime(t, src, out)

	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	defer r.Shutdown(context.Background())

	select {
	case <-r.Started():
	case <-time.After(5 * time.Second):
		t.Fatal("started signal never fired")
	}

	// A station on 127.8 MHz while the receiver listens on 128.8 MHz.
	station := 127.8 * rf.MHz
	gen := newAMGenerator(float64(station-cfg.Receiver.CenterFrequency), 1000, cfg.Receiver.SampleRate)

	var before []int16
	for i := 0; i < 40; i++ {
		src.blocks <- gen.block(cfg.Receiver.BlockSize)
		before = out.next(t)
	}
	if p := peak(before); p > 100 {
		t.Fatalf("expected near silence off-channel, got peak %d", p)
	}

	if _, err := r.SetChannelFrequency(station); err != nil {
		t.Fatalf("retune: %v", err)
	}

	src.blocks <- gen.block(cfg.Receiver.BlockSize)
	after := out.next(t)
	if len(after) != 400 {
		t.Fatalf("expected 400 samples per block, got %d", len(after))
	}
	if p := peak(after[200:]); p < 1000 {
		t.Fatalf("expected the station within one block of the retune, got peak %d", p)
	}

	if st := r.Status(); st.ChannelHz != float64(station) || st.State != "running" {
		t.Fatalf("unexpected status after retune %+v", st)
	}
}

func TestRuntime_RejectsOutOfRangeRetune(t *testing.T) {
	r := newTestRuntime(t, newFeedSource(), newPCMRecorder())
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	defer r.Shutdown(context.Background())

	before := r.Tuning()
	center := before.Center
	for _, f := range []rf.Hz{center + 2*rf.MHz, 127.6 * rf.MHz} {
		_, err := r.SetChannelFrequency(f)

		var terr *TuningRangeError
		if !errors.As(err, &terr) {
			t.Fatalf("%v Hz: expected a TuningRangeError, got %v", float64(f), err)
		}
		if !errors.Is(err, dsp.ErrOutOfBand) {
			t.Fatalf("%v Hz: expected the error to wrap ErrOutOfBand", float64(f))
		}
		if terr.Limit != 1.28*rf.MHz {
			t.Fatalf("expected a 1.28 MHz limit, got %v", float64(terr.Limit))
		}
	}

	if after := r.Tuning(); after != before {
		t.Fatalf("rejected retune changed the tuning: %+v -> %+v", before, after)
	}
	if r.State() != Running {
		t.Fatalf("expected the runtime to keep running, got %s", r.State())
	}
}

func TestRuntime_RetuneIdempotent(t *testing.T) {
	r := newTestRuntime(t, newFeedSource(), newPCMRecorder())

	a, err := r.SetChannelFrequency(128.1 * rf.MHz)
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.SetChannelFrequency(128.1 * rf.MHz)
	if err != nil {
		t.Fatal(err)
	}
	if a != b || r.Tuning() != a {
		t.Fatalf("expected identical tunings, got %+v and %+v", a, b)
	}
}

func TestRuntime_StopAndWait(t *testing.T) {
	cfg := config.New()
	src := source.NewSynthetic(source.Tone{Carrier: cfg.Receiver.ChannelFrequency, Audio: 1000, Depth: 0.5, Level: 0.1},
		source.Options{BlockSize: cfg.Receiver.BlockSize})
	out := newPCMRecorder()
	r := newTestRuntime(t, src, out)

	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	out.next(t)

	r.Stop()
	if err := waitStopped(t, r); err != nil {
		t.Fatalf("expected a clean stop, got %v", err)
	}
	if !out.isClosed() {
		t.Fatal("expected the output to be closed after Stop")
	}

	// Stop is idempotent and control calls are refused once stopped.
	r.Stop()
	if _, err := r.SetChannelFrequency(128.1 * rf.MHz); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	if err := r.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestRuntime_StopUnblocksStalledSource(t *testing.T) {
	src := newFeedSource()
	r := newTestRuntime(t, src, newPCMRecorder(), WithStopGrace(20*time.Millisecond))
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	<-r.Started()

	start := time.Now()
	r.Stop()
	if err := waitStopped(t, r); err != nil {
		t.Fatalf("expected a clean stop, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("stop took %v", elapsed)
	}
}

func TestRuntime_StopBeforeStart(t *testing.T) {
	out := newPCMRecorder()
	r := newTestRuntime(t, newFeedSource(), out)
	r.Stop()

	if err := waitStopped(t, r); err != nil {
		t.Fatal(err)
	}
	if !out.isClosed() {
		t.Fatal("expected the output to be closed")
	}
}

func TestRuntime_SinkFailureStopsLoop(t *testing.T) {
	src := newFeedSource()
	out := newPCMRecorder()
	out.writeErr = errors.New("broken pipe")
	r := newTestRuntime(t, src, out)

	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	src.blocks <- make([]complex64, 32000)

	err := waitStopped(t, r)
	var serr *SinkError
	if !errors.As(err, &serr) {
		t.Fatalf("expected a SinkError from Wait, got %v", err)
	}
	if serr.Destination != "test" {
		t.Fatalf("expected the failing destination to be named, got %q", serr.Destination)
	}
}

func TestRuntime_DeviceErrorAbortsStart(t *testing.T) {
	src := newFeedSource()
	src.configErr = errors.New("usb_claim_interface error -6")
	r := newTestRuntime(t, src, newPCMRecorder())

	err := r.Start()
	var derr *DeviceError
	if !errors.As(err, &derr) {
		t.Fatalf("expected a DeviceError, got %v", err)
	}
	if werr := r.Wait(); !errors.As(werr, &derr) {
		t.Fatalf("expected Wait to report the DeviceError, got %v", werr)
	}
	if r.State() != Stopped {
		t.Fatalf("expected Stopped, got %s", r.State())
	}
}

func TestRuntime_RedirectOutput(t *testing.T) {
	src := newFeedSource()
	first := newPCMRecorder()
	r := newTestRuntime(t, src, first)
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	defer r.Shutdown(context.Background())

	src.blocks <- make([]complex64, 32000)
	first.next(t)

	err := r.SetOutputDestination(filepath.Join(t.TempDir(), "missing", "out.pcm"))
	var rerr *RedirectError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected a RedirectError, got %v", err)
	}
	src.blocks <- make([]complex64, 32000)
	first.next(t)

	path := filepath.Join(t.TempDir(), "out.pcm")
	if err := r.SetOutputDestination(path); err != nil {
		t.Fatal(err)
	}
	if !first.isClosed() {
		t.Fatal("expected the previous destination to be closed")
	}
	if r.Status().Destination != path {
		t.Fatalf("expected destination %s, got %s", path, r.Status().Destination)
	}

	src.blocks <- make([]complex64, 32000)
	src.blocks <- make([]complex64, 32000) // the second send returns once the first block is written
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) < 800 {
		t.Fatalf("expected at least one block of PCM in the new destination, got %d bytes", len(data))
	}
}

func TestRuntime_SetFilter(t *testing.T) {
	r := newTestRuntime(t, newFeedSource(), newPCMRecorder())
	if err := r.SetFilter(6000, 4000); err != nil {
		t.Fatal(err)
	}
	if st := r.Status(); st.FilterTaps != dsp.TapCount(2.56e6, 4000) || st.Passband != 6000 {
		t.Fatalf("unexpected filter in status %+v", st)
	}

	var cerr *ConfigurationError
	if err := r.SetFilter(6000, 0); !errors.As(err, &cerr) {
		t.Fatalf("expected a ConfigurationError, got %v", err)
	}

	// 16 kHz is half the 32 kHz channel rate.
	if err := r.SetFilter(16000, 2000); !errors.As(err, &cerr) {
		t.Fatalf("expected a passband at half the channel rate to be rejected, got %v", err)
	}
	if st := r.Status(); st.Passband != 6000 {
		t.Fatalf("rejected filter changed the passband to %v", st.Passband)
	}
}

func TestRuntime_ShutdownReport(t *testing.T) {
	out := newPCMRecorder()
	out.closeErr = errors.New("fifo vanished")
	r := newTestRuntime(t, newFeedSource(), out, WithMetrics(metrics.New()))
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	report := r.Shutdown(ctx)

	if report.OK() {
		t.Fatal("expected the close failure in the report")
	}
	if report.Err != nil {
		t.Fatalf("expected a clean loop exit, got %v", report.Err)
	}
	if len(report.Failures) != 1 || report.Failures[0].Component != "output" {
		t.Fatalf("unexpected failures %+v", report.Failures)
	}
}
