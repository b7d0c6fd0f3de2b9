package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"hz.tools/rf"

	"airband-receiver/internal/config"
	"airband-receiver/internal/dsp"
	"airband-receiver/internal/metrics"
	"airband-receiver/internal/sink"
	"airband-receiver/internal/source"
)

// State is the lifecycle of a Runtime. It only moves forward.
type State int32

const (
	Created State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	}
	return "stopped"
}

const (
	// statsInterval is how often, in blocks, the loop logs its statistics.
	statsInterval = 800
	// redirectWait bounds how long a redirect waits for a FIFO reader.
	redirectWait = 2 * time.Second
	// defaultStopGrace is how long Stop waits for the loop to reach a block
	// boundary before closing the source under it.
	defaultStopGrace = 2 * time.Second
)

// Opener opens a PCM destination for SetOutputDestination.
type Opener func(target string, format sink.Format, rate int) (io.WriteCloser, error)

func defaultOpener(target string, format sink.Format, rate int) (io.WriteCloser, error) {
	return sink.Open(target, format, rate, redirectWait)
}

// Option customizes a Runtime.
type Option func(*Runtime)

// WithMetrics exports the runtime's counters to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runtime) { r.metrics = m }
}

// WithTap copies every PCM frame written to the output to t.
func WithTap(t sink.Tap) Option {
	return func(r *Runtime) { r.tap = t }
}

// WithOpener replaces the function used to open redirect targets.
func WithOpener(o Opener) Option {
	return func(r *Runtime) { r.opener = o }
}

// WithStopGrace sets how long Stop lets a blocked source read run before
// closing the source.
func WithStopGrace(d time.Duration) Option {
	return func(r *Runtime) { r.stopGrace = d }
}

// Runtime drives wideband samples through mixer, channel filter, AGC,
// demodulator and sink on one goroutine, and accepts retune and redirect
// requests from others.
//
// The runtime owns the source and the output destination and closes both
// when the loop ends.
type Runtime struct {
	cfg       *config.Config
	src       source.Source
	mixer     *dsp.Mixer
	filter    *dsp.Decimator
	agc       *dsp.AGC
	demod     *dsp.Demodulator
	sink      *sink.Sink
	format    sink.Format
	metrics   *metrics.Metrics
	tap       sink.Tap
	opener    Opener
	stopGrace time.Duration

	lifecycle sync.Mutex // serializes Start and Stop
	state     atomic.Int32
	stop      atomic.Bool

	started     chan struct{}
	startedOnce sync.Once
	done        chan struct{}
	err         error     // loop outcome, set before done is closed
	closeFails  []Failure // set before done is closed

	blocks  atomic.Uint64
	agcGain atomic.Uint64 // math.Float64bits

	filterMu   sync.Mutex
	passband   float64
	transition float64
}

// New builds a runtime for cfg reading from src and writing PCM to out,
// which is described by outName.
func New(cfg *config.Config, src source.Source, out io.WriteCloser, outName string, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &ConfigurationError{Err: err}
	}

	format, err := sink.ParseFormat(cfg.Output.Format)
	if err != nil {
		return nil, &ConfigurationError{Err: err}
	}

	rc := cfg.Receiver
	mixer, err := dsp.NewMixer(rc.SampleRate, rc.CenterFrequency, rc.ChannelFrequency)
	if err != nil {
		return nil, &ConfigurationError{Err: err}
	}

	taps, err := dsp.LowPass(rc.SampleRate, cfg.Filter.Passband, cfg.Filter.Transition)
	if err != nil {
		return nil, &ConfigurationError{Err: err}
	}
	filter, err := dsp.NewDecimator(taps, cfg.Filter.Decimation)
	if err != nil {
		return nil, &ConfigurationError{Err: err}
	}

	agc, err := dsp.NewAGC(cfg.AGC.Reference, cfg.AGC.Rate, cfg.AGC.MinGain, cfg.AGC.MaxGain)
	if err != nil {
		return nil, &ConfigurationError{Err: err}
	}

	demod, err := dsp.NewDemodulator(dsp.DemodulatorConfig{
		ChannelRate:     cfg.ChannelRate(),
		AudioPass:       cfg.Demod.AudioPass,
		AudioStop:       cfg.Demod.AudioStop,
		AudioDecimation: cfg.Demod.AudioDecimation,
		CarrierLevel:    cfg.AGC.Reference,
		DCBlockTau:      cfg.Demod.DCBlockTau,
	})
	if err != nil {
		return nil, &ConfigurationError{Err: err}
	}

	r := &Runtime{
		cfg:        cfg,
		src:        src,
		mixer:      mixer,
		filter:     filter,
		agc:        agc,
		demod:      demod,
		format:     format,
		opener:     defaultOpener,
		stopGrace:  defaultStopGrace,
		started:    make(chan struct{}),
		done:       make(chan struct{}),
		passband:   cfg.Filter.Passband,
		transition: cfg.Filter.Transition,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.sink = sink.New(out, outName, format, cfg.Output.Gain, r.tap)
	r.agcGain.Store(math.Float64bits(agc.Gain()))

	r.metrics.SetState(Created.String())
	r.metrics.SetChannel(float64(rc.ChannelFrequency))

	log.Printf("[pipeline] %v S/s centered on %v Hz, channel %v Hz, %d filter taps, decimation %d, audio %v S/s %s",
		rc.SampleRate, float64(rc.CenterFrequency), float64(rc.ChannelFrequency),
		filter.NumTaps(), cfg.Filter.Decimation, demod.OutputRate(), format)
	return r, nil
}

func (r *Runtime) setState(s State) {
	r.state.Store(int32(s))
	r.metrics.SetState(s.String())
}

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	return State(r.state.Load())
}

// OutputRate is the sample rate of the published PCM stream.
func (r *Runtime) OutputRate() float64 {
	return r.demod.OutputRate()
}

// OutputFormat is the encoding of the published PCM stream.
func (r *Runtime) OutputFormat() sink.Format {
	return r.format
}

// Started is closed once the loop has requested its first block.
func (r *Runtime) Started() <-chan struct{} {
	return r.started
}

// Done is closed once the runtime reaches Stopped.
func (r *Runtime) Done() <-chan struct{} {
	return r.done
}

// Start configures the source and launches the processing loop. A source
// that fails to configure is a DeviceError; the runtime is then Stopped.
func (r *Runtime) Start() error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if r.State() != Created {
		return ErrAlreadyStarted
	}

	if err := r.src.Configure(source.SettingsFrom(r.cfg)); err != nil {
		derr := &DeviceError{Op: "configure", Err: err}
		r.setState(Stopping)
		r.finish(derr)
		return derr
	}

	r.setState(Running)
	log.Printf("[pipeline] running, output to %s", r.sink.Destination())
	go r.run()
	return nil
}

// Stop asks the loop to end after the block in progress. It returns
// immediately; use Wait to block until the runtime is Stopped. Stop on a
// runtime that never started moves it straight to Stopped.
func (r *Runtime) Stop() {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	switch r.State() {
	case Created:
		r.setState(Stopping)
		r.finish(nil)
	case Running:
		r.stop.Store(true)
		r.state.CompareAndSwap(int32(Running), int32(Stopping))
		r.metrics.SetState(Stopping.String())
		log.Printf("[pipeline] stop requested")

		// A source blocked on a read never reaches the next block boundary.
		time.AfterFunc(r.stopGrace, func() {
			select {
			case <-r.done:
			default:
				log.Printf("[pipeline] loop did not stop within %v, closing the source", r.stopGrace)
				r.src.Close()
			}
		})
	}
}

// Wait blocks until the runtime is Stopped and returns the reason the loop
// ended: nil for a requested stop or the end of the stream, otherwise a
// *DeviceError or *SinkError.
func (r *Runtime) Wait() error {
	<-r.done
	return r.err
}

// Shutdown stops the runtime and waits for it, giving up when ctx ends. It
// never fails; problems are collected in the report.
func (r *Runtime) Shutdown(ctx context.Context) *ShutdownReport {
	r.Stop()

	report := &ShutdownReport{}
	select {
	case <-r.done:
		report.Err = r.err
		report.Failures = append(report.Failures, r.closeFails...)
	case <-ctx.Done():
		report.Add("pipeline", fmt.Errorf("loop still running: %w", ctx.Err()))
		report.Add("source", r.src.Close())
	}
	return report
}

// finish closes the source and the output and marks the runtime Stopped.
// It runs exactly once, either on the loop goroutine or from Start/Stop
// before the loop exists.
func (r *Runtime) finish(err error) {
	var fails []Failure
	if cerr := r.sink.Close(); cerr != nil {
		fails = append(fails, Failure{Component: "output", Err: cerr})
	}
	if cerr := r.src.Close(); cerr != nil {
		fails = append(fails, Failure{Component: "source", Err: cerr})
	}

	r.err = err
	r.closeFails = fails
	r.setState(Stopped)
	if err != nil {
		log.Printf("[pipeline] stopped: %v", err)
	} else {
		log.Printf("[pipeline] stopped after %d blocks", r.blocks.Load())
	}
	close(r.done)
}

func (r *Runtime) run() {
	block := make([]complex64, r.cfg.Receiver.BlockSize)
	var (
		mixed    []complex64
		baseband []complex64
		audio    []float32
	)

	var err error
	for !r.stop.Load() {
		r.startedOnce.Do(func() { close(r.started) })

		n, rerr := r.src.ReadBlock(block)
		if n > 0 {
			mixed = r.mixer.Process(mixed, block[:n])
			baseband = r.filter.Process(baseband, mixed)
			r.agc.Process(baseband)
			audio = r.demod.Process(audio, baseband)

			if werr := r.sink.Write(audio); werr != nil {
				r.metrics.RecordSinkError()
				err = &SinkError{Destination: r.sink.Destination(), Err: werr}
				break
			}
			r.record(n, len(audio))
		}

		if rerr != nil {
			switch {
			case errors.Is(rerr, io.EOF):
				log.Printf("[pipeline] end of stream")
			case r.stop.Load() && errors.Is(rerr, source.ErrClosed):
			default:
				err = &DeviceError{Op: "read", Err: rerr}
			}
			break
		}
	}

	r.lifecycle.Lock()
	if r.State() == Running {
		r.setState(Stopping)
	}
	r.lifecycle.Unlock()
	r.finish(err)
}

func (r *Runtime) record(iq, audio int) {
	gain := r.agc.Gain()
	r.agcGain.Store(math.Float64bits(gain))
	blocks := r.blocks.Add(1)

	r.metrics.RecordBlock(iq, audio, gain)
	r.metrics.RecordPCM(audio * r.format.BytesPerSample())

	if blocks%statsInterval == 0 {
		r.metrics.SetClipped(r.sink.Clipped())
		dropped := r.dropped()
		r.metrics.SetSourceDropped(dropped)
		log.Printf("[pipeline] [STATS] blocks=%d agc_gain=%.4g clipped=%d dropped=%d",
			blocks, gain, r.sink.Clipped(), dropped)
	}
}

func (r *Runtime) dropped() uint64 {
	if d, ok := r.src.(interface{ Dropped() uint64 }); ok {
		return d.Dropped()
	}
	return 0
}

// SetChannelFrequency retunes the receiver. The next block processed uses
// the new frequency. A channel outside the capture returns a
// *TuningRangeError and leaves the tuning unchanged.
func (r *Runtime) SetChannelFrequency(freq rf.Hz) (dsp.Tuning, error) {
	if s := r.State(); s == Stopping || s == Stopped {
		return r.mixer.Tuning(), ErrNotRunning
	}

	tuning, err := r.mixer.Retune(freq)
	r.metrics.RecordRetune(err)
	if err != nil {
		return tuning, &TuningRangeError{
			Requested: freq,
			Center:    tuning.Center,
			Limit:     r.mixer.MaxOffset(),
			Err:       err,
		}
	}

	r.metrics.SetChannel(float64(freq))
	log.Printf("[pipeline] tuned to %v Hz (offset %v Hz)", float64(freq), float64(tuning.Offset))
	return tuning, nil
}

// Tuning returns the tuning in effect.
func (r *Runtime) Tuning() dsp.Tuning {
	return r.mixer.Tuning()
}

// SetOutputDestination opens target and moves the PCM stream to it. If
// target cannot be opened a *RedirectError is returned and the stream
// continues to the current destination.
func (r *Runtime) SetOutputDestination(target string) error {
	if s := r.State(); s == Stopping || s == Stopped {
		return ErrNotRunning
	}

	w, err := r.opener(target, r.format, int(r.OutputRate()))
	if err == nil {
		err = r.sink.Redirect(w, target)
	}
	r.metrics.RecordRedirect(err)
	if err != nil {
		return &RedirectError{Destination: target, Err: err}
	}
	return nil
}

// SetFilter redesigns the channel filter. The new taps are built on the
// calling goroutine and take effect at the next block.
func (r *Runtime) SetFilter(passband, transition float64) error {
	if s := r.State(); s == Stopping || s == Stopped {
		return ErrNotRunning
	}

	r.filterMu.Lock()
	defer r.filterMu.Unlock()

	// Anything at or above half the decimated rate aliases into the channel.
	if limit := r.cfg.ChannelRate() / 2; passband >= limit {
		return &ConfigurationError{Err: fmt.Errorf("passband %v Hz must be below half the channel rate (%v Hz)", passband, limit)}
	}
	taps, err := dsp.LowPass(r.cfg.Receiver.SampleRate, passband, transition)
	if err != nil {
		return &ConfigurationError{Err: err}
	}
	if err := r.filter.SetTaps(taps); err != nil {
		return &ConfigurationError{Err: err}
	}
	r.passband, r.transition = passband, transition
	log.Printf("[pipeline] channel filter now %v Hz wide, %v Hz transition, %d taps", passband, transition, len(taps))
	return nil
}

// Status is a snapshot of the runtime for the control API.
type Status struct {
	State        string  `json:"state"`
	ChannelHz    float64 `json:"channel_hz"`
	CenterHz     float64 `json:"center_hz"`
	OffsetHz     float64 `json:"offset_hz"`
	SampleRate   float64 `json:"sample_rate"`
	OutputRate   float64 `json:"output_rate"`
	OutputFormat string  `json:"output_format"`
	Destination  string  `json:"destination"`
	Passband     float64 `json:"filter_passband_hz"`
	Transition   float64 `json:"filter_transition_hz"`
	FilterTaps   int     `json:"filter_taps"`
	AGCGain      float64 `json:"agc_gain"`
	Blocks       uint64  `json:"blocks"`
	PCMBytes     uint64  `json:"pcm_bytes"`
	Clipped      uint64  `json:"clipped_samples"`
	Dropped      uint64  `json:"dropped_samples"`
}

// Status returns the current state of the runtime.
func (r *Runtime) Status() Status {
	t := r.mixer.Tuning()

	r.filterMu.Lock()
	passband, transition := r.passband, r.transition
	r.filterMu.Unlock()

	return Status{
		State:        r.State().String(),
		ChannelHz:    float64(t.Channel),
		CenterHz:     float64(t.Center),
		OffsetHz:     float64(t.Offset),
		SampleRate:   r.cfg.Receiver.SampleRate,
		OutputRate:   r.OutputRate(),
		OutputFormat: string(r.format),
		Destination:  r.sink.Destination(),
		Passband:     passband,
		Transition:   transition,
		FilterTaps:   r.filter.NumTaps(),
		AGCGain:      math.Float64frombits(r.agcGain.Load()),
		Blocks:       r.blocks.Load(),
		PCMBytes:     r.sink.BytesWritten(),
		Clipped:      r.sink.Clipped(),
		Dropped:      r.dropped(),
	}
}
