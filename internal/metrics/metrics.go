package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the receiver's Prometheus collectors. All Record methods are
// safe on a nil *Metrics, which disables collection.
type Metrics struct {
	registry *prometheus.Registry

	// Processing loop
	blocksTotal   prometheus.Counter // IQ blocks pushed through the chain
	samplesTotal  prometheus.Counter // Wideband samples consumed
	audioTotal    prometheus.Counter // Audio samples produced
	agcGain       prometheus.Gauge   // Current AGC gain, linear
	state         *prometheus.GaugeVec
	sourceDropped prometheus.Gauge // Samples discarded by the source overflow policy

	// Control plane
	channelHz    prometheus.Gauge       // Frequency currently demodulated
	retunesTotal *prometheus.CounterVec // SetChannelFrequency calls (by result)
	redirects    *prometheus.CounterVec // SetOutputDestination calls (by result)

	// Output
	pcmBytesTotal   prometheus.Counter
	sinkErrorsTotal prometheus.Counter
	clippedTotal    prometheus.Gauge // s16 samples clipped since start

	// Monitor
	listeners   prometheus.Gauge   // Connected websocket listeners
	framesDrops prometheus.Counter // PCM frames dropped for slow listeners
}

// States are the runtime states exported on airband_runtime_state.
var States = []string{"created", "running", "stopping", "stopped"}

// New creates the collectors on a private registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		blocksTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "airband_blocks_total",
			Help: "IQ blocks processed",
		}),
		samplesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "airband_iq_samples_total",
			Help: "Wideband IQ samples consumed",
		}),
		audioTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "airband_audio_samples_total",
			Help: "Demodulated audio samples produced",
		}),
		agcGain: f.NewGauge(prometheus.GaugeOpts{
			Name: "airband_agc_gain",
			Help: "Current linear AGC gain",
		}),
		state: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "airband_runtime_state",
			Help: "1 for the runtime's current lifecycle state",
		}, []string{"state"}),
		sourceDropped: f.NewGauge(prometheus.GaugeOpts{
			Name: "airband_source_dropped_samples",
			Help: "IQ samples discarded by the source overflow policy",
		}),
		channelHz: f.NewGauge(prometheus.GaugeOpts{
			Name: "airband_channel_frequency_hz",
			Help: "Channel frequency being demodulated",
		}),
		retunesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "airband_retunes_total",
			Help: "Channel frequency change requests",
		}, []string{"result"}),
		redirects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "airband_redirects_total",
			Help: "Output destination change requests",
		}, []string{"result"}),
		pcmBytesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "airband_pcm_bytes_total",
			Help: "PCM bytes written to the output",
		}),
		sinkErrorsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "airband_sink_errors_total",
			Help: "Failed writes to the PCM output",
		}),
		clippedTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "airband_clipped_samples",
			Help: "Output samples clipped to full scale",
		}),
		listeners: f.NewGauge(prometheus.GaugeOpts{
			Name: "airband_monitor_listeners",
			Help: "Connected websocket audio listeners",
		}),
		framesDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "airband_monitor_dropped_frames_total",
			Help: "PCM frames dropped for slow websocket listeners",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordBlock(iqSamples, audioSamples int, agcGain float64) {
	if m == nil {
		return
	}
	m.blocksTotal.Inc()
	m.samplesTotal.Add(float64(iqSamples))
	m.audioTotal.Add(float64(audioSamples))
	m.agcGain.Set(agcGain)
}

func (m *Metrics) RecordPCM(bytes int) {
	if m == nil {
		return
	}
	m.pcmBytesTotal.Add(float64(bytes))
}

func (m *Metrics) RecordSinkError() {
	if m == nil {
		return
	}
	m.sinkErrorsTotal.Inc()
}

func (m *Metrics) SetClipped(n uint64) {
	if m == nil {
		return
	}
	m.clippedTotal.Set(float64(n))
}

func (m *Metrics) SetSourceDropped(n uint64) {
	if m == nil {
		return
	}
	m.sourceDropped.Set(float64(n))
}

// SetState marks state as the current one.
func (m *Metrics) SetState(state string) {
	if m == nil {
		return
	}
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		m.state.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) SetChannel(hz float64) {
	if m == nil {
		return
	}
	m.channelHz.Set(hz)
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) RecordRetune(err error) {
	if m == nil {
		return
	}
	m.retunesTotal.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) RecordRedirect(err error) {
	if m == nil {
		return
	}
	m.redirects.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) RecordListenerConnect() {
	if m == nil {
		return
	}
	m.listeners.Inc()
}

func (m *Metrics) RecordListenerDisconnect() {
	if m == nil {
		return
	}
	m.listeners.Dec()
}

func (m *Metrics) RecordDroppedFrame() {
	if m == nil {
		return
	}
	m.framesDrops.Inc()
}
