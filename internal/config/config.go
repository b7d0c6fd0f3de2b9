package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
	"hz.tools/rf"
)

// Config holds all the configuration parameters for the application.
type Config struct {
	Receiver   ReceiverConfig   `yaml:"receiver"`
	Filter     FilterConfig     `yaml:"filter"`
	AGC        AGCConfig        `yaml:"agc"`
	Demod      DemodConfig      `yaml:"demod"`
	Output     OutputConfig     `yaml:"output"`
	Source     SourceConfig     `yaml:"source"`
	Server     ServerConfig     `yaml:"server"`
	Transcoder TranscoderConfig `yaml:"transcoder"`
}

// ReceiverConfig describes the wideband capture and the channel to extract.
type ReceiverConfig struct {
	SampleRate       float64 `yaml:"sample_rate"`       // Wideband IQ rate in Hz
	CenterFrequency  rf.Hz   `yaml:"center_frequency"`  // RF frequency the front end is tuned to
	ChannelFrequency rf.Hz   `yaml:"channel_frequency"` // Initial demodulation frequency
	BlockSize        int     `yaml:"block_size"`        // Complex samples pulled from the source per loop iteration
}

// FilterConfig shapes the channel selection filter.
type FilterConfig struct {
	Passband   float64 `yaml:"passband"`   // Cutoff in Hz
	Transition float64 `yaml:"transition"` // Transition width in Hz
	Decimation int     `yaml:"decimation"`
}

// AGCConfig controls the automatic gain control loop.
type AGCConfig struct {
	Reference float64 `yaml:"reference"` // Target magnitude of the normalized baseband
	Rate      float64 `yaml:"rate"`      // Per-sample adaptation rate
	MaxGain   float64 `yaml:"max_gain"`
	MinGain   float64 `yaml:"min_gain"`
}

// DemodConfig controls the envelope demodulator's audio filter.
type DemodConfig struct {
	AudioPass       float64 `yaml:"audio_pass"` // Hz
	AudioStop       float64 `yaml:"audio_stop"` // Hz
	AudioDecimation int     `yaml:"audio_decimation"`
	DCBlockTau      float64 `yaml:"dc_block_tau"` // Seconds
}

// OutputConfig controls the PCM stream handed to the downstream consumer.
type OutputConfig struct {
	Path   string  `yaml:"path"`   // "-", a file, a FIFO, tcp://host:port, speaker, or *.wav
	Format string  `yaml:"format"` // s16le or f32le
	Gain   float64 `yaml:"gain"`
}

// SourceConfig selects and parameterizes the wideband sample source.
type SourceConfig struct {
	Type       string  `yaml:"type"`   // rtlsdr, raw, wav, rfcap, synthetic
	Path       string  `yaml:"path"`   // File path for raw/wav/rfcap, "-" for stdin
	Format     string  `yaml:"format"` // Raw sample format: u8, s16le, f32le
	Device     int     `yaml:"device"` // rtl_sdr device index
	Command    string  `yaml:"command"`
	AutoGain   bool    `yaml:"auto_gain"`
	TunerGain  float64 `yaml:"tuner_gain"` // dB
	IFGain     float64 `yaml:"if_gain"`    // dB
	BBGain     float64 `yaml:"bb_gain"`    // dB
	Realtime   bool    `yaml:"realtime"`   // Pace file sources at the sample rate
	BufferSize int     `yaml:"buffer_size"`
	Overflow   string  `yaml:"overflow"` // block or drop-oldest

	// Synthetic source parameters
	ToneFrequency rf.Hz   `yaml:"tone_frequency"` // Carrier the generator emits, RF Hz
	ToneAudio     float64 `yaml:"tone_audio"`     // Modulating tone, Hz
	ToneDepth     float64 `yaml:"tone_depth"`
	ToneLevel     float64 `yaml:"tone_level"`
	ToneLimit     int     `yaml:"tone_limit"` // IQ samples to emit before EOF, 0 for endless
}

// ServerConfig contains the HTTP control server settings.
type ServerConfig struct {
	Listen      string `yaml:"listen"`
	EnableCORS  bool   `yaml:"enable_cors"`
	MonitorSize int    `yaml:"monitor_queue"` // Frames queued per websocket listener before dropping

	// POST /api/output is refused unless AllowRedirect is set. File targets
	// must resolve inside RedirectDir, tcp:// targets must be listed in
	// RedirectHosts as host:port.
	AllowRedirect bool     `yaml:"allow_redirect"`
	RedirectDir   string   `yaml:"redirect_dir"`
	RedirectHosts []string `yaml:"redirect_hosts"`
}

// TranscoderConfig describes the ffmpeg HLS segmenter reading the PCM stream.
type TranscoderConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Command     string `yaml:"command"`
	Bitrate     string `yaml:"bitrate"`
	OutputRate  int    `yaml:"output_rate"` // AAC sample rate; ffmpeg resamples from the PCM rate
	SegmentTime int    `yaml:"segment_time"`
	ListSize    int    `yaml:"list_size"`
	Dir         string `yaml:"dir"` // Empty means a temporary directory
}

// New returns a new Config with default values.
func New() *Config {
	return &Config{
		Receiver: ReceiverConfig{
			SampleRate:       2_560_000,
			CenterFrequency:  129.0 * rf.MHz,
			ChannelFrequency: 128.8 * rf.MHz,
			BlockSize:        32_000, // 12.5ms of IQ
		},
		Filter: FilterConfig{
			Passband:   8_000,
			Transition: 2_000,
			Decimation: 80,
		},
		AGC: AGCConfig{
			Reference: 1.0,
			Rate:      1e-4,
			MaxGain:   65536,
			MinGain:   1e-6,
		},
		Demod: DemodConfig{
			AudioPass:       5_000,
			AudioStop:       5_500,
			AudioDecimation: 1,
			DCBlockTau:      0.05,
		},
		Output: OutputConfig{
			Path:   "-",
			Format: "s16le",
			Gain:   0.5,
		},
		Source: SourceConfig{
			Type:          "rtlsdr",
			Path:          "-",
			Format:        "u8",
			Command:       "rtl_sdr",
			AutoGain:      true,
			TunerGain:     40,
			IFGain:        20,
			BBGain:        20,
			BufferSize:    2_560_000, // 1s of IQ
			Overflow:      "block",
			ToneFrequency: 128.8 * rf.MHz,
			ToneAudio:     1_000,
			ToneDepth:     0.5,
			ToneLevel:     0.1,
		},
		Server: ServerConfig{
			Listen:      "127.0.0.1:8080",
			MonitorSize: 32,
		},
		Transcoder: TranscoderConfig{
			Enabled:     true,
			Command:     "ffmpeg",
			Bitrate:     "96k",
			OutputRate:  48_000,
			SegmentTime: 6,
			ListSize:    6,
		},
	}
}

// Load reads a YAML file over the defaults returned by New.
func Load(path string) (*Config, error) {
	cfg := New()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// ParseFrequency accepts a bare number of Hz ("128800000", "1.28e6") or a
// value with a unit ("128800KHz").
func ParseFrequency(s string) (rf.Hz, error) {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return rf.Hz(v), nil
	}
	return rf.ParseHz(s)
}

// decodeFrequencies decodes a mapping into out, taking the keys in freqs
// out of the mapping and parsing them with ParseFrequency.
func decodeFrequencies(value *yaml.Node, out interface{}, freqs map[string]*rf.Hz) error {
	if value.Kind != yaml.MappingNode {
		return value.Decode(out)
	}
	rest := *value
	rest.Content = nil
	for i := 0; i+1 < len(value.Content); i += 2 {
		k, v := value.Content[i], value.Content[i+1]
		dst, ok := freqs[k.Value]
		if !ok {
			rest.Content = append(rest.Content, k, v)
			continue
		}
		if v.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: %s must be a frequency", v.Line, k.Value)
		}
		hz, err := ParseFrequency(v.Value)
		if err != nil {
			return fmt.Errorf("line %d: %s: %w", v.Line, k.Value, err)
		}
		*dst = hz
	}
	return rest.Decode(out)
}

func (r *ReceiverConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain ReceiverConfig
	return decodeFrequencies(value, (*plain)(r), map[string]*rf.Hz{
		"center_frequency":  &r.CenterFrequency,
		"channel_frequency": &r.ChannelFrequency,
	})
}

func (c *SourceConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain SourceConfig
	return decodeFrequencies(value, (*plain)(c), map[string]*rf.Hz{
		"tone_frequency": &c.ToneFrequency,
	})
}

// ChannelRate is the baseband rate after the channel filter.
func (c *Config) ChannelRate() float64 {
	return c.Receiver.SampleRate / float64(c.Filter.Decimation)
}

// AudioRate is the rate of the published PCM stream.
func (c *Config) AudioRate() float64 {
	return c.ChannelRate() / float64(c.Demod.AudioDecimation)
}

// Error lists every invalid field found by Validate.
type Error struct {
	Problems []string
}

func (e *Error) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Validate checks the static parameters. It returns a *Error or nil.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	r := c.Receiver
	if r.SampleRate <= 0 {
		add("receiver.sample_rate must be positive, got %v", r.SampleRate)
	}
	if r.CenterFrequency <= 0 {
		add("receiver.center_frequency must be positive, got %v", float64(r.CenterFrequency))
	}
	if r.BlockSize <= 0 {
		add("receiver.block_size must be positive, got %d", r.BlockSize)
	}
	if off := float64(r.ChannelFrequency - r.CenterFrequency); r.SampleRate > 0 && (off > r.SampleRate/2 || off < -r.SampleRate/2) {
		add("receiver.channel_frequency %v is more than %v Hz from the center", float64(r.ChannelFrequency), r.SampleRate/2)
	}

	f := c.Filter
	if f.Decimation < 1 {
		add("filter.decimation must be at least 1, got %d", f.Decimation)
	}
	if f.Transition <= 0 {
		add("filter.transition must be positive, got %v", f.Transition)
	}
	if f.Passband <= 0 || (r.SampleRate > 0 && f.Decimation >= 1 && f.Passband >= c.ChannelRate()/2) {
		add("filter.passband must be in (0, channel_rate/2), got %v", f.Passband)
	}

	a := c.AGC
	if a.Reference <= 0 {
		add("agc.reference must be positive, got %v", a.Reference)
	}
	if a.Rate <= 0 || a.Rate >= 1 {
		add("agc.rate must be in (0, 1), got %v", a.Rate)
	}
	if a.MinGain <= 0 || a.MaxGain < a.MinGain {
		add("agc gain range [%v, %v] is invalid", a.MinGain, a.MaxGain)
	}

	d := c.Demod
	if d.AudioDecimation < 1 {
		add("demod.audio_decimation must be at least 1, got %d", d.AudioDecimation)
	}
	if d.AudioPass <= 0 || d.AudioStop <= d.AudioPass {
		add("demod audio band pass=%v stop=%v is invalid", d.AudioPass, d.AudioStop)
	}
	if f.Decimation >= 1 && r.SampleRate > 0 && d.AudioStop >= c.ChannelRate()/2 {
		add("demod.audio_stop %v must be below half the channel rate %v", d.AudioStop, c.ChannelRate()/2)
	}
	if d.DCBlockTau <= 0 {
		add("demod.dc_block_tau must be positive, got %v", d.DCBlockTau)
	}

	switch c.Output.Format {
	case "s16le", "f32le":
	default:
		add("output.format must be s16le or f32le, got %q", c.Output.Format)
	}
	if c.Output.Gain <= 0 {
		add("output.gain must be positive, got %v", c.Output.Gain)
	}

	switch c.Source.Overflow {
	case "block", "drop-oldest":
	default:
		add("source.overflow must be block or drop-oldest, got %q", c.Source.Overflow)
	}
	// 0 leaves the size to the source, two blocks.
	if c.Source.BufferSize < 0 || (c.Source.BufferSize > 0 && c.Source.BufferSize < r.BlockSize) {
		add("source.buffer_size %d is smaller than one block", c.Source.BufferSize)
	}

	if len(problems) > 0 {
		return &Error{Problems: problems}
	}
	return nil
}
