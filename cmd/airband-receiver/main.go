package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"hz.tools/rf"

	"airband-receiver/internal/config"
	"airband-receiver/internal/metrics"
	"airband-receiver/internal/pipeline"
	"airband-receiver/internal/server"
	"airband-receiver/internal/sink"
	"airband-receiver/internal/source"
	"airband-receiver/internal/transcoder"
)

const (
	fifoWait        = 10 * time.Second
	shutdownTimeout = 5 * time.Second
	transcoderGrace = time.Second
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "airband-receiver",
		Short:        "AM airband receiver with live retuning",
		Long:         `Demodulate one AM voice channel from a wideband IQ capture and stream it as PCM and HLS.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			noTranscoder, err := cmd.Flags().GetBool("no-transcoder")
			if err != nil {
				return err
			}
			if noTranscoder {
				cfg.Transcoder.Enabled = false
			}
			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringP("config", "c", "", "YAML configuration file")
	flags.StringP("freq", "f", "", "channel frequency, e.g. 128800000 or 128800KHz")
	flags.String("center-freq", "", "front-end center frequency")
	flags.Float64("sample-rate", 0, "wideband sample rate in Hz")
	flags.String("source", "", "sample source: rtlsdr, raw, wav, rfcap or synthetic")
	flags.String("source-path", "", "input file for raw, wav and rfcap sources, - for stdin")
	flags.StringP("output", "o", "", "PCM destination when the transcoder is not used")
	flags.String("listen", "", "HTTP listen address, empty to disable")
	flags.Bool("no-transcoder", false, "do not start ffmpeg")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies the flags that were set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	path, err := flags.GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	for _, f := range []struct {
		name string
		dst  *rf.Hz
	}{
		{"freq", &cfg.Receiver.ChannelFrequency},
		{"center-freq", &cfg.Receiver.CenterFrequency},
	} {
		if !flags.Changed(f.name) {
			continue
		}
		v, _ := flags.GetString(f.name)
		hz, err := config.ParseFrequency(v)
		if err != nil {
			return nil, fmt.Errorf("--%s: %w", f.name, err)
		}
		*f.dst = hz
	}

	if flags.Changed("sample-rate") {
		cfg.Receiver.SampleRate, _ = flags.GetFloat64("sample-rate")
	}
	for name, dst := range map[string]*string{
		"source":      &cfg.Source.Type,
		"source-path": &cfg.Source.Path,
		"output":      &cfg.Output.Path,
		"listen":      &cfg.Server.Listen,
	} {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	return cfg, nil
}

// transcoding is the ffmpeg side of the host: a temporary directory holding
// the PCM FIFO and the HLS segments.
type transcoding struct {
	tmpDir    string
	streamDir string
	proc      *transcoder.Process
	fifo      string
	out       io.WriteCloser
}

// startTranscoding creates the FIFO, starts ffmpeg on it and opens the write
// side. Any failure leaves nothing running and is reported to the caller,
// which falls back to the configured output.
func startTranscoding(cfg *config.Config, rate int, format sink.Format) (*transcoding, error) {
	tmpDir, err := os.MkdirTemp("", "airband-")
	if err != nil {
		return nil, err
	}
	log.Printf("[main] using temporary directory %s", tmpDir)

	t := &transcoding{
		tmpDir:    tmpDir,
		streamDir: cfg.Transcoder.Dir,
		fifo:      filepath.Join(tmpDir, "audio.pcm"),
	}
	if t.streamDir == "" {
		t.streamDir = filepath.Join(tmpDir, "streaming")
	}

	if err := sink.MakeFIFO(t.fifo); err != nil {
		os.RemoveAll(tmpDir)
		return nil, err
	}
	t.proc, err = transcoder.Start(cfg.Transcoder, t.fifo, t.streamDir, rate, format)
	if err != nil {
		os.RemoveAll(tmpDir)
		return nil, err
	}
	t.out, err = sink.OpenFIFO(t.fifo, fifoWait)
	if err != nil {
		t.proc.Stop(transcoderGrace)
		os.RemoveAll(tmpDir)
		return nil, err
	}
	return t, nil
}

func (t *transcoding) stop(report *pipeline.ShutdownReport) {
	report.Add("transcoder", t.proc.Stop(transcoderGrace))
	report.Add("tempdir", os.RemoveAll(t.tmpDir))
}

func run(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return &pipeline.ConfigurationError{Err: err}
	}
	format, err := sink.ParseFormat(cfg.Output.Format)
	if err != nil {
		return &pipeline.ConfigurationError{Err: err}
	}
	rate := int(cfg.AudioRate())

	var (
		tc      *transcoding
		out     io.WriteCloser
		outName string
	)
	if cfg.Transcoder.Enabled {
		tc, err = startTranscoding(cfg, rate, format)
		if err != nil {
			log.Printf("[ffmpeg] not available, continuing without HLS: %v", err)
		} else {
			out, outName = tc.out, tc.fifo
		}
	}
	if out == nil {
		out, err = sink.Open(cfg.Output.Path, format, rate, fifoWait)
		if err != nil {
			return fmt.Errorf("opening output: %w", err)
		}
		outName = cfg.Output.Path
	}

	src, err := source.Open(cfg)
	if err != nil {
		out.Close()
		return &pipeline.DeviceError{Op: "open", Err: err}
	}

	m := metrics.New()
	monitor := server.NewMonitor(rate, format, cfg.Server.MonitorSize, m)

	rt, err := pipeline.New(cfg, src, out, outName,
		pipeline.WithMetrics(m),
		pipeline.WithTap(monitor),
	)
	if err != nil {
		src.Close()
		out.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(); err != nil {
		report := &pipeline.ShutdownReport{Err: err}
		if tc != nil {
			tc.stop(report)
		}
		log.Printf("[main] %s", report)
		return err
	}

	var httpSrv *http.Server
	if cfg.Server.Listen != "" {
		streamDir := ""
		if tc != nil {
			streamDir = tc.streamDir
		}
		httpSrv = &http.Server{
			Addr:    cfg.Server.Listen,
			Handler: server.New(cfg.Server, rt, monitor, m, streamDir),
		}
		go func() {
			log.Printf("[server] listening on %s", cfg.Server.Listen)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[server] %v", err)
				stop()
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Printf("[main] shutting down")
	case <-rt.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	report := rt.Shutdown(shutdownCtx)
	if httpSrv != nil {
		report.Add("http", httpSrv.Shutdown(shutdownCtx))
	}
	monitor.Close()
	if tc != nil {
		tc.stop(report)
	}
	log.Printf("[main] %s", report)
	return report.Err
}
