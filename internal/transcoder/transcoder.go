package transcoder

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"airband-receiver/internal/config"
	"airband-receiver/internal/sink"
)

const (
	Playlist       = "playlist.m3u8"
	segmentPattern = "segment_%03d.ts"
)

// Args builds the ffmpeg command line that reads mono PCM from input and
// writes an HLS playlist with AAC segments into dir. The input is declared
// with the rate and format the pipeline actually produces; ffmpeg resamples
// to cfg.OutputRate for the encoder.
func Args(cfg config.TranscoderConfig, input, dir string, rate int, format sink.Format) []string {
	args := []string{
		"-hide_banner", "-loglevel", "warning",
		"-f", string(format),
		"-ar", strconv.Itoa(rate),
		"-ac", "1",
		"-re",
		"-i", input,
		"-c:a", "aac",
		"-b:a", cfg.Bitrate,
		"-ac", "1",
	}
	if cfg.OutputRate > 0 {
		args = append(args, "-ar", strconv.Itoa(cfg.OutputRate))
	}
	return append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(cfg.SegmentTime),
		"-hls_list_size", strconv.Itoa(cfg.ListSize),
		"-hls_flags", "delete_segments+append_list",
		"-hls_segment_filename", filepath.Join(dir, segmentPattern),
		filepath.Join(dir, Playlist),
	)
}

// Process is a running transcoder.
type Process struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

// Start launches the transcoder. ffmpeg opens input for reading, so when
// input is a FIFO the writer side can be opened once Start returns.
func Start(cfg config.TranscoderConfig, input, dir string, rate int, format sink.Format) (*Process, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("transcoder: %w", err)
	}

	cmd := exec.Command(cfg.Command, Args(cfg, input, dir, rate, format)...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("transcoder: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("transcoder: starting %s: %w", cfg.Command, err)
	}
	log.Printf("[ffmpeg] started pid %d: %d Hz %s -> %s", cmd.Process.Pid, rate, format, filepath.Join(dir, Playlist))

	p := &Process{cmd: cmd, done: make(chan struct{})}
	go func() {
		forward(stderr)
		err := cmd.Wait()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		if err != nil {
			log.Printf("[ffmpeg] exited: %v", err)
		} else {
			log.Printf("[ffmpeg] exited")
		}
		close(p.done)
	}()
	return p, nil
}

func forward(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		log.Printf("[ffmpeg] %s", scanner.Text())
	}
}

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns the exit status once Done is closed.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stop asks ffmpeg to finish with SIGTERM and kills it if it is still
// running after grace. An exit caused by the signal is not an error.
func (p *Process) Stop(grace time.Duration) error {
	select {
	case <-p.done:
		return p.exitErr()
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("transcoder: %w", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}

	log.Printf("[ffmpeg] still running after %v, killing", grace)
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("transcoder: %w", err)
	}
	<-p.done
	return fmt.Errorf("transcoder: killed after %v", grace)
}

func (p *Process) exitErr() error {
	if err := p.Err(); err != nil {
		return fmt.Errorf("transcoder: %w", err)
	}
	return nil
}
