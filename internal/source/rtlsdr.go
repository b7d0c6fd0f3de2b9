package source

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strconv"
	"sync"
)

// RTLSDRArgs builds the rtl_sdr command line streaming raw u8 IQ to stdout.
// rtl_sdr only exposes the tuner gain; automatic gain omits -g.
func RTLSDRArgs(s Settings, device int) []string {
	args := []string{
		"-f", strconv.FormatInt(int64(s.CenterFrequency), 10),
		"-s", strconv.FormatInt(int64(s.SampleRate), 10),
	}
	if !s.Gain.Auto {
		args = append(args, "-g", strconv.FormatFloat(s.Gain.Tuner, 'f', -1, 64))
	}
	if device != 0 {
		args = append(args, "-d", strconv.Itoa(device))
	}
	return append(args, "-")
}

// process reads a child's stdout and reports its exit status at the end of
// the stream.
type process struct {
	cmd *exec.Cmd
	raw *rawReader

	once sync.Once
	err  error
}

func (p *process) wait() error {
	p.once.Do(func() { p.err = p.cmd.Wait() })
	return p.err
}

func (p *process) read(dst []complex64) (int, error) {
	n, err := p.raw.read(dst)
	if err == io.EOF {
		if werr := p.wait(); werr != nil {
			return n, fmt.Errorf("%s exited: %w", p.cmd.Path, werr)
		}
	}
	return n, err
}

func (p *process) Close() error {
	p.cmd.Process.Kill()
	go p.wait()
	return nil
}

// NewRTLSDR creates a source that runs command (normally rtl_sdr) against
// the given device once it is configured.
func NewRTLSDR(command string, device int, opts Options) *Buffered {
	return newBuffered("rtlsdr", nil, func(s Settings) (blockReader, io.Closer, error) {
		if !s.Gain.Auto && (s.Gain.IF != 0 || s.Gain.Baseband != 0) {
			log.Printf("[source] rtlsdr: IF and baseband gain are not adjustable, using tuner gain %v dB", s.Gain.Tuner)
		}

		cmd := exec.Command(command, RTLSDRArgs(s, device)...)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, nil, fmt.Errorf("source: rtlsdr: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, nil, fmt.Errorf("source: rtlsdr: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, nil, fmt.Errorf("source: starting %s: %w", command, err)
		}

		go func() {
			scanner := bufio.NewScanner(stderr)
			for scanner.Scan() {
				log.Printf("[rtl_sdr] %s", scanner.Text())
			}
		}()

		p := &process{cmd: cmd, raw: &rawReader{r: stdout, format: U8}}
		return p, p, nil
	}, opts)
}
