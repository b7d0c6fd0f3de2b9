package sink

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

const dialTimeout = 5 * time.Second

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// Open opens a PCM destination. target is one of:
//
//	-                 standard output
//	tcp://host:port   a TCP connection
//	speaker           the local sound card
//	*.wav             a WAV file (s16le only)
//	a named pipe      opened without blocking; see OpenFIFO
//	anything else     a regular file, truncated
//
// wait only applies to named pipes.
func Open(target string, format Format, rate int, wait time.Duration) (io.WriteCloser, error) {
	switch {
	case target == "":
		return nil, fmt.Errorf("sink: empty destination")
	case target == "-":
		return nopCloser{os.Stdout}, nil
	case strings.HasPrefix(target, "tcp://"):
		conn, err := net.DialTimeout("tcp", strings.TrimPrefix(target, "tcp://"), dialTimeout)
		if err != nil {
			return nil, fmt.Errorf("sink: %w", err)
		}
		return conn, nil
	case target == "speaker":
		s, err := openSpeaker(format, rate)
		if err != nil {
			return nil, err
		}
		return s, nil
	case strings.HasSuffix(strings.ToLower(target), ".wav"):
		w, err := openWAV(target, format, rate)
		if err != nil {
			return nil, err
		}
		return w, nil
	}

	if fi, err := os.Stat(target); err == nil && fi.Mode()&os.ModeNamedPipe != 0 {
		f, err := OpenFIFO(target, wait)
		if err != nil {
			return nil, err
		}
		return f, nil
	}

	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink: %w", err)
	}
	return f, nil
}

// MakeFIFO creates a named pipe for the downstream consumer to read.
func MakeFIFO(path string) error {
	if err := unix.Mkfifo(path, 0o600); err != nil {
		return fmt.Errorf("sink: mkfifo %s: %w", path, err)
	}
	return nil
}

// OpenFIFO opens the write end of a named pipe. A plain open would block
// until a reader shows up, so it opens non-blocking and retries while no
// reader is present, giving up after wait.
func OpenFIFO(path string, wait time.Duration) (*os.File, error) {
	deadline := time.Now().Add(wait)
	for {
		f, err := os.OpenFile(path, os.O_WRONLY|unix.O_NONBLOCK, 0)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, unix.ENXIO) {
			return nil, fmt.Errorf("sink: %w", err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("sink: no reader on %s: %w", path, err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
