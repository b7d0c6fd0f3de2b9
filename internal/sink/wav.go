package sink

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// wavDestination records the PCM stream into a mono 16-bit WAV file.
type wavDestination struct {
	file *os.File
	enc  *wav.Encoder
	buf  *audio.IntBuffer
}

func openWAV(path string, format Format, rate int) (*wavDestination, error) {
	if format != S16LE {
		return nil, fmt.Errorf("sink: wav recording needs %s, stream is %s", S16LE, format)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("sink: %w", err)
	}

	return &wavDestination{
		file: f,
		enc:  wav.NewEncoder(f, rate, 16, 1, 1),
		buf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: 1, SampleRate: rate},
			SourceBitDepth: 16,
		},
	}, nil
}

func (w *wavDestination) Write(p []byte) (int, error) {
	n := len(p) / 2
	if cap(w.buf.Data) < n {
		w.buf.Data = make([]int, n)
	}
	w.buf.Data = w.buf.Data[:n]
	for i := 0; i < n; i++ {
		w.buf.Data[i] = int(int16(binary.LittleEndian.Uint16(p[i*2:])))
	}

	if err := w.enc.Write(w.buf); err != nil {
		return 0, err
	}
	return n * 2, nil
}

// Close finalizes the WAV header and closes the file.
func (w *wavDestination) Close() error {
	encErr := w.enc.Close()
	if err := w.file.Close(); err != nil {
		return err
	}
	return encErr
}
