package source

import (
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// wavReader reads IQ recorded as a stereo 16-bit WAV file, I on the left
// channel and Q on the right, as SDR recorders usually store it.
type wavReader struct {
	dec *wav.Decoder
	buf *audio.IntBuffer
}

func (w *wavReader) read(dst []complex64) (int, error) {
	need := len(dst) * 2
	if cap(w.buf.Data) < need {
		w.buf.Data = make([]int, need)
	}

	count := 0
	for count < len(dst) {
		w.buf.Data = w.buf.Data[:need-count*2]
		n, err := w.dec.PCMBuffer(w.buf)
		for i := 0; i+1 < n; i += 2 {
			dst[count] = complex(float32(w.buf.Data[i])/32768.0, float32(w.buf.Data[i+1])/32768.0)
			count++
		}
		if err != nil {
			return count, err
		}
		if n == 0 {
			return count, io.EOF
		}
	}
	return count, nil
}

// NewWAV creates a source reading IQ from a WAV file. The header is checked
// immediately; the capture's sample rate must match the configured one.
func NewWAV(f io.ReadSeekCloser, name string, opts Options) (*Buffered, error) {
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("source: %s is not a valid WAV file", name)
	}
	if err := dec.FwdToPCM(); err != nil {
		f.Close()
		return nil, fmt.Errorf("source: %s: failed to seek to PCM data: %w", name, err)
	}
	if dec.NumChans != 2 || dec.BitDepth != 16 {
		f.Close()
		return nil, fmt.Errorf("source: %s: IQ WAV must be 2 channel 16-bit, got %d channel %d-bit",
			name, dec.NumChans, dec.BitDepth)
	}

	rate := float64(dec.SampleRate)
	return newBuffered("wav "+name, f, func(s Settings) (blockReader, io.Closer, error) {
		if rate != s.SampleRate {
			return nil, nil, fmt.Errorf("source: %s is recorded at %v S/s, receiver expects %v S/s", name, rate, s.SampleRate)
		}
		return &wavReader{
			dec: dec,
			buf: &audio.IntBuffer{Format: dec.Format(), SourceBitDepth: 16},
		}, nil, nil
	}, opts), nil
}
