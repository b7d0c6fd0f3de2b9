package source

import (
	"fmt"
	"io"

	"hz.tools/rfcap"
	"hz.tools/sdr"
	"hz.tools/sdr/stream"
)

type sdrReader struct {
	r sdr.Reader
}

func (s *sdrReader) read(dst []complex64) (int, error) {
	n, err := sdr.ReadFull(s.r, sdr.SamplesC64(dst))
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}

// NewRFCap creates a source reading an rfcap capture. Samples in any format
// are converted to complex64.
func NewRFCap(r io.ReadCloser, name string, opts Options) (*Buffered, error) {
	reader, _, err := rfcap.Reader(r)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("source: %s: %w", name, err)
	}
	reader, err = stream.ConvertReader(reader, sdr.SampleFormatC64)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("source: %s: %w", name, err)
	}

	rate := float64(reader.SampleRate())
	return newBuffered("rfcap "+name, r, func(s Settings) (blockReader, io.Closer, error) {
		if rate != s.SampleRate {
			return nil, nil, fmt.Errorf("source: %s is captured at %v S/s, receiver expects %v S/s", name, rate, s.SampleRate)
		}
		return &sdrReader{r: reader}, nil, nil
	}, opts), nil
}
