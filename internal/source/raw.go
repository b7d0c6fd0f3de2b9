package source

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// SampleFormat is the layout of one component of an interleaved IQ stream.
type SampleFormat string

const (
	U8    SampleFormat = "u8"    // rtl_sdr native, offset binary
	S16LE SampleFormat = "s16le" // signed 16-bit little-endian
	F32LE SampleFormat = "f32le" // float32 little-endian
)

// ParseSampleFormat validates a raw IQ format name.
func ParseSampleFormat(s string) (SampleFormat, error) {
	switch f := SampleFormat(s); f {
	case U8, S16LE, F32LE:
		return f, nil
	}
	return "", fmt.Errorf("source: unknown IQ format %q", s)
}

// Size returns the bytes taken by one complex sample.
func (f SampleFormat) Size() int {
	switch f {
	case U8:
		return 2
	case F32LE:
		return 8
	}
	return 4
}

// Decode converts interleaved IQ bytes into dst, scaled to ±1.0. It
// decodes min(len(dst), len(src)/Size()) samples and returns that count.
func (f SampleFormat) Decode(dst []complex64, src []byte) int {
	n := len(src) / f.Size()
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		switch f {
		case U8:
			dst[i] = complex(
				(float32(src[2*i])-127.5)/127.5,
				(float32(src[2*i+1])-127.5)/127.5,
			)
		case S16LE:
			dst[i] = complex(
				float32(int16(binary.LittleEndian.Uint16(src[4*i:])))/32768.0,
				float32(int16(binary.LittleEndian.Uint16(src[4*i+2:])))/32768.0,
			)
		case F32LE:
			dst[i] = complex(
				math.Float32frombits(binary.LittleEndian.Uint32(src[8*i:])),
				math.Float32frombits(binary.LittleEndian.Uint32(src[8*i+4:])),
			)
		}
	}
	return n
}

type rawReader struct {
	r      io.Reader
	format SampleFormat
	buf    []byte
}

func (r *rawReader) read(dst []complex64) (int, error) {
	size := r.format.Size()
	need := len(dst) * size
	if cap(r.buf) < need {
		r.buf = make([]byte, need)
	}
	buf := r.buf[:need]

	n, err := io.ReadFull(r.r, buf)
	count := r.format.Decode(dst, buf[:n])
	if err == io.ErrUnexpectedEOF {
		// A trailing partial sample is dropped.
		err = io.EOF
	}
	return count, err
}

// NewRaw creates a source reading interleaved IQ from r, which is closed
// with the source.
func NewRaw(r io.ReadCloser, name string, format SampleFormat, opts Options) *Buffered {
	return newBuffered("raw "+name, r, func(Settings) (blockReader, io.Closer, error) {
		return &rawReader{r: r, format: format}, nil, nil
	}, opts)
}
