package source

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"math/cmplx"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"hz.tools/rf"

	"airband-receiver/internal/config"
)

func testSettings(rate float64) Settings {
	return Settings{SampleRate: rate, CenterFrequency: 129 * rf.MHz, Gain: GainSettings{Auto: true}}
}

func readAll(t *testing.T, src Source, block int) []complex64 {
	t.Helper()
	var out []complex64
	buf := make([]complex64, block)
	for {
		n, err := src.ReadBlock(buf)
		out = append(out, buf[:n]...)
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("ReadBlock: %v", err)
		}
	}
}

func TestSampleFormat_Decode(t *testing.T) {
	dst := make([]complex64, 4)

	if n := U8.Decode(dst, []byte{0, 255, 128, 127, 7}); n != 2 {
		t.Fatalf("u8: expected 2 samples, got %d", n)
	}
	if real(dst[0]) != -1 || imag(dst[0]) != 1 {
		t.Errorf("u8: expected full scale, got %v", dst[0])
	}

	s16 := make([]byte, 4)
	binary.LittleEndian.PutUint16(s16, uint16(0x8000))
	binary.LittleEndian.PutUint16(s16[2:], 16384)
	S16LE.Decode(dst, s16)
	if dst[0] != complex(-1, 0.5) {
		t.Errorf("s16le: expected (-1+0.5i), got %v", dst[0])
	}

	f32 := make([]byte, 8)
	binary.LittleEndian.PutUint32(f32, math.Float32bits(0.25))
	binary.LittleEndian.PutUint32(f32[4:], math.Float32bits(-2))
	F32LE.Decode(dst, f32)
	if dst[0] != complex(0.25, -2) {
		t.Errorf("f32le: expected (0.25-2i), got %v", dst[0])
	}

	if _, err := ParseSampleFormat("cs8"); err == nil {
		t.Error("expected an error for an unknown format")
	}
}

func TestRaw_ReadsToEndOfStream(t *testing.T) {
	data := make([]byte, 10*4+1) // 10 samples and a stray byte
	for i := 0; i < 10; i++ {
		binary.LittleEndian.PutUint16(data[i*4:], uint16(int16(i*100)))
	}

	src := NewRaw(io.NopCloser(bytes.NewReader(data)), "test", S16LE, Options{BlockSize: 4, BufferSize: 64})
	defer src.Close()

	if _, err := src.ReadBlock(make([]complex64, 4)); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured before Configure, got %v", err)
	}
	if err := src.Configure(testSettings(48000)); err != nil {
		t.Fatal(err)
	}
	if err := src.Configure(testSettings(48000)); err == nil {
		t.Fatal("expected a second Configure to fail")
	}

	out := readAll(t, src, 4)
	if len(out) != 10 {
		t.Fatalf("expected 10 samples, got %d", len(out))
	}
	for i, s := range out {
		if want := float32(i*100) / 32768; real(s) != want {
			t.Fatalf("sample %d: expected %f, got %f", i, want, real(s))
		}
	}
}

func TestBuffered_CloseBeforeConfigure(t *testing.T) {
	src := NewSynthetic(Tone{Carrier: 129 * rf.MHz, Level: 1}, Options{})
	src.Close()
	if err := src.Configure(testSettings(48000)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("expected a second Close to succeed, got %v", err)
	}
}

func TestSynthetic_AMEnvelope(t *testing.T) {
	tone := Tone{Carrier: 128.8 * rf.MHz, Audio: 1000, Depth: 0.5, Level: 0.2, Limit: 25600}
	src := NewSynthetic(tone, Options{BlockSize: 1000})
	defer src.Close()

	if err := src.Configure(testSettings(2.56e6)); err != nil {
		t.Fatal(err)
	}
	out := readAll(t, src, 3000)
	if len(out) != tone.Limit {
		t.Fatalf("expected %d samples, got %d", tone.Limit, len(out))
	}

	lo, hi := math.Inf(1), 0.0
	for _, s := range out {
		m := cmplx.Abs(complex128(s))
		lo, hi = math.Min(lo, m), math.Max(hi, m)
	}
	if math.Abs(lo-0.1) > 1e-3 || math.Abs(hi-0.3) > 1e-3 {
		t.Fatalf("expected the envelope to swing between 0.1 and 0.3, got %f..%f", lo, hi)
	}
}

func TestBuffered_ReadBlockLargerThanRing(t *testing.T) {
	tone := Tone{Carrier: 128.8 * rf.MHz, Audio: 1000, Depth: 0.5, Level: 0.2, Limit: 12000}
	src := NewSynthetic(tone, Options{BlockSize: 1000, BufferSize: 2000})
	defer src.Close()

	if err := src.Configure(testSettings(2.56e6)); err != nil {
		t.Fatal(err)
	}

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := src.ReadBlock(make([]complex64, 5000))
		done <- result{n, err}
	}()

	select {
	case r := <-done:
		if r.err != nil || r.n != 5000 {
			t.Fatalf("expected a full block of 5000, got n=%d err=%v", r.n, r.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ReadBlock larger than the ring never returned")
	}

	// 12000 = 5000 + 5000 + 2000: the last block is short, then EOF.
	buf := make([]complex64, 5000)
	if n, err := src.ReadBlock(buf); n != 5000 || err != nil {
		t.Fatalf("second block: n=%d err=%v", n, err)
	}
	if n, err := src.ReadBlock(buf); n != 2000 || err != nil {
		t.Fatalf("last block: expected 2000 samples, got n=%d err=%v", n, err)
	}
	if _, err := src.ReadBlock(buf); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestSynthetic_RejectsCarrierOutsideCapture(t *testing.T) {
	src := NewSynthetic(Tone{Carrier: 140 * rf.MHz, Level: 1}, Options{})
	defer src.Close()
	if err := src.Configure(testSettings(2.56e6)); err == nil {
		t.Fatal("expected an error for a carrier outside the captured band")
	}
}

func writeIQWAV(t *testing.T, path string, rate int, iq []int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	enc := wav.NewEncoder(f, rate, 16, 2, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 2, SampleRate: rate},
		Data:           iq,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()
}

func TestWAV_ReadsIQ(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iq.wav")
	iq := make([]int, 200)
	for i := 0; i < 100; i++ {
		iq[2*i] = i * 10
		iq[2*i+1] = -i * 10
	}
	writeIQWAV(t, path, 48000, iq)

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	src, err := NewWAV(f, path, Options{BlockSize: 16})
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	if err := src.Configure(testSettings(48000)); err != nil {
		t.Fatal(err)
	}
	out := readAll(t, src, 32)
	if len(out) != 100 {
		t.Fatalf("expected 100 samples, got %d", len(out))
	}
	if want := complex(float32(500)/32768, float32(-500)/32768); out[50] != want {
		t.Fatalf("sample 50: expected %v, got %v", want, out[50])
	}
}

func TestWAV_RejectsRateMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iq.wav")
	writeIQWAV(t, path, 48000, make([]int, 20))

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	src, err := NewWAV(f, path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	if err := src.Configure(testSettings(2.56e6)); err == nil {
		t.Fatal("expected a sample rate mismatch to fail Configure")
	}
}

func TestRTLSDRArgs(t *testing.T) {
	s := testSettings(2.56e6)
	if got, want := RTLSDRArgs(s, 0), []string{"-f", "129000000", "-s", "2560000", "-"}; !reflect.DeepEqual(got, want) {
		t.Errorf("auto gain: expected %v, got %v", want, got)
	}

	s.Gain = GainSettings{Tuner: 40, IF: 20, Baseband: 20}
	want := []string{"-f", "129000000", "-s", "2560000", "-g", "40", "-d", "1", "-"}
	if got := RTLSDRArgs(s, 1); !reflect.DeepEqual(got, want) {
		t.Errorf("manual gain: expected %v, got %v", want, got)
	}
}

func TestRTLSDR_MissingCommand(t *testing.T) {
	src := NewRTLSDR(filepath.Join(t.TempDir(), "no-such-rtl_sdr"), 0, Options{})
	defer src.Close()
	if err := src.Configure(testSettings(2.56e6)); err == nil {
		t.Fatal("expected Configure to fail when the command cannot start")
	}
}

func TestOpen(t *testing.T) {
	cfg := config.New()
	cfg.Source.Type = "synthetic"
	src, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	src.Close()

	cfg.Source.Type = "raw"
	cfg.Source.Path = filepath.Join(t.TempDir(), "missing.iq")
	if _, err := Open(cfg); err == nil {
		t.Error("expected an error for a missing capture file")
	}

	cfg.Source.Type = "airspy"
	if _, err := Open(cfg); err == nil {
		t.Error("expected an error for an unknown source type")
	}
}

func TestSettingsFrom(t *testing.T) {
	cfg := config.New()
	s := SettingsFrom(cfg)
	if s.SampleRate != 2.56e6 || s.CenterFrequency != 129*rf.MHz {
		t.Fatalf("unexpected settings %+v", s)
	}
	if !s.Gain.Auto || s.Gain.Tuner != 40 || s.Gain.IF != 20 || s.Gain.Baseband != 20 {
		t.Fatalf("unexpected gain settings %+v", s.Gain)
	}
}
