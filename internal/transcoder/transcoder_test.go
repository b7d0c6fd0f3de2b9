package transcoder

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"airband-receiver/internal/config"
	"airband-receiver/internal/sink"
)

func indexOf(args []string, flag string) int {
	for i, a := range args {
		if a == flag {
			return i
		}
	}
	return -1
}

func TestArgs(t *testing.T) {
	cfg := config.New().Transcoder
	args := Args(cfg, "/tmp/x/audio.pcm", "/tmp/x/streaming", 32000, sink.S16LE)

	in := indexOf(args, "-i")
	if in < 0 || args[in+1] != "/tmp/x/audio.pcm" {
		t.Fatalf("input missing: %v", args)
	}

	// Input options come before -i and describe the real PCM stream.
	input := strings.Join(args[:in], " ")
	if !strings.Contains(input, "-f s16le -ar 32000 -ac 1 -re") {
		t.Errorf("input options = %q", input)
	}

	output := strings.Join(args[in+2:], " ")
	for _, want := range []string{
		"-c:a aac", "-b:a 96k", "-ar 48000", "-f hls", "-hls_time 6", "-hls_list_size 6",
		"-hls_flags delete_segments+append_list",
		"-hls_segment_filename /tmp/x/streaming/segment_%03d.ts",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output options %q missing %q", output, want)
		}
	}
	if args[len(args)-1] != "/tmp/x/streaming/playlist.m3u8" {
		t.Errorf("playlist = %q", args[len(args)-1])
	}
}

func TestArgs_FloatInput(t *testing.T) {
	cfg := config.New().Transcoder
	cfg.OutputRate = 0
	args := Args(cfg, "in", "dir", 16000, sink.F32LE)

	in := indexOf(args, "-i")
	if got := strings.Join(args[:in], " "); !strings.Contains(got, "-f f32le -ar 16000") {
		t.Errorf("input options = %q", got)
	}
	if strings.Count(strings.Join(args, " "), "-ar ") != 1 {
		t.Errorf("output rate should be left to ffmpeg: %v", args)
	}
}

func script(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-ffmpeg")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestStart_MissingCommand(t *testing.T) {
	cfg := config.New().Transcoder
	cfg.Command = filepath.Join(t.TempDir(), "no-such-ffmpeg")
	if _, err := Start(cfg, "in", t.TempDir(), 32000, sink.S16LE); err == nil {
		t.Fatal("expected an error")
	}
}

func TestStop_Terminates(t *testing.T) {
	cfg := config.New().Transcoder
	cfg.Command = script(t, "exec sleep 30")
	dir := filepath.Join(t.TempDir(), "streaming")

	p, err := Start(cfg, "in", dir, 32000, sink.S16LE)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("segment directory not created: %v", err)
	}
	if err := p.Stop(5 * time.Second); err != nil {
		t.Errorf("Stop = %v", err)
	}
	select {
	case <-p.Done():
	default:
		t.Error("Done not closed after Stop")
	}
}

func TestStop_KillsAfterGrace(t *testing.T) {
	cfg := config.New().Transcoder
	cfg.Command = script(t, "trap '' TERM\nexec sleep 30 2>/dev/null")

	p, err := Start(cfg, "in", t.TempDir(), 32000, sink.S16LE)
	if err != nil {
		t.Fatal(err)
	}
	// Let the shell install the trap.
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	if err := p.Stop(200 * time.Millisecond); err == nil {
		t.Error("expected an error for a killed transcoder")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Stop took too long")
	}
}

func TestStop_AlreadyExited(t *testing.T) {
	cfg := config.New().Transcoder
	cfg.Command = script(t, "exit 3")

	p, err := Start(cfg, "in", t.TempDir(), 32000, sink.S16LE)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	if err := p.Stop(time.Second); err == nil {
		t.Error("expected the exit status to be reported")
	}
}
