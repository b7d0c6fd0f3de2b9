package sink

import (
	"fmt"
	"io"
	"sync"

	"github.com/ebitengine/oto/v3"
)

// oto allows one context per process, so every speaker destination shares it.
var speaker struct {
	once   sync.Once
	ctx    *oto.Context
	err    error
	rate   int
	format Format
}

// speakerDestination plays the PCM stream on the default sound card.
type speakerDestination struct {
	writer *io.PipeWriter
	player *oto.Player
}

func openSpeaker(format Format, rate int) (*speakerDestination, error) {
	speaker.once.Do(func() {
		otoFormat := oto.FormatSignedInt16LE
		if format == F32LE {
			otoFormat = oto.FormatFloat32LE
		}

		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   rate,
			ChannelCount: 1,
			Format:       otoFormat,
		})
		if err != nil {
			speaker.err = fmt.Errorf("sink: speaker: %w", err)
			return
		}
		<-ready
		speaker.ctx, speaker.rate, speaker.format = ctx, rate, format
	})

	if speaker.err != nil {
		return nil, speaker.err
	}
	if speaker.rate != rate || speaker.format != format {
		return nil, fmt.Errorf("sink: speaker already open at %d Hz %s", speaker.rate, speaker.format)
	}

	reader, writer := io.Pipe()
	player := speaker.ctx.NewPlayer(reader)
	player.Play()

	return &speakerDestination{writer: writer, player: player}, nil
}

func (s *speakerDestination) Write(p []byte) (int, error) {
	return s.writer.Write(p)
}

func (s *speakerDestination) Close() error {
	s.writer.Close()
	return s.player.Close()
}
