// Package audio provides PCM sources that feed fixed-size chunks to a callback at a
// steady cadence.
package audio

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Format is the fixed PCM contract shared with the transcription link.
type Format struct {
	SampleRate    int           `mapstructure:"sample-rate"`
	Channels      int           `mapstructure:"channels"`
	BitsPerSample int           `mapstructure:"bits-per-sample"`
	ChunkInterval time.Duration `mapstructure:"chunk-interval"`
}

func DefaultFormat() Format {
	return Format{
		SampleRate:    16000,
		Channels:      1,
		BitsPerSample: 16,
		ChunkInterval: 100 * time.Millisecond,
	}
}

// ChunkBytes is the size of one chunk of ChunkInterval audio.
func (f Format) ChunkBytes() int {
	frame := f.Channels * f.BitsPerSample / 8
	n := int(int64(f.SampleRate) * int64(f.ChunkInterval) / int64(time.Second))
	return n * frame
}

func (f Format) Validate() error {
	if f.SampleRate != 16000 || f.Channels != 1 || f.BitsPerSample != 16 {
		return errors.Errorf("unsupported audio format %d Hz / %d ch / %d bit, want 16000 Hz mono 16 bit", f.SampleRate, f.Channels, f.BitsPerSample)
	}
	// the provider accepts 50ms to 1000ms of audio per message
	if f.ChunkInterval < 50*time.Millisecond || f.ChunkInterval > time.Second {
		return errors.Errorf("chunk interval %s outside 50ms..1s", f.ChunkInterval)
	}
	return nil
}

// ChunkHandler receives each chunk. The buffer is only valid during the call.
type ChunkHandler func(chunk []byte)

// Source produces PCM chunks once started until stopped or exhausted.
type Source interface {
	Start(ctx context.Context, format Format, onChunk ChunkHandler) error
	Stop() error
	// Done is closed when the source stops producing, for any reason.
	Done() <-chan struct{}
}
