package audio

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// FFmpegSettings selects the capture device handed to ffmpeg.
type FFmpegSettings struct {
	Command     string `mapstructure:"ffmpeg-path"`
	InputFormat string `mapstructure:"input-format"`
	Device      string `mapstructure:"device"`
}

// FFmpegSource captures microphone audio by running ffmpeg and chunking its
// raw s16le output.
type FFmpegSource struct {
	settings FFmpegSettings

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdout   io.ReadCloser
	stderr   *bytes.Buffer
	waitErr  chan error
	reader   *ReaderSource
	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
}

var _ Source = &FFmpegSource{}

func NewFFmpegSource(settings FFmpegSettings) *FFmpegSource {
	if settings.Command == "" {
		settings.Command = "ffmpeg"
	}
	if settings.InputFormat == "" {
		settings.InputFormat = "pulse"
	}
	if settings.Device == "" {
		settings.Device = "default"
	}
	return &FFmpegSource{settings: settings, done: make(chan struct{})}
}

func (s *FFmpegSource) args(format Format) []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", s.settings.InputFormat,
		"-i", s.settings.Device,
		"-ac", strconv.Itoa(format.Channels),
		"-ar", strconv.Itoa(format.SampleRate),
		"-f", "s16le",
		"-",
	}
}

func (s *FFmpegSource) Start(ctx context.Context, format Format, onChunk ChunkHandler) error {
	if err := format.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return errors.New("audio: ffmpeg source already started")
	}

	cmd := exec.CommandContext(ctx, s.settings.Command, s.args(format)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "audio: ffmpeg stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "audio: start ffmpeg")
	}

	waitErr := make(chan error, 1)
	reader := NewReaderSource(stdout, false)
	if err := reader.Start(ctx, format, onChunk); err != nil {
		_ = cmd.Process.Kill()
		return err
	}
	go func() {
		<-reader.Done()
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	s.cmd = cmd
	s.stdout = stdout
	s.stderr = &stderr
	s.waitErr = waitErr
	s.reader = reader
	go func() {
		<-reader.Done()
		close(s.done)
	}()

	log.Info().
		Str("component", "audio").
		Str("input_format", s.settings.InputFormat).
		Str("device", s.settings.Device).
		Int("chunk_bytes", format.ChunkBytes()).
		Msg("ffmpeg capture started")
	return nil
}

func (s *FFmpegSource) Done() <-chan struct{} {
	return s.done
}

// Stop interrupts ffmpeg, kills it if it lingers, and waits for the reader to drain.
func (s *FFmpegSource) Stop() error {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil {
		return nil
	}
	s.stopOnce.Do(func() {
		if cmd.Process != nil {
			_ = cmd.Process.Signal(os.Interrupt)
		}
		var err error
		select {
		case err = <-s.waitErr:
		case <-time.After(1200 * time.Millisecond):
			_ = cmd.Process.Kill()
			_ = s.stdout.Close()
			err = <-s.waitErr
		}
		_ = s.reader.Stop()
		s.stopErr = normalizeExit(err)
		if s.stopErr != nil && s.stderr.Len() > 0 {
			s.stopErr = errors.Wrap(s.stopErr, strings.TrimSpace(s.stderr.String()))
		}
	})
	return s.stopErr
}

func normalizeExit(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
