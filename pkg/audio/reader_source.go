package audio

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ReaderSource chunks PCM from any reader: a file, stdin, or a capture process.
// With pacing enabled it emits one chunk per interval, which simulates a live
// microphone when reading from a file.
type ReaderSource struct {
	reader io.Reader
	paced  bool

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

var _ Source = &ReaderSource{}

func NewReaderSource(r io.Reader, paced bool) *ReaderSource {
	return &ReaderSource{reader: r, paced: paced, done: make(chan struct{})}
}

func (s *ReaderSource) Start(ctx context.Context, format Format, onChunk ChunkHandler) error {
	if err := format.Validate(); err != nil {
		return err
	}
	if onChunk == nil {
		return errors.New("audio: chunk handler is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("audio: source already started")
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.pump(runCtx, format, onChunk)
	return nil
}

func (s *ReaderSource) pump(ctx context.Context, format Format, onChunk ChunkHandler) {
	defer close(s.done)
	buf := make([]byte, format.ChunkBytes())

	var tick <-chan time.Time
	if s.paced {
		ticker := time.NewTicker(format.ChunkInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	chunks := 0
	for {
		if tick != nil {
			select {
			case <-ctx.Done():
				return
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return
		}

		n, err := io.ReadFull(s.reader, buf)
		if n > 0 {
			onChunk(buf[:n])
			chunks++
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && ctx.Err() == nil {
				s.setErr(errors.Wrap(err, "audio: read"))
				log.Warn().Err(err).Str("component", "audio").Msg("audio source read failed")
			}
			log.Debug().Str("component", "audio").Int("chunks", chunks).Msg("audio source finished")
			return
		}
	}
}

func (s *ReaderSource) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Err returns the read error that ended the source, if any.
func (s *ReaderSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *ReaderSource) Done() <-chan struct{} {
	return s.done
}

// Stop cancels the pump and waits for it to exit. A reader blocked in Read is only
// released when the reader itself is closed, so callers owning a closable reader
// should close it first.
func (s *ReaderSource) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.mu.Unlock()
	cancel()
	<-s.done
	return s.Err()
}
