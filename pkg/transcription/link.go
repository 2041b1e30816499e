package transcription

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	// ErrConnect marks failures to establish the stream, including the readiness timeout.
	ErrConnect = errors.New("transcription connect")
	// ErrLinkClosed is returned by Open on a link that has already been closed.
	ErrLinkClosed = errors.New("transcription link closed")
)

type linkState int

const (
	linkIdle linkState = iota
	linkConnecting
	linkOpen
	linkClosing
	linkClosed
)

const audioBuffer = 64

// Stats counts audio traffic on a link.
type Stats struct {
	ChunksSent    uint64
	ChunksDropped uint64
	BytesSent     uint64
}

// Link owns one streaming connection to the transcription provider. A Link is
// single use: once closed it cannot be reopened and it never reconnects.
type Link struct {
	settings Settings
	dialer   *websocket.Dialer

	mu         sync.Mutex
	state      linkState
	opening    chan struct{}
	openErr    error
	cancelOpen context.CancelFunc
	conn       *websocket.Conn
	audio      chan []byte
	providerID string

	events   *eventQueue
	readDone chan struct{}
	wg       sync.WaitGroup

	sent    atomic.Uint64
	dropped atomic.Uint64
	bytes   atomic.Uint64
}

func NewLink(settings Settings) *Link {
	return &Link{
		settings: settings.withDefaults(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: settings.withDefaults().ConnectTimeout,
		},
		events:   newEventQueue(),
		readDone: make(chan struct{}),
	}
}

// Events returns the ordered event stream. The channel is closed once the link is closed.
func (l *Link) Events() <-chan Event {
	return l.events.out
}

func (l *Link) Stats() Stats {
	return Stats{
		ChunksSent:    l.sent.Load(),
		ChunksDropped: l.dropped.Load(),
		BytesSent:     l.bytes.Load(),
	}
}

// ProviderID returns the provider's session id once the stream has begun.
func (l *Link) ProviderID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.providerID
}

// Open dials the provider and waits for its Begin message. Concurrent or repeated
// calls while a connection is pending or open resolve against the same attempt.
func (l *Link) Open(ctx context.Context) error {
	l.mu.Lock()
	switch l.state {
	case linkOpen:
		l.mu.Unlock()
		return nil
	case linkConnecting:
		opening := l.opening
		l.mu.Unlock()
		select {
		case <-opening:
		case <-ctx.Done():
			return errors.Wrap(connectErr(ctx.Err()), "wait for pending open")
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.openErr
	case linkClosing, linkClosed:
		l.mu.Unlock()
		return ErrLinkClosed
	}

	openCtx, cancel := context.WithTimeout(ctx, l.settings.ConnectTimeout)
	l.state = linkConnecting
	l.opening = make(chan struct{})
	l.cancelOpen = cancel
	l.mu.Unlock()

	conn, began, err := l.connect(openCtx)
	cancel()

	l.mu.Lock()
	defer l.mu.Unlock()
	defer close(l.opening)
	l.cancelOpen = nil

	if err == nil && l.state != linkConnecting {
		// closed while connecting
		_ = conn.Close()
		err = connectErr(ErrLinkClosed)
	}
	if err != nil {
		l.openErr = err
		l.state = linkClosed
		l.events.close()
		close(l.readDone)
		return err
	}

	l.conn = conn
	l.providerID = began.ProviderID
	l.audio = make(chan []byte, audioBuffer)
	l.state = linkOpen
	l.events.push(began)

	l.wg.Add(2)
	go l.readLoop(conn)
	go l.writeLoop(conn, l.audio)

	log.Info().
		Str("component", "transcription").
		Str("provider_session_id", began.ProviderID).
		Time("expires_at", began.ExpiresAt).
		Msg("transcription link open")
	return nil
}

func (l *Link) connect(ctx context.Context) (*websocket.Conn, SessionBegan, error) {
	streamURL, err := l.settings.StreamURL()
	if err != nil {
		return nil, SessionBegan{}, connectErr(err)
	}
	headers := http.Header{}
	headers.Set("Authorization", l.settings.APIKey)

	conn, resp, err := l.dialer.DialContext(ctx, streamURL, headers)
	if err != nil {
		if resp != nil {
			return nil, SessionBegan{}, errors.Wrapf(connectErr(err), "dial provider (status %d)", resp.StatusCode)
		}
		return nil, SessionBegan{}, errors.Wrap(connectErr(err), "dial provider")
	}

	// readiness is the provider's Begin message; bound it by the same deadline
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(l.settings.ConnectTimeout)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()
	_ = conn.SetReadDeadline(deadline)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			if ctx.Err() != nil {
				return nil, SessionBegan{}, errors.Wrap(connectErr(ctx.Err()), "wait for provider readiness")
			}
			return nil, SessionBegan{}, errors.Wrap(connectErr(err), "wait for provider readiness")
		}
		ev, err := decodeProviderMessage(data)
		if err != nil {
			log.Warn().Err(err).Str("component", "transcription").Msg("skipping undecodable provider message")
			continue
		}
		switch e := ev.(type) {
		case SessionBegan:
			_ = conn.SetReadDeadline(time.Time{})
			return conn, e, nil
		case ProviderError:
			_ = conn.Close()
			return nil, SessionBegan{}, connectErr(errors.New(e.Message))
		}
	}
}

// SendAudio forwards a PCM chunk. It never blocks: when the link is not open or the
// outbound buffer is full the chunk is dropped.
func (l *Link) SendAudio(chunk []byte) {
	if l == nil || len(chunk) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != linkOpen {
		return
	}
	buf := append([]byte(nil), chunk...)
	select {
	case l.audio <- buf:
	default:
		if l.dropped.Add(1) == 1 {
			log.Warn().Str("component", "transcription").Msg("audio buffer full, dropping chunks")
		}
	}
}

// Close sends Terminate when open, waits for the provider to finish the stream
// within the close timeout, and releases the connection. Safe to call repeatedly.
func (l *Link) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	switch l.state {
	case linkIdle:
		l.state = linkClosed
		l.events.close()
		close(l.readDone)
		l.mu.Unlock()
		return nil
	case linkConnecting:
		l.state = linkClosing
		if l.cancelOpen != nil {
			l.cancelOpen()
		}
		opening := l.opening
		l.mu.Unlock()
		<-opening
		return nil
	case linkOpen:
		l.state = linkClosing
		close(l.audio)
		conn := l.conn
		l.mu.Unlock()

		select {
		case <-l.readDone:
		case <-time.After(l.settings.CloseTimeout):
			log.Warn().Str("component", "transcription").Dur("timeout", l.settings.CloseTimeout).Msg("provider did not close stream in time, forcing close")
			_ = conn.Close()
			<-l.readDone
		}
		l.wg.Wait()
		return nil
	default:
		l.mu.Unlock()
		<-l.readDone
		l.wg.Wait()
		return nil
	}
}

func (l *Link) writeLoop(conn *websocket.Conn, audio <-chan []byte) {
	defer l.wg.Done()
	for chunk := range audio {
		if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			log.Debug().Err(err).Str("component", "transcription").Msg("audio write failed")
			for range audio {
				// drain until Close closes the channel
			}
			return
		}
		l.sent.Add(1)
		l.bytes.Add(uint64(len(chunk)))
	}
	payload, _ := json.Marshal(map[string]string{"type": "Terminate"})
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		log.Debug().Err(err).Str("component", "transcription").Msg("terminate write failed")
		_ = conn.Close()
	}
}

func (l *Link) readLoop(conn *websocket.Conn) {
	defer l.wg.Done()
	defer func() {
		_ = conn.Close()
		l.mu.Lock()
		if l.state == linkOpen {
			// provider hung up without being asked; stop accepting audio
			close(l.audio)
		}
		l.state = linkClosed
		l.mu.Unlock()
		l.events.close()
		close(l.readDone)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !l.expectedClose(err) {
				l.events.push(ProviderError{Message: err.Error()})
			}
			return
		}
		ev, err := decodeProviderMessage(data)
		if err != nil {
			log.Warn().Err(err).Str("component", "transcription").Msg("skipping undecodable provider message")
			continue
		}
		if ev == nil {
			continue
		}
		l.events.push(ev)
	}
}

func (l *Link) expectedClose(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// our own forced close after Terminate
	return l.state == linkClosing
}

type providerMessage struct {
	Type                   string  `json:"type"`
	ID                     string  `json:"id"`
	ExpiresAt              float64 `json:"expires_at"`
	Transcript             string  `json:"transcript"`
	TurnIsFormatted        bool    `json:"turn_is_formatted"`
	EndOfTurn              bool    `json:"end_of_turn"`
	TurnOrder              int     `json:"turn_order"`
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
	Error                  string  `json:"error"`
}

// decodeProviderMessage maps a provider JSON message to an Event. Unknown message
// types decode to nil.
func decodeProviderMessage(data []byte) (Event, error) {
	var msg providerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errors.Wrap(err, "decode provider message")
	}
	switch msg.Type {
	case "Begin":
		began := SessionBegan{ProviderID: msg.ID}
		if msg.ExpiresAt > 0 {
			began.ExpiresAt = time.Unix(int64(msg.ExpiresAt), 0)
		}
		return began, nil
	case "Turn":
		return TurnUpdated{
			Transcript:        msg.Transcript,
			IsFinal:           msg.TurnIsFormatted,
			EndOfTurn:         msg.EndOfTurn,
			ProviderTurnOrder: msg.TurnOrder,
		}, nil
	case "Termination":
		return Terminated{
			AudioDurationSeconds:   msg.AudioDurationSeconds,
			SessionDurationSeconds: msg.SessionDurationSeconds,
		}, nil
	case "Error":
		return ProviderError{Message: msg.Error}, nil
	default:
		log.Debug().Str("component", "transcription").Str("type", msg.Type).Msg("ignoring provider message")
		return nil, nil
	}
}

type connectError struct {
	err error
}

func connectErr(err error) error {
	return &connectError{err: err}
}

func (e *connectError) Error() string {
	return ErrConnect.Error() + ": " + e.err.Error()
}

func (e *connectError) Unwrap() []error {
	return []error{ErrConnect, e.err}
}
