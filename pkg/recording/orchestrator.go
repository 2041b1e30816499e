// Package recording owns the lifecycle of a live recording session: it feeds audio
// to the transcription link, writes finalized turns to the ledger, fires insight
// requests, and keeps the in-memory view the presentation layer reads.
package recording

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/rebuttal/pkg/persistence/sessionstore"
	"github.com/go-go-golems/rebuttal/pkg/transcription"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Link is the transcription connection as the orchestrator uses it.
type Link interface {
	Open(ctx context.Context) error
	SendAudio(chunk []byte)
	Events() <-chan transcription.Event
	Close() error
}

// LinkFactory returns a fresh, unopened link for each session.
type LinkFactory func() Link

// SessionStore is the session part of the store accessor.
type SessionStore interface {
	CreateSession(ctx context.Context, in sessionstore.NewSession) (sessionstore.Session, error)
	EndSession(ctx context.Context, sessionID string, endedAt time.Time) error
	RecordTermination(ctx context.Context, sessionID string, t sessionstore.Termination) error
}

// TurnAppender persists finalized turns.
type TurnAppender interface {
	Append(ctx context.Context, sessionID, transcript string) (sessionstore.Turn, error)
}

// InsightTrigger is told about every persisted turn. It must not block.
type InsightTrigger interface {
	OnTurnFinalized(sessionID string, turn sessionstore.Turn) bool
}

// InsightSource delivers insights produced after the trigger fired.
type InsightSource interface {
	Subscribe(ctx context.Context) (<-chan sessionstore.Insight, error)
}

// Observer receives counters; metrics.Metrics implements it.
type Observer interface {
	StateChanged(to string)
	SessionStarted()
	LinkEvent(kind string)
	AudioChunk(forwarded bool)
	TurnPersisted()
	TurnAppendFailed()
	InsightReceived()
}

type Config struct {
	// UserID is written on every session the orchestrator creates.
	UserID string
	// OpTimeout bounds store writes made from the event loop.
	OpTimeout time.Duration
}

// session is the orchestrator-owned state of the current (or most recent) session.
type session struct {
	record     sessionstore.Session
	link       Link
	providerID string
	turns      []sessionstore.Turn
	insights   []sessionstore.Insight
	seen       map[string]struct{}
	partial    string

	recording bool
	ended     bool

	inbox    chan sessionstore.Insight
	failures chan error
	loopDone chan struct{}
}

type Orchestrator struct {
	store    SessionStore
	ledger   TurnAppender
	newLink  LinkFactory
	trigger  InsightTrigger
	observer Observer
	cfg      Config
	now      func() time.Time

	// commands serializes StartSession, EndSession and Reset
	commands sync.Mutex

	mu      sync.RWMutex
	state   State
	failure *Failure
	current *session
	version uint64

	notifyMu  sync.Mutex
	listeners map[int]func(View)
	nextID    int

	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

type Option func(*Orchestrator)

func WithObserver(o Observer) Option {
	return func(orc *Orchestrator) { orc.observer = o }
}

func WithClock(now func() time.Time) Option {
	return func(orc *Orchestrator) {
		if now != nil {
			orc.now = now
		}
	}
}

func New(store SessionStore, ledger TurnAppender, newLink LinkFactory, trigger InsightTrigger, cfg Config, opts ...Option) *Orchestrator {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 10 * time.Second
	}
	o := &Orchestrator{
		store:     store,
		ledger:    ledger,
		newLink:   newLink,
		trigger:   trigger,
		cfg:       cfg,
		now:       time.Now,
		state:     StateIdle,
		listeners: map[int]func(View){},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// View returns a deep copy of the current view.
func (o *Orchestrator) View() View {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.viewLocked()
}

func (o *Orchestrator) viewLocked() View {
	v := View{
		Version:  o.version,
		State:    o.state,
		Turns:    []sessionstore.Turn{},
		Insights: []sessionstore.Insight{},
	}
	if o.failure != nil {
		f := *o.failure
		v.Failure = &f
	}
	if s := o.current; s != nil {
		rec := s.record
		v.Session = &rec
		v.ProviderSessionID = s.providerID
		v.Turns = append(v.Turns, s.turns...)
		v.Insights = append(v.Insights, s.insights...)
		v.Partial = s.partial
	}
	return v
}

// Subscribe registers fn to receive a snapshot after every change. Snapshots are
// delivered in order from the goroutine that made the change; fn must not block
// and must not call StartSession, EndSession or Reset.
func (o *Orchestrator) Subscribe(fn func(View)) (unsubscribe func()) {
	o.notifyMu.Lock()
	id := o.nextID
	o.nextID++
	o.listeners[id] = fn
	o.notifyMu.Unlock()
	return func() {
		o.notifyMu.Lock()
		delete(o.listeners, id)
		o.notifyMu.Unlock()
	}
}

func (o *Orchestrator) notify() {
	o.notifyMu.Lock()
	defer o.notifyMu.Unlock()
	if len(o.listeners) == 0 {
		return
	}
	v := o.View()
	for _, fn := range o.listeners {
		fn(v)
	}
}

// setStateLocked must be called with mu held.
func (o *Orchestrator) setStateLocked(s State) {
	if o.state == s {
		return
	}
	log.Debug().Str("component", "recording").Str("from", string(o.state)).Str("to", string(s)).Msg("state change")
	o.state = s
	o.version++
	if o.observer != nil {
		o.observer.StateChanged(string(s))
	}
}

func (o *Orchestrator) fail(kind ErrorKind, op string, err error) *Error {
	e := newError(kind, op, err)
	o.mu.Lock()
	o.failure = &Failure{Kind: kind, Message: e.Message()}
	o.setStateLocked(StateError)
	o.version++
	o.mu.Unlock()
	o.notify()
	return e
}

// StartSession creates a session record, resets the view and opens a new link.
// It is only allowed from Idle.
func (o *Orchestrator) StartSession(ctx context.Context, title string) (sessionstore.Session, error) {
	o.commands.Lock()
	defer o.commands.Unlock()

	o.mu.Lock()
	if o.state != StateIdle {
		st := o.state
		o.mu.Unlock()
		return sessionstore.Session{}, newError(KindState, "start session", errors.Wrapf(ErrInvalidState, "cannot start a session while %s", st))
	}
	o.failure = nil
	o.setStateLocked(StateStarting)
	o.mu.Unlock()
	o.notify()

	rec, err := o.store.CreateSession(ctx, sessionstore.NewSession{
		UserID:    o.cfg.UserID,
		Title:     strings.TrimSpace(title),
		StartedAt: o.now(),
	})
	if err != nil {
		log.Error().Err(err).Str("component", "recording").Msg("could not create session")
		return sessionstore.Session{}, o.fail(KindStore, "start session", err)
	}
	if o.observer != nil {
		o.observer.SessionStarted()
	}

	s := &session{
		record:   rec,
		seen:     map[string]struct{}{},
		inbox:    make(chan sessionstore.Insight),
		failures: make(chan error),
		loopDone: make(chan struct{}),
	}
	s.link = o.newLink()

	o.mu.Lock()
	o.current = s
	o.version++
	o.mu.Unlock()
	o.notify()

	logger := log.With().Str("component", "recording").Str("session_id", rec.ID).Logger()
	if err := s.link.Open(ctx); err != nil {
		_ = s.link.Close()
		close(s.loopDone)
		logger.Error().Err(err).Msg("transcription link failed to open")
		return sessionstore.Session{}, o.fail(KindConnect, "start session", err)
	}

	o.mu.Lock()
	s.recording = true
	o.setStateLocked(StateRecording)
	o.mu.Unlock()
	o.notify()

	go o.run(s)
	logger.Info().Str("title", rec.Title).Msg("recording started")
	return rec, nil
}

// SendAudio forwards a chunk to the link while recording. Outside of a recording
// session the chunk is dropped. It never blocks.
func (o *Orchestrator) SendAudio(chunk []byte) {
	o.mu.RLock()
	s := o.current
	forward := s != nil && s.recording && !s.ended &&
		(o.state == StateRecording || o.state == StateError)
	o.mu.RUnlock()

	if o.observer != nil {
		o.observer.AudioChunk(forward)
	}
	if !forward {
		return
	}
	s.link.SendAudio(chunk)
}

// EndSession stops audio, terminates the link, waits for the remaining provider
// events, writes the end timestamp and returns to Idle. It is allowed from Recording
// and from Error once the session reached Recording.
func (o *Orchestrator) EndSession(ctx context.Context) error {
	o.commands.Lock()
	defer o.commands.Unlock()

	o.mu.Lock()
	s := o.current
	if (o.state != StateRecording && o.state != StateError) || s == nil || !s.recording || s.ended {
		st := o.state
		o.mu.Unlock()
		return newError(KindState, "end session", errors.Wrapf(ErrInvalidState, "no recording session to end (state %s)", st))
	}
	o.setStateLocked(StateStopping)
	o.mu.Unlock()
	o.notify()

	err := o.finish(ctx, s)

	o.mu.Lock()
	o.failure = nil
	o.setStateLocked(StateIdle)
	o.mu.Unlock()
	o.notify()
	return err
}

// Reset acknowledges an error and returns to Idle. A session that reached Recording
// is ended first so no session is left dangling.
func (o *Orchestrator) Reset(ctx context.Context) error {
	o.commands.Lock()
	defer o.commands.Unlock()

	o.mu.Lock()
	s := o.current
	st := o.state
	o.mu.Unlock()
	if st == StateIdle {
		return nil
	}

	var err error
	if s != nil && s.recording && !s.ended {
		err = o.finish(ctx, s)
	}

	o.mu.Lock()
	o.failure = nil
	o.setStateLocked(StateIdle)
	o.mu.Unlock()
	o.notify()
	return err
}

// finish closes the link, lets the event loop drain, and writes the end timestamp.
func (o *Orchestrator) finish(ctx context.Context, s *session) error {
	logger := log.With().Str("component", "recording").Str("session_id", s.record.ID).Logger()
	if err := s.link.Close(); err != nil {
		logger.Warn().Err(err).Msg("closing transcription link failed")
	}
	<-s.loopDone

	endedAt := o.now()
	if err := o.store.EndSession(ctx, s.record.ID, endedAt); err != nil {
		logger.Error().Err(err).Msg("could not write session end")
		o.mu.Lock()
		s.ended = true
		o.version++
		o.mu.Unlock()
		return newError(KindStore, "end session", err)
	}

	o.mu.Lock()
	t := endedAt
	s.record.EndedAt = &t
	s.record.UpdatedAt = endedAt
	s.ended = true
	s.partial = ""
	o.version++
	o.mu.Unlock()
	logger.Info().Int("turns", len(s.turns)).Msg("recording ended")
	return nil
}

// run is the session's event loop. It is the only writer of the session's turns
// while the link is alive and processes link events strictly in arrival order.
func (o *Orchestrator) run(s *session) {
	defer close(s.loopDone)
	events := s.link.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				o.linkClosed(s)
				return
			}
			o.handleEvent(s, ev)
		case ins := <-s.inbox:
			o.applyInsight(s, ins)
		case err := <-s.failures:
			o.advise(KindPipeline, err)
		}
	}
}

func (o *Orchestrator) handleEvent(s *session, ev transcription.Event) {
	logger := log.With().Str("component", "recording").Str("session_id", s.record.ID).Logger()
	switch e := ev.(type) {
	case transcription.SessionBegan:
		o.observe("begin")
		o.mu.Lock()
		s.providerID = e.ProviderID
		o.version++
		o.mu.Unlock()
		o.notify()

	case transcription.TurnUpdated:
		if !e.IsFinal {
			o.observe("partial")
			o.mu.Lock()
			s.partial = e.Transcript
			o.version++
			o.mu.Unlock()
			o.notify()
			return
		}
		o.observe("turn")
		if strings.TrimSpace(e.Transcript) == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.OpTimeout)
		turn, err := o.ledger.Append(ctx, s.record.ID, e.Transcript)
		cancel()
		if err != nil {
			// the view only ever shows persisted turns
			logger.Error().Err(err).Msg("could not persist turn")
			if o.observer != nil {
				o.observer.TurnAppendFailed()
			}
			o.advise(KindStore, err)
			return
		}
		if o.observer != nil {
			o.observer.TurnPersisted()
		}
		o.mu.Lock()
		s.turns = append(s.turns, turn)
		s.partial = ""
		o.version++
		o.mu.Unlock()
		o.notify()
		if o.trigger != nil {
			o.trigger.OnTurnFinalized(s.record.ID, turn)
		}

	case transcription.Terminated:
		o.observe("termination")
		endedAt := o.now()
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.OpTimeout)
		err := o.store.RecordTermination(ctx, s.record.ID, sessionstore.Termination{
			AudioDurationSeconds:   e.AudioDurationSeconds,
			SessionDurationSeconds: e.SessionDurationSeconds,
			EndedAt:                endedAt,
		})
		cancel()
		if err != nil {
			logger.Error().Err(err).Msg("could not record termination")
			o.advise(KindStore, err)
			return
		}
		o.mu.Lock()
		audio, total := e.AudioDurationSeconds, e.SessionDurationSeconds
		s.record.AudioDurationSeconds = &audio
		s.record.SessionDurationSeconds = &total
		s.record.EndedAt = &endedAt
		o.version++
		o.mu.Unlock()
		o.notify()
		logger.Info().
			Float64("audio_duration_seconds", audio).
			Float64("session_duration_seconds", total).
			Msg("provider terminated stream")

	case transcription.ProviderError:
		o.observe("error")
		logger.Warn().Str("error", e.Message).Msg("provider reported an error")
		o.mu.Lock()
		o.failure = &Failure{Kind: KindProvider, Message: e.Message}
		if o.state == StateRecording {
			o.setStateLocked(StateError)
		}
		o.version++
		o.mu.Unlock()
		o.notify()
	}
}

func (o *Orchestrator) linkClosed(s *session) {
	o.mu.Lock()
	unexpected := o.state == StateRecording
	if unexpected {
		o.failure = &Failure{Kind: KindProvider, Message: errors.Wrap(ErrProvider, "stream closed unexpectedly").Error()}
		o.setStateLocked(StateError)
		o.version++
	}
	o.mu.Unlock()
	if unexpected {
		log.Warn().Str("component", "recording").Str("session_id", s.record.ID).Msg("transcription link closed while recording")
		o.notify()
	}
}

// advise records a non-fatal failure without changing state.
func (o *Orchestrator) advise(kind ErrorKind, err error) {
	o.mu.Lock()
	o.failure = &Failure{Kind: kind, Message: err.Error()}
	o.version++
	o.mu.Unlock()
	o.notify()
}

func (o *Orchestrator) observe(kind string) {
	if o.observer != nil {
		o.observer.LinkEvent(kind)
	}
}

// WatchInsights routes insights from src into the view of the session they belong
// to. Insights for the most recent session keep arriving after it ended.
func (o *Orchestrator) WatchInsights(ctx context.Context, src InsightSource) error {
	ctx, cancel := context.WithCancel(ctx)
	ch, err := src.Subscribe(ctx)
	if err != nil {
		cancel()
		return errors.Wrap(err, "watch insights")
	}
	done := make(chan struct{})
	o.mu.Lock()
	o.watchCancel = cancel
	o.watchDone = done
	o.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ins, ok := <-ch:
				if !ok {
					return
				}
				o.deliverInsight(ins)
			}
		}
	}()
	return nil
}

func (o *Orchestrator) deliverInsight(ins sessionstore.Insight) {
	o.mu.RLock()
	s := o.current
	o.mu.RUnlock()
	if s == nil || s.record.ID != ins.SessionID {
		log.Debug().Str("component", "recording").Str("session_id", ins.SessionID).Str("insight_id", ins.ID).Msg("insight for another session")
		return
	}
	select {
	case s.inbox <- ins:
	case <-s.loopDone:
		o.applyInsight(s, ins)
	}
}

// PipelineFailed surfaces a failed insight request as advisory state without
// changing the state. Failures arriving after the session's event loop ended, or
// for another session, are dropped.
func (o *Orchestrator) PipelineFailed(sessionID string, err error) {
	if err == nil {
		return
	}
	o.mu.RLock()
	s := o.current
	o.mu.RUnlock()
	logger := log.With().Str("component", "recording").Str("session_id", sessionID).Logger()
	if s == nil || s.record.ID != sessionID {
		logger.Debug().Err(err).Msg("insight failure for another session")
		return
	}
	select {
	case s.failures <- err:
	case <-s.loopDone:
		logger.Debug().Err(err).Msg("insight failure after session ended")
	}
}

func (o *Orchestrator) applyInsight(s *session, ins sessionstore.Insight) {
	o.mu.Lock()
	if _, dup := s.seen[ins.ID]; dup {
		o.mu.Unlock()
		return
	}
	s.seen[ins.ID] = struct{}{}
	s.insights = append(s.insights, ins)
	o.version++
	o.mu.Unlock()
	if o.observer != nil {
		o.observer.InsightReceived()
	}
	o.notify()
}

// Shutdown ends a running session and stops watching insights.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	var err error
	switch o.State() {
	case StateRecording:
		err = o.EndSession(ctx)
	case StateError:
		err = o.Reset(ctx)
	}
	o.mu.Lock()
	cancel, done := o.watchCancel, o.watchDone
	o.watchCancel, o.watchDone = nil, nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	return err
}
