package insights

import (
	"context"
	"sync"
	"time"

	"github.com/go-go-golems/rebuttal/pkg/persistence/sessionstore"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Outcome labels the end of one trigger request.
type Outcome string

const (
	OutcomeGenerated Outcome = "generated"
	OutcomeDeclined  Outcome = "declined"
	OutcomeFailed    Outcome = "failed"
	OutcomeCoalesced Outcome = "coalesced"
)

// Observer is told about every trigger request and how it ended.
type Observer interface {
	InsightRequest(outcome Outcome, elapsed time.Duration)
}

// FailureHandler is called from the request goroutine when a pipeline request fails.
// It must not block.
type FailureHandler func(sessionID string, err error)

// Trigger fires one pipeline request per finalized turn without blocking the
// caller, and never has two requests in flight for the same trigger turn.
// Requests outlive the session that started them.
type Trigger struct {
	pipeline  Pipeline
	publisher InsightPublisher
	observer  Observer
	onFailure FailureHandler
	timeout   time.Duration

	mu       sync.Mutex
	inFlight map[string]struct{}
	// idle is closed when inFlight drops back to empty; nil while nothing ran yet
	idle chan struct{}
}

type TriggerOption func(*Trigger)

// WithResultPublisher makes the trigger announce insights returned by the pipeline.
// Use it with pipelines that do not publish themselves.
func WithResultPublisher(p InsightPublisher) TriggerOption {
	return func(t *Trigger) { t.publisher = p }
}

func WithObserver(o Observer) TriggerOption {
	return func(t *Trigger) { t.observer = o }
}

func WithFailureHandler(fn FailureHandler) TriggerOption {
	return func(t *Trigger) { t.onFailure = fn }
}

func WithRequestTimeout(d time.Duration) TriggerOption {
	return func(t *Trigger) {
		if d > 0 {
			t.timeout = d
		}
	}
}

func NewTrigger(pipeline Pipeline, opts ...TriggerOption) *Trigger {
	t := &Trigger{
		pipeline: pipeline,
		timeout:  90 * time.Second,
		inFlight: map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnTurnFinalized starts a pipeline request for the turn and returns immediately.
// It returns false when a request for the same turn is already in flight.
func (t *Trigger) OnTurnFinalized(sessionID string, turn sessionstore.Turn) bool {
	if t == nil || t.pipeline == nil {
		return false
	}
	t.mu.Lock()
	if _, busy := t.inFlight[turn.ID]; busy {
		t.mu.Unlock()
		t.observe(OutcomeCoalesced, 0)
		log.Debug().Str("component", "insights").Str("session_id", sessionID).Str("turn_id", turn.ID).Msg("insight request already in flight")
		return false
	}
	if len(t.inFlight) == 0 {
		t.idle = make(chan struct{})
	}
	t.inFlight[turn.ID] = struct{}{}
	t.mu.Unlock()

	go t.run(sessionID, turn)
	return true
}

// InFlight reports the number of outstanding requests.
func (t *Trigger) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inFlight)
}

// Wait blocks until no request is in flight or ctx is done. Requests started while
// waiting are waited for as well.
func (t *Trigger) Wait(ctx context.Context) error {
	for {
		t.mu.Lock()
		if len(t.inFlight) == 0 {
			t.mu.Unlock()
			return nil
		}
		idle := t.idle
		t.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *Trigger) run(sessionID string, turn sessionstore.Turn) {
	defer func() {
		t.mu.Lock()
		delete(t.inFlight, turn.ID)
		if len(t.inFlight) == 0 {
			close(t.idle)
		}
		t.mu.Unlock()
	}()

	logger := log.With().
		Str("component", "insights").
		Str("session_id", sessionID).
		Str("turn_id", turn.ID).
		Int("turn_order", turn.TurnOrder).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("insight request panicked")
			t.observe(OutcomeFailed, 0)
			t.fail(sessionID, errors.Wrapf(ErrPipeline, "insight request panicked: %v", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	start := time.Now()
	resp, err := t.pipeline.Generate(ctx, Request{SessionID: sessionID, TriggerTurnID: turn.ID})
	elapsed := time.Since(start)
	if err != nil {
		logger.Warn().Err(err).Dur("elapsed", elapsed).Msg("insight request failed")
		t.observe(OutcomeFailed, elapsed)
		t.fail(sessionID, err)
		return
	}
	if resp.Insight == nil {
		logger.Debug().Str("reason", resp.Reason).Dur("elapsed", elapsed).Msg("no insight generated")
		t.observe(OutcomeDeclined, elapsed)
		return
	}
	t.observe(OutcomeGenerated, elapsed)
	if t.publisher != nil {
		if err := t.publisher.Publish(ctx, *resp.Insight); err != nil {
			logger.Warn().Err(err).Str("insight_id", resp.Insight.ID).Msg("insight notification failed")
		}
	}
}

func (t *Trigger) fail(sessionID string, err error) {
	if t.onFailure != nil {
		t.onFailure(sessionID, err)
	}
}

func (t *Trigger) observe(outcome Outcome, elapsed time.Duration) {
	if t.observer != nil {
		t.observer.InsightRequest(outcome, elapsed)
	}
}
