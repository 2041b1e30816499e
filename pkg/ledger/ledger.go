// Package ledger is the append-only record of finalized turns. It is the only
// writer of turn rows; ordering comes from the store's per-session counter.
package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/go-go-golems/rebuttal/pkg/persistence/sessionstore"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// TurnWriter is the subset of the store the ledger needs.
type TurnWriter interface {
	AppendTurn(ctx context.Context, in sessionstore.NewTurn) (sessionstore.Turn, error)
	ListTurns(ctx context.Context, sessionID string) ([]sessionstore.Turn, error)
}

type Ledger struct {
	store TurnWriter
	now   func() time.Time
}

type Option func(*Ledger)

// WithClock overrides the timestamp source for appended turns.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

func New(store TurnWriter, opts ...Option) *Ledger {
	l := &Ledger{store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append persists a finalized transcript as the next turn of the session.
// Callers must serialize appends per session.
func (l *Ledger) Append(ctx context.Context, sessionID, transcript string) (sessionstore.Turn, error) {
	if l == nil || l.store == nil {
		return sessionstore.Turn{}, errors.New("ledger: store is nil")
	}
	if strings.TrimSpace(sessionID) == "" {
		return sessionstore.Turn{}, errors.New("ledger: empty session id")
	}
	turn, err := l.store.AppendTurn(ctx, sessionstore.NewTurn{
		SessionID:   sessionID,
		Transcript:  transcript,
		IsFormatted: true,
		CreatedAt:   l.now(),
	})
	if err != nil {
		return sessionstore.Turn{}, errors.Wrap(err, "ledger: append")
	}
	log.Debug().
		Str("component", "ledger").
		Str("session_id", sessionID).
		Str("turn_id", turn.ID).
		Int("turn_order", turn.TurnOrder).
		Msg("turn appended")
	return turn, nil
}

// ListBySession returns a point-in-time read of the session's turns in order.
func (l *Ledger) ListBySession(ctx context.Context, sessionID string) ([]sessionstore.Turn, error) {
	if l == nil || l.store == nil {
		return nil, errors.New("ledger: store is nil")
	}
	turns, err := l.store.ListTurns(ctx, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "ledger: list")
	}
	return turns, nil
}
