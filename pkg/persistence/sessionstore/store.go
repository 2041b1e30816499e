package sessionstore

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrStore marks every failure coming out of a Store implementation.
	ErrStore = errors.New("session store")
	// ErrNotFound is returned (wrapped in ErrStore) when a session or turn does not exist.
	ErrNotFound = errors.New("not found")
)

// Session is one continuous recording period.
type Session struct {
	ID                     string     `json:"id" yaml:"id"`
	UserID                 string     `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	Title                  string     `json:"title,omitempty" yaml:"title,omitempty"`
	StartedAt              time.Time  `json:"started_at" yaml:"started_at"`
	EndedAt                *time.Time `json:"ended_at,omitempty" yaml:"ended_at,omitempty"`
	AudioDurationSeconds   *float64   `json:"audio_duration_seconds,omitempty" yaml:"audio_duration_seconds,omitempty"`
	SessionDurationSeconds *float64   `json:"session_duration_seconds,omitempty" yaml:"session_duration_seconds,omitempty"`
	CreatedAt              time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at" yaml:"updated_at"`
}

// Active reports whether the session has not been ended yet.
func (s Session) Active() bool {
	return s.EndedAt == nil
}

// Turn is one finalized utterance. TurnOrder starts at 1 and is contiguous per session.
type Turn struct {
	ID          string    `json:"id" yaml:"id"`
	SessionID   string    `json:"session_id" yaml:"session_id"`
	Transcript  string    `json:"transcript" yaml:"transcript"`
	TurnOrder   int       `json:"turn_order" yaml:"turn_order"`
	IsFormatted bool      `json:"is_formatted" yaml:"is_formatted"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
}

// Insight is a generated note tied to the turn that triggered it.
type Insight struct {
	ID               string    `json:"id" yaml:"id"`
	SessionID        string    `json:"session_id" yaml:"session_id"`
	TriggerTurnID    string    `json:"trigger_turn_id" yaml:"trigger_turn_id"`
	Title            string    `json:"title" yaml:"title"`
	NotificationBody string    `json:"notification_body" yaml:"notification_body"`
	ExpandedBody     string    `json:"expanded_body" yaml:"expanded_body"`
	CreatedAt        time.Time `json:"created_at" yaml:"created_at"`
}

type NewSession struct {
	UserID    string
	Title     string
	StartedAt time.Time
}

type NewTurn struct {
	SessionID   string
	Transcript  string
	IsFormatted bool
	CreatedAt   time.Time
}

type NewInsight struct {
	SessionID        string
	TriggerTurnID    string
	Title            string
	NotificationBody string
	ExpandedBody     string
	CreatedAt        time.Time
}

// Termination carries the provider-reported totals written when the link terminates.
type Termination struct {
	AudioDurationSeconds   float64
	SessionDurationSeconds float64
	EndedAt                time.Time
}

// SessionQuery filters ListSessions. Zero Limit means no limit.
type SessionQuery struct {
	UserID string
	Limit  int
}

// Store is the persistence accessor shared by the orchestrator, the ledger and the
// insight pipeline. Implementations must be safe for concurrent use.
type Store interface {
	CreateSession(ctx context.Context, in NewSession) (Session, error)
	EndSession(ctx context.Context, sessionID string, endedAt time.Time) error
	RecordTermination(ctx context.Context, sessionID string, t Termination) error
	SetSessionTitle(ctx context.Context, sessionID, title string) error
	GetSession(ctx context.Context, sessionID string) (Session, error)
	ListSessions(ctx context.Context, q SessionQuery) ([]Session, error)

	AppendTurn(ctx context.Context, in NewTurn) (Turn, error)
	GetTurn(ctx context.Context, turnID string) (Turn, error)
	ListTurns(ctx context.Context, sessionID string) ([]Turn, error)
	RecentTurns(ctx context.Context, sessionID string, n int) ([]Turn, error)

	InsertInsight(ctx context.Context, in NewInsight) (Insight, error)
	ListInsights(ctx context.Context, sessionID string) ([]Insight, error)
	ListInsightsForTurns(ctx context.Context, sessionID string, turnIDs []string) ([]Insight, error)

	Close() error
}

func storeErr(err error, op string) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(&wrapped{kind: ErrStore, err: err}, "%s", op)
}

func notFound(what, id string) error {
	return errors.Wrapf(&wrapped{kind: ErrStore, err: ErrNotFound}, "%s %q", what, id)
}

// wrapped lets errors.Is match both ErrStore and the underlying cause.
type wrapped struct {
	kind error
	err  error
}

func (w *wrapped) Error() string {
	return w.kind.Error() + ": " + w.err.Error()
}

func (w *wrapped) Unwrap() []error {
	return []error{w.kind, w.err}
}
