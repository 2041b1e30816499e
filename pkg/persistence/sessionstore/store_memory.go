package sessionstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// InMemoryStore is a process-local Store used by tests and throwaway runs.
type InMemoryStore struct {
	mu       sync.RWMutex
	now      func() time.Time
	sessions map[string]*Session
	order    []string
	turns    map[string][]Turn
	turnByID map[string]Turn
	insights map[string][]Insight
	closed   bool
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		now:      time.Now,
		sessions: map[string]*Session{},
		turns:    map[string][]Turn{},
		turnByID: map[string]Turn{},
		insights: map[string][]Insight{},
	}
}

func (s *InMemoryStore) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) checkOpen(op string) error {
	if s.closed {
		return storeErr(errors.New("store is closed"), op)
	}
	return nil
}

func (s *InMemoryStore) CreateSession(_ context.Context, in NewSession) (Session, error) {
	if s == nil {
		return Session{}, storeErr(errors.New("store is nil"), "memory session store: create session")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("memory session store: create session"); err != nil {
		return Session{}, err
	}
	now := truncMs(s.now())
	startedAt := in.StartedAt
	if startedAt.IsZero() {
		startedAt = now
	}
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    in.UserID,
		Title:     in.Title,
		StartedAt: truncMs(startedAt),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[sess.ID] = sess
	s.order = append(s.order, sess.ID)
	return copySession(*sess), nil
}

func (s *InMemoryStore) EndSession(_ context.Context, sessionID string, endedAt time.Time) error {
	return s.updateSession("memory session store: end session", sessionID, func(sess *Session) {
		t := truncMs(endedAt)
		sess.EndedAt = &t
	})
}

func (s *InMemoryStore) RecordTermination(_ context.Context, sessionID string, t Termination) error {
	return s.updateSession("memory session store: record termination", sessionID, func(sess *Session) {
		audio, total := t.AudioDurationSeconds, t.SessionDurationSeconds
		ended := truncMs(t.EndedAt)
		sess.AudioDurationSeconds = &audio
		sess.SessionDurationSeconds = &total
		sess.EndedAt = &ended
	})
}

func (s *InMemoryStore) SetSessionTitle(_ context.Context, sessionID, title string) error {
	return s.updateSession("memory session store: set title", sessionID, func(sess *Session) {
		sess.Title = title
	})
}

func (s *InMemoryStore) updateSession(op, sessionID string, fn func(*Session)) error {
	if s == nil {
		return storeErr(errors.New("store is nil"), op)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(op); err != nil {
		return err
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		return notFound("session", sessionID)
	}
	fn(sess)
	sess.UpdatedAt = truncMs(s.now())
	return nil
}

func (s *InMemoryStore) GetSession(_ context.Context, sessionID string) (Session, error) {
	if s == nil {
		return Session{}, storeErr(errors.New("store is nil"), "memory session store: get session")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("memory session store: get session"); err != nil {
		return Session{}, err
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, notFound("session", sessionID)
	}
	return copySession(*sess), nil
}

func (s *InMemoryStore) ListSessions(_ context.Context, q SessionQuery) ([]Session, error) {
	if s == nil {
		return nil, storeErr(errors.New("store is nil"), "memory session store: list sessions")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("memory session store: list sessions"); err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(s.order))
	// newest first; insertion order breaks ties the same way created_at does in SQLite
	for i := len(s.order) - 1; i >= 0; i-- {
		sess := s.sessions[s.order[i]]
		if q.UserID != "" && sess.UserID != q.UserID {
			continue
		}
		out = append(out, copySession(*sess))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *InMemoryStore) AppendTurn(_ context.Context, in NewTurn) (Turn, error) {
	if s == nil {
		return Turn{}, storeErr(errors.New("store is nil"), "memory session store: append turn")
	}
	if strings.TrimSpace(in.SessionID) == "" {
		return Turn{}, storeErr(errors.New("empty session id"), "memory session store: append turn")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("memory session store: append turn"); err != nil {
		return Turn{}, err
	}
	if _, ok := s.sessions[in.SessionID]; !ok {
		return Turn{}, notFound("session", in.SessionID)
	}
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	existing := s.turns[in.SessionID]
	turn := Turn{
		ID:          uuid.NewString(),
		SessionID:   in.SessionID,
		Transcript:  in.Transcript,
		TurnOrder:   len(existing) + 1,
		IsFormatted: in.IsFormatted,
		CreatedAt:   truncMs(createdAt),
	}
	s.turns[in.SessionID] = append(existing, turn)
	s.turnByID[turn.ID] = turn
	return turn, nil
}

func (s *InMemoryStore) GetTurn(_ context.Context, turnID string) (Turn, error) {
	if s == nil {
		return Turn{}, storeErr(errors.New("store is nil"), "memory session store: get turn")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("memory session store: get turn"); err != nil {
		return Turn{}, err
	}
	turn, ok := s.turnByID[turnID]
	if !ok {
		return Turn{}, notFound("turn", turnID)
	}
	return turn, nil
}

func (s *InMemoryStore) ListTurns(_ context.Context, sessionID string) ([]Turn, error) {
	if s == nil {
		return nil, storeErr(errors.New("store is nil"), "memory session store: list turns")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("memory session store: list turns"); err != nil {
		return nil, err
	}
	return append([]Turn{}, s.turns[sessionID]...), nil
}

func (s *InMemoryStore) RecentTurns(ctx context.Context, sessionID string, n int) ([]Turn, error) {
	turns, err := s.ListTurns(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return turns, nil
}

func (s *InMemoryStore) InsertInsight(_ context.Context, in NewInsight) (Insight, error) {
	if s == nil {
		return Insight{}, storeErr(errors.New("store is nil"), "memory session store: insert insight")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("memory session store: insert insight"); err != nil {
		return Insight{}, err
	}
	turn, ok := s.turnByID[in.TriggerTurnID]
	if !ok {
		return Insight{}, notFound("turn", in.TriggerTurnID)
	}
	if turn.SessionID != in.SessionID {
		return Insight{}, storeErr(errors.Errorf("turn %q belongs to session %q", in.TriggerTurnID, turn.SessionID), "memory session store: insert insight")
	}
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	ins := Insight{
		ID:               uuid.NewString(),
		SessionID:        in.SessionID,
		TriggerTurnID:    in.TriggerTurnID,
		Title:            in.Title,
		NotificationBody: in.NotificationBody,
		ExpandedBody:     in.ExpandedBody,
		CreatedAt:        truncMs(createdAt),
	}
	s.insights[in.SessionID] = append(s.insights[in.SessionID], ins)
	return ins, nil
}

func (s *InMemoryStore) ListInsights(_ context.Context, sessionID string) ([]Insight, error) {
	if s == nil {
		return nil, storeErr(errors.New("store is nil"), "memory session store: list insights")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("memory session store: list insights"); err != nil {
		return nil, err
	}
	out := append([]Insight{}, s.insights[sessionID]...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) ListInsightsForTurns(ctx context.Context, sessionID string, turnIDs []string) ([]Insight, error) {
	all, err := s.ListInsights(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	want := make(map[string]struct{}, len(turnIDs))
	for _, id := range turnIDs {
		want[id] = struct{}{}
	}
	out := []Insight{}
	for _, ins := range all {
		if _, ok := want[ins.TriggerTurnID]; ok {
			out = append(out, ins)
		}
	}
	return out, nil
}

func copySession(s Session) Session {
	if s.EndedAt != nil {
		t := *s.EndedAt
		s.EndedAt = &t
	}
	if s.AudioDurationSeconds != nil {
		v := *s.AudioDurationSeconds
		s.AudioDurationSeconds = &v
	}
	if s.SessionDurationSeconds != nil {
		v := *s.SessionDurationSeconds
		s.SessionDurationSeconds = &v
	}
	return s
}
