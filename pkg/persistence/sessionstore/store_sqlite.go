package sessionstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteStore persists sessions, turns and insights in a single SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = &SQLiteStore{}

// SQLiteDSNForFile builds a DSN for a database file with WAL and a busy timeout enabled.
func SQLiteDSNForFile(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("sqlite session store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite session store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite session store: db is nil")
	}

	createTableStmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT,
			title TEXT,
			started_at INTEGER NOT NULL,
			ended_at INTEGER,
			audio_duration_seconds REAL,
			session_duration_seconds REAL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			transcript TEXT NOT NULL,
			turn_order INTEGER NOT NULL,
			is_formatted INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			UNIQUE (session_id, turn_order)
		);`,
		`CREATE TABLE IF NOT EXISTS insights (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			trigger_turn_id TEXT NOT NULL REFERENCES turns(id) ON DELETE CASCADE,
			title TEXT NOT NULL,
			notification_body TEXT NOT NULL,
			expanded_body TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
	}
	for _, st := range createTableStmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite session store: migrate")
		}
	}

	createIndexStmts := []string{
		`CREATE INDEX IF NOT EXISTS sessions_by_started ON sessions(started_at DESC);`,
		`CREATE INDEX IF NOT EXISTS sessions_by_user_started ON sessions(user_id, started_at DESC);`,
		`CREATE INDEX IF NOT EXISTS insights_by_session_created ON insights(session_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS insights_by_trigger ON insights(trigger_turn_id);`,
	}
	for _, st := range createIndexStmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite session store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, in NewSession) (Session, error) {
	if s == nil || s.db == nil {
		return Session{}, storeErr(errors.New("db is nil"), "sqlite session store: create session")
	}
	now := s.now()
	startedAt := in.StartedAt
	if startedAt.IsZero() {
		startedAt = now
	}
	sess := Session{
		ID:        uuid.NewString(),
		UserID:    in.UserID,
		Title:     in.Title,
		StartedAt: truncMs(startedAt),
		CreatedAt: truncMs(now),
		UpdatedAt: truncMs(now),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions(id, user_id, title, started_at, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?)
	`, sess.ID, nullString(sess.UserID), nullString(sess.Title), sess.StartedAt.UnixMilli(), sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli())
	if err != nil {
		return Session{}, storeErr(err, "sqlite session store: insert session")
	}
	return sess, nil
}

func (s *SQLiteStore) EndSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	if s == nil || s.db == nil {
		return storeErr(errors.New("db is nil"), "sqlite session store: end session")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET ended_at = ?, updated_at = ? WHERE id = ?
	`, endedAt.UnixMilli(), s.now().UnixMilli(), sessionID)
	if err != nil {
		return storeErr(err, "sqlite session store: end session")
	}
	return requireAffected(res, "session", sessionID)
}

func (s *SQLiteStore) RecordTermination(ctx context.Context, sessionID string, t Termination) error {
	if s == nil || s.db == nil {
		return storeErr(errors.New("db is nil"), "sqlite session store: record termination")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET audio_duration_seconds = ?, session_duration_seconds = ?, ended_at = ?, updated_at = ?
		WHERE id = ?
	`, t.AudioDurationSeconds, t.SessionDurationSeconds, t.EndedAt.UnixMilli(), s.now().UnixMilli(), sessionID)
	if err != nil {
		return storeErr(err, "sqlite session store: record termination")
	}
	return requireAffected(res, "session", sessionID)
}

func (s *SQLiteStore) SetSessionTitle(ctx context.Context, sessionID, title string) error {
	if s == nil || s.db == nil {
		return storeErr(errors.New("db is nil"), "sqlite session store: set title")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?
	`, nullString(title), s.now().UnixMilli(), sessionID)
	if err != nil {
		return storeErr(err, "sqlite session store: set title")
	}
	return requireAffected(res, "session", sessionID)
}

const sessionColumns = `id, user_id, title, started_at, ended_at, audio_duration_seconds, session_duration_seconds, created_at, updated_at`

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	if s == nil || s.db == nil {
		return Session{}, storeErr(errors.New("db is nil"), "sqlite session store: get session")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, notFound("session", sessionID)
	}
	if err != nil {
		return Session{}, storeErr(err, "sqlite session store: get session")
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, q SessionQuery) ([]Session, error) {
	if s == nil || s.db == nil {
		return nil, storeErr(errors.New("db is nil"), "sqlite session store: list sessions")
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	args := []any{}
	if q.UserID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, q.UserID)
	}
	query += ` ORDER BY started_at DESC, created_at DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err, "sqlite session store: list sessions")
	}
	defer func() { _ = rows.Close() }()

	out := []Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, storeErr(err, "sqlite session store: scan session")
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "sqlite session store: list sessions")
	}
	return out, nil
}

func (s *SQLiteStore) AppendTurn(ctx context.Context, in NewTurn) (Turn, error) {
	if s == nil || s.db == nil {
		return Turn{}, storeErr(errors.New("db is nil"), "sqlite session store: append turn")
	}
	if strings.TrimSpace(in.SessionID) == "" {
		return Turn{}, storeErr(errors.New("empty session id"), "sqlite session store: append turn")
	}
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Turn{}, storeErr(err, "sqlite session store: begin tx")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE id = ?`, in.SessionID).Scan(&exists); err != nil {
		return Turn{}, storeErr(err, "sqlite session store: check session")
	}
	if exists == 0 {
		return Turn{}, notFound("session", in.SessionID)
	}

	var maxOrder int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(turn_order), 0) FROM turns WHERE session_id = ?`, in.SessionID).Scan(&maxOrder); err != nil {
		return Turn{}, storeErr(err, "sqlite session store: next turn order")
	}

	turn := Turn{
		ID:          uuid.NewString(),
		SessionID:   in.SessionID,
		Transcript:  in.Transcript,
		TurnOrder:   maxOrder + 1,
		IsFormatted: in.IsFormatted,
		CreatedAt:   truncMs(createdAt),
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO turns(id, session_id, transcript, turn_order, is_formatted, created_at)
		VALUES(?, ?, ?, ?, ?, ?)
	`, turn.ID, turn.SessionID, turn.Transcript, turn.TurnOrder, boolToInt(turn.IsFormatted), turn.CreatedAt.UnixMilli()); err != nil {
		return Turn{}, storeErr(err, "sqlite session store: insert turn")
	}
	if err := tx.Commit(); err != nil {
		return Turn{}, storeErr(err, "sqlite session store: commit turn")
	}
	committed = true
	return turn, nil
}

const turnColumns = `id, session_id, transcript, turn_order, is_formatted, created_at`

func (s *SQLiteStore) GetTurn(ctx context.Context, turnID string) (Turn, error) {
	if s == nil || s.db == nil {
		return Turn{}, storeErr(errors.New("db is nil"), "sqlite session store: get turn")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+turnColumns+` FROM turns WHERE id = ?`, turnID)
	turn, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Turn{}, notFound("turn", turnID)
	}
	if err != nil {
		return Turn{}, storeErr(err, "sqlite session store: get turn")
	}
	return turn, nil
}

func (s *SQLiteStore) ListTurns(ctx context.Context, sessionID string) ([]Turn, error) {
	if s == nil || s.db == nil {
		return nil, storeErr(errors.New("db is nil"), "sqlite session store: list turns")
	}
	return s.queryTurns(ctx, `SELECT `+turnColumns+` FROM turns WHERE session_id = ? ORDER BY turn_order ASC`, sessionID)
}

func (s *SQLiteStore) RecentTurns(ctx context.Context, sessionID string, n int) ([]Turn, error) {
	if s == nil || s.db == nil {
		return nil, storeErr(errors.New("db is nil"), "sqlite session store: recent turns")
	}
	if n <= 0 {
		return s.ListTurns(ctx, sessionID)
	}
	turns, err := s.queryTurns(ctx, `SELECT `+turnColumns+` FROM turns WHERE session_id = ? ORDER BY turn_order DESC LIMIT ?`, sessionID, n)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (s *SQLiteStore) queryTurns(ctx context.Context, query string, args ...any) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err, "sqlite session store: query turns")
	}
	defer func() { _ = rows.Close() }()

	out := []Turn{}
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, storeErr(err, "sqlite session store: scan turn")
		}
		out = append(out, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "sqlite session store: query turns")
	}
	return out, nil
}

func (s *SQLiteStore) InsertInsight(ctx context.Context, in NewInsight) (Insight, error) {
	if s == nil || s.db == nil {
		return Insight{}, storeErr(errors.New("db is nil"), "sqlite session store: insert insight")
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

	// the trigger turn must belong to the same session
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT session_id FROM turns WHERE id = ?`, in.TriggerTurnID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return Insight{}, notFound("turn", in.TriggerTurnID)
	}
	if err != nil {
		return Insight{}, storeErr(err, "sqlite session store: check trigger turn")
	}
	if owner != in.SessionID {
		return Insight{}, storeErr(errors.Errorf("turn %q belongs to session %q", in.TriggerTurnID, owner), "sqlite session store: insert insight")
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO insights(id, session_id, trigger_turn_id, title, notification_body, expanded_body, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
	`, ins.ID, ins.SessionID, ins.TriggerTurnID, ins.Title, ins.NotificationBody, ins.ExpandedBody, ins.CreatedAt.UnixMilli()); err != nil {
		return Insight{}, storeErr(err, "sqlite session store: insert insight")
	}
	return ins, nil
}

const insightColumns = `id, session_id, trigger_turn_id, title, notification_body, expanded_body, created_at`

func (s *SQLiteStore) ListInsights(ctx context.Context, sessionID string) ([]Insight, error) {
	if s == nil || s.db == nil {
		return nil, storeErr(errors.New("db is nil"), "sqlite session store: list insights")
	}
	return s.queryInsights(ctx, `SELECT `+insightColumns+` FROM insights WHERE session_id = ? ORDER BY created_at ASC, rowid ASC`, sessionID)
}

func (s *SQLiteStore) ListInsightsForTurns(ctx context.Context, sessionID string, turnIDs []string) ([]Insight, error) {
	if s == nil || s.db == nil {
		return nil, storeErr(errors.New("db is nil"), "sqlite session store: list insights for turns")
	}
	if len(turnIDs) == 0 {
		return []Insight{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(turnIDs)), ",")
	args := make([]any, 0, len(turnIDs)+1)
	args = append(args, sessionID)
	for _, id := range turnIDs {
		args = append(args, id)
	}
	return s.queryInsights(ctx, `SELECT `+insightColumns+` FROM insights WHERE session_id = ? AND trigger_turn_id IN (`+placeholders+`) ORDER BY created_at ASC, rowid ASC`, args...)
}

func (s *SQLiteStore) queryInsights(ctx context.Context, query string, args ...any) ([]Insight, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err, "sqlite session store: query insights")
	}
	defer func() { _ = rows.Close() }()

	out := []Insight{}
	for rows.Next() {
		var (
			ins       Insight
			createdAt int64
		)
		if err := rows.Scan(&ins.ID, &ins.SessionID, &ins.TriggerTurnID, &ins.Title, &ins.NotificationBody, &ins.ExpandedBody, &createdAt); err != nil {
			return nil, storeErr(err, "sqlite session store: scan insight")
		}
		ins.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, ins)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "sqlite session store: query insights")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (Session, error) {
	var (
		sess                Session
		userID, title       sql.NullString
		startedAt           int64
		endedAt             sql.NullInt64
		audioDur, totalDur  sql.NullFloat64
		createdAt, updateAt int64
	)
	if err := r.Scan(&sess.ID, &userID, &title, &startedAt, &endedAt, &audioDur, &totalDur, &createdAt, &updateAt); err != nil {
		return Session{}, err
	}
	sess.UserID = userID.String
	sess.Title = title.String
	sess.StartedAt = time.UnixMilli(startedAt)
	if endedAt.Valid {
		t := time.UnixMilli(endedAt.Int64)
		sess.EndedAt = &t
	}
	if audioDur.Valid {
		v := audioDur.Float64
		sess.AudioDurationSeconds = &v
	}
	if totalDur.Valid {
		v := totalDur.Float64
		sess.SessionDurationSeconds = &v
	}
	sess.CreatedAt = time.UnixMilli(createdAt)
	sess.UpdatedAt = time.UnixMilli(updateAt)
	return sess, nil
}

func scanTurn(r rowScanner) (Turn, error) {
	var (
		turn        Turn
		isFormatted int
		createdAt   int64
	)
	if err := r.Scan(&turn.ID, &turn.SessionID, &turn.Transcript, &turn.TurnOrder, &isFormatted, &createdAt); err != nil {
		return Turn{}, err
	}
	turn.IsFormatted = isFormatted != 0
	turn.CreatedAt = time.UnixMilli(createdAt)
	return turn, nil
}

func requireAffected(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(err, "sqlite session store: rows affected")
	}
	if n == 0 {
		return notFound(what, id)
	}
	return nil
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func truncMs(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli())
}
