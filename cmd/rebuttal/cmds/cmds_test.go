package cmds

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/go-go-golems/rebuttal/pkg/config"
	"github.com/go-go-golems/rebuttal/pkg/insights"
	"github.com/go-go-golems/rebuttal/pkg/ledger"
	"github.com/go-go-golems/rebuttal/pkg/persistence/sessionstore"
	"github.com/go-go-golems/rebuttal/pkg/recording"
	"github.com/go-go-golems/rebuttal/pkg/transcription"
	"github.com/stretchr/testify/require"
)

func seedDatabase(t *testing.T) (string, sessionstore.Session) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rebuttal.db")
	dsn, err := sessionstore.SQLiteDSNForFile(path)
	require.NoError(t, err)
	store, err := sessionstore.NewSQLiteStore(dsn)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)
	sess, err := store.CreateSession(ctx, sessionstore.NewSession{Title: "Design review", StartedAt: base})
	require.NoError(t, err)
	turn, err := store.AppendTurn(ctx, sessionstore.NewTurn{SessionID: sess.ID, Transcript: "Is Postgres faster here?", IsFormatted: true, CreatedAt: base.Add(time.Second)})
	require.NoError(t, err)
	_, err = store.InsertInsight(ctx, sessionstore.NewInsight{
		SessionID:        sess.ID,
		TriggerTurnID:    turn.ID,
		Title:            "Benchmarks",
		NotificationBody: "Depends on the workload",
		ExpandedBody:     "  Measure with your own data.  ",
		CreatedAt:        base.Add(2 * time.Second),
	})
	require.NoError(t, err)
	require.NoError(t, store.RecordTermination(ctx, sess.ID, sessionstore.Termination{AudioDurationSeconds: 30, SessionDurationSeconds: 125, EndedAt: base.Add(3 * time.Second)}))
	return path, sess
}

func openSeeded(t *testing.T) (sessionstore.Store, sessionstore.Session) {
	t.Helper()
	path, sess := seedDatabase(t)
	store, err := openStore(config.DatabaseSettings{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, sess
}

type rowCollector struct {
	rows []types.Row
}

func (c *rowCollector) AddRow(_ context.Context, row types.Row) error {
	c.rows = append(c.rows, row)
	return nil
}

func cell(t *testing.T, row types.Row, key types.FieldName) interface{} {
	t.Helper()
	v, ok := row.Get(key)
	require.True(t, ok, "missing column %s", key)
	return v
}

func TestSessionsListRows(t *testing.T) {
	store, sess := openSeeded(t)
	ctx := context.Background()

	c := &rowCollector{}
	require.NoError(t, listSessions(ctx, store, "", 20, c))
	require.Len(t, c.rows, 1)
	row := c.rows[0]
	require.Equal(t, sess.ID, cell(t, row, "id"))
	require.Equal(t, "Design review", cell(t, row, "title"))
	require.Equal(t, "30 sec", cell(t, row, "audio_duration"))
	require.Equal(t, "2 min", cell(t, row, "session_duration"))
	require.Equal(t, "ended", cell(t, row, "status"))

	c = &rowCollector{}
	require.NoError(t, listSessions(ctx, store, "someone-else", 20, c))
	require.Empty(t, c.rows)
}

func TestSessionsShowRows(t *testing.T) {
	store, sess := openSeeded(t)
	ctx := context.Background()

	c := &rowCollector{}
	require.NoError(t, showSession(ctx, store, sess.ID, c))
	require.Len(t, c.rows, 2)

	turn, ins := c.rows[0], c.rows[1]
	require.Equal(t, "turn", cell(t, turn, "kind"))
	require.Equal(t, 1, cell(t, turn, "turn_order"))
	require.Equal(t, "Is Postgres faster here?", cell(t, turn, "text"))

	require.Equal(t, "insight", cell(t, ins, "kind"))
	require.Equal(t, 1, cell(t, ins, "turn_order"))
	require.Equal(t, "Benchmarks: Depends on the workload", cell(t, ins, "text"))
	require.Equal(t, "Measure with your own data.", cell(t, ins, "detail"))

	err := showSession(ctx, store, "missing", &rowCollector{})
	require.Error(t, err)
	require.ErrorIs(t, err, sessionstore.ErrNotFound)
}

func TestInsightGenerateOff(t *testing.T) {
	store, sess := openSeeded(t)
	s := config.Defaults().Insights
	s.Mode = config.InsightsOff

	err := generateInsight(context.Background(), s, store, sess.ID, "", &rowCollector{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "insights are off")
}

func TestInsightRowCarriesReason(t *testing.T) {
	row := insightRow("s1", "t1", insights.Response{Reason: "Router response parse error"})
	require.Equal(t, "", cell(t, row, "insight_id"))
	require.Equal(t, "Router response parse error", cell(t, row, "reason"))

	row = insightRow("s1", "t1", insights.Response{Insight: &sessionstore.Insight{ID: "i1", Title: "Check"}})
	require.Equal(t, "i1", cell(t, row, "insight_id"))
	require.Equal(t, "Check", cell(t, row, "title"))
}

func TestGlazedCommandsMountUnderCobraParents(t *testing.T) {
	root := NewRootCommand()
	for _, path := range [][]string{
		{"sessions", "list"},
		{"sessions", "show"},
		{"insight", "generate"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err)
		require.Equal(t, path[1], cmd.Name())
		require.NotNil(t, cmd.Flag("output"), "glazed output flags on %v", path)
	}
}

// flushingLink delivers one last final turn when it is closed, as the provider does
// after Terminate.
type flushingLink struct {
	events    chan transcription.Event
	closeOnce sync.Once
}

func (l *flushingLink) Open(context.Context) error {
	l.events <- transcription.SessionBegan{ProviderID: "p1"}
	return nil
}

func (l *flushingLink) SendAudio([]byte) {}

func (l *flushingLink) Events() <-chan transcription.Event { return l.events }

func (l *flushingLink) Close() error {
	l.closeOnce.Do(func() {
		l.events <- transcription.TurnUpdated{Transcript: "closing remark", IsFinal: true, EndOfTurn: true}
		close(l.events)
	})
	return nil
}

// persistingPipeline writes an insight after a delay, like the local pipeline does.
type persistingPipeline struct {
	store sessionstore.Store

	mu     sync.Mutex
	calls  int
	errors []error
}

func (p *persistingPipeline) Generate(ctx context.Context, req insights.Request) (insights.Response, error) {
	time.Sleep(50 * time.Millisecond)
	ins, err := p.store.InsertInsight(ctx, sessionstore.NewInsight{
		SessionID:     req.SessionID,
		TriggerTurnID: req.TriggerTurnID,
		Title:         "Follow-up",
	})
	p.mu.Lock()
	p.calls++
	p.errors = append(p.errors, err)
	p.mu.Unlock()
	if err != nil {
		return insights.Response{}, err
	}
	return insights.Response{Insight: &ins}, nil
}

func TestAppShutdownDrainsInsightsOfFinalTurns(t *testing.T) {
	store := sessionstore.NewInMemoryStore()
	pipeline := &persistingPipeline{store: store}
	trigger := insights.NewTrigger(pipeline)
	orc := recording.New(
		store,
		ledger.New(store),
		func() recording.Link { return &flushingLink{events: make(chan transcription.Event, 8)} },
		trigger,
		recording.Config{},
	)
	a := &app{store: store, trigger: trigger, orchestrator: orc}

	ctx := context.Background()
	_, err := orc.StartSession(ctx, "")
	require.NoError(t, err)

	require.NoError(t, a.shutdown(ctx, 5*time.Second))
	require.Equal(t, recording.StateIdle, orc.State())

	pipeline.mu.Lock()
	defer pipeline.mu.Unlock()
	require.Equal(t, 1, pipeline.calls)
	require.NoError(t, pipeline.errors[0])
}
