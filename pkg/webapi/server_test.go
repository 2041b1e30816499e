package webapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/rebuttal/pkg/insights"
	"github.com/go-go-golems/rebuttal/pkg/persistence/sessionstore"
	"github.com/go-go-golems/rebuttal/pkg/recording"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeRecorder struct {
	mu        sync.Mutex
	view      recording.View
	startErr  error
	chunks    [][]byte
	listeners []func(recording.View)
}

func (f *fakeRecorder) StartSession(_ context.Context, title string) (sessionstore.Session, error) {
	if f.startErr != nil {
		return sessionstore.Session{}, f.startErr
	}
	sess := sessionstore.Session{ID: "s-live", Title: title, StartedAt: time.Now()}
	f.set(recording.View{State: recording.StateRecording, Session: &sess})
	return sess, nil
}

func (f *fakeRecorder) EndSession(context.Context) error {
	f.set(recording.View{State: recording.StateIdle})
	return nil
}

func (f *fakeRecorder) Reset(context.Context) error {
	f.set(recording.View{State: recording.StateIdle})
	return nil
}

func (f *fakeRecorder) SendAudio(chunk []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, chunk)
}

func (f *fakeRecorder) View() recording.View {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.view
}

func (f *fakeRecorder) Subscribe(fn func(recording.View)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
	return func() {}
}

func (f *fakeRecorder) set(v recording.View) {
	f.mu.Lock()
	v.Version = f.view.Version + 1
	f.view = v
	ls := append([]func(recording.View){}, f.listeners...)
	f.mu.Unlock()
	for _, fn := range ls {
		fn(v)
	}
}

func (f *fakeRecorder) chunkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chunks)
}

type stubPipeline struct {
	resp insights.Response
	err  error
}

func (p stubPipeline) Generate(context.Context, insights.Request) (insights.Response, error) {
	return p.resp, p.err
}

func seedStore(t *testing.T) (*sessionstore.InMemoryStore, sessionstore.Session) {
	t.Helper()
	store := sessionstore.NewInMemoryStore()
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)
	sess, err := store.CreateSession(ctx, sessionstore.NewSession{UserID: "u1", Title: "sync", StartedAt: base})
	require.NoError(t, err)
	turn, err := store.AppendTurn(ctx, sessionstore.NewTurn{SessionID: sess.ID, Transcript: "hello", IsFormatted: true, CreatedAt: base.Add(time.Second)})
	require.NoError(t, err)
	_, err = store.InsertInsight(ctx, sessionstore.NewInsight{SessionID: sess.ID, TriggerTurnID: turn.ID, Title: "T", NotificationBody: "N", CreatedAt: base.Add(2 * time.Second)})
	require.NoError(t, err)
	require.NoError(t, store.RecordTermination(ctx, sess.ID, sessionstore.Termination{AudioDurationSeconds: 75, SessionDurationSeconds: 3700, EndedAt: base.Add(time.Hour)}))
	return store, sess
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestServer_Sessions(t *testing.T) {
	store, sess := seedStore(t)
	srv := NewServer(store)
	defer srv.Close()
	h := srv.Handler()

	w := do(t, h, http.MethodGet, "/api/sessions?limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Sessions []sessionstore.Session `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Sessions, 1)

	w = do(t, h, http.MethodGet, "/api/sessions/"+sess.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var detail SessionDetail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	require.Len(t, detail.Turns, 1)
	require.Len(t, detail.Insights, 1)
	require.Len(t, detail.Timeline, 2)
	require.Equal(t, "turn", string(detail.Timeline[0].Kind))
	require.Equal(t, "1 min", detail.AudioDuration)
	require.Equal(t, "1 hr 1 min", detail.SessionDuration)

	w = do(t, h, http.MethodPost, "/api/sessions/"+sess.ID+"/title", `{"title":" Weekly sync "}`)
	require.Equal(t, http.StatusOK, w.Code)
	got, err := store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, "Weekly sync", got.Title)

	w = do(t, h, http.MethodGet, "/api/sessions/missing", "")
	require.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodGet, "/api/sessions?limit=abc", "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/api/recording/start", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServer_RecordingCommands(t *testing.T) {
	store := sessionstore.NewInMemoryStore()
	rec := &fakeRecorder{view: recording.View{State: recording.StateIdle}}
	srv := NewServer(store, WithRecorder(rec))
	defer srv.Close()
	h := srv.Handler()

	w := do(t, h, http.MethodPost, "/api/recording/start", `{"title":"standup"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	require.Contains(t, w.Body.String(), "standup")

	w = do(t, h, http.MethodGet, "/api/recording", "")
	require.Equal(t, http.StatusOK, w.Code)
	var v recording.View
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	require.Equal(t, recording.StateRecording, v.State)

	rec.startErr = &recording.Error{Kind: recording.KindState, Op: "start session", Err: recording.ErrInvalidState}
	w = do(t, h, http.MethodPost, "/api/recording/start", "")
	require.Equal(t, http.StatusConflict, w.Code)
	require.Contains(t, w.Body.String(), `"kind":"state"`)

	w = do(t, h, http.MethodPost, "/api/recording/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"state":"idle"`)

	w = do(t, h, http.MethodPost, "/api/recording/reset", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodGet, "/api/recording/stop", "")
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestServer_GenerateInsight(t *testing.T) {
	store := sessionstore.NewInMemoryStore()
	body := `{"session_id":"s1","trigger_turn_id":"t1"}`

	ins := &sessionstore.Insight{ID: "i1", SessionID: "s1", TriggerTurnID: "t1", Title: "Fact"}
	srv := NewServer(store, WithPipeline(stubPipeline{resp: insights.Response{Insight: ins}}, "secret"))
	h := srv.Handler()

	w := do(t, h, http.MethodPost, "/api/insights/generate", body)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	r := httptest.NewRequest(http.MethodPost, "/api/insights/generate", strings.NewReader(body))
	r.Header.Set("Authorization", "Bearer secret")
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, r)
	require.Equal(t, http.StatusOK, rw.Code)
	var resp insights.Response
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &resp))
	require.NotNil(t, resp.Insight)
	require.Equal(t, "Fact", resp.Insight.Title)

	malformed := &insights.MalformedError{Reason: "Router response parse error", Err: errors.New("bad json")}
	h = NewServer(store, WithPipeline(stubPipeline{err: malformed}, "")).Handler()
	w = do(t, h, http.MethodPost, "/api/insights/generate", body)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Nil(t, resp.Insight)
	require.Equal(t, "Router response parse error", resp.Reason)

	h = NewServer(store, WithPipeline(stubPipeline{err: errors.Wrap(insights.ErrPipeline, "upstream down")}, "")).Handler()
	w = do(t, h, http.MethodPost, "/api/insights/generate", body)
	require.Equal(t, http.StatusBadGateway, w.Code)

	w = do(t, h, http.MethodPost, "/api/insights/generate", `{"session_id":""}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_MetricsAndHealth(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("rebuttal_up 1\n"))
	})
	h := NewServer(sessionstore.NewInMemoryStore(), WithMetrics(metrics)).Handler()

	w := do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, "ok", w.Body.String())
	w = do(t, h, http.MethodGet, "/metrics", "")
	require.Contains(t, w.Body.String(), "rebuttal_up")
}

func wsURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

func TestServer_ViewStream(t *testing.T) {
	rec := &fakeRecorder{view: recording.View{Version: 1, State: recording.StateIdle}}
	srv := NewServer(sessionstore.NewInMemoryStore(), WithRecorder(rec))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL, "/ws/view"), nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var msg viewMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "view", msg.Type)
	require.Equal(t, recording.StateIdle, msg.View.State)

	require.Eventually(t, func() bool { return srv.viewPool.Count() == 1 }, time.Second, 10*time.Millisecond)
	_, err = rec.StartSession(context.Background(), "live")
	require.NoError(t, err)

	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, recording.StateRecording, msg.View.State)
	require.Equal(t, "live", msg.View.Session.Title)
}

func TestServer_AudioIngest(t *testing.T) {
	rec := &fakeRecorder{}
	srv := NewServer(sessionstore.NewInMemoryStore(), WithRecorder(rec))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL, "/ws/audio"), nil)
	require.NoError(t, err)

	frame := bytes.Repeat([]byte{1, 0}, 1600)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"noise"}`)))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))
	require.Eventually(t, func() bool { return rec.chunkCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = conn.Close()
}
