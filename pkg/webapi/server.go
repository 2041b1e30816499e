// Package webapi exposes sessions, the live recording view and the insight pipeline
// over HTTP and websockets.
package webapi

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/go-go-golems/rebuttal/pkg/insights"
	"github.com/go-go-golems/rebuttal/pkg/persistence/sessionstore"
	"github.com/go-go-golems/rebuttal/pkg/recording"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Recorder is the orchestrator surface the server drives.
type Recorder interface {
	StartSession(ctx context.Context, title string) (sessionstore.Session, error)
	EndSession(ctx context.Context) error
	Reset(ctx context.Context) error
	SendAudio(chunk []byte)
	View() recording.View
	Subscribe(fn func(recording.View)) (unsubscribe func())
}

// SessionReader is the read side of the store plus title annotation.
type SessionReader interface {
	GetSession(ctx context.Context, sessionID string) (sessionstore.Session, error)
	ListSessions(ctx context.Context, q sessionstore.SessionQuery) ([]sessionstore.Session, error)
	SetSessionTitle(ctx context.Context, sessionID, title string) error
	ListTurns(ctx context.Context, sessionID string) ([]sessionstore.Turn, error)
	ListInsights(ctx context.Context, sessionID string) ([]sessionstore.Insight, error)
}

type Server struct {
	store          SessionReader
	recorder       Recorder
	pipeline       insights.Pipeline
	pipelineAPIKey string
	metrics        http.Handler
	userID         string

	upgrader websocket.Upgrader
	viewPool *ConnectionPool
	logger   zerolog.Logger

	mux         *http.ServeMux
	unsubscribe func()
	closeOnce   sync.Once
}

type Option func(*Server)

// WithRecorder enables the recording routes and the live view stream.
func WithRecorder(r Recorder) Option {
	return func(s *Server) { s.recorder = r }
}

// WithPipeline serves POST /api/insights/generate. A non-empty apiKey is required
// as a bearer token on every request.
func WithPipeline(p insights.Pipeline, apiKey string) Option {
	return func(s *Server) {
		s.pipeline = p
		s.pipelineAPIKey = apiKey
	}
}

func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithUserID limits session listings to one user.
func WithUserID(id string) Option {
	return func(s *Server) { s.userID = id }
}

func NewServer(store SessionReader, opts ...Option) *Server {
	s := &Server{
		store: store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		viewPool: NewConnectionPool("view"),
		logger:   log.With().Str("component", "webapi").Logger(),
		mux:      http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	if s.recorder != nil {
		s.unsubscribe = s.recorder.Subscribe(s.broadcastView)
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("POST /api/sessions/{id}/title", s.handleSetTitle)

	s.mux.HandleFunc("GET /api/recording", s.handleView)
	s.mux.HandleFunc("POST /api/recording/start", s.handleStart)
	s.mux.HandleFunc("POST /api/recording/stop", s.handleStop)
	s.mux.HandleFunc("POST /api/recording/reset", s.handleReset)
	s.mux.HandleFunc("GET /ws/view", s.handleViewStream)
	s.mux.HandleFunc("GET /ws/audio", s.handleAudioIngest)

	s.mux.HandleFunc("POST /api/insights/generate", s.handleGenerate)

	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// Close detaches from the recorder and drops every websocket client.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		s.viewPool.CloseAll()
	})
}

func bearerToken(req *http.Request) string {
	h := strings.TrimSpace(req.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
