package webapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-go-golems/rebuttal/pkg/insights"
	"github.com/go-go-golems/rebuttal/pkg/persistence/sessionstore"
	"github.com/go-go-golems/rebuttal/pkg/recording"
	"github.com/go-go-golems/rebuttal/pkg/timeline"
	"github.com/pkg/errors"
)

// SessionDetail is the GET /api/sessions/{id} body.
type SessionDetail struct {
	Session         sessionstore.Session   `json:"session"`
	Turns           []sessionstore.Turn    `json:"turns"`
	Insights        []sessionstore.Insight `json:"insights"`
	Timeline        []timeline.Entry       `json:"timeline"`
	AudioDuration   string                 `json:"audio_duration"`
	SessionDuration string                 `json:"session_duration"`
}

type errorResponse struct {
	Error string              `json:"error"`
	Kind  recording.ErrorKind `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	if errors.Is(err, sessionstore.ErrNotFound) {
		return http.StatusNotFound
	}
	switch recording.KindOf(err) {
	case recording.KindState:
		return http.StatusConflict
	case recording.KindConnect, recording.KindProvider, recording.KindPipeline:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	ev := s.logger.Warn()
	if status >= 500 {
		ev = s.logger.Error()
	}
	ev.Err(err).Str("op", op).Int("status", status).Msg("request failed")
	msg := err.Error()
	var re *recording.Error
	if errors.As(err, &re) {
		msg = re.Message()
	}
	writeJSON(w, status, errorResponse{Error: msg, Kind: recording.KindOf(err)})
}

func (s *Server) handleListSessions(w http.ResponseWriter, req *http.Request) {
	q := sessionstore.SessionQuery{UserID: s.userID}
	if u := strings.TrimSpace(req.URL.Query().Get("user")); u != "" {
		q.UserID = u
	}
	if l := strings.TrimSpace(req.URL.Query().Get("limit")); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		q.Limit = n
	}
	sessions, err := s.store.ListSessions(req.Context(), q)
	if err != nil {
		s.writeError(w, "list sessions", err)
		return
	}
	if sessions == nil {
		sessions = []sessionstore.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	ctx := req.Context()
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		s.writeError(w, "get session", err)
		return
	}
	turns, err := s.store.ListTurns(ctx, id)
	if err != nil {
		s.writeError(w, "list turns", err)
		return
	}
	ins, err := s.store.ListInsights(ctx, id)
	if err != nil {
		s.writeError(w, "list insights", err)
		return
	}
	if turns == nil {
		turns = []sessionstore.Turn{}
	}
	if ins == nil {
		ins = []sessionstore.Insight{}
	}
	writeJSON(w, http.StatusOK, SessionDetail{
		Session:         sess,
		Turns:           turns,
		Insights:        ins,
		Timeline:        timeline.Build(turns, ins),
		AudioDuration:   timeline.FormatDuration(sess.AudioDurationSeconds),
		SessionDuration: timeline.FormatDuration(sess.SessionDurationSeconds),
	})
}

type titleRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleSetTitle(w http.ResponseWriter, req *http.Request) {
	var body titleRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json body"})
		return
	}
	id := req.PathValue("id")
	if err := s.store.SetSessionTitle(req.Context(), id, strings.TrimSpace(body.Title)); err != nil {
		s.writeError(w, "set title", err)
		return
	}
	sess, err := s.store.GetSession(req.Context(), id)
	if err != nil {
		s.writeError(w, "get session", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) requireRecorder(w http.ResponseWriter) bool {
	if s.recorder == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "recording is not enabled"})
		return false
	}
	return true
}

func (s *Server) handleView(w http.ResponseWriter, _ *http.Request) {
	if !s.requireRecorder(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.recorder.View())
}

func (s *Server) handleStart(w http.ResponseWriter, req *http.Request) {
	if !s.requireRecorder(w) {
		return
	}
	var body titleRequest
	if req.ContentLength != 0 {
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json body"})
			return
		}
	}
	sess, err := s.recorder.StartSession(req.Context(), body.Title)
	if err != nil {
		s.writeError(w, "start recording", err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleStop(w http.ResponseWriter, req *http.Request) {
	if !s.requireRecorder(w) {
		return
	}
	if err := s.recorder.EndSession(req.Context()); err != nil {
		s.writeError(w, "stop recording", err)
		return
	}
	writeJSON(w, http.StatusOK, s.recorder.View())
}

func (s *Server) handleReset(w http.ResponseWriter, req *http.Request) {
	if !s.requireRecorder(w) {
		return
	}
	if err := s.recorder.Reset(req.Context()); err != nil {
		s.writeError(w, "reset recording", err)
		return
	}
	writeJSON(w, http.StatusOK, s.recorder.View())
}

func (s *Server) handleGenerate(w http.ResponseWriter, req *http.Request) {
	if s.pipeline == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "insight pipeline is not enabled"})
		return
	}
	if s.pipelineAPIKey != "" && bearerToken(req) != s.pipelineAPIKey {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		return
	}
	var body insights.Request
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json body"})
		return
	}
	if strings.TrimSpace(body.SessionID) == "" || strings.TrimSpace(body.TriggerTurnID) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "session_id and trigger_turn_id are required"})
		return
	}
	resp, err := s.pipeline.Generate(req.Context(), body)
	if err != nil {
		if reason, ok := insights.MalformedReason(err); ok {
			s.logger.Warn().Err(err).Str("session_id", body.SessionID).Msg("unusable model output")
			writeJSON(w, http.StatusOK, insights.Response{Reason: reason})
			return
		}
		s.writeError(w, "generate insight", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
