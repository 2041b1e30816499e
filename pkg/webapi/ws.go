package webapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-go-golems/rebuttal/pkg/recording"
	"github.com/gorilla/websocket"
)

// maxAudioFrame bounds one inbound audio message; a second of 16 kHz mono s16le is 32000 bytes.
const maxAudioFrame = 1 << 20

type viewMessage struct {
	Type string         `json:"type"`
	View recording.View `json:"view"`
}

func encodeView(v recording.View) ([]byte, error) {
	return json.Marshal(viewMessage{Type: "view", View: v})
}

// broadcastView is the recorder listener; it must not block.
func (s *Server) broadcastView(v recording.View) {
	data, err := encodeView(v)
	if err != nil {
		s.logger.Error().Err(err).Msg("encode view")
		return
	}
	s.viewPool.Broadcast(data)
}

// handleViewStream sends the current view on connect and every change after it.
// Clients keep the snapshot with the highest version.
func (s *Server) handleViewStream(w http.ResponseWriter, req *http.Request) {
	if !s.requireRecorder(w) {
		return
	}
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	s.viewPool.Add(conn)
	s.logger.Debug().Str("remote", req.RemoteAddr).Int("clients", s.viewPool.Count()).Msg("view client connected")
	if data, err := encodeView(s.recorder.View()); err == nil {
		s.viewPool.SendToOne(conn, data)
	}

	// drain control frames until the client goes away
	conn.SetReadLimit(4096)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.viewPool.Remove(conn)
	s.logger.Debug().Str("remote", req.RemoteAddr).Msg("view client disconnected")
}

// handleAudioIngest forwards binary PCM frames to the recorder. Frames arriving
// while no session is recording are dropped by the recorder.
func (s *Server) handleAudioIngest(w http.ResponseWriter, req *http.Request) {
	if !s.requireRecorder(w) {
		return
	}
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()
	conn.SetReadLimit(maxAudioFrame)
	s.logger.Info().Str("remote", req.RemoteAddr).Msg("audio client connected")

	var frames, bytes int
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("audio client read failed")
			}
			break
		}
		if mt != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		frames++
		bytes += len(data)
		s.recorder.SendAudio(data)
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.logger.Info().Str("remote", req.RemoteAddr).Int("frames", frames).Int("bytes", bytes).Msg("audio client disconnected")
}
