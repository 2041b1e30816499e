package webapi

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// wsConn is the part of *websocket.Conn the pool writes to.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// ConnectionPool fans view updates out to websocket clients. Each connection gets
// its own bounded send queue and writer goroutine so a slow client never blocks
// the broadcaster; a client whose queue is full is dropped.
type ConnectionPool struct {
	name         string
	sendBuffer   int
	writeTimeout time.Duration

	mu    sync.Mutex
	conns map[wsConn]*connWriter
}

type connWriter struct {
	conn wsConn
	send chan []byte
	done chan struct{}
}

func NewConnectionPool(name string) *ConnectionPool {
	return &ConnectionPool{
		name:         name,
		sendBuffer:   32,
		writeTimeout: 10 * time.Second,
		conns:        map[wsConn]*connWriter{},
	}
}

func (cp *ConnectionPool) Add(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	w := &connWriter{
		conn: conn,
		send: make(chan []byte, cp.sendBuffer),
		done: make(chan struct{}),
	}
	cp.mu.Lock()
	cp.conns[conn] = w
	cp.mu.Unlock()
	go cp.writeLoop(w)
}

func (cp *ConnectionPool) Remove(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	w, ok := cp.conns[conn]
	delete(cp.conns, conn)
	cp.mu.Unlock()
	if ok {
		close(w.done)
	}
	_ = conn.Close()
}

// Broadcast queues data for every connection.
func (cp *ConnectionPool) Broadcast(data []byte) {
	if cp == nil || len(data) == 0 {
		return
	}
	var slow []wsConn
	cp.mu.Lock()
	for conn, w := range cp.conns {
		select {
		case w.send <- data:
		default:
			slow = append(slow, conn)
		}
	}
	cp.mu.Unlock()
	for _, conn := range slow {
		log.Warn().Str("component", "webapi").Str("pool", cp.name).Msg("ws send queue full, dropping connection")
		cp.Remove(conn)
	}
}

// SendToOne queues data for a single connection.
func (cp *ConnectionPool) SendToOne(conn wsConn, data []byte) {
	if cp == nil || conn == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	w, ok := cp.conns[conn]
	full := false
	if ok {
		select {
		case w.send <- data:
		default:
			full = true
		}
	}
	cp.mu.Unlock()
	if full {
		cp.Remove(conn)
	}
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	conns := make([]wsConn, 0, len(cp.conns))
	for conn := range cp.conns {
		conns = append(conns, conn)
	}
	cp.mu.Unlock()
	for _, conn := range conns {
		cp.Remove(conn)
	}
}

func (cp *ConnectionPool) writeLoop(w *connWriter) {
	for {
		select {
		case <-w.done:
			return
		case data := <-w.send:
			if cp.writeTimeout > 0 {
				_ = w.conn.SetWriteDeadline(time.Now().Add(cp.writeTimeout))
			}
			if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("component", "webapi").Str("pool", cp.name).Msg("ws write failed, dropping connection")
				cp.Remove(w.conn)
				return
			}
		}
	}
}
