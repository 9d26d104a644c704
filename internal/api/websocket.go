package api

import (
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anstrom/ollamascan/internal/logging"
	"github.com/anstrom/ollamascan/internal/runstate"
)

const (
	writeWait      = 10 * time.Second // Time allowed to write a message to the peer
	pongWait       = 60 * time.Second // Time to read next pong message from peer
	maxMessageSize = 512              // Maximum message size allowed from peer
)

// ProgressMessage is one websocket frame.
type ProgressMessage struct {
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Data      runstate.Snapshot `json:"data"`
}

// Message types.
const (
	MessageProgress = "progress"
	MessageFinished = "finished"
)

// progressStream pushes run snapshots to websocket clients every interval
// until the run terminates.
type progressStream struct {
	state    *runstate.State
	interval time.Duration
	logger   *logging.Logger
	upgrader websocket.Upgrader

	mutex    sync.Mutex
	clients  map[*websocket.Conn]struct{}
	shutdown chan struct{}
	closed   bool
}

func newProgressStream(state *runstate.State, interval time.Duration, logger *logging.Logger, origins []string) *progressStream {
	ps := &progressStream{
		state:    state,
		interval: interval,
		logger:   logger.WithFields("handler", "websocket"),
		clients:  make(map[*websocket.Conn]struct{}),
		shutdown: make(chan struct{}),
	}
	ps.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(origins),
	}
	return ps
}

// originChecker allows same-origin requests, requests without an Origin
// header, and any origin in the allow list ("*" allows all).
func originChecker(origins []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || slices.Contains(origins, "*") {
			return true
		}
		if slices.Contains(origins, origin) {
			return true
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	}
}

func (ps *progressStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := ps.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ps.logger.Error("Failed to upgrade WebSocket connection", "error", err)
		return
	}
	if !ps.register(conn) {
		_ = conn.Close()
		return
	}
	ps.logger.Debug("Client registered", "remote_addr", r.RemoteAddr, "total_clients", ps.clientCount())

	gone := make(chan struct{})
	go ps.readPump(conn, gone)
	ps.writePump(conn, gone)
}

func (ps *progressStream) register(conn *websocket.Conn) bool {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	if ps.closed {
		return false
	}
	ps.clients[conn] = struct{}{}
	return true
}

func (ps *progressStream) unregister(conn *websocket.Conn) {
	ps.mutex.Lock()
	delete(ps.clients, conn)
	ps.mutex.Unlock()
	if err := conn.Close(); err != nil {
		ps.logger.Debug("Error closing WebSocket connection", "error", err)
	}
}

// readPump discards client messages and signals when the peer goes away.
func (ps *progressStream) readPump(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ps.logger.Debug("WebSocket unexpected close", "error", err)
			}
			return
		}
	}
}

// writePump sends a snapshot immediately, then every interval, and a final
// frame once the run terminates.
func (ps *progressStream) writePump(conn *websocket.Conn, gone <-chan struct{}) {
	defer ps.unregister(conn)

	ticker := time.NewTicker(ps.interval)
	defer ticker.Stop()

	if err := ps.send(conn, MessageProgress); err != nil {
		return
	}
	for {
		select {
		case <-ticker.C:
			if err := ps.send(conn, MessageProgress); err != nil {
				return
			}
		case <-ps.state.Done():
			if err := ps.send(conn, MessageFinished); err != nil {
				return
			}
			ps.closeNormally(conn)
			return
		case <-ps.shutdown:
			ps.closeNormally(conn)
			return
		case <-gone:
			return
		}
	}
}

func (ps *progressStream) send(conn *websocket.Conn, kind string) error {
	msg := ProgressMessage{
		Type:      kind,
		Timestamp: time.Now().UTC(),
		Data:      ps.state.Snapshot(),
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := conn.WriteJSON(msg); err != nil {
		ps.logger.Debug("Write failed, closing connection", "error", err)
		return err
	}
	return nil
}

func (ps *progressStream) closeNormally(conn *websocket.Conn) {
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
}

func (ps *progressStream) clientCount() int {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	return len(ps.clients)
}

// Close ends every stream and refuses new ones.
func (ps *progressStream) Close() {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	if ps.closed {
		return
	}
	ps.closed = true
	close(ps.shutdown)
}
