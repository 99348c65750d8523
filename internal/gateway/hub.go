package gateway

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

const (
	replayLimit    = 256
	outboundBufCap = 64
)

// client is one WebSocket connection bound to a session.
type client struct {
	sessionID string
	userID    string
	conn      *websocket.Conn
	outbound  chan Frame
	closeOnce sync.Once
}

func newClient(sessionID, userID string, conn *websocket.Conn) *client {
	return &client{
		sessionID: sessionID,
		userID:    userID,
		conn:      conn,
		outbound:  make(chan Frame, outboundBufCap),
	}
}

// send enqueues a frame; a saturated connection drops it rather than block
// the event path.
func (c *client) send(frame Frame) {
	select {
	case c.outbound <- frame:
	default:
		log.Printf("WARN: dropping frame for slow client (session %s)", c.sessionID)
	}
}

// writePump is the single writer on the connection.
func (c *client) writePump() {
	for frame := range c.outbound {
		if err := c.conn.WriteJSON(frame); err != nil {
			return
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.outbound)
		c.conn.Close()
	})
}

// hub tracks connections and the replay log per session. Sessions outlive
// connections; replay logs are dropped only when the session goes away.
type hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]bool // sessionID -> connections
	replays map[string]*replayLog
}

func newHub() *hub {
	return &hub{
		clients: make(map[string]map[*client]bool),
		replays: make(map[string]*replayLog),
	}
}

// register attaches a connection and returns the session's replay tail
// plus the number of older frames already evicted from it.
func (h *hub) register(c *client) ([]Frame, int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[c.sessionID] == nil {
		h.clients[c.sessionID] = make(map[*client]bool)
	}
	h.clients[c.sessionID][c] = true
	return h.replayLocked(c.sessionID).Tail()
}

// replayLocked returns the session's replay log, creating it on first use.
// Callers must hold h.mu.
func (h *hub) replayLocked(sessionID string) *replayLog {
	replay, ok := h.replays[sessionID]
	if !ok {
		replay = newReplayLog(replayLimit)
		h.replays[sessionID] = replay
	}
	return replay
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	if conns, ok := h.clients[c.sessionID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.clients, c.sessionID)
		}
	}
	h.mu.Unlock()
	c.close()
}

// broadcast appends the frame to the replay log and delivers it to every
// connection on the session.
func (h *hub) broadcast(sessionID string, frame Frame) {
	h.mu.Lock()
	replay := h.replayLocked(sessionID)
	conns := make([]*client, 0, len(h.clients[sessionID]))
	for c := range h.clients[sessionID] {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	replay.Append(frame)
	for _, c := range conns {
		c.send(frame)
	}
}

// dropSession forgets a session's replay log and closes its connections.
func (h *hub) dropSession(sessionID string) {
	h.mu.Lock()
	conns := h.clients[sessionID]
	delete(h.clients, sessionID)
	delete(h.replays, sessionID)
	h.mu.Unlock()

	for c := range conns {
		c.close()
	}
}

// connectionCount returns the number of open connections.
func (h *hub) connectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, conns := range h.clients {
		n += len(conns)
	}
	return n
}
