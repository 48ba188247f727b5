package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/MimeLyc/vidgen-client/pkg/log"
)

const pushWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// hub tracks push connections per user.
type hub struct {
	mu    sync.Mutex
	conns map[string]map[*pushConn]struct{}
}

// pushConn serializes writes; gorilla allows one concurrent writer.
type pushConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *pushConn) writeText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(pushWriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func newHub() *hub {
	return &hub{conns: make(map[string]map[*pushConn]struct{})}
}

func (h *hub) add(userID string, c *pushConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[userID] == nil {
		h.conns[userID] = make(map[*pushConn]struct{})
	}
	h.conns[userID][c] = struct{}{}
}

func (h *hub) remove(userID string, c *pushConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns[userID], c)
	if len(h.conns[userID]) == 0 {
		delete(h.conns, userID)
	}
}

func (h *hub) count(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[userID])
}

func (h *hub) snapshot(userID string) []*pushConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	ret := make([]*pushConn, 0, len(h.conns[userID]))
	for c := range h.conns[userID] {
		ret = append(ret, c)
	}
	return ret
}

func (h *hub) publish(userID string, payload any) int {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			log.Error("Failed to encode push payload: %v", err)
			return 0
		}
		data = encoded
	}

	sent := 0
	for _, c := range h.snapshot(userID) {
		if err := c.writeText(data); err != nil {
			log.Debug("Push write to %s failed: %v", userID, err)
			c.ws.Close()
			continue
		}
		sent++
	}
	return sent
}

func (h *hub) closeAll() {
	h.mu.Lock()
	all := h.conns
	h.conns = make(map[string]map[*pushConn]struct{})
	h.mu.Unlock()

	for _, conns := range all {
		for c := range conns {
			c.ws.Close()
		}
	}
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if _, err := uuid.Parse(userID); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid user id")
		return
	}
	if s.userID != "" && userID != s.userID {
		writeError(w, http.StatusForbidden, "Not allowed")
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("Push upgrade failed: %v", err)
		return
	}
	conn := &pushConn{ws: ws}
	s.hub.add(userID, conn)
	defer func() {
		s.hub.remove(userID, conn)
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if string(data) == "ping" {
			if err := conn.writeText([]byte("pong")); err != nil {
				return
			}
		}
	}
}
