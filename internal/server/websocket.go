package server

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// wsHub pushes instance snapshots to connected viewers after each mutation,
// a drop-in substitute for polling GetDetail. The state-machine contract is
// unchanged; clients that poll see identical state.
type wsHub struct {
	mu     sync.Mutex
	groups map[string]map[*websocket.Conn]struct{}
}

func newWSHub() *wsHub {
	return &wsHub{groups: make(map[string]map[*websocket.Conn]struct{})}
}

func (h *wsHub) Add(instanceID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	group := h.groups[instanceID]
	if group == nil {
		group = make(map[*websocket.Conn]struct{})
		h.groups[instanceID] = group
	}
	group[conn] = struct{}{}
}

func (h *wsHub) Remove(instanceID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if group := h.groups[instanceID]; group != nil {
		delete(group, conn)
		if len(group) == 0 {
			delete(h.groups, instanceID)
		}
	}
	_ = conn.Close()
}

func (h *wsHub) Broadcast(instanceID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.groups[instanceID]))
	for conn := range h.groups[instanceID] {
		conns = append(conns, conn)
	}
	h.mu.Unlock()
	for _, conn := range conns {
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleInstanceWebsocket(c *gin.Context) {
	instanceID := c.Param("id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	s.ws.Add(instanceID, conn)
	defer s.ws.Remove(instanceID, conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// broadcastInstance sends the minimal status snapshot to watchers.
func (s *Server) broadcastInstance(instanceID, status string, guessCount int) {
	s.ws.Broadcast(instanceID, map[string]any{
		"instance_id": instanceID,
		"status":      status,
		"guess_count": guessCount,
	})
}
