package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/remote"
)

const writeTimeout = 5 * time.Second

// hub fans revision notifications out to the websocket clients of each
// scope. Notifications carry only the revision; clients pull to catch up.
type hub struct {
	mu      sync.RWMutex
	clients map[ir.Scope]map[*websocket.Conn]struct{}
	logger  *slog.Logger
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		clients: make(map[ir.Scope]map[*websocket.Conn]struct{}),
		logger:  logger,
	}
}

func (h *hub) add(scope ir.Scope, conn *websocket.Conn) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[scope]
	if !ok {
		set = make(map[*websocket.Conn]struct{})
		h.clients[scope] = set
	}
	set[conn] = struct{}{}
	return len(set)
}

func (h *hub) remove(scope ir.Scope, conn *websocket.Conn) {
	h.mu.Lock()
	set := h.clients[scope]
	_, ok := set[conn]
	delete(set, conn)
	if len(set) == 0 {
		delete(h.clients, scope)
	}
	h.mu.Unlock()

	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

// count returns the number of connected clients for scope.
func (h *hub) count(scope ir.Scope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[scope])
}

func (h *hub) broadcast(scope ir.Scope, revision int64) {
	data, err := json.Marshal(remote.Notification{Revision: revision})
	if err != nil {
		h.logger.Error("encode notification", "error", err)
		return
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients[scope]))
	for conn := range h.clients[scope] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	// Writes happen outside the lock so a slow client cannot stall others.
	for _, conn := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.logger.Debug("notify write failed", "scope", scope.String(), "error", err)
			h.remove(scope, conn)
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	all := h.clients
	h.clients = make(map[ir.Scope]map[*websocket.Conn]struct{})
	h.mu.Unlock()

	for _, set := range all {
		for conn := range set {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
	}
}
