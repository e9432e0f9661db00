package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-async/internal/snapshot"
)

const (
	maxStreamClients = 200
	writeWait        = 5 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = 30 * time.Second
)

// Hub streams status snapshots to websocket clients. One ticker serves
// every client.
type Hub struct {
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	stopped    chan struct{}
	mu         sync.RWMutex

	interval time.Duration
	capture  func() snapshot.Record
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func newHub(interval time.Duration, capture func() snapshot.Record, log *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		stopped:    make(chan struct{}),
		interval:   interval,
		capture:    capture,
		log:        log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Run owns client registration and broadcasting until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	defer close(h.stopped)

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxStreamClients {
				h.mu.Unlock()
				conn.Close()
				h.log.Warn("stream client rejected", zap.Int("max", maxStreamClients))
				continue
			}
			h.clients[conn] = struct{}{}
			// 新連線立即收到一次快照
			h.send(conn, h.capture())
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("stream client registered", zap.Int("clients", n))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case <-ticker.C:
			h.broadcast()
		}
	}
}

func (h *Hub) broadcast() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.clients) == 0 {
		return
	}
	rec := h.capture()
	for conn := range h.clients {
		h.send(conn, rec)
	}
}

func (h *Hub) send(conn *websocket.Conn, rec snapshot.Record) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(rec); err != nil {
		h.log.Debug("stream write failed", zap.Error(err))
		// read pump 或下一次 ping 會處理註銷
		go h.Unregister(conn)
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// Register adds a client connection. It reports false once the hub has
// stopped.
func (h *Hub) Register(conn *websocket.Conn) bool {
	select {
	case h.register <- conn:
		return true
	case <-h.stopped:
		return false
	}
}

// Unregister removes a client connection.
func (h *Hub) Unregister(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades to a websocket and keeps the connection registered
// until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	if !h.Register(conn) {
		conn.Close()
		return
	}
	defer h.Unregister(conn)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug("websocket closed", zap.Error(err))
			}
			return
		}
	}
}
