package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"pitchside/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Page snapshots travel over the socket, so messages can be large.
	maxMessageSize = 8 << 20

	sendBufferSize = 64
)

// TypeObserved is pushed to every socket when a queued observation was processed.
const TypeObserved = "observed"

type wsClient struct {
	id     string
	addr   string
	conn   *websocket.Conn
	send   chan protocol.Response
	server *Server
}

// hub tracks open sockets for pushes.
type hub struct {
	mu      sync.RWMutex
	clients map[string]*wsClient
}

func newHub() *hub {
	return &hub{clients: make(map[string]*wsClient)}
}

func (h *hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

func (h *hub) unregister(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; !ok {
		return false
	}
	delete(h.clients, c.id)
	close(c.send)
	return true
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast queues msg on every socket. Slow sockets miss the message.
func (h *hub) broadcast(msg protocol.Response) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.trySend(msg)
	}
}

func (c *wsClient) trySend(msg protocol.Response) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// originAllowed matches the Origin header against patterns that may carry
// one "*" wildcard, the same form the CORS middleware accepts.
func originAllowed(patterns []string, origin string) bool {
	if origin == "" {
		return true
	}
	origin = strings.ToLower(origin)
	for _, p := range patterns {
		p = strings.ToLower(p)
		if p == "*" || p == origin {
			return true
		}
		prefix, suffix, ok := strings.Cut(p, "*")
		if ok && len(origin) >= len(prefix)+len(suffix) &&
			strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix) {
			return true
		}
	}
	return false
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	c := &wsClient{
		id:     uuid.New().String(),
		addr:   clientAddr(r),
		conn:   conn,
		send:   make(chan protocol.Response, sendBufferSize),
		server: s,
	}
	s.hub.register(c)
	if s.metrics != nil {
		s.metrics.ClientConnected(1)
	}
	s.logger.Info("websocket connected", slog.String("client", c.id), slog.String("addr", c.addr))

	// Pumps outlive the request; they stop with the server.
	go c.writePump(s.ctx)
	go c.readPump(s.ctx)
}

func (c *wsClient) close() {
	if c.server.hub.unregister(c) {
		if c.server.metrics != nil {
			c.server.metrics.ClientConnected(-1)
		}
		c.server.logger.Info("websocket disconnected", slog.String("client", c.id))
	}
}

// readPump answers requests in the order they arrive.
func (c *wsClient) readPump(ctx context.Context) {
	defer func() {
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var req protocol.Request
		if err := c.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Warn("websocket closed unexpectedly", slog.String("client", c.id), slog.Any("error", err))
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		var resp protocol.Response
		if !c.server.limiter.allow(c.addr) {
			if c.server.metrics != nil {
				c.server.metrics.RateLimited()
			}
			resp = protocol.Response{Type: req.Type, RequestID: req.RequestID, Error: errRateLimited.Error()}
		} else {
			resp = c.server.dispatcher.Respond(ctx, req)
		}
		if !c.trySend(resp) {
			c.server.logger.Warn("dropping response to slow websocket", slog.String("client", c.id), slog.String("type", req.Type))
		}
	}
}

func (c *wsClient) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return

		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.logger.Warn("websocket write failed", slog.String("client", c.id), slog.Any("error", err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
