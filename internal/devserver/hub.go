package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tOgg1/coursechat/internal/push"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type wsClient struct {
	hub    *hub
	conn   *websocket.Conn
	userID string
	send   chan []byte
}

type delivery struct {
	payload []byte
	userIDs map[string]struct{}
}

// hub fans push notices out to connected clients. All client bookkeeping
// happens on the run goroutine; counts is mirrored for IsConnected.
type hub struct {
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan delivery
	done       chan struct{}
	clients    map[*wsClient]struct{}
	logger     zerolog.Logger

	mu     sync.RWMutex
	counts map[string]int
}

func newHub(logger zerolog.Logger) *hub {
	return &hub{
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan delivery, 64),
		done:       make(chan struct{}),
		clients:    make(map[*wsClient]struct{}),
		counts:     make(map[string]int),
		logger:     logger,
	}
}

func (h *hub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.drop(client)
			}
			return
		case client := <-h.register:
			h.clients[client] = struct{}{}
			h.adjust(client.userID, 1)
			h.logger.Debug().Str("user_id", client.userID).Int("clients", len(h.clients)).Msg("push client connected")
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
				h.logger.Debug().Str("user_id", client.userID).Int("clients", len(h.clients)).Msg("push client disconnected")
			}
		case d := <-h.broadcast:
			for client := range h.clients {
				if _, ok := d.userIDs[client.userID]; !ok {
					continue
				}
				select {
				case client.send <- d.payload:
				default:
					h.drop(client)
				}
			}
		}
	}
}

func (h *hub) drop(client *wsClient) {
	delete(h.clients, client)
	close(client.send)
	h.adjust(client.userID, -1)
}

func (h *hub) adjust(userID string, delta int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counts[userID] += delta
	if h.counts[userID] <= 0 {
		delete(h.counts, userID)
	}
}

// IsConnected reports whether userID holds at least one push connection.
func (h *hub) IsConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.counts[userID] > 0
}

// notify queues a notice for the given users. It never blocks on a stopped hub.
func (h *hub) notify(notice push.Notice, userIDs ...string) {
	if len(userIDs) == 0 {
		return
	}
	payload, err := json.Marshal(notice)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to encode push notice")
		return
	}
	d := delivery{payload: payload, userIDs: make(map[string]struct{}, len(userIDs))}
	for _, id := range userIDs {
		d.userIDs[id] = struct{}{}
	}
	select {
	case h.broadcast <- d:
	case <-h.done:
	}
}

func (s *Server) serveWS(c *gin.Context) {
	user := currentUser(c)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &wsClient{hub: s.hub, conn: conn, userID: user.ID, send: make(chan []byte, sendBufferSize)}
	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump only watches for close and pong frames; clients never send notices.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
