// Package stream pushes live five-minute activity to dashboard clients over
// WebSocket.
//
// A Hub owns the connected clients. Broadcast fans a message out from the
// hub loop; RunBroadcaster polls the KV store on an interval and only does
// so while at least one client is connected.
package stream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/jkristoffer/bs-display-analytics/pkg/config"
	"github.com/jkristoffer/bs-display-analytics/pkg/logging"
	"github.com/jkristoffer/bs-display-analytics/pkg/metrics"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header means a non-browser client
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// connectedMessage is written to every client right after the upgrade
var connectedMessage = []byte(`{"type":"connected"}`)

// client serialises writes; gorilla connections allow one writer at a time
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

// Hub manages WebSocket connections for realtime updates
type Hub struct {
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	// done closes when Run returns
	done chan struct{}

	mu  sync.RWMutex
	log zerolog.Logger
}

// NewHub creates a new WebSocket hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client, config.WSChannelBuffer),
		unregister: make(chan *client, config.WSChannelBuffer),
		broadcast:  make(chan []byte, config.WSBroadcastBuffer),
		done:       make(chan struct{}),
		log:        logging.Component("stream"),
	}
}

// Run starts the hub's main loop. It returns when ctx is cancelled, after
// closing every client connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.conn.Close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.StreamClients.Set(0)
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			count := len(h.clients)
			h.mu.Unlock()
			metrics.StreamClients.Set(float64(count))
			h.log.Debug().Int("clients", count).Msg("WebSocket client connected")
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.conn.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			metrics.StreamClients.Set(float64(count))
			h.log.Debug().Int("clients", count).Msg("WebSocket client disconnected")
		case message := <-h.broadcast:
			h.mu.RLock()
			var failed []*client
			for c := range h.clients {
				if err := c.write(websocket.TextMessage, message); err != nil {
					h.log.Debug().Err(err).Msg("WebSocket write error")
					failed = append(failed, c)
				}
			}
			h.mu.RUnlock()

			for _, c := range failed {
				h.drop(c)
			}
		}
	}
}

// drop removes a client from inside the hub loop
func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.conn.Close()
	}
	count := len(h.clients)
	h.mu.Unlock()
	metrics.StreamClients.Set(float64(count))
}

// add hands c to the hub loop and reports false once the loop is gone
func (h *Hub) add(c *client) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// remove hands c back to the hub loop; after Run returns it is a no-op
// since Run already closed every connection.
func (h *Hub) remove(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Broadcast queues data for every connected client. A full queue drops
// the message rather than blocking the caller.
func (h *Hub) Broadcast(data any) error {
	message, err := json.Marshal(data)
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- message:
	default:
		h.log.Warn().Msg("Broadcast channel full, dropping message")
	}
	return nil
}

// HasClients reports whether any WebSocket client is connected
func (h *Hub) HasClients() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}

// HandleStream handles GET /api/analytics/stream
func (h *Hub) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &client{conn: conn}
	if err := c.write(websocket.TextMessage, connectedMessage); err != nil {
		conn.Close()
		return
	}
	if !h.add(c) {
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		h.remove(c)
	}()

	go func() {
		ticker := time.NewTicker(config.WSPingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	})

	// Clients never send data; reading drives control frames and close detection
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug().Err(err).Msg("WebSocket closed")
			}
			return
		}
	}
}
