package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wagerdome/wagerdome/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 512
)

// Envelope is the wire format delivered to WebSocket clients.
type Envelope struct {
	ID        string    `json:"id"`
	Recipient int64     `json:"recipient"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub is a Notifier that delivers messages over WebSocket connections.
// Clients identify themselves with an ?id= query parameter on connect;
// a notification goes to every connection registered under that
// identity. Outbound delivery is rate limited so a large settlement
// cannot flood the transport.
type Hub struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter

	mu      sync.RWMutex
	clients map[*client]bool

	register   chan *client
	unregister chan *client
	// done is closed when Run stops; register and unregister sends
	// select against it so no goroutine blocks after shutdown.
	done chan struct{}

	upgrader websocket.Upgrader
}

type client struct {
	hub       *Hub
	conn      *websocket.Conn
	recipient int64
	send      chan []byte
}

// NewHub creates a hub delivering at most ratePerSec messages per
// second (bursting to twice that).
func NewHub(ratePerSec float64, m *metrics.Metrics, log *zap.Logger) *Hub {
	if ratePerSec <= 0 {
		ratePerSec = 20
	}
	return &Hub{
		log:        log,
		metrics:    m,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), int(2*ratePerSec)),
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Run drives the hub's register/unregister loop until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("notify client connected",
				zap.Int64("recipient", c.recipient),
				zap.Int("total", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("notify client disconnected", zap.Int("total", n))

		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Notify implements Notifier. It blocks on the outbound rate limiter,
// then hands the envelope to every connection for the recipient. A
// recipient with no connection is a dropped delivery, not an error:
// the core's state is already durable and the front end can re-read it.
func (h *Hub) Notify(ctx context.Context, recipient int64, message string) error {
	if err := h.limiter.Wait(ctx); err != nil {
		return err
	}

	env := Envelope{
		ID:        uuid.New().String(),
		Recipient: recipient,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	delivered := false
	h.mu.RLock()
	for c := range h.clients {
		if c.recipient != recipient {
			continue
		}
		select {
		case c.send <- data:
			delivered = true
		default:
			// Buffer full; the read pump will reap the connection.
		}
	}
	h.mu.RUnlock()

	if h.metrics != nil {
		outcome := "delivered"
		if !delivered {
			outcome = "dropped"
		}
		h.metrics.NotificationsTotal.WithLabelValues(outcome).Inc()
	}
	if !delivered {
		h.log.Debug("notification dropped, recipient offline",
			zap.Int64("recipient", recipient))
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS handles WebSocket upgrade requests. The connecting client
// declares its external identity via the id query parameter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	recipient, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil || recipient <= 0 {
		http.Error(w, "missing or invalid id", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		hub:       h,
		conn:      conn,
		recipient: recipient,
		send:      make(chan []byte, 64),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump discards inbound frames and reaps the connection on error.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("notify read error", zap.Error(err))
			}
			break
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
