// Package transport serves kiosk clients over WebSocket.
package transport

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Close reasons sent to rejected clients.
const (
	ReasonAtCapacity = "server at capacity"
	ReasonNotAllowed = "address not allowed"
)

// Handler answers client messages.
// Implementation: usecase.Dispatcher.
type Handler interface {
	// Handle returns the encoded response to one raw client message.
	Handle(raw []byte) []byte

	// Welcome returns the encoded greeting for a new client.
	Welcome() []byte
}

// Config holds WebSocket connection settings.
type Config struct {
	MaxConnections  int
	AllowList       []netip.Prefix
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	SendBuffer      int
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConfig returns default WebSocket configuration.
func DefaultConfig() Config {
	return Config{
		MaxConnections:  10,
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  64 * 1024,
		SendBuffer:      256,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
}

// ParseAllowList parses comma separated IPs and CIDR ranges.
// Single addresses become host prefixes. An empty list allows everyone.
func ParseAllowList(raw []string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, item := range raw {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strings.Contains(item, "/") {
			p, err := netip.ParsePrefix(item)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", item, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, fmt.Errorf("invalid IP %q: %w", item, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// Client is one connected WebSocket peer.
type Client struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	conn *websocket.Conn
	send chan []byte
	hub  *Hub
	once sync.Once
}

// Hub tracks connected clients and fans out broadcasts.
type Hub struct {
	config   Config
	handler  Handler
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}
	closed  bool
}

// NewHub creates a hub.
func NewHub(config Config, handler Handler, logger *zap.Logger) *Hub {
	if config.SendBuffer <= 0 {
		config.SendBuffer = 256
	}
	return &Hub{
		config:  config,
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		logger:  logger,
		clients: make(map[*Client]struct{}),
	}
}

// Allowed reports whether a remote address passes the allow-list.
func (h *Hub) Allowed(remoteAddr string) bool {
	if len(h.config.AllowList) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range h.config.AllowList {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
// Rejected clients are closed with a policy code and never registered.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	if !h.Allowed(r.RemoteAddr) {
		h.logger.Warn("connection rejected: address not allowed", zap.String("remote", r.RemoteAddr))
		h.reject(conn, websocket.ClosePolicyViolation, ReasonNotAllowed)
		return
	}

	client := &Client{
		ID:          uuid.NewString(),
		RemoteAddr:  r.RemoteAddr,
		ConnectedAt: time.Now(),
		conn:        conn,
		send:        make(chan []byte, h.config.SendBuffer),
		hub:         h,
	}
	if !h.register(client) {
		h.logger.Warn("connection rejected: at capacity",
			zap.String("remote", r.RemoteAddr),
			zap.Int("max_connections", h.config.MaxConnections))
		h.reject(conn, websocket.CloseTryAgainLater, ReasonAtCapacity)
		return
	}

	h.logger.Info("client connected",
		zap.String("client_id", client.ID),
		zap.String("remote", client.RemoteAddr),
		zap.Int("clients", h.ClientCount()))

	if welcome := h.handler.Welcome(); welcome != nil {
		client.enqueue(welcome)
	}

	go client.writePump()
	client.readPump()
}

func (h *Hub) reject(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.config.WriteTimeout))
	conn.Close()
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if h.config.MaxConnections > 0 && len(h.clients) >= h.config.MaxConnections {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	remaining := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	c.close()
	h.logger.Info("client disconnected",
		zap.String("client_id", c.ID),
		zap.String("remote", c.RemoteAddr),
		zap.Int("clients", remaining))
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues data for every client. A client whose buffer is full is
// disconnected; the others are unaffected.
func (h *Hub) Broadcast(data []byte) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.enqueue(data) {
			delivered++
			continue
		}
		h.logger.Warn("client send buffer full, disconnecting", zap.String("client_id", c.ID))
		h.unregister(c)
	}
	return delivered
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	if len(clients) > 0 {
		h.logger.Info("closed client connections", zap.Int("clients", len(clients)))
	}
}

// enqueue never blocks. Returns false if the buffer is full or the client is closed.
func (c *Client) enqueue(data []byte) (ok bool) {
	defer func() {
		// send may already be closed by a concurrent unregister.
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

func (c *Client) writePump() {
	cfg := c.hub.config
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("write failed", zap.String("client_id", c.ID), zap.Error(err))
				c.hub.unregister(c)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("ping failed", zap.String("client_id", c.ID), zap.Error(err))
				c.hub.unregister(c)
				return
			}
		}
	}
}

func (c *Client) readPump() {
	cfg := c.hub.config
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("unexpected websocket close", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))

		if resp := c.hub.handler.Handle(message); resp != nil && !c.enqueue(resp) {
			c.hub.logger.Warn("client send buffer full, disconnecting", zap.String("client_id", c.ID))
			return
		}
	}
}
