// ABOUTME: WebSocket transport that bridges client connections to the Broadcaster
// ABOUTME: Handles subscribe/unsubscribe control frames, authorization and keepalive

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/murmur/internal/metrics"
)

// Default keepalive timings.
const (
	DefaultWriteWait  = 10 * time.Second
	DefaultPongWait   = 60 * time.Second
	DefaultPingPeriod = (DefaultPongWait * 9) / 10

	maxClientMessageSize = 4096
	sendBufferSize       = 64
)

// HubConfig tunes the WebSocket transport.
type HubConfig struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	AllowedOrigins []string // empty or "*" allows any origin
}

func (c *HubConfig) applyDefaults() {
	if c.WriteWait <= 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = DefaultPongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = (c.PongWait * 9) / 10
	}
}

// Hub owns every live WebSocket connection on this node.
type Hub struct {
	broadcaster *Broadcaster
	authorizer  Authorizer
	cfg         HubConfig
	upgrader    websocket.Upgrader
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	conns map[string]*connection
	wg    sync.WaitGroup
}

// NewHub creates a hub that subscribes connections on b after checking auth.
// Pass nil logger for default.
func NewHub(b *Broadcaster, auth Authorizer, cfg HubConfig, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		broadcaster: b,
		authorizer:  auth,
		cfg:         cfg,
		logger:      logger.With("component", "hub"),
		ctx:         ctx,
		cancel:      cancel,
		conns:       make(map[string]*connection),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(h.cfg.AllowedOrigins, "*") || slices.Contains(h.cfg.AllowedOrigins, origin)
}

// ServeWS upgrades the request and serves the connection for userID until
// the client disconnects or the hub is closed. It blocks.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID int64) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "user_id", userID)
		return
	}

	ctx, cancel := context.WithCancel(h.ctx)
	c := &connection{
		id:     uuid.New().String(),
		userID: userID,
		ws:     ws,
		send:   make(chan []byte, sendBufferSize),
		subs:   make(map[string]context.CancelFunc),
		hub:    h,
		ctx:    ctx,
		cancel: cancel,
		logger: h.logger,
	}

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	h.wg.Add(1)
	metrics.WSConnections.Inc()

	h.logger.Info("websocket connected", "conn_id", c.id, "user_id", userID)

	defer func() {
		c.close()
		h.mu.Lock()
		delete(h.conns, c.id)
		h.mu.Unlock()
		metrics.WSConnections.Dec()
		h.wg.Done()
		h.logger.Info("websocket disconnected", "conn_id", c.id, "user_id", userID)
	}()

	c.sendControl(EventConnectionEstablished, "", ConnectionEstablishedPayload{SocketID: c.id})

	go c.writePump()
	c.readPump()
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close disconnects every client and waits for their handlers to finish
// or for ctx to expire.
func (h *Hub) Close(ctx context.Context) error {
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connection is one WebSocket client.
type connection struct {
	id     string
	userID int64
	ws     *websocket.Conn
	send   chan []byte
	hub    *Hub
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]context.CancelFunc // channel -> cancel
}

func (c *connection) readPump() {
	cfg := c.hub.cfg
	c.ws.SetReadLimit(maxClientMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", "conn_id", c.id, "error", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendControl(EventSubscriptionError, "", SubscriptionErrorPayload{Error: "invalid message"})
			continue
		}

		switch msg.Action {
		case ActionSubscribe:
			c.subscribe(msg.Channel)
		case ActionUnsubscribe:
			c.unsubscribe(msg.Channel)
		default:
			c.sendControl(EventSubscriptionError, msg.Channel, SubscriptionErrorPayload{Error: "unsupported action"})
		}
	}
}

func (c *connection) writePump() {
	cfg := c.hub.cfg
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"))
			return
		}
	}
}

func (c *connection) subscribe(channel string) {
	c.mu.Lock()
	_, already := c.subs[channel]
	c.mu.Unlock()
	if already {
		c.sendControl(EventSubscriptionSucceeded, channel, nil)
		return
	}

	if _, _, err := ParseChannel(channel); err != nil {
		c.sendControl(EventSubscriptionError, channel, SubscriptionErrorPayload{Error: "invalid channel"})
		return
	}

	if err := c.hub.authorizer.AuthorizeChannel(c.ctx, c.userID, channel); err != nil {
		reason := "forbidden"
		if !errors.Is(err, ErrChannelForbidden) {
			c.logger.Warn("channel authorization failed", "conn_id", c.id, "channel", channel, "error", err)
			reason = "authorization failed"
		}
		c.sendControl(EventSubscriptionError, channel, SubscriptionErrorPayload{Error: reason})
		return
	}

	subCtx, cancel := context.WithCancel(c.ctx)
	events := c.hub.broadcaster.Subscribe(subCtx, channel, c.id)

	c.mu.Lock()
	c.subs[channel] = cancel
	c.mu.Unlock()

	go c.forward(events)

	c.logger.Debug("channel subscribed", "conn_id", c.id, "user_id", c.userID, "channel", channel)
	c.sendControl(EventSubscriptionSucceeded, channel, nil)
}

func (c *connection) unsubscribe(channel string) {
	c.mu.Lock()
	cancel, ok := c.subs[channel]
	delete(c.subs, channel)
	c.mu.Unlock()

	if !ok {
		return
	}
	cancel()
	c.hub.broadcaster.Unsubscribe(channel, c.id)
	c.logger.Debug("channel unsubscribed", "conn_id", c.id, "channel", channel)
}

// forward copies broadcaster events to the socket until the subscription ends.
func (c *connection) forward(events <-chan Event) {
	for evt := range events {
		data, err := json.Marshal(evt)
		if err != nil {
			c.logger.Warn("marshaling event", "error", err)
			continue
		}
		c.enqueue(data)
	}
}

func (c *connection) sendControl(name, channel string, payload any) {
	evt := Event{Name: name, Channel: channel}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			c.logger.Warn("marshaling control payload", "event", name, "error", err)
			return
		}
		evt.Payload = data
	}
	data, err := json.Marshal(evt)
	if err != nil {
		c.logger.Warn("marshaling control event", "event", name, "error", err)
		return
	}
	c.enqueue(data)
}

func (c *connection) enqueue(data []byte) {
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	default:
		metrics.EventsDropped.Inc()
		c.logger.Debug("dropped frame for slow connection", "conn_id", c.id)
	}
}

func (c *connection) close() {
	c.cancel()

	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]context.CancelFunc)
	c.mu.Unlock()

	for channel, cancel := range subs {
		cancel()
		c.hub.broadcaster.Unsubscribe(channel, c.id)
	}
	_ = c.ws.Close()
}
