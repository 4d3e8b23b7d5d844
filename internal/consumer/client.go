// ABOUTME: Realtime WebSocket client that keeps consumer state in sync with the server
// ABOUTME: Reconnects with backoff, resubscribes to channels and dispatches decoded events

package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/murmur/internal/realtime"
)

const (
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
	clientWriteWait   = 10 * time.Second
)

// ErrNotConnected is returned when a frame is sent without a live socket.
var ErrNotConnected = errors.New("not connected")

// ClientConfig configures a Client.
type ClientConfig struct {
	URL        string // ws:// or wss:// URL of the /ws endpoint
	Token      string
	ViewerID   int64
	Dialer     *websocket.Dialer // nil uses websocket.DefaultDialer
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Client maintains one realtime connection for a viewer.
type Client struct {
	cfg    ClientConfig
	status *StatusTracker
	list   *ConversationList
	logger *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	socketID string
	view     *ConversationView
	onEvent  func(realtime.Event)

	writeMu sync.Mutex
}

// NewClient creates a client. list may be nil. Pass nil logger for default.
func NewClient(cfg ClientConfig, list *ConversationList, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = max(defaultMaxBackoff, cfg.MinBackoff)
	}
	return &Client{
		cfg:    cfg,
		status: NewStatusTracker(),
		list:   list,
		logger: logger.With("component", "realtime_client"),
	}
}

// Status returns the connection status tracker.
func (c *Client) Status() *StatusTracker {
	return c.status
}

// SocketID returns the id the server assigned to the live connection, or "".
func (c *Client) SocketID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socketID
}

// OnEvent registers fn to receive every event after it has been applied.
func (c *Client) OnEvent(fn func(realtime.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = fn
}

// Open makes view the open conversation. The previous view is closed and
// its channel unsubscribed.
func (c *Client) Open(view *ConversationView) {
	c.mu.Lock()
	old := c.view
	c.view = view
	c.mu.Unlock()

	if old != nil {
		if view == nil || old.Channel() != view.Channel() {
			c.sendControl(realtime.ActionUnsubscribe, old.Channel())
		}
		old.Close()
	}
	if view != nil {
		if c.list != nil {
			c.list.SetActive(view.ConversationID())
			c.list.MarkRead(view.ConversationID())
		}
		c.sendControl(realtime.ActionSubscribe, view.Channel())
	}
}

// Run connects and keeps reconnecting with exponential backoff until ctx is
// cancelled.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.MinBackoff
	for {
		if c.status.Status() == StatusDisconnected {
			_ = c.status.Apply(SignalConnecting)
		}

		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			_ = c.status.Apply(SignalDisconnected)
			return nil
		}
		_ = c.status.Apply(SignalFailed)

		if connected {
			backoff = c.cfg.MinBackoff
		}
		c.logger.Warn("realtime connection lost", "error", err, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.cfg.MaxBackoff)
	}
}

// session runs one connection. It reports whether the handshake completed.
func (c *Client) session(ctx context.Context) (bool, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dialing %s: %w (status %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return false, fmt.Errorf("dialing %s: %w", c.cfg.URL, err)
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.socketID = ""
		c.mu.Unlock()
		_ = conn.Close()
	}()

	var hello realtime.Event
	if err := conn.ReadJSON(&hello); err != nil {
		return false, fmt.Errorf("reading handshake: %w", err)
	}
	var established realtime.ConnectionEstablishedPayload
	if hello.Name != realtime.EventConnectionEstablished || hello.Decode(&established) != nil {
		return false, fmt.Errorf("unexpected handshake event %q", hello.Name)
	}

	c.mu.Lock()
	c.conn = conn
	c.socketID = established.SocketID
	view := c.view
	c.mu.Unlock()

	if err := c.status.Apply(SignalConnected); err != nil {
		c.logger.Debug("status transition", "error", err)
	}
	c.logger.Info("realtime connected", "socket_id", established.SocketID)

	c.sendControl(realtime.ActionSubscribe, realtime.UserChannel(c.cfg.ViewerID))
	if view != nil {
		c.sendControl(realtime.ActionSubscribe, view.Channel())
	}

	for {
		var evt realtime.Event
		if err := conn.ReadJSON(&evt); err != nil {
			return true, fmt.Errorf("reading event: %w", err)
		}
		c.dispatch(ctx, evt)
	}
}

// dispatch applies evt to the list and the open view.
func (c *Client) dispatch(ctx context.Context, evt realtime.Event) {
	c.mu.Lock()
	view := c.view
	onEvent := c.onEvent
	c.mu.Unlock()

	switch evt.Name {
	case realtime.EventMessageSent:
		var p realtime.MessageSentPayload
		if err := evt.Decode(&p); err != nil {
			c.logger.Warn("decoding event", "event", evt.Name, "error", err)
			return
		}
		var openID int64
		if view != nil {
			openID = view.ConversationID()
			view.ApplyMessageSent(ctx, p)
		}
		if c.list != nil {
			c.list.ApplyMessageSent(p, openID)
		}

	case realtime.EventMessageRead:
		var p realtime.MessageReadPayload
		if err := evt.Decode(&p); err != nil {
			c.logger.Warn("decoding event", "event", evt.Name, "error", err)
			return
		}
		if view != nil {
			view.ApplyMessageRead(p)
		}

	case realtime.EventUserTyping:
		var p realtime.UserTypingPayload
		if err := evt.Decode(&p); err != nil {
			c.logger.Warn("decoding event", "event", evt.Name, "error", err)
			return
		}
		if view != nil {
			view.ApplyUserTyping(p)
		}

	case realtime.EventSubscriptionError:
		var p realtime.SubscriptionErrorPayload
		_ = evt.Decode(&p)
		c.logger.Warn("subscription rejected", "channel", evt.Channel, "reason", p.Error)

	case realtime.EventSubscriptionSucceeded:
		c.logger.Debug("subscribed", "channel", evt.Channel)
	}

	if onEvent != nil {
		onEvent(evt)
	}
}

// sendControl writes a subscribe or unsubscribe frame. Without a live
// connection it is skipped; channels are resubscribed on reconnect.
func (c *Client) sendControl(action, channel string) {
	if err := c.send(realtime.ClientMessage{Action: action, Channel: channel}); err != nil && !errors.Is(err, ErrNotConnected) {
		c.logger.Warn("sending control frame", "action", action, "channel", channel, "error", err)
	}
}

func (c *Client) send(msg realtime.ClientMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	return conn.WriteJSON(msg)
}
