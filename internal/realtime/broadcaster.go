// ABOUTME: In-memory fan-out broadcaster for chat channels
// ABOUTME: Delivers events to every subscriber of a channel except the originating connection

package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/2389/murmur/internal/metrics"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// ErrBroadcasterClosed is returned by Publish after Close.
var ErrBroadcasterClosed = errors.New("broadcaster closed")

// Publisher is the capability the messaging service uses to emit events.
// excludeConnID, when non-empty, names the connection that must not receive
// the event. Delivery is best-effort.
type Publisher interface {
	Publish(ctx context.Context, event Event, excludeConnID string) error
}

// Broadcaster provides in-memory pub/sub keyed by channel name.
// Each subscription is identified by the connection that owns it, so a
// publisher can skip the connection that triggered the event.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event // channel -> connID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers connID for events on channel and returns the receive
// side. A repeated subscription for the same connection replaces (and
// closes) the previous one. The subscription is removed when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, channel, connID string) <-chan Event {
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch
	}
	if _, ok := b.subscribers[channel]; !ok {
		b.subscribers[channel] = make(map[string]chan Event)
	}
	if old, ok := b.subscribers[channel][connID]; ok {
		close(old)
	}
	b.subscribers[channel][connID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"channel", channel,
		"conn_id", connID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.unsubscribeChan(channel, connID, ch)
	}()

	return ch
}

// Publish sends an event to all subscribers of event.Channel.
// If excludeConnID is non-empty, that connection is skipped.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(_ context.Context, event Event, excludeConnID string) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBroadcasterClosed
	}
	// Sends happen under the read lock so Unsubscribe cannot close a channel
	// mid-send. They never block.
	for id, ch := range b.subscribers[event.Channel] {
		if excludeConnID != "" && id == excludeConnID {
			continue
		}
		select {
		case ch <- event:
		default:
			metrics.EventsDropped.Inc()
			b.logger.Debug("dropped event for slow subscriber",
				"channel", event.Channel,
				"event", event.Name,
				"conn_id", id)
		}
	}
	b.mu.RUnlock()

	metrics.EventsPublished.WithLabelValues(event.Name).Inc()
	return nil
}

// Unsubscribe removes connID's subscription to channel and closes its channel.
func (b *Broadcaster) Unsubscribe(channel, connID string) {
	b.unsubscribeChan(channel, connID, nil)
}

// unsubscribeChan removes the subscription only if it still maps to want
// (or unconditionally when want is nil), so a stale context cancel cannot
// remove a newer subscription for the same connection.
func (b *Broadcaster) unsubscribeChan(channel, connID string, want chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[channel]
	if !ok {
		return
	}

	ch, exists := subs[connID]
	if !exists || (want != nil && ch != want) {
		return
	}

	delete(subs, connID)
	close(ch)

	// Clean up empty channel entries
	if len(subs) == 0 {
		delete(b.subscribers, channel)
	}

	b.logger.Debug("subscriber removed",
		"channel", channel,
		"conn_id", connID)
}

// SubscriberCount returns the number of live subscriptions on channel.
func (b *Broadcaster) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[channel])
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for name, subs := range b.subscribers {
		for connID, ch := range subs {
			close(ch)
			delete(subs, connID)
		}
		delete(b.subscribers, name)
	}

	b.logger.Debug("broadcaster closed")
}
