// ABOUTME: Connection status state machine for the realtime client
// ABOUTME: Maps transport signals onto connecting/connected/disconnected and notifies observers

package consumer

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrInvalidTransition is returned when a signal is not allowed from the current status.
var ErrInvalidTransition = errors.New("invalid status transition")

// Status is the user-visible connection state.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Signal is a transport-level connection event.
type Signal string

const (
	SignalConnecting   Signal = "connecting"
	SignalConnected    Signal = "connected"
	SignalDisconnected Signal = "disconnected"
	SignalUnavailable  Signal = "unavailable"
	SignalFailed       Signal = "failed"
)

// target returns the status a signal moves to.
func (s Signal) target() (Status, bool) {
	switch s {
	case SignalConnecting:
		return StatusConnecting, true
	case SignalConnected:
		return StatusConnected, true
	case SignalDisconnected, SignalUnavailable, SignalFailed:
		return StatusDisconnected, true
	}
	return "", false
}

var allowedTransitions = map[Status][]Status{
	StatusConnecting:   {StatusConnected, StatusDisconnected},
	StatusConnected:    {StatusDisconnected},
	StatusDisconnected: {StatusConnecting},
}

// StatusObserver is called after every status change.
type StatusObserver func(from, to Status)

// StatusTracker holds the connection status. It starts in StatusConnecting.
type StatusTracker struct {
	mu        sync.Mutex
	status    Status
	observers []StatusObserver
}

// NewStatusTracker creates a tracker in the connecting state.
func NewStatusTracker() *StatusTracker {
	return &StatusTracker{status: StatusConnecting}
}

// Status returns the current status.
func (t *StatusTracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Observe registers fn to be called on every change.
func (t *StatusTracker) Observe(fn StatusObserver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, fn)
}

// Apply moves the tracker according to signal. A signal that maps to the
// current status is a no-op. Observers run after the lock is released.
func (t *StatusTracker) Apply(signal Signal) error {
	to, ok := signal.target()
	if !ok {
		return fmt.Errorf("%w: unknown signal %q", ErrInvalidTransition, signal)
	}

	t.mu.Lock()
	from := t.status
	if from == to {
		t.mu.Unlock()
		return nil
	}
	if !slices.Contains(allowedTransitions[from], to) {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	t.status = to
	observers := append([]StatusObserver(nil), t.observers...)
	t.mu.Unlock()

	for _, fn := range observers {
		fn(from, to)
	}
	return nil
}
