// ABOUTME: Throttles local keystrokes into typing signals
// ABOUTME: Emits on the first keystroke, then at most once per debounce window while typing continues

package consumer

import (
	"sync"
	"time"
)

// TypingDebounce is the trailing window between repeated typing signals.
const TypingDebounce = time.Second

// TypingEmitter decides when to tell the server the viewer is typing.
type TypingEmitter struct {
	emit  func()
	clock Clock

	mu     sync.Mutex
	active bool
	timer  Timer
	gen    uint64
	closed bool
}

// NewTypingEmitter creates an emitter that calls emit for each signal.
// emit runs without the emitter's lock held.
func NewTypingEmitter(emit func(), clock Clock) *TypingEmitter {
	if clock == nil {
		clock = SystemClock()
	}
	return &TypingEmitter{emit: emit, clock: clock}
}

// Keystroke records local input. The first keystroke emits immediately;
// later ones restart a trailing timer that emits once input pauses for the
// debounce window.
func (e *TypingEmitter) Keystroke() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}

	first := !e.active
	e.active = true

	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	gen := e.gen
	e.timer = e.clock.AfterFunc(TypingDebounce, func() { e.fire(gen) })
	e.mu.Unlock()

	if first {
		e.emit()
	}
}

func (e *TypingEmitter) fire(gen uint64) {
	e.mu.Lock()
	ok := e.active && !e.closed && e.gen == gen
	if ok {
		e.timer = nil
	}
	e.mu.Unlock()

	if ok {
		e.emit()
	}
}

// MessageSent ends the typing burst and cancels any pending signal.
func (e *TypingEmitter) MessageSent() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked()
}

// Active reports whether a typing burst is in progress.
func (e *TypingEmitter) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Close cancels the pending signal. Later keystrokes are ignored.
func (e *TypingEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.resetLocked()
}

func (e *TypingEmitter) resetLocked() {
	e.active = false
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}
