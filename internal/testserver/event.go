package testserver

import (
	"sync"
	"time"
)

// Event is a one-shot latch. It starts unset and, once set, stays set.
// The zero value is ready to use.
type Event struct {
	init sync.Once
	once sync.Once
	ch   chan struct{}
}

// NewEvent returns an unset Event.
func NewEvent() *Event {
	return &Event{}
}

func (e *Event) done() chan struct{} {
	e.init.Do(func() { e.ch = make(chan struct{}) })
	return e.ch
}

// Set marks the event as set and releases all waiters. Calling Set more
// than once has no additional effect.
func (e *Event) Set() {
	ch := e.done()
	e.once.Do(func() { close(ch) })
}

// IsSet reports whether Set has been called.
func (e *Event) IsSet() bool {
	select {
	case <-e.done():
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed when the event is set.
func (e *Event) Done() <-chan struct{} {
	return e.done()
}

// Wait blocks until the event is set or timeout elapses, and reports
// whether the event is set. A timeout <= 0 checks without blocking.
func (e *Event) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		return e.IsSet()
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-e.done():
		return true
	case <-t.C:
		return e.IsSet()
	}
}
