// Package mailbox provides the single-consumer event queue that serializes
// every handler of one engine or transport instance.
package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Mailbox is an unbounded FIFO of closures drained by one goroutine.
// Post never blocks, so handlers running on the loop may post follow-up work.
type Mailbox struct {
	mu     sync.Mutex
	events []func()
	wake   chan struct{}
	logger *slog.Logger
}

// New creates an empty mailbox.
func New(logger *slog.Logger) *Mailbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailbox{
		events: make([]func(), 0, 64),
		wake:   make(chan struct{}, 1),
		logger: logger,
	}
}

// Post appends fn to the queue.
func (m *Mailbox) Post(fn func()) {
	m.mu.Lock()
	m.events = append(m.events, fn)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of queued events.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// Run drains the queue until ctx is cancelled. A panicking event is logged
// and the loop continues.
func (m *Mailbox) Run(ctx context.Context) {
	for {
		for {
			fn := m.next()
			if fn == nil {
				break
			}
			m.invoke(fn)
		}

		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		}
	}
}

// Do posts fn and waits for it to run, or for ctx to end.
func (m *Mailbox) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	m.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain runs every queued event on the calling goroutine. Tests use it to
// step a mailbox deterministically without a Run loop.
func (m *Mailbox) Drain() int {
	n := 0
	for {
		fn := m.next()
		if fn == nil {
			return n
		}
		m.invoke(fn)
		n++
	}
}

func (m *Mailbox) next() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return nil
	}
	fn := m.events[0]
	m.events[0] = nil
	m.events = m.events[1:]
	return fn
}

func (m *Mailbox) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("event handler panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}
