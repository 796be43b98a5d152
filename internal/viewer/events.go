// Package viewer describes what the annotation manager needs from the
// document viewer it decorates: lifecycle signals, page labels and a reading
// order key for positions.
package viewer

import (
	"log/slog"
	"sync"
)

type Event string

const (
	PagesInitialized Event = "pagesinit"
	PageRendered     Event = "pagerendered"
)

func (e Event) Valid() bool {
	return e == PagesInitialized || e == PageRendered
}

// Bus is an in-process observer registry for viewer events.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[Event]map[uint64]func()
	logger   *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[Event]map[uint64]func()),
		logger:   logger,
	}
}

// Subscribe registers fn for event and returns a function that removes it.
func (b *Bus) Subscribe(event Event, fn func()) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.handlers[event] == nil {
		b.handlers[event] = make(map[uint64]func())
	}
	b.handlers[event][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.handlers[event], id)
		})
	}
}

// Publish calls every handler registered for event on the caller's
// goroutine.
func (b *Bus) Publish(event Event) int {
	b.mu.RLock()
	handlers := make([]func(), 0, len(b.handlers[event]))
	for _, fn := range b.handlers[event] {
		handlers = append(handlers, fn)
	}
	b.mu.RUnlock()

	b.logger.Debug("viewer: event published", "event", string(event), "handlers", len(handlers))
	for _, fn := range handlers {
		fn()
	}
	return len(handlers)
}
