// Package debounce collapses bursts of save requests for the same annotation
// into a single call to the persistence hook.
//
// Every annotation id gets its own channel, created on the first Save and
// removed when it fires. A channel fires once no Save has arrived for the
// configured delay, or once the max wait since its first Save has elapsed,
// whichever comes first. The payload delivered is always the most recent one.
package debounce

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"marginalia/api/internal/annotation"
)

const (
	DefaultDelay   = time.Second
	DefaultMaxWait = 10 * time.Second
)

// FlushFunc receives the latest snapshot for an id.
type FlushFunc func(ctx context.Context, a annotation.Annotation)

type channel struct {
	pending  annotation.Annotation
	timer    *time.Timer
	deadline time.Time
	gen      uint64
}

type Registry struct {
	flush   FlushFunc
	delay   time.Duration
	maxWait time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	channels map[string]*channel
	closed   bool
	inflight sync.WaitGroup
}

type Option func(*Registry)

func WithDelay(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.delay = d
		}
	}
}

func WithMaxWait(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.maxWait = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func New(flush FlushFunc, opts ...Option) *Registry {
	r := &Registry{
		flush:    flush,
		delay:    DefaultDelay,
		maxWait:  DefaultMaxWait,
		logger:   slog.Default(),
		channels: make(map[string]*channel),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.maxWait < r.delay {
		r.maxWait = r.delay
	}
	return r
}

// Save schedules a for persistence. A later Save for the same id before the
// channel fires replaces the payload.
func (r *Registry) Save(a annotation.Annotation) {
	snapshot := a.Clone()
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.logger.Debug("debounce: save after close ignored", "id", a.ID)
		return
	}

	ch, ok := r.channels[a.ID]
	if !ok {
		ch = &channel{deadline: now.Add(r.maxWait)}
		r.channels[a.ID] = ch
	} else {
		ch.timer.Stop()
	}
	ch.pending = snapshot
	ch.gen++

	wait := r.delay
	if remaining := ch.deadline.Sub(now); remaining < wait {
		wait = remaining
	}
	if wait < 0 {
		wait = 0
	}
	id, gen := a.ID, ch.gen
	ch.timer = time.AfterFunc(wait, func() { r.fire(id, gen) })
}

func (r *Registry) fire(id string, gen uint64) {
	r.mu.Lock()
	ch, ok := r.channels[id]
	if !ok || ch.gen != gen {
		// superseded by a later Save or cancelled
		r.mu.Unlock()
		return
	}
	delete(r.channels, id)
	r.inflight.Add(1)
	r.mu.Unlock()

	defer r.inflight.Done()
	r.flush(context.Background(), ch.pending)
}

// Cancel discards pending saves for ids. Ids without a channel are ignored.
func (r *Registry) Cancel(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		ch, ok := r.channels[id]
		if !ok {
			continue
		}
		ch.timer.Stop()
		delete(r.channels, id)
	}
}

// Pending reports whether id has a save waiting to fire.
func (r *Registry) Pending(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.channels[id]
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// Flush fires every pending channel immediately, in no particular order, and
// waits for flushes already running on timers.
func (r *Registry) Flush(ctx context.Context) {
	r.mu.Lock()
	drained := make([]annotation.Annotation, 0, len(r.channels))
	for id, ch := range r.channels {
		ch.timer.Stop()
		drained = append(drained, ch.pending)
		delete(r.channels, id)
	}
	r.mu.Unlock()

	for _, a := range drained {
		r.flush(ctx, a)
	}
	r.inflight.Wait()
}

// Close flushes everything pending and rejects later saves.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.Flush(ctx)
}
