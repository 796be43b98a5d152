// Package renderqueue serializes image capture requests so the area
// renderer is never invoked concurrently.
package renderqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"marginalia/api/internal/annotation"
)

// Resolver looks an annotation up by id at the moment its task runs.
type Resolver interface {
	AnnotationByID(id string) (annotation.Annotation, bool)
}

// Renderer captures the area covered by a position and returns the encoded
// bitmap.
type Renderer interface {
	RenderArea(ctx context.Context, position annotation.Position) (string, error)
}

type task struct {
	ctx    context.Context
	id     string
	result chan string
}

type Stats struct {
	Queued    int    `json:"queued"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Orphaned  uint64 `json:"orphaned"`
}

// Queue runs one task at a time, in submission order, on a dedicated worker.
type Queue struct {
	resolver Resolver
	renderer Renderer
	logger   *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []*task
	closed bool
	done   chan struct{}

	processed atomic.Uint64
	failed    atomic.Uint64
	orphaned  atomic.Uint64
}

func New(resolver Resolver, renderer Renderer, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		resolver: resolver,
		renderer: renderer,
		logger:   logger,
		done:     make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	return q
}

// RequestImage enqueues a capture for id and waits for it. The result is ""
// when id no longer resolves, the renderer fails, ctx ends, or the queue is
// closed.
func (q *Queue) RequestImage(ctx context.Context, id string) string {
	t := &task{ctx: ctx, id: id, result: make(chan string, 1)}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ""
	}
	q.tasks = append(q.tasks, t)
	q.cond.Signal()
	q.mu.Unlock()

	select {
	case image := <-t.result:
		return image
	case <-ctx.Done():
		return ""
	}
}

func (q *Queue) loop() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			pending := q.tasks
			q.tasks = nil
			q.mu.Unlock()
			for _, t := range pending {
				t.result <- ""
			}
			return
		}
		t := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		t.result <- q.run(t)
	}
}

func (q *Queue) run(t *task) (image string) {
	if t.ctx.Err() != nil {
		return ""
	}
	current, ok := q.resolver.AnnotationByID(t.id)
	if !ok {
		q.orphaned.Add(1)
		q.logger.Debug("renderqueue: annotation gone before render", "id", t.id)
		return ""
	}

	defer func() {
		if r := recover(); r != nil {
			q.failed.Add(1)
			q.logger.Warn("renderqueue: renderer panicked", "id", t.id, "panic", fmt.Sprint(r))
			image = ""
		}
	}()

	image, err := q.renderer.RenderArea(t.ctx, current.Position)
	if err != nil {
		q.failed.Add(1)
		q.logger.Warn("renderqueue: render failed", "id", t.id, "error", err)
		return ""
	}
	q.processed.Add(1)
	return image
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	queued := len(q.tasks)
	q.mu.Unlock()
	return Stats{
		Queued:    queued,
		Processed: q.processed.Load(),
		Failed:    q.failed.Load(),
		Orphaned:  q.orphaned.Load(),
	}
}

// Close stops the worker once the running task finishes. Queued tasks
// resolve to "".
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	<-q.done
}
