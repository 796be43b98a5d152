// Package manager owns the live annotation collection of one open document.
//
// Every mutation is applied in two phases. The provisional state is upserted
// and announced to the observer immediately; derived fields (page label,
// sort index, rendered image) are then computed without holding the
// collection lock and applied to whatever the annotation looks like once they
// are ready. The enriched state is persisted through a per-annotation
// debounced channel.
package manager

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"marginalia/api/internal/annotation"
	"marginalia/api/internal/debounce"
	"marginalia/api/internal/renderqueue"
	"marginalia/api/internal/viewer"
)

var (
	ErrReadOnly = errors.New("annotations are read-only")
	ErrNotFound = errors.New("annotation not found")
)

// DefaultEnrichGrace is how long the manager waits after a page render
// before looking for image annotations that still lack a bitmap.
const DefaultEnrichGrace = 2 * time.Second

// Persister is the external annotation store.
type Persister interface {
	SaveAnnotation(ctx context.Context, a annotation.Annotation) error
	DeleteAnnotations(ctx context.Context, ids []string) error
}

// Labeler resolves display labels for page indexes.
type Labeler interface {
	PageLabelPoints(ctx context.Context) ([]viewer.LabelPoint, error)
	PageLabel(ctx context.Context, pageIndex int, points []viewer.LabelPoint) (string, error)
	LivePageLabel(pageIndex int) (string, bool)
}

// Indexer computes the reading order key of a position.
type Indexer interface {
	SortIndex(ctx context.Context, position annotation.Position) (string, error)
}

// Events is the subscription side of the viewer's event bus.
type Events interface {
	Subscribe(event viewer.Event, fn func()) func()
}

type Options struct {
	ReadOnly    bool
	Annotations []annotation.Annotation

	Persister Persister
	// OnUpdate receives the full collection after every change, in the order
	// the changes were applied. It runs while the manager serializes
	// observers, so it must not call back into the manager synchronously,
	// not even read-only methods.
	OnUpdate func([]annotation.Annotation)
	Labeler  Labeler
	Indexer  Indexer
	Renderer renderqueue.Renderer

	SaveDelay   time.Duration
	SaveMaxWait time.Duration
	EnrichGrace time.Duration

	Logger *slog.Logger
	Clock  func() time.Time
}

type Manager struct {
	persister Persister
	onUpdate  func([]annotation.Annotation)
	labeler   Labeler
	indexer   Indexer
	logger    *slog.Logger
	now       func() time.Time
	grace     time.Duration

	queue *renderqueue.Queue
	saver *debounce.Registry

	mu       sync.Mutex
	items    []annotation.Annotation
	readOnly bool

	// emitMu is taken before mu is released so observers see snapshots in
	// mutation order.
	emitMu sync.Mutex

	pointsMu     sync.Mutex
	points       []viewer.LabelPoint
	pointsLoaded bool

	baseCtx   context.Context
	cancel    context.CancelFunc
	scanning  atomic.Bool
	scheduled atomic.Bool
	timerMu   sync.Mutex
	timer     *time.Timer
}

func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	grace := opts.EnrichGrace
	if grace <= 0 {
		grace = DefaultEnrichGrace
	}
	persister := opts.Persister
	if persister == nil {
		persister = nopPersister{}
	}
	onUpdate := opts.OnUpdate
	if onUpdate == nil {
		onUpdate = func([]annotation.Annotation) {}
	}
	renderer := opts.Renderer
	if renderer == nil {
		renderer = unavailableRenderer{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		persister: persister,
		onUpdate:  onUpdate,
		labeler:   opts.Labeler,
		indexer:   opts.Indexer,
		logger:    logger,
		now:       now,
		grace:     grace,
		readOnly:  opts.ReadOnly,
		baseCtx:   ctx,
		cancel:    cancel,
	}
	m.items = initialItems(opts.Annotations, opts.ReadOnly)
	m.queue = renderqueue.New(m, renderer, logger)
	m.saver = debounce.New(m.flush,
		debounce.WithDelay(opts.SaveDelay),
		debounce.WithMaxWait(opts.SaveMaxWait),
		debounce.WithLogger(logger),
	)
	return m
}

func initialItems(in []annotation.Annotation, readOnly bool) []annotation.Annotation {
	items := make([]annotation.Annotation, 0, len(in))
	seen := make(map[string]int, len(in))
	for _, a := range in {
		a = a.Clone()
		a.Position.Rects = annotation.RoundRects(a.Position.Rects)
		a.ReadOnly = readOnly
		if i, ok := seen[a.ID]; ok {
			items[i] = a
			continue
		}
		seen[a.ID] = len(items)
		items = append(items, a)
	}
	annotation.Sort(items)
	return items
}

func (m *Manager) flush(ctx context.Context, a annotation.Annotation) {
	if err := m.persister.SaveAnnotation(ctx, a); err != nil {
		m.logger.Error("manager: save annotation failed", "id", a.ID, "error", err)
	}
}

func (m *Manager) ReadOnly() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readOnly
}

// SetReadOnly switches the mode and re-marks every annotation.
func (m *Manager) SetReadOnly(readOnly bool) {
	m.mu.Lock()
	m.readOnly = readOnly
	for i := range m.items {
		m.items[i].ReadOnly = readOnly
	}
	m.emitAndUnlock()
}

// AnnotationByID returns a copy of the live annotation.
func (m *Manager) AnnotationByID(id string) (annotation.Annotation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexLocked(id)
	if i < 0 {
		return annotation.Annotation{}, false
	}
	return m.items[i].Clone(), true
}

// Annotations returns a copy of the collection in display order.
func (m *Manager) Annotations() []annotation.Annotation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) indexLocked(id string) int {
	for i := range m.items {
		if m.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (m *Manager) snapshotLocked() []annotation.Annotation {
	out := make([]annotation.Annotation, len(m.items))
	for i, a := range m.items {
		out[i] = a.Clone()
	}
	return out
}

// emitAndUnlock snapshots the collection, releases mu and hands the
// snapshot to the observer.
func (m *Manager) emitAndUnlock() {
	snapshot := m.snapshotLocked()
	m.emitMu.Lock()
	m.mu.Unlock()
	defer m.emitMu.Unlock()
	m.onUpdate(snapshot)
}

func (m *Manager) putLocked(a annotation.Annotation) {
	fresh := a.Clone()
	if i := m.indexLocked(a.ID); i >= 0 {
		m.items[i] = fresh
	} else {
		m.items = append(m.items, fresh)
	}
	annotation.Sort(m.items)
}

// upsert replaces the annotation with the same id, or appends it, re-sorts
// and notifies the observer.
func (m *Manager) upsert(a annotation.Annotation) {
	m.mu.Lock()
	m.putLocked(a)
	m.emitAndUnlock()
}

// derived holds fields computed off the lock for one position.
type derived struct {
	label     *string
	sortIndex *string
	image     *string
	// keepImage leaves an image that arrived in the meantime untouched.
	keepImage bool
}

// applyTo sets the fields that are still valid for cur. The label depends
// only on the page, the other fields on the exact position.
func (d derived) applyTo(cur *annotation.Annotation, computedFor annotation.Position) bool {
	if d.label != nil && cur.Position.PageIndex == computedFor.PageIndex {
		cur.PageLabel = *d.label
	}
	if !annotation.EqualPositions(cur.Position, computedFor) {
		return false
	}
	if d.sortIndex != nil {
		cur.SortIndex = *d.sortIndex
	}
	if d.image != nil && (!d.keepImage || cur.Image == nil) {
		cur.Image = d.image
	}
	return true
}

// commit applies derived fields to the current state of id. A removed
// annotation is never brought back. When save is set the result is queued
// for persistence before the lock is released so a concurrent delete can
// always cancel it.
func (m *Manager) commit(id string, computedFor annotation.Position, d derived, save bool) (annotation.Annotation, bool) {
	m.mu.Lock()
	i := m.indexLocked(id)
	if i < 0 {
		m.mu.Unlock()
		m.logger.Debug("manager: annotation removed during enrichment", "id", id)
		return annotation.Annotation{}, false
	}
	current := m.items[i].Clone()
	if !d.applyTo(&current, computedFor) {
		m.logger.Debug("manager: position changed during enrichment, keeping newer state", "id", id)
	}
	m.putLocked(current)
	if save {
		m.saver.Save(current)
	}
	m.emitAndUnlock()
	return current, true
}

func (m *Manager) removeLocked(ids []string) []string {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := m.items[:0]
	removed := make([]string, 0, len(ids))
	for _, a := range m.items {
		if _, ok := drop[a.ID]; ok {
			removed = append(removed, a.ID)
			continue
		}
		kept = append(kept, a)
	}
	for i := len(kept); i < len(m.items); i++ {
		m.items[i] = annotation.Annotation{}
	}
	m.items = kept
	m.saver.Cancel(ids...)
	return removed
}

func (m *Manager) newID() string {
	return annotation.NewID(func(id string) bool {
		_, ok := m.AnnotationByID(id)
		return ok
	})
}

func (m *Manager) timestamp() string {
	return annotation.FormatTime(m.now())
}

// pageLabel resolves the label for pageIndex, falling back to the viewer's
// live table and finally to the one-based page number.
func (m *Manager) pageLabel(ctx context.Context, pageIndex int) string {
	if m.labeler != nil {
		points := m.labelPoints(ctx)
		label, err := m.labeler.PageLabel(ctx, pageIndex, points)
		if err != nil {
			m.logger.Warn("manager: page label lookup failed", "pageIndex", pageIndex, "error", err)
		} else if label != "" {
			return label
		}
		if live, ok := m.labeler.LivePageLabel(pageIndex); ok && live != "" {
			return live
		}
	}
	return strconv.Itoa(pageIndex + 1)
}

// labelPoints extracts the reference points once per manager. A failed
// extraction is not cached.
func (m *Manager) labelPoints(ctx context.Context) []viewer.LabelPoint {
	m.pointsMu.Lock()
	defer m.pointsMu.Unlock()
	if m.pointsLoaded {
		return m.points
	}
	points, err := m.labeler.PageLabelPoints(ctx)
	if err != nil {
		m.logger.Warn("manager: page label points unavailable", "error", err)
		return nil
	}
	m.points = points
	m.pointsLoaded = true
	return points
}

func (m *Manager) sortIndex(ctx context.Context, position annotation.Position) (string, bool) {
	if m.indexer == nil {
		return "", false
	}
	index, err := m.indexer.SortIndex(ctx, position)
	if err != nil {
		m.logger.Warn("manager: sort index failed", "pageIndex", position.PageIndex, "error", err)
		return "", false
	}
	return index, true
}

// AnnotationImage renders the current area of id. It returns "" when id is
// gone or rendering fails.
func (m *Manager) AnnotationImage(ctx context.Context, id string) string {
	return m.queue.RequestImage(ctx, id)
}

// RenderStats reports render queue counters.
func (m *Manager) RenderStats() renderqueue.Stats {
	return m.queue.Stats()
}

// PendingSaves reports how many annotations have a save waiting.
func (m *Manager) PendingSaves() int {
	return m.saver.Len()
}

// Close flushes pending saves and stops background work.
func (m *Manager) Close(ctx context.Context) {
	m.cancel()
	m.timerMu.Lock()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timerMu.Unlock()
	m.saver.Close(ctx)
	m.queue.Close()
}

type nopPersister struct{}

func (nopPersister) SaveAnnotation(context.Context, annotation.Annotation) error { return nil }
func (nopPersister) DeleteAnnotations(context.Context, []string) error        { return nil }

type unavailableRenderer struct{}

func (unavailableRenderer) RenderArea(context.Context, annotation.Position) (string, error) {
	return "", errors.New("no renderer configured")
}
