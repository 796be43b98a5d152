package manager

import (
	"context"
	"strconv"
	"time"

	"marginalia/api/internal/annotation"
	"marginalia/api/internal/viewer"
)

// Add creates a local annotation. The caller sees it immediately with a
// placeholder page label; the returned value carries the derived fields.
func (m *Manager) Add(ctx context.Context, a annotation.Annotation) (annotation.Annotation, error) {
	if m.ReadOnly() {
		return annotation.Annotation{}, ErrReadOnly
	}

	a = a.Clone()
	a.ApplyDefaults()
	a.ID = m.newID()
	a.PageLabel = annotation.DefaultPageLabel
	a.DateCreated = m.timestamp()
	a.DateModified = a.DateCreated
	a.Position.Rects = annotation.RoundRects(a.Position.Rects)
	a.ReadOnly = false
	m.upsert(a)

	position := a.Position.Clone()
	label := m.pageLabel(ctx, position.PageIndex)
	d := derived{label: &label}
	if a.Type.Positional() {
		if sortIndex, ok := m.sortIndex(ctx, position); ok {
			d.sortIndex = &sortIndex
		}
	}
	if a.Type == annotation.TypeImage {
		rendered := m.queue.RequestImage(ctx, a.ID)
		d.image = &rendered
	}

	final, ok := m.commit(a.ID, position, d, true)
	if !ok {
		d.applyTo(&a, position)
		return a, nil
	}
	return final, nil
}

// Set applies an annotation edited elsewhere and waits for its image when one
// is needed. It is not gated by read-only mode.
func (m *Manager) Set(ctx context.Context, a annotation.Annotation) annotation.Annotation {
	a, pending := m.Receive(a)
	if !pending {
		return a
	}
	if final, ok := m.RenderMissingImage(ctx, a); ok {
		return final
	}
	return a
}

// Receive applies an annotation edited elsewhere without rendering. It
// reports whether the annotation is an image that was never rendered; an
// empty image means a render was already attempted and failed.
func (m *Manager) Receive(a annotation.Annotation) (annotation.Annotation, bool) {
	a = a.Clone()
	a.ReadOnly = m.ReadOnly()
	a.Position.Rects = annotation.RoundRects(a.Position.Rects)
	m.upsert(a)
	return a, a.Type == annotation.TypeImage && a.Image == nil
}

// RenderMissingImage renders the bitmap of a received annotation and saves
// it. The result is dropped if the annotation moved, was removed or gained an
// image in the meantime.
func (m *Manager) RenderMissingImage(ctx context.Context, a annotation.Annotation) (annotation.Annotation, bool) {
	rendered := m.queue.RequestImage(ctx, a.ID)
	return m.commit(a.ID, a.Position, derived{image: &rendered, keepImage: true}, true)
}

// Update merges p onto the live annotation. Derived fields are recomputed
// only when the position changed, except that a placeholder page label is
// always resolved again.
func (m *Manager) Update(ctx context.Context, p annotation.Patch) (annotation.Annotation, error) {
	if m.ReadOnly() {
		return annotation.Annotation{}, ErrReadOnly
	}
	existing, ok := m.AnnotationByID(p.ID)
	if !ok {
		return annotation.Annotation{}, ErrNotFound
	}

	merged := existing.Apply(p)
	merged.ID = existing.ID
	merged.Position.Rects = annotation.RoundRects(merged.Position.Rects)
	merged.DateModified = m.modifiedStamp(merged.DateCreated)
	m.upsert(merged)

	position := merged.Position.Clone()
	moved := !annotation.EqualPositions(existing.Position, position)

	var d derived
	if p.PageLabel == nil && (existing.Position.PageIndex != position.PageIndex || existing.PageLabel == annotation.DefaultPageLabel) {
		l := m.pageLabel(ctx, position.PageIndex)
		d.label = &l
	}
	if moved && merged.Type.Positional() {
		if s, ok := m.sortIndex(ctx, position); ok {
			d.sortIndex = &s
		}
	}
	if moved && merged.Type == annotation.TypeImage {
		rendered := m.queue.RequestImage(ctx, merged.ID)
		d.image = &rendered
	}

	final, ok := m.commit(merged.ID, position, d, true)
	if !ok {
		return merged, nil
	}
	return final, nil
}

// modifiedStamp never returns a time before created.
func (m *Manager) modifiedStamp(created string) string {
	now := m.now()
	if c, err := time.Parse(time.RFC3339Nano, created); err == nil && c.After(now) {
		return annotation.FormatTime(c)
	}
	return annotation.FormatTime(now)
}

// RemoveLocal drops annotations removed elsewhere without calling the
// persistence hooks. It is not gated by read-only mode.
func (m *Manager) RemoveLocal(ids []string) {
	m.mu.Lock()
	m.removeLocked(ids)
	m.emitAndUnlock()
}

// Delete removes ids, tells the store about it and then notifies the
// observer.
func (m *Manager) Delete(ctx context.Context, ids []string) error {
	if m.ReadOnly() {
		return ErrReadOnly
	}
	m.mu.Lock()
	removed := m.removeLocked(ids)
	m.mu.Unlock()

	if err := m.persister.DeleteAnnotations(ctx, ids); err != nil {
		m.logger.Error("manager: delete annotations failed", "ids", ids, "error", err)
	}
	m.logger.Debug("manager: annotations deleted", "requested", len(ids), "removed", len(removed))

	m.mu.Lock()
	m.emitAndUnlock()
	return nil
}

// ResetPageLabels renumbers every annotation so that pageIndex carries label.
// It reports false and changes nothing unless label is a canonical integer.
func (m *Manager) ResetPageLabels(pageIndex int, label string) bool {
	n, ok := viewer.CanonicalInt(label)
	if !ok {
		return false
	}
	start := n - pageIndex

	for _, a := range m.Annotations() {
		m.mu.Lock()
		i := m.indexLocked(a.ID)
		if i < 0 {
			m.mu.Unlock()
			continue
		}
		current := m.items[i].Clone()
		current.PageLabel = strconv.Itoa(start + current.Position.PageIndex)
		m.putLocked(current)
		m.saver.Save(current)
		m.emitAndUnlock()
	}
	return true
}

// EnrichMissingImages renders every image annotation that was never
// rendered, one at a time, saving each result. Annotations whose render
// failed keep their empty image. A scan requested while another is running
// is dropped.
func (m *Manager) EnrichMissingImages(ctx context.Context) int {
	if !m.scanning.CompareAndSwap(false, true) {
		m.logger.Debug("manager: image scan already running")
		return 0
	}
	defer m.scanning.Store(false)

	enriched := 0
	for _, a := range m.Annotations() {
		if ctx.Err() != nil {
			break
		}
		if a.Type != annotation.TypeImage || a.Image != nil {
			continue
		}
		rendered := m.queue.RequestImage(ctx, a.ID)
		if ctx.Err() != nil {
			break
		}
		_, ok := m.commit(a.ID, a.Position, derived{image: &rendered, keepImage: true}, true)
		if ok && rendered != "" {
			enriched++
		}
	}
	return enriched
}

// Wire subscribes the manager to viewer lifecycle events. The returned
// function unsubscribes and cancels a scheduled image scan.
func (m *Manager) Wire(events Events) func() {
	stopInit := events.Subscribe(viewer.PagesInitialized, func() {
		m.logger.Info("manager: viewer pages initialized", "annotations", len(m.Annotations()))
	})
	stopRendered := events.Subscribe(viewer.PageRendered, m.scheduleImageScan)
	return func() {
		stopInit()
		stopRendered()
		m.timerMu.Lock()
		if m.timer != nil {
			m.timer.Stop()
		}
		m.timerMu.Unlock()
		m.scheduled.Store(false)
	}
}

// scheduleImageScan runs EnrichMissingImages after the grace period. Render
// bursts within the grace period share one scan.
func (m *Manager) scheduleImageScan() {
	if m.baseCtx.Err() != nil || !m.scheduled.CompareAndSwap(false, true) {
		return
	}
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	m.timer = time.AfterFunc(m.grace, func() {
		m.scheduled.Store(false)
		if n := m.EnrichMissingImages(m.baseCtx); n > 0 {
			m.logger.Info("manager: rendered missing images", "count", n)
		}
	})
}
