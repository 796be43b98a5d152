package viewer

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"

	"marginalia/api/internal/annotation"
)

// LabelPoint anchors a numeric page label to a page index. Labels for other
// pages are extrapolated from the closest preceding point.
type LabelPoint struct {
	PageIndex int    `json:"pageIndex"`
	Label     string `json:"label"`
}

// Layout is the page-label table of one open document. It serves as both the
// label extractor and the sort index source for a document whose labels are
// known up front.
type Layout struct {
	mu     sync.RWMutex
	labels []string
}

func NewLayout(labels []string) *Layout {
	return &Layout{labels: append([]string(nil), labels...)}
}

// SetLabels replaces the live page-label table.
func (l *Layout) SetLabels(labels []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.labels = append([]string(nil), labels...)
}

// LivePageLabel reads the table directly.
func (l *Layout) LivePageLabel(pageIndex int) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if pageIndex < 0 || pageIndex >= len(l.labels) || l.labels[pageIndex] == "" {
		return "", false
	}
	return l.labels[pageIndex], true
}

// PageLabelPoints returns the pages whose label is a plain integer.
func (l *Layout) PageLabelPoints(ctx context.Context) ([]LabelPoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	points := make([]LabelPoint, 0, len(l.labels))
	for i, label := range l.labels {
		if _, ok := CanonicalInt(label); ok {
			points = append(points, LabelPoint{PageIndex: i, Label: label})
		}
	}
	return points, nil
}

// PageLabel derives the label of pageIndex from points. It returns "" when
// no point precedes the page.
func (l *Layout) PageLabel(ctx context.Context, pageIndex int, points []LabelPoint) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var anchor *LabelPoint
	for i := range points {
		p := &points[i]
		if p.PageIndex > pageIndex {
			continue
		}
		if anchor == nil || p.PageIndex > anchor.PageIndex {
			anchor = p
		}
	}
	if anchor == nil {
		return "", nil
	}
	n, ok := CanonicalInt(anchor.Label)
	if !ok {
		return "", nil
	}
	return strconv.Itoa(n + pageIndex - anchor.PageIndex), nil
}

// SortIndex encodes page, offset and top coordinate as fixed-width decimal
// fields so plain string comparison matches reading order. The offset field
// is always zero because positions carry no text offsets.
func (l *Layout) SortIndex(ctx context.Context, position annotation.Position) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if position.PageIndex < 0 {
		return "", fmt.Errorf("negative page index %d", position.PageIndex)
	}
	top := 0.0
	for i, rect := range position.Rects {
		if len(rect) < 4 {
			return "", fmt.Errorf("rect %d has %d coordinates", i, len(rect))
		}
		// page coordinates grow upwards, so the highest y2 is nearest the top
		if i == 0 || rect[3] > top {
			top = rect[3]
		}
	}
	fromTop := int(math.Max(0, math.Floor(pageHeight-top)))
	return fmt.Sprintf("%05d|%06d|%05d", position.PageIndex, 0, fromTop), nil
}

// pageHeight bounds the y coordinate space; US letter and A4 both fit.
const pageHeight = 99999

// CanonicalInt parses s only when formatting the result gives s back, which
// rejects values such as "03", "+3" or "3a".
func CanonicalInt(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || strconv.Itoa(n) != s {
		return 0, false
	}
	return n, true
}
