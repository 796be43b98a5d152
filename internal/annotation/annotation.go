// Package annotation holds the annotation model shared by the lifecycle
// manager and its collaborators, together with the ordering rules applied to
// the live collection.
package annotation

import (
	"math"
	"time"
)

type Type string

const (
	TypeNote      Type = "note"
	TypeImage     Type = "image"
	TypeHighlight Type = "highlight"
	TypeUnderline Type = "underline"
	TypeText      Type = "text"
	TypeInk       Type = "ink"
)

// Positional reports whether annotations of this type carry a sort index.
func (t Type) Positional() bool {
	return t == TypeNote || t == TypeImage
}

func (t Type) Valid() bool {
	switch t {
	case TypeNote, TypeImage, TypeHighlight, TypeUnderline, TypeText, TypeInk:
		return true
	default:
		return false
	}
}

const (
	DefaultColor     = "#ffd400"
	DefaultPageLabel = "-"
)

// Rect is x1, y1, x2, y2 in page coordinates.
type Rect []float64

type Position struct {
	PageIndex int    `json:"pageIndex"`
	Rects     []Rect `json:"rects"`
}

// PositionPatch is merged field by field onto an existing Position.
type PositionPatch struct {
	PageIndex *int   `json:"pageIndex,omitempty"`
	Rects     []Rect `json:"rects,omitempty"`
}

type Tag struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

type Annotation struct {
	ID           string   `json:"id"`
	Type         Type     `json:"type" validate:"required"`
	Position     Position `json:"position"`
	SortIndex    string   `json:"sortIndex,omitempty"`
	PageLabel    string   `json:"pageLabel"`
	Image        *string  `json:"image,omitempty"`
	Color        string   `json:"color"`
	Text         string   `json:"text"`
	Comment      string   `json:"comment"`
	Tags         []Tag    `json:"tags"`
	DateCreated  string   `json:"dateCreated"`
	DateModified string   `json:"dateModified"`
	ReadOnly     bool     `json:"readOnly,omitempty"`
}

// Patch is a partial update addressed by ID. Nil fields are left untouched.
type Patch struct {
	ID        string         `json:"id"`
	Type      *Type          `json:"type,omitempty"`
	Position  *PositionPatch `json:"position,omitempty"`
	SortIndex *string        `json:"sortIndex,omitempty"`
	PageLabel *string        `json:"pageLabel,omitempty"`
	Image     *string        `json:"image,omitempty"`
	Color     *string        `json:"color,omitempty"`
	Text      *string        `json:"text,omitempty"`
	Comment   *string        `json:"comment,omitempty"`
	Tags      *[]Tag         `json:"tags,omitempty"`
}

// HasImage is false both before rendering and after a failed render.
func (a Annotation) HasImage() bool {
	return a.Image != nil && *a.Image != ""
}

// Clone returns a deep copy so callers never share rects, tags or the image
// pointer with the live collection.
func (a Annotation) Clone() Annotation {
	out := a
	out.Position = a.Position.Clone()
	if a.Tags != nil {
		out.Tags = make([]Tag, len(a.Tags))
		copy(out.Tags, a.Tags)
	}
	if a.Image != nil {
		image := *a.Image
		out.Image = &image
	}
	return out
}

func (p Position) Clone() Position {
	out := Position{PageIndex: p.PageIndex}
	if p.Rects != nil {
		out.Rects = make([]Rect, len(p.Rects))
		for i, rect := range p.Rects {
			out.Rects[i] = append(Rect(nil), rect...)
		}
	}
	return out
}

// Apply merges p onto a. Position is merged as its own shallow merge so a
// patch that only moves rects keeps the page index and vice versa.
func (a Annotation) Apply(p Patch) Annotation {
	out := a.Clone()
	if p.Type != nil {
		out.Type = *p.Type
	}
	if p.Position != nil {
		if p.Position.PageIndex != nil {
			out.Position.PageIndex = *p.Position.PageIndex
		}
		if p.Position.Rects != nil {
			out.Position.Rects = Position{Rects: p.Position.Rects}.Clone().Rects
		}
	}
	if p.SortIndex != nil {
		out.SortIndex = *p.SortIndex
	}
	if p.PageLabel != nil {
		out.PageLabel = *p.PageLabel
	}
	if p.Image != nil {
		image := *p.Image
		out.Image = &image
	}
	if p.Color != nil {
		out.Color = *p.Color
	}
	if p.Text != nil {
		out.Text = *p.Text
	}
	if p.Comment != nil {
		out.Comment = *p.Comment
	}
	if p.Tags != nil {
		out.Tags = append([]Tag{}, (*p.Tags)...)
	}
	return out
}

// ApplyDefaults fills empty user content the way a freshly created
// annotation expects it.
func (a *Annotation) ApplyDefaults() {
	if a.Color == "" {
		a.Color = DefaultColor
	}
	if a.Tags == nil {
		a.Tags = []Tag{}
	}
	if a.PageLabel == "" {
		a.PageLabel = DefaultPageLabel
	}
}

// RoundRects rounds every coordinate to 3 decimal places.
func RoundRects(rects []Rect) []Rect {
	if rects == nil {
		return nil
	}
	out := make([]Rect, len(rects))
	for i, rect := range rects {
		rounded := make(Rect, len(rect))
		for j, v := range rect {
			rounded[j] = round3(v)
		}
		out[i] = rounded
	}
	return out
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// EqualPositions compares page index and every rect coordinate.
func EqualPositions(a, b Position) bool {
	if a.PageIndex != b.PageIndex || len(a.Rects) != len(b.Rects) {
		return false
	}
	for i := range a.Rects {
		if len(a.Rects[i]) != len(b.Rects[i]) {
			return false
		}
		for j := range a.Rects[i] {
			if a.Rects[i][j] != b.Rects[i][j] {
				return false
			}
		}
	}
	return true
}

const timeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders t as an ISO-8601 UTC timestamp with milliseconds.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
