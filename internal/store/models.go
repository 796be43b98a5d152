package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"marginalia/api/internal/annotation"
)

// Snapshot records a history commit of a document's annotations.
type Snapshot struct {
	ID              int64     `json:"id"`
	DocumentID      string    `json:"documentId"`
	CommitHash      string    `json:"commitHash"`
	Message         string    `json:"message"`
	AnnotationCount int       `json:"annotationCount"`
	CreatedBy       string    `json:"createdBy"`
	CreatedAt       time.Time `json:"createdAt"`
}

// annotationRow is the column layout of the annotations table. Rects and tags
// are stored as JSON text.
type annotationRow struct {
	DocumentID   string
	ID           string
	Type         string
	PageIndex    int
	Rects        string
	SortIndex    string
	PageLabel    string
	Image        sql.NullString
	Color        string
	Text         string
	Comment      string
	Tags         string
	DateCreated  string
	DateModified string
}

func toRow(documentID string, a annotation.Annotation) (annotationRow, error) {
	rects := a.Position.Rects
	if rects == nil {
		rects = []annotation.Rect{}
	}
	encodedRects, err := json.Marshal(rects)
	if err != nil {
		return annotationRow{}, fmt.Errorf("marshal rects: %w", err)
	}
	tags := a.Tags
	if tags == nil {
		tags = []annotation.Tag{}
	}
	encodedTags, err := json.Marshal(tags)
	if err != nil {
		return annotationRow{}, fmt.Errorf("marshal tags: %w", err)
	}
	row := annotationRow{
		DocumentID:   documentID,
		ID:           a.ID,
		Type:         string(a.Type),
		PageIndex:    a.Position.PageIndex,
		Rects:        string(encodedRects),
		SortIndex:    a.SortIndex,
		PageLabel:    a.PageLabel,
		Color:        a.Color,
		Text:         a.Text,
		Comment:      a.Comment,
		Tags:         string(encodedTags),
		DateCreated:  a.DateCreated,
		DateModified: a.DateModified,
	}
	if a.Image != nil {
		row.Image = sql.NullString{String: *a.Image, Valid: true}
	}
	return row, nil
}

func (r annotationRow) toAnnotation() (annotation.Annotation, error) {
	a := annotation.Annotation{
		ID:           r.ID,
		Type:         annotation.Type(r.Type),
		Position:     annotation.Position{PageIndex: r.PageIndex},
		SortIndex:    r.SortIndex,
		PageLabel:    r.PageLabel,
		Color:        r.Color,
		Text:         r.Text,
		Comment:      r.Comment,
		DateCreated:  r.DateCreated,
		DateModified: r.DateModified,
	}
	if err := json.Unmarshal([]byte(r.Rects), &a.Position.Rects); err != nil {
		return annotation.Annotation{}, fmt.Errorf("decode rects of %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Tags), &a.Tags); err != nil {
		return annotation.Annotation{}, fmt.Errorf("decode tags of %s: %w", r.ID, err)
	}
	if a.Tags == nil {
		a.Tags = []annotation.Tag{}
	}
	if r.Image.Valid {
		image := r.Image.String
		a.Image = &image
	}
	return a, nil
}
