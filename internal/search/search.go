package search

import (
	"context"
	"strings"

	"marginalia/api/internal/annotation"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	Type       string `json:"type"`
	PageLabel  string `json:"pageLabel"`
	PageIndex  int    `json:"pageIndex"`
	Snippet    string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text       string
	DocumentID string
	Type       annotation.Type // empty = all types
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push annotations into a search index.
type Indexer interface {
	IndexAnnotations(records []Record) error
	DeleteAnnotations(keys []string) error
}

// Record is the data we index for an annotation.
type Record struct {
	Key        string   `json:"key"`
	ID         string   `json:"id"`
	DocumentID string   `json:"documentId"`
	Type       string   `json:"type"`
	PageIndex  int      `json:"pageIndex"`
	PageLabel  string   `json:"pageLabel"`
	Text       string   `json:"text"`
	Comment    string   `json:"comment"`
	Tags       []string `json:"tags"`
}

// NewRecord flattens an annotation for indexing. Images are never indexed.
func NewRecord(documentID string, a annotation.Annotation) Record {
	tags := make([]string, 0, len(a.Tags))
	for _, tag := range a.Tags {
		tags = append(tags, tag.Name)
	}
	return Record{
		Key:        RecordKey(documentID, a.ID),
		ID:         a.ID,
		DocumentID: documentID,
		Type:       string(a.Type),
		PageIndex:  a.Position.PageIndex,
		PageLabel:  a.PageLabel,
		Text:       a.Text,
		Comment:    a.Comment,
		Tags:       tags,
	}
}

// RecordKey builds the index primary key. Meilisearch only accepts
// alphanumerics, '-' and '_' in ids.
func RecordKey(documentID, id string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, documentID)
	return clean + "-" + id
}
