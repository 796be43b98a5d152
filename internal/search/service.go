package search

import (
	"context"
	"log/slog"
	"sync"

	"marginalia/api/internal/annotation"
)

type indexSearcher interface {
	Searcher
	Indexer
}

type recordLoader interface {
	Searcher
	LoadRecords(ctx context.Context, documentID string) ([]Record, error)
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	primary  indexSearcher
	fallback recordLoader
	logger   *slog.Logger
	pending  sync.WaitGroup
}

// NewService creates a search service. meili and pgfts may each be nil.
func NewService(meili *Meili, pgfts *PgFTS, logger *slog.Logger) *Service {
	var primary indexSearcher
	if meili != nil {
		primary = meili
	}
	var fallback recordLoader
	if pgfts != nil {
		fallback = pgfts
	}
	return newService(primary, fallback, logger)
}

func newService(primary indexSearcher, fallback recordLoader, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{primary: primary, fallback: fallback, logger: logger}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS. It
// never fails; errors yield an empty response.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primaryHealthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("search: meilisearch error, falling back to pgfts", "error", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("search: pgfts error", "error", err)
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

func (s *Service) primaryHealthy() bool {
	return s.primary != nil && s.primary.Healthy()
}

// IndexAnnotation indexes an annotation (fire-and-forget to Meilisearch).
func (s *Service) IndexAnnotation(documentID string, a annotation.Annotation) {
	if !s.primaryHealthy() {
		return
	}
	record := NewRecord(documentID, a)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.primary.IndexAnnotations([]Record{record}); err != nil {
			s.logger.Warn("search: index annotation", "id", a.ID, "error", err)
		}
	}()
}

// DeleteAnnotations removes annotations from the index (fire-and-forget).
func (s *Service) DeleteAnnotations(documentID string, ids []string) {
	if !s.primaryHealthy() || len(ids) == 0 {
		return
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = RecordKey(documentID, id)
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.primary.DeleteAnnotations(keys); err != nil {
			s.logger.Warn("search: delete annotations", "count", len(keys), "error", err)
		}
	}()
}

// Reindex reads every annotation of documentID from PG and pushes it to
// Meilisearch. Called during bootstrap.
func (s *Service) Reindex(ctx context.Context, documentID string) int {
	if !s.primaryHealthy() || s.fallback == nil {
		return 0
	}
	records, err := s.fallback.LoadRecords(ctx, documentID)
	if err != nil {
		s.logger.Error("search: reindex load failed", "error", err)
		return 0
	}
	if err := s.primary.IndexAnnotations(records); err != nil {
		s.logger.Error("search: reindex annotations", "error", err)
		return 0
	}
	return len(records)
}

// Wait blocks until background index updates have finished.
func (s *Service) Wait() {
	s.pending.Wait()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
