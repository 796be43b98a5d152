package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search ranks annotations of the generated fts column with ts_rank and uses
// ts_headline over text and comment for snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	where, args := buildWhere(q)

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	var total int
	countSQL := "SELECT count(*) FROM annotations a WHERE " + where
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT a.id, a.document_id, a.type, a.page_label, a.page_index,
			ts_headline('english', concat_ws(' ', a.text, a.comment), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet
		FROM annotations a
		WHERE %s
		ORDER BY ts_rank(a.fts, plainto_tsquery('english', $1)) DESC, a.sort_index ASC
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.DocumentID, &r.Type, &r.PageLabel, &r.PageIndex, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

func buildWhere(q Query) (string, []any) {
	clauses := []string{"a.fts @@ plainto_tsquery('english', $1)"}
	args := []any{q.Text}
	if q.DocumentID != "" {
		args = append(args, q.DocumentID)
		clauses = append(clauses, fmt.Sprintf("a.document_id = $%d", len(args)))
	}
	if q.Type != "" {
		args = append(args, string(q.Type))
		clauses = append(clauses, fmt.Sprintf("a.type = $%d", len(args)))
	}
	return strings.Join(clauses, " AND "), args
}

// LoadRecords returns every annotation of documentID for reindexing.
func (p *PgFTS) LoadRecords(ctx context.Context, documentID string) ([]Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT a.id, a.document_id, a.type, a.page_index, a.page_label, a.text, a.comment,
			COALESCE((SELECT jsonb_agg(t->>'name') FROM jsonb_array_elements(a.tags) t), '[]'::jsonb)
		FROM annotations a
		WHERE a.document_id = $1
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("load annotations: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var r Record
		var tagsRaw []byte
		if err := rows.Scan(&r.ID, &r.DocumentID, &r.Type, &r.PageIndex, &r.PageLabel, &r.Text, &r.Comment, &tagsRaw); err != nil {
			return nil, fmt.Errorf("scan annotation record: %w", err)
		}
		r.Key = RecordKey(r.DocumentID, r.ID)
		if err := json.Unmarshal(tagsRaw, &r.Tags); err != nil {
			return nil, fmt.Errorf("decode tags of %s: %w", r.ID, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotation records: %w", err)
	}
	return records, nil
}
