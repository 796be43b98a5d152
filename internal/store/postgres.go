package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"marginalia/api/internal/annotation"
)

var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// SaveAnnotation upserts the full annotation state. Saves are last-writer-wins.
func (s *PostgresStore) SaveAnnotation(ctx context.Context, documentID string, item annotation.Annotation) error {
	row, err := toRow(documentID, item)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO annotations (
			document_id, id, type, page_index, rects, sort_index, page_label, image,
			color, text, comment, tags, date_created, date_modified
		)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9, $10, $11, $12::jsonb, $13, $14)
		ON CONFLICT (document_id, id) DO UPDATE SET
			type = EXCLUDED.type,
			page_index = EXCLUDED.page_index,
			rects = EXCLUDED.rects,
			sort_index = EXCLUDED.sort_index,
			page_label = EXCLUDED.page_label,
			image = EXCLUDED.image,
			color = EXCLUDED.color,
			text = EXCLUDED.text,
			comment = EXCLUDED.comment,
			tags = EXCLUDED.tags,
			date_modified = EXCLUDED.date_modified,
			updated_at = NOW()
	`,
		row.DocumentID, row.ID, row.Type, row.PageIndex, row.Rects, row.SortIndex, row.PageLabel, row.Image,
		row.Color, row.Text, row.Comment, row.Tags, row.DateCreated, row.DateModified,
	)
	if err != nil {
		return fmt.Errorf("save annotation: %w", err)
	}
	return nil
}

// DeleteAnnotations removes ids from documentID. Unknown ids are ignored.
func (s *PostgresStore) DeleteAnnotations(ctx context.Context, documentID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	encoded, err := json.Marshal(ids)
	if err != nil {
		return 0, fmt.Errorf("marshal annotation ids: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM annotations
		WHERE document_id = $1
		  AND id IN (SELECT jsonb_array_elements_text($2::jsonb))
	`, documentID, string(encoded))
	if err != nil {
		return 0, fmt.Errorf("delete annotations: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete annotations rows affected: %w", err)
	}
	return affected, nil
}

func (s *PostgresStore) ListAnnotations(ctx context.Context, documentID string) ([]annotation.Annotation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+annotationColumns+`
		FROM annotations
		WHERE document_id = $1
		ORDER BY sort_index ASC, date_created ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	defer rows.Close()

	items := make([]annotation.Annotation, 0)
	for rows.Next() {
		item, err := scanAnnotation(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotations: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetAnnotation(ctx context.Context, documentID, id string) (annotation.Annotation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+annotationColumns+`
		FROM annotations
		WHERE document_id = $1 AND id = $2
	`, documentID, id)
	item, err := scanAnnotation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return annotation.Annotation{}, ErrNotFound
	}
	return item, err
}

func (s *PostgresStore) CountAnnotations(ctx context.Context, documentID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM annotations WHERE document_id = $1`, documentID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count annotations: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) InsertSnapshot(ctx context.Context, snapshot Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO annotation_snapshots (document_id, commit_hash, message, annotation_count, created_by_name)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (document_id, commit_hash) DO NOTHING
	`, snapshot.DocumentID, snapshot.CommitHash, snapshot.Message, snapshot.AnnotationCount, snapshot.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, documentID string, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, commit_hash, message, annotation_count, created_by_name, created_at
		FROM annotation_snapshots
		WHERE document_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	items := make([]Snapshot, 0)
	for rows.Next() {
		var item Snapshot
		if err := rows.Scan(
			&item.ID,
			&item.DocumentID,
			&item.CommitHash,
			&item.Message,
			&item.AnnotationCount,
			&item.CreatedBy,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return items, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const annotationColumns = `document_id, id, type, page_index, rects, sort_index, page_label, image,
		color, text, comment, tags, date_created, date_modified`

type scanner interface {
	Scan(dest ...any) error
}

func scanAnnotation(row scanner) (annotation.Annotation, error) {
	var r annotationRow
	var rects, tags []byte
	if err := row.Scan(
		&r.DocumentID,
		&r.ID,
		&r.Type,
		&r.PageIndex,
		&rects,
		&r.SortIndex,
		&r.PageLabel,
		&r.Image,
		&r.Color,
		&r.Text,
		&r.Comment,
		&tags,
		&r.DateCreated,
		&r.DateModified,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return annotation.Annotation{}, err
		}
		return annotation.Annotation{}, fmt.Errorf("scan annotation: %w", err)
	}
	r.Rects = string(rects)
	r.Tags = string(tags)
	return r.toAnnotation()
}
