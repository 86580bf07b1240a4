package pgx

import (
	"context"
	"fmt"

	"github.com/corvus-kb/corvus/pkg/common"
	"github.com/corvus-kb/corvus/pkg/logger"
	"github.com/corvus-kb/corvus/pkg/store"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

const sqlInsertDocument = `
INSERT INTO documents (id, title, domain, pages, version)
VALUES ($1, $2, $3, $4, $5)
`

const sqlInsertSection = `
INSERT INTO sections (id, document_id, idx, title, body, page_start, page_end, embedding)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

const sqlSelectDocument = `
SELECT id, title, domain, pages, version
FROM documents
WHERE id = $1
`

const sqlSelectDocumentSections = `
SELECT id, document_id, idx, title, body, page_start, page_end
FROM sections
WHERE document_id = $1
ORDER BY idx
`

const sqlSelectSection = `
SELECT id, document_id, idx, title, body, page_start, page_end
FROM sections
WHERE id = $1
`

const sqlSelectDocuments = `
SELECT id, title, domain, pages, version
FROM documents
ORDER BY id
`

const sqlSelectAllSections = `
SELECT id, document_id, idx, title, body, page_start, page_end
FROM sections
ORDER BY document_id, idx
`

const sqlScrubRelationshipProvenance = `
UPDATE relationships
SET section_ids = COALESCE(
	(SELECT array_agg(sid) FROM unnest(section_ids) AS sid
	 WHERE sid <> ALL (
		SELECT id FROM sections WHERE document_id = $1
	 )),
	'{}'
)
WHERE section_ids && ARRAY(SELECT id FROM sections WHERE document_id = $1)
`

const sqlDeleteOrphanRelationships = `
DELETE FROM relationships WHERE section_ids = '{}'
`

const sqlDeleteDocumentSections = `
DELETE FROM sections WHERE document_id = $1
`

const sqlDeleteDocument = `
DELETE FROM documents WHERE id = $1
`

const sectionChunk = 500

// PutDocument persists a document and its sections in one transaction.
// Documents are immutable: writing an existing ID fails.
func (s *GraphDBStorage) PutDocument(ctx context.Context, doc *common.Document) error {
	if doc == nil || doc.ID == "" {
		return fmt.Errorf("document must have an id")
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, sqlInsertDocument,
		doc.ID, doc.Title, doc.Domain, doc.Pages, doc.Version,
	); err != nil {
		return fmt.Errorf("insert document %s: %w", doc.ID, err)
	}

	err = store.ChunkRange(len(doc.Sections), sectionChunk, func(start, end int) error {
		logger.Debug("[Store][PutDocument] Saving section chunk", "document", doc.ID, "sections", end-start)
		for _, sec := range doc.Sections[start:end] {
			var emb any
			if len(sec.Embedding) > 0 {
				emb = pgvector.NewVector(sec.Embedding)
			}
			if _, err := tx.Exec(ctx, sqlInsertSection,
				sec.ID, doc.ID, sec.Index, sec.Title, sec.Text,
				sec.PageStart, sec.PageEnd, emb,
			); err != nil {
				return fmt.Errorf("insert section %s: %w", sec.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *GraphDBStorage) GetDocument(ctx context.Context, id string) (*common.Document, error) {
	doc := &common.Document{}
	err := s.conn.QueryRow(ctx, sqlSelectDocument, id).Scan(
		&doc.ID, &doc.Title, &doc.Domain, &doc.Pages, &doc.Version,
	)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("document %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.conn.Query(ctx, sqlSelectDocumentSections, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var sec common.Section
		if err := rows.Scan(
			&sec.ID, &sec.DocumentID, &sec.Index, &sec.Title, &sec.Text,
			&sec.PageStart, &sec.PageEnd,
		); err != nil {
			return nil, err
		}
		doc.Sections = append(doc.Sections, sec)
	}
	return doc, rows.Err()
}

// ListDocuments loads every document with its sections, ordered by ID.
func (s *GraphDBStorage) ListDocuments(ctx context.Context) ([]*common.Document, error) {
	rows, err := s.conn.Query(ctx, sqlSelectDocuments)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]*common.Document)
	var out []*common.Document
	for rows.Next() {
		doc := &common.Document{}
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.Domain, &doc.Pages, &doc.Version); err != nil {
			return nil, err
		}
		byID[doc.ID] = doc
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	secRows, err := s.conn.Query(ctx, sqlSelectAllSections)
	if err != nil {
		return nil, err
	}
	defer secRows.Close()

	for secRows.Next() {
		var sec common.Section
		if err := secRows.Scan(
			&sec.ID, &sec.DocumentID, &sec.Index, &sec.Title, &sec.Text,
			&sec.PageStart, &sec.PageEnd,
		); err != nil {
			return nil, err
		}
		if doc, ok := byID[sec.DocumentID]; ok {
			doc.Sections = append(doc.Sections, sec)
		}
	}
	return out, secRows.Err()
}

// DeleteDocument removes the document, its sections, and the provenance
// those sections gave to relationships. Relationships left without any
// provenance are dropped; entities stay.
func (s *GraphDBStorage) DeleteDocument(ctx context.Context, id string) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, sqlScrubRelationshipProvenance, id); err != nil {
		return fmt.Errorf("scrub relationship provenance for document %s: %w", id, err)
	}
	if _, err := tx.Exec(ctx, sqlDeleteOrphanRelationships); err != nil {
		return fmt.Errorf("delete orphan relationships: %w", err)
	}
	if _, err := tx.Exec(ctx, sqlDeleteDocumentSections, id); err != nil {
		return fmt.Errorf("delete sections of document %s: %w", id, err)
	}
	tag, err := tx.Exec(ctx, sqlDeleteDocument, id)
	if err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s: %w", id, common.ErrNotFound)
	}
	return tx.Commit(ctx)
}

func (s *GraphDBStorage) GetSection(ctx context.Context, id string) (common.Section, error) {
	var sec common.Section
	err := s.conn.QueryRow(ctx, sqlSelectSection, id).Scan(
		&sec.ID, &sec.DocumentID, &sec.Index, &sec.Title, &sec.Text,
		&sec.PageStart, &sec.PageEnd,
	)
	if err == pgx.ErrNoRows {
		return common.Section{}, fmt.Errorf("section %s: %w", id, common.ErrNotFound)
	}
	return sec, err
}
