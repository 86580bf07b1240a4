package pgx

import (
	"context"

	"github.com/corvus-kb/corvus/pkg/common"
	"github.com/corvus-kb/corvus/pkg/store"

	"github.com/pgvector/pgvector-go"
)

const sqlSimilarSections = `
SELECT id, document_id, idx, title, body, page_start, page_end,
	1 - (embedding <=> $1) AS score
FROM sections
WHERE embedding IS NOT NULL
ORDER BY embedding <=> $1, id
LIMIT $2
`

const sqlSectionsForEntities = `
SELECT DISTINCT s.id, s.document_id, s.idx, s.title, s.body, s.page_start, s.page_end
FROM relationships r
JOIN sections s ON s.id = ANY(r.section_ids)
WHERE r.source_id = ANY($1) OR r.target_id = ANY($1)
ORDER BY s.document_id, s.idx
`

const sqlSnapshotEntities = `SELECT id FROM entities ORDER BY seq`

const sqlSnapshotEdges = `
SELECT LEAST(source_id, target_id), GREATEST(source_id, target_id), SUM(weight)
FROM relationships
WHERE source_id <> target_id
GROUP BY LEAST(source_id, target_id), GREATEST(source_id, target_id)
ORDER BY 1, 2
`

// SimilarSections runs a cosine nearest-neighbor search over section
// embeddings using the pgvector distance operator.
func (s *GraphDBStorage) SimilarSections(ctx context.Context, embedding []float32, topK int) ([]store.ScoredSection, error) {
	rows, err := s.conn.Query(ctx, sqlSimilarSections, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.ScoredSection
	for rows.Next() {
		var sc store.ScoredSection
		if err := rows.Scan(
			&sc.Section.ID, &sc.Section.DocumentID, &sc.Section.Index,
			&sc.Section.Title, &sc.Section.Text,
			&sc.Section.PageStart, &sc.Section.PageEnd, &sc.Score,
		); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// SectionsForEntities resolves the provenance sections of the given
// entities through the section references on their edges.
func (s *GraphDBStorage) SectionsForEntities(ctx context.Context, entityIDs []string) ([]common.Section, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}

	rows, err := s.conn.Query(ctx, sqlSectionsForEntities, entityIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []common.Section
	for rows.Next() {
		var sec common.Section
		if err := rows.Scan(
			&sec.ID, &sec.DocumentID, &sec.Index, &sec.Title, &sec.Text,
			&sec.PageStart, &sec.PageEnd,
		); err != nil {
			return nil, err
		}
		out = append(out, sec)
	}
	return out, rows.Err()
}

// Snapshot projects the graph into an undirected weighted edge list for
// offline passes. Parallel and reverse edges collapse with summed weight.
func (s *GraphDBStorage) Snapshot(ctx context.Context) (*store.GraphSnapshot, error) {
	snap := &store.GraphSnapshot{}

	rows, err := s.conn.Query(ctx, sqlSnapshotEntities)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		snap.EntityIDs = append(snap.EntityIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.conn.Query(ctx, sqlSnapshotEdges)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var e store.SnapshotEdge
		if err := rows.Scan(&e.Source, &e.Target, &e.Weight); err != nil {
			return nil, err
		}
		snap.Edges = append(snap.Edges, e)
	}
	return snap, rows.Err()
}
