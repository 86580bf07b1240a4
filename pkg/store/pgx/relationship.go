package pgx

import (
	"context"
	"errors"
	"fmt"

	"github.com/corvus-kb/corvus/pkg/common"
	"github.com/corvus-kb/corvus/pkg/store"

	"github.com/jackc/pgx/v5/pgconn"
)

const sqlUpsertRelationship = `
INSERT INTO relationships (id, type, source_id, target_id, weight, section_ids)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
	type = EXCLUDED.type,
	source_id = EXCLUDED.source_id,
	target_id = EXCLUDED.target_id,
	weight = EXCLUDED.weight,
	section_ids = EXCLUDED.section_ids
`

const sqlSelectRelationships = `
SELECT id, type, source_id, target_id, weight, section_ids
FROM relationships
WHERE source_id = $1 OR target_id = $1
`

const sqlSelectFrontierEdges = `
SELECT id, type, source_id, target_id, weight, section_ids
FROM relationships
WHERE (source_id = ANY($1) OR target_id = ANY($1))
ORDER BY weight DESC, id
`

// PutRelationship writes the edge. The endpoint foreign keys turn a
// missing entity into common.ErrDanglingEdge.
func (s *GraphDBStorage) PutRelationship(ctx context.Context, rel *common.Relationship) error {
	if rel == nil || rel.ID == "" {
		return fmt.Errorf("relationship must have an id")
	}
	sectionIDs := rel.SectionIDs
	if sectionIDs == nil {
		sectionIDs = []string{}
	}

	_, err := s.conn.Exec(ctx, sqlUpsertRelationship,
		rel.ID, string(rel.Type), rel.SourceID, rel.TargetID, rel.Weight, sectionIDs,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgErrForeignKey {
		return fmt.Errorf("relationship %s (%s -> %s): %w",
			rel.ID, rel.SourceID, rel.TargetID, common.ErrDanglingEdge)
	}
	return err
}

func (s *GraphDBStorage) GetRelationships(ctx context.Context, entityID string) ([]common.Relationship, error) {
	rows, err := s.conn.Query(ctx, sqlSelectRelationships, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []common.Relationship
	for rows.Next() {
		rel, err := scanRelationship(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

// GetNeighbors walks the graph breadth-first with one query per hop.
// Fan-out capping happens per node on the weight-ordered result set.
func (s *GraphDBStorage) GetNeighbors(
	ctx context.Context,
	entityID string,
	relTypes []common.RelType,
	maxHops int,
	fanOut int,
) (*store.Neighborhood, error) {
	if _, err := s.GetEntity(ctx, entityID); err != nil {
		return nil, err
	}

	allowed := make(map[common.RelType]bool, len(relTypes))
	for _, t := range relTypes {
		allowed[t] = true
	}

	nb := &store.Neighborhood{Hops: make(map[string]int)}
	visited := map[string]bool{entityID: true}
	seenRel := make(map[string]bool)

	frontier := []string{entityID}
	for hop := 1; hop <= maxHops && len(frontier) > 0; hop++ {
		edges, err := s.frontierEdges(ctx, frontier)
		if err != nil {
			return nil, err
		}

		expanded := make(map[string]int, len(frontier))
		var next []string
		for _, rel := range edges {
			if len(allowed) > 0 && !allowed[rel.Type] {
				continue
			}
			node := rel.SourceID
			if !contains(frontier, node) {
				node = rel.TargetID
			}
			if fanOut > 0 && expanded[node] >= fanOut {
				continue
			}
			expanded[node]++

			if !seenRel[rel.ID] {
				seenRel[rel.ID] = true
				nb.Relationships = append(nb.Relationships, rel)
			}
			other := rel.TargetID
			if other == node {
				other = rel.SourceID
			}
			if visited[other] {
				continue
			}
			visited[other] = true
			nb.Hops[other] = hop
			ent, err := s.GetEntity(ctx, other)
			if err != nil {
				return nil, err
			}
			nb.Entities = append(nb.Entities, ent)
			next = append(next, other)
		}
		frontier = next
	}
	return nb, nil
}

func (s *GraphDBStorage) frontierEdges(ctx context.Context, ids []string) ([]common.Relationship, error) {
	rows, err := s.conn.Query(ctx, sqlSelectFrontierEdges, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []common.Relationship
	for rows.Next() {
		rel, err := scanRelationship(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

func scanRelationship(scan func(...any) error) (common.Relationship, error) {
	var rel common.Relationship
	var typ string
	err := scan(&rel.ID, &typ, &rel.SourceID, &rel.TargetID, &rel.Weight, &rel.SectionIDs)
	rel.Type = common.RelType(typ)
	return rel, err
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
