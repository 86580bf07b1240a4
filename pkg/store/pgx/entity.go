package pgx

import (
	"context"
	"fmt"

	"github.com/corvus-kb/corvus/pkg/common"
	"github.com/corvus-kb/corvus/pkg/logger"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

const sqlUpsertEntity = `
INSERT INTO entities (id, name, type, aliases, description, embedding)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	type = EXCLUDED.type,
	aliases = EXCLUDED.aliases,
	description = EXCLUDED.description,
	embedding = EXCLUDED.embedding
RETURNING seq
`

const sqlSelectEntity = `
SELECT id, seq, name, type, aliases, description
FROM entities
WHERE id = $1
`

const sqlSelectEntities = `
SELECT id, seq, name, type, aliases, description
FROM entities
ORDER BY seq
`

const sqlSelectEntitiesByType = `
SELECT id, seq, name, type, aliases, description
FROM entities
WHERE type = $1
ORDER BY seq
`

const sqlAddAlias = `
UPDATE entities
SET aliases = array_append(aliases, $2)
WHERE id = $1 AND NOT ($2 = ANY(aliases))
`

const sqlEntityExists = `SELECT 1 FROM entities WHERE id = $1`

const sqlMergeAliases = `
UPDATE entities
SET aliases = (
	SELECT array_agg(DISTINCT a)
	FROM unnest(aliases || $2::text[]) AS a
	WHERE a <> entities.name
)
WHERE id = $1
`

const sqlRepointSources = `UPDATE relationships SET source_id = $1 WHERE source_id = ANY($2)`
const sqlRepointTargets = `UPDATE relationships SET target_id = $1 WHERE target_id = ANY($2)`
const sqlDropSelfLoops = `DELETE FROM relationships WHERE source_id = target_id`
const sqlDeleteEntities = `DELETE FROM entities WHERE id = ANY($1)`

// PutEntity upserts the entity. The seq column is a bigserial assigned on
// first insert and preserved by the upsert, which gives a stable
// creation order for canonical selection.
func (s *GraphDBStorage) PutEntity(ctx context.Context, entity *common.Entity) error {
	if entity == nil || entity.ID == "" {
		return fmt.Errorf("entity must have an id")
	}
	if !common.ValidEntityType(entity.Type) {
		return fmt.Errorf("entity %s: unknown type %q", entity.ID, entity.Type)
	}

	var emb any
	if len(entity.Embedding) > 0 {
		emb = pgvector.NewVector(entity.Embedding)
	}
	aliases := entity.Aliases
	if aliases == nil {
		aliases = []string{}
	}

	return s.conn.QueryRow(ctx, sqlUpsertEntity,
		entity.ID, entity.Name, string(entity.Type), aliases, entity.Description, emb,
	).Scan(&entity.Seq)
}

func (s *GraphDBStorage) GetEntity(ctx context.Context, id string) (common.Entity, error) {
	var e common.Entity
	var typ string
	err := s.conn.QueryRow(ctx, sqlSelectEntity, id).Scan(
		&e.ID, &e.Seq, &e.Name, &typ, &e.Aliases, &e.Description,
	)
	if err == pgx.ErrNoRows {
		return common.Entity{}, fmt.Errorf("entity %s: %w", id, common.ErrNotFound)
	}
	e.Type = common.EntityType(typ)
	return e, err
}

func (s *GraphDBStorage) GetEntities(ctx context.Context) ([]common.Entity, error) {
	rows, err := s.conn.Query(ctx, sqlSelectEntities)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntities(rows)
}

func (s *GraphDBStorage) EntitiesByType(ctx context.Context, t common.EntityType) ([]common.Entity, error) {
	rows, err := s.conn.Query(ctx, sqlSelectEntitiesByType, string(t))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntities(rows)
}

func (s *GraphDBStorage) AddAlias(ctx context.Context, entityID string, alias string) error {
	if alias == "" {
		return nil
	}
	tag, err := s.conn.Exec(ctx, sqlAddAlias, entityID, alias)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// either already recorded or entity missing; distinguish
		var one int
		if err := s.conn.QueryRow(ctx, sqlEntityExists, entityID).Scan(&one); err == pgx.ErrNoRows {
			return fmt.Errorf("entity %s: %w", entityID, common.ErrNotFound)
		} else if err != nil {
			return err
		}
	}
	return nil
}

// MergeEntities folds the merged nodes into the canonical one inside a
// single transaction; edges are re-pointed, self-loops dropped, and the
// merged names recorded as aliases.
func (s *GraphDBStorage) MergeEntities(ctx context.Context, canonicalID string, mergedIDs []string) error {
	if len(mergedIDs) == 0 {
		return nil
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	names := make([]string, 0, len(mergedIDs))
	rows, err := tx.Query(ctx, `SELECT name, aliases FROM entities WHERE id = ANY($1)`, mergedIDs)
	if err != nil {
		return err
	}
	for rows.Next() {
		var name string
		var aliases []string
		if err := rows.Scan(&name, &aliases); err != nil {
			rows.Close()
			return err
		}
		names = append(names, name)
		names = append(names, aliases...)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, sqlMergeAliases, canonicalID, names); err != nil {
		return fmt.Errorf("merge aliases into %s: %w", canonicalID, err)
	}
	if _, err := tx.Exec(ctx, sqlRepointSources, canonicalID, mergedIDs); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, sqlRepointTargets, canonicalID, mergedIDs); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, sqlDropSelfLoops); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, sqlDeleteEntities, mergedIDs); err != nil {
		return err
	}

	logger.Debug("[Store][MergeEntities] Merged", "canonical", canonicalID, "merged", len(mergedIDs))
	return tx.Commit(ctx)
}

func scanEntities(rows pgx.Rows) ([]common.Entity, error) {
	var out []common.Entity
	for rows.Next() {
		var e common.Entity
		var typ string
		if err := rows.Scan(&e.ID, &e.Seq, &e.Name, &typ, &e.Aliases, &e.Description); err != nil {
			return nil, err
		}
		e.Type = common.EntityType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}
