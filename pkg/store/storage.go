package store

import (
	"context"

	"github.com/corvus-kb/corvus/pkg/common"
)

// Neighborhood is the result of a bounded graph traversal: the entities
// reached within the hop limit and the edges that were walked to reach
// them. The seed entity itself is not included.
type Neighborhood struct {
	Entities      []common.Entity
	Relationships []common.Relationship
	// Hops maps each reached entity ID to its distance from the seed.
	Hops map[string]int
}

// SnapshotEdge is one undirected weighted edge of a graph snapshot.
// Parallel edges between the same pair are collapsed with summed weight.
type SnapshotEdge struct {
	Source string
	Target string
	Weight float64
}

// GraphSnapshot is a point-in-time, read-only projection of the graph used
// by offline passes such as community detection. It is detached from the
// store: later writes do not affect it.
type GraphSnapshot struct {
	EntityIDs []string
	Edges     []SnapshotEdge
}

// ScoredSection pairs a section with a similarity score from vector search.
type ScoredSection struct {
	Section common.Section
	Score   float64
}

// GraphStorage defines the interface for persisting and querying the
// knowledge graph: documents with their sections, canonical entities, and
// typed relationships. Implementations must reject edges whose endpoints
// are missing with common.ErrDanglingEdge and must keep entity IDs stable
// across merges.
type GraphStorage interface {
	PutDocument(ctx context.Context, doc *common.Document) error
	GetDocument(ctx context.Context, id string) (*common.Document, error)
	GetSection(ctx context.Context, id string) (common.Section, error)

	// ListDocuments returns every document with its sections, ordered by
	// ID. Used to rebuild the in-memory indexes on startup.
	ListDocuments(ctx context.Context) ([]*common.Document, error)

	// DeleteDocument removes the document and its sections. Relationship
	// provenance pointing at the removed sections is scrubbed;
	// relationships left without provenance are dropped. Entities stay.
	DeleteDocument(ctx context.Context, id string) error

	// PutEntity inserts the entity or overwrites it in place. The store
	// assigns Seq on first insert; Seq is never reassigned afterwards.
	PutEntity(ctx context.Context, entity *common.Entity) error
	GetEntity(ctx context.Context, id string) (common.Entity, error)
	GetEntities(ctx context.Context) ([]common.Entity, error)
	EntitiesByType(ctx context.Context, t common.EntityType) ([]common.Entity, error)

	// AddAlias appends an alias to the entity. Already-recorded aliases
	// are ignored; aliases are never removed.
	AddAlias(ctx context.Context, entityID string, alias string) error

	// MergeEntities folds the merged entities into the canonical one:
	// their names become aliases of the canonical entity, every edge
	// touching them is re-pointed at the canonical ID, and the merged
	// nodes are removed. The canonical ID survives unchanged.
	MergeEntities(ctx context.Context, canonicalID string, mergedIDs []string) error

	// PutRelationship writes the edge. Both endpoints must already exist;
	// otherwise the edge is rejected with common.ErrDanglingEdge.
	PutRelationship(ctx context.Context, rel *common.Relationship) error
	GetRelationships(ctx context.Context, entityID string) ([]common.Relationship, error)

	// GetNeighbors walks the graph breadth-first from the seed entity, up
	// to maxHops hops, following only the given relationship types (all
	// types when relTypes is empty). At every node at most fanOut edges
	// are expanded, preferring higher edge weight.
	GetNeighbors(ctx context.Context, entityID string, relTypes []common.RelType, maxHops int, fanOut int) (*Neighborhood, error)

	// SimilarSections returns the topK sections closest to the query
	// embedding by cosine similarity, best first.
	SimilarSections(ctx context.Context, embedding []float32, topK int) ([]ScoredSection, error)

	// SectionsForEntities resolves provenance: the sections whose text
	// the given entities were extracted from, deduplicated.
	SectionsForEntities(ctx context.Context, entityIDs []string) ([]common.Section, error)

	Snapshot(ctx context.Context) (*GraphSnapshot, error)
}

// ChunkRange invokes fn over [start,end) windows of at most size elements.
// Used by backends to keep batch statements bounded.
func ChunkRange(total int, size int, fn func(start, end int) error) error {
	if size <= 0 {
		size = total
	}
	for start := 0; start < total; start += size {
		end := start + size
		if end > total {
			end = total
		}
		if err := fn(start, end); err != nil {
			return err
		}
	}
	return nil
}
