package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/corvus-kb/corvus/pkg/common"
	"github.com/corvus-kb/corvus/pkg/store"
)

// GraphMemStorage is an in-memory implementation of store.GraphStorage.
// It is the backend used in tests and single-process deployments; all
// methods are safe for concurrent use.
type GraphMemStorage struct {
	mu sync.RWMutex

	documents map[string]*common.Document
	sections  map[string]common.Section
	entities  map[string]*common.Entity
	// edges indexes relationships by both endpoints for traversal.
	relationships map[string]*common.Relationship
	edges         map[string][]string

	seq int64
}

// NewGraphMemStorage creates an empty in-memory graph store.
func NewGraphMemStorage() *GraphMemStorage {
	return &GraphMemStorage{
		documents:     make(map[string]*common.Document),
		sections:      make(map[string]common.Section),
		entities:      make(map[string]*common.Entity),
		relationships: make(map[string]*common.Relationship),
		edges:         make(map[string][]string),
	}
}

func (s *GraphMemStorage) PutDocument(ctx context.Context, doc *common.Document) error {
	if doc == nil || doc.ID == "" {
		return fmt.Errorf("document must have an id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.documents[doc.ID]; ok {
		return fmt.Errorf("document %s already exists: documents are immutable, re-ingest under a new id", doc.ID)
	}

	cp := *doc
	cp.Sections = make([]common.Section, len(doc.Sections))
	copy(cp.Sections, doc.Sections)
	s.documents[doc.ID] = &cp
	for _, sec := range cp.Sections {
		s.sections[sec.ID] = sec
	}
	return nil
}

func (s *GraphMemStorage) GetDocument(ctx context.Context, id string) (*common.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.documents[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, common.ErrNotFound)
	}
	cp := *doc
	cp.Sections = make([]common.Section, len(doc.Sections))
	copy(cp.Sections, doc.Sections)
	return &cp, nil
}

func (s *GraphMemStorage) GetSection(ctx context.Context, id string) (common.Section, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sec, ok := s.sections[id]
	if !ok {
		return common.Section{}, fmt.Errorf("section %s: %w", id, common.ErrNotFound)
	}
	return sec, nil
}

func (s *GraphMemStorage) ListDocuments(ctx context.Context) ([]*common.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*common.Document, 0, len(s.documents))
	for _, doc := range s.documents {
		cp := *doc
		cp.Sections = make([]common.Section, len(doc.Sections))
		copy(cp.Sections, doc.Sections)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *GraphMemStorage) DeleteDocument(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[id]
	if !ok {
		return fmt.Errorf("document %s: %w", id, common.ErrNotFound)
	}

	removed := make(map[string]bool, len(doc.Sections))
	for _, sec := range doc.Sections {
		removed[sec.ID] = true
		delete(s.sections, sec.ID)
	}
	delete(s.documents, id)

	for relID, rel := range s.relationships {
		kept := rel.SectionIDs[:0]
		for _, secID := range rel.SectionIDs {
			if !removed[secID] {
				kept = append(kept, secID)
			}
		}
		rel.SectionIDs = kept
		if len(kept) == 0 {
			s.dropRelationship(relID, rel)
		}
	}
	return nil
}

// dropRelationship removes the relationship and its edge index entries.
// Caller holds the write lock.
func (s *GraphMemStorage) dropRelationship(relID string, rel *common.Relationship) {
	for _, endpoint := range []string{rel.SourceID, rel.TargetID} {
		ids := s.edges[endpoint]
		kept := ids[:0]
		for _, id := range ids {
			if id != relID {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			delete(s.edges, endpoint)
		} else {
			s.edges[endpoint] = kept
		}
	}
	delete(s.relationships, relID)
}

func (s *GraphMemStorage) PutEntity(ctx context.Context, entity *common.Entity) error {
	if entity == nil || entity.ID == "" {
		return fmt.Errorf("entity must have an id")
	}
	if !common.ValidEntityType(entity.Type) {
		return fmt.Errorf("entity %s: unknown type %q", entity.ID, entity.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entities[entity.ID]; ok {
		entity.Seq = existing.Seq
	} else {
		s.seq++
		entity.Seq = s.seq
	}

	cp := *entity
	cp.Aliases = append([]string(nil), entity.Aliases...)
	s.entities[entity.ID] = &cp
	return nil
}

func (s *GraphMemStorage) GetEntity(ctx context.Context, id string) (common.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[id]
	if !ok {
		return common.Entity{}, fmt.Errorf("entity %s: %w", id, common.ErrNotFound)
	}
	return copyEntity(e), nil
}

func (s *GraphMemStorage) GetEntities(ctx context.Context) ([]common.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]common.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, copyEntity(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *GraphMemStorage) EntitiesByType(ctx context.Context, t common.EntityType) ([]common.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]common.Entity, 0)
	for _, e := range s.entities {
		if e.Type == t {
			out = append(out, copyEntity(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *GraphMemStorage) AddAlias(ctx context.Context, entityID string, alias string) error {
	if alias == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[entityID]
	if !ok {
		return fmt.Errorf("entity %s: %w", entityID, common.ErrNotFound)
	}
	if !e.HasAlias(alias) {
		e.Aliases = append(e.Aliases, alias)
	}
	return nil
}

func (s *GraphMemStorage) MergeEntities(ctx context.Context, canonicalID string, mergedIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	canonical, ok := s.entities[canonicalID]
	if !ok {
		return fmt.Errorf("canonical entity %s: %w", canonicalID, common.ErrNotFound)
	}

	for _, mergedID := range mergedIDs {
		if mergedID == canonicalID {
			continue
		}
		merged, ok := s.entities[mergedID]
		if !ok {
			return fmt.Errorf("merged entity %s: %w", mergedID, common.ErrNotFound)
		}

		if !canonical.HasAlias(merged.Name) && merged.Name != canonical.Name {
			canonical.Aliases = append(canonical.Aliases, merged.Name)
		}
		for _, alias := range merged.Aliases {
			if !canonical.HasAlias(alias) && alias != canonical.Name {
				canonical.Aliases = append(canonical.Aliases, alias)
			}
		}

		for _, relID := range s.edges[mergedID] {
			rel := s.relationships[relID]
			if rel.SourceID == mergedID {
				rel.SourceID = canonicalID
			}
			if rel.TargetID == mergedID {
				rel.TargetID = canonicalID
			}
			s.edges[canonicalID] = append(s.edges[canonicalID], relID)
		}
		delete(s.edges, mergedID)
		delete(s.entities, mergedID)
	}

	// drop self-loops produced by re-pointing edges between merged
	// nodes. An edge between a merged node and the canonical one lists
	// its ID twice here, so a looked-up relationship may already be gone.
	kept := s.edges[canonicalID][:0]
	for _, relID := range s.edges[canonicalID] {
		rel, ok := s.relationships[relID]
		if !ok {
			continue
		}
		if rel.SourceID == rel.TargetID {
			delete(s.relationships, relID)
			continue
		}
		kept = append(kept, relID)
	}
	s.edges[canonicalID] = dedupeStrings(kept)
	return nil
}

func (s *GraphMemStorage) PutRelationship(ctx context.Context, rel *common.Relationship) error {
	if rel == nil || rel.ID == "" {
		return fmt.Errorf("relationship must have an id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entities[rel.SourceID]; !ok {
		return fmt.Errorf("relationship %s: source %s: %w", rel.ID, rel.SourceID, common.ErrDanglingEdge)
	}
	if _, ok := s.entities[rel.TargetID]; !ok {
		return fmt.Errorf("relationship %s: target %s: %w", rel.ID, rel.TargetID, common.ErrDanglingEdge)
	}

	if _, exists := s.relationships[rel.ID]; !exists {
		s.edges[rel.SourceID] = append(s.edges[rel.SourceID], rel.ID)
		s.edges[rel.TargetID] = append(s.edges[rel.TargetID], rel.ID)
	}
	cp := *rel
	cp.SectionIDs = append([]string(nil), rel.SectionIDs...)
	s.relationships[rel.ID] = &cp
	return nil
}

func (s *GraphMemStorage) GetRelationships(ctx context.Context, entityID string) ([]common.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]common.Relationship, 0, len(s.edges[entityID]))
	for _, relID := range s.edges[entityID] {
		if rel, ok := s.relationships[relID]; ok {
			out = append(out, *rel)
		}
	}
	return out, nil
}

func (s *GraphMemStorage) GetNeighbors(
	ctx context.Context,
	entityID string,
	relTypes []common.RelType,
	maxHops int,
	fanOut int,
) (*store.Neighborhood, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.entities[entityID]; !ok {
		return nil, fmt.Errorf("entity %s: %w", entityID, common.ErrNotFound)
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
		var next []string
		for _, id := range frontier {
			for _, rel := range s.expandable(id, allowed, fanOut) {
				if !seenRel[rel.ID] {
					seenRel[rel.ID] = true
					nb.Relationships = append(nb.Relationships, *rel)
				}
				other := rel.TargetID
				if other == id {
					other = rel.SourceID
				}
				if visited[other] {
					continue
				}
				visited[other] = true
				nb.Hops[other] = hop
				nb.Entities = append(nb.Entities, copyEntity(s.entities[other]))
				next = append(next, other)
			}
		}
		frontier = next
	}
	return nb, nil
}

// expandable returns the edges considered at one node during traversal:
// type-filtered and capped at fanOut, preferring higher weight. Caller
// holds the read lock.
func (s *GraphMemStorage) expandable(id string, allowed map[common.RelType]bool, fanOut int) []*common.Relationship {
	rels := make([]*common.Relationship, 0, len(s.edges[id]))
	for _, relID := range s.edges[id] {
		rel, ok := s.relationships[relID]
		if !ok {
			continue
		}
		if len(allowed) > 0 && !allowed[rel.Type] {
			continue
		}
		rels = append(rels, rel)
	}
	sort.Slice(rels, func(i, j int) bool {
		if rels[i].Weight != rels[j].Weight {
			return rels[i].Weight > rels[j].Weight
		}
		return rels[i].ID < rels[j].ID
	})
	if fanOut > 0 && len(rels) > fanOut {
		rels = rels[:fanOut]
	}
	return rels
}

func (s *GraphMemStorage) SimilarSections(ctx context.Context, embedding []float32, topK int) ([]store.ScoredSection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scored := make([]store.ScoredSection, 0, len(s.sections))
	for _, sec := range s.sections {
		if len(sec.Embedding) == 0 {
			continue
		}
		scored = append(scored, store.ScoredSection{
			Section: sec,
			Score:   store.CosineSimilarity(embedding, sec.Embedding),
		})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Section.ID < scored[j].Section.ID
	})
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

func (s *GraphMemStorage) SectionsForEntities(ctx context.Context, entityIDs []string) ([]common.Section, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var out []common.Section
	for _, id := range entityIDs {
		for _, relID := range s.edges[id] {
			rel, ok := s.relationships[relID]
			if !ok {
				continue
			}
			for _, secID := range rel.SectionIDs {
				if seen[secID] {
					continue
				}
				seen[secID] = true
				if sec, ok := s.sections[secID]; ok {
					out = append(out, sec)
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DocumentID != out[j].DocumentID {
			return out[i].DocumentID < out[j].DocumentID
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}

func (s *GraphMemStorage) Snapshot(ctx context.Context) (*store.GraphSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &store.GraphSnapshot{
		EntityIDs: make([]string, 0, len(s.entities)),
	}
	for id := range s.entities {
		snap.EntityIDs = append(snap.EntityIDs, id)
	}
	sort.Strings(snap.EntityIDs)

	// collapse parallel and reverse edges into one undirected weight
	type pair struct{ a, b string }
	weights := make(map[pair]float64)
	for _, rel := range s.relationships {
		a, b := rel.SourceID, rel.TargetID
		if a == b {
			continue
		}
		if a > b {
			a, b = b, a
		}
		weights[pair{a, b}] += rel.Weight
	}
	for p, w := range weights {
		snap.Edges = append(snap.Edges, store.SnapshotEdge{Source: p.a, Target: p.b, Weight: w})
	}
	sort.Slice(snap.Edges, func(i, j int) bool {
		if snap.Edges[i].Source != snap.Edges[j].Source {
			return snap.Edges[i].Source < snap.Edges[j].Source
		}
		return snap.Edges[i].Target < snap.Edges[j].Target
	})
	return snap, nil
}

func copyEntity(e *common.Entity) common.Entity {
	cp := *e
	cp.Aliases = append([]string(nil), e.Aliases...)
	return cp
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
