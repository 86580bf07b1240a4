package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/corvus-kb/corvus/pkg/common"
)

func seedEntities(t *testing.T, s *GraphMemStorage, names ...string) []string {
	t.Helper()
	ids := make([]string, 0, len(names))
	for _, name := range names {
		e := &common.Entity{ID: "ent-" + name, Name: name, Type: common.EntityConcept}
		if err := s.PutEntity(context.Background(), e); err != nil {
			t.Fatalf("PutEntity(%s): %v", name, err)
		}
		ids = append(ids, e.ID)
	}
	return ids
}

func putRel(t *testing.T, s *GraphMemStorage, id, src, dst string, weight float64) {
	t.Helper()
	rel := &common.Relationship{
		ID:       id,
		Type:     common.RelRelatedTo,
		SourceID: src,
		TargetID: dst,
		Weight:   weight,
	}
	if err := s.PutRelationship(context.Background(), rel); err != nil {
		t.Fatalf("PutRelationship(%s): %v", id, err)
	}
}

func TestPutRelationshipRejectsDanglingEdge(t *testing.T) {
	s := NewGraphMemStorage()
	ids := seedEntities(t, s, "ZKP")

	rel := &common.Relationship{
		ID:       "rel-1",
		Type:     common.RelRelatedTo,
		SourceID: ids[0],
		TargetID: "ent-missing",
		Weight:   1,
	}
	err := s.PutRelationship(context.Background(), rel)
	if !errors.Is(err, common.ErrDanglingEdge) {
		t.Fatalf("expected ErrDanglingEdge, got %v", err)
	}

	rels, _ := s.GetRelationships(context.Background(), ids[0])
	if len(rels) != 0 {
		t.Fatalf("rejected edge must not be stored, got %d edges", len(rels))
	}
}

func TestPutEntityAssignsStableSeq(t *testing.T) {
	s := NewGraphMemStorage()
	ctx := context.Background()

	first := &common.Entity{ID: "ent-a", Name: "A", Type: common.EntityConcept}
	second := &common.Entity{ID: "ent-b", Name: "B", Type: common.EntityConcept}
	if err := s.PutEntity(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := s.PutEntity(ctx, second); err != nil {
		t.Fatal(err)
	}
	if first.Seq >= second.Seq {
		t.Fatalf("seq must be monotonic: %d vs %d", first.Seq, second.Seq)
	}

	update := &common.Entity{ID: "ent-a", Name: "A", Type: common.EntityConcept, Description: "updated"}
	if err := s.PutEntity(ctx, update); err != nil {
		t.Fatal(err)
	}
	if update.Seq != first.Seq {
		t.Fatalf("overwrite must keep seq %d, got %d", first.Seq, update.Seq)
	}
}

func TestMergeEntitiesRepointsEdgesAndKeepsID(t *testing.T) {
	s := NewGraphMemStorage()
	ctx := context.Background()
	ids := seedEntities(t, s, "Zero-Knowledge Proof", "ZKP", "Cryptography")

	putRel(t, s, "rel-1", ids[1], ids[2], 2) // ZKP -> Cryptography
	putRel(t, s, "rel-2", ids[0], ids[1], 1) // canonical -> merged, becomes self-loop

	if err := s.MergeEntities(ctx, ids[0], []string{ids[1]}); err != nil {
		t.Fatalf("MergeEntities: %v", err)
	}

	if _, err := s.GetEntity(ctx, ids[1]); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("merged entity must be gone, got %v", err)
	}

	canonical, err := s.GetEntity(ctx, ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if !canonical.HasAlias("ZKP") {
		t.Fatalf("merged name must become an alias, aliases=%v", canonical.Aliases)
	}

	rels, _ := s.GetRelationships(ctx, ids[0])
	if len(rels) != 1 {
		t.Fatalf("expected the re-pointed edge only, got %d", len(rels))
	}
	if rels[0].SourceID != ids[0] || rels[0].TargetID != ids[2] {
		t.Fatalf("edge not re-pointed: %s -> %s", rels[0].SourceID, rels[0].TargetID)
	}
}

func TestGetNeighborsHonorsHopAndFanOutCaps(t *testing.T) {
	s := NewGraphMemStorage()
	ctx := context.Background()
	ids := seedEntities(t, s, "seed", "n1", "n2", "n3", "far")

	putRel(t, s, "rel-1", ids[0], ids[1], 3)
	putRel(t, s, "rel-2", ids[0], ids[2], 2)
	putRel(t, s, "rel-3", ids[0], ids[3], 1)
	putRel(t, s, "rel-4", ids[1], ids[4], 1)

	tests := []struct {
		name    string
		maxHops int
		fanOut  int
		want    []string
	}{
		{"one hop unlimited", 1, 0, []string{ids[1], ids[2], ids[3]}},
		{"two hops unlimited", 2, 0, []string{ids[1], ids[2], ids[3], ids[4]}},
		{"fan-out keeps heaviest", 1, 2, []string{ids[1], ids[2]}},
		{"zero hops", 0, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nb, err := s.GetNeighbors(ctx, ids[0], nil, tt.maxHops, tt.fanOut)
			if err != nil {
				t.Fatal(err)
			}
			got := make(map[string]bool)
			for _, e := range nb.Entities {
				got[e.ID] = true
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d neighbors, want %d (%v)", len(got), len(tt.want), got)
			}
			for _, id := range tt.want {
				if !got[id] {
					t.Fatalf("missing neighbor %s", id)
				}
			}
		})
	}
}

func TestGetNeighborsFiltersByRelType(t *testing.T) {
	s := NewGraphMemStorage()
	ctx := context.Background()
	ids := seedEntities(t, s, "paper", "author", "concept")

	if err := s.PutRelationship(ctx, &common.Relationship{
		ID: "rel-1", Type: common.RelAuthoredBy, SourceID: ids[0], TargetID: ids[1], Weight: 1,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutRelationship(ctx, &common.Relationship{
		ID: "rel-2", Type: common.RelDiscusses, SourceID: ids[0], TargetID: ids[2], Weight: 1,
	}); err != nil {
		t.Fatal(err)
	}

	nb, err := s.GetNeighbors(ctx, ids[0], []common.RelType{common.RelAuthoredBy}, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(nb.Entities) != 1 || nb.Entities[0].ID != ids[1] {
		t.Fatalf("type filter failed: %+v", nb.Entities)
	}
}

func TestSimilarSectionsOrdersByCosine(t *testing.T) {
	s := NewGraphMemStorage()
	ctx := context.Background()

	doc := &common.Document{
		ID:    "doc-1",
		Title: "Proofs",
		Pages: 10,
		Sections: []common.Section{
			{ID: "sec-1", DocumentID: "doc-1", Index: 0, Embedding: []float32{1, 0}},
			{ID: "sec-2", DocumentID: "doc-1", Index: 1, Embedding: []float32{0, 1}},
			{ID: "sec-3", DocumentID: "doc-1", Index: 2, Embedding: []float32{0.9, 0.1}},
		},
	}
	if err := s.PutDocument(ctx, doc); err != nil {
		t.Fatal(err)
	}

	got, err := s.SimilarSections(ctx, []float32{1, 0}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 results, got %d", len(got))
	}
	if got[0].Section.ID != "sec-1" || got[1].Section.ID != "sec-3" {
		t.Fatalf("wrong order: %s, %s", got[0].Section.ID, got[1].Section.ID)
	}
}

func TestPutDocumentRejectsOverwrite(t *testing.T) {
	s := NewGraphMemStorage()
	ctx := context.Background()

	doc := &common.Document{ID: "doc-1", Title: "v1"}
	if err := s.PutDocument(ctx, doc); err != nil {
		t.Fatal(err)
	}
	if err := s.PutDocument(ctx, &common.Document{ID: "doc-1", Title: "v2"}); err == nil {
		t.Fatal("documents are immutable, overwrite must fail")
	}
}

func TestSnapshotCollapsesParallelEdges(t *testing.T) {
	s := NewGraphMemStorage()
	ctx := context.Background()
	ids := seedEntities(t, s, "a", "b")

	putRel(t, s, "rel-1", ids[0], ids[1], 2)
	putRel(t, s, "rel-2", ids[1], ids[0], 3)

	snap, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Edges) != 1 {
		t.Fatalf("parallel edges must collapse, got %d", len(snap.Edges))
	}
	if snap.Edges[0].Weight != 5 {
		t.Fatalf("weights must sum, got %f", snap.Edges[0].Weight)
	}
}

func TestDeleteDocumentScrubsProvenance(t *testing.T) {
	ctx := context.Background()
	s := NewGraphMemStorage()
	ids := seedEntities(t, s, "A", "B", "C")

	doc := &common.Document{
		ID: "doc-1", Title: "Doc", Pages: 2, Version: 1,
		Sections: []common.Section{
			{ID: "sec-1", DocumentID: "doc-1", Index: 0, PageStart: 1, PageEnd: 1},
			{ID: "sec-2", DocumentID: "doc-1", Index: 1, PageStart: 2, PageEnd: 2},
		},
	}
	if err := s.PutDocument(ctx, doc); err != nil {
		t.Fatal(err)
	}

	// rel-1 is only evidenced by the doomed document, rel-2 also by an
	// unrelated section.
	rel1 := &common.Relationship{
		ID: "rel-1", Type: common.RelRelatedTo,
		SourceID: ids[0], TargetID: ids[1],
		Weight: 1, SectionIDs: []string{"sec-1"},
	}
	rel2 := &common.Relationship{
		ID: "rel-2", Type: common.RelRelatedTo,
		SourceID: ids[1], TargetID: ids[2],
		Weight: 1, SectionIDs: []string{"sec-2", "other-sec"},
	}
	for _, rel := range []*common.Relationship{rel1, rel2} {
		if err := s.PutRelationship(ctx, rel); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.DeleteDocument(ctx, "doc-1"); err != nil {
		t.Fatal(err)
	}

	if _, err := s.GetDocument(ctx, "doc-1"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("document must be gone, got %v", err)
	}
	if _, err := s.GetSection(ctx, "sec-1"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("section must be gone, got %v", err)
	}

	rels, err := s.GetRelationships(ctx, ids[1])
	if err != nil {
		t.Fatal(err)
	}
	if len(rels) != 1 || rels[0].ID != "rel-2" {
		t.Fatalf("only rel-2 should survive, got %v", rels)
	}
	if len(rels[0].SectionIDs) != 1 || rels[0].SectionIDs[0] != "other-sec" {
		t.Errorf("surviving relationship must lose the scrubbed section, got %v", rels[0].SectionIDs)
	}

	if _, err := s.GetEntity(ctx, ids[0]); err != nil {
		t.Errorf("entities must survive document deletion: %v", err)
	}

	if err := s.DeleteDocument(ctx, "doc-1"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("deleting twice must report not found, got %v", err)
	}
}
