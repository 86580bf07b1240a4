package resolve

import (
	"reflect"
	"testing"

	"github.com/corvus-kb/corvus/pkg/common"
)

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Zero-Knowledge Proof", "zero knowledge proof"},
		{"  zk-SNARK!  ", "zk snark"},
		{"UTXO   model", "utxo model"},
		{"---", ""},
	}
	for _, tt := range tests {
		if got := NormalizeKey(tt.in); got != tt.want {
			t.Errorf("NormalizeKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolveMergesKnownAliases(t *testing.T) {
	r := NewResolver(0.85)
	res := r.Resolve([]common.Entity{
		{ID: "ent-1", Seq: 1, Name: "Zero-Knowledge Proof", Type: common.EntityConcept},
		{ID: "ent-2", Seq: 2, Name: "ZKP", Type: common.EntityConcept},
		{ID: "ent-3", Seq: 3, Name: "ZK Proof", Type: common.EntityConcept},
	})

	for _, id := range []string{"ent-1", "ent-2", "ent-3"} {
		if res.Canonical[id] != "ent-1" {
			t.Errorf("Canonical[%s] = %s, want ent-1", id, res.Canonical[id])
		}
	}
	if !reflect.DeepEqual(res.Merges["ent-1"], []string{"ent-2", "ent-3"}) {
		t.Errorf("Merges = %v", res.Merges["ent-1"])
	}
}

func TestResolveEmbeddingMatchRequiresSameType(t *testing.T) {
	r := NewResolver(0.85)
	res := r.Resolve([]common.Entity{
		{ID: "ent-1", Seq: 1, Name: "Alan Turing", Type: common.EntityAuthor, Embedding: []float32{1, 0, 0}},
		{ID: "ent-2", Seq: 2, Name: "Turing Machine", Type: common.EntityConcept, Embedding: []float32{0.999, 0.01, 0}},
	})

	if res.Canonical["ent-1"] == res.Canonical["ent-2"] {
		t.Fatal("different types must never merge on embedding similarity")
	}
	if len(res.Merges) != 0 {
		t.Errorf("no merges expected, got %v", res.Merges)
	}
}

func TestResolveMergesOnEmbeddingSimilarity(t *testing.T) {
	r := NewResolver(0.85)
	res := r.Resolve([]common.Entity{
		{ID: "ent-1", Seq: 1, Name: "Lattice Crypto", Type: common.EntityConcept, Embedding: []float32{1, 0, 0}},
		{ID: "ent-2", Seq: 2, Name: "Lattice-Based Cryptography", Type: common.EntityConcept, Embedding: []float32{0.99, 0.1, 0}},
		{ID: "ent-3", Seq: 3, Name: "Consensus", Type: common.EntityConcept, Embedding: []float32{0, 1, 0}},
	})

	if res.Canonical["ent-2"] != "ent-1" {
		t.Errorf("similar embeddings must merge, got %s", res.Canonical["ent-2"])
	}
	if res.Canonical["ent-3"] != "ent-3" {
		t.Errorf("dissimilar entity must stay canonical, got %s", res.Canonical["ent-3"])
	}
}

func TestResolveCanonicalIsEarliestCreated(t *testing.T) {
	r := NewResolver(0.85)

	// unsaved candidate (seq 0) loses to the stored entity
	res := r.Resolve([]common.Entity{
		{ID: "ent-new", Seq: 0, Name: "ZKP", Type: common.EntityConcept},
		{ID: "ent-old", Seq: 7, Name: "Zero-Knowledge Proof", Type: common.EntityConcept},
	})
	if res.Canonical["ent-new"] != "ent-old" {
		t.Errorf("stored entity must be canonical, got %s", res.Canonical["ent-new"])
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	r := NewResolver(0.85)
	in := []common.Entity{
		{ID: "ent-1", Seq: 1, Name: "Zero-Knowledge Proof", Type: common.EntityConcept, Aliases: []string{"ZKP"}},
		{ID: "ent-2", Seq: 2, Name: "Consensus", Type: common.EntityConcept},
	}

	first := r.Resolve(in)
	second := r.Resolve(in)
	if !reflect.DeepEqual(first.Canonical, second.Canonical) {
		t.Errorf("resolution must be idempotent:\n%v\n%v", first.Canonical, second.Canonical)
	}
	if len(first.Merges) != 0 {
		t.Errorf("already-canonical input must produce no merges, got %v", first.Merges)
	}
}

func TestResolveTypeMajorityVote(t *testing.T) {
	// One normalized key extracted under inconsistent type tags.
	r := NewResolver(0.85)
	res := r.Resolve([]common.Entity{
		{ID: "ent-1", Seq: 1, Name: "PBFT", Type: common.EntityMethod},
		{ID: "ent-2", Seq: 2, Name: "pbft", Type: common.EntityConcept},
		{ID: "ent-3", Seq: 3, Name: "PBFT.", Type: common.EntityConcept},
	})

	if res.Canonical["ent-2"] != "ent-1" || res.Canonical["ent-3"] != "ent-1" {
		t.Fatalf("expected one group, got %v", res.Canonical)
	}
	if res.Types["ent-1"] != common.EntityConcept {
		t.Errorf("majority vote must win, got %s", res.Types["ent-1"])
	}
	if len(res.TypeConflicts) != 0 {
		t.Errorf("clear majority must not flag, got %v", res.TypeConflicts)
	}
}

func TestResolveTypeTieKeepsCanonicalAndFlags(t *testing.T) {
	r := NewResolver(0.85)
	res := r.Resolve([]common.Entity{
		{ID: "ent-1", Seq: 1, Name: "Plonk", Type: common.EntityMethod},
		{ID: "ent-2", Seq: 2, Name: "PLONK", Type: common.EntityConcept},
	})

	if res.Types["ent-1"] != common.EntityMethod {
		t.Errorf("tie must keep canonical type, got %s", res.Types["ent-1"])
	}
	if !reflect.DeepEqual(res.TypeConflicts, []string{"ent-1"}) {
		t.Errorf("tie must be flagged, got %v", res.TypeConflicts)
	}
}

func TestResolveIsolatesBadCandidates(t *testing.T) {
	r := NewResolver(0.85)
	res := r.Resolve([]common.Entity{
		{ID: "ent-1", Seq: 1, Name: "", Type: common.EntityConcept},
		{ID: "ent-2", Seq: 2, Name: "Thing", Type: common.EntityType("GADGET")},
		{ID: "ent-3", Seq: 3, Name: "Consensus", Type: common.EntityConcept},
	})

	if !reflect.DeepEqual(res.Unresolved, []string{"ent-1", "ent-2"}) {
		t.Errorf("Unresolved = %v", res.Unresolved)
	}
	if res.Canonical["ent-3"] != "ent-3" {
		t.Errorf("batch must continue past bad candidates, got %v", res.Canonical)
	}
	if _, ok := res.Canonical["ent-1"]; ok {
		t.Error("unresolved candidates must not be assigned a canonical")
	}
}

func TestMatchSeeds(t *testing.T) {
	entities := []common.Entity{
		{ID: "ent-1", Seq: 1, Name: "Zero-Knowledge Proof", Type: common.EntityConcept, Aliases: []string{"ZKP"}},
		{ID: "ent-2", Seq: 2, Name: "Consensus", Type: common.EntityConcept},
		{ID: "ent-3", Seq: 3, Name: "UTXO Model", Type: common.EntityConcept},
	}

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"direct name", "how does consensus work", []string{"ent-2"}},
		{"alias in query", "explain zkp verification", []string{"ent-1"}},
		{"known alias of entity name", "what is the utxo approach", []string{"ent-3"}},
		{"multi word name", "zero-knowledge proof systems", []string{"ent-1"}},
		{"no match", "unrelated topic", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MatchSeeds(tt.query, entities)
			ids := make([]string, 0, len(got))
			for _, e := range got {
				ids = append(ids, e.ID)
			}
			if len(ids) == 0 {
				ids = nil
			}
			if !reflect.DeepEqual(ids, tt.want) {
				t.Errorf("MatchSeeds(%q) = %v, want %v", tt.query, ids, tt.want)
			}
		})
	}
}
