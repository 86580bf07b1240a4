package retrieval

import (
	"fmt"
	"testing"

	"github.com/corvus-kb/corvus/pkg/common"
)

func equalWeights() map[Strategy]float64 {
	return map[Strategy]float64{
		StrategyVector:  1,
		StrategyGraph:   1,
		StrategyLexical: 1,
		StrategyTree:    1,
	}
}

func sections(prefix string, n int) []scoredSection {
	out := make([]scoredSection, n)
	for i := 0; i < n; i++ {
		out[i] = scoredSection{
			section: common.Section{ID: fmt.Sprintf("%s-%d", prefix, i), Index: i},
			score:   float64(n - i),
		}
	}
	return out
}

func TestFuseDisjointStrategies(t *testing.T) {
	hits := map[Strategy][]scoredSection{
		StrategyVector:  sections("vec", 3),
		StrategyGraph:   sections("graph", 2),
		StrategyLexical: sections("lex", 4),
		StrategyTree:    sections("tree", 1),
	}

	results := fuse(hits, equalWeights())
	if len(results) != 10 {
		t.Fatalf("disjoint 3/2/4/1 must fuse to 10 entries, got %d", len(results))
	}
	seen := make(map[string]bool)
	for _, res := range results {
		if len(res.Strategies) != 1 {
			t.Errorf("section %s tagged with %v, want exactly one strategy", res.Section.ID, res.Strategies)
		}
		if seen[res.Section.ID] {
			t.Errorf("section %s fused twice", res.Section.ID)
		}
		seen[res.Section.ID] = true
	}
}

func TestFuseAgreementOutranksSingleStrategy(t *testing.T) {
	shared := common.Section{ID: "shared", Index: 5}
	hits := map[Strategy][]scoredSection{
		StrategyVector:  {{section: shared, score: 0.4}, {section: common.Section{ID: "solo", Index: 0}, score: 0.9}},
		StrategyLexical: {{section: shared, score: 2.1}},
	}

	results := fuse(hits, equalWeights())
	if results[0].Section.ID != "shared" {
		t.Errorf("top result = %s, want the section two strategies agree on", results[0].Section.ID)
	}
	if len(results[0].Strategies) != 2 {
		t.Errorf("Strategies = %v, want two entries", results[0].Strategies)
	}
}

func TestFuseMinMaxNormalization(t *testing.T) {
	hits := map[Strategy][]scoredSection{
		StrategyLexical: {
			{section: common.Section{ID: "a", Index: 0}, score: 12.0},
			{section: common.Section{ID: "b", Index: 1}, score: 7.0},
			{section: common.Section{ID: "c", Index: 2}, score: 2.0},
		},
	}

	results := fuse(hits, equalWeights())
	if results[0].Fused != 1.0 {
		t.Errorf("best hit must normalize to 1.0, got %v", results[0].Fused)
	}
	if results[2].Fused != 0.0 {
		t.Errorf("worst hit must normalize to 0.0, got %v", results[2].Fused)
	}
	if mid := results[1].Fused; mid != 0.5 {
		t.Errorf("middle hit = %v, want 0.5", mid)
	}
}

func TestFuseTieBreaksOnSectionIndex(t *testing.T) {
	hits := map[Strategy][]scoredSection{
		StrategyVector: {
			{section: common.Section{ID: "late", Index: 9}, score: 1.0},
			{section: common.Section{ID: "early", Index: 2}, score: 1.0},
		},
	}

	results := fuse(hits, equalWeights())
	if results[0].Section.ID != "early" {
		t.Errorf("equal fused scores must order by section index, got %s first", results[0].Section.ID)
	}
}

func TestFuseRespectsWeights(t *testing.T) {
	weights := equalWeights()
	weights[StrategyVector] = 3

	hits := map[Strategy][]scoredSection{
		StrategyVector:  {{section: common.Section{ID: "v", Index: 0}, score: 1.0}},
		StrategyLexical: {{section: common.Section{ID: "l", Index: 1}, score: 1.0}},
	}

	results := fuse(hits, weights)
	if results[0].Section.ID != "v" || results[0].Fused != 3.0 {
		t.Errorf("weighted strategy must dominate: got %s at %v", results[0].Section.ID, results[0].Fused)
	}
}
