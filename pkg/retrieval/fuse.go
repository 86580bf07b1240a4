package retrieval

import (
	"sort"

	"github.com/corvus-kb/corvus/pkg/common"
)

// fuse normalizes each strategy's scores with min-max within its own hit
// list, weighs them, and folds everything into one deduplicated ranking.
// A section hit by several strategies gets the sum of their weighted
// contributions; Score keeps the single strongest contribution.
func fuse(hits map[Strategy][]scoredSection, weights map[Strategy]float64) []common.RetrievalResult {
	type fusedEntry struct {
		section    common.Section
		fused      float64
		best       float64
		strategies []string
	}
	entries := make(map[string]*fusedEntry)

	for _, name := range allStrategies {
		results := hits[name]
		if len(results) == 0 {
			continue
		}
		weight := weights[name]
		if weight <= 0 {
			continue
		}

		min, max := results[0].score, results[0].score
		for _, hit := range results {
			if hit.score < min {
				min = hit.score
			}
			if hit.score > max {
				max = hit.score
			}
		}

		for _, hit := range results {
			norm := 1.0
			if max > min {
				norm = (hit.score - min) / (max - min)
			}
			contribution := weight * norm

			entry, ok := entries[hit.section.ID]
			if !ok {
				entry = &fusedEntry{section: hit.section}
				entries[hit.section.ID] = entry
			}
			entry.fused += contribution
			if contribution > entry.best {
				entry.best = contribution
			}
			entry.strategies = append(entry.strategies, string(name))
		}
	}

	out := make([]common.RetrievalResult, 0, len(entries))
	for _, entry := range entries {
		out = append(out, common.RetrievalResult{
			Section:    entry.section,
			Score:      entry.best,
			Fused:      entry.fused,
			Strategies: entry.strategies,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Fused != b.Fused {
			return a.Fused > b.Fused
		}
		if len(a.Strategies) != len(b.Strategies) {
			return len(a.Strategies) > len(b.Strategies)
		}
		if a.Section.Index != b.Section.Index {
			return a.Section.Index < b.Section.Index
		}
		return a.Section.ID < b.Section.ID
	})
	return out
}
