package community

import (
	"sort"

	"github.com/corvus-kb/corvus/pkg/logger"
	"github.com/corvus-kb/corvus/pkg/store"
)

// Mapping is one immutable community assignment produced by a detection
// pass. Readers receive whole versions; a mapping is never mutated after
// publication.
type Mapping struct {
	Version int64
	// Assign maps entity ID to community ID.
	Assign map[string]int
	// Members maps community ID to its sorted member entity IDs.
	Members map[int][]string
}

// Detector groups graph entities into topic communities by modularity-
// maximizing local moves over an undirected weighted projection.
type Detector struct {
	maxPasses int
}

// NewDetector creates a detector. maxPasses bounds the local-move sweeps;
// values below 1 fall back to a sane default.
func NewDetector(maxPasses int) *Detector {
	if maxPasses < 1 {
		maxPasses = 10
	}
	return &Detector{maxPasses: maxPasses}
}

// Detect computes a community assignment for the snapshot. Every entity
// is assigned to exactly one community; isolated entities form singleton
// communities. The assignment is deterministic for a given snapshot:
// nodes are swept in sorted ID order and community IDs are renumbered by
// first appearance.
func (d *Detector) Detect(snap *store.GraphSnapshot) *Mapping {
	nodes := append([]string(nil), snap.EntityIDs...)
	sort.Strings(nodes)

	adj := make(map[string]map[string]float64, len(nodes))
	for _, id := range nodes {
		adj[id] = make(map[string]float64)
	}
	var totalWeight float64
	degree := make(map[string]float64, len(nodes))
	for _, e := range snap.Edges {
		if _, ok := adj[e.Source]; !ok {
			continue
		}
		if _, ok := adj[e.Target]; !ok {
			continue
		}
		adj[e.Source][e.Target] += e.Weight
		adj[e.Target][e.Source] += e.Weight
		degree[e.Source] += e.Weight
		degree[e.Target] += e.Weight
		totalWeight += e.Weight
	}

	comm := make(map[string]int, len(nodes))
	commDegree := make(map[int]float64, len(nodes))
	for i, id := range nodes {
		comm[id] = i
		commDegree[i] = degree[id]
	}

	if totalWeight > 0 {
		for pass := 0; pass < d.maxPasses; pass++ {
			moved := false
			for _, id := range nodes {
				best := comm[id]
				bestGain := 0.0

				// weight from id into each neighboring community
				into := make(map[int]float64)
				for nb, w := range adj[id] {
					into[comm[nb]] += w
				}

				current := comm[id]
				commDegree[current] -= degree[id]

				// staying put is the zero-gain baseline
				base := into[current] - degree[id]*commDegree[current]/(2*totalWeight)
				candidates := make([]int, 0, len(into))
				for c := range into {
					candidates = append(candidates, c)
				}
				sort.Ints(candidates)
				for _, c := range candidates {
					if c == current {
						continue
					}
					gain := into[c] - degree[id]*commDegree[c]/(2*totalWeight)
					if gain-base > bestGain+1e-12 {
						bestGain = gain - base
						best = c
					}
				}

				commDegree[best] += degree[id]
				if best != comm[id] {
					comm[id] = best
					moved = true
				}
			}
			if !moved {
				break
			}
		}
	}

	mapping := &Mapping{
		Assign:  make(map[string]int, len(nodes)),
		Members: make(map[int][]string),
	}
	renumber := make(map[int]int)
	for _, id := range nodes {
		c := comm[id]
		next, ok := renumber[c]
		if !ok {
			next = len(renumber)
			renumber[c] = next
		}
		mapping.Assign[id] = next
		mapping.Members[next] = append(mapping.Members[next], id)
	}
	for _, members := range mapping.Members {
		sort.Strings(members)
	}

	logger.Info("[Community] Detection pass complete",
		"entities", len(nodes), "communities", len(mapping.Members))
	return mapping
}

// DetectComponents is the degraded fallback: plain connected components,
// used when the modularity pass is not worth running (tiny graphs).
func (d *Detector) DetectComponents(snap *store.GraphSnapshot) *Mapping {
	parent := make(map[string]string, len(snap.EntityIDs))
	var find func(x string) string
	find = func(x string) string {
		if _, ok := parent[x]; !ok {
			parent[x] = x
		}
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	for _, id := range snap.EntityIDs {
		find(id)
	}
	for _, e := range snap.Edges {
		px, py := find(e.Source), find(e.Target)
		if px != py {
			parent[px] = py
		}
	}

	nodes := append([]string(nil), snap.EntityIDs...)
	sort.Strings(nodes)

	mapping := &Mapping{
		Assign:  make(map[string]int, len(nodes)),
		Members: make(map[int][]string),
	}
	renumber := make(map[string]int)
	for _, id := range nodes {
		root := find(id)
		next, ok := renumber[root]
		if !ok {
			next = len(renumber)
			renumber[root] = next
		}
		mapping.Assign[id] = next
		mapping.Members[next] = append(mapping.Members[next], id)
	}
	return mapping
}
