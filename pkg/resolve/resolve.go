package resolve

import (
	"sort"
	"strings"
	"unicode"

	"github.com/corvus-kb/corvus/pkg/common"
	"github.com/corvus-kb/corvus/pkg/logger"
	"github.com/corvus-kb/corvus/pkg/store"
)

// KnownAliases maps well-known variant spellings to their canonical
// concept name. Seeded from the research vocabulary; normalized-key
// matching picks these up before any embedding comparison.
var KnownAliases = map[string]string{
	"zkp":      "zero-knowledge proof",
	"zk proof": "zero-knowledge proof",
	"zk-snark": "zk-SNARK",
	"snark":    "zk-SNARK",
	"zk-stark": "zk-STARK",
	"stark":    "zk-STARK",
	"fhe":      "fully homomorphic encryption",
	"mpc":      "multi-party computation",
	"cbdc":     "central bank digital currency",
	"utxo":     "UTXO model",
	"htlc":     "Hash Time-Locked Contract",
}

// NormalizeKey lowercases the name and strips punctuation so spelling
// variants collapse onto one key. Whitespace runs shrink to one space.
func NormalizeKey(name string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case !lastSpace:
			b.WriteRune(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

// CanonicalName returns the canonical spelling for a known alias, or the
// input unchanged.
func CanonicalName(name string) string {
	if canonical, ok := KnownAliases[NormalizeKey(name)]; ok {
		return canonical
	}
	return name
}

// seedKey folds known aliases onto their canonical normalized key.
func seedKey(name string) string {
	key := NormalizeKey(name)
	if canonical, ok := KnownAliases[key]; ok {
		return NormalizeKey(canonical)
	}
	return key
}

// Resolution is the outcome of resolving one candidate batch.
type Resolution struct {
	// Canonical maps every resolved entity ID to its canonical ID.
	// Canonical entities map to themselves.
	Canonical map[string]string
	// Merges maps each canonical ID to the IDs folded into it. Only
	// groups with at least one merge appear.
	Merges map[string][]string
	// Types maps each canonical ID to the type the merged group settled
	// on by majority vote.
	Types map[string]common.EntityType
	// TypeConflicts lists canonical IDs whose group tied on type; the
	// canonical entity kept its original type and is flagged for review.
	TypeConflicts []string
	// Unresolved lists candidate IDs that could not participate (missing
	// name or unknown type). They are isolated, never merged.
	Unresolved []string
}

// Resolver groups duplicate entities. Two entities are considered the
// same when their normalized keys match (known aliases folded in) or
// when they share a type and their embeddings agree with cosine
// similarity at or above the threshold. Matches are transitive.
type Resolver struct {
	threshold float64
}

// NewResolver creates a resolver with the given embedding similarity
// threshold.
func NewResolver(threshold float64) *Resolver {
	return &Resolver{threshold: threshold}
}

// Resolve computes canonical groupings for the given entities. The input
// is typically the new candidates of a batch together with the existing
// entities they might duplicate. The canonical member of each group is
// the earliest-created one (lowest store sequence, ties broken by ID),
// so resolving an already-resolved set is a no-op.
func (r *Resolver) Resolve(entities []common.Entity) *Resolution {
	res := &Resolution{
		Canonical: make(map[string]string),
		Merges:    make(map[string][]string),
		Types:     make(map[string]common.EntityType),
	}

	valid := make([]common.Entity, 0, len(entities))
	for _, e := range entities {
		if strings.TrimSpace(e.Name) == "" || !common.ValidEntityType(e.Type) {
			logger.Warn("[Resolve] Isolating unresolvable candidate",
				"id", e.ID, "name", e.Name, "type", e.Type)
			res.Unresolved = append(res.Unresolved, e.ID)
			continue
		}
		valid = append(valid, e)
	}

	parent := make(map[string]string, len(valid))
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
	union := func(x, y string) {
		px, py := find(x), find(y)
		if px != py {
			parent[px] = py
		}
	}

	// signal 1: normalized key match, known aliases folded in. The same
	// key under conflicting type tags is still one mention, so it merges
	// and the group's type settles by vote below.
	byKey := make(map[string]string)
	for _, e := range valid {
		keys := []string{seedKey(e.Name)}
		for _, alias := range e.Aliases {
			keys = append(keys, seedKey(alias))
		}
		for _, key := range keys {
			if key == "" {
				continue
			}
			if first, ok := byKey[key]; ok {
				union(first, e.ID)
			} else {
				byKey[key] = e.ID
			}
		}
	}

	// signal 2: embedding similarity, same type only. Distinct names
	// with close embeddings but different types are different entities.
	for i := 0; i < len(valid); i++ {
		if len(valid[i].Embedding) == 0 {
			continue
		}
		for j := i + 1; j < len(valid); j++ {
			if valid[j].Type != valid[i].Type || len(valid[j].Embedding) == 0 {
				continue
			}
			if store.CosineSimilarity(valid[i].Embedding, valid[j].Embedding) >= r.threshold {
				union(valid[i].ID, valid[j].ID)
			}
		}
	}

	byID := make(map[string]common.Entity, len(valid))
	for _, e := range valid {
		byID[e.ID] = e
		find(e.ID)
	}

	groups := make(map[string][]string)
	for id := range parent {
		root := find(id)
		groups[root] = append(groups[root], id)
	}

	for _, members := range groups {
		canonicalID := pickCanonical(members, byID)
		for _, id := range members {
			res.Canonical[id] = canonicalID
			if id != canonicalID {
				res.Merges[canonicalID] = append(res.Merges[canonicalID], id)
			}
		}
		sort.Strings(res.Merges[canonicalID])

		typ, tied := majorityType(members, byID)
		if tied {
			typ = byID[canonicalID].Type
			res.TypeConflicts = append(res.TypeConflicts, canonicalID)
			logger.Warn("[Resolve] Type vote tied, keeping canonical type",
				"entity", canonicalID, "type", typ)
		}
		res.Types[canonicalID] = typ
	}
	sort.Strings(res.TypeConflicts)
	return res
}

// pickCanonical selects the earliest-created member: lowest positive
// sequence first, unsaved members (seq 0) after, ties broken by ID.
func pickCanonical(members []string, byID map[string]common.Entity) string {
	best := members[0]
	for _, id := range members[1:] {
		if entityBefore(byID[id], byID[best]) {
			best = id
		}
	}
	return best
}

func entityBefore(a, b common.Entity) bool {
	aSaved, bSaved := a.Seq > 0, b.Seq > 0
	if aSaved != bSaved {
		return aSaved
	}
	if aSaved && a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.ID < b.ID
}

// majorityType votes on the group's entity type. tied is true when no
// type holds a strict majority of the vote.
func majorityType(members []string, byID map[string]common.Entity) (common.EntityType, bool) {
	votes := make(map[common.EntityType]int)
	for _, id := range members {
		votes[byID[id].Type]++
	}
	var best common.EntityType
	bestCount := -1
	tied := false
	for typ, count := range votes {
		switch {
		case count > bestCount:
			best, bestCount, tied = typ, count, false
		case count == bestCount:
			tied = true
		}
	}
	return best, tied
}

// MatchSeeds finds entities mentioned in the query text by name or alias.
// It is the read-only entry point used to seed graph traversal; known
// aliases in the query resolve to the same entities as their canonical
// spelling.
func MatchSeeds(query string, entities []common.Entity) []common.Entity {
	normalized := " " + NormalizeKey(query) + " "
	if canonical, ok := KnownAliases[strings.TrimSpace(normalized)]; ok {
		normalized = " " + NormalizeKey(canonical) + " "
	}

	var out []common.Entity
	for _, e := range entities {
		names := append([]string{e.Name}, e.Aliases...)
		matched := false
		for _, name := range names {
			key := NormalizeKey(name)
			if key == "" {
				continue
			}
			if strings.Contains(normalized, " "+key+" ") || queryMentionsAlias(normalized, key) {
				matched = true
				break
			}
		}
		if matched {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// queryMentionsAlias checks whether any known alias of the key's
// canonical form appears in the query.
func queryMentionsAlias(normalizedQuery, key string) bool {
	for alias, canonical := range KnownAliases {
		if NormalizeKey(canonical) != key {
			continue
		}
		if strings.Contains(normalizedQuery, " "+NormalizeKey(alias)+" ") {
			return true
		}
	}
	return false
}
