package lexical

import (
	"math"
	"sort"
	"sync"

	"github.com/corvus-kb/corvus/pkg/common"
)

// Okapi BM25 parameters.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

type indexedSection struct {
	section common.Section
	length  int
	freq    map[string]int
}

// Index is an in-memory BM25 inverted index over section text. Sections
// are immutable, so entries only change when a whole document is removed;
// Add, Remove and Search are safe for concurrent use.
type Index struct {
	mu sync.RWMutex

	sections map[string]*indexedSection
	postings map[string][]string
	totalLen int
}

// NewIndex creates an empty lexical index.
func NewIndex() *Index {
	return &Index{
		sections: make(map[string]*indexedSection),
		postings: make(map[string][]string),
	}
}

// Add indexes the section's title and text. Re-adding a section ID is a
// no-op.
func (idx *Index) Add(sec common.Section) {
	terms := Tokenize(sec.Title + " " + sec.Text)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.sections[sec.ID]; ok {
		return
	}

	entry := &indexedSection{
		section: sec,
		length:  len(terms),
		freq:    make(map[string]int),
	}
	for _, term := range terms {
		entry.freq[term]++
	}
	for term := range entry.freq {
		idx.postings[term] = append(idx.postings[term], sec.ID)
	}
	idx.sections[sec.ID] = entry
	idx.totalLen += entry.length
}

// Remove drops a section from the index. Unknown IDs are a no-op.
func (idx *Index) Remove(sectionID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	entry, ok := idx.sections[sectionID]
	if !ok {
		return
	}
	for term := range entry.freq {
		ids := idx.postings[term]
		kept := ids[:0]
		for _, id := range ids {
			if id != sectionID {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			delete(idx.postings, term)
		} else {
			idx.postings[term] = kept
		}
	}
	idx.totalLen -= entry.length
	delete(idx.sections, sectionID)
}

// Match is one BM25 search hit.
type Match struct {
	Section common.Section
	Score   float64
}

// Search ranks indexed sections against the query with Okapi BM25 and
// returns up to topK matches, best first. Ties break on section ID so
// results are stable.
func (idx *Index) Search(query string, topK int) []Match {
	queryTerms := Tokenize(query)
	if len(queryTerms) == 0 {
		return nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	n := len(idx.sections)
	if n == 0 {
		return nil
	}
	avgLen := float64(idx.totalLen) / float64(n)

	scores := make(map[string]float64)
	for _, term := range queryTerms {
		ids := idx.postings[term]
		if len(ids) == 0 {
			continue
		}
		idf := math.Log(1 + (float64(n)-float64(len(ids))+0.5)/(float64(len(ids))+0.5))
		for _, id := range ids {
			entry := idx.sections[id]
			tf := float64(entry.freq[term])
			norm := bm25K1 * (1 - bm25B + bm25B*float64(entry.length)/avgLen)
			scores[id] += idf * tf * (bm25K1 + 1) / (tf + norm)
		}
	}

	out := make([]Match, 0, len(scores))
	for id, score := range scores {
		out = append(out, Match{Section: idx.sections[id].section, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Section.ID < out[j].Section.ID
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}

// Len reports the number of indexed sections.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.sections)
}
