package community

import (
	"sync/atomic"
)

// Index holds the currently published community mapping. Publication
// swaps the whole version atomically, so readers always see a complete,
// internally consistent assignment and never block a detection pass.
type Index struct {
	current atomic.Pointer[Mapping]
	version atomic.Int64
}

// NewIndex creates an index with no published mapping.
func NewIndex() *Index {
	return &Index{}
}

// Publish stamps the mapping with the next version number and makes it
// the current one. The previous version stays valid for readers that
// already hold it.
func (idx *Index) Publish(m *Mapping) int64 {
	version := idx.version.Add(1)
	m.Version = version
	idx.current.Store(m)
	return version
}

// Current returns the latest published mapping, or nil before the first
// detection pass completes.
func (idx *Index) Current() *Mapping {
	return idx.current.Load()
}

// CommunityOf returns the community of the entity in the current
// mapping. ok is false before the first publication or for entities
// added after the mapping was computed.
func (idx *Index) CommunityOf(entityID string) (int, bool) {
	m := idx.current.Load()
	if m == nil {
		return 0, false
	}
	c, ok := m.Assign[entityID]
	return c, ok
}
