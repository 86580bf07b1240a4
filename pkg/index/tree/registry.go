package tree

import (
	"fmt"
	"sync"

	"github.com/corvus-kb/corvus/pkg/common"
)

// Registry holds the published tree index of each document. Writers swap
// whole trees in; readers only ever see complete ones.
type Registry struct {
	mu    sync.RWMutex
	roots map[string]*common.TreeNode
}

// NewRegistry creates an empty tree registry.
func NewRegistry() *Registry {
	return &Registry{roots: make(map[string]*common.TreeNode)}
}

// Put validates the tree against the document and publishes it, replacing
// any previous tree for the same document.
func (r *Registry) Put(doc *common.Document, root *common.TreeNode) error {
	if root == nil {
		return fmt.Errorf("nil tree for document %s", doc.ID)
	}
	if err := Validate(root, doc); err != nil {
		return fmt.Errorf("tree for document %s: %w", doc.ID, err)
	}
	r.mu.Lock()
	r.roots[root.DocumentID] = root
	r.mu.Unlock()
	return nil
}

// Remove drops the tree of one document.
func (r *Registry) Remove(documentID string) {
	r.mu.Lock()
	delete(r.roots, documentID)
	r.mu.Unlock()
}

// Get returns the tree of one document, or nil.
func (r *Registry) Get(documentID string) *common.TreeNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roots[documentID]
}

// All returns every published tree.
func (r *Registry) All() []*common.TreeNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*common.TreeNode, 0, len(r.roots))
	for _, root := range r.roots {
		out = append(out, root)
	}
	return out
}

// Len returns the number of published trees.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.roots)
}
