package tree

import (
	"fmt"

	"github.com/corvus-kb/corvus/pkg/common"
)

// Validate checks the structural invariants of a document tree index:
// the root covers the document's full page range, every child's range is
// contained in its parent's, and sibling ranges do not overlap.
func Validate(root *common.TreeNode, doc *common.Document) error {
	if root == nil {
		return fmt.Errorf("tree for document %s: nil root", doc.ID)
	}
	if root.PageStart != 1 || root.PageEnd != doc.Pages {
		return fmt.Errorf("tree for document %s: root spans pages %d-%d, document has 1-%d",
			doc.ID, root.PageStart, root.PageEnd, doc.Pages)
	}
	return validateNode(root)
}

func validateNode(n *common.TreeNode) error {
	if n.PageStart > n.PageEnd {
		return fmt.Errorf("node %s: inverted page range %d-%d", n.ID, n.PageStart, n.PageEnd)
	}
	prevEnd := n.PageStart - 1
	for _, child := range n.Children {
		if child.PageStart < n.PageStart || child.PageEnd > n.PageEnd {
			return fmt.Errorf("node %s: child %s range %d-%d escapes parent range %d-%d",
				n.ID, child.ID, child.PageStart, child.PageEnd, n.PageStart, n.PageEnd)
		}
		if child.PageStart <= prevEnd {
			return fmt.Errorf("node %s: child %s overlaps its preceding sibling", n.ID, child.ID)
		}
		prevEnd = child.PageEnd
		if err := validateNode(child); err != nil {
			return err
		}
	}
	return nil
}

// Walk visits every node of the tree depth-first, parents before
// children. Returning false from fn stops the walk.
func Walk(root *common.TreeNode, fn func(*common.TreeNode) bool) {
	if root == nil || !fn(root) {
		return
	}
	for _, child := range root.Children {
		Walk(child, fn)
	}
}

// CountNodes returns the total number of nodes in the tree.
func CountNodes(root *common.TreeNode) int {
	count := 0
	Walk(root, func(*common.TreeNode) bool {
		count++
		return true
	})
	return count
}
