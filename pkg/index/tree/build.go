package tree

import (
	"fmt"
	"strings"

	"github.com/corvus-kb/corvus/pkg/common"
)

// groupSize is how many section leaves share one inner node. Grouping
// gives the best-first search something to prune before it reaches the
// leaves.
const groupSize = 6

// FromDocument derives a tree index from a document's sections. Leaves
// carry the section IDs so search results map straight back to sections;
// page ranges are clipped so siblings never overlap even when adjacent
// sections share a page.
func FromDocument(doc *common.Document) *common.TreeNode {
	if doc == nil || len(doc.Sections) == 0 {
		return nil
	}

	leaves := make([]*common.TreeNode, 0, len(doc.Sections))
	prevEnd := 0
	for _, sec := range doc.Sections {
		start, end := sec.PageStart, sec.PageEnd
		if start <= prevEnd {
			start = prevEnd + 1
		}
		if end < start {
			continue
		}
		prevEnd = end

		title := sec.Title
		if title == "" {
			title = fmt.Sprintf("Section %d", sec.Index+1)
		}
		leaves = append(leaves, &common.TreeNode{
			ID:         sec.ID,
			DocumentID: doc.ID,
			Title:      title,
			Summary:    summarize(sec.Text),
			PageStart:  start,
			PageEnd:    end,
		})
	}
	if len(leaves) == 0 {
		return nil
	}

	children := leaves
	if len(leaves) > groupSize {
		children = nil
		for start := 0; start < len(leaves); start += groupSize {
			end := start + groupSize
			if end > len(leaves) {
				end = len(leaves)
			}
			group := leaves[start:end]
			titles := make([]string, len(group))
			for i, leaf := range group {
				titles[i] = leaf.Title
			}
			children = append(children, &common.TreeNode{
				ID:         fmt.Sprintf("%s-part-%d", doc.ID, start/groupSize+1),
				DocumentID: doc.ID,
				Title:      fmt.Sprintf("Pages %d-%d", group[0].PageStart, group[len(group)-1].PageEnd),
				Summary:    strings.Join(titles, "; "),
				PageStart:  group[0].PageStart,
				PageEnd:    group[len(group)-1].PageEnd,
				Children:   group,
			})
		}
	}

	return &common.TreeNode{
		ID:         doc.ID,
		DocumentID: doc.ID,
		Title:      doc.Title,
		PageStart:  1,
		PageEnd:    doc.Pages,
		Children:   children,
	}
}

// summarize keeps the first sentence-ish span of the text, capped.
func summarize(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if idx := strings.IndexAny(text, ".!?"); idx > 0 && idx < 200 {
		return text[:idx+1]
	}
	if len(text) > 200 {
		return text[:200]
	}
	return text
}
