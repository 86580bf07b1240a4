package tree

import (
	"container/heap"
	"context"

	"github.com/corvus-kb/corvus/pkg/common"
	"github.com/corvus-kb/corvus/pkg/logger"
)

// SearchParams bounds a best-first tree search.
type SearchParams struct {
	// NodeBudget caps the number of nodes expanded in one search.
	NodeBudget int
	// PruneThreshold drops children scored below it.
	PruneThreshold float64
	// MinConfidence is the lowest path confidence a leaf may be
	// returned with.
	MinConfidence float64
	// MaxResults caps the returned leaves; 0 means no cap.
	MaxResults int
}

// Result is one leaf reached by the search, with the confidence of the
// path that led to it (product of the scores along the path).
type Result struct {
	Node       *common.TreeNode
	Confidence float64
}

// Searcher runs best-first search over a document tree. The primary
// scorer is usually LLM-backed; when it fails the searcher degrades to
// the keyword fallback for the rest of the search.
type Searcher struct {
	scorer   Scorer
	fallback Scorer
	params   SearchParams
}

// NewSearcher creates a searcher. scorer may be nil, in which case only
// the keyword fallback is used.
func NewSearcher(scorer Scorer, fallback *KeywordScorer, params SearchParams) *Searcher {
	if fallback == nil {
		fallback = &KeywordScorer{}
	}
	if params.NodeBudget <= 0 {
		params.NodeBudget = 64
	}
	return &Searcher{scorer: scorer, fallback: fallback, params: params}
}

type frontierItem struct {
	node       *common.TreeNode
	confidence float64
	order      int
}

type frontier []*frontierItem

func (f frontier) Len() int { return len(f) }
func (f frontier) Less(i, j int) bool {
	if f[i].confidence != f[j].confidence {
		return f[i].confidence > f[j].confidence
	}
	return f[i].order < f[j].order
}
func (f frontier) Swap(i, j int)       { f[i], f[j] = f[j], f[i] }
func (f *frontier) Push(x any)         { *f = append(*f, x.(*frontierItem)) }
func (f *frontier) Pop() any {
	old := *f
	item := old[len(old)-1]
	*f = old[:len(old)-1]
	return item
}

// Search walks the tree best-first from the root and returns the leaves
// whose path confidence clears the minimum, best first. The node budget
// and the finite tree guarantee termination; context cancellation is
// honored between expansions.
func (s *Searcher) Search(
	ctx context.Context,
	query string,
	docTitle string,
	root *common.TreeNode,
) ([]Result, error) {
	if root == nil {
		return nil, nil
	}

	usingFallback := s.scorer == nil
	score := func(nodes []*common.TreeNode) (map[string]float64, error) {
		if !usingFallback {
			scores, err := s.scorer.ScoreNodes(ctx, query, docTitle, nodes)
			if err == nil {
				return scores, nil
			}
			logger.Warn("[Tree] Scorer failed, degrading to keyword overlap", "err", err)
			usingFallback = true
		}
		return s.fallback.ScoreNodes(ctx, query, docTitle, nodes)
	}

	var results []Result
	order := 0
	f := &frontier{{node: root, confidence: 1.0, order: order}}
	heap.Init(f)

	expanded := 0
	for f.Len() > 0 && expanded < s.params.NodeBudget {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		item := heap.Pop(f).(*frontierItem)

		if item.node.IsLeaf() {
			if item.confidence >= s.params.MinConfidence {
				results = append(results, Result{Node: item.node, Confidence: item.confidence})
			}
			continue
		}

		expanded++
		scores, err := score(item.node.Children)
		if err != nil {
			return nil, err
		}
		for _, child := range item.node.Children {
			sc := scores[child.ID]
			if sc < s.params.PruneThreshold {
				continue
			}
			order++
			heap.Push(f, &frontierItem{
				node:       child,
				confidence: item.confidence * sc,
				order:      order,
			})
		}
	}

	if s.params.MaxResults > 0 && len(results) > s.params.MaxResults {
		results = results[:s.params.MaxResults]
	}
	return results, nil
}
