package tree

import (
	"context"
	"fmt"
	"strings"

	"github.com/corvus-kb/corvus/pkg/ai"
	"github.com/corvus-kb/corvus/pkg/common"
	"github.com/corvus-kb/corvus/pkg/index/lexical"
)

// Scorer rates how likely each candidate node is to contain material
// answering the query. Scores are in [0,1], keyed by node ID.
type Scorer interface {
	ScoreNodes(ctx context.Context, query string, docTitle string, nodes []*common.TreeNode) (map[string]float64, error)
}

// LLMScorer asks the generation collaborator to rate candidate nodes
// from their titles and summaries.
type LLMScorer struct {
	client ai.Client
}

// NewLLMScorer creates a scorer backed by the given AI client.
func NewLLMScorer(client ai.Client) *LLMScorer {
	return &LLMScorer{client: client}
}

type nodeScoreResponse struct {
	Scores []struct {
		NodeID string  `json:"node_id" jsonschema_description:"ID of the candidate section"`
		Score  float64 `json:"score" jsonschema_description:"Relevance probability between 0 and 1"`
	} `json:"scores"`
}

func (s *LLMScorer) ScoreNodes(
	ctx context.Context,
	query string,
	docTitle string,
	nodes []*common.TreeNode,
) (map[string]float64, error) {
	var listing strings.Builder
	for _, n := range nodes {
		fmt.Fprintf(&listing, "- id=%s title=%q pages=%d-%d\n  summary: %s\n",
			n.ID, n.Title, n.PageStart, n.PageEnd, n.Summary)
	}

	var resp nodeScoreResponse
	err := s.client.GenerateCompletionWithFormat(ctx,
		"node_scores",
		"Relevance scores for document outline sections",
		fmt.Sprintf(ai.TreeScorePrompt, query, docTitle, listing.String()),
		&resp,
	)
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(resp.Scores))
	for _, sc := range resp.Scores {
		score := sc.Score
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		out[sc.NodeID] = score
	}
	return out, nil
}

// keyword field weights for the fallback scorer
const (
	termTitleWeight     = 3.0
	termSummaryWeight   = 2.0
	termTextWeight      = 1.0
	bigramTitleWeight   = 4.0
	bigramSummaryWeight = 3.0
	bigramTextWeight    = 1.5
)

// KeywordScorer rates nodes by weighted keyword overlap between the
// query and the node's title, summary, and section text. It needs no
// collaborator and is the degraded-mode fallback.
type KeywordScorer struct {
	// SectionText resolves the text under a node for the lowest-weight
	// field; nil means title and summary only.
	SectionText func(n *common.TreeNode) string
}

func (s *KeywordScorer) ScoreNodes(
	ctx context.Context,
	query string,
	docTitle string,
	nodes []*common.TreeNode,
) (map[string]float64, error) {
	terms := lexical.Tokenize(query)
	bigrams := lexical.Bigrams(query)
	if len(terms) == 0 {
		return map[string]float64{}, nil
	}

	// an inner node is as relevant as the best node in its subtree, so
	// the search can descend toward matches buried below generic headings
	raw := make(map[string]float64, len(nodes))
	maxScore := 0.0
	for _, n := range nodes {
		score := s.subtreeScore(n, terms, bigrams)
		raw[n.ID] = score
		if score > maxScore {
			maxScore = score
		}
	}

	// normalize into [0,1] so path confidence stays a probability
	out := make(map[string]float64, len(raw))
	for id, score := range raw {
		if maxScore > 0 {
			out[id] = score / maxScore
		} else {
			out[id] = 0
		}
	}
	return out, nil
}

func (s *KeywordScorer) subtreeScore(n *common.TreeNode, terms, bigrams []string) float64 {
	score := s.nodeScore(n, terms, bigrams)
	for _, child := range n.Children {
		if childScore := s.subtreeScore(child, terms, bigrams); childScore > score {
			score = childScore
		}
	}
	return score
}

func (s *KeywordScorer) nodeScore(n *common.TreeNode, terms, bigrams []string) float64 {
	title := strings.ToLower(n.Title)
	summary := strings.ToLower(n.Summary)
	text := ""
	if s.SectionText != nil {
		text = strings.ToLower(s.SectionText(n))
	}

	score := 0.0
	for _, term := range terms {
		if strings.Contains(title, term) {
			score += termTitleWeight
		}
		if strings.Contains(summary, term) {
			score += termSummaryWeight
		}
		if text != "" && strings.Contains(text, term) {
			score += termTextWeight
		}
	}
	for _, bigram := range bigrams {
		if strings.Contains(title, bigram) {
			score += bigramTitleWeight
		}
		if strings.Contains(summary, bigram) {
			score += bigramSummaryWeight
		}
		if text != "" && strings.Contains(text, bigram) {
			score += bigramTextWeight
		}
	}
	return score
}
