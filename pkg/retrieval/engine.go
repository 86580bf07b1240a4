package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/corvus-kb/corvus/pkg/ai"
	"github.com/corvus-kb/corvus/pkg/common"
	"github.com/corvus-kb/corvus/pkg/config"
	"github.com/corvus-kb/corvus/pkg/index/lexical"
	"github.com/corvus-kb/corvus/pkg/index/tree"
	"github.com/corvus-kb/corvus/pkg/logger"
	"github.com/corvus-kb/corvus/pkg/resolve"
	"github.com/corvus-kb/corvus/pkg/store"
)

// Strategy names one of the four retrieval strategies.
type Strategy string

const (
	StrategyVector  Strategy = "vector"
	StrategyGraph   Strategy = "graph"
	StrategyLexical Strategy = "lexical"
	StrategyTree    Strategy = "tree"
)

var allStrategies = []Strategy{StrategyVector, StrategyGraph, StrategyLexical, StrategyTree}

// Response is the fused outcome of one retrieval call. Degraded lists the
// strategies that errored or timed out; their results are simply absent.
type Response struct {
	Results  []common.RetrievalResult `json:"results"`
	Degraded []Strategy               `json:"degraded,omitempty"`
}

// Engine fans a query out over four retrieval strategies, each with its
// own deadline, and fuses their results into one ranked list.
type Engine struct {
	storage store.GraphStorage
	client  ai.Client
	lex     *lexical.Index
	trees   *tree.Registry
	cfg     *config.Config
}

// NewEngineParams carries the collaborators of an Engine.
type NewEngineParams struct {
	Storage store.GraphStorage
	Client  ai.Client
	Lexical *lexical.Index
	Trees   *tree.Registry
	Config  *config.Config
}

// NewEngine creates a retrieval engine.
func NewEngine(params NewEngineParams) *Engine {
	return &Engine{
		storage: params.Storage,
		client:  params.Client,
		lex:     params.Lexical,
		trees:   params.Trees,
		cfg:     params.Config,
	}
}

// scoredSection is one raw strategy hit before fusion.
type scoredSection struct {
	section common.Section
	score   float64
}

type strategyFn func(ctx context.Context, query string, topK int) ([]scoredSection, error)

// Retrieve runs all four strategies concurrently and returns the fused,
// deduplicated result list, best first. domain restricts results to
// sections of documents in that domain; empty means no restriction.
// ErrRetrievalUnavailable is returned only when every strategy failed.
func (e *Engine) Retrieve(
	ctx context.Context,
	query string,
	domain string,
	topK int,
) (*Response, error) {
	if topK <= 0 {
		topK = e.cfg.TopK
	}
	timeout := time.Duration(e.cfg.StrategyTimeoutSec) * time.Second

	strategies := map[Strategy]strategyFn{
		StrategyVector:  e.vectorStrategy,
		StrategyGraph:   e.graphStrategy,
		StrategyLexical: e.lexicalStrategy,
		StrategyTree:    e.treeStrategy,
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		hits     = make(map[Strategy][]scoredSection, len(strategies))
		degraded []Strategy
	)
	for name, run := range strategies {
		wg.Add(1)
		go func(name Strategy, run strategyFn) {
			defer wg.Done()
			sCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			results, err := run(sCtx, query, topK)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Warn("[Retrieval] Strategy degraded", "strategy", name, "err", err)
				degraded = append(degraded, name)
				return
			}
			hits[name] = results
		}(name, run)
	}
	wg.Wait()

	if len(degraded) == len(strategies) {
		return nil, fmt.Errorf("%w: query %q", common.ErrRetrievalUnavailable, query)
	}

	if domain != "" {
		if err := e.filterByDomain(ctx, domain, hits); err != nil {
			return nil, err
		}
	}

	resp := &Response{
		Results:  fuse(hits, e.weights()),
		Degraded: degraded,
	}
	sort.Slice(resp.Degraded, func(i, j int) bool { return resp.Degraded[i] < resp.Degraded[j] })

	logger.Info("[Retrieval] Query served",
		"query", query,
		"results", len(resp.Results),
		"degraded", len(resp.Degraded),
	)
	return resp, nil
}

func (e *Engine) weights() map[Strategy]float64 {
	return map[Strategy]float64{
		StrategyVector:  e.cfg.VectorWeight,
		StrategyGraph:   e.cfg.GraphWeight,
		StrategyLexical: e.cfg.LexicalWeight,
		StrategyTree:    e.cfg.TreeWeight,
	}
}

// filterByDomain drops hits whose document is outside the requested
// domain. Document domains are looked up once per document.
func (e *Engine) filterByDomain(ctx context.Context, domain string, hits map[Strategy][]scoredSection) error {
	domains := make(map[string]string)
	lookup := func(docID string) (string, error) {
		if d, ok := domains[docID]; ok {
			return d, nil
		}
		doc, err := e.storage.GetDocument(ctx, docID)
		if err != nil {
			return "", err
		}
		domains[docID] = doc.Domain
		return doc.Domain, nil
	}

	for name, results := range hits {
		kept := results[:0]
		for _, hit := range results {
			d, err := lookup(hit.section.DocumentID)
			if err != nil {
				if errors.Is(err, common.ErrNotFound) {
					continue
				}
				return err
			}
			if d == domain {
				kept = append(kept, hit)
			}
		}
		hits[name] = kept
	}
	return nil
}

// vectorStrategy embeds the query and ranks sections by cosine similarity.
func (e *Engine) vectorStrategy(ctx context.Context, query string, topK int) ([]scoredSection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	embedding, err := e.client.GenerateEmbedding(ctx, []byte(query))
	if err != nil {
		return nil, fmt.Errorf("query embedding: %w", err)
	}
	scored, err := e.storage.SimilarSections(ctx, embedding, topK)
	if err != nil {
		return nil, err
	}
	out := make([]scoredSection, len(scored))
	for i, s := range scored {
		out[i] = scoredSection{section: s.Section, score: s.Score}
	}
	return out, nil
}

// graphStrategy seeds traversal from entities mentioned in the query and
// collects the sections their neighborhoods were extracted from. Sections
// reached through fewer hops score higher.
func (e *Engine) graphStrategy(ctx context.Context, query string, topK int) ([]scoredSection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entities, err := e.storage.GetEntities(ctx)
	if err != nil {
		return nil, err
	}
	seeds := resolve.MatchSeeds(query, entities)
	if len(seeds) == 0 {
		return nil, nil
	}

	// entity id -> closest hop distance over all seeds
	hops := make(map[string]int)
	for _, seed := range seeds {
		neighborhood, err := e.storage.GetNeighbors(ctx, seed.ID, nil, e.cfg.MaxHops, e.cfg.FanOutCap)
		if err != nil {
			return nil, err
		}
		for id, hop := range neighborhood.Hops {
			if known, ok := hops[id]; !ok || hop < known {
				hops[id] = hop
			}
		}
	}

	// Resolve provenance level by level so each section gets the score
	// of the closest entity that references it.
	byHop := make(map[int][]string)
	maxHop := 0
	for id, hop := range hops {
		byHop[hop] = append(byHop[hop], id)
		if hop > maxHop {
			maxHop = hop
		}
	}

	seen := make(map[string]bool)
	var out []scoredSection
	for hop := 0; hop <= maxHop; hop++ {
		ids := byHop[hop]
		if len(ids) == 0 {
			continue
		}
		sort.Strings(ids)
		sections, err := e.storage.SectionsForEntities(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, sec := range sections {
			if seen[sec.ID] {
				continue
			}
			seen[sec.ID] = true
			out = append(out, scoredSection{section: sec, score: 1.0 / float64(1+hop)})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].section.ID < out[j].section.ID
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// lexicalStrategy ranks sections with BM25.
func (e *Engine) lexicalStrategy(ctx context.Context, query string, topK int) ([]scoredSection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	matches := e.lex.Search(query, topK)
	out := make([]scoredSection, len(matches))
	for i, m := range matches {
		out[i] = scoredSection{section: m.Section, score: m.Score}
	}
	return out, nil
}

// treeStrategy runs best-first search over every published document tree
// and maps the returned leaves back to their sections.
func (e *Engine) treeStrategy(ctx context.Context, query string, topK int) ([]scoredSection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	roots := e.trees.All()
	if len(roots) == 0 {
		return nil, nil
	}

	var scorer tree.Scorer
	if e.client != nil {
		scorer = tree.NewLLMScorer(e.client)
	}
	fallback := &tree.KeywordScorer{
		SectionText: func(n *common.TreeNode) string {
			sec, err := e.storage.GetSection(ctx, n.ID)
			if err != nil {
				return ""
			}
			return sec.Text
		},
	}
	searcher := tree.NewSearcher(scorer, fallback, tree.SearchParams{
		NodeBudget:     e.cfg.TreeNodeBudget,
		PruneThreshold: e.cfg.TreePruneThreshold,
		MinConfidence:  e.cfg.TreeMinConfidence,
		MaxResults:     topK,
	})

	var out []scoredSection
	for _, root := range roots {
		results, err := searcher.Search(ctx, query, root.Title, root)
		if err != nil {
			return nil, err
		}
		for _, res := range results {
			sec, err := e.storage.GetSection(ctx, res.Node.ID)
			if err != nil {
				if errors.Is(err, common.ErrNotFound) {
					continue
				}
				return nil, err
			}
			out = append(out, scoredSection{section: sec, score: res.Confidence})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].section.ID < out[j].section.ID
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}
