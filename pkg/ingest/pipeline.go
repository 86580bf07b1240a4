package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/corvus-kb/corvus/internal/util"
	"github.com/corvus-kb/corvus/pkg/ai"
	"github.com/corvus-kb/corvus/pkg/common"
	"github.com/corvus-kb/corvus/pkg/config"
	"github.com/corvus-kb/corvus/pkg/index/lexical"
	"github.com/corvus-kb/corvus/pkg/index/tree"
	"github.com/corvus-kb/corvus/pkg/logger"
	"github.com/corvus-kb/corvus/pkg/resolve"
	"github.com/corvus-kb/corvus/pkg/store"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/sync/errgroup"
)

// Pipeline turns raw document pages into graph data: chunked sections,
// extracted entities resolved to canonical nodes, and typed edges with
// section provenance.
type Pipeline struct {
	storage  store.GraphStorage
	client   ai.Client
	resolver *resolve.Resolver
	lex      *lexical.Index
	trees    *tree.Registry
	cfg      *config.Config

	entityLocks *keyedMutex
}

// NewPipelineParams carries the collaborators of a Pipeline.
type NewPipelineParams struct {
	Storage  store.GraphStorage
	Client   ai.Client
	Resolver *resolve.Resolver
	Lexical  *lexical.Index
	Trees    *tree.Registry
	Config   *config.Config
}

// NewPipeline creates an ingestion pipeline.
func NewPipeline(params NewPipelineParams) *Pipeline {
	return &Pipeline{
		storage:     params.Storage,
		client:      params.Client,
		resolver:    params.Resolver,
		lex:         params.Lexical,
		trees:       params.Trees,
		cfg:         params.Config,
		entityLocks: newKeyedMutex(),
	}
}

// Report summarizes one document ingestion for operators.
type Report struct {
	DocumentID        string `json:"document_id"`
	Sections          int    `json:"sections"`
	ExtractedEntities int    `json:"extracted_entities"`
	MergedEntities    int    `json:"merged_entities"`
	Relationships     int    `json:"relationships"`
	RejectedEdges     int    `json:"rejected_edges"`
	TypeConflicts     int    `json:"type_conflicts"`
	DurationMs        int64  `json:"duration_ms"`
}

// IngestDocument runs the full pipeline for one document and returns an
// ingestion report. Failures of individual sections or edges are
// isolated and reported; only document-level failures abort the run.
func (p *Pipeline) IngestDocument(
	ctx context.Context,
	title string,
	domain string,
	pages []Page,
) (*Report, error) {
	start := time.Now()

	docID, err := gonanoid.New()
	if err != nil {
		return nil, err
	}

	sections, err := sectionsFromPages(docID, pages, p.cfg.TokenEncoder, p.cfg.MaxSectionToken)
	if err != nil {
		return nil, fmt.Errorf("chunking document %q: %w", title, err)
	}
	if len(sections) == 0 {
		return nil, fmt.Errorf("document %q contains no text", title)
	}

	if err := p.embedSections(ctx, sections); err != nil {
		return nil, err
	}

	maxPage := 0
	for _, page := range pages {
		if page.Number > maxPage {
			maxPage = page.Number
		}
	}
	doc := &common.Document{
		ID:       docID,
		Title:    title,
		Domain:   domain,
		Pages:    maxPage,
		Version:  1,
		Sections: sections,
	}
	if err := p.storage.PutDocument(ctx, doc); err != nil {
		return nil, err
	}

	candidates, relations, err := p.extractAll(ctx, sections, title)
	if err != nil {
		return nil, err
	}

	if err := p.embedEntities(ctx, candidates); err != nil {
		return nil, err
	}

	for i := range candidates {
		unlock := p.entityLocks.Lock(candidates[i].ID)
		err := p.storage.PutEntity(ctx, &candidates[i])
		unlock()
		if err != nil {
			return nil, err
		}
	}

	resolution, err := p.resolveBatch(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{
		DocumentID:        docID,
		Sections:          len(sections),
		ExtractedEntities: len(candidates),
		TypeConflicts:     len(resolution.TypeConflicts),
	}
	for _, merged := range resolution.Merges {
		report.MergedEntities += len(merged)
	}

	for _, rel := range relations {
		src, okSrc := resolution.Canonical[rel.SourceID]
		dst, okDst := resolution.Canonical[rel.TargetID]
		if !okSrc || !okDst || src == dst {
			report.RejectedEdges++
			continue
		}
		rel.SourceID = src
		rel.TargetID = dst

		if err := p.storage.PutRelationship(ctx, &rel); err != nil {
			if errors.Is(err, common.ErrDanglingEdge) {
				logger.Warn("[Ingest] Rejected dangling edge", "relationship", rel.ID, "err", err)
				report.RejectedEdges++
				continue
			}
			return nil, err
		}
		report.Relationships++
	}

	if p.lex != nil {
		for _, sec := range sections {
			p.lex.Add(sec)
		}
	}
	if p.trees != nil {
		if root := tree.FromDocument(doc); root != nil {
			if err := p.trees.Put(doc, root); err != nil {
				logger.Warn("[Ingest] Tree index rejected", "document", docID, "err", err)
			}
		}
	}

	report.DurationMs = time.Since(start).Milliseconds()
	logger.Info("[Ingest] Document ingested",
		"document", docID,
		"title", title,
		"sections", report.Sections,
		"entities", report.ExtractedEntities,
		"merged", report.MergedEntities,
		"relationships", report.Relationships,
		"rejected_edges", report.RejectedEdges,
		"duration_ms", report.DurationMs,
	)
	return report, nil
}

func (p *Pipeline) embedSections(ctx context.Context, sections []common.Section) error {
	inputs := make([][]byte, len(sections))
	for i, sec := range sections {
		inputs[i] = []byte(sec.Text)
	}
	embeddings, err := p.client.GenerateEmbeddings(ctx, inputs)
	if err != nil {
		return fmt.Errorf("%w: section embeddings: %v", common.ErrEmbeddingUnavailable, err)
	}
	for i := range sections {
		sections[i].Embedding = embeddings[i]
	}
	return nil
}

func (p *Pipeline) embedEntities(ctx context.Context, entities []common.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	inputs := make([][]byte, len(entities))
	for i, e := range entities {
		inputs[i] = []byte(e.Name + "\n" + e.Description)
	}
	embeddings, err := p.client.GenerateEmbeddings(ctx, inputs)
	if err != nil {
		return fmt.Errorf("%w: entity embeddings: %v", common.ErrEmbeddingUnavailable, err)
	}
	for i := range entities {
		entities[i].Embedding = embeddings[i]
	}
	return nil
}

// extractAll fans extraction out over the sections. A section whose
// extraction keeps failing after retries is skipped, not fatal.
func (p *Pipeline) extractAll(
	ctx context.Context,
	sections []common.Section,
	docTitle string,
) ([]common.Entity, []common.Relationship, error) {
	var (
		mergeMu   sync.Mutex
		entities  []common.Entity
		relations []common.Relationship
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.ParallelAI)
	for _, sec := range sections {
		s := sec
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
			}

			e, r, err := util.Retry2WithContext(gCtx, p.cfg.MaxRetries,
				func(ctx context.Context) ([]common.Entity, []common.Relationship, error) {
					return extractFromSection(ctx, s, docTitle, p.client)
				})
			if err != nil {
				if gCtx.Err() != nil {
					return gCtx.Err()
				}
				logger.Error("[Ingest] Extraction failed for section, skipping",
					"section", s.ID, "err", err)
				return nil
			}

			mergeMu.Lock()
			entities = append(entities, e...)
			relations = append(relations, r...)
			mergeMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return entities, relations, nil
}

// resolveBatch runs entity resolution over the whole store and applies
// the merges. Resolution is idempotent, so re-running after a previous
// batch only folds in the new candidates.
func (p *Pipeline) resolveBatch(ctx context.Context) (*resolve.Resolution, error) {
	all, err := p.storage.GetEntities(ctx)
	if err != nil {
		return nil, err
	}

	resolution := p.resolver.Resolve(all)

	byID := make(map[string]common.Entity, len(all))
	for _, e := range all {
		byID[e.ID] = e
	}

	for canonicalID, mergedIDs := range resolution.Merges {
		unlock := p.entityLocks.Lock(canonicalID)
		err := p.storage.MergeEntities(ctx, canonicalID, mergedIDs)
		if err == nil {
			if typ, ok := resolution.Types[canonicalID]; ok && typ != byID[canonicalID].Type {
				canonical, getErr := p.storage.GetEntity(ctx, canonicalID)
				if getErr == nil {
					canonical.Type = typ
					err = p.storage.PutEntity(ctx, &canonical)
				} else {
					err = getErr
				}
			}
		}
		unlock()
		if err != nil {
			return nil, err
		}
	}
	return resolution, nil
}
