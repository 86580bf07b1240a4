package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/corvus-kb/corvus/pkg/common"
	"github.com/corvus-kb/corvus/pkg/community"
	"github.com/corvus-kb/corvus/pkg/index/lexical"
	"github.com/corvus-kb/corvus/pkg/index/tree"
	"github.com/corvus-kb/corvus/pkg/ingest"
	"github.com/corvus-kb/corvus/pkg/leaselock"
	"github.com/corvus-kb/corvus/pkg/logger"
	"github.com/corvus-kb/corvus/pkg/store"

	"github.com/rabbitmq/amqp091-go"
)

// communityLockKey names the lease every worker competes for before
// running a detection pass.
const communityLockKey = "community_detection"

// ProcessIngestMessage ingests one document and queues a community
// detection pass behind it so the mapping catches up with the new nodes.
func ProcessIngestMessage(
	ctx context.Context,
	pipeline *ingest.Pipeline,
	ch *amqp091.Channel,
	msg string,
) error {
	var job IngestJob
	if err := json.Unmarshal([]byte(msg), &job); err != nil {
		return fmt.Errorf("unmarshal ingest job: %w", err)
	}
	if job.Title == "" || len(job.Pages) == 0 {
		logger.Warn("[Queue] Discarding ingest job without title or pages")
		return nil
	}

	report, err := pipeline.IngestDocument(ctx, job.Title, job.Domain, job.Pages)
	if err != nil {
		return fmt.Errorf("ingest %q: %w", job.Title, err)
	}

	logger.Info("[Queue] Ingest job done",
		"document", report.DocumentID,
		"title", job.Title,
		"sections", report.Sections,
		"entities", report.ExtractedEntities,
		"rejected_edges", report.RejectedEdges,
	)

	if err := PublishCommunity(ch, CommunityJob{Reason: "post-ingest"}); err != nil {
		logger.Error("[Queue] Failed to queue community pass", "err", err)
	}
	return nil
}

// ProcessDeleteMessage removes a document from the store and from the
// lexical and tree indexes. A document that is already gone is not an
// error; retrying it would never succeed.
func ProcessDeleteMessage(
	ctx context.Context,
	storage store.GraphStorage,
	lex *lexical.Index,
	trees *tree.Registry,
	msg string,
) error {
	var job DeleteJob
	if err := json.Unmarshal([]byte(msg), &job); err != nil {
		return fmt.Errorf("unmarshal delete job: %w", err)
	}
	if job.DocumentID == "" {
		logger.Warn("[Queue] Discarding delete job without document id")
		return nil
	}

	doc, err := storage.GetDocument(ctx, job.DocumentID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			logger.Warn("[Queue] Delete job for unknown document", "document", job.DocumentID)
			return nil
		}
		return err
	}

	if err := storage.DeleteDocument(ctx, job.DocumentID); err != nil {
		return fmt.Errorf("delete document %s: %w", job.DocumentID, err)
	}
	if lex != nil {
		for _, sec := range doc.Sections {
			lex.Remove(sec.ID)
		}
	}
	if trees != nil {
		trees.Remove(job.DocumentID)
	}

	logger.Info("[Queue] Delete job done", "document", job.DocumentID, "sections", len(doc.Sections))
	return nil
}

// ProcessCommunityMessage runs one exclusive community detection pass:
// snapshot the graph, cluster it, publish the new mapping atomically.
// When another worker holds the lease the job is simply dropped; the
// holder's pass covers it.
func ProcessCommunityMessage(
	ctx context.Context,
	storage store.GraphStorage,
	locks *leaselock.Client,
	detector *community.Detector,
	idx *community.Index,
	msg string,
) error {
	var job CommunityJob
	if err := json.Unmarshal([]byte(msg), &job); err != nil {
		return fmt.Errorf("unmarshal community job: %w", err)
	}

	pass := func(ctx context.Context) error {
		snap, err := storage.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("graph snapshot: %w", err)
		}

		mapping := detector.Detect(snap)
		version := idx.Publish(mapping)
		logger.Info("[Queue] Community mapping published",
			"version", version,
			"entities", len(mapping.Assign),
			"communities", len(mapping.Members),
			"reason", job.Reason,
		)

		bridges, err := community.CrossDomainBridges(ctx, storage)
		if err != nil {
			logger.Warn("[Queue] Cross-domain report failed", "err", err)
			return nil
		}
		for _, bridge := range bridges {
			logger.Info("[Queue] Cross-domain bridge",
				"entity", bridge.Entity.Name, "domains", bridge.Domains)
		}
		return nil
	}

	if locks == nil {
		return pass(ctx)
	}

	err := locks.WithLease(ctx, communityLockKey, leaselock.Options{
		TTL: 10 * time.Minute,
	}, pass)
	if errors.Is(err, leaselock.ErrBusy) {
		logger.Info("[Queue] Community pass already running elsewhere, dropping job")
		return nil
	}
	return err
}
