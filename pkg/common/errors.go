package common

import "errors"

// Sentinel errors shared across the ingestion and retrieval pipelines.
// Isolated failures (one bad candidate, one timed-out strategy, one
// unreachable provider) are handled locally and must never abort an
// entire batch or the serving process.
var (
	// ErrDanglingEdge rejects a relationship write whose endpoint is
	// missing from the graph store. The write is not retried
	// automatically; it is surfaced in the ingestion report.
	ErrDanglingEdge = errors.New("relationship endpoint missing from graph store")

	// ErrExtractionUnavailable marks a provider outage during entity
	// extraction. Scoped to a single document; the batch continues.
	ErrExtractionUnavailable = errors.New("extraction collaborator unavailable")

	// ErrEmbeddingUnavailable marks a provider outage during embedding
	// generation. Scoped to a single document; the batch continues.
	ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

	// ErrRetrievalUnavailable is returned only when all retrieval
	// strategies fail for a query. Partial strategy failures degrade
	// gracefully and never produce this error.
	ErrRetrievalUnavailable = errors.New("all retrieval strategies failed")

	// ErrNotFound reports a missing document, section, or entity.
	ErrNotFound = errors.New("not found")
)
