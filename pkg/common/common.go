package common

import "fmt"

// EntityType is the closed set of node types the graph accepts.
type EntityType string

const (
	EntityConcept     EntityType = "CONCEPT"
	EntityMethod      EntityType = "METHOD"
	EntityResult      EntityType = "RESULT"
	EntityAuthor      EntityType = "AUTHOR"
	EntityInstitution EntityType = "INSTITUTION"
	EntityPaper       EntityType = "PAPER"
)

// EntityTypes lists every accepted entity type.
var EntityTypes = []EntityType{
	EntityConcept,
	EntityMethod,
	EntityResult,
	EntityAuthor,
	EntityInstitution,
	EntityPaper,
}

// ValidEntityType reports whether t is part of the closed type set.
func ValidEntityType(t EntityType) bool {
	for _, known := range EntityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// RelType is the closed vocabulary of relationship types.
type RelType string

const (
	RelAuthoredBy       RelType = "AUTHORED_BY"
	RelPublishedAt      RelType = "PUBLISHED_AT"
	RelCites            RelType = "CITES"
	RelIntroduces       RelType = "INTRODUCES"
	RelUsesMethod       RelType = "USES_METHOD"
	RelReportsResult    RelType = "REPORTS_RESULT"
	RelRelatedTo        RelType = "RELATED_TO"
	RelAppliedTo        RelType = "APPLIED_TO"
	RelAffiliatedWith   RelType = "AFFILIATED_WITH"
	RelCollaboratesWith RelType = "COLLABORATES_WITH"
	RelDiscusses        RelType = "DISCUSSES"
	RelDescribes        RelType = "DESCRIBES"
)

// Document is an ingested document. Documents are immutable once written;
// re-ingestion creates a new version under a new ID.
type Document struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Domain   string    `json:"domain"`
	Pages    int       `json:"pages"`
	Version  int       `json:"version"`
	Sections []Section `json:"sections"`
}

// Section is a contiguous span of document text with page-level provenance.
// Sections are created at ingestion time and never mutated afterward; they
// are the provenance unit every entity, relationship, and retrieval result
// points back to.
type Section struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Index      int       `json:"index"`
	Title      string    `json:"title"`
	Text       string    `json:"text"`
	PageStart  int       `json:"page_start"`
	PageEnd    int       `json:"page_end"`
	Embedding  []float32 `json:"embedding,omitempty"`
}

// Entity is a canonical node in the graph. The ID never changes once the
// node is created; merges fold the newer node into the older one, and the
// alias list is append-only.
type Entity struct {
	ID          string     `json:"id"`
	Seq         int64      `json:"seq"`
	Name        string     `json:"name"`
	Type        EntityType `json:"type"`
	Aliases     []string   `json:"aliases"`
	Description string     `json:"description"`
	Embedding   []float32  `json:"embedding,omitempty"`
}

// HasAlias reports whether the alias is already recorded on the entity.
func (e *Entity) HasAlias(alias string) bool {
	for _, a := range e.Aliases {
		if a == alias {
			return true
		}
	}
	return false
}

// Relationship is a typed directed edge between two graph nodes. Endpoints
// reference entity IDs (or section/document IDs for provenance edges) and
// must exist in the store before the edge is written.
type Relationship struct {
	ID         string   `json:"id"`
	Type       RelType  `json:"type"`
	SourceID   string   `json:"source_id"`
	TargetID   string   `json:"target_id"`
	Weight     float64  `json:"weight"`
	SectionIDs []string `json:"section_ids"`
}

// TreeNode is one node of a per-document hierarchical index. A child's page
// range is contained in its parent's, sibling ranges do not overlap, and the
// root's range equals the document's full range.
type TreeNode struct {
	ID         string      `json:"id"`
	DocumentID string      `json:"document_id"`
	Title      string      `json:"title"`
	Summary    string      `json:"summary"`
	PageStart  int         `json:"page_start"`
	PageEnd    int         `json:"page_end"`
	Children   []*TreeNode `json:"children,omitempty"`
}

// IsLeaf reports whether the node has no children.
func (n *TreeNode) IsLeaf() bool {
	return len(n.Children) == 0
}

// RetrievalResult is one candidate answer unit produced for a query. It
// always references a section, never detached text. Results are ephemeral;
// they live only for the query that produced them.
type RetrievalResult struct {
	Section    Section  `json:"section"`
	Score      float64  `json:"score"`
	Fused      float64  `json:"fused"`
	Strategies []string `json:"strategies"`
}

// Citation formats the result's provenance for inclusion in a response.
func (r *RetrievalResult) Citation(docTitle string) string {
	if r.Section.PageStart == r.Section.PageEnd {
		return fmt.Sprintf("[%s, Page %d]", docTitle, r.Section.PageStart)
	}
	return fmt.Sprintf("[%s, Pages %d-%d]", docTitle, r.Section.PageStart, r.Section.PageEnd)
}
