package loop

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/corvus-kb/corvus/pkg/ai"
	"github.com/corvus-kb/corvus/pkg/logger"
)

type critiqueResponse struct {
	Pass           bool     `json:"pass" jsonschema_description:"True when every claim is grounded and every citation is valid"`
	Issues         []string `json:"issues" jsonschema_description:"Concrete grounding or citation problems found in the answer"`
	RevisedQueries []string `json:"revised_queries" jsonschema_description:"Up to three search queries that would surface the missing evidence"`
}

type verdict struct {
	pass           bool
	issues         []string
	revisedQueries []string
	citations      []string
}

// citationPattern matches the [Document, Pages a-b] references the answer
// prompt demands. Single pages render as [Document, Page a].
var citationPattern = regexp.MustCompile(`\[([^\[\],]+), Pages? (\d+)(?:-(\d+))?\]`)

// critique verifies the answer two ways: a local check that every cited
// page range lies inside a retrieved section of the named document, and a
// model check for groundedness. Both must pass. A critique collaborator
// outage counts as a failed check; an unverifiable answer is never waved
// through.
func (r *Runner) critique(
	ctx context.Context,
	question string,
	answer string,
	entries []contextEntry,
) verdict {
	v := verdict{pass: true}

	citations, issues := checkCitations(answer, entries)
	v.citations = citations
	if len(issues) > 0 {
		v.pass = false
		v.issues = issues
	}

	var res critiqueResponse
	err := r.client.GenerateCompletionWithFormat(
		ctx,
		"critique",
		"Verdict on whether a generated answer is grounded in the retrieved context.",
		fmt.Sprintf(ai.CritiquePrompt, question, answer, renderContext(entries)),
		&res,
	)
	if err != nil {
		logger.Warn("[Loop] Critique collaborator unavailable", "err", err)
		v.pass = false
		v.issues = append(v.issues, "critique collaborator unavailable")
		return v
	}

	if !res.Pass {
		v.pass = false
		v.issues = append(v.issues, res.Issues...)
	}
	if len(res.RevisedQueries) > 3 {
		res.RevisedQueries = res.RevisedQueries[:3]
	}
	v.revisedQueries = res.RevisedQueries
	return v
}

// checkCitations parses every citation out of the answer and verifies it
// against the retrieval context: the document must be present and the
// cited pages must fall inside one of its retrieved sections.
func checkCitations(answer string, entries []contextEntry) (citations []string, issues []string) {
	seen := make(map[string]bool)
	for _, match := range citationPattern.FindAllStringSubmatch(answer, -1) {
		full := match[0]
		if seen[full] {
			continue
		}
		seen[full] = true

		docTitle := strings.TrimSpace(match[1])
		start, _ := strconv.Atoi(match[2])
		end := start
		if match[3] != "" {
			end, _ = strconv.Atoi(match[3])
		}

		if covered(docTitle, start, end, entries) {
			citations = append(citations, full)
			continue
		}
		issues = append(issues, fmt.Sprintf("citation %s does not match any retrieved section", full))
	}
	return citations, issues
}

func covered(docTitle string, start, end int, entries []contextEntry) bool {
	for _, entry := range entries {
		if entry.docTitle != docTitle {
			continue
		}
		sec := entry.result.Section
		if start >= sec.PageStart && end <= sec.PageEnd {
			return true
		}
	}
	return false
}
