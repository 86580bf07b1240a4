package loop

import (
	"context"
	"fmt"
	"strings"

	"github.com/corvus-kb/corvus/pkg/ai"
	"github.com/corvus-kb/corvus/pkg/common"
	"github.com/corvus-kb/corvus/pkg/config"
	"github.com/corvus-kb/corvus/pkg/logger"
	"github.com/corvus-kb/corvus/pkg/retrieval"
	"github.com/corvus-kb/corvus/pkg/store"
)

// State is one state of the self-correction machine.
type State string

const (
	StateGenerate State = "GENERATE"
	StateCritique State = "CRITIQUE"
	StateRefine   State = "REFINE"
	StateReturn   State = "RETURN"
	StateFailed   State = "FAILED"
)

// Trace records how a query moved through the machine.
type Trace struct {
	Iterations int      `json:"iterations"`
	States     []State  `json:"states"`
	Final      State    `json:"final"`
	Issues     []string `json:"issues,omitempty"`
}

// Answer is the outcome of one query. Verified is set only on answers
// that passed critique; exhausted iterations and empty-retrieval answers
// are the best available output, never silently presented as checked.
type Answer struct {
	Text      string   `json:"text"`
	Citations []string `json:"citations,omitempty"`
	Verified  bool     `json:"verified"`
	Trace     Trace    `json:"trace"`
}

// Runner drives the generate/critique/refine machine for one query at a
// time. Independent queries may run concurrently on the same Runner.
type Runner struct {
	engine  *retrieval.Engine
	storage store.GraphStorage
	client  ai.Client
	cfg     *config.Config
}

// NewRunnerParams carries the collaborators of a Runner.
type NewRunnerParams struct {
	Engine  *retrieval.Engine
	Storage store.GraphStorage
	Client  ai.Client
	Config  *config.Config
}

// NewRunner creates a self-correction runner.
func NewRunner(params NewRunnerParams) *Runner {
	return &Runner{
		engine:  params.Engine,
		storage: params.Storage,
		client:  params.Client,
		cfg:     params.Config,
	}
}

// Run answers the question with retrieval-grounded generation, critiques
// the answer, and refines the query until critique passes or the
// iteration budget runs out. Cancellation is observed at every state
// boundary. A total retrieval failure is surfaced as-is; there is no
// partial answer for it.
func (r *Runner) Run(ctx context.Context, question string, domain string) (*Answer, error) {
	query := question
	trace := Trace{}

	resp, err := r.engine.Retrieve(ctx, query, domain, r.cfg.TopK)
	if err != nil {
		return nil, err
	}
	entries, err := r.buildContext(ctx, resp.Results)
	if err != nil {
		return nil, err
	}

	if len(entries) == 0 {
		return r.noData(ctx, question, trace)
	}

	var lastAnswer string
	var lastIssues []string
	for iteration := 1; iteration <= r.cfg.MaxLoopIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		trace.Iterations = iteration
		trace.States = append(trace.States, StateGenerate)

		answer, err := r.generate(ctx, question, entries)
		if err != nil {
			return nil, fmt.Errorf("generation: %w", err)
		}
		lastAnswer = answer

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		trace.States = append(trace.States, StateCritique)

		verdict := r.critique(ctx, question, answer, entries)
		lastIssues = verdict.issues
		if verdict.pass {
			trace.Final = StateReturn
			trace.States = append(trace.States, StateReturn)
			logger.Info("[Loop] Answer verified",
				"iterations", trace.Iterations, "citations", len(verdict.citations))
			return &Answer{
				Text:      answer,
				Citations: verdict.citations,
				Verified:  true,
				Trace:     trace,
			}, nil
		}

		if iteration == r.cfg.MaxLoopIterations {
			break
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		trace.States = append(trace.States, StateRefine)
		logger.Warn("[Loop] Critique failed, refining",
			"iteration", iteration, "issues", len(verdict.issues))

		query, domain = r.refine(ctx, question, query, domain, verdict.revisedQueries)
		resp, err = r.engine.Retrieve(ctx, query, domain, r.cfg.TopK)
		if err != nil {
			return nil, err
		}
		refreshed, err := r.buildContext(ctx, resp.Results)
		if err != nil {
			return nil, err
		}
		if len(refreshed) > 0 {
			entries = refreshed
		}
	}

	trace.Final = StateFailed
	trace.States = append(trace.States, StateFailed)
	trace.Issues = lastIssues
	logger.Warn("[Loop] Iteration budget exhausted, returning unverified answer",
		"iterations", trace.Iterations)
	return &Answer{
		Text:     lastAnswer,
		Verified: false,
		Trace:    trace,
	}, nil
}

// noData answers honestly when retrieval came back empty. The answer
// never went through critique, so it does not carry the verified bit.
func (r *Runner) noData(ctx context.Context, question string, trace Trace) (*Answer, error) {
	text, err := r.client.GenerateCompletion(ctx, fmt.Sprintf(ai.NoDataPrompt, question))
	if err != nil {
		text = "The indexed documents do not cover this topic."
	}
	trace.Final = StateReturn
	trace.States = append(trace.States, StateReturn)
	return &Answer{Text: text, Verified: false, Trace: trace}, nil
}

func (r *Runner) generate(ctx context.Context, question string, entries []contextEntry) (string, error) {
	return r.client.GenerateCompletion(
		ctx,
		question,
		ai.WithSystemPrompts(fmt.Sprintf(ai.AnswerPrompt, renderContext(entries))),
	)
}

// refine picks the next query: a critique-suggested one when present,
// otherwise a model rephrasing, otherwise the question with the domain
// filter widened.
func (r *Runner) refine(
	ctx context.Context,
	question string,
	query string,
	domain string,
	revised []string,
) (string, string) {
	for _, candidate := range revised {
		candidate = strings.TrimSpace(candidate)
		if candidate != "" && candidate != query {
			return candidate, domain
		}
	}

	rephrased, err := r.client.GenerateCompletion(ctx, fmt.Sprintf(ai.RefinePrompt, question, query))
	rephrased = strings.TrimSpace(rephrased)
	if err == nil && rephrased != "" && rephrased != query {
		return rephrased, domain
	}

	// Last resort: drop the domain filter and retry the original question.
	return question, ""
}

// contextEntry pairs a retrieval result with its document title so
// citations can be rendered and checked.
type contextEntry struct {
	result   common.RetrievalResult
	docTitle string
}

func (e *contextEntry) citation() string {
	return e.result.Citation(e.docTitle)
}

func (r *Runner) buildContext(ctx context.Context, results []common.RetrievalResult) ([]contextEntry, error) {
	titles := make(map[string]string)
	entries := make([]contextEntry, 0, len(results))
	for _, res := range results {
		title, ok := titles[res.Section.DocumentID]
		if !ok {
			doc, err := r.storage.GetDocument(ctx, res.Section.DocumentID)
			if err != nil {
				return nil, err
			}
			title = doc.Title
			titles[res.Section.DocumentID] = title
		}
		entries = append(entries, contextEntry{result: res, docTitle: title})
	}
	return entries, nil
}

func renderContext(entries []contextEntry) string {
	var b strings.Builder
	for _, entry := range entries {
		b.WriteString(entry.citation())
		b.WriteByte('\n')
		b.WriteString(entry.result.Section.Text)
		b.WriteString("\n\n")
	}
	return b.String()
}
