package loop

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/corvus-kb/corvus/pkg/ai"
	"github.com/corvus-kb/corvus/pkg/common"
	"github.com/corvus-kb/corvus/pkg/config"
	"github.com/corvus-kb/corvus/pkg/index/lexical"
	"github.com/corvus-kb/corvus/pkg/index/tree"
	"github.com/corvus-kb/corvus/pkg/retrieval"
	"github.com/corvus-kb/corvus/pkg/store/memory"
)

// scriptedClient answers with a fixed completion and plays back a list of
// critique verdicts in order. Structured requests that are not critiques
// fail, pushing the tree strategy onto its keyword fallback.
type scriptedClient struct {
	mu        sync.Mutex
	answer    string
	critiques []bool
}

func (c *scriptedClient) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return c.answer, nil
}

func (c *scriptedClient) GenerateCompletionWithFormat(ctx context.Context, name, description, prompt string, out any, opts ...ai.GenerateOption) error {
	if name != "critique" {
		return errors.New("structured scoring offline")
	}
	c.mu.Lock()
	pass := false
	if len(c.critiques) > 0 {
		pass = c.critiques[0]
		c.critiques = c.critiques[1:]
	}
	c.mu.Unlock()

	res := critiqueResponse{Pass: pass}
	if !pass {
		res.Issues = []string{"claim about ceremony participants is unsupported"}
		res.RevisedQueries = []string{"zk-SNARK trusted setup ceremony participants"}
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (c *scriptedClient) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []float32{1, 0, 0}, nil
}

func (c *scriptedClient) GenerateEmbeddings(ctx context.Context, inputs [][]byte) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i := range inputs {
		vec, err := c.GenerateEmbedding(ctx, inputs[i])
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (c *scriptedClient) GetMetrics() ai.ModelMetrics { return ai.ModelMetrics{} }
func (c *scriptedClient) ResetMetrics()               {}

func testConfig() *config.Config {
	return &config.Config{
		MaxHops:            2,
		FanOutCap:          20,
		TopK:               5,
		StrategyTimeoutSec: 5,
		VectorWeight:       1,
		GraphWeight:        1,
		LexicalWeight:      1,
		TreeWeight:         1,
		TreeNodeBudget:     64,
		TreePruneThreshold: 0.10,
		TreeMinConfidence:  0.25,
		MaxLoopIterations:  3,
	}
}

func newRunner(t *testing.T, client ai.Client) *Runner {
	t.Helper()
	ctx := context.Background()
	storage := memory.NewGraphMemStorage()
	lex := lexical.NewIndex()
	trees := tree.NewRegistry()

	doc := &common.Document{
		ID:      "doc-1",
		Title:   "Proof Systems",
		Domain:  "cryptography",
		Pages:   2,
		Version: 1,
		Sections: []common.Section{
			{
				ID: "sec-1", DocumentID: "doc-1", Index: 0,
				Title:     "zk-SNARK Trusted Setup",
				Text:      "A zk-SNARK requires a trusted setup ceremony to produce reference strings.",
				PageStart: 1, PageEnd: 1,
				Embedding: []float32{1, 0, 0},
			},
			{
				ID: "sec-2", DocumentID: "doc-1", Index: 1,
				Title:     "Consensus Background",
				Text:      "Consensus protocols order transactions across mutually distrusting nodes.",
				PageStart: 2, PageEnd: 2,
				Embedding: []float32{0, 1, 0},
			},
		},
	}
	if err := storage.PutDocument(ctx, doc); err != nil {
		t.Fatal(err)
	}
	for _, sec := range doc.Sections {
		lex.Add(sec)
	}
	if err := trees.Put(doc, tree.FromDocument(doc)); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	engine := retrieval.NewEngine(retrieval.NewEngineParams{
		Storage: storage,
		Client:  client,
		Lexical: lex,
		Trees:   trees,
		Config:  cfg,
	})
	return NewRunner(NewRunnerParams{
		Engine:  engine,
		Storage: storage,
		Client:  client,
		Config:  cfg,
	})
}

func TestRunPassesOnThirdAttempt(t *testing.T) {
	client := &scriptedClient{
		answer:    "The ceremony produces reference strings [Proof Systems, Page 1].",
		critiques: []bool{false, false, true},
	}
	runner := newRunner(t, client)

	answer, err := runner.Run(context.Background(), "How does a zk-SNARK use a trusted setup?", "")
	if err != nil {
		t.Fatal(err)
	}
	if !answer.Verified {
		t.Error("answer must be verified after critique passes")
	}
	if answer.Trace.Iterations != 3 {
		t.Errorf("Iterations = %d, want 3", answer.Trace.Iterations)
	}
	if answer.Trace.Final != StateReturn {
		t.Errorf("Final = %s, want RETURN", answer.Trace.Final)
	}
	if len(answer.Citations) != 1 || answer.Citations[0] != "[Proof Systems, Page 1]" {
		t.Errorf("Citations = %v", answer.Citations)
	}
}

func TestRunExhaustsIterations(t *testing.T) {
	client := &scriptedClient{
		answer:    "The ceremony produces reference strings [Proof Systems, Page 1].",
		critiques: []bool{false, false, false},
	}
	runner := newRunner(t, client)

	answer, err := runner.Run(context.Background(), "How does a zk-SNARK use a trusted setup?", "")
	if err != nil {
		t.Fatal(err)
	}
	if answer.Verified {
		t.Error("exhausted loop must flag the answer unverified")
	}
	if answer.Trace.Final != StateFailed {
		t.Errorf("Final = %s, want FAILED", answer.Trace.Final)
	}
	if answer.Trace.Iterations != 3 {
		t.Errorf("Iterations = %d, want 3", answer.Trace.Iterations)
	}
	if answer.Text == "" {
		t.Error("the best available answer must still be returned")
	}
	if len(answer.Trace.Issues) == 0 {
		t.Error("final critique issues must be part of the trace")
	}
}

func TestRunRejectsInvalidCitation(t *testing.T) {
	// Model critique always passes, but the cited page is outside every
	// retrieved section, so the local check keeps failing.
	client := &scriptedClient{
		answer:    "Something about setup ceremonies [Proof Systems, Page 9].",
		critiques: []bool{true, true, true},
	}
	runner := newRunner(t, client)

	answer, err := runner.Run(context.Background(), "How does a zk-SNARK use a trusted setup?", "")
	if err != nil {
		t.Fatal(err)
	}
	if answer.Verified {
		t.Error("invalid citation must not verify")
	}
	if answer.Trace.Final != StateFailed {
		t.Errorf("Final = %s, want FAILED", answer.Trace.Final)
	}
}

func TestRunEmptyRetrievalIsUnverified(t *testing.T) {
	client := &scriptedClient{answer: "The indexed documents do not cover quantum teleportation."}
	storage := memory.NewGraphMemStorage()
	cfg := testConfig()
	engine := retrieval.NewEngine(retrieval.NewEngineParams{
		Storage: storage,
		Client:  client,
		Lexical: lexical.NewIndex(),
		Trees:   tree.NewRegistry(),
		Config:  cfg,
	})
	runner := NewRunner(NewRunnerParams{
		Engine:  engine,
		Storage: storage,
		Client:  client,
		Config:  cfg,
	})

	answer, err := runner.Run(context.Background(), "Explain quantum teleportation", "")
	if err != nil {
		t.Fatal(err)
	}
	if answer.Verified {
		t.Error("an answer that never passed critique must not be verified")
	}
	if answer.Trace.Final != StateReturn {
		t.Errorf("Final = %s, want RETURN", answer.Trace.Final)
	}
	if answer.Text == "" {
		t.Error("the no-data answer must still carry text")
	}
}

func TestRunHonorsCancellation(t *testing.T) {
	client := &scriptedClient{answer: "irrelevant"}
	runner := newRunner(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := runner.Run(ctx, "anything", ""); err == nil {
		t.Fatal("canceled context must abort the run")
	}
}

func TestCheckCitations(t *testing.T) {
	entries := []contextEntry{
		{
			docTitle: "Proof Systems",
			result: common.RetrievalResult{Section: common.Section{
				ID: "sec-1", DocumentID: "doc-1", PageStart: 3, PageEnd: 7,
			}},
		},
	}

	tests := []struct {
		name       string
		answer     string
		wantCited  int
		wantIssues int
	}{
		{"single page inside range", "Claim [Proof Systems, Page 5].", 1, 0},
		{"range inside range", "Claim [Proof Systems, Pages 3-7].", 1, 0},
		{"page outside range", "Claim [Proof Systems, Page 9].", 0, 1},
		{"unknown document", "Claim [Other Doc, Page 5].", 0, 1},
		{"range escaping section", "Claim [Proof Systems, Pages 5-9].", 0, 1},
		{"no citations", "Claim with no reference.", 0, 0},
		{"duplicate citations counted once", "A [Proof Systems, Page 5]. B [Proof Systems, Page 5].", 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cited, issues := checkCitations(tt.answer, entries)
			if len(cited) != tt.wantCited {
				t.Errorf("citations = %v, want %d", cited, tt.wantCited)
			}
			if len(issues) != tt.wantIssues {
				t.Errorf("issues = %v, want %d", issues, tt.wantIssues)
			}
		})
	}
}
