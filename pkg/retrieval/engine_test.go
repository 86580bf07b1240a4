package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/corvus-kb/corvus/pkg/ai"
	"github.com/corvus-kb/corvus/pkg/common"
	"github.com/corvus-kb/corvus/pkg/config"
	"github.com/corvus-kb/corvus/pkg/index/lexical"
	"github.com/corvus-kb/corvus/pkg/index/tree"
	"github.com/corvus-kb/corvus/pkg/store/memory"
)

type stubClient struct {
	queryEmbedding []float32
	embedErr       error
	formatErr      error
}

func (c *stubClient) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	return "", nil
}

func (c *stubClient) GenerateCompletionWithFormat(ctx context.Context, name, description, prompt string, out any, opts ...ai.GenerateOption) error {
	if c.formatErr != nil {
		return c.formatErr
	}
	return errors.New("no canned structured response")
}

func (c *stubClient) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.embedErr != nil {
		return nil, c.embedErr
	}
	return c.queryEmbedding, nil
}

func (c *stubClient) GenerateEmbeddings(ctx context.Context, inputs [][]byte) ([][]float32, error) {
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

func (c *stubClient) GetMetrics() ai.ModelMetrics { return ai.ModelMetrics{} }
func (c *stubClient) ResetMetrics()               {}

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
	}
}

// seedEngine builds an engine over a two-section document about proof
// systems, with a small graph attached to the first section.
func seedEngine(t *testing.T, client ai.Client) *Engine {
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

	snark := &common.Entity{ID: "ent-1", Name: "zk-SNARK", Type: common.EntityConcept}
	setup := &common.Entity{ID: "ent-2", Name: "Trusted Setup", Type: common.EntityMethod}
	for _, e := range []*common.Entity{snark, setup} {
		if err := storage.PutEntity(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	if err := storage.PutRelationship(ctx, &common.Relationship{
		ID: "rel-1", Type: common.RelUsesMethod,
		SourceID: "ent-1", TargetID: "ent-2",
		Weight: 8, SectionIDs: []string{"sec-1"},
	}); err != nil {
		t.Fatal(err)
	}

	return NewEngine(NewEngineParams{
		Storage: storage,
		Client:  client,
		Lexical: lex,
		Trees:   trees,
		Config:  testConfig(),
	})
}

func TestRetrieveFusesStrategies(t *testing.T) {
	// The structured-output scorer fails, so the tree strategy runs on
	// the keyword fallback. That is a degradation inside the strategy,
	// not a strategy failure.
	engine := seedEngine(t, &stubClient{
		queryEmbedding: []float32{1, 0, 0},
		formatErr:      errors.New("model offline"),
	})

	resp, err := engine.Retrieve(context.Background(), "How does a zk-SNARK use a trusted setup?", "", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Degraded) != 0 {
		t.Errorf("no strategy should be degraded, got %v", resp.Degraded)
	}
	if len(resp.Results) == 0 {
		t.Fatal("expected results")
	}

	top := resp.Results[0]
	if top.Section.ID != "sec-1" {
		t.Errorf("top result = %s, want sec-1", top.Section.ID)
	}
	if len(top.Strategies) < 3 {
		t.Errorf("sec-1 should be found by at least 3 strategies, got %v", top.Strategies)
	}

	seen := make(map[string]bool)
	for _, res := range resp.Results {
		if seen[res.Section.ID] {
			t.Errorf("section %s appears twice", res.Section.ID)
		}
		seen[res.Section.ID] = true
	}
}

func TestRetrieveDomainFilter(t *testing.T) {
	engine := seedEngine(t, &stubClient{queryEmbedding: []float32{1, 0, 0}})

	resp, err := engine.Retrieve(context.Background(), "zk-SNARK trusted setup", "biology", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 0 {
		t.Errorf("domain filter must drop out-of-domain sections, got %d results", len(resp.Results))
	}

	resp, err = engine.Retrieve(context.Background(), "zk-SNARK trusted setup", "cryptography", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) == 0 {
		t.Error("in-domain query must keep its results")
	}
}

func TestRetrieveDegradedStrategy(t *testing.T) {
	engine := seedEngine(t, &stubClient{
		embedErr:  errors.New("embedding provider offline"),
		formatErr: errors.New("model offline"),
	})

	resp, err := engine.Retrieve(context.Background(), "zk-SNARK trusted setup", "", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Degraded) != 1 || resp.Degraded[0] != StrategyVector {
		t.Errorf("Degraded = %v, want [vector]", resp.Degraded)
	}
	if len(resp.Results) == 0 {
		t.Error("remaining strategies must still produce results")
	}
}

func TestRetrieveAllStrategiesFail(t *testing.T) {
	engine := seedEngine(t, &stubClient{queryEmbedding: []float32{1, 0, 0}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Retrieve(ctx, "zk-SNARK trusted setup", "", 5)
	if !errors.Is(err, common.ErrRetrievalUnavailable) {
		t.Fatalf("err = %v, want ErrRetrievalUnavailable", err)
	}
}
