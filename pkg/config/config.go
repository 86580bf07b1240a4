package config

import (
	"fmt"

	"github.com/corvus-kb/corvus/internal/util"

	"github.com/go-playground/validator"
)

// Config holds the engine tunables. Every value here is configuration,
// not contract: the similarity threshold, fan-out cap, and fusion weights
// in particular should be validated empirically per corpus.
type Config struct {
	// Ingestion
	TokenEncoder    string `validate:"required"`
	MaxSectionToken int    `validate:"gt=0"`
	ParallelDocs    int    `validate:"gt=0"`
	ParallelAI      int    `validate:"gt=0"`
	MaxRetries      int    `validate:"gt=0"`

	// Entity resolution
	SimilarityThreshold float64 `validate:"gt=0,lte=1"`

	// Graph traversal
	MaxHops    int `validate:"gte=1,lte=5"`
	FanOutCap  int `validate:"gt=0"`
	TopK       int `validate:"gt=0"`

	// Retrieval fusion
	StrategyTimeoutSec int     `validate:"gt=0"`
	VectorWeight       float64 `validate:"gte=0"`
	GraphWeight        float64 `validate:"gte=0"`
	LexicalWeight      float64 `validate:"gte=0"`
	TreeWeight         float64 `validate:"gte=0"`

	// Tree search
	TreeNodeBudget     int     `validate:"gt=0"`
	TreePruneThreshold float64 `validate:"gte=0,lte=1"`
	TreeMinConfidence  float64 `validate:"gte=0,lte=1"`

	// Self-correction loop
	MaxLoopIterations int `validate:"gte=1,lte=10"`
}

// FromEnv builds a Config from the environment, applying defaults for
// anything unset, and validates it.
func FromEnv() (*Config, error) {
	cfg := &Config{
		TokenEncoder:    util.GetEnvString("TOKEN_ENCODER", "cl100k_base"),
		MaxSectionToken: int(util.GetEnvNumeric("MAX_SECTION_TOKENS", 600)),
		ParallelDocs:    int(util.GetEnvNumeric("PARALLEL_DOCS", 2)),
		ParallelAI:      int(util.GetEnvNumeric("AI_PARALLEL_REQ", 15)),
		MaxRetries:      int(util.GetEnvNumeric("MAX_RETRIES", 3)),

		SimilarityThreshold: util.GetEnvNumeric("RESOLVE_SIMILARITY", 85) / 100,

		MaxHops:   int(util.GetEnvNumeric("GRAPH_MAX_HOPS", 2)),
		FanOutCap: int(util.GetEnvNumeric("GRAPH_FANOUT_CAP", 20)),
		TopK:      int(util.GetEnvNumeric("RETRIEVAL_TOP_K", 5)),

		StrategyTimeoutSec: int(util.GetEnvNumeric("STRATEGY_TIMEOUT_SEC", 5)),
		VectorWeight:       util.GetEnvNumeric("WEIGHT_VECTOR", 1),
		GraphWeight:        util.GetEnvNumeric("WEIGHT_GRAPH", 1),
		LexicalWeight:      util.GetEnvNumeric("WEIGHT_LEXICAL", 1),
		TreeWeight:         util.GetEnvNumeric("WEIGHT_TREE", 1),

		TreeNodeBudget:     int(util.GetEnvNumeric("TREE_NODE_BUDGET", 64)),
		TreePruneThreshold: util.GetEnvNumeric("TREE_PRUNE_THRESHOLD", 10) / 100,
		TreeMinConfidence:  util.GetEnvNumeric("TREE_MIN_CONFIDENCE", 25) / 100,

		MaxLoopIterations: int(util.GetEnvNumeric("MAX_LOOP_ITERATIONS", 3)),
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
