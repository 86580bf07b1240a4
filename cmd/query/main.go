// Package main provides the corvus query CLI: ask questions against the
// knowledge graph in-process, or enqueue ingest/delete/community jobs for
// the worker.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/corvus-kb/corvus/internal/queue"
	"github.com/corvus-kb/corvus/internal/util"
	"github.com/corvus-kb/corvus/pkg/ai"
	oai "github.com/corvus-kb/corvus/pkg/ai/ollama"
	gai "github.com/corvus-kb/corvus/pkg/ai/openai"
	"github.com/corvus-kb/corvus/pkg/config"
	"github.com/corvus-kb/corvus/pkg/index/lexical"
	"github.com/corvus-kb/corvus/pkg/index/tree"
	"github.com/corvus-kb/corvus/pkg/ingest"
	"github.com/corvus-kb/corvus/pkg/logger"
	"github.com/corvus-kb/corvus/pkg/logger/console"
	"github.com/corvus-kb/corvus/pkg/loop"
	"github.com/corvus-kb/corvus/pkg/retrieval"
	"github.com/corvus-kb/corvus/pkg/store"
	pgstore "github.com/corvus-kb/corvus/pkg/store/pgx"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "query",
		Short:         "Query the corvus knowledge graph",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			util.LoadEnv()
			logger.Init(console.New(console.Params{
				Debug: util.GetEnvBool("DEBUG", false),
			}))
		},
	}
	cmd.AddCommand(askCmd(), ingestCmd(), deleteCmd(), communityCmd())
	return cmd
}

func askCmd() *cobra.Command {
	var (
		domain  string
		asJSON  bool
		topK    int
		rawOnly bool
	)
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question with retrieval-grounded, critiqued generation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.Join(args, " ")
			ctx := cmd.Context()

			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			client := newAIClient()
			storage, err := newStorage(ctx)
			if err != nil {
				return err
			}

			lex := lexical.NewIndex()
			trees := tree.NewRegistry()
			if err := warmIndexes(ctx, storage, lex, trees); err != nil {
				return err
			}

			engine := retrieval.NewEngine(retrieval.NewEngineParams{
				Storage: storage,
				Client:  client,
				Lexical: lex,
				Trees:   trees,
				Config:  cfg,
			})

			if rawOnly {
				resp, err := engine.Retrieve(ctx, question, domain, topK)
				if err != nil {
					return err
				}
				return printJSON(cmd, resp)
			}

			runner := loop.NewRunner(loop.NewRunnerParams{
				Engine:  engine,
				Storage: storage,
				Client:  client,
				Config:  cfg,
			})
			answer, err := runner.Run(ctx, question, domain)
			if err != nil {
				return err
			}

			if asJSON {
				return printJSON(cmd, answer)
			}
			printAnswer(cmd, answer)
			return nil
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "restrict retrieval to one document domain")
	cmd.Flags().IntVar(&topK, "top-k", 0, "results per strategy (default from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full answer as JSON")
	cmd.Flags().BoolVar(&rawOnly, "retrieve-only", false, "print fused retrieval results without generation")
	return cmd
}

func ingestCmd() *cobra.Command {
	var (
		title  string
		domain string
	)
	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Enqueue a document for ingestion (pages separated by form feed)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if title == "" {
				title = args[0]
			}

			var pages []ingest.Page
			for i, text := range strings.Split(string(raw), "\f") {
				pages = append(pages, ingest.Page{Number: i + 1, Text: text})
			}

			return withChannel(func(ch *amqp.Channel) error {
				if err := queue.PublishIngest(ch, queue.IngestJob{
					Title:  title,
					Domain: domain,
					Pages:  pages,
				}); err != nil {
					return err
				}
				cmd.Printf("queued ingest of %q (%d pages)\n", title, len(pages))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "document title (defaults to the file name)")
	cmd.Flags().StringVar(&domain, "domain", "", "document domain")
	return cmd
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <document-id>",
		Short: "Enqueue removal of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withChannel(func(ch *amqp.Channel) error {
				if err := queue.PublishDelete(ch, queue.DeleteJob{DocumentID: args[0]}); err != nil {
					return err
				}
				cmd.Printf("queued deletion of %s\n", args[0])
				return nil
			})
		},
	}
}

func communityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "communities",
		Short: "Enqueue a community detection pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withChannel(func(ch *amqp.Channel) error {
				if err := queue.PublishCommunity(ch, queue.CommunityJob{Reason: "manual"}); err != nil {
					return err
				}
				cmd.Println("queued community detection pass")
				return nil
			})
		},
	}
}

func printAnswer(cmd *cobra.Command, answer *loop.Answer) {
	cmd.Println(answer.Text)
	cmd.Println()
	if !answer.Verified {
		cmd.Println("warning: answer is UNVERIFIED, critique did not pass")
		for _, issue := range answer.Trace.Issues {
			cmd.Printf("  issue: %s\n", issue)
		}
	}
	for _, citation := range answer.Citations {
		cmd.Printf("  cites %s\n", citation)
	}
	cmd.Printf("iterations: %d, final state: %s\n", answer.Trace.Iterations, answer.Trace.Final)
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(data))
	return nil
}

func newAIClient() ai.Client {
	adapter := util.GetEnvString("AI_ADAPTER", "openai")
	switch adapter {
	case "ollama":
		client, err := oai.NewGraphOllamaClient(oai.NewGraphOllamaClientParams{
			EmbeddingModel:  util.GetEnv("AI_EMBED_MODEL"),
			AnswerModel:     util.GetEnv("AI_CHAT_ANSWER_MODEL"),
			ExtractionModel: util.GetEnv("AI_CHAT_EXTRACT_MODEL"),

			BaseURL: util.GetEnv("AI_CHAT_URL"),
			ApiKey:  util.GetEnv("AI_CHAT_KEY"),
		})
		if err != nil {
			logger.Fatal("Could not create Ollama client", "err", err)
		}
		return client
	default:
		return gai.NewGraphOpenAIClient(gai.NewGraphOpenAIClientParams{
			EmbeddingModel:  util.GetEnv("AI_EMBED_MODEL"),
			AnswerModel:     util.GetEnv("AI_CHAT_ANSWER_MODEL"),
			ExtractionModel: util.GetEnv("AI_CHAT_EXTRACT_MODEL"),

			EmbeddingURL: util.GetEnv("AI_EMBED_URL"),
			EmbeddingKey: util.GetEnv("AI_EMBED_KEY"),
			ChatURL:      util.GetEnv("AI_CHAT_URL"),
			ChatKey:      util.GetEnv("AI_CHAT_KEY"),
		})
	}
}

func newStorage(ctx context.Context) (store.GraphStorage, error) {
	databaseURL := util.GetEnvString("DATABASE_URL", "")
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required for querying")
	}

	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	return pgstore.NewGraphDBStorage(pool), nil
}

func warmIndexes(ctx context.Context, storage store.GraphStorage, lex *lexical.Index, trees *tree.Registry) error {
	docs, err := storage.ListDocuments(ctx)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		for _, sec := range doc.Sections {
			lex.Add(sec)
		}
		if root := tree.FromDocument(doc); root != nil {
			if err := trees.Put(doc, root); err != nil {
				logger.Warn("Tree rebuild rejected", "document", doc.ID, "err", err)
			}
		}
	}
	return nil
}

// withChannel opens a RabbitMQ channel, runs fn, and tears everything
// down again. The CLI publishes one message per invocation, so keeping a
// connection open would gain nothing.
func withChannel(fn func(ch *amqp.Channel) error) error {
	conn := queue.Init()
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := queue.SetupQueues(ch, queue.Queues); err != nil {
		return err
	}
	return fn(ch)
}
