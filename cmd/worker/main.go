package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/corvus-kb/corvus/internal/db"
	"github.com/corvus-kb/corvus/internal/queue"
	"github.com/corvus-kb/corvus/internal/util"
	"github.com/corvus-kb/corvus/pkg/ai"
	oai "github.com/corvus-kb/corvus/pkg/ai/ollama"
	gai "github.com/corvus-kb/corvus/pkg/ai/openai"
	"github.com/corvus-kb/corvus/pkg/community"
	"github.com/corvus-kb/corvus/pkg/config"
	"github.com/corvus-kb/corvus/pkg/index/lexical"
	"github.com/corvus-kb/corvus/pkg/index/tree"
	"github.com/corvus-kb/corvus/pkg/ingest"
	"github.com/corvus-kb/corvus/pkg/leaselock"
	"github.com/corvus-kb/corvus/pkg/logger"
	"github.com/corvus-kb/corvus/pkg/logger/console"
	"github.com/corvus-kb/corvus/pkg/resolve"
	"github.com/corvus-kb/corvus/pkg/store"
	"github.com/corvus-kb/corvus/pkg/store/memory"
	pgstore "github.com/corvus-kb/corvus/pkg/store/pgx"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	amqp "github.com/rabbitmq/amqp091-go"
)

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	debug := util.GetEnvBool("DEBUG", false)
	logger.Init(console.New(console.Params{Debug: debug}))

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatal("Invalid configuration", "err", err)
	}

	aiClient := newAIClient()

	storage, locks := newStorage(ctx)

	lex := lexical.NewIndex()
	trees := tree.NewRegistry()
	warmIndexes(ctx, storage, lex, trees)

	pipeline := ingest.NewPipeline(ingest.NewPipelineParams{
		Storage:  storage,
		Client:   aiClient,
		Resolver: resolve.NewResolver(cfg.SimilarityThreshold),
		Lexical:  lex,
		Trees:    trees,
		Config:   cfg,
	})
	detector := community.NewDetector(0)
	communities := community.NewIndex()

	conn := queue.Init()
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	if err := queue.SetupQueues(ch, queue.Queues); err != nil {
		logger.Fatal("Failed to set up queues", "err", err)
	}

	logger.Info("Listening for messages")

	consumerCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open consumer channel", "err", err)
	}
	defer consumerCh.Close()

	// Prefetch matches the processor pool so independent documents
	// ingest in parallel.
	if err := consumerCh.Qos(cfg.ParallelDocs, 0, true); err != nil {
		logger.Fatal("Failed to set QoS", "err", err)
	}

	type queuedMessage struct {
		msg       amqp.Delivery
		queueName string
	}
	messageChan := make(chan queuedMessage)

	for _, queueName := range queue.Queues {
		go func(qName string) {
			consumerTag := fmt.Sprintf("%s_consumer", qName)
			msgs, err := consumerCh.Consume(
				qName,
				consumerTag,
				false, // autoAck
				false, // exclusive
				false, // noLocal
				false, // noWait
				nil,   // args
			)
			if err != nil {
				logger.Fatal("Failed to start consuming", "queue", qName, "err", err)
			}

			for {
				select {
				case <-ctx.Done():
					logger.Info("Stopping consumer", "queue", qName)
					return
				case msg, ok := <-msgs:
					if !ok {
						logger.Info("Message channel closed", "queue", qName)
						return
					}
					messageChan <- queuedMessage{msg: msg, queueName: qName}
				}
			}
		}(queueName)
	}

	queue.Dispatch(ctx, cfg.ParallelDocs, messageChan, func(qm queuedMessage) {
		startTime := time.Now()
		logger.Info("Received message", "queue", qm.queueName)

		var processingErr error
		switch qm.queueName {
		case queue.IngestQueue:
			processingErr = queue.ProcessIngestMessage(ctx, pipeline, ch, string(qm.msg.Body))
		case queue.DeleteQueue:
			processingErr = queue.ProcessDeleteMessage(ctx, storage, lex, trees, string(qm.msg.Body))
		case queue.CommunityQueue:
			processingErr = queue.ProcessCommunityMessage(ctx, storage, locks, detector, communities, string(qm.msg.Body))
		}

		if processingErr != nil {
			logger.Error("Error processing message", "queue", qm.queueName, "err", processingErr)
			handleProcessingError(consumerCh, qm.msg, qm.queueName)
		} else {
			if err := qm.msg.Ack(false); err != nil {
				logger.Error("Failed to ack message", "err", err)
			}
			logger.Info("Message processed successfully", "queue", qm.queueName)
		}

		metrics := aiClient.GetMetrics()
		logger.Info(
			"AI metrics",
			"input_tokens", metrics.InputTokens,
			"output_tokens", metrics.OutputTokens,
			"total_tokens", metrics.TotalTokens,
			"duration_ms", metrics.DurationMs,
			"tokens_per_second", metrics.TokenPerSecond,
		)
		logger.Info("Processing time", "duration", time.Since(startTime).Round(time.Second).String())
		aiClient.ResetMetrics()
	})

	logger.Info("Shutdown signal received, exiting...")
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

// newStorage picks the backend: Postgres when DATABASE_URL is set, the
// in-memory store otherwise. The lease lock client only exists on
// Postgres; without it community passes run unguarded, which is fine for
// a single process.
func newStorage(ctx context.Context) (store.GraphStorage, *leaselock.Client) {
	databaseURL := util.GetEnvString("DATABASE_URL", "")
	if databaseURL == "" {
		logger.Info("No DATABASE_URL, using in-memory storage")
		return memory.NewGraphMemStorage(), nil
	}

	if err := db.Migrate(databaseURL); err != nil {
		logger.Fatal("Migrations failed", "err", err)
	}

	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		logger.Fatal("Invalid DATABASE_URL", "err", err)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Fatal("Unable to connect to database", "err", err)
	}

	return pgstore.NewGraphDBStorage(pool), leaselock.New(pool)
}

// warmIndexes rebuilds the lexical and tree indexes from stored
// documents so a restarted worker serves the same corpus.
func warmIndexes(ctx context.Context, storage store.GraphStorage, lex *lexical.Index, trees *tree.Registry) {
	docs, err := storage.ListDocuments(ctx)
	if err != nil {
		logger.Fatal("Failed to load documents for index warm-up", "err", err)
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
	logger.Info("Indexes warmed", "documents", len(docs), "sections", lex.Len())
}

func handleProcessingError(ch *amqp.Channel, msg amqp.Delivery, queueName string) {
	retries := 0
	if val, ok := msg.Headers["x-retries"]; ok {
		if v, ok := val.(int32); ok {
			retries = int(v)
		}
	}

	// After 10 attempts the message goes to the dead-letter queue.
	if retries >= 10 {
		dlqName := queueName + "_dlq"
		logger.Info("Sending message to DLQ", "dlq", dlqName)
		pubErr := ch.Publish(
			"",
			dlqName,
			false,
			false,
			amqp.Publishing{
				ContentType: "application/json",
				Body:        msg.Body,
				Headers:     msg.Headers,
			},
		)
		if pubErr != nil {
			logger.Error("Failed to publish to DLQ", "dlq", dlqName, "err", pubErr)
			msg.Nack(false, true)
			return
		}
		msg.Ack(false)
		return
	}

	retryName := queueName + "_retry"
	headers := msg.Headers
	if headers == nil {
		headers = amqp.Table{}
	}
	headers["x-retries"] = retries + 1

	pubErr := ch.Publish(
		"",
		retryName,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        msg.Body,
			Headers:     headers,
		},
	)
	if pubErr != nil {
		logger.Error("Failed to publish to retry queue", "retry_queue", retryName, "err", pubErr)
		msg.Nack(false, true)
		return
	}
	msg.Ack(false)
}
