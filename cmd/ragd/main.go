package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/parchment-ai/ragserver/internal/auth"
	"github.com/parchment-ai/ragserver/internal/checkpoint"
	"github.com/parchment-ai/ragserver/internal/config"
	"github.com/parchment-ai/ragserver/internal/embedder"
	"github.com/parchment-ai/ragserver/internal/entities"
	"github.com/parchment-ai/ragserver/internal/generation"
	"github.com/parchment-ai/ragserver/internal/graphstore"
	"github.com/parchment-ai/ragserver/internal/ingestion"
	"github.com/parchment-ai/ragserver/internal/kvstore"
	"github.com/parchment-ai/ragserver/internal/llm"
	"github.com/parchment-ai/ragserver/internal/memory"
	"github.com/parchment-ai/ragserver/internal/migration"
	"github.com/parchment-ai/ragserver/internal/reaper"
	"github.com/parchment-ai/ragserver/internal/retrieval"
	"github.com/parchment-ai/ragserver/internal/server"
	"github.com/parchment-ai/ragserver/internal/vectorstore"
	"github.com/parchment-ai/ragserver/internal/workflow"
)

func main() {
	// Set up structured logging
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting RAG service",
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
	)

	// Neo4j graph index
	graph, err := graphstore.NewNeo4jStore(graphstore.Neo4jConfig{
		URI:         cfg.Neo4jURI,
		Username:    cfg.Neo4jUser,
		Password:    cfg.Neo4jPassword,
		Database:    cfg.Neo4jDatabase,
		CallTimeout: cfg.StoreCallTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to Neo4j: %w", err)
	}
	defer graph.Close(context.Background())
	if err := graph.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to prepare Neo4j schema: %w", err)
	}
	slog.Info("connected to Neo4j")

	// Qdrant vector index
	vectors, err := vectorstore.NewQdrantStore(ctx, cfg.QdrantGRPCURL, cfg.StoreCallTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to Qdrant: %w", err)
	}
	defer vectors.Close()
	// A dimension mismatch against live collections is fatal: re-embedding an
	// existing corpus is an operator decision, not something to paper over.
	if err := vectors.EnsureCollections(ctx, cfg.EmbeddingDimension); err != nil {
		return fmt.Errorf("failed to prepare Qdrant collections: %w", err)
	}
	slog.Info("connected to Qdrant", "dimension", cfg.EmbeddingDimension)

	// Redis: token blocklist, refresh rotation, ingest task state
	kv, err := kvstore.New(cfg.RedisURL, cfg.StoreCallTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	defer kv.Close()
	slog.Info("connected to Redis")

	// PostgreSQL, only for workflow checkpoints
	checkpoints, err := checkpoint.NewPostgresStore(ctx, cfg.CheckpointDatabaseURL, cfg.StoreCallTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to checkpoint database: %w", err)
	}
	defer checkpoints.Close()
	if err := checkpoints.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to prepare checkpoint schema: %w", err)
	}
	slog.Info("connected to checkpoint database")

	// Ollama embedder and LLM. A known model with a different dimension than
	// the configured one would poison both collections, so refuse to start.
	if known, ok := embedder.LookupModel(cfg.OllamaEmbeddingModel); ok && known.Dimension != cfg.EmbeddingDimension {
		return fmt.Errorf("model %s produces %d-dimensional vectors, EMBEDDING_DIMENSION is %d",
			cfg.OllamaEmbeddingModel, known.Dimension, cfg.EmbeddingDimension)
	}
	embed := embedder.NewOllamaEmbedder(embedder.OllamaConfig{
		BaseURL:   cfg.OllamaURL,
		Model:     cfg.OllamaEmbeddingModel,
		Dimension: cfg.EmbeddingDimension,
	})
	slog.Info("initialized Ollama embedder", "model", cfg.OllamaEmbeddingModel)

	llmClient := llm.NewOllamaClient(
		llm.WithBaseURL(cfg.OllamaURL),
		llm.WithModel(cfg.OllamaLLMModel),
	)
	slog.Info("initialized Ollama LLM", "model", cfg.OllamaLLMModel)

	extractor := entities.NewExtractor(llmClient, cfg.OllamaLLMModel, cfg.EntityLookupTimeout)

	// Generation and retrieval
	generator := generation.NewGenerator(llmClient, generation.Config{
		Model:              cfg.OllamaLLMModel,
		Temperature:        float32(cfg.LLMTemperature),
		RefusalPhrase:      cfg.RefusalPhrase,
		CitationExcerptMax: cfg.CitationExcerptMax,
	}, logger)

	retriever := retrieval.NewRetriever(vectors, graph, embed, extractor, logger).
		WithReranker(retrieval.NewLLMReranker(llmClient, cfg.OllamaLLMModel))

	// Ingestion pipeline
	chunker := ingestion.NewChunker(ingestion.ChunkerConfig{
		TargetTokens:   cfg.ChunkTargetTokens,
		MaxTokens:      cfg.ChunkMaxTokens,
		OverlapPercent: cfg.ChunkOverlapPercent,
	})
	tracker := ingestion.NewRedisTracker(kv, cfg.TaskTTL)
	ingestor := ingestion.NewIngestor(graph, vectors, embed, chunker, tracker, generator, extractor, logger, ingestion.Config{
		MaxUploadBytes:     cfg.MaxUploadBytes,
		EmbeddingDimension: cfg.EmbeddingDimension,
		EmbedBatchSize:     cfg.EmbedBatchSize,
		Workers:            cfg.IngestWorkers,
	})
	ingestor.Start()
	defer ingestor.Stop()

	// Memory, migration, comparison workflow
	memories := memory.NewStore(vectors, graph, embed, llmClient, extractor, memory.Config{
		MaxTokens:      cfg.MemoryMaxTokens,
		SummarizeRatio: cfg.MemorySummarizeRatio,
		KeepRecent:     cfg.MemoryKeepRecent,
		Model:          cfg.OllamaLLMModel,
	}, logger)

	migrator := migration.NewMigrator(graph, vectors, memories, logger)
	comparisons := workflow.New(retriever, graph, llmClient, checkpoints, cfg.OllamaLLMModel, logger)

	// Nightly TTL sweep for anonymous data
	sweeper := reaper.New(graph, vectors, reaper.Config{
		TTL:  cfg.AnonymousTTL(),
		Hour: cfg.ReaperHour,
	}, logger)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("failed to start reaper: %w", err)
	}
	defer sweeper.Stop()

	// Auth
	tokenCfg := auth.DefaultTokenManagerConfig(cfg.JWTSecret)
	tokenCfg.AccessLifetime = cfg.AccessTokenLifetime
	tokenCfg.RefreshLifetime = cfg.RefreshTokenLifetime
	tokens := auth.NewTokenManager(tokenCfg)
	gateway := auth.NewGateway(tokens, kv, cfg.CookieSecure, cfg.AnonymousTTL(), logger)

	srv := server.New(server.Deps{
		Config:      cfg,
		Gateway:     gateway,
		Tokens:      tokens,
		KV:          kv,
		Graph:       graph,
		Vectors:     vectors,
		Ingestor:    ingestor,
		Retriever:   retriever,
		Generator:   generator,
		Memories:    memories,
		Migrator:    migrator,
		Comparisons: comparisons,
		Logger:      logger,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}

	slog.Info("server stopped")
	return nil
}

// Ensure interfaces are satisfied at compile time
var (
	_ graphstore.GraphStore   = (*graphstore.Neo4jStore)(nil)
	_ vectorstore.VectorStore = (*vectorstore.QdrantStore)(nil)
	_ embedder.Embedder       = (*embedder.OllamaEmbedder)(nil)
	_ llm.LLM                 = (*llm.OllamaClient)(nil)
	_ checkpoint.Store        = (*checkpoint.PostgresStore)(nil)
	_ ingestion.Summarizer    = (*generation.Generator)(nil)
	_ ingestion.EntityLinker  = (*entities.Extractor)(nil)
)
