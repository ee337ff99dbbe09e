package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parchment-ai/ragserver/internal/embedder"
	"github.com/parchment-ai/ragserver/internal/extract"
	"github.com/parchment-ai/ragserver/internal/graphstore"
	"github.com/parchment-ai/ragserver/internal/vectorstore"
)

var (
	// ErrFileTooLarge is returned when an upload exceeds the size cap.
	ErrFileTooLarge = errors.New("file exceeds size limit")
	// ErrEmptyFile is returned for zero-byte uploads.
	ErrEmptyFile = errors.New("file is empty")
	// ErrDimensionMismatch is returned when the embedder's dimension differs
	// from the vector collection's.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Summarizer produces a cached document summary after indexing. Implemented
// by the generation package.
type Summarizer interface {
	Summarize(ctx context.Context, text, format string) (string, error)
}

// EntityLinker extracts named entities from chunk text for graph indexing.
type EntityLinker interface {
	Extract(ctx context.Context, text string) ([]graphstore.Entity, error)
}

// Config holds Ingestor settings.
type Config struct {
	MaxUploadBytes     int64
	EmbeddingDimension int
	EmbedBatchSize     int
	Workers            int
}

// Ingestor runs the upload pipeline: extract, chunk, embed, dual-index,
// summarize. Uploads return immediately; the pipeline runs on a worker pool
// and publishes progress to the task tracker.
type Ingestor struct {
	graph      graphstore.GraphStore
	vectors    vectorstore.VectorStore
	embedder   embedder.Embedder
	chunker    *Chunker
	tracker    TaskTracker
	summarizer Summarizer
	linker     EntityLinker
	logger     *slog.Logger
	cfg        Config

	jobs   chan job
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

type job struct {
	documentID string
	tenantKey  string
	anonymous  bool
	filename   string
	fileType   extract.FileType
	data       []byte
}

// NewIngestor creates an Ingestor. summarizer and linker may be nil; the
// corresponding stages are then skipped.
func NewIngestor(
	graph graphstore.GraphStore,
	vectors vectorstore.VectorStore,
	emb embedder.Embedder,
	chunker *Chunker,
	tracker TaskTracker,
	summarizer Summarizer,
	linker EntityLinker,
	logger *slog.Logger,
	cfg Config,
) *Ingestor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = 16
	}
	return &Ingestor{
		graph:      graph,
		vectors:    vectors,
		embedder:   emb,
		chunker:    chunker,
		tracker:    tracker,
		summarizer: summarizer,
		linker:     linker,
		logger:     logger,
		cfg:        cfg,
		jobs:       make(chan job, 64),
	}
}

// Start launches the worker pool.
func (ing *Ingestor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	ing.cancel = cancel
	for i := 0; i < ing.cfg.Workers; i++ {
		ing.wg.Add(1)
		go ing.worker(ctx)
	}
}

// Stop cancels in-flight work and waits for the workers to drain.
func (ing *Ingestor) Stop() {
	if ing.cancel != nil {
		ing.cancel()
	}
	close(ing.jobs)
	ing.wg.Wait()
}

func (ing *Ingestor) worker(ctx context.Context) {
	defer ing.wg.Done()
	for j := range ing.jobs {
		select {
		case <-ctx.Done():
			return
		default:
		}
		ing.process(ctx, j)
	}
}

// Ingest validates the upload, records the document, and enqueues the
// pipeline. It returns the new document id immediately.
func (ing *Ingestor) Ingest(ctx context.Context, tenantKey string, anonymous bool, filename string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyFile
	}
	if ing.cfg.MaxUploadBytes > 0 && int64(len(data)) > ing.cfg.MaxUploadBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrFileTooLarge, len(data))
	}

	fileType, err := extract.DetectFileType(data)
	if err != nil {
		return "", err
	}

	// Dimension check up front so a misconfigured embedder never indexes.
	if ing.cfg.EmbeddingDimension > 0 && ing.embedder.Dimension() != ing.cfg.EmbeddingDimension {
		return "", fmt.Errorf("%w: embedder %d, collection %d",
			ErrDimensionMismatch, ing.embedder.Dimension(), ing.cfg.EmbeddingDimension)
	}

	documentID := uuid.New().String()
	doc := graphstore.Document{
		ID:         documentID,
		TenantKey:  tenantKey,
		Filename:   filename,
		FileType:   string(fileType),
		ByteSize:   int64(len(data)),
		UploadTime: time.Now(),
	}
	if err := ing.graph.CreateDocument(ctx, doc); err != nil {
		return "", fmt.Errorf("failed to record document: %w", err)
	}

	_ = ing.tracker.Set(ctx, TaskRecord{
		DocumentID: documentID,
		Stage:      StagePending,
		Progress:   0,
		Message:    "queued",
	})

	ing.jobs <- job{
		documentID: documentID,
		tenantKey:  tenantKey,
		anonymous:  anonymous,
		filename:   filename,
		fileType:   fileType,
		data:       data,
	}
	return documentID, nil
}

func (ing *Ingestor) process(ctx context.Context, j job) {
	log := ing.logger.With("document_id", j.documentID, "filename", j.filename)

	// Retried documents resume past completed work: a completed task is a
	// no-op, and previously written chunks are cleared before re-indexing so
	// positions stay consistent.
	if rec, err := ing.tracker.Get(ctx, j.documentID); err == nil && rec.Stage == StageCompleted {
		return
	}
	if err := ing.clearPartial(ctx, j.documentID); err != nil {
		log.Warn("failed to clear prior partial state", "error", err)
	}

	fail := func(stage Stage, err error) {
		log.Error("ingestion failed", "stage", stage, "error", err)
		if cleanupErr := ing.clearPartial(ctx, j.documentID); cleanupErr != nil {
			log.Error("failed to clean up partial chunks", "error", cleanupErr)
		}
		_ = ing.tracker.Set(ctx, TaskRecord{
			DocumentID: j.documentID,
			Stage:      StageFailed,
			Progress:   0,
			Message:    "ingestion failed",
			Error:      err.Error(),
		})
	}

	setStage := func(stage Stage, progress int, message string) bool {
		select {
		case <-ctx.Done():
			fail(stage, ctx.Err())
			return false
		default:
		}
		_ = ing.tracker.Set(ctx, TaskRecord{
			DocumentID: j.documentID,
			Stage:      stage,
			Progress:   progress,
			Message:    message,
		})
		return true
	}

	// Extract
	if !setStage(StageExtracting, 10, "extracting text") {
		return
	}
	extractor, err := extract.ForType(j.fileType)
	if err != nil {
		fail(StageExtracting, err)
		return
	}
	text, err := extractor.Extract(j.data)
	if err != nil {
		fail(StageExtracting, err)
		return
	}

	// Chunk
	if !setStage(StageChunking, 25, "chunking") {
		return
	}
	chunks := ing.chunker.Chunk(text)
	if len(chunks) == 0 {
		fail(StageChunking, fmt.Errorf("document produced no chunks"))
		return
	}

	// Embed in batches
	if !setStage(StageEmbedding, 40, fmt.Sprintf("embedding %d chunks", len(chunks))) {
		return
	}
	vectors := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += ing.cfg.EmbedBatchSize {
		end := start + ing.cfg.EmbedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Content)
		}
		batch, err := ing.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			fail(StageEmbedding, err)
			return
		}
		vectors = append(vectors, batch...)
	}
	if len(vectors) > 0 && ing.cfg.EmbeddingDimension > 0 && len(vectors[0]) != ing.cfg.EmbeddingDimension {
		fail(StageEmbedding, fmt.Errorf("%w: got %d, collection %d",
			ErrDimensionMismatch, len(vectors[0]), ing.cfg.EmbeddingDimension))
		return
	}

	// Index: vector first, then graph. A crash between the two leaves a
	// vector orphan the sweeper can collect; the reverse would leave graph
	// chunks visible to live reads with no vector behind them.
	if !setStage(StageIndexing, 60, "indexing") {
		return
	}
	now := time.Now()
	points := make([]vectorstore.Point, len(chunks))
	graphChunks := make([]graphstore.Chunk, len(chunks))
	for i, c := range chunks {
		id := uuid.New().String()
		points[i] = vectorstore.Point{
			ID:         id,
			TenantKey:  j.tenantKey,
			DocumentID: j.documentID,
			Position:   c.Index,
			Text:       c.Content,
			Filename:   j.filename,
			Anonymous:  j.anonymous,
			CreatedAt:  now,
			Vector:     vectors[i],
		}
		graphChunks[i] = graphstore.Chunk{
			ID:         id,
			DocumentID: j.documentID,
			TenantKey:  j.tenantKey,
			Position:   c.Index,
			Text:       c.Content,
		}
	}
	if err := ing.vectors.Upsert(ctx, vectorstore.CollectionDocuments, points); err != nil {
		fail(StageIndexing, err)
		return
	}
	if err := ing.graph.AddChunks(ctx, graphChunks); err != nil {
		fail(StageIndexing, err)
		return
	}
	if err := ing.graph.UpdateDocumentIngest(ctx, j.documentID, len(chunks)); err != nil {
		fail(StageIndexing, err)
		return
	}

	// Entity linking is best effort; retrieval works without it.
	if ing.linker != nil {
		for _, c := range graphChunks {
			ents, err := ing.linker.Extract(ctx, c.Text)
			if err != nil {
				log.Warn("entity extraction skipped", "chunk_id", c.ID, "error", err)
				continue
			}
			if err := ing.graph.LinkEntities(ctx, j.tenantKey, c.ID, ents); err != nil {
				log.Warn("entity linking failed", "chunk_id", c.ID, "error", err)
			}
		}
	}

	// Summaries are re-generated on re-ingest, never served stale.
	if err := ing.graph.ClearDocumentSummaries(ctx, j.documentID); err != nil {
		log.Warn("failed to clear cached summaries", "error", err)
	}
	if ing.summarizer != nil {
		if !setStage(StageSummarizing, 85, "summarizing") {
			return
		}
		summary, err := ing.summarizer.Summarize(ctx, text, "brief")
		if err != nil {
			log.Warn("summary generation failed", "error", err)
		} else if err := ing.graph.SetDocumentSummary(ctx, j.documentID, "brief", summary); err != nil {
			log.Warn("failed to cache summary", "error", err)
		}
	}

	_ = ing.tracker.Set(ctx, TaskRecord{
		DocumentID: j.documentID,
		Stage:      StageCompleted,
		Progress:   100,
		Message:    fmt.Sprintf("indexed %d chunks", len(chunks)),
	})
	log.Info("document ingested", "chunks", len(chunks))
}

// clearPartial removes any chunks already written for a document, graph
// first and vectors second so no graph chunk survives without its vector.
func (ing *Ingestor) clearPartial(ctx context.Context, documentID string) error {
	if _, err := ing.graph.DeleteDocumentChunks(ctx, documentID); err != nil {
		return fmt.Errorf("failed to delete graph chunks: %w", err)
	}
	if err := ing.vectors.DeleteByFilter(ctx, vectorstore.CollectionDocuments, vectorstore.Filter{
		DocumentIDs: []string{documentID},
	}); err != nil {
		return fmt.Errorf("failed to delete vector points: %w", err)
	}
	return nil
}

// Delete cascades a document: graph document and chunks first, then the
// vector points.
func (ing *Ingestor) Delete(ctx context.Context, tenantKey, documentID string) error {
	chunkIDs, err := ing.graph.DeleteDocument(ctx, tenantKey, documentID)
	if err != nil {
		return err
	}
	if err := ing.vectors.DeleteByIDs(ctx, vectorstore.CollectionDocuments, chunkIDs); err != nil {
		return fmt.Errorf("failed to delete vector points: %w", err)
	}
	// Sweep any points the id list missed (e.g. from an interrupted rerun).
	if err := ing.vectors.DeleteByFilter(ctx, vectorstore.CollectionDocuments, vectorstore.Filter{
		DocumentIDs: []string{documentID},
	}); err != nil {
		return fmt.Errorf("failed to sweep vector points: %w", err)
	}
	return nil
}

// Status returns the task record for a document.
func (ing *Ingestor) Status(ctx context.Context, documentID string) (*TaskRecord, error) {
	return ing.tracker.Get(ctx, documentID)
}
