// Package retrieval implements hybrid retrieval: vector similarity search
// and graph entity lookup run in parallel, merged with an overlap boost and
// deterministic ordering.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/parchment-ai/ragserver/internal/auth"
	"github.com/parchment-ai/ragserver/internal/embedder"
	"github.com/parchment-ai/ragserver/internal/entities"
	"github.com/parchment-ai/ragserver/internal/graphstore"
	"github.com/parchment-ai/ragserver/internal/vectorstore"
)

const (
	// hybridBoost multiplies the score of a chunk found by both sources.
	hybridBoost = 1.2
	// graphBaseScore is assigned to graph-only hits, which carry no
	// similarity score of their own.
	graphBaseScore = 0.7
	// dedupThreshold is the Jaccard word-set similarity above which two
	// chunks are considered near-duplicates.
	dedupThreshold = 0.7
	// maxEdgesPerChunk bounds the multi-hop expansion per retrieved chunk.
	maxEdgesPerChunk = 15
)

// Method records which source produced a retrieved chunk.
type Method string

const (
	MethodVector Method = "vector"
	MethodGraph  Method = "graph"
	MethodHybrid Method = "hybrid"
)

// RetrievedChunk is one retrieval hit.
type RetrievedChunk struct {
	ID         string  `json:"id"`
	DocumentID string  `json:"document_id"`
	Filename   string  `json:"filename"`
	Text       string  `json:"text"`
	Score      float32 `json:"score"`
	Position   int     `json:"position"`
	Method     Method  `json:"method"`
	// MatchedEntities holds the query entities that led the graph to this
	// chunk, empty for vector-only hits.
	MatchedEntities []string `json:"matched_entities,omitempty"`
}

// GraphContext is a set of entity edges surfaced for one chunk.
type GraphContext struct {
	ChunkID string                 `json:"chunk_id"`
	Edges   []graphstore.EntityEdge `json:"edges"`
}

// Options tunes a retrieval call.
type Options struct {
	// IncludeGraph requests bounded multi-hop entity expansion for the
	// chosen chunks.
	IncludeGraph bool
	// Rerank requests an LLM relevance re-scoring pass over the merged
	// results. Ignored when no reranker is attached.
	Rerank   bool
	MinScore float32
}

// Result is the full retrieval output.
type Result struct {
	Chunks       []RetrievedChunk
	GraphContext []GraphContext
}

// EntityExtractor names query entities for the graph-side lookup.
// Satisfied by entities.Extractor.
type EntityExtractor interface {
	Extract(ctx context.Context, text string) ([]graphstore.Entity, error)
}

// Retriever runs hybrid retrieval for a principal.
type Retriever struct {
	vectors   vectorstore.VectorStore
	graph     graphstore.GraphStore
	embedder  embedder.Embedder
	extractor EntityExtractor
	reranker  Reranker
	logger    *slog.Logger
}

// NewRetriever creates a Retriever. extractor may be nil, disabling the
// graph-side entity lookup.
func NewRetriever(
	vectors vectorstore.VectorStore,
	graph graphstore.GraphStore,
	emb embedder.Embedder,
	extractor EntityExtractor,
	logger *slog.Logger,
) *Retriever {
	return &Retriever{
		vectors:   vectors,
		graph:     graph,
		embedder:  emb,
		extractor: extractor,
		logger:    logger,
	}
}

// Retrieve returns the top-k chunks visible to the principal for a query.
func (r *Retriever) Retrieve(ctx context.Context, principal auth.Principal, query string, k int, opts Options) (*Result, error) {
	return r.retrieve(ctx, principal, query, nil, k, opts)
}

// RetrieveFor is Retrieve restricted to the given documents. Documents the
// principal cannot see simply yield no results.
func (r *Retriever) RetrieveFor(ctx context.Context, principal auth.Principal, query string, documentIDs []string, k int, opts Options) (*Result, error) {
	return r.retrieve(ctx, principal, query, documentIDs, k, opts)
}

func (r *Retriever) retrieve(ctx context.Context, principal auth.Principal, query string, documentIDs []string, k int, opts Options) (*Result, error) {
	if k <= 0 {
		k = 5
	}
	tenantKeys := principal.VisibleTenantKeys()

	queryVector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	var (
		vectorHits []vectorstore.SearchResult
		graphHits  []graphstore.Chunk
		graphNames []string
	)

	// Vector search and graph entity lookup run in parallel. The graph leg
	// is best effort: any failure there degrades to vector-only results.
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hits, err := r.vectors.Search(gCtx, vectorstore.CollectionDocuments, queryVector, vectorstore.Filter{
			TenantKeys:  tenantKeys,
			DocumentIDs: documentIDs,
		}, k, opts.MinScore)
		if err != nil {
			return fmt.Errorf("vector search failed: %w", err)
		}
		vectorHits = hits
		return nil
	})

	g.Go(func() error {
		hits, names := r.graphLookup(gCtx, tenantKeys, query, k)
		graphHits, graphNames = hits, names
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := r.merge(vectorHits, graphHits, graphNames, documentIDs)
	merged = dedupeChunks(merged, dedupThreshold)
	sortChunks(merged)

	if opts.Rerank && r.reranker != nil {
		reranked, err := r.reranker.Rerank(ctx, query, merged, k)
		if err != nil {
			r.logger.Warn("rerank failed, keeping hybrid order", "error", err)
		} else {
			merged = reranked
		}
	}
	if len(merged) > k {
		merged = merged[:k]
	}

	result := &Result{Chunks: merged}

	if opts.IncludeGraph {
		for _, chunk := range merged {
			edges, err := r.graph.ExpandEntities(ctx, tenantKeys, chunk.ID, 2, maxEdgesPerChunk)
			if err != nil {
				r.logger.Warn("graph expansion failed", "chunk_id", chunk.ID, "error", err)
				continue
			}
			if len(edges) > 0 {
				result.GraphContext = append(result.GraphContext, GraphContext{ChunkID: chunk.ID, Edges: edges})
			}
		}
	}

	return result, nil
}

// graphLookup extracts query entities and finds their chunks. Never returns
// an error; timeouts, parse failures, and graph outages all degrade to an
// empty result.
func (r *Retriever) graphLookup(ctx context.Context, tenantKeys []string, query string, k int) ([]graphstore.Chunk, []string) {
	if r.extractor == nil {
		return nil, nil
	}

	ents, err := r.extractor.Extract(ctx, query)
	if err != nil {
		r.logger.Warn("query entity extraction failed, using vector only", "error", err)
		return nil, nil
	}
	if len(ents) == 0 {
		return nil, nil
	}

	names := entities.Names(ents)
	chunks, err := r.graph.ChunksByEntities(ctx, tenantKeys, names, k)
	if err != nil {
		r.logger.Warn("graph chunk lookup failed, using vector only", "error", err)
		return nil, nil
	}
	return chunks, names
}

// merge deduplicates by chunk id, boosts overlap, and assigns the graph base
// score to graph-only hits.
func (r *Retriever) merge(vectorHits []vectorstore.SearchResult, graphHits []graphstore.Chunk, graphNames []string, documentIDs []string) []RetrievedChunk {
	allowed := map[string]bool{}
	for _, id := range documentIDs {
		allowed[id] = true
	}

	byID := make(map[string]*RetrievedChunk, len(vectorHits)+len(graphHits))
	var order []string

	for _, hit := range vectorHits {
		byID[hit.ID] = &RetrievedChunk{
			ID:         hit.ID,
			DocumentID: hit.DocumentID,
			Filename:   hit.Filename,
			Text:       hit.Text,
			Score:      hit.Score,
			Position:   hit.Position,
			Method:     MethodVector,
		}
		order = append(order, hit.ID)
	}

	for _, hit := range graphHits {
		// The document scope filter applies to the graph leg too.
		if len(allowed) > 0 && !allowed[hit.DocumentID] {
			continue
		}
		if existing, ok := byID[hit.ID]; ok {
			existing.Score *= hybridBoost
			existing.Method = MethodHybrid
			existing.MatchedEntities = graphNames
			continue
		}
		byID[hit.ID] = &RetrievedChunk{
			ID:              hit.ID,
			DocumentID:      hit.DocumentID,
			Filename:        hit.Filename,
			Text:            hit.Text,
			Score:           graphBaseScore,
			Position:        hit.Position,
			Method:          MethodGraph,
			MatchedEntities: graphNames,
		}
		order = append(order, hit.ID)
	}

	merged := make([]RetrievedChunk, 0, len(order))
	for _, id := range order {
		merged = append(merged, *byID[id])
	}
	return merged
}

// sortChunks orders by score descending, ties broken by document id then
// position so results are deterministic.
func sortChunks(chunks []RetrievedChunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].Score != chunks[j].Score {
			return chunks[i].Score > chunks[j].Score
		}
		if chunks[i].DocumentID != chunks[j].DocumentID {
			return chunks[i].DocumentID < chunks[j].DocumentID
		}
		return chunks[i].Position < chunks[j].Position
	})
}
