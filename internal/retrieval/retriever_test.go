package retrieval

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/parchment-ai/ragserver/internal/auth"
	"github.com/parchment-ai/ragserver/internal/graphstore"
	"github.com/parchment-ai/ragserver/internal/vectorstore"
)

// stubVectors implements only the methods retrieval exercises; the embedded
// interface panics on anything else.
type stubVectors struct {
	vectorstore.VectorStore
	results    []vectorstore.SearchResult
	err        error
	lastFilter vectorstore.Filter
}

func (s *stubVectors) Search(_ context.Context, _ string, _ []float32, filter vectorstore.Filter, _ int, _ float32) ([]vectorstore.SearchResult, error) {
	s.lastFilter = filter
	return s.results, s.err
}

type stubGraph struct {
	graphstore.GraphStore
	chunks    []graphstore.Chunk
	chunksErr error
	edges     []graphstore.EntityEdge
	edgesErr  error
	lastKeys  []string
	expanded  []string
}

func (s *stubGraph) ChunksByEntities(_ context.Context, tenantKeys []string, _ []string, _ int) ([]graphstore.Chunk, error) {
	s.lastKeys = tenantKeys
	return s.chunks, s.chunksErr
}

func (s *stubGraph) ExpandEntities(_ context.Context, _ []string, chunkID string, _, _ int) ([]graphstore.EntityEdge, error) {
	s.expanded = append(s.expanded, chunkID)
	return s.edges, s.edgesErr
}

type stubEmbedder struct {
	err error
}

func (s *stubEmbedder) Embed(context.Context, string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

func (s *stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func (s *stubEmbedder) Dimension() int    { return 3 }
func (s *stubEmbedder) ModelName() string { return "stub" }

type stubExtractor struct {
	entities []graphstore.Entity
	err      error
}

func (s *stubExtractor) Extract(context.Context, string) ([]graphstore.Entity, error) {
	return s.entities, s.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func anonPrincipal() auth.Principal {
	return auth.Principal{Kind: auth.KindAnonymous, ID: "anon_0123456789abcdef0123456789abcdef0123456789abcdef"}
}

func userPrincipal() auth.Principal {
	return auth.Principal{Kind: auth.KindAuthenticated, ID: "user-1", Email: "u@example.com", Role: "user"}
}

func TestRetrieveVectorOnly(t *testing.T) {
	vectors := &stubVectors{results: []vectorstore.SearchResult{
		{ID: "c1", DocumentID: "d1", Text: "alpha beta gamma", Score: 0.9, Position: 0},
		{ID: "c2", DocumentID: "d1", Text: "delta epsilon zeta", Score: 0.6, Position: 1},
	}}
	graph := &stubGraph{}

	r := NewRetriever(vectors, graph, &stubEmbedder{}, nil, discardLogger())

	result, err := r.Retrieve(context.Background(), anonPrincipal(), "test query", 5, Options{})
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(result.Chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(result.Chunks))
	}
	for _, chunk := range result.Chunks {
		if chunk.Method != MethodVector {
			t.Errorf("chunk %s: expected vector method, got %s", chunk.ID, chunk.Method)
		}
	}
	if result.Chunks[0].ID != "c1" {
		t.Errorf("expected highest score first, got %s", result.Chunks[0].ID)
	}
}

func TestRetrieveHybridBoost(t *testing.T) {
	vectors := &stubVectors{results: []vectorstore.SearchResult{
		{ID: "c1", DocumentID: "d1", Text: "alpha beta gamma", Score: 0.5, Position: 0},
		{ID: "c2", DocumentID: "d1", Text: "delta epsilon zeta", Score: 0.55, Position: 1},
	}}
	graph := &stubGraph{chunks: []graphstore.Chunk{
		{ID: "c1", DocumentID: "d1", Text: "alpha beta gamma", Position: 0},
	}}
	extractor := &stubExtractor{entities: []graphstore.Entity{{Name: "Alpha", Type: "product"}}}

	r := NewRetriever(vectors, graph, &stubEmbedder{}, extractor, discardLogger())

	result, err := r.Retrieve(context.Background(), anonPrincipal(), "tell me about alpha", 5, Options{})
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}

	var hybrid *RetrievedChunk
	for i := range result.Chunks {
		if result.Chunks[i].ID == "c1" {
			hybrid = &result.Chunks[i]
		}
	}
	if hybrid == nil {
		t.Fatal("boosted chunk missing from results")
	}
	if hybrid.Method != MethodHybrid {
		t.Errorf("expected hybrid method, got %s", hybrid.Method)
	}
	want := float32(0.5) * hybridBoost
	if hybrid.Score != want {
		t.Errorf("expected boosted score %v, got %v", want, hybrid.Score)
	}
	// The boost must lift c1 (0.5 -> 0.6) above c2 (0.55).
	if result.Chunks[0].ID != "c1" {
		t.Errorf("expected boosted chunk first, got %s", result.Chunks[0].ID)
	}
	if len(hybrid.MatchedEntities) != 1 || hybrid.MatchedEntities[0] != "Alpha" {
		t.Errorf("expected matched entities [Alpha], got %v", hybrid.MatchedEntities)
	}
}

func TestRetrieveGraphOnlyBaseScore(t *testing.T) {
	vectors := &stubVectors{}
	graph := &stubGraph{chunks: []graphstore.Chunk{
		{ID: "g1", DocumentID: "d2", Text: "graph only content", Position: 3, Filename: "widgets.pdf"},
	}}
	extractor := &stubExtractor{entities: []graphstore.Entity{{Name: "Widget", Type: "product"}}}

	r := NewRetriever(vectors, graph, &stubEmbedder{}, extractor, discardLogger())

	result, err := r.Retrieve(context.Background(), anonPrincipal(), "widget", 5, Options{})
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(result.Chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(result.Chunks))
	}
	chunk := result.Chunks[0]
	if chunk.Method != MethodGraph {
		t.Errorf("expected graph method, got %s", chunk.Method)
	}
	if chunk.Score != graphBaseScore {
		t.Errorf("expected base score %v, got %v", graphBaseScore, chunk.Score)
	}
	// Graph hits carry the document filename so citations are not blank.
	if chunk.Filename != "widgets.pdf" {
		t.Errorf("expected filename from the graph leg, got %q", chunk.Filename)
	}
}

func TestRetrieveTieBreakDeterministic(t *testing.T) {
	vectors := &stubVectors{results: []vectorstore.SearchResult{
		{ID: "c3", DocumentID: "docB", Text: "one two three four", Score: 0.8, Position: 0},
		{ID: "c2", DocumentID: "docA", Text: "five six seven eight", Score: 0.8, Position: 2},
		{ID: "c1", DocumentID: "docA", Text: "nine ten eleven twelve", Score: 0.8, Position: 1},
	}}

	r := NewRetriever(vectors, &stubGraph{}, &stubEmbedder{}, nil, discardLogger())

	result, err := r.Retrieve(context.Background(), anonPrincipal(), "q", 5, Options{})
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	got := []string{}
	for _, chunk := range result.Chunks {
		got = append(got, chunk.ID)
	}
	want := []string{"c1", "c2", "c3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestRetrieveGraphFailureDegradesToVector(t *testing.T) {
	vectors := &stubVectors{results: []vectorstore.SearchResult{
		{ID: "c1", DocumentID: "d1", Text: "alpha beta", Score: 0.9, Position: 0},
	}}

	cases := []struct {
		name      string
		graph     *stubGraph
		extractor EntityExtractor
	}{
		{"extractor error", &stubGraph{}, &stubExtractor{err: errors.New("llm down")}},
		{"graph error", &stubGraph{chunksErr: errors.New("neo4j down")}, &stubExtractor{entities: []graphstore.Entity{{Name: "X"}}}},
		{"no extractor", &stubGraph{}, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRetriever(vectors, tc.graph, &stubEmbedder{}, tc.extractor, discardLogger())
			result, err := r.Retrieve(context.Background(), anonPrincipal(), "q", 5, Options{})
			if err != nil {
				t.Fatalf("Retrieve failed: %v", err)
			}
			if len(result.Chunks) != 1 || result.Chunks[0].Method != MethodVector {
				t.Fatalf("expected vector-only fallback, got %+v", result.Chunks)
			}
		})
	}
}

func TestRetrieveVectorFailureIsFatal(t *testing.T) {
	vectors := &stubVectors{err: errors.New("qdrant down")}
	r := NewRetriever(vectors, &stubGraph{}, &stubEmbedder{}, nil, discardLogger())

	if _, err := r.Retrieve(context.Background(), anonPrincipal(), "q", 5, Options{}); err == nil {
		t.Fatal("expected error when vector search fails")
	}
}

func TestRetrieveEmbedFailure(t *testing.T) {
	r := NewRetriever(&stubVectors{}, &stubGraph{}, &stubEmbedder{err: errors.New("ollama down")}, nil, discardLogger())
	if _, err := r.Retrieve(context.Background(), anonPrincipal(), "q", 5, Options{}); err == nil {
		t.Fatal("expected error when embedding fails")
	}
}

func TestRetrieveTenantFilter(t *testing.T) {
	vectors := &stubVectors{}
	graph := &stubGraph{}
	extractor := &stubExtractor{entities: []graphstore.Entity{{Name: "X"}}}
	r := NewRetriever(vectors, graph, &stubEmbedder{}, extractor, discardLogger())

	anon := anonPrincipal()
	if _, err := r.Retrieve(context.Background(), anon, "q", 5, Options{}); err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(vectors.lastFilter.TenantKeys) != 1 || vectors.lastFilter.TenantKeys[0] != anon.ID {
		t.Errorf("anonymous search must carry exactly the session tenant key, got %v", vectors.lastFilter.TenantKeys)
	}
	if len(graph.lastKeys) != 1 || graph.lastKeys[0] != anon.ID {
		t.Errorf("graph lookup must carry the session tenant key, got %v", graph.lastKeys)
	}

	if _, err := r.Retrieve(context.Background(), userPrincipal(), "q", 5, Options{}); err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	keys := vectors.lastFilter.TenantKeys
	if len(keys) != 2 || keys[0] != "user-1" || keys[1] != auth.SharedTenantKey {
		t.Errorf("authenticated search must see own plus shared tenant, got %v", keys)
	}
}

func TestRetrieveForScopesGraphLeg(t *testing.T) {
	vectors := &stubVectors{}
	graph := &stubGraph{chunks: []graphstore.Chunk{
		{ID: "g1", DocumentID: "d1", Text: "in scope", Position: 0},
		{ID: "g2", DocumentID: "d9", Text: "out of scope", Position: 0},
	}}
	extractor := &stubExtractor{entities: []graphstore.Entity{{Name: "X"}}}
	r := NewRetriever(vectors, graph, &stubEmbedder{}, extractor, discardLogger())

	result, err := r.RetrieveFor(context.Background(), anonPrincipal(), "q", []string{"d1"}, 5, Options{})
	if err != nil {
		t.Fatalf("RetrieveFor failed: %v", err)
	}
	if len(result.Chunks) != 1 || result.Chunks[0].DocumentID != "d1" {
		t.Fatalf("expected graph hits outside the document scope to be dropped, got %+v", result.Chunks)
	}
	if len(vectors.lastFilter.DocumentIDs) != 1 || vectors.lastFilter.DocumentIDs[0] != "d1" {
		t.Errorf("vector filter must carry the document scope, got %v", vectors.lastFilter.DocumentIDs)
	}
}

func TestRetrieveTopKTruncation(t *testing.T) {
	results := make([]vectorstore.SearchResult, 10)
	for i := range results {
		results[i] = vectorstore.SearchResult{
			ID:         string(rune('a' + i)),
			DocumentID: "d1",
			Text:       "unique words chunk" + strings.Repeat("x", i+3) + " for this chunk number " + strings.Repeat("y", i+3),
			Score:      float32(10-i) / 10,
			Position:   i,
		}
	}
	vectors := &stubVectors{results: results}
	r := NewRetriever(vectors, &stubGraph{}, &stubEmbedder{}, nil, discardLogger())

	result, err := r.Retrieve(context.Background(), anonPrincipal(), "q", 3, Options{})
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(result.Chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(result.Chunks))
	}
}

func TestRetrieveIncludeGraphExpansion(t *testing.T) {
	vectors := &stubVectors{results: []vectorstore.SearchResult{
		{ID: "c1", DocumentID: "d1", Text: "alpha beta", Score: 0.9, Position: 0},
	}}
	graph := &stubGraph{edges: []graphstore.EntityEdge{
		{Source: "Alpha", Relation: "RELATES_TO", Target: "Beta", Hop: 1},
	}}
	r := NewRetriever(vectors, graph, &stubEmbedder{}, nil, discardLogger())

	result, err := r.Retrieve(context.Background(), anonPrincipal(), "q", 5, Options{IncludeGraph: true})
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(result.GraphContext) != 1 {
		t.Fatalf("expected graph context for 1 chunk, got %d", len(result.GraphContext))
	}
	if result.GraphContext[0].ChunkID != "c1" {
		t.Errorf("expected context for c1, got %s", result.GraphContext[0].ChunkID)
	}
	if len(graph.expanded) != 1 {
		t.Errorf("expected one expansion call, got %v", graph.expanded)
	}
}

func TestRetrieveIncludeGraphExpansionFailureIsNonFatal(t *testing.T) {
	vectors := &stubVectors{results: []vectorstore.SearchResult{
		{ID: "c1", DocumentID: "d1", Text: "alpha beta", Score: 0.9, Position: 0},
	}}
	graph := &stubGraph{edgesErr: errors.New("neo4j down")}
	r := NewRetriever(vectors, graph, &stubEmbedder{}, nil, discardLogger())

	result, err := r.Retrieve(context.Background(), anonPrincipal(), "q", 5, Options{IncludeGraph: true})
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(result.Chunks) != 1 {
		t.Fatalf("expected chunks despite expansion failure, got %d", len(result.Chunks))
	}
	if len(result.GraphContext) != 0 {
		t.Errorf("expected no graph context on failure, got %v", result.GraphContext)
	}
}

func TestDedupeChunks(t *testing.T) {
	chunks := []RetrievedChunk{
		{ID: "c1", Text: "machine learning models require large training datasets", Score: 0.9},
		{ID: "c2", Text: "machine learning models require large training datasets today", Score: 0.8},
		{ID: "c3", Text: "completely different content about cooking pasta dishes", Score: 0.7},
	}
	out := dedupeChunks(chunks, dedupThreshold)
	if len(out) != 2 {
		t.Fatalf("expected 2 chunks after dedup, got %d", len(out))
	}
	if out[0].ID != "c1" {
		t.Errorf("expected higher-scored near-duplicate to survive, got %s", out[0].ID)
	}
	if out[1].ID != "c3" {
		t.Errorf("expected distinct chunk to survive, got %s", out[1].ID)
	}
}

func TestJaccardSimilarity(t *testing.T) {
	a := tokenize("the quick brown fox jumps")
	b := tokenize("the quick brown fox jumps")
	if sim := jaccardSimilarity(a, b); sim != 1.0 {
		t.Errorf("identical sets: expected 1.0, got %v", sim)
	}
	c := tokenize("entirely unrelated sentence about gardens")
	if sim := jaccardSimilarity(a, c); sim != 0.0 {
		t.Errorf("disjoint sets: expected 0.0, got %v", sim)
	}
}
