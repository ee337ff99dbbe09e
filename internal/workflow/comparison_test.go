package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/parchment-ai/ragserver/internal/auth"
	"github.com/parchment-ai/ragserver/internal/checkpoint"
	"github.com/parchment-ai/ragserver/internal/graphstore"
	"github.com/parchment-ai/ragserver/internal/llm"
	"github.com/parchment-ai/ragserver/internal/retrieval"
	"github.com/parchment-ai/ragserver/internal/vectorstore"
)

type stubVectors struct {
	vectorstore.VectorStore
	byDocument map[string][]vectorstore.SearchResult
	searches   int
}

func (s *stubVectors) Search(_ context.Context, _ string, _ []float32, filter vectorstore.Filter, _ int, _ float32) ([]vectorstore.SearchResult, error) {
	s.searches++
	var out []vectorstore.SearchResult
	for _, id := range filter.DocumentIDs {
		out = append(out, s.byDocument[id]...)
	}
	return out, nil
}

type stubGraph struct {
	graphstore.GraphStore
	visible map[string]bool
	edges   []graphstore.EntityEdge
}

func (s *stubGraph) GetDocument(_ context.Context, _ []string, id string) (*graphstore.Document, error) {
	if !s.visible[id] {
		return nil, graphstore.ErrNotFound
	}
	return &graphstore.Document{ID: id}, nil
}

func (s *stubGraph) ExpandEntities(_ context.Context, _ []string, _ string, _, limit int) ([]graphstore.EntityEdge, error) {
	if len(s.edges) > limit {
		return s.edges[:limit], nil
	}
	return s.edges, nil
}

func (s *stubGraph) ChunksByEntities(context.Context, []string, []string, int) ([]graphstore.Chunk, error) {
	return nil, nil
}

type stubEmbedder struct{}

func (stubEmbedder) Embed(context.Context, string) ([]float32, error) { return []float32{0.5}, nil }
func (stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.5}
	}
	return out, nil
}
func (stubEmbedder) Dimension() int    { return 1 }
func (stubEmbedder) ModelName() string { return "stub" }

type stubLLM struct {
	response string
	err      error
	calls    int
}

func (s *stubLLM) Generate(context.Context, string, llm.GenerateOptions) (string, error) {
	s.calls++
	return s.response, s.err
}

func (s *stubLLM) Complete(ctx context.Context, prompt string, opts llm.GenerateOptions) (*llm.Completion, error) {
	text, err := s.Generate(ctx, prompt, opts)
	return &llm.Completion{Text: text}, err
}

func (s *stubLLM) GenerateStream(context.Context, string, llm.GenerateOptions) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk)
	close(ch)
	return ch, nil
}

func principal() auth.Principal {
	return auth.Principal{Kind: auth.KindAuthenticated, ID: "user-1", Role: "user"}
}

func newTestWorkflow(vectors *stubVectors, graph *stubGraph, client *stubLLM, store checkpoint.Store) *Workflow {
	logger := slog.New(slog.DiscardHandler)
	retriever := retrieval.NewRetriever(vectors, graph, stubEmbedder{}, nil, logger)
	return New(retriever, graph, client, store, "test-model", logger)
}

func fixture() (*stubVectors, *stubGraph, *stubLLM) {
	vectors := &stubVectors{byDocument: map[string][]vectorstore.SearchResult{
		"d1": {{ID: "c1", DocumentID: "d1", Filename: "a.pdf", Text: "alpha content", Score: 0.9}},
		"d2": {{ID: "c2", DocumentID: "d2", Filename: "b.pdf", Text: "beta content", Score: 0.8}},
	}}
	graph := &stubGraph{
		visible: map[string]bool{"d1": true, "d2": true},
		edges:   []graphstore.EntityEdge{{Source: "Alpha", Relation: "RELATES_TO", Target: "Beta", Hop: 1}},
	}
	client := &stubLLM{response: `{"similarities":["both discuss widgets"],"differences":["pricing differs"],"insights":["a is newer"]}`}
	return vectors, graph, client
}

func TestCompareValidation(t *testing.T) {
	vectors, graph, client := fixture()
	w := newTestWorkflow(vectors, graph, client, checkpoint.NewMemoryStore())
	ctx := context.Background()

	if _, err := w.Compare(ctx, principal(), "s1", "compare these documents", []string{"d1"}); !errors.Is(err, ErrTooFewDocuments) {
		t.Errorf("expected ErrTooFewDocuments, got %v", err)
	}
	if _, err := w.Compare(ctx, principal(), "s1", "compare these documents", []string{"a", "b", "c", "d", "e", "f"}); !errors.Is(err, ErrTooManyDocuments) {
		t.Errorf("expected ErrTooManyDocuments, got %v", err)
	}
	if _, err := w.Compare(ctx, principal(), "s1", "short", []string{"d1", "d2"}); !errors.Is(err, ErrQueryTooShort) {
		t.Errorf("expected ErrQueryTooShort, got %v", err)
	}
}

func TestCompareInvisibleDocumentIsForbidden(t *testing.T) {
	vectors, graph, client := fixture()
	graph.visible["d2"] = false
	w := newTestWorkflow(vectors, graph, client, checkpoint.NewMemoryStore())

	_, err := w.Compare(context.Background(), principal(), "s1", "compare these documents", []string{"d1", "d2"})
	if !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestCompareHappyPath(t *testing.T) {
	vectors, graph, client := fixture()
	store := checkpoint.NewMemoryStore()
	w := newTestWorkflow(vectors, graph, client, store)

	result, err := w.Compare(context.Background(), principal(), "s1", "compare these documents", []string{"d1", "d2"})
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}

	if result.Resumed {
		t.Error("fresh run must not report resumed")
	}
	if len(result.Similarities) != 1 || result.Similarities[0] != "both discuss widgets" {
		t.Errorf("unexpected similarities %v", result.Similarities)
	}
	for _, want := range []string{"## Comparison:", "### Similarities", "### Differences", "### Insights", "both discuss widgets"} {
		if !strings.Contains(result.Response, want) {
			t.Errorf("response missing %q", want)
		}
	}
	if len(result.Citations) != 2 {
		t.Fatalf("expected a citation per retrieved chunk, got %d", len(result.Citations))
	}
	if result.Citations[0].DocumentID != "d1" || result.Citations[1].DocumentID != "d2" {
		t.Errorf("citations out of document order: %+v", result.Citations)
	}

	record, err := store.Get(context.Background(), ThreadID("user-1", "s1"))
	if err != nil {
		t.Fatalf("expected final checkpoint: %v", err)
	}
	if record.Node != nodeDone {
		t.Errorf("expected done checkpoint, got %q", record.Node)
	}
	var state State
	if err := json.Unmarshal(record.State, &state); err != nil {
		t.Fatalf("checkpoint state unreadable: %v", err)
	}
	if state.Status != "completed" {
		t.Errorf("expected completed status, got %q", state.Status)
	}
	if state.TenantKey != "user-1" {
		t.Errorf("checkpoint state must carry the tenant key, got %q", state.TenantKey)
	}
}

func TestCompareResumeSkipsCompletedNodes(t *testing.T) {
	vectors, graph, client := fixture()
	store := checkpoint.NewMemoryStore()
	ctx := context.Background()

	// Seed a checkpoint as if the run died after the compare node.
	seeded := State{
		Query:       "compare these documents",
		TenantKey:   "user-1",
		DocumentIDs: []string{"d1", "d2"},
		RetrievedChunks: map[string][]retrieval.RetrievedChunk{
			"d1": {{ID: "c1", DocumentID: "d1", Filename: "a.pdf", Text: "alpha content"}},
			"d2": {{ID: "c2", DocumentID: "d2", Filename: "b.pdf", Text: "beta content"}},
		},
		Similarities: []string{"seeded similarity"},
		Differences:  []string{},
		Insights:     []string{},
		Status:       "running",
	}
	payload, _ := json.Marshal(seeded)
	if err := store.Put(ctx, checkpoint.Record{ThreadID: ThreadID("user-1", "s1"), Node: NodeCompare, State: payload}); err != nil {
		t.Fatal(err)
	}

	w := newTestWorkflow(vectors, graph, client, store)
	result, err := w.Compare(ctx, principal(), "s1", "compare these documents", []string{"d1", "d2"})
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}

	if !result.Resumed {
		t.Error("expected resumed run")
	}
	if vectors.searches != 0 {
		t.Errorf("retrieve node must not rerun, saw %d searches", vectors.searches)
	}
	if client.calls != 0 {
		t.Errorf("compare node must not rerun, saw %d LLM calls", client.calls)
	}
	if len(result.Similarities) != 1 || result.Similarities[0] != "seeded similarity" {
		t.Errorf("resume must keep prior analysis, got %v", result.Similarities)
	}
	if !strings.Contains(result.Response, "seeded similarity") {
		t.Error("generate node must run from the seeded state")
	}
}

func TestCompareChangedInputsStartOver(t *testing.T) {
	vectors, graph, client := fixture()
	store := checkpoint.NewMemoryStore()
	ctx := context.Background()

	seeded := State{Query: "a different question", DocumentIDs: []string{"d1", "d2"}, Status: "running"}
	payload, _ := json.Marshal(seeded)
	if err := store.Put(ctx, checkpoint.Record{ThreadID: ThreadID("user-1", "s1"), Node: NodeCompare, State: payload}); err != nil {
		t.Fatal(err)
	}

	w := newTestWorkflow(vectors, graph, client, store)
	result, err := w.Compare(ctx, principal(), "s1", "compare these documents", []string{"d1", "d2"})
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}
	if result.Resumed {
		t.Error("a checkpoint for different inputs must not resume")
	}
	if vectors.searches == 0 {
		t.Error("expected a fresh retrieve run")
	}
}

func TestCompareAnalysisFallbacks(t *testing.T) {
	vectors, graph, _ := fixture()

	cases := []struct {
		name     string
		response string
		wantSim  []string
	}{
		{
			"fenced json",
			"```json\n{\"similarities\":[\"s1\"],\"differences\":[],\"insights\":[]}\n```",
			[]string{"s1"},
		},
		{
			"headings",
			"Similarities:\n- both cover widgets\n\nDifferences:\n- tone\n\nInsights:\n- none",
			[]string{"both cover widgets"},
		},
		{
			"garbage",
			"I cannot compare these documents.",
			[]string{},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := &stubLLM{response: tc.response}
			w := newTestWorkflow(vectors, graph, client, checkpoint.NewMemoryStore())
			result, err := w.Compare(context.Background(), principal(), "s-"+tc.name, "compare these documents", []string{"d1", "d2"})
			if err != nil {
				t.Fatalf("Compare failed: %v", err)
			}
			if len(result.Similarities) != len(tc.wantSim) {
				t.Fatalf("expected %v, got %v", tc.wantSim, result.Similarities)
			}
			for i := range tc.wantSim {
				if result.Similarities[i] != tc.wantSim[i] {
					t.Errorf("expected %v, got %v", tc.wantSim, result.Similarities)
				}
			}
		})
	}
}

func TestCompareLLMFailureProceedsEmpty(t *testing.T) {
	vectors, graph, _ := fixture()
	client := &stubLLM{err: errors.New("model down")}
	w := newTestWorkflow(vectors, graph, client, checkpoint.NewMemoryStore())

	result, err := w.Compare(context.Background(), principal(), "s1", "compare these documents", []string{"d1", "d2"})
	if err != nil {
		t.Fatalf("analysis failure must not abort the workflow: %v", err)
	}
	if len(result.Similarities) != 0 || len(result.Differences) != 0 || len(result.Insights) != 0 {
		t.Errorf("expected empty analysis, got %+v", result)
	}
	if result.Response == "" {
		t.Error("generate must still produce a response")
	}
}

func TestThreadIDEmbedsTenant(t *testing.T) {
	id := ThreadID("user-1", "sess-9")
	if id != "user-1:doc_compare:sess-9" {
		t.Errorf("unexpected thread id %q", id)
	}
	if ThreadID("user-1", "s") == ThreadID("user-2", "s") {
		t.Error("thread ids must differ across tenants")
	}
}

func TestClipRunesKeepsMultibyteIntact(t *testing.T) {
	text := strings.Repeat("é", 300)
	clipped := clipRunes(text, citationExcerptMax)
	if !utf8.ValidString(clipped) {
		t.Fatal("clipped excerpt contains a split rune")
	}
	if got := utf8.RuneCountInString(clipped); got != citationExcerptMax {
		t.Fatalf("clipped to %d runes, want %d", got, citationExcerptMax)
	}
	if clipRunes("short", 10) != "short" {
		t.Error("text under the limit must pass through unchanged")
	}
}
