package migration

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/parchment-ai/ragserver/internal/graphstore"
	"github.com/parchment-ai/ragserver/internal/memory"
	"github.com/parchment-ai/ragserver/internal/vectorstore"
)

type fakeGraph struct {
	graphstore.GraphStore
	rekeyed  [][2]string
	docs     int
	chunks   int
	rekeyErr error
}

func (f *fakeGraph) RekeyTenant(_ context.Context, fromKey, toKey string) (int, int, error) {
	if f.rekeyErr != nil {
		return 0, 0, f.rekeyErr
	}
	f.rekeyed = append(f.rekeyed, [2]string{fromKey, toKey})
	return f.docs, f.chunks, nil
}

func (f *fakeGraph) AddMemoryEntities(context.Context, string, string, []graphstore.Entity) error {
	return nil
}

func (f *fakeGraph) DeleteMemoryEntities(context.Context, string, string) error {
	return nil
}

// fakeVectors keeps per-collection points and supports paged scrolls.
type fakeVectors struct {
	vectorstore.VectorStore
	collections map[string][]vectorstore.Point
	pageSize    int
}

func newFakeVectors(pageSize int) *fakeVectors {
	return &fakeVectors{collections: map[string][]vectorstore.Point{}, pageSize: pageSize}
}

func (f *fakeVectors) Upsert(_ context.Context, collection string, points []vectorstore.Point) error {
	f.collections[collection] = append(f.collections[collection], points...)
	return nil
}

func (f *fakeVectors) matching(collection string, filter vectorstore.Filter) []vectorstore.Point {
	keys := map[string]bool{}
	for _, k := range filter.TenantKeys {
		keys[k] = true
	}
	var out []vectorstore.Point
	for _, p := range f.collections[collection] {
		if len(keys) == 0 || keys[p.TenantKey] {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeVectors) Scroll(_ context.Context, collection string, filter vectorstore.Filter, limit int, offset string) ([]vectorstore.Point, string, error) {
	matched := f.matching(collection, filter)
	if f.pageSize > 0 && f.pageSize < limit {
		limit = f.pageSize
	}
	// The cursor is the first unreturned id and is resumed inclusively,
	// matching qdrant scroll semantics.
	start := 0
	if offset != "" {
		for i, p := range matched {
			if p.ID == offset {
				start = i
				break
			}
		}
	}
	if start >= len(matched) {
		return nil, "", nil
	}
	end := start + limit
	if end >= len(matched) {
		return matched[start:], "", nil
	}
	return matched[start:end], matched[end].ID, nil
}

func (f *fakeVectors) SetTenantKey(_ context.Context, collection string, ids []string, tenantKey string, anonymous bool) error {
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	for i := range f.collections[collection] {
		if want[f.collections[collection][i].ID] {
			f.collections[collection][i].TenantKey = tenantKey
			f.collections[collection][i].Anonymous = anonymous
		}
	}
	return nil
}

func (f *fakeVectors) Search(_ context.Context, collection string, _ []float32, filter vectorstore.Filter, topK int, _ float32) ([]vectorstore.SearchResult, error) {
	var out []vectorstore.SearchResult
	for _, p := range f.matching(collection, filter) {
		out = append(out, vectorstore.SearchResult{ID: p.ID, TenantKey: p.TenantKey, Text: p.Text, Metadata: p.Metadata})
		if len(out) == topK {
			break
		}
	}
	return out, nil
}

func (f *fakeVectors) DeleteByIDs(_ context.Context, collection string, ids []string) error {
	drop := map[string]bool{}
	for _, id := range ids {
		drop[id] = true
	}
	kept := f.collections[collection][:0]
	for _, p := range f.collections[collection] {
		if !drop[p.ID] {
			kept = append(kept, p)
		}
	}
	f.collections[collection] = kept
	return nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(context.Context, string) ([]float32, error) { return []float32{0.1}, nil }
func (fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1}
	}
	return out, nil
}
func (fakeEmbedder) Dimension() int    { return 1 }
func (fakeEmbedder) ModelName() string { return "fake" }

func setup(t *testing.T, graph *fakeGraph, vectors *fakeVectors) *Migrator {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	memories := memory.NewStore(vectors, graph, fakeEmbedder{}, nil, nil, memory.Config{}, logger)
	return NewMigrator(graph, vectors, memories, logger)
}

func seedVectors(vectors *fakeVectors, collection, tenantKey string, n int) {
	for i := 0; i < n; i++ {
		vectors.collections[collection] = append(vectors.collections[collection], vectorstore.Point{
			ID:        fmt.Sprintf("%s-%s-%d", collection, tenantKey, i),
			TenantKey: tenantKey,
			Text:      fmt.Sprintf("point %d", i),
			Anonymous: true,
			Metadata:  map[string]string{"type": "fact"},
		})
	}
}

func TestMigrateMovesEverything(t *testing.T) {
	graph := &fakeGraph{docs: 2, chunks: 7}
	vectors := newFakeVectors(3) // force paging
	seedVectors(vectors, vectorstore.CollectionDocuments, "anon_abc", 8)
	seedVectors(vectors, vectorstore.CollectionDocuments, "user-other", 2)
	seedVectors(vectors, vectorstore.CollectionMemory, "anon_abc", 3)

	m := setup(t, graph, vectors)
	stats, err := m.Migrate(context.Background(), "anon_abc", "user-1")
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	if stats.Documents != 2 || stats.Chunks != 7 {
		t.Errorf("unexpected graph stats %+v", stats)
	}
	if stats.Vectors != 8 {
		t.Errorf("expected 8 re-keyed vectors, got %d", stats.Vectors)
	}
	if stats.Memories != 3 {
		t.Errorf("expected 3 moved memories, got %d", stats.Memories)
	}
	if len(graph.rekeyed) != 1 || graph.rekeyed[0] != [2]string{"anon_abc", "user-1"} {
		t.Errorf("unexpected graph re-key calls %v", graph.rekeyed)
	}

	for _, p := range vectors.collections[vectorstore.CollectionDocuments] {
		switch p.TenantKey {
		case "anon_abc":
			t.Errorf("point %s still carries the anonymous tenant", p.ID)
		case "user-1":
			if p.Anonymous {
				t.Errorf("migrated point %s still flagged anonymous", p.ID)
			}
		}
	}
	for _, p := range vectors.collections[vectorstore.CollectionMemory] {
		if p.TenantKey == "anon_abc" {
			t.Errorf("memory %s not moved", p.ID)
		}
	}

	// Untouched tenant stays put.
	other := 0
	for _, p := range vectors.collections[vectorstore.CollectionDocuments] {
		if p.TenantKey == "user-other" {
			other++
		}
	}
	if other != 2 {
		t.Errorf("foreign tenant points disturbed, %d left", other)
	}
}

func TestMigrateRejectsBadIDs(t *testing.T) {
	m := setup(t, &fakeGraph{}, newFakeVectors(0))

	if _, err := m.Migrate(context.Background(), "user-1", "user-2"); err == nil {
		t.Error("expected error for non-anonymous source")
	}
	if _, err := m.Migrate(context.Background(), "anon_abc", ""); err == nil {
		t.Error("expected error for empty target")
	}
	if _, err := m.Migrate(context.Background(), "anon_abc", "anon_def"); err == nil {
		t.Error("expected error for anonymous target")
	}
}

func TestMigrateGraphFailureIsBestEffort(t *testing.T) {
	graph := &fakeGraph{rekeyErr: fmt.Errorf("neo4j down")}
	vectors := newFakeVectors(0)
	seedVectors(vectors, vectorstore.CollectionDocuments, "anon_abc", 2)

	m := setup(t, graph, vectors)
	stats, err := m.Migrate(context.Background(), "anon_abc", "user-1")
	if err != nil {
		t.Fatalf("Migrate must not fail on a partial section failure: %v", err)
	}
	if stats.Documents != 0 || stats.Chunks != 0 {
		t.Errorf("failed section must report zero, got %+v", stats)
	}
	if stats.Vectors != 2 {
		t.Errorf("later sections must still run, got %d vectors", stats.Vectors)
	}
}
