package reaper

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/parchment-ai/ragserver/internal/graphstore"
	"github.com/parchment-ai/ragserver/internal/vectorstore"
)

type fakeGraph struct {
	graphstore.GraphStore
	expiredChunks  []string
	cutoffSeen     time.Time
	prefixSeen     string
	existingChunks map[string]bool
	memoryDeletes  [][2]string
}

func (f *fakeGraph) DeleteExpiredAnonymous(_ context.Context, prefix string, cutoff time.Time) ([]string, error) {
	f.prefixSeen = prefix
	f.cutoffSeen = cutoff
	return f.expiredChunks, nil
}

func (f *fakeGraph) FilterExistingChunkIDs(_ context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = f.existingChunks[id]
	}
	return out, nil
}

func (f *fakeGraph) DeleteMemoryEntities(_ context.Context, tenantKey, memoryID string) error {
	f.memoryDeletes = append(f.memoryDeletes, [2]string{tenantKey, memoryID})
	return nil
}

type fakeVectors struct {
	vectorstore.VectorStore
	collections   map[string][]vectorstore.Point
	filterDeletes map[string][]vectorstore.Filter
	idDeletes     map[string][][]string
}

func newFakeVectors() *fakeVectors {
	return &fakeVectors{
		collections:   map[string][]vectorstore.Point{},
		filterDeletes: map[string][]vectorstore.Filter{},
		idDeletes:     map[string][][]string{},
	}
}

func (f *fakeVectors) Scroll(_ context.Context, collection string, filter vectorstore.Filter, _ int, offset string) ([]vectorstore.Point, string, error) {
	if offset != "" {
		return nil, "", nil
	}
	var out []vectorstore.Point
	for _, p := range f.collections[collection] {
		if filter.AnonOnly && !p.Anonymous {
			continue
		}
		if !filter.CreatedBefore.IsZero() && !p.CreatedAt.Before(filter.CreatedBefore) {
			continue
		}
		out = append(out, p)
	}
	return out, "", nil
}

func (f *fakeVectors) DeleteByFilter(_ context.Context, collection string, filter vectorstore.Filter) error {
	f.filterDeletes[collection] = append(f.filterDeletes[collection], filter)
	return nil
}

func (f *fakeVectors) DeleteByIDs(_ context.Context, collection string, ids []string) error {
	f.idDeletes[collection] = append(f.idDeletes[collection], ids)
	return nil
}

func TestRunOnceCutoffAndOrdering(t *testing.T) {
	graph := &fakeGraph{expiredChunks: []string{"c1", "c2"}, existingChunks: map[string]bool{}}
	vectors := newFakeVectors()

	r := New(graph, vectors, Config{TTL: 48 * time.Hour}, slog.New(slog.DiscardHandler))
	fixed := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	if graph.prefixSeen != "anon_" {
		t.Errorf("expected anon_ prefix, got %q", graph.prefixSeen)
	}
	want := fixed.Add(-48 * time.Hour)
	if !graph.cutoffSeen.Equal(want) {
		t.Errorf("expected cutoff %v, got %v", want, graph.cutoffSeen)
	}

	// Graph-reported chunk ids must be deleted from the documents collection.
	deletes := vectors.idDeletes[vectorstore.CollectionDocuments]
	if len(deletes) == 0 || len(deletes[0]) != 2 {
		t.Fatalf("expected chunk point delete for 2 ids, got %v", deletes)
	}

	// Both collections get a filtered sweep for leftovers.
	for _, collection := range []string{vectorstore.CollectionDocuments, vectorstore.CollectionMemory} {
		filters := vectors.filterDeletes[collection]
		if len(filters) != 1 {
			t.Fatalf("expected 1 filter delete on %s, got %d", collection, len(filters))
		}
		if !filters[0].AnonOnly || !filters[0].CreatedBefore.Equal(want) {
			t.Errorf("%s sweep filter wrong: %+v", collection, filters[0])
		}
	}
}

func TestRunOnceMemoryGraphCleanup(t *testing.T) {
	graph := &fakeGraph{existingChunks: map[string]bool{}}
	vectors := newFakeVectors()
	old := time.Now().Add(-60 * 24 * time.Hour)
	vectors.collections[vectorstore.CollectionMemory] = []vectorstore.Point{
		{ID: "m1", TenantKey: "anon_a", Anonymous: true, CreatedAt: old},
		{ID: "m2", TenantKey: "anon_b", Anonymous: true, CreatedAt: time.Now()},
		{ID: "m3", TenantKey: "user-1", Anonymous: false, CreatedAt: old},
	}

	r := New(graph, vectors, Config{TTL: 30 * 24 * time.Hour}, slog.New(slog.DiscardHandler))
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	if len(graph.memoryDeletes) != 1 {
		t.Fatalf("expected graph cleanup for exactly the expired anonymous memory, got %v", graph.memoryDeletes)
	}
	if graph.memoryDeletes[0] != [2]string{"anon_a", "m1"} {
		t.Errorf("unexpected memory cleanup target %v", graph.memoryDeletes[0])
	}
}

func TestOrphanSweep(t *testing.T) {
	graph := &fakeGraph{existingChunks: map[string]bool{"c1": true, "c3": true}}
	vectors := newFakeVectors()
	vectors.collections[vectorstore.CollectionDocuments] = []vectorstore.Point{
		{ID: "c1", TenantKey: "user-1"},
		{ID: "c2", TenantKey: "user-1"}, // orphan
		{ID: "c3", TenantKey: "user-2"},
	}

	r := New(graph, vectors, Config{}, slog.New(slog.DiscardHandler))
	r.sweepOrphans(context.Background())

	deletes := vectors.idDeletes[vectorstore.CollectionDocuments]
	if len(deletes) != 1 || len(deletes[0]) != 1 || deletes[0][0] != "c2" {
		t.Fatalf("expected exactly the orphan c2 deleted, got %v", deletes)
	}
}

func TestConfigDefaults(t *testing.T) {
	r := New(&fakeGraph{}, newFakeVectors(), Config{Hour: 99}, slog.New(slog.DiscardHandler))
	if r.cfg.Hour != 3 {
		t.Errorf("expected default hour 3, got %d", r.cfg.Hour)
	}
	if r.cfg.TTL != 30*24*time.Hour {
		t.Errorf("expected default 30-day TTL, got %v", r.cfg.TTL)
	}
}
