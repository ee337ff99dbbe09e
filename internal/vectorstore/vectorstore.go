// Package vectorstore provides interfaces and implementations for vector similarity search.
package vectorstore

import (
	"context"
	"time"
)

// Collection names. The store holds exactly two collections; tenancy is a
// payload filter, not a collection per tenant.
const (
	CollectionDocuments = "documents"
	CollectionMemory    = "memory"
)

// Point is a vector point with its payload.
type Point struct {
	ID         string
	TenantKey  string
	DocumentID string
	Position   int
	Text       string
	Filename   string
	Anonymous  bool
	CreatedAt  time.Time
	Vector     []float32
	Metadata   map[string]string
}

// SearchResult represents a search result from the vector store
type SearchResult struct {
	ID         string
	TenantKey  string
	DocumentID string
	Position   int
	Text       string
	Filename   string
	Score      float32
	Metadata   map[string]string
}

// Filter restricts a search, scroll, or delete. TenantKeys is mandatory for
// reads issued on behalf of a principal.
type Filter struct {
	TenantKeys  []string
	DocumentIDs []string
	// AnonOnly with CreatedBefore selects expired anonymous points for the
	// reaper.
	AnonOnly      bool
	CreatedBefore time.Time
}

// VectorStore defines the interface for vector storage operations
type VectorStore interface {
	// EnsureCollections creates the documents and memory collections with
	// payload indexes. If a collection exists with a different vector
	// dimension, an error is returned; ingest must refuse to proceed.
	EnsureCollections(ctx context.Context, dimension int) error

	// Upsert inserts or updates points in the named collection
	Upsert(ctx context.Context, collection string, points []Point) error

	// Search performs similarity search restricted by the filter
	Search(ctx context.Context, collection string, vector []float32, filter Filter, topK int, minScore float32) ([]SearchResult, error)

	// Scroll pages through points matching the filter without scoring.
	// offset is the cursor from the previous page (the first unreturned
	// id); empty starts from the beginning. Returns points and the next
	// cursor ("" when exhausted).
	Scroll(ctx context.Context, collection string, filter Filter, limit int, offset string) ([]Point, string, error)

	// SetTenantKey rewrites the tenant payload fields of the given points,
	// used by anonymous-to-user migration.
	SetTenantKey(ctx context.Context, collection string, ids []string, tenantKey string, anonymous bool) error

	// DeleteByFilter removes all points matching the filter
	DeleteByFilter(ctx context.Context, collection string, filter Filter) error

	// DeleteByIDs removes specific points by their IDs
	DeleteByIDs(ctx context.Context, collection string, ids []string) error

	// Ping checks connectivity
	Ping(ctx context.Context) error

	Close() error
}
