// Package graphstore provides the knowledge-graph side of the dual index:
// documents, chunks, entities, and users as graph nodes with tenant-scoped
// queries.
package graphstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested node does not exist or is not
// visible under the given tenant filter.
var ErrNotFound = errors.New("not found")

// Document is a document node.
type Document struct {
	ID           string
	TenantKey    string
	Filename     string
	FileType     string
	ByteSize     int64
	UploadTime   time.Time
	ChunkCount   int
	SummaryCache map[string]string // format -> cached summary text
}

// Chunk is a chunk node. ID is shared with the vector point.
type Chunk struct {
	ID         string
	DocumentID string
	TenantKey  string
	Position   int
	Text       string
	// Filename of the owning document, populated on entity-lookup reads so
	// graph-only retrieval hits can cite their source.
	Filename string
}

// Entity is a named entity appearing in chunks.
type Entity struct {
	Name      string
	Type      string
	TenantKey string
}

// EntityEdge is one edge record from a bounded multi-hop expansion.
type EntityEdge struct {
	Source   string
	Relation string
	Target   string
	Hop      int
}

// User is a registered account stored as a graph node.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

// GraphStore defines graph operations. Every read and write is tenant-scoped;
// traversals carry bounded depth and LIMIT.
type GraphStore interface {
	// EnsureSchema creates uniqueness constraints and indexes.
	EnsureSchema(ctx context.Context) error

	// Users
	CreateUser(ctx context.Context, u User) error
	UserByEmail(ctx context.Context, email string) (*User, error)

	// Documents
	CreateDocument(ctx context.Context, d Document) error
	GetDocument(ctx context.Context, tenantKeys []string, id string) (*Document, error)
	ListDocuments(ctx context.Context, tenantKeys []string) ([]Document, error)
	UpdateDocumentIngest(ctx context.Context, id string, chunkCount int) error
	SetDocumentSummary(ctx context.Context, id, format, summary string) error
	ClearDocumentSummaries(ctx context.Context, id string) error
	// DeleteDocument cascades to the document's chunks and returns the ids of
	// the deleted chunks so the caller can delete the matching vector points.
	DeleteDocument(ctx context.Context, tenantKey, id string) ([]string, error)

	// Chunks
	AddChunks(ctx context.Context, chunks []Chunk) error
	// DeleteDocumentChunks removes the chunks of a document without touching
	// the document node, returning the deleted chunk ids.
	DeleteDocumentChunks(ctx context.Context, documentID string) ([]string, error)
	// FilterExistingChunkIDs returns the subset of ids that exist as Chunk
	// nodes, used by the orphan sweep.
	FilterExistingChunkIDs(ctx context.Context, ids []string) (map[string]bool, error)

	// Entities
	LinkEntities(ctx context.Context, tenantKey, chunkID string, entities []Entity) error
	// ChunksByEntities returns chunks connected to any of the named entities,
	// restricted to the visible tenant keys, capped at limit.
	ChunksByEntities(ctx context.Context, tenantKeys []string, names []string, limit int) ([]Chunk, error)
	// ExpandEntities traverses entity relations from a chunk up to maxHops
	// (<= 2), returning at most limit edges annotated with hop distance.
	ExpandEntities(ctx context.Context, tenantKeys []string, chunkID string, maxHops, limit int) ([]EntityEdge, error)

	// Memory sub-partition: entity edges hung off memory entries.
	AddMemoryEntities(ctx context.Context, tenantKey, memoryID string, entities []Entity) error
	DeleteMemoryEntities(ctx context.Context, tenantKey, memoryID string) error

	// Tenancy maintenance
	// RekeyTenant re-keys every Document and Chunk from one tenant key to
	// another in a single statement, returning (documents, chunks) counts.
	RekeyTenant(ctx context.Context, fromKey, toKey string) (int, int, error)
	// DeleteExpiredAnonymous deletes anonymous-keyed documents and chunks
	// uploaded before the cutoff, returning deleted chunk ids.
	DeleteExpiredAnonymous(ctx context.Context, anonPrefix string, cutoff time.Time) ([]string, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
