// Package migration moves everything owned by an anonymous session to a
// registered user's tenant key, invoked synchronously during registration.
package migration

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/parchment-ai/ragserver/internal/auth"
	"github.com/parchment-ai/ragserver/internal/graphstore"
	"github.com/parchment-ai/ragserver/internal/memory"
	"github.com/parchment-ai/ragserver/internal/vectorstore"
)

const scrollPageSize = 256

// Stats reports how much each section moved.
type Stats struct {
	Documents int `json:"documents"`
	Chunks    int `json:"chunks"`
	Vectors   int `json:"vectors"`
	Memories  int `json:"memories"`
}

// Migrator re-keys an anonymous tenant to a user tenant across all stores.
type Migrator struct {
	graph    graphstore.GraphStore
	vectors  vectorstore.VectorStore
	memories *memory.Store
	logger   *slog.Logger
}

// NewMigrator creates a Migrator.
func NewMigrator(graph graphstore.GraphStore, vectors vectorstore.VectorStore, memories *memory.Store, logger *slog.Logger) *Migrator {
	return &Migrator{graph: graph, vectors: vectors, memories: memories, logger: logger}
}

// Migrate moves documents, chunks, vector points, and memories from the
// anonymous session to the user. Sections run in value order and are each
// best effort: a later section failing never rolls back an earlier one, and
// partial failure is logged, not returned. Only an invalid anonymous id is an
// error.
func (m *Migrator) Migrate(ctx context.Context, anonID, userID string) (*Stats, error) {
	if !strings.HasPrefix(anonID, auth.AnonPrefix) {
		return nil, fmt.Errorf("not an anonymous tenant key: %q", anonID)
	}
	if userID == "" || strings.HasPrefix(userID, auth.AnonPrefix) {
		return nil, fmt.Errorf("invalid target user id: %q", userID)
	}

	stats := &Stats{}

	// Graph first: a single re-key statement, the most valuable section.
	docs, chunks, err := m.graph.RekeyTenant(ctx, anonID, userID)
	if err != nil {
		m.logger.Error("migration: graph re-key failed", "anon_id", anonID, "user_id", userID, "error", err)
	} else {
		stats.Documents = docs
		stats.Chunks = chunks
	}

	count, err := m.rekeyCollection(ctx, vectorstore.CollectionDocuments, anonID, userID)
	if err != nil {
		m.logger.Error("migration: vector re-key failed", "anon_id", anonID, "error", err)
	}
	stats.Vectors = count

	moved, err := m.migrateMemories(ctx, anonID, userID)
	if err != nil {
		m.logger.Error("migration: memory move failed", "anon_id", anonID, "error", err)
	}
	stats.Memories = moved

	m.logger.Info("anonymous session migrated",
		"user_id", userID,
		"documents", stats.Documents,
		"chunks", stats.Chunks,
		"vectors", stats.Vectors,
		"memories", stats.Memories,
	)
	return stats, nil
}

// rekeyCollection pages through the anonymous points and rewrites their
// tenant payload in place.
func (m *Migrator) rekeyCollection(ctx context.Context, collection, anonID, userID string) (int, error) {
	total := 0
	offset := ""
	filter := vectorstore.Filter{TenantKeys: []string{anonID}}
	for {
		points, next, err := m.vectors.Scroll(ctx, collection, filter, scrollPageSize, offset)
		if err != nil {
			return total, fmt.Errorf("scroll failed: %w", err)
		}
		if len(points) > 0 {
			ids := make([]string, len(points))
			for i, p := range points {
				ids[i] = p.ID
			}
			if err := m.vectors.SetTenantKey(ctx, collection, ids, userID, false); err != nil {
				return total, fmt.Errorf("payload re-key failed: %w", err)
			}
			total += len(ids)
		}
		if next == "" {
			return total, nil
		}
		offset = next
	}
}

// migrateMemories re-adds each anonymous memory under the user key and then
// deletes the original; the memory layer cannot re-key in place.
func (m *Migrator) migrateMemories(ctx context.Context, anonID, userID string) (int, error) {
	entries, err := m.memories.List(ctx, anonID)
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, entry := range entries {
		if _, err := m.memories.Add(ctx, userID, entry.Text, memory.Metadata{
			Type:      entry.Type,
			SessionID: entry.SessionID,
			Role:      entry.Role,
		}); err != nil {
			m.logger.Warn("migration: memory re-add failed", "memory_id", entry.ID, "error", err)
			continue
		}
		if err := m.memories.Delete(ctx, anonID, entry.ID); err != nil {
			m.logger.Warn("migration: memory delete failed", "memory_id", entry.ID, "error", err)
			continue
		}
		moved++
	}
	return moved, nil
}
