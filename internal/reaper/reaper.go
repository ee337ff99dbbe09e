// Package reaper expires anonymous-session data past its TTL and sweeps
// vector points orphaned by incomplete deletions. It runs on a daily cron
// schedule.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/parchment-ai/ragserver/internal/auth"
	"github.com/parchment-ai/ragserver/internal/graphstore"
	"github.com/parchment-ai/ragserver/internal/vectorstore"
)

const (
	scrollPageSize = 256
	// orphanBatchSize bounds each graph existence check during the orphan
	// sweep.
	orphanBatchSize = 512
)

// Config tunes the reaper.
type Config struct {
	// TTL is how long anonymous data lives after upload.
	TTL time.Duration
	// Hour of day (local) for the daily run.
	Hour int
	// RunTimeout bounds one sweep.
	RunTimeout time.Duration
}

// Reaper deletes expired anonymous data from both sides of the dual index.
type Reaper struct {
	graph   graphstore.GraphStore
	vectors vectorstore.VectorStore
	cfg     Config
	logger  *slog.Logger
	cron    *cron.Cron
	now     func() time.Time
}

// New creates a Reaper.
func New(graph graphstore.GraphStore, vectors vectorstore.VectorStore, cfg Config, logger *slog.Logger) *Reaper {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * 24 * time.Hour
	}
	if cfg.Hour < 0 || cfg.Hour > 23 {
		cfg.Hour = 3
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 10 * time.Minute
	}
	return &Reaper{
		graph:   graph,
		vectors: vectors,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Start schedules the daily sweep. Stop with Stop.
func (r *Reaper) Start() error {
	r.cron = cron.New()
	spec := fmt.Sprintf("0 %d * * *", r.cfg.Hour)
	_, err := r.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RunTimeout)
		defer cancel()
		if err := r.RunOnce(ctx); err != nil {
			r.logger.Error("reaper run failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule reaper: %w", err)
	}
	r.cron.Start()
	r.logger.Info("reaper scheduled", "cron", spec, "ttl", r.cfg.TTL)
	return nil
}

// Stop halts the schedule and waits for a running sweep.
func (r *Reaper) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// RunOnce executes one full sweep: expired anonymous graph data, the matching
// vector points, expired anonymous memories with their graph sub-structures,
// then the orphan sweep. Sections are best effort.
func (r *Reaper) RunOnce(ctx context.Context) error {
	cutoff := r.now().Add(-r.cfg.TTL)
	r.logger.Info("reaper sweep starting", "cutoff", cutoff)

	// Graph before vector: a failure in between leaves only unreferenced
	// vector points, which the orphan sweep reclaims.
	chunkIDs, err := r.graph.DeleteExpiredAnonymous(ctx, auth.AnonPrefix, cutoff)
	if err != nil {
		r.logger.Error("reaper: graph sweep failed", "error", err)
	} else if len(chunkIDs) > 0 {
		if err := r.vectors.DeleteByIDs(ctx, vectorstore.CollectionDocuments, chunkIDs); err != nil {
			r.logger.Error("reaper: chunk point delete failed", "error", err)
		}
	}

	expired := vectorstore.Filter{AnonOnly: true, CreatedBefore: cutoff}

	// Remaining expired document points (e.g. from partial ingests).
	if err := r.vectors.DeleteByFilter(ctx, vectorstore.CollectionDocuments, expired); err != nil {
		r.logger.Error("reaper: document point sweep failed", "error", err)
	}

	r.sweepMemories(ctx, expired)
	r.sweepOrphans(ctx)

	r.logger.Info("reaper sweep finished", "graph_chunks", len(chunkIDs))
	return nil
}

// sweepMemories removes expired anonymous memory entries. The graph
// sub-structure of each entry is cleaned explicitly before the points go,
// since nothing cascades between the stores.
func (r *Reaper) sweepMemories(ctx context.Context, expired vectorstore.Filter) {
	offset := ""
	for {
		points, next, err := r.vectors.Scroll(ctx, vectorstore.CollectionMemory, expired, scrollPageSize, offset)
		if err != nil {
			r.logger.Error("reaper: memory scroll failed", "error", err)
			return
		}
		for _, p := range points {
			if err := r.graph.DeleteMemoryEntities(ctx, p.TenantKey, p.ID); err != nil {
				r.logger.Warn("reaper: memory graph cleanup failed", "memory_id", p.ID, "error", err)
			}
		}
		if next == "" {
			break
		}
		offset = next
	}
	if err := r.vectors.DeleteByFilter(ctx, vectorstore.CollectionMemory, expired); err != nil {
		r.logger.Error("reaper: memory point sweep failed", "error", err)
	}
}

// sweepOrphans deletes document-collection points whose chunk node no longer
// exists in the graph, in bounded batches.
func (r *Reaper) sweepOrphans(ctx context.Context) {
	var batch []string
	offset := ""
	removed := 0
	for {
		points, next, err := r.vectors.Scroll(ctx, vectorstore.CollectionDocuments, vectorstore.Filter{}, scrollPageSize, offset)
		if err != nil {
			r.logger.Error("reaper: orphan scroll failed", "error", err)
			return
		}
		for _, p := range points {
			batch = append(batch, p.ID)
			if len(batch) >= orphanBatchSize {
				removed += r.deleteOrphans(ctx, batch)
				batch = batch[:0]
			}
		}
		if next == "" {
			break
		}
		offset = next
	}
	if len(batch) > 0 {
		removed += r.deleteOrphans(ctx, batch)
	}
	if removed > 0 {
		r.logger.Info("reaper: orphaned points removed", "count", removed)
	}
}

func (r *Reaper) deleteOrphans(ctx context.Context, ids []string) int {
	existing, err := r.graph.FilterExistingChunkIDs(ctx, ids)
	if err != nil {
		r.logger.Error("reaper: chunk existence check failed", "error", err)
		return 0
	}
	var orphans []string
	for _, id := range ids {
		if !existing[id] {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) == 0 {
		return 0
	}
	if err := r.vectors.DeleteByIDs(ctx, vectorstore.CollectionDocuments, orphans); err != nil {
		r.logger.Error("reaper: orphan delete failed", "error", err)
		return 0
	}
	return len(orphans)
}
