package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/parchment-ai/ragserver/internal/kvstore"
)

// Stage is an ingestion pipeline stage.
type Stage string

const (
	StagePending     Stage = "pending"
	StageExtracting  Stage = "extracting"
	StageChunking    Stage = "chunking"
	StageEmbedding   Stage = "embedding"
	StageIndexing    Stage = "indexing"
	StageSummarizing Stage = "summarizing"
	StageCompleted   Stage = "completed"
	StageFailed      Stage = "failed"
)

// ErrTaskNotFound is returned when no task record exists for a document.
var ErrTaskNotFound = errors.New("task not found")

// TaskRecord tracks the progress of one document's ingestion.
type TaskRecord struct {
	DocumentID string    `json:"document_id"`
	Stage      Stage     `json:"stage"`
	Progress   int       `json:"progress"` // 0-100
	Message    string    `json:"message"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Error      string    `json:"error,omitempty"`
}

// TaskTracker records and serves task progress. The in-memory implementation
// suits a single process; the Redis implementation supports horizontal scale.
type TaskTracker interface {
	Set(ctx context.Context, rec TaskRecord) error
	Get(ctx context.Context, documentID string) (*TaskRecord, error)
}

// MemoryTracker is an in-process tracker: a mutex-guarded map with a
// background TTL sweep.
type MemoryTracker struct {
	mu    sync.RWMutex
	tasks map[string]TaskRecord
	ttl   time.Duration
}

// NewMemoryTracker creates a tracker whose records expire after ttl.
func NewMemoryTracker(ttl time.Duration) *MemoryTracker {
	if ttl <= 0 {
		ttl = time.Hour
	}
	t := &MemoryTracker{
		tasks: make(map[string]TaskRecord),
		ttl:   ttl,
	}

	// Start cleanup goroutine
	go t.cleanupLoop()

	return t
}

func (t *MemoryTracker) Set(_ context.Context, rec TaskRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec.UpdatedAt = time.Now()
	if existing, ok := t.tasks[rec.DocumentID]; ok && rec.StartedAt.IsZero() {
		rec.StartedAt = existing.StartedAt
	} else if rec.StartedAt.IsZero() {
		rec.StartedAt = rec.UpdatedAt
	}
	t.tasks[rec.DocumentID] = rec
	return nil
}

func (t *MemoryTracker) Get(_ context.Context, documentID string) (*TaskRecord, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.tasks[documentID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return &rec, nil
}

// cleanupLoop periodically removes expired task records.
func (t *MemoryTracker) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		t.cleanup()
	}
}

func (t *MemoryTracker) cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for id, rec := range t.tasks {
		if now.Sub(rec.UpdatedAt) > t.ttl {
			delete(t.tasks, id)
		}
	}
}

// RedisTracker stores task records in the KV store under the task: prefix,
// letting any process serve status reads.
type RedisTracker struct {
	kv  *kvstore.Store
	ttl time.Duration
}

// NewRedisTracker creates a KV-backed tracker.
func NewRedisTracker(kv *kvstore.Store, ttl time.Duration) *RedisTracker {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisTracker{kv: kv, ttl: ttl}
}

func (t *RedisTracker) Set(ctx context.Context, rec TaskRecord) error {
	rec.UpdatedAt = time.Now()
	if rec.StartedAt.IsZero() {
		if existing, err := t.Get(ctx, rec.DocumentID); err == nil {
			rec.StartedAt = existing.StartedAt
		} else {
			rec.StartedAt = rec.UpdatedAt
		}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal task record: %w", err)
	}
	return t.kv.PutTask(ctx, rec.DocumentID, data, t.ttl)
}

func (t *RedisTracker) Get(ctx context.Context, documentID string) (*TaskRecord, error) {
	data, err := t.kv.GetTask(ctx, documentID)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec TaskRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task record: %w", err)
	}
	return &rec, nil
}

// Ensure both trackers implement TaskTracker.
var (
	_ TaskTracker = (*MemoryTracker)(nil)
	_ TaskTracker = (*RedisTracker)(nil)
)
