// Package memory stores per-tenant facts and conversation history in the
// dual index: embedded entries in the vector store's memory collection plus
// entity edges in the graph's memory sub-partition.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parchment-ai/ragserver/internal/auth"
	"github.com/parchment-ai/ragserver/internal/embedder"
	"github.com/parchment-ai/ragserver/internal/graphstore"
	"github.com/parchment-ai/ragserver/internal/ingestion"
	"github.com/parchment-ai/ragserver/internal/llm"
	"github.com/parchment-ai/ragserver/internal/vectorstore"
)

// Entry types. Historical summaries are stored as facts carrying the
// summaryPrefix marker.
const (
	TypeFact         = "fact"
	TypeConversation = "conversation"
	TypePreference   = "preference"
	TypeShared       = "shared"
)

const (
	summaryPrefix        = "[Historical Summary]"
	criticalFactsHeading = "Critical Facts:"
	scrollPageSize       = 256
)

// Entry is one memory record.
type Entry struct {
	ID        string    `json:"id"`
	TenantKey string    `json:"tenant_key"`
	Text      string    `json:"text"`
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Role      string    `json:"role,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Score     float32   `json:"score,omitempty"`
}

// Shared reports whether the entry lives under the shared tenant.
func (e Entry) Shared() bool {
	return e.TenantKey == auth.SharedTenantKey
}

// Metadata is the caller-supplied part of an entry.
type Metadata struct {
	Type      string
	SessionID string
	Role      string
}

// EntityExtractor names entities in memory text for the graph sub-partition.
type EntityExtractor interface {
	Extract(ctx context.Context, text string) ([]graphstore.Entity, error)
}

// Config tunes auto-summarization.
type Config struct {
	// MaxTokens is the budget for one tenant's memory corpus.
	MaxTokens int
	// SummarizeRatio of MaxTokens triggers folding (0 < ratio <= 1).
	SummarizeRatio float64
	// KeepRecent entries are never folded into a summary.
	KeepRecent int
	// Model used for the summarization call.
	Model string
}

// Store is the memory store over the dual index.
type Store struct {
	vectors   vectorstore.VectorStore
	graph     graphstore.GraphStore
	embedder  embedder.Embedder
	llm       llm.LLM
	extractor EntityExtractor
	cfg       Config
	logger    *slog.Logger
}

// NewStore creates a memory store. extractor and client may be nil, disabling
// graph linking and auto-summarization respectively.
func NewStore(
	vectors vectorstore.VectorStore,
	graph graphstore.GraphStore,
	emb embedder.Embedder,
	client llm.LLM,
	extractor EntityExtractor,
	cfg Config,
	logger *slog.Logger,
) *Store {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4000
	}
	if cfg.SummarizeRatio <= 0 || cfg.SummarizeRatio > 1 {
		cfg.SummarizeRatio = 0.75
	}
	if cfg.KeepRecent <= 0 {
		cfg.KeepRecent = 5
	}
	return &Store{
		vectors:   vectors,
		graph:     graph,
		embedder:  emb,
		llm:       client,
		extractor: extractor,
		cfg:       cfg,
		logger:    logger,
	}
}

// Add creates a memory entry under the tenant key: the text is embedded into
// the memory collection and its entities linked in the graph. Add may fold
// older entries into a historical summary when the tenant's corpus exceeds
// its token budget.
func (s *Store) Add(ctx context.Context, tenantKey, text string, meta Metadata) (*Entry, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("memory text is empty")
	}
	if meta.Type == "" {
		meta.Type = TypeFact
	}

	entry := Entry{
		ID:        uuid.New().String(),
		TenantKey: tenantKey,
		Text:      text,
		Type:      meta.Type,
		SessionID: meta.SessionID,
		Role:      meta.Role,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.addEntry(ctx, entry); err != nil {
		return nil, err
	}

	if err := s.maybeSummarize(ctx, tenantKey); err != nil {
		s.logger.Warn("memory summarization failed", "tenant_key", tenantKey, "error", err)
	}

	return &entry, nil
}

// addEntry embeds and writes one entry without triggering summarization.
func (s *Store) addEntry(ctx context.Context, entry Entry) error {
	vector, err := s.embedder.Embed(ctx, entry.Text)
	if err != nil {
		return fmt.Errorf("failed to embed memory: %w", err)
	}

	if err := s.vectors.Upsert(ctx, vectorstore.CollectionMemory, []vectorstore.Point{pointFromEntry(entry, vector)}); err != nil {
		return fmt.Errorf("failed to store memory: %w", err)
	}

	// Graph linking is best effort; the entry is already searchable.
	if s.extractor != nil {
		if ents, err := s.extractor.Extract(ctx, entry.Text); err != nil {
			s.logger.Warn("memory entity extraction failed", "memory_id", entry.ID, "error", err)
		} else if len(ents) > 0 {
			if err := s.graph.AddMemoryEntities(ctx, entry.TenantKey, entry.ID, ents); err != nil {
				s.logger.Warn("memory entity linking failed", "memory_id", entry.ID, "error", err)
			}
		}
	}
	return nil
}

// AddShared writes an entry under the shared sentinel tenant. The caller is
// responsible for the admin check.
func (s *Store) AddShared(ctx context.Context, text string, meta Metadata) (*Entry, error) {
	if meta.Type == "" {
		meta.Type = TypeShared
	}
	return s.Add(ctx, auth.SharedTenantKey, text, meta)
}

// Search returns the top-k entries across the given tenant keys ranked by
// similarity to the query.
func (s *Store) Search(ctx context.Context, tenantKeys []string, query string, k int) ([]Entry, error) {
	if k <= 0 {
		k = 5
	}
	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed memory query: %w", err)
	}
	hits, err := s.vectors.Search(ctx, vectorstore.CollectionMemory, vector, vectorstore.Filter{TenantKeys: tenantKeys}, k, 0)
	if err != nil {
		return nil, fmt.Errorf("memory search failed: %w", err)
	}
	entries := make([]Entry, 0, len(hits))
	for _, hit := range hits {
		entries = append(entries, entryFromSearchResult(hit))
	}
	return entries, nil
}

// SearchFor searches the principal's visible tenants: own plus shared for
// authenticated users, own only for anonymous sessions.
func (s *Store) SearchFor(ctx context.Context, principal auth.Principal, query string, k int) ([]Entry, error) {
	return s.Search(ctx, principal.VisibleTenantKeys(), query, k)
}

// List returns every entry under one tenant key, oldest first.
func (s *Store) List(ctx context.Context, tenantKey string) ([]Entry, error) {
	var entries []Entry
	offset := ""
	for {
		points, next, err := s.vectors.Scroll(ctx, vectorstore.CollectionMemory, vectorstore.Filter{TenantKeys: []string{tenantKey}}, scrollPageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("memory list failed: %w", err)
		}
		for _, p := range points {
			entries = append(entries, entryFromPoint(p))
		}
		if next == "" {
			break
		}
		offset = next
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].ID < entries[j].ID
	})
	return entries, nil
}

// Delete removes an entry and its graph sub-structure. The underlying
// frameworks do not cascade between the two stores, so both cleanups are
// explicit. Returns graphstore.ErrNotFound when the tenant owns no such entry.
func (s *Store) Delete(ctx context.Context, tenantKey, id string) error {
	entries, err := s.List(ctx, tenantKey)
	if err != nil {
		return err
	}
	found := false
	for _, e := range entries {
		if e.ID == id {
			found = true
			break
		}
	}
	if !found {
		return graphstore.ErrNotFound
	}

	if err := s.graph.DeleteMemoryEntities(ctx, tenantKey, id); err != nil {
		return fmt.Errorf("failed to delete memory graph data: %w", err)
	}
	if err := s.vectors.DeleteByIDs(ctx, vectorstore.CollectionMemory, []string{id}); err != nil {
		return fmt.Errorf("failed to delete memory point: %w", err)
	}
	return nil
}

// RecordExchange stores one side of a conversation turn for a session.
func (s *Store) RecordExchange(ctx context.Context, tenantKey, sessionID, role, text string) error {
	_, err := s.Add(ctx, tenantKey, text, Metadata{Type: TypeConversation, SessionID: sessionID, Role: role})
	return err
}

// ConversationHistory returns the last n conversation entries of a session in
// chronological order.
func (s *Store) ConversationHistory(ctx context.Context, tenantKey, sessionID string, n int) ([]Entry, error) {
	entries, err := s.List(ctx, tenantKey)
	if err != nil {
		return nil, err
	}
	var history []Entry
	for _, e := range entries {
		if e.Type == TypeConversation && e.SessionID == sessionID {
			history = append(history, e)
		}
	}
	if n > 0 && len(history) > n {
		history = history[len(history)-n:]
	}
	return history, nil
}

// maybeSummarize folds the tenant's oldest entries into a single historical
// summary when the corpus exceeds its token budget. The KeepRecent newest
// entries are never folded; critical-facts sections of earlier summaries are
// carried forward verbatim, never re-summarized.
func (s *Store) maybeSummarize(ctx context.Context, tenantKey string) error {
	if s.llm == nil {
		return nil
	}

	entries, err := s.List(ctx, tenantKey)
	if err != nil {
		return err
	}

	total := 0
	for _, e := range entries {
		total += ingestion.EstimateTokens(e.Text)
	}
	threshold := int(float64(s.cfg.MaxTokens) * s.cfg.SummarizeRatio)
	if total <= threshold {
		return nil
	}
	if len(entries) <= s.cfg.KeepRecent+1 {
		return nil
	}

	// Entries are oldest-first; everything before the keep window folds.
	fold := entries[:len(entries)-s.cfg.KeepRecent]

	var carried []string
	var texts []string
	for _, e := range fold {
		if strings.HasPrefix(e.Text, summaryPrefix) {
			narrative, facts := splitCriticalFacts(e.Text)
			carried = append(carried, facts...)
			if narrative != "" {
				texts = append(texts, narrative)
			}
			continue
		}
		texts = append(texts, e.Text)
	}

	summary, facts, err := s.summarize(ctx, texts)
	if err != nil {
		return err
	}
	facts = append(facts, carried...)

	var b strings.Builder
	b.WriteString(summaryPrefix)
	b.WriteString("\n")
	b.WriteString(summary)
	if len(facts) > 0 {
		b.WriteString("\n\n")
		b.WriteString(criticalFactsHeading)
		b.WriteString("\n")
		for _, fact := range dedupeStrings(facts) {
			b.WriteString("- ")
			b.WriteString(fact)
			b.WriteString("\n")
		}
	}

	// Write the summary before deleting originals; a crash mid-way leaves
	// duplicates, not data loss.
	summaryEntry := Entry{
		ID:        uuid.New().String(),
		TenantKey: tenantKey,
		Text:      b.String(),
		Type:      TypeFact,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.addEntry(ctx, summaryEntry); err != nil {
		return fmt.Errorf("failed to store summary: %w", err)
	}
	for _, e := range fold {
		if err := s.Delete(ctx, tenantKey, e.ID); err != nil {
			s.logger.Warn("failed to delete folded memory", "memory_id", e.ID, "error", err)
		}
	}
	return nil
}

const summarizePrompt = `Summarize the following memory entries into a concise paragraph.
Preserve all named entities, dates, and decisions exactly as written; list them
under a "Critical Facts:" heading as bullet points after the paragraph.

Entries:
%s`

func (s *Store) summarize(ctx context.Context, texts []string) (summary string, facts []string, err error) {
	prompt := fmt.Sprintf(summarizePrompt, strings.Join(texts, "\n---\n"))
	response, err := s.llm.Generate(ctx, prompt, llm.GenerateOptions{
		Model:       s.cfg.Model,
		Temperature: 0.1,
	})
	if err != nil {
		return "", nil, fmt.Errorf("summary generation failed: %w", err)
	}
	narrative, facts := splitCriticalFacts(response)
	if narrative == "" {
		narrative = strings.TrimSpace(response)
	}
	return narrative, facts, nil
}

// splitCriticalFacts separates a summary into its narrative and the bullet
// lines under the critical-facts heading.
func splitCriticalFacts(text string) (narrative string, facts []string) {
	text = strings.TrimSpace(strings.TrimPrefix(text, summaryPrefix))
	idx := strings.Index(text, criticalFactsHeading)
	if idx < 0 {
		return strings.TrimSpace(text), nil
	}
	narrative = strings.TrimSpace(text[:idx])
	for _, line := range strings.Split(text[idx+len(criticalFactsHeading):], "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if line != "" {
			facts = append(facts, line)
		}
	}
	return narrative, facts
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		key := strings.ToLower(s)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}

func pointFromEntry(e Entry, vector []float32) vectorstore.Point {
	return vectorstore.Point{
		ID:        e.ID,
		TenantKey: e.TenantKey,
		Text:      e.Text,
		Anonymous: strings.HasPrefix(e.TenantKey, auth.AnonPrefix),
		CreatedAt: e.CreatedAt,
		Vector:    vector,
		Metadata: map[string]string{
			"type":       e.Type,
			"session_id": e.SessionID,
			"role":       e.Role,
		},
	}
}

func entryFromPoint(p vectorstore.Point) Entry {
	return Entry{
		ID:        p.ID,
		TenantKey: p.TenantKey,
		Text:      p.Text,
		Type:      p.Metadata["type"],
		SessionID: p.Metadata["session_id"],
		Role:      p.Metadata["role"],
		CreatedAt: p.CreatedAt,
	}
}

func entryFromSearchResult(r vectorstore.SearchResult) Entry {
	return Entry{
		ID:        r.ID,
		TenantKey: r.TenantKey,
		Text:      r.Text,
		Type:      r.Metadata["type"],
		SessionID: r.Metadata["session_id"],
		Role:      r.Metadata["role"],
		Score:     r.Score,
	}
}
