// Package workflow runs the durable document-comparison state machine: four
// nodes executed in fixed order, the full state checkpointed after each so a
// restart resumes from the last completed node.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/parchment-ai/ragserver/internal/auth"
	"github.com/parchment-ai/ragserver/internal/checkpoint"
	"github.com/parchment-ai/ragserver/internal/generation"
	"github.com/parchment-ai/ragserver/internal/graphstore"
	"github.com/parchment-ai/ragserver/internal/llm"
	"github.com/parchment-ai/ragserver/internal/retrieval"
)

// Node names, in execution order.
const (
	NodeRetrieve    = "retrieve"
	NodeExpandGraph = "expand_graph"
	NodeCompare     = "compare"
	NodeGenerate    = "generate"
	nodeDone        = "done"
)

var nodeOrder = []string{NodeRetrieve, NodeExpandGraph, NodeCompare, NodeGenerate}

const (
	minDocuments = 2
	maxDocuments = 5
	minQueryLen  = 10

	chunksPerDocument = 5
	// Edge budget for the whole expansion of one document's chunks.
	maxEdgesPerDocument = 50
	maxExpandHops       = 2
	// compareExcerptMax bounds each chunk text in the comparison prompt.
	compareExcerptMax = 500
	// citationExcerptMax bounds excerpts in emitted citations.
	citationExcerptMax = 200
)

// clipRunes truncates at a rune boundary; slicing bytes could split a
// multi-byte character mid-sequence.
func clipRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// Validation and authorization failures.
var (
	ErrTooFewDocuments  = errors.New("comparison needs at least 2 documents")
	ErrTooManyDocuments = errors.New("comparison allows at most 5 documents")
	ErrQueryTooShort    = errors.New("comparison query must be at least 10 characters")
)

// State is the full comparison state, serialized as the checkpoint payload.
type State struct {
	Query       string   `json:"query"`
	TenantKey   string   `json:"tenant_key"`
	DocumentIDs []string `json:"document_ids"`

	RetrievedChunks map[string][]retrieval.RetrievedChunk `json:"retrieved_chunks,omitempty"`
	GraphContext    map[string][]graphstore.EntityEdge    `json:"graph_context,omitempty"`

	Similarities []string `json:"similarities,omitempty"`
	Differences  []string `json:"differences,omitempty"`
	Insights     []string `json:"insights,omitempty"`

	Response  string                `json:"response,omitempty"`
	Citations []generation.Citation `json:"citations,omitempty"`
	Status    string                `json:"status"`
}

// Result is what the caller receives after the final node.
type Result struct {
	Response     string                `json:"response"`
	Similarities []string              `json:"similarities"`
	Differences  []string              `json:"differences"`
	Insights     []string              `json:"insights"`
	Citations    []generation.Citation `json:"citations"`
	// Resumed reports whether any node was skipped due to a checkpoint.
	Resumed bool `json:"resumed"`
}

// DocumentReader is the slice of the graph store the workflow needs for
// visibility checks.
type DocumentReader interface {
	GetDocument(ctx context.Context, tenantKeys []string, id string) (*graphstore.Document, error)
	ExpandEntities(ctx context.Context, tenantKeys []string, chunkID string, maxHops, limit int) ([]graphstore.EntityEdge, error)
}

// Workflow drives comparisons.
type Workflow struct {
	retriever   *retrieval.Retriever
	graph       DocumentReader
	llm         llm.LLM
	checkpoints checkpoint.Store
	model       string
	logger      *slog.Logger
}

// New creates a comparison workflow.
func New(
	retriever *retrieval.Retriever,
	graph DocumentReader,
	client llm.LLM,
	checkpoints checkpoint.Store,
	model string,
	logger *slog.Logger,
) *Workflow {
	return &Workflow{
		retriever:   retriever,
		graph:       graph,
		llm:         client,
		checkpoints: checkpoints,
		model:       model,
		logger:      logger,
	}
}

// ThreadID builds the checkpoint key. It always embeds the tenant key, so two
// tenants can never share a thread.
func ThreadID(tenantKey, sessionID string) string {
	return fmt.Sprintf("%s:doc_compare:%s", tenantKey, sessionID)
}

// Compare runs or resumes a comparison for the principal. A previous
// incomplete run with the same session resumes after its last completed node;
// a completed run is replayed from its checkpoint without recomputation.
func (w *Workflow) Compare(ctx context.Context, principal auth.Principal, sessionID, query string, documentIDs []string) (*Result, error) {
	query = strings.TrimSpace(query)
	if len(documentIDs) < minDocuments {
		return nil, ErrTooFewDocuments
	}
	if len(documentIDs) > maxDocuments {
		return nil, ErrTooManyDocuments
	}
	if len(query) < minQueryLen {
		return nil, ErrQueryTooShort
	}

	// Every document must be visible; an invisible one is an authorization
	// failure, never a silent drop.
	tenantKeys := principal.VisibleTenantKeys()
	for _, id := range documentIDs {
		if _, err := w.graph.GetDocument(ctx, tenantKeys, id); err != nil {
			if errors.Is(err, graphstore.ErrNotFound) {
				return nil, fmt.Errorf("document %s: %w", id, auth.ErrForbidden)
			}
			return nil, fmt.Errorf("failed to check document %s: %w", id, err)
		}
	}

	threadID := ThreadID(principal.TenantKey(), sessionID)
	state, completed, err := w.loadCheckpoint(ctx, threadID, principal.TenantKey(), query, documentIDs)
	if err != nil {
		return nil, err
	}
	resumed := completed != ""

	for _, node := range remainingNodes(completed) {
		start := time.Now()
		if err := w.runNode(ctx, node, principal, state); err != nil {
			return nil, fmt.Errorf("comparison node %s failed: %w", node, err)
		}
		if err := w.saveCheckpoint(ctx, threadID, node, state); err != nil {
			return nil, err
		}
		w.logger.Debug("comparison node completed", "thread_id", threadID, "node", node, "duration", time.Since(start))
	}

	return &Result{
		Response:     state.Response,
		Similarities: state.Similarities,
		Differences:  state.Differences,
		Insights:     state.Insights,
		Citations:    state.Citations,
		Resumed:      resumed,
	}, nil
}

// loadCheckpoint returns the state to continue from and the last completed
// node ("" for a fresh run). A checkpoint for a different query or document
// set starts over rather than resuming someone else's work.
func (w *Workflow) loadCheckpoint(ctx context.Context, threadID, tenantKey, query string, documentIDs []string) (*State, string, error) {
	fresh := &State{
		Query:       query,
		TenantKey:   tenantKey,
		DocumentIDs: documentIDs,
		Status:      "running",
	}

	record, err := w.checkpoints.Get(ctx, threadID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return fresh, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("checkpoint load failed: %w", err)
	}

	var state State
	if err := json.Unmarshal(record.State, &state); err != nil {
		w.logger.Warn("discarding unreadable checkpoint", "thread_id", threadID, "error", err)
		return fresh, "", nil
	}
	if state.Query != query || !sameIDs(state.DocumentIDs, documentIDs) {
		return fresh, "", nil
	}
	return &state, record.Node, nil
}

func (w *Workflow) saveCheckpoint(ctx context.Context, threadID, node string, state *State) error {
	if node == NodeGenerate {
		state.Status = "completed"
		node = nodeDone
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("checkpoint encode failed: %w", err)
	}
	if err := w.checkpoints.Put(ctx, checkpoint.Record{ThreadID: threadID, Node: node, State: payload}); err != nil {
		return fmt.Errorf("checkpoint save failed: %w", err)
	}
	return nil
}

// remainingNodes returns the nodes after the last completed one.
func remainingNodes(completed string) []string {
	if completed == "" {
		return nodeOrder
	}
	if completed == nodeDone {
		return nil
	}
	for i, node := range nodeOrder {
		if node == completed {
			return nodeOrder[i+1:]
		}
	}
	return nodeOrder
}

func (w *Workflow) runNode(ctx context.Context, node string, principal auth.Principal, state *State) error {
	switch node {
	case NodeRetrieve:
		return w.retrieve(ctx, principal, state)
	case NodeExpandGraph:
		return w.expandGraph(ctx, principal, state)
	case NodeCompare:
		return w.compare(ctx, state)
	case NodeGenerate:
		return w.generate(state)
	default:
		return fmt.Errorf("unknown node %q", node)
	}
}

// retrieve pulls the top chunks for each document separately so every
// document contributes context regardless of relative similarity.
func (w *Workflow) retrieve(ctx context.Context, principal auth.Principal, state *State) error {
	state.RetrievedChunks = make(map[string][]retrieval.RetrievedChunk, len(state.DocumentIDs))
	for _, docID := range state.DocumentIDs {
		result, err := w.retriever.RetrieveFor(ctx, principal, state.Query, []string{docID}, chunksPerDocument, retrieval.Options{})
		if err != nil {
			return fmt.Errorf("retrieval for document %s failed: %w", docID, err)
		}
		state.RetrievedChunks[docID] = result.Chunks
	}
	return nil
}

// expandGraph collects up to 50 entity edges per document across its
// retrieved chunks, two hops deep at most.
func (w *Workflow) expandGraph(ctx context.Context, principal auth.Principal, state *State) error {
	tenantKeys := principal.VisibleTenantKeys()
	state.GraphContext = make(map[string][]graphstore.EntityEdge, len(state.DocumentIDs))
	for _, docID := range state.DocumentIDs {
		budget := maxEdgesPerDocument
		var edges []graphstore.EntityEdge
		for _, chunk := range state.RetrievedChunks[docID] {
			if budget <= 0 {
				break
			}
			found, err := w.graph.ExpandEntities(ctx, tenantKeys, chunk.ID, maxExpandHops, budget)
			if err != nil {
				w.logger.Warn("graph expansion failed", "chunk_id", chunk.ID, "error", err)
				continue
			}
			edges = append(edges, found...)
			budget -= len(found)
		}
		state.GraphContext[docID] = edges
	}
	return nil
}

type comparisonAnalysis struct {
	Similarities []string `json:"similarities"`
	Differences  []string `json:"differences"`
	Insights     []string `json:"insights"`
}

const compareSystemPrompt = `You compare documents. Respond with a JSON object of the form
{"similarities":["..."],"differences":["..."],"insights":["..."]}. Respond with JSON only.`

// compare makes a single LLM call over all documents. Parse failures degrade:
// strict JSON, then heading extraction, then empty arrays. The workflow never
// stops here.
func (w *Workflow) compare(ctx context.Context, state *State) error {
	prompt := w.buildComparePrompt(state)
	response, err := w.llm.Generate(ctx, prompt, llm.GenerateOptions{
		Model:        w.model,
		SystemPrompt: compareSystemPrompt,
		Temperature:  0.2,
		JSONFormat:   true,
	})
	if err != nil {
		w.logger.Warn("comparison analysis call failed", "error", err)
		state.Similarities, state.Differences, state.Insights = []string{}, []string{}, []string{}
		return nil
	}

	analysis := parseAnalysis(response)
	state.Similarities = analysis.Similarities
	state.Differences = analysis.Differences
	state.Insights = analysis.Insights
	return nil
}

func (w *Workflow) buildComparePrompt(state *State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n", state.Query)
	for i, docID := range state.DocumentIDs {
		chunks := state.RetrievedChunks[docID]
		name := docID
		if len(chunks) > 0 && chunks[0].Filename != "" {
			name = chunks[0].Filename
		}
		fmt.Fprintf(&b, "Document %d: %s\n", i+1, name)
		for _, chunk := range chunks {
			fmt.Fprintf(&b, "- %s\n", clipRunes(chunk.Text, compareExcerptMax))
		}
		for _, edge := range state.GraphContext[docID] {
			fmt.Fprintf(&b, "  related: %s %s %s\n", edge.Source, edge.Relation, edge.Target)
		}
		b.WriteString("\n")
	}
	b.WriteString("Compare these documents with respect to the question.")
	return b.String()
}

// parseAnalysis tries strict JSON first, then heading-based extraction, and
// finally returns empty arrays.
func parseAnalysis(response string) comparisonAnalysis {
	var analysis comparisonAnalysis
	if err := json.Unmarshal([]byte(response), &analysis); err == nil {
		return normalizeAnalysis(analysis)
	}
	// Models sometimes wrap JSON in fences or prose.
	if start, end := strings.Index(response, "{"), strings.LastIndex(response, "}"); start >= 0 && end > start {
		if err := json.Unmarshal([]byte(response[start:end+1]), &analysis); err == nil {
			return normalizeAnalysis(analysis)
		}
	}
	return comparisonAnalysis{
		Similarities: extractSection(response, "similarities"),
		Differences:  extractSection(response, "differences"),
		Insights:     extractSection(response, "insights"),
	}
}

func normalizeAnalysis(a comparisonAnalysis) comparisonAnalysis {
	if a.Similarities == nil {
		a.Similarities = []string{}
	}
	if a.Differences == nil {
		a.Differences = []string{}
	}
	if a.Insights == nil {
		a.Insights = []string{}
	}
	return a
}

// extractSection pulls bullet lines under a heading that mentions the given
// word, case-insensitive.
func extractSection(text, heading string) []string {
	lines := strings.Split(text, "\n")
	items := []string{}
	inSection := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		if strings.Contains(lower, heading) && !strings.HasPrefix(trimmed, "-") && !strings.HasPrefix(trimmed, "*") {
			inSection = true
			continue
		}
		if !inSection {
			continue
		}
		if strings.HasPrefix(trimmed, "-") || strings.HasPrefix(trimmed, "*") {
			item := strings.TrimSpace(strings.TrimLeft(trimmed, "-* "))
			if item != "" {
				items = append(items, item)
			}
			continue
		}
		if trimmed == "" {
			continue
		}
		// A new heading ends the section.
		inSection = false
	}
	return items
}

// generate assembles the markdown response and citations. Purely local, no
// LLM call: the analysis is already computed.
func (w *Workflow) generate(state *State) error {
	var b strings.Builder
	fmt.Fprintf(&b, "## Comparison: %s\n\n", state.Query)

	writeList := func(title string, items []string) {
		fmt.Fprintf(&b, "### %s\n\n", title)
		if len(items) == 0 {
			b.WriteString("_None identified._\n\n")
			return
		}
		for _, item := range items {
			fmt.Fprintf(&b, "- %s\n", item)
		}
		b.WriteString("\n")
	}
	writeList("Similarities", state.Similarities)
	writeList("Differences", state.Differences)
	writeList("Insights", state.Insights)

	state.Citations = nil
	for _, docID := range state.DocumentIDs {
		for _, chunk := range state.RetrievedChunks[docID] {
			excerpt := clipRunes(chunk.Text, citationExcerptMax)
			state.Citations = append(state.Citations, generation.Citation{
				DocumentID: chunk.DocumentID,
				ChunkID:    chunk.ID,
				Filename:   chunk.Filename,
				Excerpt:    excerpt,
			})
		}
	}

	state.Response = b.String()
	return nil
}

func sameIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
