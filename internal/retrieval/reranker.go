package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/parchment-ai/ragserver/internal/llm"
)

// Reranker re-orders retrieved chunks by relevance to the query.
//
// Reranking scores each query-chunk pair together rather than relying on
// independent embedding similarity. It adds an extra LLM call per query, so
// it is opt-in per request via Options.Rerank.
type Reranker interface {
	Rerank(ctx context.Context, query string, chunks []RetrievedChunk, topK int) ([]RetrievedChunk, error)
}

// WithReranker attaches a reranker to the retriever. Requests opt in via
// Options.Rerank; without a reranker the flag is ignored.
func (r *Retriever) WithReranker(rr Reranker) *Retriever {
	r.reranker = rr
	return r
}

const rerankExcerptMax = 500

// clipRunes truncates at a rune boundary; slicing bytes could split a
// multi-byte character mid-sequence.
func clipRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

// LLMReranker scores query-chunk pairs with a single LLM call asking for a
// JSON score list. Parse failures fall back to the hybrid ordering.
type LLMReranker struct {
	client llm.LLM
	model  string
}

// NewLLMReranker creates an LLM-based reranker.
func NewLLMReranker(client llm.LLM, model string) *LLMReranker {
	return &LLMReranker{client: client, model: model}
}

type relevanceScore struct {
	ChunkIndex int     `json:"chunk_index"`
	Score      float32 `json:"score"`
}

type rerankResponse struct {
	Scores []relevanceScore `json:"scores"`
}

// Rerank replaces each chunk's score with the model's relevance rating and
// re-sorts. On any LLM or parse failure the input ordering is kept.
func (r *LLMReranker) Rerank(ctx context.Context, query string, chunks []RetrievedChunk, topK int) ([]RetrievedChunk, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	if topK <= 0 || topK > len(chunks) {
		topK = len(chunks)
	}

	response, err := r.client.Generate(ctx, r.buildPrompt(query, chunks), llm.GenerateOptions{
		Model:       r.model,
		Temperature: 0.0,
		MaxTokens:   1024,
	})
	if err != nil {
		return nil, fmt.Errorf("rerank call failed: %w", err)
	}

	scores, err := parseRerankResponse(response, len(chunks))
	if err != nil {
		return chunks[:topK], nil
	}

	reranked := make([]RetrievedChunk, len(chunks))
	copy(reranked, chunks)
	for i := range reranked {
		reranked[i].Score = scores[i]
	}
	sortChunks(reranked)
	return reranked[:topK], nil
}

func (r *LLMReranker) buildPrompt(query string, chunks []RetrievedChunk) string {
	var sb strings.Builder
	sb.WriteString("You are a relevance scoring system. Score each passage's relevance to the query.\n\n")
	sb.WriteString("Query: ")
	sb.WriteString(query)
	sb.WriteString("\n\nPassages to score:\n")
	for i, chunk := range chunks {
		fmt.Fprintf(&sb, "[Passage %d]: %s\n\n", i, clipRunes(chunk.Text, rerankExcerptMax))
	}
	sb.WriteString(`Score each passage from 0.0 to 1.0 based on relevance to the query.
Output ONLY valid JSON in this exact format:
{"scores": [{"chunk_index": 0, "score": 0.9}, {"chunk_index": 1, "score": 0.3}]}

Be strict: irrelevant passages should score below 0.3, somewhat relevant 0.3-0.7, highly relevant above 0.7.
Output only JSON, no explanation:`)
	return sb.String()
}

// parseRerankResponse extracts per-chunk scores, tolerating markdown fences.
// Missing entries default to 0.5; out-of-range scores are clamped.
func parseRerankResponse(response string, n int) ([]float32, error) {
	response = strings.TrimSpace(response)

	if idx := strings.Index(response, "```json"); idx != -1 {
		start := idx + 7
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	} else if idx := strings.Index(response, "```"); idx != -1 {
		start := idx + 3
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	}

	var parsed rerankResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(response)), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse rerank response: %w", err)
	}

	scores := make([]float32, n)
	for i := range scores {
		scores[i] = 0.5
	}
	for _, s := range parsed.Scores {
		if s.ChunkIndex < 0 || s.ChunkIndex >= n {
			continue
		}
		score := s.Score
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		scores[s.ChunkIndex] = score
	}
	return scores, nil
}

var _ Reranker = (*LLMReranker)(nil)
