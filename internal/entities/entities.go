// Package entities extracts named entities from text with an LLM call,
// feeding both graph indexing and graph-side retrieval.
package entities

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/parchment-ai/ragserver/internal/graphstore"
	"github.com/parchment-ai/ragserver/internal/llm"
)

const extractionSystemPrompt = `You extract named entities from text.
Respond with a JSON object of the form {"entities":[{"name":"...","type":"..."}]}.
Types: person, organization, location, product, event, date, other.
Return at most 10 entities. Respond with JSON only.`

// Extractor asks the LLM for named entities with a bounded time budget.
type Extractor struct {
	llm     llm.LLM
	model   string
	timeout time.Duration
}

// NewExtractor creates an entity extractor. timeout bounds each call; on
// expiry callers treat the result as empty.
func NewExtractor(client llm.LLM, model string, timeout time.Duration) *Extractor {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Extractor{llm: client, model: model, timeout: timeout}
}

type extractionResponse struct {
	Entities []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"entities"`
}

// Extract returns the entities named in the text. Errors and timeouts are
// returned to the caller, which decides whether they are fatal; retrieval
// treats them as an empty result.
func (e *Extractor) Extract(ctx context.Context, text string) ([]graphstore.Entity, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	response, err := e.llm.Generate(ctx, text, llm.GenerateOptions{
		Model:        e.model,
		SystemPrompt: extractionSystemPrompt,
		Temperature:  0.1,
		JSONFormat:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("entity extraction failed: %w", err)
	}

	var parsed extractionResponse
	if err := json.Unmarshal([]byte(response), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse entity response: %w", err)
	}

	entities := make([]graphstore.Entity, 0, len(parsed.Entities))
	seen := make(map[string]bool)
	for _, ent := range parsed.Entities {
		name := strings.TrimSpace(ent.Name)
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		entities = append(entities, graphstore.Entity{Name: name, Type: ent.Type})
	}
	return entities, nil
}

// Names returns just the entity names, for graph lookups.
func Names(entities []graphstore.Entity) []string {
	names := make([]string, len(entities))
	for i, e := range entities {
		names[i] = e.Name
	}
	return names
}
