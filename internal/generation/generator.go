// Package generation assembles prompts from retrieved context and memory,
// drives the LLM, and produces answers with citations and a confidence score,
// either complete or as an ordered event stream.
package generation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/parchment-ai/ragserver/internal/llm"
	"github.com/parchment-ai/ragserver/internal/memory"
	"github.com/parchment-ai/ragserver/internal/retrieval"
)

// Confidence level thresholds.
const (
	highThreshold   = 0.75
	mediumThreshold = 0.5
)

const (
	LevelHigh   = "high"
	LevelMedium = "medium"
	LevelLow    = "low"
)

// Citation points at the retrieved chunk supporting part of an answer.
// Citations are built from retrieved chunks only, never invented.
type Citation struct {
	DocumentID string `json:"document_id"`
	ChunkID    string `json:"chunk_id"`
	Filename   string `json:"filename"`
	Excerpt    string `json:"excerpt"`
}

// Confidence scores how well the context supports the answer.
type Confidence struct {
	Score float64 `json:"score"`
	Level string  `json:"level"`
}

// Answer is a complete non-streamed response.
type Answer struct {
	Text       string     `json:"answer"`
	Citations  []Citation `json:"citations"`
	Confidence Confidence `json:"confidence"`
}

// EventType enumerates stream event kinds.
type EventType string

const (
	EventStatus     EventType = "status"
	EventCitations  EventType = "citations"
	EventToken      EventType = "token"
	EventConfidence EventType = "confidence"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// Event is one element of an answer stream. Exactly one payload field is set,
// keyed by Type.
type Event struct {
	Type       EventType
	Status     string
	Token      string
	Citations  []Citation
	Confidence *Confidence
	Err        error
}

// Config tunes the generator.
type Config struct {
	Model string
	// Temperature for answer generation; judge and summary calls run colder.
	Temperature float32
	// RefusalPhrase is emitted verbatim when the context cannot support an
	// answer, so callers and tests can match it exactly.
	RefusalPhrase string
	// CitationExcerptMax bounds excerpt length in runes.
	CitationExcerptMax int
}

// Generator turns retrieved context into answers.
type Generator struct {
	llm    llm.LLM
	cfg    Config
	logger *slog.Logger
}

// NewGenerator creates a Generator.
func NewGenerator(client llm.LLM, cfg Config, logger *slog.Logger) *Generator {
	if cfg.CitationExcerptMax <= 0 {
		cfg.CitationExcerptMax = 200
	}
	if cfg.RefusalPhrase == "" {
		cfg.RefusalPhrase = "I don't know based on the provided documents."
	}
	return &Generator{llm: client, cfg: cfg, logger: logger}
}

// Input carries everything prompt assembly needs.
type Input struct {
	Query     string
	Retrieved *retrieval.Result
	// Memories are fact/preference entries visible to the principal.
	Memories []memory.Entry
	// History is the session's recent conversation, chronological.
	History []memory.Entry
}

// Answer generates a complete response.
func (g *Generator) Answer(ctx context.Context, in Input) (*Answer, error) {
	prompt := g.buildPrompt(in)

	completion, err := g.llm.Complete(ctx, prompt, llm.GenerateOptions{
		Model:        g.cfg.Model,
		SystemPrompt: g.systemPrompt(),
		Temperature:  g.cfg.Temperature,
		Logprobs:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("generation failed: %w", err)
	}

	text := strings.TrimSpace(completion.Text)
	answer := &Answer{
		Text:       text,
		Citations:  g.Citations(in.Retrieved),
		Confidence: g.confidence(ctx, in.Query, text, completion.Logprobs),
	}
	if g.IsRefusal(text) {
		answer.Citations = nil
	}
	return answer, nil
}

// StreamAnswer generates a response as an ordered event stream:
// citations, status(generating), token*, confidence, done. The channel closes
// after done or error. Cancellation is checked between tokens.
func (g *Generator) StreamAnswer(ctx context.Context, in Input) <-chan Event {
	events := make(chan Event)
	go func() {
		defer close(events)

		if !emit(ctx, events, Event{Type: EventCitations, Citations: g.Citations(in.Retrieved)}) {
			return
		}
		if !emit(ctx, events, Event{Type: EventStatus, Status: "generating"}) {
			return
		}

		stream, err := g.llm.GenerateStream(ctx, g.buildPrompt(in), llm.GenerateOptions{
			Model:        g.cfg.Model,
			SystemPrompt: g.systemPrompt(),
			Temperature:  g.cfg.Temperature,
			Logprobs:     true,
		})
		if err != nil {
			emit(ctx, events, Event{Type: EventError, Err: fmt.Errorf("generation failed: %w", err)})
			return
		}

		var text strings.Builder
		var logprobs []float64
		for chunk := range stream {
			if chunk.Error != nil {
				emit(ctx, events, Event{Type: EventError, Err: chunk.Error})
				return
			}
			if chunk.Token != "" {
				text.WriteString(chunk.Token)
				if chunk.Logprob != nil {
					logprobs = append(logprobs, *chunk.Logprob)
				}
				if !emit(ctx, events, Event{Type: EventToken, Token: chunk.Token}) {
					return
				}
			}
			if chunk.Done {
				break
			}
		}

		confidence := g.confidence(ctx, in.Query, text.String(), logprobs)
		if !emit(ctx, events, Event{Type: EventConfidence, Confidence: &confidence}) {
			return
		}
		emit(ctx, events, Event{Type: EventDone})
	}()
	return events
}

// emit sends unless the context is cancelled; false means stop streaming.
func emit(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// IsRefusal reports whether the text is the configured refusal phrase.
func (g *Generator) IsRefusal(text string) bool {
	return strings.TrimSpace(text) == g.cfg.RefusalPhrase
}

// Citations builds one citation per retrieved chunk, excerpts bounded.
func (g *Generator) Citations(result *retrieval.Result) []Citation {
	if result == nil {
		return nil
	}
	citations := make([]Citation, 0, len(result.Chunks))
	for _, chunk := range result.Chunks {
		citations = append(citations, Citation{
			DocumentID: chunk.DocumentID,
			ChunkID:    chunk.ID,
			Filename:   chunk.Filename,
			Excerpt:    truncateRunes(chunk.Text, g.cfg.CitationExcerptMax),
		})
	}
	return citations
}

func (g *Generator) systemPrompt() string {
	return "You are a document question-answering assistant. Answer strictly from the provided context. " +
		"If the context is insufficient to answer the question, reply with exactly: " + g.cfg.RefusalPhrase
}

// buildPrompt assembles the deterministic user prompt: context blocks in
// retrieval order, then memory entries, then conversation history, then the
// query.
func (g *Generator) buildPrompt(in Input) string {
	var b strings.Builder

	edgesByChunk := map[string][]string{}
	if in.Retrieved != nil {
		for _, gc := range in.Retrieved.GraphContext {
			for _, edge := range gc.Edges {
				edgesByChunk[gc.ChunkID] = append(edgesByChunk[gc.ChunkID],
					fmt.Sprintf("(hop %d) %s %s %s", edge.Hop, edge.Source, edge.Relation, edge.Target))
			}
		}
		if len(in.Retrieved.Chunks) > 0 {
			b.WriteString("Context:\n\n")
		}
		for _, chunk := range in.Retrieved.Chunks {
			fmt.Fprintf(&b, "[Source: %s]\n", chunk.Filename)
			if len(chunk.MatchedEntities) > 0 {
				fmt.Fprintf(&b, "(matched entities: %s)\n", strings.Join(chunk.MatchedEntities, ", "))
			}
			for _, line := range edgesByChunk[chunk.ID] {
				b.WriteString(line)
				b.WriteString("\n")
			}
			b.WriteString(chunk.Text)
			b.WriteString("\n\n")
		}
	}

	for _, entry := range in.Memories {
		tag := "[User Memory]"
		if entry.Shared() {
			tag = "[Shared Memory]"
		}
		fmt.Fprintf(&b, "%s %s\n", tag, entry.Text)
	}
	if len(in.Memories) > 0 {
		b.WriteString("\n")
	}

	if len(in.History) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, entry := range in.History {
			role := "User"
			if entry.Role == "assistant" {
				role = "Assistant"
			}
			fmt.Fprintf(&b, "%s: %s\n", role, entry.Text)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Question: %s\nAnswer:", in.Query)
	return b.String()
}

// confidence scores the answer: exp(mean(logprobs)) when the provider exposes
// them, otherwise a judge call rating support on a 0-100 scale.
func (g *Generator) confidence(ctx context.Context, query, answer string, logprobs []float64) Confidence {
	var score float64
	if len(logprobs) > 0 {
		sum := 0.0
		for _, lp := range logprobs {
			sum += lp
		}
		score = math.Exp(sum / float64(len(logprobs)))
	} else {
		score = g.judgeScore(ctx, query, answer)
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return Confidence{Score: score, Level: levelFor(score)}
}

func levelFor(score float64) string {
	switch {
	case score >= highThreshold:
		return LevelHigh
	case score >= mediumThreshold:
		return LevelMedium
	default:
		return LevelLow
	}
}

const judgePrompt = `Rate how well the answer is supported by the question's context on a scale of 0 to 100.
Respond with a single integer only.

Question: %s
Answer: %s`

var judgeNumber = regexp.MustCompile(`\d+`)

// judgeScore is the fallback when no logprobs are available. Failures score
// zero; a wrong confidence must not fail the answer.
func (g *Generator) judgeScore(ctx context.Context, query, answer string) float64 {
	response, err := g.llm.Generate(ctx, fmt.Sprintf(judgePrompt, query, answer), llm.GenerateOptions{
		Model:       g.cfg.Model,
		Temperature: 0,
	})
	if err != nil {
		g.logger.Warn("confidence judge call failed", "error", err)
		return 0
	}
	match := judgeNumber.FindString(response)
	if match == "" {
		g.logger.Warn("confidence judge returned no rating", "response", response)
		return 0
	}
	rating, err := strconv.Atoi(match)
	if err != nil || rating > 100 {
		return 0
	}
	return float64(rating) / 100
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
