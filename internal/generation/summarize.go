package generation

import (
	"context"
	"fmt"
	"strings"

	"github.com/parchment-ai/ragserver/internal/llm"
)

// Summary formats.
const (
	FormatBrief     = "brief"
	FormatDetailed  = "detailed"
	FormatExecutive = "executive"
	FormatBullet    = "bullet"
)

var summaryInstructions = map[string]string{
	FormatBrief:     "Write a brief summary of the document in 2-3 sentences.",
	FormatDetailed:  "Write a detailed summary of the document covering all major topics, one paragraph per topic.",
	FormatExecutive: "Write an executive summary of the document: purpose, key findings, and recommendations, in under 200 words.",
	FormatBullet:    "Summarize the document as a bulleted list of its key points, one point per line.",
}

// ValidFormat reports whether the format is one of the supported summary
// formats.
func ValidFormat(format string) bool {
	_, ok := summaryInstructions[format]
	return ok
}

// summaryInputMax bounds how much document text a single summary call sees.
const summaryInputMax = 24000

// Summarize produces a document summary in the given format. Satisfies the
// ingestion summarizer contract.
func (g *Generator) Summarize(ctx context.Context, text, format string) (string, error) {
	instruction, ok := summaryInstructions[format]
	if !ok {
		return "", fmt.Errorf("unknown summary format %q", format)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("document text is empty")
	}
	if len(text) > summaryInputMax {
		text = text[:summaryInputMax]
	}

	summary, err := g.llm.Generate(ctx, fmt.Sprintf("%s\n\nDocument:\n%s", instruction, text), llm.GenerateOptions{
		Model:       g.cfg.Model,
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("summary generation failed: %w", err)
	}
	return strings.TrimSpace(summary), nil
}
