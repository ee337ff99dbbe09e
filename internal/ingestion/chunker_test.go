package ingestion

import (
	"strings"
	"testing"
)

func TestChunker_EmptyContent(t *testing.T) {
	chunker := NewChunker(ChunkerConfig{})

	chunks := chunker.Chunk("")
	if chunks != nil {
		t.Errorf("expected nil for empty content, got %v", chunks)
	}

	chunks = chunker.Chunk("   ")
	if chunks != nil {
		t.Errorf("expected nil for whitespace content, got %v", chunks)
	}
}

func TestChunker_SequentialPositions(t *testing.T) {
	chunker := NewChunker(ChunkerConfig{TargetTokens: 40, MaxTokens: 80, OverlapPercent: 0.1})

	var sb strings.Builder
	for i := 0; i < 10; i++ {
		sb.WriteString("This paragraph repeats itself to produce enough words for several chunks in a row.\n\n")
	}

	chunks := chunker.Chunk(sb.String())
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}

	for i, chunk := range chunks {
		if chunk.Index != i {
			t.Errorf("chunk %d has index %d, positions must start at 0 and be sequential", i, chunk.Index)
		}
		if chunk.Content == "" {
			t.Errorf("chunk %d has empty content", i)
		}
	}
}

func TestChunker_KeepsSectionContext(t *testing.T) {
	chunker := NewChunker(ChunkerConfig{TargetTokens: 60, MaxTokens: 120})

	content := `# Introduction

This is the introduction paragraph with some content.

## Getting Started

Here is how you get started with the project.

### Installation

Run the following command to install.
`

	chunks := chunker.Chunk(content)
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}

	for _, chunk := range chunks {
		if chunk.Metadata["section"] == "" && !strings.Contains(chunk.Content, "#") {
			t.Errorf("chunk lost its section context: %q", chunk.Content)
		}
	}
}

func TestChunker_PreservesCodeBlocks(t *testing.T) {
	chunker := NewChunker(ChunkerConfig{TargetTokens: 25, MaxTokens: 130})

	content := `# Code Example

Here is some code:

` + "```go\nfunc main() {\n    fmt.Println(\"Hello\")\n}\n```" + `

And some more text after the code.
`

	chunks := chunker.Chunk(content)

	foundCode := false
	for _, chunk := range chunks {
		if strings.Contains(chunk.Content, "func main()") {
			foundCode = true
			if chunk.Metadata["contains_code"] != "true" {
				t.Error("expected contains_code metadata for code chunk")
			}
		}
	}

	if !foundCode {
		t.Error("code block was not preserved in any chunk")
	}
}

func TestChunker_OverlapCarriesPreviousWords(t *testing.T) {
	chunker := NewChunker(ChunkerConfig{TargetTokens: 40, MaxTokens: 80, OverlapPercent: 0.2})

	var sb strings.Builder
	for i := 0; i < 12; i++ {
		sb.WriteString("Paragraph text with a handful of distinct words to fill the chunk window quickly.\n\n")
	}

	chunks := chunker.Chunk(sb.String())
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}

	overlapped := 0
	for _, chunk := range chunks[1:] {
		if chunk.Metadata["has_overlap"] == "true" {
			if !strings.HasPrefix(chunk.Content, "[...] ") {
				t.Errorf("overlap chunk missing continuation marker: %q", chunk.Content[:40])
			}
			overlapped++
		}
	}
	if overlapped == 0 {
		t.Error("no chunk carried overlap from its predecessor")
	}
}

func TestChunker_SplitsOversizedParagraph(t *testing.T) {
	chunker := NewChunker(ChunkerConfig{TargetTokens: 20, MaxTokens: 30})

	var sb strings.Builder
	for i := 0; i < 40; i++ {
		sb.WriteString("This sentence pads the single oversized paragraph well past the cap. ")
	}

	chunks := chunker.Chunk(sb.String())
	if len(chunks) < 2 {
		t.Fatalf("oversized paragraph was not split, got %d chunks", len(chunks))
	}
	for _, chunk := range chunks {
		if chunk.Metadata["split"] != "true" {
			t.Errorf("split chunk missing split metadata: %v", chunk.Metadata)
		}
	}
}

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int // expected number of sentences
	}{
		{
			name:     "empty",
			input:    "",
			expected: 0,
		},
		{
			name:     "single sentence",
			input:    "This is a sentence.",
			expected: 1,
		},
		{
			name:     "multiple sentences",
			input:    "First sentence. Second sentence. Third sentence.",
			expected: 3,
		},
		{
			name:     "with exclamation",
			input:    "Hello! How are you? I am fine.",
			expected: 3,
		},
		{
			name:     "no ending punctuation",
			input:    "This has no ending punctuation",
			expected: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sentences := splitSentences(tt.input)
			if len(sentences) != tt.expected {
				t.Errorf("expected %d sentences, got %d: %v", tt.expected, len(sentences), sentences)
			}
		})
	}
}

func TestIsAbbreviation(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{"Dr.", true},
		{"Mr.", true},
		{"e.g.", true},
		{"etc.", true},
		{"Hello.", false},
		{"sentence.", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := isAbbreviation(tt.input)
			if result != tt.expected {
				t.Errorf("isAbbreviation(%q) = %v, expected %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		input    string
		expected int
	}{
		{"", 0},
		{"hello", 1},
		{"hello world", 2},
		{"one two three four five", 5},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := EstimateTokens(tt.input)
			if result != tt.expected {
				t.Errorf("EstimateTokens(%q) = %d, expected %d", tt.input, result, tt.expected)
			}
		})
	}
}

func TestIsListBlock(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected bool
	}{
		{"dash list", "- item 1\n- item 2", true},
		{"asterisk list", "* item 1\n* item 2", true},
		{"plus list", "+ item 1\n+ item 2", true},
		{"numbered list", "1. First\n2. Second", true},
		{"paragraph", "This is a regular paragraph.", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := isListBlock(tt.input)
			if result != tt.expected {
				t.Errorf("isListBlock(%q) = %v, expected %v", tt.name, result, tt.expected)
			}
		})
	}
}
