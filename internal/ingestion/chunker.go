// Package ingestion handles document processing: chunking, embedding, and
// indexing into the dual graph + vector stores.
package ingestion

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Chunk represents a piece of chunked content
type Chunk struct {
	Content  string
	Index    int
	Metadata map[string]string
}

// ChunkerConfig controls chunk sizing. Sizes are in estimated tokens;
// OverlapPercent is the fraction of a chunk carried into the next one.
type ChunkerConfig struct {
	TargetTokens   int
	MaxTokens      int
	OverlapPercent float64
}

// Chunker performs markdown-aware semantic chunking: code blocks and tables
// stay atomic, each chunk keeps its section header context, and paragraph and
// sentence boundaries are respected.
type Chunker struct {
	targetWords  int
	maxWords     int
	overlapWords int
}

// NewChunker creates a new Chunker with the given configuration
func NewChunker(config ChunkerConfig) *Chunker {
	if config.TargetTokens <= 0 {
		config.TargetTokens = 750
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 1000
	}
	if config.OverlapPercent < 0 {
		config.OverlapPercent = 0
	}

	// tokens ≈ words / 0.75
	targetWords := config.TargetTokens * 3 / 4
	maxWords := config.MaxTokens * 3 / 4

	return &Chunker{
		targetWords:  targetWords,
		maxWords:     maxWords,
		overlapWords: int(float64(targetWords) * config.OverlapPercent),
	}
}

// Chunk splits content into semantically coherent chunks, numbered from 0.
func (c *Chunker) Chunk(content string) []Chunk {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	blocks := c.parseIntoBlocks(content)
	chunks := c.groupBlocksIntoChunks(blocks)

	if c.overlapWords > 0 {
		chunks = c.addSemanticOverlap(chunks)
	}

	// Renumber chunks sequentially
	for i := range chunks {
		chunks[i].Index = i
	}

	return chunks
}

// EstimateTokens approximates the token count of a text. Word count is a
// close-enough proxy for sizing decisions.
func EstimateTokens(text string) int {
	return len(strings.Fields(text))
}

// contentBlock represents a semantic block of content
type contentBlock struct {
	blockType string // "header", "paragraph", "code", "table", "list"
	content   string
	header    string // Current section header context
	level     int    // Header level (1-6)
}

// parseIntoBlocks parses markdown content into semantic blocks
func (c *Chunker) parseIntoBlocks(content string) []contentBlock {
	var blocks []contentBlock
	currentHeader := ""
	currentLevel := 0

	headerPattern := regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)
	codeBlockPattern := regexp.MustCompile("(?s)```(\\w*)\\n(.*?)```")
	tablePattern := regexp.MustCompile(`(?m)^\|.+\|$`)

	// Find all code blocks first and replace with placeholders so paragraph
	// splitting cannot cut through them.
	codeBlocks := codeBlockPattern.FindAllStringSubmatchIndex(content, -1)
	codeBlockMap := make(map[string]string)

	processedContent := content
	for i := len(codeBlocks) - 1; i >= 0; i-- {
		match := codeBlocks[i]
		codeContent := content[match[0]:match[1]]
		placeholder := "___CODE_BLOCK_" + strconv.Itoa(i) + "___"
		codeBlockMap[placeholder] = codeContent
		processedContent = processedContent[:match[0]] + placeholder + processedContent[match[1]:]
	}

	paragraphs := regexp.MustCompile(`\n\s*\n`).Split(processedContent, -1)

	for _, para := range paragraphs {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		if strings.HasPrefix(para, "___CODE_BLOCK_") && strings.HasSuffix(para, "___") {
			if codeContent, ok := codeBlockMap[para]; ok {
				blocks = append(blocks, contentBlock{
					blockType: "code",
					content:   codeContent,
					header:    currentHeader,
					level:     currentLevel,
				})
				continue
			}
		}

		if headerMatch := headerPattern.FindStringSubmatch(para); headerMatch != nil {
			currentLevel = len(headerMatch[1])
			currentHeader = headerMatch[2]
			blocks = append(blocks, contentBlock{
				blockType: "header",
				content:   para,
				header:    currentHeader,
				level:     currentLevel,
			})
			continue
		}

		if tablePattern.MatchString(para) {
			blocks = append(blocks, contentBlock{
				blockType: "table",
				content:   para,
				header:    currentHeader,
				level:     currentLevel,
			})
			continue
		}

		if isListBlock(para) {
			blocks = append(blocks, contentBlock{
				blockType: "list",
				content:   para,
				header:    currentHeader,
				level:     currentLevel,
			})
			continue
		}

		blocks = append(blocks, contentBlock{
			blockType: "paragraph",
			content:   para,
			header:    currentHeader,
			level:     currentLevel,
		})
	}

	return blocks
}

// isListBlock checks if a block is a list
func isListBlock(content string) bool {
	lines := strings.Split(content, "\n")
	if len(lines) == 0 {
		return false
	}
	firstLine := strings.TrimSpace(lines[0])
	return strings.HasPrefix(firstLine, "- ") ||
		strings.HasPrefix(firstLine, "* ") ||
		strings.HasPrefix(firstLine, "+ ") ||
		regexp.MustCompile(`^\d+\.\s`).MatchString(firstLine)
}

// groupBlocksIntoChunks groups blocks into appropriately sized chunks
func (c *Chunker) groupBlocksIntoChunks(blocks []contentBlock) []Chunk {
	var chunks []Chunk
	var currentBlocks []contentBlock
	currentWords := 0
	currentHeader := ""

	flushChunk := func() {
		if len(currentBlocks) == 0 {
			return
		}

		var contentParts []string

		// Add header context if available
		headerAdded := false
		for _, block := range currentBlocks {
			if block.header != "" && !headerAdded {
				prefix := strings.Repeat("#", block.level) + " " + block.header
				if currentBlocks[0].blockType != "header" || currentBlocks[0].content != prefix {
					contentParts = append(contentParts, "[Section: "+block.header+"]")
					headerAdded = true
				}
			}
			contentParts = append(contentParts, block.content)
		}

		content := strings.Join(contentParts, "\n\n")
		wordCount := len(strings.Fields(content))

		metadata := map[string]string{
			"word_count": strconv.Itoa(wordCount),
		}

		blockTypes := make(map[string]int)
		for _, block := range currentBlocks {
			blockTypes[block.blockType]++
		}
		if blockTypes["code"] > 0 {
			metadata["contains_code"] = "true"
		}
		if blockTypes["table"] > 0 {
			metadata["contains_table"] = "true"
		}
		if currentHeader != "" {
			metadata["section"] = currentHeader
		}

		chunks = append(chunks, Chunk{
			Content:  strings.TrimSpace(content),
			Index:    len(chunks),
			Metadata: metadata,
		})

		currentBlocks = nil
		currentWords = 0
	}

	for _, block := range blocks {
		blockWords := len(strings.Fields(block.content))

		if block.blockType == "header" {
			currentHeader = block.header
		}

		// Code blocks and tables are kept as atomic units if possible
		isAtomic := block.blockType == "code" || block.blockType == "table"

		// If this block alone exceeds max size, it goes in its own chunk
		if blockWords > c.maxWords {
			flushChunk()

			// Large atomic blocks stay whole even past the limit.
			if isAtomic {
				currentBlocks = append(currentBlocks, block)
				flushChunk()
			} else {
				splitChunks := c.splitLargeBlock(block)
				chunks = append(chunks, splitChunks...)
			}
			continue
		}

		if currentWords+blockWords > c.targetWords && currentWords > 0 {
			// Atomic blocks keep their surrounding context when they fit
			// under the hard cap.
			if isAtomic && currentWords+blockWords <= c.maxWords {
				currentBlocks = append(currentBlocks, block)
				currentWords += blockWords
				flushChunk()
				continue
			}

			flushChunk()
		}

		currentBlocks = append(currentBlocks, block)
		currentWords += blockWords
	}

	flushChunk()

	return chunks
}

// splitLargeBlock splits a large block that exceeds max size at sentence
// boundaries.
func (c *Chunker) splitLargeBlock(block contentBlock) []Chunk {
	var chunks []Chunk
	sentences := splitSentences(block.content)

	var currentSentences []string
	currentWords := 0

	flush := func() {
		if len(currentSentences) == 0 {
			return
		}
		content := strings.Join(currentSentences, " ")
		if block.header != "" {
			content = "[Section: " + block.header + "]\n\n" + content
		}
		chunks = append(chunks, Chunk{
			Content: strings.TrimSpace(content),
			Index:   len(chunks),
			Metadata: map[string]string{
				"word_count": strconv.Itoa(currentWords),
				"section":    block.header,
				"split":      "true",
			},
		})
		currentSentences = nil
		currentWords = 0
	}

	for _, sentence := range sentences {
		sentenceWords := len(strings.Fields(sentence))

		if currentWords+sentenceWords > c.targetWords && currentWords > 0 {
			flush()
		}

		currentSentences = append(currentSentences, sentence)
		currentWords += sentenceWords
	}

	flush()

	return chunks
}

// addSemanticOverlap adds contextual overlap between chunks
func (c *Chunker) addSemanticOverlap(chunks []Chunk) []Chunk {
	if len(chunks) <= 1 {
		return chunks
	}

	result := make([]Chunk, len(chunks))

	for i, chunk := range chunks {
		result[i] = Chunk{
			Content:  chunk.Content,
			Index:    chunk.Index,
			Metadata: copyMetadata(chunk.Metadata),
		}

		// Add context from previous chunk
		if i > 0 {
			prevWords := strings.Fields(chunks[i-1].Content)

			if len(prevWords) > 0 {
				overlapCount := c.overlapWords
				if overlapCount > len(prevWords) {
					overlapCount = len(prevWords)
				}

				overlapWords := prevWords[len(prevWords)-overlapCount:]
				overlapText := strings.Join(overlapWords, " ")

				// Only add overlap if it's meaningful (not just a header)
				if !strings.HasPrefix(overlapText, "[Section:") {
					result[i].Content = "[...] " + overlapText + "\n\n" + result[i].Content
					result[i].Metadata["has_overlap"] = "true"
					result[i].Metadata["overlap_words"] = strconv.Itoa(overlapCount)
				}
			}
		}
	}

	return result
}

// splitSentences splits text into sentences
func splitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	// Simple sentence splitting on . ! ? followed by space or end
	var sentences []string
	var current strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		current.WriteRune(r)

		if r == '.' || r == '!' || r == '?' {
			if i+1 >= len(runes) || unicode.IsSpace(runes[i+1]) {
				sentence := strings.TrimSpace(current.String())
				if sentence != "" && !isAbbreviation(sentence) {
					sentences = append(sentences, sentence)
					current.Reset()
				}
			}
		}
	}

	remaining := strings.TrimSpace(current.String())
	if remaining != "" {
		sentences = append(sentences, remaining)
	}

	return sentences
}

// isAbbreviation checks if a sentence ends with a common abbreviation
func isAbbreviation(text string) bool {
	abbreviations := []string{
		"mr.", "mrs.", "ms.", "dr.", "prof.",
		"inc.", "ltd.", "corp.",
		"etc.", "e.g.", "i.e.",
		"vs.", "v.",
		"st.", "ave.", "blvd.",
		"no.", "vol.", "pg.",
	}

	lower := strings.ToLower(text)
	for _, abbr := range abbreviations {
		if strings.HasSuffix(lower, abbr) {
			return true
		}
	}
	return false
}

// copyMetadata creates a copy of metadata map
func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return make(map[string]string)
	}
	result := make(map[string]string, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}
