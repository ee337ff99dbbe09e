package retrieval

import "strings"

// dedupeChunks removes chunks with highly similar content to reduce
// redundancy. It uses Jaccard similarity on word sets; among near-duplicates
// the higher-scored chunk survives.
func dedupeChunks(chunks []RetrievedChunk, threshold float64) []RetrievedChunk {
	if len(chunks) <= 1 {
		return chunks
	}

	wordSets := make([]map[string]struct{}, len(chunks))
	for i, chunk := range chunks {
		wordSets[i] = tokenize(chunk.Text)
	}

	keep := make([]bool, len(chunks))
	for i := range keep {
		keep[i] = true
	}

	for i := 0; i < len(chunks); i++ {
		if !keep[i] {
			continue
		}
		for j := i + 1; j < len(chunks); j++ {
			if !keep[j] {
				continue
			}
			if jaccardSimilarity(wordSets[i], wordSets[j]) >= threshold {
				// Drop whichever scores lower.
				if chunks[j].Score > chunks[i].Score {
					keep[i] = false
					break
				}
				keep[j] = false
			}
		}
	}

	deduplicated := make([]RetrievedChunk, 0, len(chunks))
	for i, chunk := range chunks {
		if keep[i] {
			deduplicated = append(deduplicated, chunk)
		}
	}
	return deduplicated
}

// tokenize converts content into a set of lowercase words for similarity comparison.
func tokenize(content string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(content))
	wordSet := make(map[string]struct{}, len(words))
	for _, word := range words {
		// Remove common punctuation
		word = strings.Trim(word, ".,!?;:\"'()[]{}=<>")
		if len(word) > 2 { // Skip very short tokens
			wordSet[word] = struct{}{}
		}
	}
	return wordSet
}

// jaccardSimilarity computes the Jaccard similarity between two word sets.
// Returns a value between 0 (no overlap) and 1 (identical).
func jaccardSimilarity(set1, set2 map[string]struct{}) float64 {
	if len(set1) == 0 && len(set2) == 0 {
		return 1.0
	}
	if len(set1) == 0 || len(set2) == 0 {
		return 0.0
	}

	intersection := 0
	for word := range set1 {
		if _, exists := set2[word]; exists {
			intersection++
		}
	}

	union := len(set1) + len(set2) - intersection

	return float64(intersection) / float64(union)
}
