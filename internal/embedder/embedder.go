// Package embedder turns text into vectors for the vector store.
package embedder

import "context"

// Embedder produces embedding vectors for text. Vector dimensionality is
// fixed per model; the store's collections are created with Dimension() and
// a mismatch at startup is fatal.
type Embedder interface {
	// Embed returns the embedding vector for one text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns embeddings in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the vector dimensionality of the model.
	Dimension() int

	// ModelName returns the embedding model identifier.
	ModelName() string
}

// ModelConfig describes a known embedding model.
type ModelConfig struct {
	Dimension     int
	ContextLength int
}

// knownModels holds dimensions for the Ollama embedding models we accept in
// configuration. Used at startup to catch an EMBEDDING_DIMENSION that does
// not match the configured model.
var knownModels = map[string]ModelConfig{
	"nomic-embed-text":       {Dimension: 768, ContextLength: 8192},
	"mxbai-embed-large":      {Dimension: 1024, ContextLength: 512},
	"all-minilm":             {Dimension: 384, ContextLength: 256},
	"snowflake-arctic-embed": {Dimension: 1024, ContextLength: 8192},
}

// LookupModel reports the configuration of a known embedding model. Unknown
// models return ok=false; callers then trust the configured dimension.
func LookupModel(name string) (ModelConfig, bool) {
	cfg, ok := knownModels[name]
	return cfg, ok
}
