// Package llm provides interfaces and implementations for Large Language Model clients.
package llm

import (
	"context"
)

// GenerateOptions configures the LLM generation request.
type GenerateOptions struct {
	// Model specifies the LLM model to use (e.g., "llama3.2", "mistral").
	Model string

	// SystemPrompt sets the system-level instructions for the model.
	SystemPrompt string

	// Temperature controls randomness in generation (0.0 = deterministic, 1.0 = creative).
	Temperature float32

	// MaxTokens limits the maximum number of tokens in the response.
	MaxTokens int

	// Logprobs requests per-token log-probabilities when the provider
	// supports them. Absent support, results carry an empty slice and the
	// caller falls back to a judge call for confidence.
	Logprobs bool

	// JSONFormat constrains the output to a single JSON object.
	JSONFormat bool
}

// Completion is a full non-streamed response.
type Completion struct {
	// Text is the generated response.
	Text string

	// Logprobs holds one log-probability per generated token, empty when the
	// provider does not expose them.
	Logprobs []float64
}

// StreamChunk represents a single chunk of streamed response from the LLM.
type StreamChunk struct {
	// Token contains the generated text fragment.
	Token string

	// Logprob is the log-probability of this token, when available.
	Logprob *float64

	// Done indicates whether this is the final chunk in the stream.
	Done bool

	// Error contains any error that occurred during streaming.
	Error error
}

// LLM defines the interface for Large Language Model clients.
type LLM interface {
	// Generate sends a prompt to the LLM and returns the complete response
	// text. It blocks until the full response is received or an error occurs.
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)

	// Complete is Generate plus token log-probabilities when requested.
	Complete(ctx context.Context, prompt string, opts GenerateOptions) (*Completion, error)

	// GenerateStream sends a prompt to the LLM and returns a channel that streams
	// response chunks as they are generated. The channel is closed when generation
	// completes or an error occurs. Callers should check StreamChunk.Error and
	// StreamChunk.Done to detect completion and errors.
	GenerateStream(ctx context.Context, prompt string, opts GenerateOptions) (<-chan StreamChunk, error)
}
