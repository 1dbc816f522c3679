// Package provider defines the embedding/LLM collaborator contracts
// and their OpenAI/Anthropic implementations.
package provider

import (
	"context"
	"fmt"
	"math"
)

// Dimension is the embedding width every provider must produce.
const Dimension = 768

// Embedder generates vector embeddings from text. A nil embedding with
// a nil error means the provider declined to embed the input; callers
// must treat that as "no embedding", not as a crash.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Event is one compressed tool-use event handed to the extractor.
type Event struct {
	ToolName   string `json:"tool_name"`
	MergedData string `json:"merged_data"`
	Timestamp  string `json:"timestamp"`
}

// Insight is one structured insight returned by the extractor.
type Insight struct {
	Type          string   `json:"type"`
	Title         string   `json:"title"`
	Subtitle      string   `json:"subtitle,omitempty"`
	Narrative     string   `json:"narrative,omitempty"`
	Facts         []string `json:"facts,omitempty"`
	Concepts      []string `json:"concepts,omitempty"`
	FilesRead     []string `json:"files_read,omitempty"`
	FilesModified []string `json:"files_modified,omitempty"`
}

// Extractor distills a batch of tool-use events into structured
// insights.
type Extractor interface {
	Extract(ctx context.Context, events []Event) ([]Insight, error)
}

// ProviderError wraps a failed provider call. Pipelines catch it at the
// smallest enclosing operation and keep going.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Normalize L2-normalizes a vector in place and returns it. A zero
// vector is returned unchanged.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
