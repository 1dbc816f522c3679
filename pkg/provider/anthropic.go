package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const extractSystemPrompt = `You distill a coding session's tool-use events into durable insights.
Given a batch of events, respond with a JSON array of insight objects:
[{"type": "...", "title": "...", "subtitle": "...", "narrative": "...",
  "facts": [...], "concepts": [...], "files_read": [...], "files_modified": [...]}]
Types: discovery, decision, bugfix, refactor, change. Respond with JSON only.`

// AnthropicExtractor implements Extractor against the Anthropic
// messages API.
type AnthropicExtractor struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicExtractor creates an Anthropic-backed insight extractor.
func NewAnthropicExtractor(apiKey, model string) *AnthropicExtractor {
	if model == "" {
		model = string(anthropic.ModelClaudeSonnet4_0)
	}
	return &AnthropicExtractor{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

// Extract sends the event batch to the model and parses the returned
// insight array.
func (e *AnthropicExtractor) Extract(ctx context.Context, events []Event) ([]Insight, error) {
	if len(events) == 0 {
		return nil, nil
	}

	batch, err := json.Marshal(events)
	if err != nil {
		return nil, &ProviderError{Op: "extract", Err: err}
	}

	resp, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     e.model,
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: extractSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(string(batch))),
		},
	})
	if err != nil {
		return nil, &ProviderError{Op: "extract", Err: err}
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	insights, err := parseInsights(text.String())
	if err != nil {
		return nil, &ProviderError{Op: "extract", Err: err}
	}
	return insights, nil
}

// parseInsights tolerates the model wrapping the array in a code fence
// or prose.
func parseInsights(text string) ([]Insight, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("no JSON array in response")
	}

	var insights []Insight
	if err := json.Unmarshal([]byte(text[start:end+1]), &insights); err != nil {
		return nil, fmt.Errorf("malformed insight array: %w", err)
	}
	return insights, nil
}
