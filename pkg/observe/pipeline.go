// Package observe queues compressed tool-use events during a session
// and distills them into durable observations when the session ends.
package observe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/harun/recall/pkg/provider"
	"github.com/harun/recall/pkg/store"
)

const (
	// maxEventBytes caps a single queued event's merged payload.
	maxEventBytes = 4096

	// maxBatchEvents caps one distillation call.
	maxBatchEvents = 200
)

// observedTools are the tools whose use carries durable signal. Reads
// and edits tell the extractor which files mattered; everything else
// is noise at this layer.
var observedTools = map[string]bool{
	"Read":         true,
	"Write":        true,
	"Edit":         true,
	"MultiEdit":    true,
	"Bash":         true,
	"Grep":         true,
	"Glob":         true,
	"NotebookEdit": true,
	"WebFetch":     true,
	"Task":         true,
}

// Pipeline records tool-use events and flushes them into observations.
// All operations degrade to no-ops instead of failing the host session:
// a nil extractor leaves queued events intact, and extraction failures
// keep the queue for a later retry.
type Pipeline struct {
	store     *store.Store
	extractor provider.Extractor // nil disables distillation
	embedder  provider.Embedder  // nil leaves observations unembedded
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates an observation pipeline. Either provider may be nil.
func New(st *store.Store, extractor provider.Extractor, embedder provider.Embedder, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		store:     st,
		extractor: extractor,
		embedder:  embedder,
		logger:    logger.With().Str("component", "observe").Logger(),
		now:       time.Now,
	}
}

// Record compresses one tool-use event and enqueues it for the
// session. Tools outside the observed set are dropped silently.
func (p *Pipeline) Record(ctx context.Context, sessionID, project, toolName string, input, response json.RawMessage) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if !observedTools[toolName] {
		return nil
	}
	return p.store.EnqueuePendingEvent(ctx, &store.PendingEvent{
		SessionID:  sessionID,
		Project:    project,
		ToolName:   toolName,
		MergedData: compressEvent(input, response),
		Timestamp:  p.now().UTC(),
	})
}

// Flush distills the session's queued events into observations and
// removes the events that were folded in. With no extractor configured
// the queue is left untouched. On extraction failure the queue is also
// left untouched so a later flush can retry.
func (p *Pipeline) Flush(ctx context.Context, sessionID string) (int, error) {
	events, err := p.store.PendingEvents(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	if p.extractor == nil {
		p.logger.Debug().
			Str("session_id", sessionID).
			Int("pending", len(events)).
			Msg("No extraction provider configured, leaving events queued")
		return 0, nil
	}

	batch := events
	if len(batch) > maxBatchEvents {
		batch = batch[:maxBatchEvents]
	}

	providerEvents := make([]provider.Event, len(batch))
	for i, ev := range batch {
		providerEvents[i] = provider.Event{
			ToolName:   ev.ToolName,
			MergedData: ev.MergedData,
			Timestamp:  ev.Timestamp.UTC().Format(time.RFC3339),
		}
	}

	insights, err := p.extractor.Extract(ctx, providerEvents)
	if err != nil {
		p.logger.Warn().Err(err).
			Str("session_id", sessionID).
			Int("pending", len(batch)).
			Msg("Extraction failed, keeping events queued")
		return 0, &provider.ProviderError{Op: "extract", Err: err}
	}

	project := batch[0].Project
	created := 0
	for i, insight := range insights {
		obs := p.observationFrom(sessionID, project, i, insight)
		if p.embedder != nil {
			embedding, err := p.embedder.Embed(ctx, observationText(insight))
			if err != nil {
				p.logger.Warn().Err(err).Str("title", insight.Title).Msg("Observation embedding failed")
			} else if embedding != nil {
				obs.Embedding = provider.Normalize(embedding)
			}
		}
		if err := p.store.InsertObservation(ctx, obs); err != nil {
			p.logger.Error().Err(err).Str("observation_id", obs.ID).Msg("Failed to store observation")
			continue
		}
		created++
	}

	// Folded events have served their purpose even when some insights
	// failed to store; the extractor already consumed them.
	ids := make([]int64, len(batch))
	for i, ev := range batch {
		ids[i] = ev.ID
	}
	if err := p.store.DeletePendingEvents(ctx, ids); err != nil {
		return created, err
	}

	p.logger.Info().
		Str("session_id", sessionID).
		Int("events", len(batch)).
		Int("observations", created).
		Msg("Session events distilled")
	return created, nil
}

// Pending returns the number of queued events for a session.
func (p *Pipeline) Pending(ctx context.Context, sessionID string) (int, error) {
	events, err := p.store.PendingEvents(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return len(events), nil
}

func (p *Pipeline) observationFrom(sessionID, project string, position int, insight provider.Insight) *store.Observation {
	obsType := insight.Type
	if obsType == "" {
		obsType = "discovery"
	}
	return &store.Observation{
		ID:            observationID(sessionID, position, insight.Title),
		Project:       project,
		SessionID:     sessionID,
		Timestamp:     p.now().UTC(),
		Type:          obsType,
		Title:         insight.Title,
		Subtitle:      insight.Subtitle,
		Narrative:     insight.Narrative,
		Facts:         insight.Facts,
		Concepts:      insight.Concepts,
		FilesRead:     insight.FilesRead,
		FilesModified: insight.FilesModified,
	}
}

func observationID(sessionID string, position int, title string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%s", sessionID, position, title)))
	return hex.EncodeToString(sum[:])[:16]
}

// observationText is the embedding input for an insight.
func observationText(insight provider.Insight) string {
	parts := []string{insight.Title, insight.Subtitle, insight.Narrative}
	parts = append(parts, insight.Facts...)
	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "\n")
}

// compressEvent folds a tool's input and response into one bounded
// JSON payload. Oversized payloads are truncated, not rejected.
func compressEvent(input, response json.RawMessage) string {
	merged := map[string]json.RawMessage{}
	if len(input) > 0 {
		merged["input"] = compactRaw(input)
	}
	if len(response) > 0 {
		merged["response"] = compactRaw(response)
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return "{}"
	}
	if len(data) > maxEventBytes {
		// Back up to a rune boundary so truncation never splits a
		// multi-byte character.
		cut := maxEventBytes
		for cut > 0 && !utf8.RuneStart(data[cut]) {
			cut--
		}
		data = data[:cut]
	}
	return string(data)
}

func compactRaw(raw json.RawMessage) json.RawMessage {
	var buf strings.Builder
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	var v any
	if err := dec.Decode(&v); err != nil {
		// Not valid JSON; store it as a quoted string.
		quoted, _ := json.Marshal(string(raw))
		return quoted
	}
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return raw
	}
	return json.RawMessage(strings.TrimSpace(buf.String()))
}
