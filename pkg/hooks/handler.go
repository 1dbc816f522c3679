// Package hooks is the boundary between the assistant host's lifecycle
// events and the memory pipelines. Nothing here may fail the host
// session: every outcome is reported as a Result, never as a raised
// error.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/recall/pkg/inject"
	"github.com/harun/recall/pkg/observe"
)

// Result is the outcome of one hook invocation. OK false means the
// event was dropped; Detail says why. Context carries the digest for
// session-start and is empty otherwise.
type Result struct {
	OK      bool   `json:"ok"`
	Context string `json:"context,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// PostToolUsePayload is the host's post-tool-use event.
type PostToolUsePayload struct {
	SessionID    string          `json:"session_id"`
	CWD          string          `json:"cwd"`
	ToolName     string          `json:"tool_name"`
	ToolInput    json.RawMessage `json:"tool_input"`
	ToolResponse json.RawMessage `json:"tool_response"`
}

// SessionEndPayload is the host's session-end event.
type SessionEndPayload struct {
	SessionID string `json:"session_id"`
	CWD       string `json:"cwd"`
	Reason    string `json:"reason"`
}

// SessionStartPayload is the host's session-start event.
type SessionStartPayload struct {
	SessionID string `json:"session_id"`
	CWD       string `json:"cwd"`
	Source    string `json:"source"`
}

// Handler dispatches validated host events to the pipelines.
type Handler struct {
	pipeline *observe.Pipeline
	injector *inject.Injector
	budget   inject.Budget
	logger   zerolog.Logger

	postToolUseLoader  gojsonschema.JSONLoader
	sessionEndLoader   gojsonschema.JSONLoader
	sessionStartLoader gojsonschema.JSONLoader
}

// New creates a hook handler. Pipeline and injector may each be nil;
// the corresponding hooks then degrade to no-ops.
func New(pipeline *observe.Pipeline, injector *inject.Injector, budget inject.Budget, logger zerolog.Logger) *Handler {
	return &Handler{
		pipeline:           pipeline,
		injector:           injector,
		budget:             budget,
		logger:             logger.With().Str("component", "hooks").Logger(),
		postToolUseLoader:  gojsonschema.NewStringLoader(postToolUseSchema),
		sessionEndLoader:   gojsonschema.NewStringLoader(sessionEndSchema),
		sessionStartLoader: gojsonschema.NewStringLoader(sessionStartSchema),
	}
}

// PostToolUse records one tool-use event for later distillation.
func (h *Handler) PostToolUse(ctx context.Context, raw []byte) Result {
	if detail := h.validate(h.postToolUseLoader, raw); detail != "" {
		h.logger.Warn().Str("detail", detail).Msg("Invalid post-tool-use payload dropped")
		return Result{OK: false, Detail: detail}
	}
	var payload PostToolUsePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Result{OK: false, Detail: fmt.Sprintf("failed to decode payload: %v", err)}
	}
	if h.pipeline == nil {
		return Result{OK: true, Detail: "observation pipeline disabled"}
	}
	err := h.pipeline.Record(ctx, payload.SessionID, ProjectKey(payload.CWD), payload.ToolName, payload.ToolInput, payload.ToolResponse)
	if err != nil {
		h.logger.Warn().Err(err).Str("tool", payload.ToolName).Msg("Failed to record tool event")
		return Result{OK: false, Detail: err.Error()}
	}
	return Result{OK: true}
}

// SessionEnd flushes the session's queued events into observations.
func (h *Handler) SessionEnd(ctx context.Context, raw []byte) Result {
	if detail := h.validate(h.sessionEndLoader, raw); detail != "" {
		h.logger.Warn().Str("detail", detail).Msg("Invalid session-end payload dropped")
		return Result{OK: false, Detail: detail}
	}
	var payload SessionEndPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Result{OK: false, Detail: fmt.Sprintf("failed to decode payload: %v", err)}
	}
	if h.pipeline == nil {
		return Result{OK: true, Detail: "observation pipeline disabled"}
	}
	created, err := h.pipeline.Flush(ctx, payload.SessionID)
	if err != nil {
		// The queue survives; the next session end retries.
		h.logger.Warn().Err(err).Str("session_id", payload.SessionID).Msg("Flush failed")
		return Result{OK: false, Detail: err.Error()}
	}
	return Result{OK: true, Detail: fmt.Sprintf("%d observations", created)}
}

// SessionStart renders the context digest for a starting session. An
// empty digest is a successful result with no context.
func (h *Handler) SessionStart(ctx context.Context, raw []byte) Result {
	if detail := h.validate(h.sessionStartLoader, raw); detail != "" {
		h.logger.Warn().Str("detail", detail).Msg("Invalid session-start payload dropped")
		return Result{OK: false, Detail: detail}
	}
	var payload SessionStartPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Result{OK: false, Detail: fmt.Sprintf("failed to decode payload: %v", err)}
	}
	if h.injector == nil {
		return Result{OK: true, Detail: "injection disabled"}
	}
	digest, err := h.injector.Digest(ctx, ProjectKey(payload.CWD), h.budget)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Digest failed")
		return Result{OK: false, Detail: err.Error()}
	}
	return Result{
		OK:      true,
		Context: digest.Markdown,
		Detail:  fmt.Sprintf("%d observations, ~%d tokens", digest.Included, digest.Tokens),
	}
}

func (h *Handler) validate(schema gojsonschema.JSONLoader, raw []byte) string {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Sprintf("payload is not valid JSON: %v", err)
	}
	if result.Valid() {
		return ""
	}
	var details []string
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return strings.Join(details, "; ")
}

// ProjectKey derives the per-project directory name the host uses for
// a working directory: the cleaned absolute path with separators
// flattened to hyphens.
func ProjectKey(cwd string) string {
	if cwd == "" {
		return ""
	}
	return strings.ReplaceAll(filepath.Clean(cwd), string(filepath.Separator), "-")
}
