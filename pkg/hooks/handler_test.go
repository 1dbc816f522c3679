package hooks

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/recall/pkg/inject"
	"github.com/harun/recall/pkg/observe"
	"github.com/harun/recall/pkg/provider"
	"github.com/harun/recall/pkg/store"
)

type stubExtractor struct {
	insights []provider.Insight
}

func (s *stubExtractor) Extract(_ context.Context, _ []provider.Event) ([]provider.Insight, error) {
	return s.insights, nil
}

func newTestHandler(t *testing.T, extractor provider.Extractor) (*Handler, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "index.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	pipeline := observe.New(st, extractor, nil, zerolog.Nop())
	injector := inject.New(st, zerolog.Nop())
	return New(pipeline, injector, inject.Budget{}, zerolog.Nop()), st
}

func TestPostToolUse(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	ctx := context.Background()

	t.Run("valid payload recorded", func(t *testing.T) {
		res := h.PostToolUse(ctx, []byte(`{
			"session_id": "sess-1",
			"cwd": "/work/api",
			"tool_name": "Edit",
			"tool_input": {"file_path": "auth.go"},
			"tool_response": "ok"
		}`))
		assert.True(t, res.OK)
	})

	t.Run("missing required field dropped", func(t *testing.T) {
		res := h.PostToolUse(ctx, []byte(`{"cwd": "/work/api", "tool_name": "Edit"}`))
		assert.False(t, res.OK)
		assert.Contains(t, res.Detail, "session_id")
	})

	t.Run("invalid JSON never raises", func(t *testing.T) {
		res := h.PostToolUse(ctx, []byte(`{{{`))
		assert.False(t, res.OK)
		assert.NotEmpty(t, res.Detail)
	})

	t.Run("extra fields tolerated", func(t *testing.T) {
		res := h.PostToolUse(ctx, []byte(`{
			"session_id": "sess-1",
			"tool_name": "Read",
			"tool_input": {"file_path": "a.go"},
			"transcript_path": "/tmp/whatever.jsonl"
		}`))
		assert.True(t, res.OK)
	})
}

func TestSessionEndFlushes(t *testing.T) {
	extractor := &stubExtractor{insights: []provider.Insight{
		{Type: "bugfix", Title: "Fixed the race in the token refresh"},
	}}
	h, st := newTestHandler(t, extractor)
	ctx := context.Background()

	res := h.PostToolUse(ctx, []byte(`{
		"session_id": "sess-1",
		"cwd": "/work/api",
		"tool_name": "Edit",
		"tool_input": {"file_path": "auth.go"}
	}`))
	require.True(t, res.OK)

	res = h.SessionEnd(ctx, []byte(`{"session_id": "sess-1", "cwd": "/work/api", "reason": "exit"}`))
	assert.True(t, res.OK)
	assert.Contains(t, res.Detail, "1 observations")

	obs, err := st.ListObservations(ctx, store.ObservationQuery{})
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, ProjectKey("/work/api"), obs[0].Project)
}

func TestSessionStart(t *testing.T) {
	h, st := newTestHandler(t, nil)
	ctx := context.Background()

	t.Run("empty index yields empty context", func(t *testing.T) {
		res := h.SessionStart(ctx, []byte(`{"session_id": "sess-1", "cwd": "/work/api"}`))
		assert.True(t, res.OK)
		assert.Empty(t, res.Context)
	})

	t.Run("recent observation injected", func(t *testing.T) {
		require.NoError(t, st.InsertObservation(ctx, &store.Observation{
			ID:        "obs-1",
			Project:   ProjectKey("/work/api"),
			SessionID: "earlier",
			Timestamp: time.Now().UTC().Add(-time.Hour),
			Type:      "decision",
			Title:     "Batching chosen over streaming",
		}))
		res := h.SessionStart(ctx, []byte(`{"session_id": "sess-2", "cwd": "/work/api", "source": "startup"}`))
		assert.True(t, res.OK)
		assert.Contains(t, res.Context, "Batching chosen over streaming")
	})

	t.Run("invalid payload dropped", func(t *testing.T) {
		res := h.SessionStart(ctx, []byte(`{"cwd": "/work/api"}`))
		assert.False(t, res.OK)
	})
}

func TestDisabledPipelinesDegrade(t *testing.T) {
	h := New(nil, nil, inject.Budget{}, zerolog.Nop())
	ctx := context.Background()

	res := h.PostToolUse(ctx, []byte(`{"session_id": "s", "tool_name": "Edit"}`))
	assert.True(t, res.OK)

	res = h.SessionEnd(ctx, []byte(`{"session_id": "s"}`))
	assert.True(t, res.OK)

	res = h.SessionStart(ctx, []byte(`{"session_id": "s"}`))
	assert.True(t, res.OK)
	assert.Empty(t, res.Context)
}

func TestProjectKey(t *testing.T) {
	assert.Equal(t, "-work-api", ProjectKey("/work/api"))
	assert.Equal(t, "-work-api", ProjectKey("/work/api/"))
	assert.Equal(t, "", ProjectKey(""))
}

func TestResultSerializes(t *testing.T) {
	data, err := json.Marshal(Result{OK: true, Context: "ctx"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok": true, "context": "ctx"}`, string(data))
}
