package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/recall/pkg/transcript"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "index.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testEmbedding(axis int) []float32 {
	v := make([]float32, Dimension)
	v[axis] = 1
	return v
}

func testExchange(id string) *transcript.Exchange {
	return &transcript.Exchange{
		ID:               id,
		Project:          "api",
		Timestamp:        time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC),
		UserMessage:      "why does the session expire early",
		AssistantMessage: "the refresh token TTL was shorter than the access token TTL",
		ArchivePath:      "/archive/api/sess.jsonl",
		LineStart:        1,
		LineEnd:          4,
		SessionID:        "sess-1",
		CWD:              "/work/api",
		GitBranch:        "main",
		AssistantVersion: "2.4.0",
		ToolSummary:      "Read, Edit",
		ToolCalls: []transcript.ToolCall{
			{ID: "tc-1", ToolName: "Read", ToolInput: `{"path":"auth.go"}`, ToolResult: "ok", Timestamp: time.Date(2026, 2, 1, 9, 30, 5, 0, time.UTC)},
			{ID: "tc-2", ToolName: "Edit", ToolInput: `{"path":"auth.go"}`, ToolResult: "ok", IsError: false, Timestamp: time.Date(2026, 2, 1, 9, 30, 9, 0, time.UTC)},
		},
		Embedding: testEmbedding(0),
	}
}

func TestInsertAndGetExchange(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	want := testExchange("ex-1")
	require.NoError(t, st.InsertExchange(ctx, want))

	got, err := st.GetExchange(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Project, got.Project)
	assert.Equal(t, want.Timestamp.Unix(), got.Timestamp.Unix())
	assert.Equal(t, want.UserMessage, got.UserMessage)
	assert.Equal(t, want.AssistantMessage, got.AssistantMessage)
	assert.Equal(t, want.ArchivePath, got.ArchivePath)
	assert.Equal(t, want.LineStart, got.LineStart)
	assert.Equal(t, want.LineEnd, got.LineEnd)
	assert.Equal(t, want.GitBranch, got.GitBranch)
	require.Len(t, got.ToolCalls, 2)
	assert.Equal(t, "Read", got.ToolCalls[0].ToolName)
	assert.Equal(t, "Edit", got.ToolCalls[1].ToolName)

	has, err := st.HasExchange(ctx, "ex-1")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = st.HasExchange(ctx, "ex-missing")
	require.NoError(t, err)
	assert.False(t, has)

	_, err = st.GetExchange(ctx, "ex-missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInsertExchangeValidation(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	t.Run("missing id", func(t *testing.T) {
		ex := testExchange("")
		require.Error(t, st.InsertExchange(ctx, ex))
	})

	t.Run("wrong embedding dimension", func(t *testing.T) {
		ex := testExchange("ex-bad-dim")
		ex.Embedding = []float32{1, 2, 3}
		require.Error(t, st.InsertExchange(ctx, ex))

		// The rejected insert must leave no partial rows behind.
		has, err := st.HasExchange(ctx, "ex-bad-dim")
		require.NoError(t, err)
		assert.False(t, has)
	})

	t.Run("duplicate id rolls back cleanly", func(t *testing.T) {
		ex := testExchange("ex-dup")
		require.NoError(t, st.InsertExchange(ctx, ex))
		require.Error(t, st.InsertExchange(ctx, ex))

		stats, err := st.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Exchanges)
	})
}

func TestVectorRowOnlyWithEmbedding(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	with := testExchange("ex-with")
	require.NoError(t, st.InsertExchange(ctx, with))

	without := testExchange("ex-without")
	without.Embedding = nil
	without.ToolCalls = nil
	require.NoError(t, st.InsertExchange(ctx, without))

	hits, err := st.NearestExchanges(ctx, testEmbedding(0), 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "ex-with", hits[0].ID)

	// Text search still covers the unembedded exchange.
	textHits, err := st.TextMatchExchanges(ctx, "refresh token", 10)
	require.NoError(t, err)
	assert.Len(t, textHits, 2)
}

func TestNearestExchangesOrdering(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	axes := []int{0, 1, 2}
	for i, axis := range axes {
		ex := testExchange(fmt.Sprintf("ex-%d", i))
		ex.ToolCalls = nil
		ex.Embedding = testEmbedding(axis)
		require.NoError(t, st.InsertExchange(ctx, ex))
	}

	hits, err := st.NearestExchanges(ctx, testEmbedding(1), 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "ex-1", hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 0.001)
	assert.Greater(t, hits[0].Similarity, hits[1].Similarity)
}

func TestListExchangesQuery(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	a := testExchange("ex-a")
	a.SessionID = "sess-a"
	require.NoError(t, st.InsertExchange(ctx, a))

	b := testExchange("ex-b")
	b.SessionID = "sess-b"
	b.Project = "web"
	b.IsSidechain = true
	b.Timestamp = a.Timestamp.Add(time.Hour)
	b.ToolCalls = nil
	b.Embedding = nil
	require.NoError(t, st.InsertExchange(ctx, b))

	t.Run("by session", func(t *testing.T) {
		got, err := st.ListExchanges(ctx, ExchangeQuery{SessionID: "sess-a"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "ex-a", got[0].ID)
	})

	t.Run("by project", func(t *testing.T) {
		got, err := st.ListExchanges(ctx, ExchangeQuery{Project: "web"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "ex-b", got[0].ID)
	})

	t.Run("by tool name", func(t *testing.T) {
		got, err := st.ListExchanges(ctx, ExchangeQuery{ToolName: "Edit"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "ex-a", got[0].ID)
	})

	t.Run("sidechain only", func(t *testing.T) {
		got, err := st.ListExchanges(ctx, ExchangeQuery{SidechainOnly: true})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "ex-b", got[0].ID)
	})

	t.Run("newest first", func(t *testing.T) {
		got, err := st.ListExchanges(ctx, ExchangeQuery{})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "ex-b", got[0].ID)
	})
}

func TestDeleteExchangesByArchive(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	keep := testExchange("ex-keep")
	keep.ArchivePath = "/archive/api/other.jsonl"
	require.NoError(t, st.InsertExchange(ctx, keep))
	gone := testExchange("ex-gone")
	gone.ToolCalls = nil
	require.NoError(t, st.InsertExchange(ctx, gone))

	n, err := st.DeleteExchangesByArchive(ctx, "/archive/api/sess.jsonl")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = st.GetExchange(ctx, "ex-gone")
	require.ErrorIs(t, err, ErrNotFound)

	// Vector and text rows go with the row.
	hits, err := st.NearestExchanges(ctx, testEmbedding(0), 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "ex-keep", hits[0].ID)

	textHits, err := st.TextMatchExchanges(ctx, "refresh", 10)
	require.NoError(t, err)
	require.Len(t, textHits, 1)
	assert.Equal(t, "ex-keep", textHits[0].ID)
}

func TestObservationsRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	obs := &Observation{
		ID:            "obs-1",
		Project:       "api",
		SessionID:     "sess-1",
		Timestamp:     time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC),
		Type:          "bugfix",
		Title:         "Refresh token TTL mismatch",
		Subtitle:      "Sessions expired early",
		Narrative:     "Aligned the refresh TTL with the access TTL.",
		Facts:         []string{"TTL was 5m", "access TTL is 15m"},
		Concepts:      []string{"auth", "sessions"},
		FilesRead:     []string{"auth.go"},
		FilesModified: []string{"auth.go", "config.go"},
		Embedding:     testEmbedding(4),
	}
	require.NoError(t, st.InsertObservation(ctx, obs))

	got, err := st.GetObservations(ctx, []string{"obs-1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, obs.Title, got[0].Title)
	assert.Equal(t, obs.Facts, got[0].Facts)
	assert.Equal(t, obs.Concepts, got[0].Concepts)
	assert.Equal(t, obs.FilesModified, got[0].FilesModified)

	hits, err := st.NearestObservations(ctx, testEmbedding(4), 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "obs-1", hits[0].ID)

	textHits, err := st.TextMatchObservations(ctx, "TTL mismatch", 5)
	require.NoError(t, err)
	require.Len(t, textHits, 1)
}

func TestListObservationsFilters(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, st.InsertObservation(ctx, &Observation{
			ID:        fmt.Sprintf("obs-%d", i),
			Project:   "api",
			SessionID: "sess-1",
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Type:      "discovery",
			Title:     fmt.Sprintf("finding %d", i),
		}))
	}
	require.NoError(t, st.InsertObservation(ctx, &Observation{
		ID: "obs-web", Project: "web", SessionID: "sess-2",
		Timestamp: base, Type: "decision", Title: "web finding",
	}))

	got, err := st.ListObservations(ctx, ObservationQuery{Project: "api", Since: base.Add(30 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "obs-2", got[0].ID, "newest first")

	got, err = st.ListObservations(ctx, ObservationQuery{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestPendingEventQueue(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ev := &PendingEvent{
			SessionID:  "sess-1",
			Project:    "api",
			ToolName:   "Edit",
			MergedData: fmt.Sprintf(`{"file_path":"auth.go","edit":%d}`, i),
			Timestamp:  time.Date(2026, 2, 3, 8, 0, i, 0, time.UTC),
		}
		require.NoError(t, st.EnqueuePendingEvent(ctx, ev))
		assert.NotZero(t, ev.ID)
	}
	require.NoError(t, st.EnqueuePendingEvent(ctx, &PendingEvent{
		SessionID: "sess-other", Project: "api", ToolName: "Write",
		MergedData: "{}", Timestamp: time.Now().UTC(),
	}))

	events, err := st.PendingEvents(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Less(t, events[0].ID, events[1].ID, "enqueue order preserved")

	var ids []int64
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}
	require.NoError(t, st.DeletePendingEvents(ctx, ids))

	events, err = st.PendingEvents(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, events)

	other, err := st.PendingEvents(ctx, "sess-other")
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestStats(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Exchanges)
	assert.Nil(t, stats.Earliest)

	a := testExchange("ex-a")
	require.NoError(t, st.InsertExchange(ctx, a))
	b := testExchange("ex-b")
	b.Project = "web"
	b.Timestamp = a.Timestamp.Add(48 * time.Hour)
	b.ToolCalls = nil
	require.NoError(t, st.InsertExchange(ctx, b))
	require.NoError(t, st.InsertObservation(ctx, &Observation{
		ID: "obs-1", Project: "api", SessionID: "s", Timestamp: a.Timestamp, Type: "discovery", Title: "t",
	}))

	stats, err = st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Exchanges)
	assert.Equal(t, 2, stats.ToolCalls)
	assert.Equal(t, 1, stats.Observations)
	require.NotNil(t, stats.Earliest)
	require.NotNil(t, stats.Latest)
	assert.Equal(t, a.Timestamp.Unix(), stats.Earliest.Unix())
	assert.Equal(t, b.Timestamp.Unix(), stats.Latest.Unix())
	assert.Equal(t, 1, stats.ByProject["api"])
	assert.Equal(t, 1, stats.ByProject["web"])
}

func TestArchiveIndex(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	a := testExchange("ex-a")
	require.NoError(t, st.InsertExchange(ctx, a))
	b := testExchange("ex-b")
	b.ToolCalls = nil
	b.Embedding = nil
	require.NoError(t, st.InsertExchange(ctx, b))
	c := testExchange("ex-c")
	c.ArchivePath = "/archive/api/other.jsonl"
	c.ToolCalls = nil
	require.NoError(t, st.InsertExchange(ctx, c))

	index, err := st.ArchiveIndex(ctx)
	require.NoError(t, err)
	require.Len(t, index, 2)
	assert.Equal(t, 2, index["/archive/api/sess.jsonl"].Exchanges)
	assert.Equal(t, 1, index["/archive/api/other.jsonl"].Exchanges)
	assert.False(t, index["/archive/api/sess.jsonl"].LastIndexed.IsZero())
}
