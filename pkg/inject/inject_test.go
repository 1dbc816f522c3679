package inject

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/recall/pkg/store"
)

func newTestInjector(t *testing.T) (*Injector, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "index.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, zerolog.Nop()), st
}

func addObservation(t *testing.T, st *store.Store, id, project string, age time.Duration, title string) {
	t.Helper()
	require.NoError(t, st.InsertObservation(context.Background(), &store.Observation{
		ID:        id,
		Project:   project,
		SessionID: "sess",
		Timestamp: time.Now().UTC().Add(-age),
		Type:      "discovery",
		Title:     title,
	}))
}

func TestDigestEmptyIndex(t *testing.T) {
	inj, _ := newTestInjector(t)

	digest, err := inj.Digest(context.Background(), "api", Budget{})
	require.NoError(t, err)
	assert.Empty(t, digest.Markdown, "empty index injects nothing and is not an error")
	assert.Zero(t, digest.Included)
	assert.Zero(t, digest.Tokens)
}

func TestDigestRendersRecentObservations(t *testing.T) {
	inj, st := newTestInjector(t)
	addObservation(t, st, "obs-new", "api", time.Hour, "Queue stalls under load")
	addObservation(t, st, "obs-old", "api", 40*24*time.Hour, "Ancient finding")

	digest, err := inj.Digest(context.Background(), "api", Budget{})
	require.NoError(t, err)
	assert.Contains(t, digest.Markdown, "Queue stalls under load")
	assert.NotContains(t, digest.Markdown, "Ancient finding", "outside the recency window")
	assert.Contains(t, digest.Markdown, "Recalled context for api")
	assert.Equal(t, 1, digest.Included)
	assert.Greater(t, digest.Tokens, 0)
}

func TestDigestProjectScope(t *testing.T) {
	inj, st := newTestInjector(t)
	addObservation(t, st, "obs-api", "api", time.Hour, "API finding")
	addObservation(t, st, "obs-web", "web", time.Hour, "Web finding")

	t.Run("project only", func(t *testing.T) {
		digest, err := inj.Digest(context.Background(), "api", Budget{ProjectOnly: true})
		require.NoError(t, err)
		assert.Contains(t, digest.Markdown, "API finding")
		assert.NotContains(t, digest.Markdown, "Web finding")
	})

	t.Run("cross project", func(t *testing.T) {
		digest, err := inj.Digest(context.Background(), "api", Budget{})
		require.NoError(t, err)
		assert.Contains(t, digest.Markdown, "API finding")
		assert.Contains(t, digest.Markdown, "Web finding")
		assert.Equal(t, 2, digest.Included)
	})
}

func TestDigestObservationCap(t *testing.T) {
	inj, st := newTestInjector(t)
	for i := 0; i < 6; i++ {
		addObservation(t, st, fmt.Sprintf("obs-%d", i), "api", time.Duration(i)*time.Hour, fmt.Sprintf("Finding number %d", i))
	}

	digest, err := inj.Digest(context.Background(), "api", Budget{MaxObservations: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, digest.Included)
	assert.Equal(t, 3, strings.Count(digest.Markdown, "## "))
	// Newest first.
	assert.Contains(t, digest.Markdown, "Finding number 0")
	assert.NotContains(t, digest.Markdown, "Finding number 5")
}

func TestDigestTokenBudgetStopsAtFirstOverflow(t *testing.T) {
	inj, st := newTestInjector(t)
	addObservation(t, st, "obs-first", "api", time.Hour, "Leading small entry")
	long := strings.Repeat("a detailed narrative sentence ", 200)
	require.NoError(t, st.InsertObservation(context.Background(), &store.Observation{
		ID: "obs-long", Project: "api", SessionID: "sess",
		Timestamp: time.Now().UTC().Add(-2 * time.Hour),
		Type:      "discovery", Title: "Huge entry", Narrative: long,
	}))
	addObservation(t, st, "obs-later", "api", 3*time.Hour, "Trailing small entry")

	digest, err := inj.Digest(context.Background(), "api", Budget{MaxTokens: 100})
	require.NoError(t, err)
	assert.Contains(t, digest.Markdown, "Leading small entry")
	assert.NotContains(t, digest.Markdown, "Huge entry")
	// The fill ends at the first entry over budget; an older entry
	// that would fit must not leapfrog it.
	assert.NotContains(t, digest.Markdown, "Trailing small entry")
	assert.Equal(t, 1, digest.Included)
	assert.LessOrEqual(t, digest.Tokens, 100)
}

func TestDigestNothingFits(t *testing.T) {
	inj, st := newTestInjector(t)
	addObservation(t, st, "obs-1", "api", time.Hour, strings.Repeat("word ", 200))

	digest, err := inj.Digest(context.Background(), "api", Budget{MaxTokens: 30})
	require.NoError(t, err)
	assert.Empty(t, digest.Markdown, "header alone is not worth injecting")
	assert.Zero(t, digest.Included)
}
