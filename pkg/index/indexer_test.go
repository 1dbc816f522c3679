package index

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/recall/pkg/provider"
	"github.com/harun/recall/pkg/store"
	"github.com/harun/recall/pkg/transcript"
)

type hashEmbedder struct{}

func (hashEmbedder) Dimension() int { return provider.Dimension }

func (hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	hash := 0
	for _, c := range text {
		hash = hash*31 + int(c)
	}
	vec := make([]float32, provider.Dimension)
	for i := range vec {
		vec[i] = float32((hash+i)%100)/100.0 + 0.01
	}
	return provider.Normalize(vec), nil
}

func transcriptLine(sessionID, role, text, ts string) string {
	return fmt.Sprintf(`{"type":%q,"timestamp":%q,"sessionId":%q,"message":{"role":%q,"content":%q}}`,
		role, ts, sessionID, role, text)
}

func writeTranscript(t *testing.T, dir, project, name string, lines ...string) string {
	t.Helper()
	projectDir := filepath.Join(dir, project)
	require.NoError(t, os.MkdirAll(projectDir, 0755))
	path := filepath.Join(projectDir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))
	return path
}

func newTestIndexer(t *testing.T, embedder provider.Embedder) (*Indexer, *store.Store, string, string) {
	t.Helper()
	sourceDir := t.TempDir()
	archiveDir := t.TempDir()
	st, err := store.Open(filepath.Join(t.TempDir(), "index.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ix, err := New(Config{
		SourceDir:  sourceDir,
		ArchiveDir: archiveDir,
		Store:      st,
		Embedder:   embedder,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	return ix, st, sourceDir, archiveDir
}

func TestSyncEmptySourceDir(t *testing.T) {
	ix, _, _, _ := newTestIndexer(t, nil)

	report, err := ix.Sync(context.Background(), Options{Concurrency: 2})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Copied)
	assert.Equal(t, 0, report.Skipped)
	assert.Equal(t, 0, report.Indexed)
	assert.Equal(t, 0, report.Summarized)
	assert.Empty(t, report.Errors)
}

func TestSyncIndexesAndArchives(t *testing.T) {
	ix, st, sourceDir, archiveDir := newTestIndexer(t, hashEmbedder{})
	writeTranscript(t, sourceDir, "api", "s1.jsonl",
		transcriptLine("s1", "user", "How do I implement auth?", "2026-01-02T10:00:00Z"),
		transcriptLine("s1", "assistant", "Use JWT", "2026-01-02T10:00:05Z"),
	)

	report, err := ix.Sync(context.Background(), Options{Concurrency: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Copied)
	assert.Equal(t, 1, report.Indexed)
	assert.Empty(t, report.Errors)

	// Archive copy is verbatim.
	src, err := os.ReadFile(filepath.Join(sourceDir, "api", "s1.jsonl"))
	require.NoError(t, err)
	dst, err := os.ReadFile(filepath.Join(archiveDir, "api", "s1.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, src, dst)

	exchanges, err := st.ListExchanges(context.Background(), store.ExchangeQuery{Project: "api"})
	require.NoError(t, err)
	require.Len(t, exchanges, 1)
	ex := exchanges[0]
	assert.Equal(t, "How do I implement auth?", ex.UserMessage)
	assert.Equal(t, "Use JWT", ex.AssistantMessage)
	assert.Equal(t, filepath.Join("api", "s1.jsonl"), ex.ArchivePath)

	// Reading the archived line range back reproduces the text.
	lines := strings.Split(strings.TrimRight(string(dst), "\n"), "\n")
	require.GreaterOrEqual(t, len(lines), ex.LineEnd)
	ranged := lines[ex.LineStart-1 : ex.LineEnd]
	assert.Contains(t, ranged[0], "How do I implement auth?")
}

func TestSyncIdempotent(t *testing.T) {
	ix, _, sourceDir, _ := newTestIndexer(t, hashEmbedder{})
	writeTranscript(t, sourceDir, "api", "s1.jsonl",
		transcriptLine("s1", "user", "hello", "2026-01-02T10:00:00Z"),
		transcriptLine("s1", "assistant", "hi", "2026-01-02T10:00:01Z"),
	)

	first, err := ix.Sync(context.Background(), Options{Concurrency: 1})
	require.NoError(t, err)
	require.Equal(t, 1, first.Indexed)

	second, err := ix.Sync(context.Background(), Options{Concurrency: 1})
	require.NoError(t, err)
	assert.Equal(t, 0, second.Copied)
	assert.Equal(t, 0, second.Indexed)
	assert.Equal(t, 1, second.Skipped)
	assert.Empty(t, second.Errors)
}

func TestSyncBadFileDoesNotAbortRun(t *testing.T) {
	ix, st, sourceDir, _ := newTestIndexer(t, nil)
	writeTranscript(t, sourceDir, "api", "bad.jsonl", "this is not a transcript")
	writeTranscript(t, sourceDir, "api", "good.jsonl",
		transcriptLine("s2", "user", "works?", "2026-01-02T10:00:00Z"),
		transcriptLine("s2", "assistant", "works", "2026-01-02T10:00:01Z"),
	)

	report, err := ix.Sync(context.Background(), Options{Concurrency: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Indexed)
	require.NotEmpty(t, report.Errors)
	assert.Contains(t, report.Errors[0].File, "bad.jsonl")

	exchanges, err := st.ListExchanges(context.Background(), store.ExchangeQuery{SessionID: "s2"})
	require.NoError(t, err)
	assert.Len(t, exchanges, 1)
}

func TestSyncSkipIndex(t *testing.T) {
	ix, st, sourceDir, archiveDir := newTestIndexer(t, nil)
	writeTranscript(t, sourceDir, "api", "s1.jsonl",
		transcriptLine("s1", "user", "hello", "2026-01-02T10:00:00Z"),
		transcriptLine("s1", "assistant", "hi", "2026-01-02T10:00:01Z"),
	)

	report, err := ix.Sync(context.Background(), Options{SkipIndex: true, Concurrency: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Copied)
	assert.Equal(t, 0, report.Indexed)

	_, err = os.Stat(filepath.Join(archiveDir, "api", "s1.jsonl"))
	assert.NoError(t, err)

	stats, err := st.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Exchanges)
}

func TestSyncEmbeddingsSearchable(t *testing.T) {
	ix, st, sourceDir, _ := newTestIndexer(t, hashEmbedder{})
	writeTranscript(t, sourceDir, "api", "s1.jsonl",
		transcriptLine("s1", "user", "How do I implement auth?", "2026-01-02T10:00:00Z"),
		transcriptLine("s1", "assistant", "Use JWT", "2026-01-02T10:00:05Z"),
	)

	_, err := ix.Sync(context.Background(), Options{Concurrency: 2})
	require.NoError(t, err)

	query, err := hashEmbedder{}.Embed(context.Background(), "authentication")
	require.NoError(t, err)
	hits, err := st.NearestExchanges(context.Background(), query, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "exchange", hits[0].Kind)
}

func TestRebuildReindexesEverything(t *testing.T) {
	ix, st, sourceDir, _ := newTestIndexer(t, nil)
	writeTranscript(t, sourceDir, "api", "s1.jsonl",
		transcriptLine("s1", "user", "hello", "2026-01-02T10:00:00Z"),
		transcriptLine("s1", "assistant", "hi", "2026-01-02T10:00:01Z"),
	)

	_, err := ix.Sync(context.Background(), Options{Concurrency: 1})
	require.NoError(t, err)

	report, err := ix.Rebuild(context.Background(), Options{Concurrency: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Indexed)

	stats, err := st.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Exchanges)
}

func TestCopyIfNewerKeepsDestinationOnFailure(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "archive.jsonl")
	require.NoError(t, os.WriteFile(dst, []byte("intact contents\n"), 0644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(dst, old, old))

	// A directory source opens fine but fails once the copy starts
	// reading.
	src := filepath.Join(dir, "srcdir")
	require.NoError(t, os.Mkdir(src, 0755))

	copied, err := copyIfNewer(src, dst)
	require.Error(t, err)
	assert.False(t, copied)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "intact contents\n", string(data), "a failed copy must not touch the archive")
	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.WithinDuration(t, old, info.ModTime(), time.Second, "a failed copy must not freshen the archive mtime")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-", "temp files are cleaned up on failure")
	}
}

func TestTruncateRunes(t *testing.T) {
	t.Run("short text untouched", func(t *testing.T) {
		assert.Equal(t, "héllo", truncateRunes("héllo", 10))
	})

	t.Run("cut backs up to a rune start", func(t *testing.T) {
		s := strings.Repeat("é", 10)
		got := truncateRunes(s, 5)
		assert.Equal(t, strings.Repeat("é", 2), got)
		assert.True(t, utf8.ValidString(got))
	})

	t.Run("cut already on a boundary", func(t *testing.T) {
		s := strings.Repeat("é", 10)
		assert.Equal(t, strings.Repeat("é", 3), truncateRunes(s, 6))
	})
}

func TestEmbedTextTruncatesOnRuneBoundary(t *testing.T) {
	ex := &transcript.Exchange{
		UserMessage: strings.Repeat("日本語のテキスト", embedTextLimit),
	}
	text := embedText(ex)
	assert.LessOrEqual(t, len(text), embedTextLimit)
	assert.True(t, utf8.ValidString(text))
}
