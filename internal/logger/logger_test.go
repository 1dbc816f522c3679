package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "recall.log")
	l, err := New(Config{Level: "debug", File: path})
	require.NoError(t, err)

	zl := l.Zerolog()
	zl.Info().Str("component", "test").Msg("hello")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"hello"`)
	assert.Contains(t, string(data), `"component":"test"`)
}

func TestNewSilentWithoutSinks(t *testing.T) {
	l, err := New(Config{Level: "info"})
	require.NoError(t, err)
	// Must not panic or write anywhere.
	zl := l.Zerolog()
	zl.Info().Msg("nowhere")
	require.NoError(t, l.Close())
}

func TestRedaction(t *testing.T) {
	t.Run("api key scrubbed", func(t *testing.T) {
		r := NewRedactor()
		out := r.Redact("calling with sk-abcdefghijklmnopqrstuvwxyz123456")
		assert.NotContains(t, out, "sk-abcdefghijklmnopqrstuvwxyz123456")
		assert.Contains(t, out, "[REDACTED]")
	})

	t.Run("plain text untouched", func(t *testing.T) {
		r := NewRedactor()
		assert.Equal(t, "indexed 5 files", r.Redact("indexed 5 files"))
	})

	t.Run("redaction wired through logger", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "recall.log")
		l, err := New(Config{Level: "info", File: path, Redaction: true})
		require.NoError(t, err)
		zl := l.Zerolog()
		zl.Info().Msg("leaked sk-abcdefghijklmnopqrstuvwxyz123456")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.False(t, strings.Contains(string(data), "sk-abcdefghijklmnopqrstuvwxyz123456"))
	})
}
