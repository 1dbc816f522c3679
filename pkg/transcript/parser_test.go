package transcript

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTranscript = `{"type":"user","timestamp":"2026-01-02T10:00:00Z","sessionId":"s1","cwd":"/work/api","gitBranch":"main","version":"1.2.0","message":{"role":"user","content":"How do I implement auth?"}}
{"type":"assistant","timestamp":"2026-01-02T10:00:05Z","sessionId":"s1","version":"1.2.0","message":{"role":"assistant","content":[{"type":"text","text":"Use JWT"},{"type":"tool_use","id":"tu1","name":"Read","input":{"file_path":"auth.go"}}]}}
{"type":"user","timestamp":"2026-01-02T10:00:06Z","sessionId":"s1","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu1","content":"package auth"}]}}
{"type":"system","timestamp":"2026-01-02T10:00:07Z","message":{"role":"system","content":"noise"}}
{"type":"user","timestamp":"2026-01-02T10:01:00Z","sessionId":"s1","message":{"role":"user","content":"Thanks"}}
{"type":"assistant","timestamp":"2026-01-02T10:01:02Z","sessionId":"s1","message":{"role":"assistant","content":"You're welcome"}}
`

func collect(t *testing.T, s *Scanner) ([]*Exchange, []error) {
	t.Helper()
	var exchanges []*Exchange
	var errs []error
	for {
		ex, err := s.Next()
		if err == io.EOF {
			return exchanges, errs
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		exchanges = append(exchanges, ex)
	}
}

func TestScannerGroupsExchanges(t *testing.T) {
	exchanges, errs := collect(t, NewScanner(strings.NewReader(sampleTranscript)))
	require.Empty(t, errs)
	require.Len(t, exchanges, 2)

	first := exchanges[0]
	assert.Equal(t, "How do I implement auth?", first.UserMessage)
	assert.Equal(t, "Use JWT", first.AssistantMessage)
	assert.Equal(t, "s1", first.SessionID)
	assert.Equal(t, "/work/api", first.CWD)
	assert.Equal(t, "main", first.GitBranch)
	assert.Equal(t, "1.2.0", first.AssistantVersion)
	assert.Equal(t, 1, first.LineStart)
	assert.Equal(t, 3, first.LineEnd)
	assert.False(t, first.IsSidechain)

	require.Len(t, first.ToolCalls, 1)
	call := first.ToolCalls[0]
	assert.Equal(t, "Read", call.ToolName)
	assert.Equal(t, "package auth", call.ToolResult)
	assert.Equal(t, first.ID, call.ExchangeID)
	assert.False(t, call.IsError)

	second := exchanges[1]
	assert.Equal(t, "Thanks", second.UserMessage)
	assert.Equal(t, "You're welcome", second.AssistantMessage)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestScannerStableIDs(t *testing.T) {
	a, _ := collect(t, NewScanner(strings.NewReader(sampleTranscript)))
	b, _ := collect(t, NewScanner(strings.NewReader(sampleTranscript)))
	require.Len(t, b, len(a))
	for i := range a {
		assert.Equal(t, a[i].ID, b[i].ID)
	}
}

func TestScannerMalformedRecords(t *testing.T) {
	t.Run("invalid JSON does not abort scanning", func(t *testing.T) {
		input := "not json at all\n" + sampleTranscript
		exchanges, errs := collect(t, NewScanner(strings.NewReader(input)))
		require.Len(t, errs, 1)
		var pe *ParseError
		require.ErrorAs(t, errs[0], &pe)
		assert.Equal(t, 1, pe.Line)
		assert.Len(t, exchanges, 2)
	})

	t.Run("missing type", func(t *testing.T) {
		_, errs := collect(t, NewScanner(strings.NewReader(`{"message":{"role":"user","content":"hi"}}`)))
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].Error(), "missing type")
	})

	t.Run("missing message", func(t *testing.T) {
		_, errs := collect(t, NewScanner(strings.NewReader(`{"type":"user","timestamp":"2026-01-02T10:00:00Z"}`)))
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].Error(), "missing message")
	})

	t.Run("unknown record type rejected", func(t *testing.T) {
		_, errs := collect(t, NewScanner(strings.NewReader(`{"type":"widget","message":{"role":"user","content":"hi"}}`)))
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].Error(), "unknown record type")
	})
}

func TestScannerSidechainFlagged(t *testing.T) {
	input := `{"type":"user","timestamp":"2026-01-02T10:00:00Z","sessionId":"s2","isSidechain":true,"message":{"role":"user","content":"side"}}
{"type":"assistant","timestamp":"2026-01-02T10:00:01Z","sessionId":"s2","isSidechain":true,"message":{"role":"assistant","content":"quest"}}
`
	exchanges, errs := collect(t, NewScanner(strings.NewReader(input)))
	require.Empty(t, errs)
	require.Len(t, exchanges, 1)
	assert.True(t, exchanges[0].IsSidechain)
}

func TestExchangeID(t *testing.T) {
	assert.Equal(t, ExchangeID("s1", 0), ExchangeID("s1", 0))
	assert.NotEqual(t, ExchangeID("s1", 0), ExchangeID("s1", 1))
	assert.NotEqual(t, ExchangeID("s1", 0), ExchangeID("s2", 0))
	assert.Len(t, ExchangeID("s1", 0), 16)
}
