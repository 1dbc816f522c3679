package transcript

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Record is one line of a session transcript.
type Record struct {
	Type        string  `json:"type"`
	Timestamp   string  `json:"timestamp"`
	SessionID   string  `json:"sessionId"`
	GitBranch   string  `json:"gitBranch"`
	CWD         string  `json:"cwd"`
	Version     string  `json:"version"`
	IsSidechain bool    `json:"isSidechain"`
	Message     Message `json:"message"`
}

// Message is the role/content payload of a record.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ContentBlock is one typed block of structured message content.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Exchange is one user/assistant conversational turn plus its tool calls.
type Exchange struct {
	ID               string
	Project          string
	Timestamp        time.Time
	UserMessage      string
	AssistantMessage string
	ArchivePath      string
	LineStart        int // 1-indexed, inclusive
	LineEnd          int
	SessionID        string
	CWD              string
	GitBranch        string
	AssistantVersion string
	IsSidechain      bool
	Embedding        []float32
	ToolSummary      string
	ToolCalls        []ToolCall
}

// ToolCall is one tool invocation inside an Exchange.
type ToolCall struct {
	ID         string
	ExchangeID string
	ToolName   string
	ToolInput  string
	ToolResult string
	IsError    bool
	Timestamp  time.Time
}

// ParseError reports a malformed transcript record. It carries the
// 1-indexed line number so callers can point at the offending record.
type ParseError struct {
	Line int
	Msg  string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("line %d: %s: %v", e.Line, e.Msg, e.Err)
	}
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ExchangeID derives a stable exchange id from the session and the
// exchange's position within it. Re-indexing the same transcript always
// produces the same ids.
func ExchangeID(sessionID string, position int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", sessionID, position)))
	return hex.EncodeToString(sum[:])[:16]
}
