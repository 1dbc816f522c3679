package transcript

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"time"
)

// Scanner reads a transcript line by line and groups records into
// Exchanges. A malformed record surfaces as a *ParseError from Next;
// scanning continues with the following record, so the caller decides
// the per-file policy.
type Scanner struct {
	scanner  *bufio.Scanner
	line     int
	position int
	cur      *Exchange
	open     map[string]int // tool_use id -> index into cur.ToolCalls
	queued   *Exchange      // flushed exchange waiting to be returned
	done     bool
}

// NewScanner creates a Scanner over a transcript stream.
func NewScanner(r io.Reader) *Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	return &Scanner{scanner: sc, open: make(map[string]int)}
}

// Next returns the next Exchange. It returns io.EOF when the transcript
// is exhausted and a *ParseError for a malformed record; after a
// ParseError the scanner remains usable.
func (s *Scanner) Next() (*Exchange, error) {
	if ex := s.queued; ex != nil {
		s.queued = nil
		return ex, nil
	}
	for !s.done {
		if !s.scanner.Scan() {
			s.done = true
			break
		}
		s.line++
		raw := strings.TrimSpace(s.scanner.Text())
		if raw == "" {
			continue
		}

		rec, err := s.decodeRecord(raw)
		if err != nil {
			return nil, err
		}
		if rec == nil { // discarded record type
			continue
		}

		if ex := s.consume(rec); ex != nil {
			return ex, nil
		}
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	if ex := s.flush(); ex != nil {
		return ex, nil
	}
	return nil, io.EOF
}

// decodeRecord parses one line into a Record. Only the closed set of
// record types {user, assistant, system} is accepted; system records
// are discarded (nil, nil).
func (s *Scanner) decodeRecord(raw string) (*Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, &ParseError{Line: s.line, Msg: "invalid JSON", Err: err}
	}
	switch rec.Type {
	case "system":
		return nil, nil
	case "user", "assistant":
	case "":
		return nil, &ParseError{Line: s.line, Msg: "record missing type"}
	default:
		return nil, &ParseError{Line: s.line, Msg: "unknown record type " + rec.Type}
	}
	if len(rec.Message.Content) == 0 && rec.Message.Role == "" {
		return nil, &ParseError{Line: s.line, Msg: "record missing message"}
	}
	return &rec, nil
}

// consume folds one record into the exchange being built and returns a
// completed Exchange when the record starts a new turn.
func (s *Scanner) consume(rec *Record) *Exchange {
	text, blocks := splitContent(rec.Message.Content)

	switch rec.Type {
	case "user":
		results := toolResults(blocks)
		if len(results) > 0 && text == "" {
			// A tool_result-only record closes calls from the
			// current exchange, it does not open a new turn.
			s.attachResults(results, rec)
			return nil
		}
		flushed := s.flush()
		s.cur = s.begin(rec)
		s.cur.UserMessage = text
		if flushed != nil {
			return flushed
		}
		return nil

	case "assistant":
		if s.cur == nil {
			s.cur = s.begin(rec)
		}
		if text != "" {
			if s.cur.AssistantMessage != "" {
				s.cur.AssistantMessage += "\n"
			}
			s.cur.AssistantMessage += text
		}
		for _, b := range blocks {
			if b.Type != "tool_use" {
				continue
			}
			call := ToolCall{
				ID:        b.ID,
				ToolName:  b.Name,
				ToolInput: string(b.Input),
				Timestamp: parseTime(rec.Timestamp),
			}
			s.cur.ToolCalls = append(s.cur.ToolCalls, call)
			if b.ID != "" {
				s.open[b.ID] = len(s.cur.ToolCalls) - 1
			}
		}
		if rec.IsSidechain {
			s.cur.IsSidechain = true
		}
		s.cur.LineEnd = s.line
	}
	return nil
}

func (s *Scanner) begin(rec *Record) *Exchange {
	return &Exchange{
		Timestamp:        parseTime(rec.Timestamp),
		SessionID:        rec.SessionID,
		CWD:              rec.CWD,
		GitBranch:        rec.GitBranch,
		AssistantVersion: rec.Version,
		IsSidechain:      rec.IsSidechain,
		LineStart:        s.line,
		LineEnd:          s.line,
	}
}

func (s *Scanner) attachResults(results []ContentBlock, rec *Record) {
	if s.cur == nil {
		return
	}
	for _, b := range results {
		idx, ok := s.open[b.ToolUseID]
		if !ok {
			continue
		}
		s.cur.ToolCalls[idx].ToolResult = flattenContent(b.Content)
		s.cur.ToolCalls[idx].IsError = b.IsError
		delete(s.open, b.ToolUseID)
	}
	s.cur.LineEnd = s.line
}

// flush finalizes the exchange under construction, assigning its stable
// id from the session and turn position.
func (s *Scanner) flush() *Exchange {
	ex := s.cur
	if ex == nil {
		return nil
	}
	s.cur = nil
	s.open = make(map[string]int)
	if ex.UserMessage == "" && ex.AssistantMessage == "" && len(ex.ToolCalls) == 0 {
		return nil
	}
	ex.ID = ExchangeID(ex.SessionID, s.position)
	for i := range ex.ToolCalls {
		ex.ToolCalls[i].ExchangeID = ex.ID
	}
	s.position++
	return ex
}

// ParseFile reads an entire transcript from disk. Record-level parse
// failures are collected rather than aborting the file; the returned
// error covers I/O only.
func ParseFile(path string) ([]*Exchange, []error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	var exchanges []*Exchange
	var parseErrs []error
	sc := NewScanner(f)
	for {
		ex, err := sc.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *ParseError
			if errors.As(err, &pe) {
				parseErrs = append(parseErrs, err)
				continue
			}
			return exchanges, parseErrs, err
		}
		exchanges = append(exchanges, ex)
	}
	return exchanges, parseErrs, nil
}

// splitContent decodes message content that is either a plain string or
// a list of typed blocks.
func splitContent(raw json.RawMessage) (string, []ContentBlock) {
	if len(raw) == 0 {
		return "", nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", nil
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n"), blocks
}

func toolResults(blocks []ContentBlock) []ContentBlock {
	var out []ContentBlock
	for _, b := range blocks {
		if b.Type == "tool_result" {
			out = append(out, b)
		}
	}
	return out
}

// flattenContent renders tool_result content (string or text blocks) as
// plain text.
func flattenContent(raw json.RawMessage) string {
	text, _ := splitContent(raw)
	return text
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
