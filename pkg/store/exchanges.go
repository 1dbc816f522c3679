package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harun/recall/pkg/transcript"
)

// InsertExchange writes an exchange, its tool calls, its text-search
// row, and (when an embedding is present) its vector row in one
// transaction. A vector row exists if and only if has_embedding is set.
func (s *Store) InsertExchange(ctx context.Context, ex *transcript.Exchange) error {
	if ex.ID == "" {
		return fmt.Errorf("exchange id is required")
	}
	if ex.Embedding != nil && len(ex.Embedding) != Dimension {
		return fmt.Errorf("embedding dimension %d, want %d", len(ex.Embedding), Dimension)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	hasEmbedding := 0
	if ex.Embedding != nil {
		hasEmbedding = 1
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO exchanges (
			id, project, timestamp, user_message, assistant_message,
			archive_path, line_start, line_end, session_id, cwd,
			git_branch, assistant_version, is_sidechain, tool_summary,
			has_embedding, indexed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.Project, ex.Timestamp.Unix(), ex.UserMessage, ex.AssistantMessage,
		ex.ArchivePath, ex.LineStart, ex.LineEnd, ex.SessionID, ex.CWD,
		ex.GitBranch, ex.AssistantVersion, boolToInt(ex.IsSidechain), ex.ToolSummary,
		hasEmbedding, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert exchange: %w", err)
	}

	for _, call := range ex.ToolCalls {
		id := call.ID
		if id == "" {
			id = uuid.NewString()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tool_calls (id, exchange_id, tool_name, tool_input, tool_result, is_error, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, ex.ID, call.ToolName, call.ToolInput, call.ToolResult,
			boolToInt(call.IsError), call.Timestamp.Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert tool call: %w", err)
		}
	}

	content := strings.TrimSpace(ex.UserMessage + "\n" + ex.AssistantMessage)
	if _, err = tx.ExecContext(ctx,
		"INSERT INTO exchanges_fts (exchange_id, content) VALUES (?, ?)",
		ex.ID, content,
	); err != nil {
		return fmt.Errorf("failed to insert text row: %w", err)
	}

	if ex.Embedding != nil {
		embeddingJSON, err := json.Marshal(ex.Embedding)
		if err != nil {
			return fmt.Errorf("failed to marshal embedding: %w", err)
		}
		if _, err = tx.ExecContext(ctx,
			"INSERT INTO vec_exchanges (exchange_id, embedding) VALUES (?, ?)",
			ex.ID, string(embeddingJSON),
		); err != nil {
			return fmt.Errorf("failed to insert vector row: %w", err)
		}
	}

	return tx.Commit()
}

// HasExchange reports whether an exchange id is already indexed.
func (s *Store) HasExchange(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM exchanges WHERE id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetExchange loads one exchange with its tool calls.
func (s *Store) GetExchange(ctx context.Context, id string) (*transcript.Exchange, error) {
	row := s.db.QueryRowContext(ctx, selectExchange+" WHERE id = ?", id)
	ex, err := scanExchange(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	calls, err := s.toolCallsFor(ctx, id)
	if err != nil {
		return nil, err
	}
	ex.ToolCalls = calls
	return ex, nil
}

// GetExchanges loads a batch of exchanges without their tool calls,
// preserving the order of ids. Unknown ids are skipped.
func (s *Store) GetExchanges(ctx context.Context, ids []string) ([]*transcript.Exchange, error) {
	byID := make(map[string]*transcript.Exchange, len(ids))
	for _, id := range ids {
		row := s.db.QueryRowContext(ctx, selectExchange+" WHERE id = ?", id)
		ex, err := scanExchange(row)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		byID[id] = ex
	}
	out := make([]*transcript.Exchange, 0, len(byID))
	for _, id := range ids {
		if ex, ok := byID[id]; ok {
			out = append(out, ex)
		}
	}
	return out, nil
}

// ExchangeQuery selects exchanges by the indexed lookup paths.
type ExchangeQuery struct {
	SessionID     string
	Project       string
	ToolName      string
	SidechainOnly bool
	Limit         int
}

// ListExchanges returns exchanges matching the query, newest first.
func (s *Store) ListExchanges(ctx context.Context, q ExchangeQuery) ([]*transcript.Exchange, error) {
	var conds []string
	var args []any
	if q.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.Project != "" {
		conds = append(conds, "project = ?")
		args = append(args, q.Project)
	}
	if q.SidechainOnly {
		conds = append(conds, "is_sidechain = 1")
	}
	if q.ToolName != "" {
		conds = append(conds, "id IN (SELECT exchange_id FROM tool_calls WHERE tool_name = ?)")
		args = append(args, q.ToolName)
	}

	query := selectExchange
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*transcript.Exchange
	for rows.Next() {
		ex, err := scanExchange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// DeleteExchangesByArchive removes all exchanges sourced from one
// archive file, together with their tool calls, text rows, and vector
// rows.
func (s *Store) DeleteExchangesByArchive(ctx context.Context, archivePath string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT id FROM exchanges WHERE archive_path = ?", archivePath)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		// tool_calls cascade from the exchanges delete
		if _, err := tx.ExecContext(ctx, "DELETE FROM exchanges WHERE id = ?", id); err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM exchanges_fts WHERE exchange_id = ?", id); err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM vec_exchanges WHERE exchange_id = ?", id); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// ArchiveIndex summarizes indexed rows per archive file, used by the
// integrity verifier.
func (s *Store) ArchiveIndex(ctx context.Context) (map[string]ArchiveInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT archive_path, COUNT(*), MAX(indexed_at)
		FROM exchanges GROUP BY archive_path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]ArchiveInfo)
	for rows.Next() {
		var info ArchiveInfo
		var indexedAt int64
		if err := rows.Scan(&info.Path, &info.Exchanges, &indexedAt); err != nil {
			return nil, err
		}
		info.LastIndexed = time.Unix(indexedAt, 0).UTC()
		out[info.Path] = info
	}
	return out, rows.Err()
}

func (s *Store) toolCallsFor(ctx context.Context, exchangeID string) ([]transcript.ToolCall, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, exchange_id, tool_name, tool_input, tool_result, is_error, timestamp
		FROM tool_calls WHERE exchange_id = ? ORDER BY timestamp`, exchangeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []transcript.ToolCall
	for rows.Next() {
		var c transcript.ToolCall
		var isError int
		var ts int64
		if err := rows.Scan(&c.ID, &c.ExchangeID, &c.ToolName, &c.ToolInput, &c.ToolResult, &isError, &ts); err != nil {
			return nil, err
		}
		c.IsError = isError != 0
		c.Timestamp = time.Unix(ts, 0).UTC()
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

const selectExchange = `
	SELECT id, project, timestamp, user_message, assistant_message,
		archive_path, line_start, line_end, session_id, cwd,
		git_branch, assistant_version, is_sidechain, tool_summary
	FROM exchanges`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExchange(row rowScanner) (*transcript.Exchange, error) {
	var ex transcript.Exchange
	var ts int64
	var sidechain int
	err := row.Scan(
		&ex.ID, &ex.Project, &ts, &ex.UserMessage, &ex.AssistantMessage,
		&ex.ArchivePath, &ex.LineStart, &ex.LineEnd, &ex.SessionID, &ex.CWD,
		&ex.GitBranch, &ex.AssistantVersion, &sidechain, &ex.ToolSummary,
	)
	if err != nil {
		return nil, err
	}
	ex.Timestamp = time.Unix(ts, 0).UTC()
	ex.IsSidechain = sidechain != 0
	return &ex, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
