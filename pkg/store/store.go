// Package store is the durable home for exchanges, tool calls,
// observations, and pending events, plus the vector index that backs
// nearest-neighbor search. All mutations funnel through one serialized
// writer; readers run concurrently under WAL.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

// Store owns the index database. It is safe for concurrent use; write
// methods serialize on an internal mutex so the file only ever sees a
// single writer.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	logger zerolog.Logger
	path   string
}

// Open opens (creating if needed) the index database at path.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := sql.Open("sqlite3", path+"?_fts5=1&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL lets readers proceed while the single writer works.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
		path:   path,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS exchanges (
			id TEXT PRIMARY KEY,
			project TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			user_message TEXT NOT NULL,
			assistant_message TEXT NOT NULL,
			archive_path TEXT NOT NULL,
			line_start INTEGER NOT NULL,
			line_end INTEGER NOT NULL,
			session_id TEXT NOT NULL,
			cwd TEXT NOT NULL DEFAULT '',
			git_branch TEXT NOT NULL DEFAULT '',
			assistant_version TEXT NOT NULL DEFAULT '',
			is_sidechain INTEGER NOT NULL DEFAULT 0,
			tool_summary TEXT NOT NULL DEFAULT '',
			has_embedding INTEGER NOT NULL DEFAULT 0,
			indexed_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_exchanges_timestamp ON exchanges(timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_exchanges_session ON exchanges(session_id);
		CREATE INDEX IF NOT EXISTS idx_exchanges_project ON exchanges(project);
		CREATE INDEX IF NOT EXISTS idx_exchanges_sidechain ON exchanges(is_sidechain);
		CREATE INDEX IF NOT EXISTS idx_exchanges_archive ON exchanges(archive_path);

		CREATE TABLE IF NOT EXISTS tool_calls (
			id TEXT PRIMARY KEY,
			exchange_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			tool_input TEXT NOT NULL DEFAULT '',
			tool_result TEXT NOT NULL DEFAULT '',
			is_error INTEGER NOT NULL DEFAULT 0,
			timestamp INTEGER NOT NULL,
			FOREIGN KEY (exchange_id) REFERENCES exchanges(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_tool_calls_exchange ON tool_calls(exchange_id);
		CREATE INDEX IF NOT EXISTS idx_tool_calls_name ON tool_calls(tool_name);

		CREATE TABLE IF NOT EXISTS observations (
			id TEXT PRIMARY KEY,
			project TEXT NOT NULL,
			session_id TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			type TEXT NOT NULL,
			title TEXT NOT NULL,
			subtitle TEXT NOT NULL DEFAULT '',
			narrative TEXT NOT NULL DEFAULT '',
			facts TEXT NOT NULL DEFAULT '[]',
			concepts TEXT NOT NULL DEFAULT '[]',
			files_read TEXT NOT NULL DEFAULT '[]',
			files_modified TEXT NOT NULL DEFAULT '[]',
			has_embedding INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_observations_timestamp ON observations(timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_observations_project ON observations(project);
		CREATE INDEX IF NOT EXISTS idx_observations_session ON observations(session_id);

		CREATE TABLE IF NOT EXISTS pending_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			project TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL,
			merged_data TEXT NOT NULL,
			timestamp INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_pending_session ON pending_events(session_id);

		CREATE VIRTUAL TABLE IF NOT EXISTS exchanges_fts USING fts5(
			exchange_id UNINDEXED,
			content,
			tokenize='porter unicode61'
		);
		CREATE VIRTUAL TABLE IF NOT EXISTS observations_fts USING fts5(
			observation_id UNINDEXED,
			content,
			tokenize='porter unicode61'
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	vectorSchema := fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS vec_exchanges USING vec0(
			exchange_id TEXT PRIMARY KEY,
			embedding float[%d] distance_metric=cosine
		);
		CREATE VIRTUAL TABLE IF NOT EXISTS vec_observations USING vec0(
			observation_id TEXT PRIMARY KEY,
			embedding float[%d] distance_metric=cosine
		);
	`, Dimension, Dimension)
	if _, err := s.db.Exec(vectorSchema); err != nil {
		return fmt.Errorf("failed to create vector tables: %w", err)
	}

	return nil
}

// Stats computes the on-demand index aggregate.
func (s *Store) Stats(ctx context.Context) (IndexStats, error) {
	stats := IndexStats{ByProject: make(map[string]int)}

	counts := []struct {
		query string
		dst   *int
	}{
		{"SELECT COUNT(*) FROM exchanges", &stats.Exchanges},
		{"SELECT COUNT(*) FROM tool_calls", &stats.ToolCalls},
		{"SELECT COUNT(*) FROM observations", &stats.Observations},
		{"SELECT COUNT(*) FROM pending_events", &stats.PendingEvents},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return stats, err
		}
	}

	var earliest, latest sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT MIN(timestamp), MAX(timestamp) FROM exchanges").Scan(&earliest, &latest)
	if err != nil {
		return stats, err
	}
	if earliest.Valid {
		t := time.Unix(earliest.Int64, 0).UTC()
		stats.Earliest = &t
	}
	if latest.Valid {
		t := time.Unix(latest.Int64, 0).UTC()
		stats.Latest = &t
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT project, COUNT(*) FROM exchanges GROUP BY project")
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var project string
		var n int
		if err := rows.Scan(&project, &n); err != nil {
			return stats, err
		}
		stats.ByProject[project] = n
	}
	return stats, rows.Err()
}

// Close closes the underlying database. The handle must not be used
// afterwards; a process keeps exactly one open writer handle.
func (s *Store) Close() error {
	return s.db.Close()
}
