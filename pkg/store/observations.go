package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// InsertObservation appends an observation. Observations are
// append-only; there is no update path.
func (s *Store) InsertObservation(ctx context.Context, obs *Observation) error {
	if obs.ID == "" {
		return fmt.Errorf("observation id is required")
	}
	if obs.Embedding != nil && len(obs.Embedding) != Dimension {
		return fmt.Errorf("embedding dimension %d, want %d", len(obs.Embedding), Dimension)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	hasEmbedding := 0
	if obs.Embedding != nil {
		hasEmbedding = 1
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO observations (
			id, project, session_id, timestamp, type, title, subtitle,
			narrative, facts, concepts, files_read, files_modified, has_embedding
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		obs.ID, obs.Project, obs.SessionID, obs.Timestamp.Unix(), obs.Type,
		obs.Title, obs.Subtitle, obs.Narrative,
		marshalList(obs.Facts), marshalList(obs.Concepts),
		marshalList(obs.FilesRead), marshalList(obs.FilesModified),
		hasEmbedding,
	)
	if err != nil {
		return fmt.Errorf("failed to insert observation: %w", err)
	}

	content := strings.TrimSpace(strings.Join([]string{
		obs.Title, obs.Subtitle, obs.Narrative, strings.Join(obs.Facts, "\n"),
	}, "\n"))
	if _, err = tx.ExecContext(ctx,
		"INSERT INTO observations_fts (observation_id, content) VALUES (?, ?)",
		obs.ID, content,
	); err != nil {
		return fmt.Errorf("failed to insert text row: %w", err)
	}

	if obs.Embedding != nil {
		embeddingJSON, err := json.Marshal(obs.Embedding)
		if err != nil {
			return fmt.Errorf("failed to marshal embedding: %w", err)
		}
		if _, err = tx.ExecContext(ctx,
			"INSERT INTO vec_observations (observation_id, embedding) VALUES (?, ?)",
			obs.ID, string(embeddingJSON),
		); err != nil {
			return fmt.Errorf("failed to insert vector row: %w", err)
		}
	}

	return tx.Commit()
}

// ObservationQuery selects observations for the injector and search
// filters.
type ObservationQuery struct {
	Project string
	Since   time.Time
	Limit   int
}

// ListObservations returns observations matching the query, newest
// first.
func (s *Store) ListObservations(ctx context.Context, q ObservationQuery) ([]*Observation, error) {
	var conds []string
	var args []any
	if q.Project != "" {
		conds = append(conds, "project = ?")
		args = append(args, q.Project)
	}
	if !q.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, q.Since.Unix())
	}

	query := selectObservation
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

	var out []*Observation
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, obs)
	}
	return out, rows.Err()
}

// GetObservations loads a batch of observations preserving id order.
// Unknown ids are skipped.
func (s *Store) GetObservations(ctx context.Context, ids []string) ([]*Observation, error) {
	byID := make(map[string]*Observation, len(ids))
	for _, id := range ids {
		row := s.db.QueryRowContext(ctx, selectObservation+" WHERE id = ?", id)
		obs, err := scanObservation(row)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		byID[id] = obs
	}
	out := make([]*Observation, 0, len(byID))
	for _, id := range ids {
		if obs, ok := byID[id]; ok {
			out = append(out, obs)
		}
	}
	return out, nil
}

// EnqueuePendingEvent queues a compressed tool-use event for later
// distillation.
func (s *Store) EnqueuePendingEvent(ctx context.Context, ev *PendingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_events (session_id, project, tool_name, merged_data, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		ev.SessionID, ev.Project, ev.ToolName, ev.MergedData, ev.Timestamp.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue pending event: %w", err)
	}
	ev.ID, _ = res.LastInsertId()
	return nil
}

// PendingEvents returns the queued events for one session in arrival
// order.
func (s *Store) PendingEvents(ctx context.Context, sessionID string) ([]*PendingEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, project, tool_name, merged_data, timestamp
		FROM pending_events WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PendingEvent
	for rows.Next() {
		var ev PendingEvent
		var ts int64
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Project, &ev.ToolName, &ev.MergedData, &ts); err != nil {
			return nil, err
		}
		ev.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// DeletePendingEvents removes events that have been folded into
// observations.
func (s *Store) DeletePendingEvents(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "DELETE FROM pending_events WHERE id = ?", id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const selectObservation = `
	SELECT id, project, session_id, timestamp, type, title, subtitle,
		narrative, facts, concepts, files_read, files_modified
	FROM observations`

func scanObservation(row rowScanner) (*Observation, error) {
	var obs Observation
	var ts int64
	var facts, concepts, filesRead, filesModified string
	err := row.Scan(
		&obs.ID, &obs.Project, &obs.SessionID, &ts, &obs.Type, &obs.Title,
		&obs.Subtitle, &obs.Narrative, &facts, &concepts, &filesRead, &filesModified,
	)
	if err != nil {
		return nil, err
	}
	obs.Timestamp = time.Unix(ts, 0).UTC()
	obs.Facts = unmarshalList(facts)
	obs.Concepts = unmarshalList(concepts)
	obs.FilesRead = unmarshalList(filesRead)
	obs.FilesModified = unmarshalList(filesModified)
	return &obs, nil
}

func marshalList(items []string) string {
	if items == nil {
		items = []string{}
	}
	data, _ := json.Marshal(items)
	return string(data)
}

func unmarshalList(raw string) []string {
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil || len(items) == 0 {
		return nil
	}
	return items
}
