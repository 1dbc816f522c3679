package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// NearestExchanges ranks exchange vector rows by cosine similarity to
// the query embedding, best first.
func (s *Store) NearestExchanges(ctx context.Context, embedding []float32, limit int) ([]Hit, error) {
	return s.nearest(ctx, "vec_exchanges", "exchange_id", "exchange", embedding, limit)
}

// NearestObservations ranks observation vector rows by cosine
// similarity to the query embedding, best first.
func (s *Store) NearestObservations(ctx context.Context, embedding []float32, limit int) ([]Hit, error) {
	return s.nearest(ctx, "vec_observations", "observation_id", "observation", embedding, limit)
}

func (s *Store) nearest(ctx context.Context, table, idColumn, kind string, embedding []float32, limit int) ([]Hit, error) {
	if len(embedding) != Dimension {
		return nil, fmt.Errorf("embedding dimension %d, want %d", len(embedding), Dimension)
	}
	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s, vec_distance_cosine(embedding, ?) AS distance
		FROM %s
		ORDER BY distance ASC
		LIMIT ?`, idColumn, table)

	rows, err := s.db.QueryContext(ctx, query, string(embeddingJSON), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var id string
		var distance float64
		if err := rows.Scan(&id, &distance); err != nil {
			return nil, err
		}
		// cosine distance in [0, 2]; similarity = 1 - distance
		hits = append(hits, Hit{Kind: kind, ID: id, Similarity: 1.0 - distance})
	}
	return hits, rows.Err()
}

// TextMatchExchanges runs a full-text match over exchange content. The
// similarity carried on each hit is the (positivized) bm25 score.
func (s *Store) TextMatchExchanges(ctx context.Context, query string, limit int) ([]Hit, error) {
	return s.textMatch(ctx, "exchanges_fts", "exchange_id", "exchange", query, limit)
}

// TextMatchObservations runs a full-text match over observation
// content.
func (s *Store) TextMatchObservations(ctx context.Context, query string, limit int) ([]Hit, error) {
	return s.textMatch(ctx, "observations_fts", "observation_id", "observation", query, limit)
}

func (s *Store) textMatch(ctx context.Context, table, idColumn, kind, query string, limit int) ([]Hit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	sqlQuery := fmt.Sprintf(`
		SELECT %s, bm25(%s) AS score
		FROM %s
		WHERE %s MATCH ?
		ORDER BY score
		LIMIT ?`, idColumn, table, table, table)

	rows, err := s.db.QueryContext(ctx, sqlQuery, ftsQuote(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var id string
		var score float64
		if err := rows.Scan(&id, &score); err != nil {
			return nil, err
		}
		// bm25 scores are negative, better matches more so
		hits = append(hits, Hit{Kind: kind, ID: id, Similarity: -score})
	}
	return hits, rows.Err()
}

// ftsQuote turns free text into a literal FTS5 phrase query so user
// input cannot break the MATCH syntax.
func ftsQuote(query string) string {
	terms := strings.Fields(query)
	quoted := make([]string, 0, len(terms))
	for _, term := range terms {
		quoted = append(quoted, `"`+strings.ReplaceAll(term, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " ")
}
