// Package search answers vector, text, and combined queries over the
// indexed exchanges and observations.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/recall/pkg/provider"
	"github.com/harun/recall/pkg/store"
	"github.com/harun/recall/pkg/transcript"
)

// Mode selects how candidates are retrieved.
type Mode string

const (
	ModeVector Mode = "vector"
	ModeText   Mode = "text"
	ModeBoth   Mode = "both"
)

const (
	// DefaultLimit applies when the caller passes no limit.
	DefaultLimit = 10
	// MaxLimit is the hard result cap.
	MaxLimit = 50

	// candidateLimit bounds retrieval before filtering and ranking.
	candidateLimit = 200

	// textBoost is the fixed score for a full-text match the vector
	// side did not surface, in both mode.
	textBoost = 0.6
)

// ValidationError reports a bad query or filter shape. It is surfaced
// to the caller, never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s", e.Msg)
}

// Options are the search filters and bounds. Missing filters mean "no
// restriction"; After/Before are inclusive.
type Options struct {
	Mode     Mode
	Limit    int
	After    *time.Time
	Before   *time.Time
	Projects []string
	Files    []string
	Types    []string
	Concepts []string
}

// Result is one ranked search hit. Exactly one of Exchange or
// Observation is set, matching Kind.
type Result struct {
	Kind        string               `json:"kind"`
	ID          string               `json:"id"`
	Project     string               `json:"project"`
	Timestamp   time.Time            `json:"timestamp"`
	Similarity  float64              `json:"similarity"`
	Score       float64              `json:"score"`
	Exchange    *transcript.Exchange `json:"exchange,omitempty"`
	Observation *store.Observation   `json:"observation,omitempty"`
}

// Engine executes searches against the store.
type Engine struct {
	store    *store.Store
	embedder provider.Embedder // nil disables vector retrieval
	logger   zerolog.Logger
}

// New creates a search engine.
func New(st *store.Store, embedder provider.Embedder, logger zerolog.Logger) *Engine {
	return &Engine{
		store:    st,
		embedder: embedder,
		logger:   logger.With().Str("component", "search").Logger(),
	}
}

// Search runs a single-query search. Results are capped at the limit
// and ordered by score descending, ties broken by timestamp
// descending.
func (e *Engine) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, &ValidationError{Msg: "query is required"}
	}
	limit, err := normalizeLimit(opts.Limit)
	if err != nil {
		return nil, err
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeBoth
	}

	var vectorHits, textHits []store.Hit

	if mode == ModeVector || mode == ModeBoth {
		vectorHits, err = e.vectorCandidates(ctx, query)
		if err != nil {
			if mode == ModeVector {
				return nil, err
			}
			// Both mode degrades to text when the vector side
			// fails.
			e.logger.Warn().Err(err).Msg("Vector retrieval failed, using text only")
		}
	}
	if mode == ModeText || mode == ModeBoth {
		textHits, err = e.textCandidates(ctx, query)
		if err != nil {
			if mode == ModeText {
				return nil, err
			}
			e.logger.Warn().Err(err).Msg("Text retrieval failed, using vector only")
		}
	}

	results, err := e.blend(ctx, mode, vectorHits, textHits, opts)
	if err != nil {
		return nil, err
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// SearchConcepts is the legacy multi-concept path.
//
// Deprecated: slated for removal; behavior is preserved exactly and
// must not be extended. A candidate qualifies only when every
// per-concept similarity clears the floor; qualifying candidates rank
// by the mean of their per-concept similarities.
func (e *Engine) SearchConcepts(ctx context.Context, concepts []string, opts Options) ([]Result, error) {
	if len(concepts) < 2 || len(concepts) > 5 {
		return nil, &ValidationError{Msg: fmt.Sprintf("multi-concept search requires 2-5 concepts, got %d", len(concepts))}
	}
	limit, err := normalizeLimit(opts.Limit)
	if err != nil {
		return nil, err
	}
	if e.embedder == nil {
		return nil, fmt.Errorf("no embedding provider configured")
	}

	const floor = 0.3

	// similarity per candidate per concept; absence from a concept's
	// candidate set counts as not clearing the floor.
	type key struct{ kind, id string }
	sims := make(map[key][]float64)

	for _, concept := range concepts {
		embedding, err := e.embedder.Embed(ctx, concept)
		if err != nil {
			return nil, err
		}
		if embedding == nil {
			return nil, fmt.Errorf("embedding returned null for concept %q", concept)
		}
		exHits, err := e.store.NearestExchanges(ctx, embedding, candidateLimit)
		if err != nil {
			return nil, err
		}
		obsHits, err := e.store.NearestObservations(ctx, embedding, candidateLimit)
		if err != nil {
			return nil, err
		}
		for _, h := range append(exHits, obsHits...) {
			k := key{h.Kind, h.ID}
			sims[k] = append(sims[k], h.Similarity)
		}
	}

	var qualifying []store.Hit
	for k, perConcept := range sims {
		if len(perConcept) != len(concepts) {
			continue
		}
		mean := 0.0
		clears := true
		for _, sim := range perConcept {
			if sim < floor {
				clears = false
				break
			}
			mean += sim
		}
		if !clears {
			continue
		}
		mean /= float64(len(concepts))
		qualifying = append(qualifying, store.Hit{Kind: k.kind, ID: k.id, Similarity: mean})
	}

	results, err := e.hydrate(ctx, qualifying, opts)
	if err != nil {
		return nil, err
	}
	for i := range results {
		results[i].Score = results[i].Similarity
	}
	sortResults(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (e *Engine) vectorCandidates(ctx context.Context, query string) ([]store.Hit, error) {
	if e.embedder == nil {
		return nil, fmt.Errorf("no embedding provider configured")
	}
	embedding, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	if embedding == nil {
		return nil, fmt.Errorf("embedding returned null")
	}
	exHits, err := e.store.NearestExchanges(ctx, embedding, candidateLimit)
	if err != nil {
		return nil, err
	}
	obsHits, err := e.store.NearestObservations(ctx, embedding, candidateLimit)
	if err != nil {
		return nil, err
	}
	// A candidate counts as surfaced only with positive similarity;
	// small indexes return every row from the nearest-neighbor scan.
	var hits []store.Hit
	for _, h := range append(exHits, obsHits...) {
		if h.Similarity > 0 {
			hits = append(hits, h)
		}
	}
	return hits, nil
}

func (e *Engine) textCandidates(ctx context.Context, query string) ([]store.Hit, error) {
	exHits, err := e.store.TextMatchExchanges(ctx, query, candidateLimit)
	if err != nil {
		return nil, err
	}
	obsHits, err := e.store.TextMatchObservations(ctx, query, candidateLimit)
	if err != nil {
		return nil, err
	}
	return append(exHits, obsHits...), nil
}

// blend merges vector and text candidates into scored results. A
// candidate surfaced by vector retrieval keeps its cosine similarity
// as the score; in both mode a text match the vector side did not
// surface gets the fixed boost so an exact-phrase hit is not buried
// by a dissimilar embedding.
func (e *Engine) blend(ctx context.Context, mode Mode, vectorHits, textHits []store.Hit, opts Options) ([]Result, error) {
	type key struct{ kind, id string }
	scores := make(map[key]float64)
	seen := make(map[key]bool)
	var merged []store.Hit

	for _, h := range vectorHits {
		k := key{h.Kind, h.ID}
		if seen[k] {
			continue
		}
		seen[k] = true
		scores[k] = h.Similarity
		merged = append(merged, h)
	}
	for _, h := range textHits {
		k := key{h.Kind, h.ID}
		if seen[k] {
			continue
		}
		seen[k] = true
		if mode == ModeBoth {
			scores[k] = textBoost
		} else {
			scores[k] = h.Similarity
		}
		merged = append(merged, h)
	}

	results, err := e.hydrate(ctx, merged, opts)
	if err != nil {
		return nil, err
	}
	for i := range results {
		results[i].Score = scores[key{results[i].Kind, results[i].ID}]
	}
	sortResults(results)
	return results, nil
}

// hydrate loads candidate rows and applies the hard filters.
func (e *Engine) hydrate(ctx context.Context, hits []store.Hit, opts Options) ([]Result, error) {
	var exchangeIDs, observationIDs []string
	simByID := make(map[string]float64, len(hits))
	for _, h := range hits {
		simByID[h.Kind+"/"+h.ID] = h.Similarity
		switch h.Kind {
		case "exchange":
			exchangeIDs = append(exchangeIDs, h.ID)
		case "observation":
			observationIDs = append(observationIDs, h.ID)
		}
	}

	var results []Result

	exchanges, err := e.store.GetExchanges(ctx, exchangeIDs)
	if err != nil {
		return nil, err
	}
	for _, ex := range exchanges {
		if !passesExchangeFilters(ex, opts) {
			continue
		}
		results = append(results, Result{
			Kind:       "exchange",
			ID:         ex.ID,
			Project:    ex.Project,
			Timestamp:  ex.Timestamp,
			Similarity: simByID["exchange/"+ex.ID],
			Exchange:   ex,
		})
	}

	observations, err := e.store.GetObservations(ctx, observationIDs)
	if err != nil {
		return nil, err
	}
	for _, obs := range observations {
		if !passesObservationFilters(obs, opts) {
			continue
		}
		results = append(results, Result{
			Kind:        "observation",
			ID:          obs.ID,
			Project:     obs.Project,
			Timestamp:   obs.Timestamp,
			Similarity:  simByID["observation/"+obs.ID],
			Observation: obs,
		})
	}

	return results, nil
}

func passesExchangeFilters(ex *transcript.Exchange, opts Options) bool {
	if !withinRange(ex.Timestamp, opts.After, opts.Before) {
		return false
	}
	if len(opts.Projects) > 0 && !contains(opts.Projects, ex.Project) {
		return false
	}
	// type/file/concept filters describe observations; an exchange
	// passes types only when "exchange" is requested explicitly, and
	// never passes files/concepts.
	if len(opts.Types) > 0 && !contains(opts.Types, "exchange") {
		return false
	}
	if len(opts.Files) > 0 || len(opts.Concepts) > 0 {
		return false
	}
	return true
}

func passesObservationFilters(obs *store.Observation, opts Options) bool {
	if !withinRange(obs.Timestamp, opts.After, opts.Before) {
		return false
	}
	if len(opts.Projects) > 0 && !contains(opts.Projects, obs.Project) {
		return false
	}
	if len(opts.Types) > 0 && !contains(opts.Types, obs.Type) {
		return false
	}
	if len(opts.Files) > 0 && !touchesAny(obs, opts.Files) {
		return false
	}
	if len(opts.Concepts) > 0 && !intersects(obs.Concepts, opts.Concepts) {
		return false
	}
	return true
}

func withinRange(ts time.Time, after, before *time.Time) bool {
	if after != nil && ts.Before(*after) {
		return false
	}
	if before != nil && ts.After(*before) {
		return false
	}
	return true
}

func touchesAny(obs *store.Observation, files []string) bool {
	for _, want := range files {
		for _, path := range obs.FilesRead {
			if strings.Contains(path, want) {
				return true
			}
		}
		for _, path := range obs.FilesModified {
			if strings.Contains(path, want) {
				return true
			}
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, x := range a {
		if contains(b, x) {
			return true
		}
	}
	return false
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Timestamp.After(results[j].Timestamp)
	})
}

func normalizeLimit(limit int) (int, error) {
	if limit == 0 {
		return DefaultLimit, nil
	}
	if limit < 1 || limit > MaxLimit {
		return 0, &ValidationError{Msg: fmt.Sprintf("limit must be in [1, %d], got %d", MaxLimit, limit)}
	}
	return limit, nil
}
