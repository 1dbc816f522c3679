// Package inject renders the session-start context digest from recent
// observations.
package inject

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/recall/pkg/store"
)

// Budget bounds the digest. Zero values fall back to the defaults.
type Budget struct {
	MaxObservations int
	MaxTokens       int
	RecencyDays     int
	ProjectOnly     bool
}

const (
	DefaultMaxObservations = 10
	DefaultMaxTokens       = 2000
	DefaultRecencyDays     = 14
)

// Digest is a rendered session-start context block. Markdown empty
// means nothing qualified; that is a valid outcome, not an error.
type Digest struct {
	Markdown string `json:"markdown"`
	Included int    `json:"included"`
	Tokens   int    `json:"tokens"`
}

// Injector builds session-start digests.
type Injector struct {
	store  *store.Store
	logger zerolog.Logger
	now    func() time.Time
}

// New creates an injector.
func New(st *store.Store, logger zerolog.Logger) *Injector {
	return &Injector{
		store:  st,
		logger: logger.With().Str("component", "inject").Logger(),
		now:    time.Now,
	}
}

// Digest renders the context block for a session starting in the given
// project. An empty digest is a valid result, never an error: new
// machines and new projects simply inject nothing.
func (inj *Injector) Digest(ctx context.Context, project string, budget Budget) (*Digest, error) {
	maxObs := budget.MaxObservations
	if maxObs <= 0 {
		maxObs = DefaultMaxObservations
	}
	maxTokens := budget.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	recencyDays := budget.RecencyDays
	if recencyDays <= 0 {
		recencyDays = DefaultRecencyDays
	}

	query := store.ObservationQuery{
		Since: inj.now().UTC().AddDate(0, 0, -recencyDays),
	}
	if budget.ProjectOnly {
		query.Project = project
	}

	observations, err := inj.store.ListObservations(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load observations: %w", err)
	}
	if len(observations) == 0 {
		return &Digest{}, nil
	}

	// Greedy fill, newest first, stopping at whichever budget is hit
	// first. An entry that would blow the token budget ends the fill;
	// older entries never leapfrog a newer one.
	var b strings.Builder
	header := digestHeader(project)
	used := estimateTokens(header)
	count := 0
	for _, obs := range observations {
		if count == maxObs {
			break
		}
		entry := renderObservation(obs)
		cost := estimateTokens(entry)
		if used+cost > maxTokens {
			break
		}
		b.WriteString(entry)
		used += cost
		count++
	}
	if count == 0 {
		return &Digest{}, nil
	}

	inj.logger.Debug().
		Str("project", project).
		Int("observations", count).
		Int("estimated_tokens", used).
		Msg("Digest rendered")
	return &Digest{Markdown: header + b.String(), Included: count, Tokens: used}, nil
}

func digestHeader(project string) string {
	return fmt.Sprintf("# Recalled context for %s\n\nRecent observations from earlier sessions, newest first.\n\n", project)
}

func renderObservation(obs *store.Observation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## [%s] %s (%s)\n", obs.Type, obs.Title, obs.Timestamp.UTC().Format("2006-01-02"))
	if obs.Subtitle != "" {
		b.WriteString(obs.Subtitle + "\n")
	}
	if obs.Narrative != "" {
		b.WriteString(obs.Narrative + "\n")
	}
	for _, fact := range obs.Facts {
		b.WriteString("- " + fact + "\n")
	}
	if len(obs.FilesModified) > 0 {
		b.WriteString("Files: " + strings.Join(obs.FilesModified, ", ") + "\n")
	}
	b.WriteString("\n")
	return b.String()
}

// estimateTokens approximates token count as one token per four
// characters.
func estimateTokens(s string) int {
	return len(s) / 4
}
