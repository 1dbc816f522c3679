package store

import (
	"errors"
	"time"
)

// Dimension is the fixed embedding width for every vector row.
const Dimension = 768

// ErrNotFound is returned by id lookups that match no row.
var ErrNotFound = errors.New("store: not found")

// Observation is a durable, append-only structured insight distilled
// from a session's tool-use events. Rows are never mutated after
// creation.
type Observation struct {
	ID            string    `json:"id"`
	Project       string    `json:"project"`
	SessionID     string    `json:"session_id"`
	Timestamp     time.Time `json:"timestamp"`
	Type          string    `json:"type"`
	Title         string    `json:"title"`
	Subtitle      string    `json:"subtitle,omitempty"`
	Narrative     string    `json:"narrative,omitempty"`
	Facts         []string  `json:"facts,omitempty"`
	Concepts      []string  `json:"concepts,omitempty"`
	FilesRead     []string  `json:"files_read,omitempty"`
	FilesModified []string  `json:"files_modified,omitempty"`
	Embedding     []float32 `json:"-"`
}

// PendingEvent is a queued, compressed tool-use event awaiting batch
// distillation into Observations.
type PendingEvent struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	Project    string    `json:"project"`
	ToolName   string    `json:"tool_name"`
	MergedData string    `json:"merged_data"`
	Timestamp  time.Time `json:"timestamp"`
}

// IndexStats is a derived aggregate over the index, computed on demand
// and never persisted.
type IndexStats struct {
	Exchanges     int            `json:"exchanges"`
	ToolCalls     int            `json:"tool_calls"`
	Observations  int            `json:"observations"`
	PendingEvents int            `json:"pending_events"`
	Earliest      *time.Time     `json:"earliest,omitempty"`
	Latest        *time.Time     `json:"latest,omitempty"`
	ByProject     map[string]int `json:"by_project"`
}

// ArchiveInfo summarizes the index rows backed by one archive file.
type ArchiveInfo struct {
	Path        string
	Exchanges   int
	LastIndexed time.Time
}

// Hit is a raw candidate from a vector or text lookup, before the
// search engine applies filters and blended ranking.
type Hit struct {
	Kind       string // "exchange" or "observation"
	ID         string
	Similarity float64
}
