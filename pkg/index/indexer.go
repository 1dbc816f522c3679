// Package index brings the archive and the store up to date with the
// host's transcript directory.
package index

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/harun/recall/pkg/provider"
	"github.com/harun/recall/pkg/ratelimit"
	"github.com/harun/recall/pkg/store"
	"github.com/harun/recall/pkg/transcript"
)

const (
	MinConcurrency = 1
	MaxConcurrency = 16

	// embedTextLimit bounds how much of an exchange is embedded.
	embedTextLimit = 8000
)

// Options configures one sync run.
type Options struct {
	SkipIndex     bool // copy to the archive only
	SkipSummaries bool // skip embeddings and tool summaries
	Concurrency   int  // parallel embedding calls, clamped to [1, 16]
}

// FileError records a failure on one file. The run carries on.
type FileError struct {
	File  string `json:"file"`
	Error string `json:"error"`
}

// Report is the outcome of a sync run.
type Report struct {
	Copied     int         `json:"copied"`
	Skipped    int         `json:"skipped"`
	Indexed    int         `json:"indexed"`
	Summarized int         `json:"summarized"`
	Errors     []FileError `json:"errors"`
}

// Indexer copies transcripts into the archive and populates the store.
type Indexer struct {
	sourceDir  string
	archiveDir string
	store      *store.Store
	embedder   provider.Embedder // nil disables embeddings
	limiter    *ratelimit.Limiter
	logger     zerolog.Logger
}

// Config configures an Indexer.
type Config struct {
	SourceDir  string
	ArchiveDir string
	Store      *store.Store
	Embedder   provider.Embedder
	Limiter    *ratelimit.Limiter
	Logger     zerolog.Logger
}

// New creates an Indexer.
func New(cfg Config) (*Indexer, error) {
	if cfg.SourceDir == "" || cfg.ArchiveDir == "" {
		return nil, fmt.Errorf("source and archive directories are required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.New(0, 0)
	}
	return &Indexer{
		sourceDir:  cfg.SourceDir,
		archiveDir: cfg.ArchiveDir,
		store:      cfg.Store,
		embedder:   cfg.Embedder,
		limiter:    cfg.Limiter,
		logger:     cfg.Logger.With().Str("component", "index").Logger(),
	}, nil
}

// Sync brings the archive and store up to date with the source
// directory. A failure on one file is recorded in the report and the
// run continues; re-running on unchanged input is a no-op.
func (ix *Indexer) Sync(ctx context.Context, opts Options) (*Report, error) {
	report := &Report{Errors: []FileError{}}

	projects, err := listProjects(ix.sourceDir)
	if err != nil {
		return report, fmt.Errorf("failed to list source directory: %w", err)
	}

	for _, project := range projects {
		files, err := listTranscripts(filepath.Join(ix.sourceDir, project))
		if err != nil {
			report.Errors = append(report.Errors, FileError{File: project, Error: err.Error()})
			continue
		}
		for _, name := range files {
			relPath := filepath.Join(project, name)
			if err := ix.syncFile(ctx, project, relPath, opts, report); err != nil {
				report.Errors = append(report.Errors, FileError{File: relPath, Error: err.Error()})
			}
		}
	}

	ix.logger.Info().
		Int("copied", report.Copied).
		Int("skipped", report.Skipped).
		Int("indexed", report.Indexed).
		Int("summarized", report.Summarized).
		Int("errors", len(report.Errors)).
		Msg("Sync completed")

	return report, nil
}

// SyncFile re-indexes a single archived transcript, used by the
// integrity repairer.
func (ix *Indexer) SyncFile(ctx context.Context, relPath string, opts Options) (*Report, error) {
	report := &Report{Errors: []FileError{}}
	project := filepath.Dir(relPath)
	if err := ix.syncFile(ctx, project, relPath, opts, report); err != nil {
		report.Errors = append(report.Errors, FileError{File: relPath, Error: err.Error()})
	}
	return report, nil
}

// Rebuild deletes every indexed row and re-indexes the whole archive.
func (ix *Indexer) Rebuild(ctx context.Context, opts Options) (*Report, error) {
	archives, err := ix.store.ArchiveIndex(ctx)
	if err != nil {
		return nil, err
	}
	for path := range archives {
		if _, err := ix.store.DeleteExchangesByArchive(ctx, path); err != nil {
			return nil, fmt.Errorf("failed to delete rows for %s: %w", path, err)
		}
	}
	return ix.Sync(ctx, opts)
}

func (ix *Indexer) syncFile(ctx context.Context, project, relPath string, opts Options, report *Report) error {
	srcPath := filepath.Join(ix.sourceDir, relPath)
	dstPath := filepath.Join(ix.archiveDir, relPath)

	copied, err := copyIfNewer(srcPath, dstPath)
	if err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	if copied {
		report.Copied++
	} else {
		report.Skipped++
	}

	if opts.SkipIndex {
		return nil
	}
	return ix.indexArchive(ctx, project, relPath, opts, report)
}

// indexArchive parses an archived transcript and inserts the exchanges
// that are not yet present. Embedding calls run in parallel up to the
// concurrency bound; inserts stay on this goroutine so the store only
// ever sees serialized writes from one caller.
func (ix *Indexer) indexArchive(ctx context.Context, project, relPath string, opts Options, report *Report) error {
	archivePath := filepath.Join(ix.archiveDir, relPath)
	exchanges, parseErrs, err := transcript.ParseFile(archivePath)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	for _, perr := range parseErrs {
		report.Errors = append(report.Errors, FileError{File: relPath, Error: perr.Error()})
	}

	var fresh []*transcript.Exchange
	for _, ex := range exchanges {
		present, err := ix.store.HasExchange(ctx, ex.ID)
		if err != nil {
			return fmt.Errorf("lookup: %w", err)
		}
		if present {
			continue
		}
		ex.Project = project
		ex.ArchivePath = relPath
		fresh = append(fresh, ex)
	}
	if len(fresh) == 0 {
		return nil
	}

	if !opts.SkipSummaries {
		ix.embedBatch(ctx, relPath, fresh, opts.Concurrency, report)
	}

	for _, ex := range fresh {
		if err := ix.store.InsertExchange(ctx, ex); err != nil {
			report.Errors = append(report.Errors, FileError{File: relPath, Error: err.Error()})
			continue
		}
		report.Indexed++
		if ex.ToolSummary != "" {
			report.Summarized++
		}
	}
	return nil
}

// embedBatch fills in embeddings and tool summaries for a batch of
// exchanges. Embedding failures are recorded per file and leave the
// exchange un-embedded rather than dropping it; text search still finds
// it and a later rebuild can fill the vector in.
func (ix *Indexer) embedBatch(ctx context.Context, relPath string, batch []*transcript.Exchange, concurrency int, report *Report) {
	if concurrency < MinConcurrency {
		concurrency = MinConcurrency
	}
	if concurrency > MaxConcurrency {
		concurrency = MaxConcurrency
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, ex := range batch {
		g.Go(func() error {
			ex.ToolSummary = summarizeToolCalls(ex.ToolCalls)

			if ix.embedder == nil {
				return nil
			}
			if err := ix.limiter.Acquire(gctx); err != nil {
				return nil
			}
			defer ix.limiter.Release()

			vec, err := ix.embedder.Embed(gctx, embedText(ex))
			if err != nil {
				mu.Lock()
				report.Errors = append(report.Errors, FileError{File: relPath, Error: err.Error()})
				mu.Unlock()
				return nil
			}
			if vec != nil {
				ex.Embedding = provider.Normalize(vec)
			}
			return nil
		})
	}
	g.Wait()
}

// embedText is the canonical text an exchange is embedded under.
func embedText(ex *transcript.Exchange) string {
	text := strings.TrimSpace(ex.UserMessage + "\n" + ex.AssistantMessage)
	return truncateRunes(text, embedTextLimit)
}

// truncateRunes trims s to at most max bytes without splitting a
// multi-byte rune.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// summarizeToolCalls compresses an exchange's tool calls into a short
// descriptive string.
func summarizeToolCalls(calls []transcript.ToolCall) string {
	if len(calls) == 0 {
		return ""
	}
	parts := make([]string, 0, len(calls))
	for _, c := range calls {
		part := c.ToolName
		if c.IsError {
			part += " (error)"
		}
		parts = append(parts, part)
	}
	return truncateRunes(strings.Join(parts, "; "), 200)
}

func listProjects(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var projects []string
	for _, e := range entries {
		if e.IsDir() {
			projects = append(projects, e.Name())
		}
	}
	sort.Strings(projects)
	return projects, nil
}

func listTranscripts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".jsonl") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// copyIfNewer copies src to dst when dst is missing or older than src.
// The copy is verbatim.
func copyIfNewer(src, dst string) (bool, error) {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return false, err
	}
	dstInfo, err := os.Stat(dst)
	if err == nil && !srcInfo.ModTime().After(dstInfo.ModTime()) {
		return false, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return false, err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return false, err
	}
	in, err := os.Open(src)
	if err != nil {
		return false, err
	}
	defer in.Close()
	// Write through a temp file and rename so a failed copy never
	// leaves a truncated archive with a fresh mtime.
	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp-*")
	if err != nil {
		return false, err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return false, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return false, err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return false, err
	}
	return true, nil
}
