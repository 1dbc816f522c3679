// Package verify checks the source directory, the archive, and the
// index against each other, and repairs what it safely can.
package verify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/recall/pkg/index"
	"github.com/harun/recall/pkg/store"
	"github.com/harun/recall/pkg/transcript"
)

// IssueKind classifies one integrity finding.
type IssueKind string

const (
	// IssueMissing marks a transcript with no indexed rows.
	IssueMissing IssueKind = "missing"
	// IssueOutdated marks an archive copy older than its source.
	IssueOutdated IssueKind = "outdated"
	// IssueOrphaned marks indexed rows whose archive file is gone.
	IssueOrphaned IssueKind = "orphaned"
	// IssueCorrupted marks an archive that no longer parses. Repair
	// reports these but never touches them.
	IssueCorrupted IssueKind = "corrupted"
)

// Issue is one integrity finding, keyed by archive-relative path.
type Issue struct {
	Kind   IssueKind `json:"kind"`
	Path   string    `json:"path"`
	Detail string    `json:"detail,omitempty"`
}

// Report is the outcome of a verification pass.
type Report struct {
	Checked int     `json:"checked"`
	Issues  []Issue `json:"issues"`
}

// Clean reports whether verification found nothing wrong.
func (r *Report) Clean() bool { return len(r.Issues) == 0 }

// Count returns the number of issues of one kind.
func (r *Report) Count(kind IssueKind) int {
	n := 0
	for _, issue := range r.Issues {
		if issue.Kind == kind {
			n++
		}
	}
	return n
}

// RepairReport summarizes what a repair pass changed.
type RepairReport struct {
	Resynced  int `json:"resynced"`
	Deleted   int `json:"deleted"`
	Corrupted int `json:"corrupted"` // found but deliberately untouched
}

// Verifier cross-checks source, archive, and index.
type Verifier struct {
	sourceDir  string
	archiveDir string
	store      *store.Store
	indexer    *index.Indexer
	logger     zerolog.Logger
}

// Config configures a Verifier. Indexer may be nil when only Verify is
// needed.
type Config struct {
	SourceDir  string
	ArchiveDir string
	Store      *store.Store
	Indexer    *index.Indexer
	Logger     zerolog.Logger
}

// New creates a Verifier.
func New(cfg Config) (*Verifier, error) {
	if cfg.SourceDir == "" || cfg.ArchiveDir == "" {
		return nil, fmt.Errorf("source and archive directories are required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	return &Verifier{
		sourceDir:  cfg.SourceDir,
		archiveDir: cfg.ArchiveDir,
		store:      cfg.Store,
		indexer:    cfg.Indexer,
		logger:     cfg.Logger.With().Str("component", "verify").Logger(),
	}, nil
}

// Verify runs a read-only integrity pass. It never mutates the
// archive or the index.
func (v *Verifier) Verify(ctx context.Context) (*Report, error) {
	report := &Report{Issues: []Issue{}}

	archiveIndex, err := v.store.ArchiveIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load archive index: %w", err)
	}

	sourceFiles, err := listTranscriptFiles(v.sourceDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list source directory: %w", err)
	}
	archiveFiles, err := listTranscriptFiles(v.archiveDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list archive directory: %w", err)
	}
	archived := make(map[string]bool, len(archiveFiles))
	for _, relPath := range archiveFiles {
		archived[relPath] = true
	}

	// Source side: everything the host wrote must be archived, and the
	// archive copy must be at least as new as the source.
	for _, relPath := range sourceFiles {
		report.Checked++
		if !archived[relPath] {
			report.Issues = append(report.Issues, Issue{
				Kind: IssueMissing, Path: relPath, Detail: "never archived",
			})
			continue
		}
		stale, err := sourceNewer(
			filepath.Join(v.sourceDir, relPath),
			filepath.Join(v.archiveDir, relPath),
		)
		if err != nil {
			return nil, err
		}
		if stale {
			report.Issues = append(report.Issues, Issue{
				Kind: IssueOutdated, Path: relPath, Detail: "source is newer than archive copy",
			})
		}
	}

	// Archive side: every archived transcript must parse and must be
	// represented in the index.
	for _, relPath := range archiveFiles {
		report.Checked++
		exchanges, parseErrs, err := transcript.ParseFile(filepath.Join(v.archiveDir, relPath))
		if err != nil {
			report.Issues = append(report.Issues, Issue{
				Kind: IssueCorrupted, Path: relPath, Detail: err.Error(),
			})
			continue
		}
		if len(parseErrs) > 0 {
			report.Issues = append(report.Issues, Issue{
				Kind: IssueCorrupted, Path: relPath,
				Detail: fmt.Sprintf("%d records failed to parse", len(parseErrs)),
			})
		}
		info, indexed := archiveIndex[relPath]
		switch {
		case !indexed && len(exchanges) > 0:
			report.Issues = append(report.Issues, Issue{
				Kind: IssueMissing, Path: relPath, Detail: "archived but not indexed",
			})
		case indexed && info.Exchanges < len(exchanges):
			report.Issues = append(report.Issues, Issue{
				Kind:   IssueMissing,
				Path:   relPath,
				Detail: fmt.Sprintf("index has %d of %d exchanges", info.Exchanges, len(exchanges)),
			})
		case indexed:
			stale, err := modifiedSince(filepath.Join(v.archiveDir, relPath), info.LastIndexed)
			if err != nil {
				return nil, err
			}
			if stale {
				report.Issues = append(report.Issues, Issue{
					Kind: IssueOutdated, Path: relPath, Detail: "archive modified after last indexing",
				})
			}
		}
	}

	// Index side: every indexed archive path must still exist on disk.
	for relPath := range archiveIndex {
		report.Checked++
		if archived[relPath] {
			continue
		}
		report.Issues = append(report.Issues, Issue{
			Kind: IssueOrphaned, Path: relPath, Detail: "archive file is gone",
		})
	}

	sort.Slice(report.Issues, func(i, j int) bool {
		if report.Issues[i].Path != report.Issues[j].Path {
			return report.Issues[i].Path < report.Issues[j].Path
		}
		return report.Issues[i].Kind < report.Issues[j].Kind
	})

	v.logger.Info().
		Int("checked", report.Checked).
		Int("issues", len(report.Issues)).
		Msg("Verification completed")
	return report, nil
}

// Repair verifies and then fixes what it can: missing and outdated
// transcripts are re-synced, orphaned rows are deleted, corrupted
// archives are reported and left alone.
func (v *Verifier) Repair(ctx context.Context, opts index.Options) (*Report, *RepairReport, error) {
	if v.indexer == nil {
		return nil, nil, fmt.Errorf("repair requires an indexer")
	}

	report, err := v.Verify(ctx)
	if err != nil {
		return nil, nil, err
	}

	repair := &RepairReport{}
	corrupt := make(map[string]bool)
	for _, issue := range report.Issues {
		if issue.Kind == IssueCorrupted {
			corrupt[issue.Path] = true
		}
	}
	resynced := make(map[string]bool)
	for _, issue := range report.Issues {
		switch issue.Kind {
		case IssueMissing, IssueOutdated:
			if resynced[issue.Path] || corrupt[issue.Path] {
				continue
			}
			resynced[issue.Path] = true
			if issue.Kind == IssueOutdated {
				// In-place edits do not change exchange ids, so a
				// dedup re-sync alone would leave the rows stale.
				if _, err := v.store.DeleteExchangesByArchive(ctx, issue.Path); err != nil {
					return report, repair, err
				}
			}
			fileReport, err := v.indexer.SyncFile(ctx, issue.Path, opts)
			if err != nil {
				return report, repair, err
			}
			if len(fileReport.Errors) > 0 {
				v.logger.Warn().
					Str("path", issue.Path).
					Str("error", fileReport.Errors[0].Error).
					Msg("Repair re-sync had errors")
				continue
			}
			repair.Resynced++
		case IssueOrphaned:
			n, err := v.store.DeleteExchangesByArchive(ctx, issue.Path)
			if err != nil {
				return report, repair, err
			}
			repair.Deleted += n
		case IssueCorrupted:
			repair.Corrupted++
		}
	}

	v.logger.Info().
		Int("resynced", repair.Resynced).
		Int("deleted", repair.Deleted).
		Int("corrupted", repair.Corrupted).
		Msg("Repair completed")
	return report, repair, nil
}

// listTranscriptFiles returns project-relative .jsonl paths under a
// root. A missing root is an empty listing, not an error.
func listTranscriptFiles(root string) ([]string, error) {
	projects, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var files []string
	for _, project := range projects {
		if !project.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(root, project.Name()))
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonl" {
				continue
			}
			files = append(files, filepath.Join(project.Name(), entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func sourceNewer(srcPath, dstPath string) (bool, error) {
	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		return false, err
	}
	dstInfo, err := os.Stat(dstPath)
	if err != nil {
		return false, err
	}
	return srcInfo.ModTime().After(dstInfo.ModTime()), nil
}

// modifiedSince reports whether the file changed after the index last
// saw it. Indexed-at times are stored at second precision, so the
// comparison truncates the mtime to avoid flagging a copy and its
// immediate indexing as stale.
func modifiedSince(path string, lastIndexed time.Time) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return info.ModTime().Truncate(time.Second).After(lastIndexed), nil
}
