package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harun/recall/pkg/index"
)

var (
	syncWatch         bool
	syncSchedule      string
	syncRebuild       bool
	syncSkipIndex     bool
	syncSkipSummaries bool
	syncConcurrency   int
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Archive and index new transcripts",
	Long: `Copy new or changed transcripts from the source directory into the
archive and index their exchanges. Re-running on unchanged input is a
no-op. With --watch the command stays up and syncs on file changes;
with --schedule it syncs on a cron expression.`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncWatch, "watch", false, "keep running and sync when transcripts change")
	syncCmd.Flags().StringVar(&syncSchedule, "schedule", "", "cron expression for periodic sync (e.g. \"*/15 * * * *\")")
	syncCmd.Flags().BoolVar(&syncRebuild, "rebuild", false, "drop all indexed rows and re-index the whole archive")
	syncCmd.Flags().BoolVar(&syncSkipIndex, "skip-index", false, "archive only, do not index")
	syncCmd.Flags().BoolVar(&syncSkipSummaries, "skip-summaries", false, "index without embeddings or tool summaries")
	syncCmd.Flags().IntVar(&syncConcurrency, "concurrency", 0, "parallel embedding calls (default from config)")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	if syncWatch && syncSchedule != "" {
		return fmt.Errorf("--watch and --schedule are mutually exclusive")
	}

	app, err := newApp(true)
	if err != nil {
		return err
	}
	defer app.Close()

	ix, err := app.indexer()
	if err != nil {
		return err
	}

	concurrency := syncConcurrency
	if concurrency == 0 {
		concurrency = app.cfg.Sync.Concurrency
	}
	opts := index.Options{
		SkipIndex:     syncSkipIndex,
		SkipSummaries: syncSkipSummaries,
		Concurrency:   concurrency,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var report *index.Report
	if syncRebuild {
		report, err = ix.Rebuild(ctx, opts)
	} else {
		report, err = ix.Sync(ctx, opts)
	}
	if err != nil {
		return err
	}
	printReport(report)

	switch {
	case syncWatch:
		watcher, err := index.NewWatcher(ix, opts)
		if err != nil {
			return err
		}
		fmt.Println("Watching for transcript changes. Ctrl-C to stop.")
		return watcher.Run(ctx)
	case syncSchedule != "":
		fmt.Printf("Syncing on schedule %q. Ctrl-C to stop.\n", syncSchedule)
		return ix.Schedule(ctx, syncSchedule, opts)
	}
	return nil
}

func printReport(report *index.Report) {
	fmt.Printf("Copied:     %d\n", report.Copied)
	fmt.Printf("Skipped:    %d\n", report.Skipped)
	fmt.Printf("Indexed:    %d\n", report.Indexed)
	fmt.Printf("Summarized: %d\n", report.Summarized)
	if len(report.Errors) > 0 {
		fmt.Printf("Errors:     %d\n", len(report.Errors))
		for _, fe := range report.Errors {
			fmt.Printf("  %s: %s\n", fe.File, fe.Error)
		}
	}
}
