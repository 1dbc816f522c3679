package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/recall/pkg/index"
	"github.com/harun/recall/pkg/verify"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check archive and index integrity",
	Long: `Cross-check the source directory, the archive, and the index.
Verification is read-only; it exits non-zero when issues are found so
it can gate scripts.`,
	RunE: runVerify,
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Fix integrity issues found by verify",
	Long: `Verify and then repair: missing and outdated transcripts are
re-synced, orphaned index rows are deleted. Corrupted archives are
reported but never touched.`,
	RunE: runRepair,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(repairCmd)
}

func newVerifier(app *app, withIndexer bool) (*verify.Verifier, error) {
	cfg := verify.Config{
		SourceDir:  app.cfg.SourceDir,
		ArchiveDir: app.cfg.ArchiveDir(),
		Store:      app.st,
		Logger:     app.logger(),
	}
	if withIndexer {
		ix, err := app.indexer()
		if err != nil {
			return nil, err
		}
		cfg.Indexer = ix
	}
	return verify.New(cfg)
}

func runVerify(cmd *cobra.Command, args []string) error {
	app, err := newApp(true)
	if err != nil {
		return err
	}
	defer app.Close()

	v, err := newVerifier(app, false)
	if err != nil {
		return err
	}
	report, err := v.Verify(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Checked: %d\n", report.Checked)
	if report.Clean() {
		fmt.Println("No issues found.")
		return nil
	}
	for _, issue := range report.Issues {
		fmt.Printf("%-10s %s  %s\n", issue.Kind, issue.Path, issue.Detail)
	}
	return fmt.Errorf("%d issues found", len(report.Issues))
}

func runRepair(cmd *cobra.Command, args []string) error {
	app, err := newApp(true)
	if err != nil {
		return err
	}
	defer app.Close()

	v, err := newVerifier(app, true)
	if err != nil {
		return err
	}
	report, repair, err := v.Repair(cmd.Context(), index.Options{Concurrency: app.cfg.Sync.Concurrency})
	if err != nil {
		return err
	}

	fmt.Printf("Issues found: %d\n", len(report.Issues))
	fmt.Printf("Re-synced:    %d\n", repair.Resynced)
	fmt.Printf("Rows deleted: %d\n", repair.Deleted)
	if repair.Corrupted > 0 {
		fmt.Printf("Corrupted archives left untouched: %d\n", repair.Corrupted)
	}
	return nil
}
