package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/harun/recall/pkg/worker"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index statistics",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	app, err := newApp(true)
	if err != nil {
		return err
	}
	defer app.Close()

	stats, err := app.st.Stats(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Exchanges:      %d\n", stats.Exchanges)
	fmt.Printf("Tool calls:     %d\n", stats.ToolCalls)
	fmt.Printf("Observations:   %d\n", stats.Observations)
	fmt.Printf("Pending events: %d\n", stats.PendingEvents)
	if stats.Earliest != nil && stats.Latest != nil {
		fmt.Printf("Date range:     %s to %s\n",
			stats.Earliest.Format("2006-01-02"), stats.Latest.Format("2006-01-02"))
	}

	if len(stats.ByProject) > 0 {
		fmt.Println("Projects:")
		projects := make([]string, 0, len(stats.ByProject))
		for p := range stats.ByProject {
			projects = append(projects, p)
		}
		sort.Strings(projects)
		for _, p := range projects {
			fmt.Printf("  %-40s %d\n", p, stats.ByProject[p])
		}
	}

	if worker.Probe(app.cfg.WorkerSocket()) {
		fmt.Println("Worker:         running")
	} else {
		fmt.Println("Worker:         stopped")
	}
	return nil
}
