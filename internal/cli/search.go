package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/recall/pkg/search"
)

var (
	searchMode     string
	searchLimit    int
	searchAfter    string
	searchBefore   string
	searchProjects []string
	searchFiles    []string
	searchTypes    []string
	searchConcepts []string
	searchJSON     bool
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search indexed exchanges and observations",
	Long: `Search the index. The default mode blends vector similarity with
full-text matching; --mode selects one side only. With --concepts the
query argument is omitted and results must be similar to every listed
concept.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().StringVar(&searchMode, "mode", "both", "retrieval mode: vector, text, or both")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 0, "maximum results (1-50, default 10)")
	searchCmd.Flags().StringVar(&searchAfter, "after", "", "only results on or after this date (YYYY-MM-DD)")
	searchCmd.Flags().StringVar(&searchBefore, "before", "", "only results on or before this date (YYYY-MM-DD)")
	searchCmd.Flags().StringSliceVar(&searchProjects, "project", nil, "restrict to projects")
	searchCmd.Flags().StringSliceVar(&searchFiles, "file", nil, "restrict to observations touching these files")
	searchCmd.Flags().StringSliceVar(&searchTypes, "type", nil, "restrict to result types (exchange, discovery, decision, bugfix, refactor, change)")
	searchCmd.Flags().StringSliceVar(&searchConcepts, "concepts", nil, "multi-concept search (2-5 concepts, deprecated)")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "emit results as JSON")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && len(searchConcepts) == 0 {
		return fmt.Errorf("a query argument or --concepts is required")
	}
	if len(args) > 0 && len(searchConcepts) > 0 {
		return fmt.Errorf("a query argument and --concepts are mutually exclusive")
	}

	opts := search.Options{
		Mode:     search.Mode(searchMode),
		Limit:    searchLimit,
		Projects: searchProjects,
		Files:    searchFiles,
		Types:    searchTypes,
	}
	var err error
	if opts.After, err = parseDate(searchAfter, false); err != nil {
		return err
	}
	if opts.Before, err = parseDate(searchBefore, true); err != nil {
		return err
	}

	app, err := newApp(true)
	if err != nil {
		return err
	}
	defer app.Close()

	engine := search.New(app.st, app.embedder(), app.logger())

	var results []search.Result
	if len(searchConcepts) > 0 {
		results, err = engine.SearchConcepts(cmd.Context(), searchConcepts, opts)
	} else {
		results, err = engine.Search(cmd.Context(), args[0], opts)
	}
	if err != nil {
		return err
	}

	if searchJSON {
		return json.NewEncoder(os.Stdout).Encode(results)
	}
	printResults(results)
	return nil
}

func parseDate(s string, endOfDay bool) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q, want YYYY-MM-DD", s)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Second)
	}
	return &t, nil
}

func printResults(results []search.Result) {
	if len(results) == 0 {
		fmt.Println("No results.")
		return
	}
	for i, r := range results {
		fmt.Printf("%d. [%s] %s  score=%.3f  %s\n",
			i+1, r.Kind, r.Timestamp.Format("2006-01-02"), r.Score, r.Project)
		switch {
		case r.Exchange != nil:
			fmt.Printf("   %s\n", firstLine(r.Exchange.UserMessage))
			if r.Exchange.ToolSummary != "" {
				fmt.Printf("   tools: %s\n", r.Exchange.ToolSummary)
			}
			fmt.Printf("   %s:%d\n", r.Exchange.ArchivePath, r.Exchange.LineStart)
		case r.Observation != nil:
			fmt.Printf("   [%s] %s\n", r.Observation.Type, r.Observation.Title)
			if r.Observation.Subtitle != "" {
				fmt.Printf("   %s\n", r.Observation.Subtitle)
			}
		}
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 120
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
