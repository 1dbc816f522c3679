package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harun/recall/pkg/hooks"
)

var injectProject string

var injectCmd = &cobra.Command{
	Use:   "inject",
	Short: "Print the session-start context digest",
	Long: `Render the context digest that would be injected into a session
starting in the current directory. Prints nothing when no recent
observations fit the budget.`,
	RunE: runInject,
}

func init() {
	injectCmd.Flags().StringVar(&injectProject, "project", "", "project key (default derived from the working directory)")
	rootCmd.AddCommand(injectCmd)
}

func runInject(cmd *cobra.Command, args []string) error {
	app, err := newApp(true)
	if err != nil {
		return err
	}
	defer app.Close()

	project := injectProject
	if project == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		project = hooks.ProjectKey(cwd)
	}

	digest, err := app.injector().Digest(cmd.Context(), project, app.injectBudget())
	if err != nil {
		return err
	}
	if digest.Markdown != "" {
		fmt.Print(digest.Markdown)
	}
	return nil
}
