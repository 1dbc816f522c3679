package cli

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/harun/recall/pkg/hooks"
)

// Hook commands are invoked by the assistant host on lifecycle events.
// They read the payload from stdin and must never fail the host
// session: every path exits zero, and the only stdout output is the
// session-start context JSON.

var hookCmd = &cobra.Command{
	Use:    "hook",
	Short:  "Host lifecycle entry points",
	Hidden: true,
}

var hookPostToolUseCmd = &cobra.Command{
	Use:   "post-tool-use",
	Short: "Record a tool-use event",
	RunE:  hookRun((*hooks.Handler).PostToolUse, false),
}

var hookSessionEndCmd = &cobra.Command{
	Use:   "session-end",
	Short: "Distill the session's events into observations",
	RunE:  hookRun((*hooks.Handler).SessionEnd, false),
}

var hookSessionStartCmd = &cobra.Command{
	Use:   "session-start",
	Short: "Emit the context digest for a starting session",
	RunE:  hookRun((*hooks.Handler).SessionStart, true),
}

func init() {
	hookCmd.AddCommand(hookPostToolUseCmd, hookSessionEndCmd, hookSessionStartCmd)
	rootCmd.AddCommand(hookCmd)
}

// hookRun adapts a handler method into a command that swallows every
// failure. Config or store trouble means the hook silently does
// nothing; the session must start and end regardless.
func hookRun(method func(*hooks.Handler, context.Context, []byte) hooks.Result, emit bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil
		}

		app, err := newApp(false)
		if err != nil {
			return nil
		}
		defer app.Close()

		handler := hooks.New(app.pipeline(), app.injector(), app.injectBudget(), app.logger())
		result := method(handler, cmd.Context(), raw)
		if emit && result.Context != "" {
			_ = json.NewEncoder(os.Stdout).Encode(map[string]string{
				"additionalContext": result.Context,
			})
		}
		return nil
	}
}
