// -- cmd/ask.go --
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmroz/taskpilot/internal/backend"
	"github.com/jmroz/taskpilot/internal/llm"
	"github.com/jmroz/taskpilot/internal/observability"
	"github.com/jmroz/taskpilot/internal/orchestrator"
	"github.com/jmroz/taskpilot/internal/prompt"
)

// newAskCmd creates the one-shot `ask` command: a single question, a
// single plain-text answer, no tools and no session.
func newAskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ask <question>",
		Short: "Asks the configured model a one-shot question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			client, err := llm.NewClient(cfg.LLM, logger)
			if err != nil {
				return err
			}

			// Probe the local machine so the answer can assume the right
			// distribution, same as an interactive session would.
			probe := backend.NewLocalRunner(logger, cfg.Agent.LocalTimeout)
			info := orchestrator.ProbeSystem(ctx, probe)

			answer, err := client.Generate(ctx, llm.Request{
				System: prompt.Ask(info),
				Prompt: strings.Join(args, " "),
			})
			if err != nil {
				return fmt.Errorf("the model did not answer: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(answer))
			return nil
		},
	}
}

func init() {
	rootCmd.AddCommand(newAskCmd())
}
