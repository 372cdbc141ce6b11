// -- cmd/run.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmroz/taskpilot/internal/analysis"
	"github.com/jmroz/taskpilot/internal/backend"
	"github.com/jmroz/taskpilot/internal/config"
	"github.com/jmroz/taskpilot/internal/fileops"
	"github.com/jmroz/taskpilot/internal/llm"
	"github.com/jmroz/taskpilot/internal/observability"
	"github.com/jmroz/taskpilot/internal/orchestrator"
	"github.com/jmroz/taskpilot/internal/security"
	"github.com/jmroz/taskpilot/internal/session"
	"github.com/jmroz/taskpilot/internal/ux"
	"github.com/jmroz/taskpilot/internal/websearch"
)

// newRunCmd creates and configures the `run` command.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run [user@host[:port]]",
		Short: "Runs the agent against the local machine or a remote SSH host",
		Long: "Starts an interactive agent session. Without arguments commands run " +
			"on the local machine; with a user@host[:port] argument they run over SSH.",
		Args: cobra.MaximumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags to their corresponding Viper keys so command-line
			// flags override values from the config file and environment.
			if err := viper.BindPFlag("agent.mode", cmd.Flags().Lookup("mode")); err != nil {
				return err
			}
			if err := viper.BindPFlag("agent.step_limit", cmd.Flags().Lookup("step-limit")); err != nil {
				return err
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := observability.GetLogger()

			// Re-load so the flag bindings from PreRunE take effect.
			resolved, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			cfg = resolved
			if timeout, err := cmd.Flags().GetDuration("timeout"); err == nil && timeout > 0 {
				cfg.Agent.LocalTimeout = timeout
				cfg.Agent.RemoteTimeout = timeout
			}

			runner, err := buildRunner(logger, args)
			if err != nil {
				return err
			}
			defer runner.Close()

			client, err := llm.NewClient(cfg.LLM, logger)
			if err != nil {
				return err
			}

			console := ux.New(os.Stdin, os.Stdout)
			console.Info("target: %s, mode: %s, provider: %s",
				runner.Target(), cfg.Agent.Mode, cfg.LLM.Provider)

			deps := orchestrator.Deps{
				Logger:   logger,
				Config:   *cfg,
				Client:   client,
				Gate:     security.NewGate(cfg.Security),
				Runner:   runner,
				Files:    fileops.New(logger),
				Searcher: websearch.NewAgent(logger, cfg.Search),
				Console:  console,
				Info:     orchestrator.ProbeSystem(ctx, runner),
				Analyzer: analysis.New(logger, client),
			}

			// The session archive is best effort; a broken database never
			// blocks the agent itself.
			if cfg.Store.Path != "" {
				store, err := session.Open(logger, cfg.Store.Path)
				if err != nil {
					logger.Warn("Session archive unavailable", zap.Error(err))
				} else {
					defer store.Close()
					deps.Store = store
				}
			}

			orch := orchestrator.New(deps)

			goal, _ := cmd.Flags().GetString("goal")
			for {
				if strings.TrimSpace(goal) == "" {
					goal = console.Ask("What should the agent do? (empty to exit)")
				}
				if strings.TrimSpace(goal) == "" {
					return nil
				}

				outcome, err := orch.Run(ctx, goal)
				if errors.Is(err, context.Canceled) {
					console.Warn("interrupted")
					return nil
				}
				if err != nil {
					return err
				}
				if outcome.State == orchestrator.StateFinished {
					console.Success("result: %s", outcome.Summary)
				}

				goal = ""
			}
		},
	}

	runCmd.Flags().StringP("goal", "g", "", "goal to accomplish (prompted interactively when omitted)")
	runCmd.Flags().String("mode", "", fmt.Sprintf("execution mode: %s or %s", config.ModeConfirmEach, config.ModeAutonomous))
	runCmd.Flags().Int("step-limit", 0, "maximum model turns per goal")
	runCmd.Flags().Duration("timeout", 0, "per-command execution timeout")
	return runCmd
}

// buildRunner selects the execution backend from the positional target.
func buildRunner(logger *zap.Logger, args []string) (backend.Runner, error) {
	if len(args) == 0 {
		return backend.NewLocalRunner(logger, cfg.Agent.LocalTimeout), nil
	}
	runner, err := backend.NewSSHRunner(logger, args[0], cfg.Agent.RemoteTimeout)
	if err != nil {
		return nil, fmt.Errorf("could not connect to %s: %w", args[0], err)
	}
	return runner, nil
}

func init() {
	rootCmd.AddCommand(newRunCmd())
}
