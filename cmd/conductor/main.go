// cmd/conductor/main.go
//
// Entry point for the conductor CLI. Every subcommand loads the workspace
// from <project>/.conductor (or CONDUCTOR_WORKSPACE), wires the runtime
// stack and tears it down again before exiting.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kingrea/conductor/internal/config"
)

var version = "dev"

// cliOptions holds the persistent flags shared by all subcommands.
type cliOptions struct {
	project string
	verbose bool
	yes     bool

	// noPrompt declines confirmations instead of reading stdin.
	noPrompt bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	root := &cobra.Command{
		Use:   "conductor",
		Short: "Deterministic multi-agent orchestration",
		Long: `conductor plans phases of role-specific agent prompts, gates them through
governance, dispatches them concurrently and records every run in a ledger.

Examples:
  # Create .conductor/ with default roles, policy and runtime settings
  conductor init

  # Run a task end to end
  conductor run "Add retry logic to the HTTP client"

  # Walk a guided flow interactively
  conductor tui --var target=internal/ledger`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.project, "project", "C", "", "project directory (default: current directory)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log to stderr as well as the log file")
	root.PersistentFlags().BoolVarP(&opts.yes, "yes", "y", false, "approve governance confirmations without asking")

	root.AddCommand(
		newInitCmd(opts),
		newRunCmd(opts),
		newHistoryCmd(opts),
		newShowCmd(opts),
		newFlowCmd(opts),
		newTUICmd(opts),
		newServeCmd(opts),
	)
	return root
}

// workspaceDir resolves the .conductor directory for the selected project.
func (o *cliOptions) workspaceDir() (string, error) {
	project := o.project
	if project == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("get working directory: %w", err)
		}
		project = cwd
	}
	return config.ResolveDir(project), nil
}

func newInitCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the .conductor workspace",
		Long: `Create the .conductor workspace with default roles.yaml, governance.yaml and
conductor.yaml. Existing documents are left untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := opts.workspaceDir()
			if err != nil {
				return err
			}
			created, err := config.Init(dir)
			if err != nil {
				return err
			}
			if len(created) == 0 {
				cmd.Printf("Workspace %s is already initialised.\n", dir)
				return nil
			}
			for _, path := range created {
				cmd.Printf("created %s\n", path)
			}
			return nil
		},
	}
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
