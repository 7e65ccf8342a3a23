package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/kingrea/conductor/internal/ledger"
	"github.com/kingrea/conductor/internal/prompt"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#6BCB77"))
)

func newRunCmd(opts *cliOptions) *cobra.Command {
	var (
		vars        map[string]string
		contextRefs []string
		asJSON      bool
	)
	cmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Run a task through the conductor",
		Long: `Run a task: plan phases of agent prompts, dispatch them and stop when the
confidence threshold, the phase limit or a failure ends the run. The run is
recorded in the ledger and its id is printed.

Examples:
  conductor run "Add retry logic to the HTTP client"
  conductor run "Port {{module}} to the new API" --var module=billing
  conductor run "Summarise the cache design" --context docs/cache.md`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := prompt.NewTask(strings.Join(args, " "), vars, contextRefs...)
			if err != nil {
				return err
			}
			s, err := openStack(opts, streamsOf(cmd))
			if err != nil {
				return err
			}
			defer s.Close()

			run, err := s.conductor.Run(cmd.Context(), task)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), run)
			}
			renderRun(cmd.OutOrStdout(), run, false)
			return nil
		},
	}
	cmd.Flags().StringToStringVar(&vars, "var", nil, "task variable as key=value (repeatable)")
	cmd.Flags().StringArrayVar(&contextRefs, "context", nil, "context ref, a file path or ref id (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full run ledger as JSON")
	return cmd
}

func newHistoryCmd(opts *cliOptions) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStack(opts, streamsOf(cmd))
			if err != nil {
				return err
			}
			defer s.Close()

			result, err := s.store.List(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(result.Summaries) == 0 {
				printf(out, "No runs recorded yet.\n")
			} else {
				printf(out, "%s\n", renderHistory(result.Summaries))
			}
			for _, bad := range result.Unreadable {
				printf(out, "%s\n", failStyle.Render(fmt.Sprintf("unreadable run %s: %v", bad.RunID, bad.Err)))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list (0 lists all)")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")
	return cmd
}

func newShowCmd(opts *cliOptions) *cobra.Command {
	var asJSON, full bool
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ledger.ValidateRunID(args[0]); err != nil {
				return err
			}
			s, err := openStack(opts, streamsOf(cmd))
			if err != nil {
				return err
			}
			defer s.Close()

			run, err := s.store.Read(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), run)
			}
			renderRun(cmd.OutOrStdout(), run, full)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full run ledger as JSON")
	cmd.Flags().BoolVar(&full, "full", false, "include every phase synthesis, not only the last")
	return cmd
}

// renderRun prints the outcome of a run and its final synthesis.
func renderRun(w io.Writer, run ledger.RunLedger, full bool) {
	reason := string(run.Termination.Reason)
	if run.Termination.Reason.Completed() {
		reason = okStyle.Render(reason)
	} else {
		reason = failStyle.Render(reason)
	}
	printf(w, "%s %s\n", headerStyle.Render("run"), run.RunID)
	printf(w, "  reason:      %s\n", reason)
	if run.Termination.Detail != "" {
		printf(w, "  detail:      %s\n", run.Termination.Detail)
	}
	printf(w, "  phases:      %d\n", len(run.Phases))
	printf(w, "  confidence:  %.2f\n", run.FinalConfidence)
	printf(w, "  tokens:      %d prompt / %d completion\n", run.Totals.PromptTokens, run.Totals.CompletionTokens)
	printf(w, "  cost:        $%.4f\n", run.Totals.Cost)
	for _, failure := range run.Rejections {
		printf(w, "%s\n", failStyle.Render(fmt.Sprintf("  %s rejected: %s %s", failure.Role, failure.Kind, failure.Reason)))
	}

	for _, phase := range run.Phases {
		if !full && phase.Index != len(run.Phases) {
			continue
		}
		printf(w, "\n%s\n", headerStyle.Render(fmt.Sprintf("phase %d (%s)", phase.Index, joinRoles(phase.Roles))))
		for _, failure := range phase.Failures {
			printf(w, "%s\n", failStyle.Render(fmt.Sprintf("  %s failed: %s %s", failure.Role, failure.Kind, failure.Reason)))
		}
		for _, skip := range phase.Skipped {
			printf(w, "%s\n", mutedStyle.Render(fmt.Sprintf("  %s skipped: %s", skip.Role, skip.Reason)))
		}
		if phase.Synthesis != "" {
			printf(w, "%s\n", strings.TrimRight(phase.Synthesis, "\n"))
		}
	}
}

// renderHistory lays summaries out as an aligned table.
func renderHistory(summaries []ledger.Summary) string {
	header := []string{"RUN", "STARTED", "REASON", "PHASES", "CONFIDENCE", "GOAL"}
	rows := make([][]string, 0, len(summaries))
	for _, s := range summaries {
		rows = append(rows, []string{
			s.RunID,
			s.StartedAt.Local().Format("2006-01-02 15:04"),
			string(s.Reason),
			fmt.Sprintf("%d", s.Phases),
			fmt.Sprintf("%.2f", s.Confidence),
			truncate(firstLine(s.Goal), 48),
		})
	}
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	cell := func(text string, width int) string {
		return lipgloss.NewStyle().Width(width + 2).Render(text)
	}

	var b strings.Builder
	for i, h := range header {
		b.WriteString(headerStyle.Render(cell(h, widths[i])))
	}
	for _, row := range rows {
		b.WriteString("\n")
		for i, text := range row {
			b.WriteString(cell(text, widths[i]))
		}
	}
	return b.String()
}

func joinRoles(roles []prompt.Role) string {
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		names = append(names, string(role))
	}
	return strings.Join(names, ", ")
}

func firstLine(text string) string {
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		return text[:idx]
	}
	return text
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit-1]) + "…"
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
