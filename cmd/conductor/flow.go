package main

import (
	"fmt"
	"io"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/kingrea/conductor/internal/flow"
	"github.com/kingrea/conductor/internal/prompt"
	"github.com/kingrea/conductor/internal/tui"
)

// DefaultProjectID groups sessions when --flow-project is not given.
const DefaultProjectID = "default"

func newFlowCmd(opts *cliOptions) *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "flow",
		Short: "Walk guided decision flows",
		Long: `Flows are decision trees of prompts. Each choice runs one conductor task and
moves the session to the next node when the run completes.

Examples:
  conductor flow templates
  conductor flow start code_review --var target=internal/ledger
  conductor flow choose <session-id> bugs
  conductor flow status <session-id>`,
	}
	cmd.PersistentFlags().StringVar(&projectID, "flow-project", DefaultProjectID, "project id sessions are grouped under")

	cmd.AddCommand(&cobra.Command{
		Use:   "templates",
		Short: "List available flow templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStack(opts, streamsOf(cmd))
			if err != nil {
				return err
			}
			defer s.Close()
			out := cmd.OutOrStdout()
			for _, tpl := range s.flows.Catalog().Templates() {
				printf(out, "%s  %s\n", headerStyle.Render(tpl.ID()), tpl.Name())
				if tpl.Description() != "" {
					printf(out, "    %s\n", mutedStyle.Render(tpl.Description()))
				}
				if vars := tpl.Variables(); len(vars) > 0 {
					printf(out, "    variables: %s\n", strings.Join(vars, ", "))
				}
			}
			return nil
		},
	})

	var vars map[string]string
	start := &cobra.Command{
		Use:   "start <template>",
		Short: "Start a session at the template root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStack(opts, streamsOf(cmd))
			if err != nil {
				return err
			}
			defer s.Close()
			session, err := s.flows.Start(cmd.Context(), projectID, args[0], vars)
			if err != nil {
				return err
			}
			status, err := s.flows.Status(cmd.Context(), session.Ref())
			if err != nil {
				return err
			}
			renderStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
	start.Flags().StringToStringVar(&vars, "var", nil, "flow variable as key=value (repeatable)")
	cmd.AddCommand(start)

	cmd.AddCommand(&cobra.Command{
		Use:   "choose <session-id> <option>",
		Short: "Run an option of the session's current node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStack(opts, streamsOf(cmd))
			if err != nil {
				return err
			}
			defer s.Close()
			ref := flow.Ref{ProjectID: projectID, SessionID: args[0]}
			_, run, err := s.flows.Choose(cmd.Context(), ref, args[1])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			renderRun(out, run, false)
			status, err := s.flows.Status(cmd.Context(), ref)
			if err != nil {
				return err
			}
			printf(out, "\n")
			renderStatus(out, status)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status <session-id>",
		Short: "Show the current node, options and history of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStack(opts, streamsOf(cmd))
			if err != nil {
				return err
			}
			defer s.Close()
			status, err := s.flows.Status(cmd.Context(), flow.Ref{ProjectID: projectID, SessionID: args[0]})
			if err != nil {
				return err
			}
			renderStatus(cmd.OutOrStdout(), status)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the project's sessions, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStack(opts, streamsOf(cmd))
			if err != nil {
				return err
			}
			defer s.Close()
			sessions, err := s.flows.Sessions(cmd.Context(), projectID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(sessions) == 0 {
				printf(out, "No sessions for project %s.\n", projectID)
				return nil
			}
			for _, session := range sessions {
				state := session.CurrentNode
				if session.Complete {
					state = okStyle.Render("complete")
				}
				printf(out, "%s  %s  %s  %s\n",
					session.ID,
					session.TemplateID,
					state,
					mutedStyle.Render(session.UpdatedAt.Local().Format("2006-01-02 15:04")))
			}
			return nil
		},
	})
	return cmd
}

func newTUICmd(opts *cliOptions) *cobra.Command {
	var (
		vars      map[string]string
		projectID string
		sessionID string
	)
	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Walk flows interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// The TUI owns the terminal, so confirmations cannot be read from it.
			opts.noPrompt = true
			s, err := openStack(opts, streamsOf(cmd))
			if err != nil {
				return err
			}
			defer s.Close()
			appOpts := []tui.AppOption{tui.WithVariables(vars)}
			if sessionID != "" {
				appOpts = append(appOpts, tui.WithSession(flow.Ref{ProjectID: projectID, SessionID: sessionID}))
			}
			program := tea.NewProgram(
				tui.NewApp(cmd.Context(), s.flows, projectID, appOpts...),
				tea.WithAltScreen(),
				tea.WithContext(cmd.Context()),
			)
			_, err = program.Run()
			return err
		},
	}
	cmd.Flags().StringToStringVar(&vars, "var", nil, "flow variable as key=value (repeatable)")
	cmd.Flags().StringVar(&projectID, "flow-project", DefaultProjectID, "project id sessions are grouped under")
	cmd.Flags().StringVar(&sessionID, "session", "", "resume an existing session")
	return cmd
}

// renderStatus prints where a session stands and what can be chosen next.
func renderStatus(w io.Writer, status flow.Status) {
	session := status.Session
	printf(w, "%s %s (%s)\n", headerStyle.Render("session"), session.ID, status.Template)
	for i, entry := range status.History {
		marker := "advanced"
		if !entry.Advanced {
			marker = "stayed"
		}
		printf(w, "  %d. %s -> %s  %s\n", i+1, entry.Node, entry.Option,
			mutedStyle.Render(fmt.Sprintf("%s, %s, run %s", marker, entry.Reason, entry.RunID)))
	}
	if status.Complete {
		printf(w, "%s\n", okStyle.Render("complete"))
		return
	}
	printf(w, "\n%s %s\n", headerStyle.Render("node"), status.Node.ID)
	printf(w, "%s\n", prompt.ExpandVariables(strings.TrimSpace(status.Node.Prompt), session.Variables))
	for _, opt := range status.Options {
		next := opt.Next
		if opt.Terminal() {
			next = "finish"
		}
		printf(w, "  %-14s %s %s\n", opt.ID, opt.Label, mutedStyle.Render("-> "+next))
	}
}
