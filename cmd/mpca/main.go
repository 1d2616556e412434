package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mpataki/mpca/internal/config"
	"github.com/mpataki/mpca/internal/errs"
	"github.com/mpataki/mpca/internal/logging"
	"github.com/mpataki/mpca/internal/models"
	"github.com/mpataki/mpca/internal/mpca"
	"github.com/mpataki/mpca/internal/orchestrator"
	"github.com/mpataki/mpca/internal/storage"
	"github.com/mpataki/mpca/internal/tui"
)

var verbose bool

func main() {
	rootCmd := &cobra.Command{
		Use:           "mpca",
		Short:         "Phase-driven feature workflow for coding agents",
		Long:          "mpca takes a feature from plan through implementation and verification, one resumable step at a time.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log to stderr as well as the log file")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newVerifyCommand())
	rootCmd.AddCommand(newChatCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newDeleteCommand())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, errs.ErrInterrupted) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}

// session is the per-command runtime and logger.
type session struct {
	rt       *mpca.Runtime
	log      *zap.Logger
	closeLog func() error
}

// open locates the repository and builds the runtime. Commands other than
// init require an initialized project. interactive keeps log output off the
// terminal while a TUI owns it.
func open(requireInit, interactive bool) (*session, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	root, err := config.FindRepoRoot(wd)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	if requireInit {
		if err := cfg.RequireInitialized(); err != nil {
			return nil, err
		}
	}

	opts := logging.Options{
		Level:      cfg.Log.Level,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}
	if cfg.Initialized() {
		opts.Path = cfg.LogPath()
	}
	if verbose && !interactive {
		opts.Console = os.Stderr
	}
	log, closeLog, err := logging.New(opts)
	if err != nil {
		return nil, err
	}

	rt, err := mpca.New(cfg, log)
	if err != nil {
		_ = closeLog()
		return nil, err
	}
	return &session{rt: rt, log: log, closeLog: closeLog}, nil
}

func (s *session) Close() {
	if err := s.rt.Close(); err != nil {
		s.log.Warn("failed to close runtime", zap.Error(err))
	}
	_ = s.closeLog()
}

func newInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init [slug]",
		Short: "Initialize the project, or register a feature",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slug := ""
			if len(args) == 1 {
				slug = args[0]
			}
			s, err := open(slug != "", false)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.rt.InitProject(cmd.Context(), slug)
			if err != nil {
				return err
			}
			if slug == "" {
				fmt.Printf("Initialized mpca in %s\n", s.rt.Config().RepoRoot)
				return nil
			}
			printResult(res)
			return nil
		},
	}
}

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <slug> [description]",
		Short: "Draft a feature's spec documents with the agent",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			interactive, _ := cmd.Flags().GetBool("interactive")

			s, err := open(true, interactive)
			if err != nil {
				return err
			}
			defer s.Close()

			var opts []orchestrator.Option
			if len(args) == 2 {
				opts = append(opts, mpca.WithDescription(args[1]))
			}
			if interactive {
				opts = append(opts, mpca.WithConversation(tui.Planner(tui.Options{
					Title: "mpca plan " + args[0],
					Log:   s.log,
				})))
			}

			res, err := s.rt.PlanFeature(cmd.Context(), args[0], opts...)
			printResult(res)
			return err
		},
	}
	cmd.Flags().BoolP("interactive", "i", false, "Refine the design in a conversation before it is written")
	return cmd
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run <slug>",
		Short: "Implement a planned feature in its worktree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(true, false)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.rt.RunFeature(cmd.Context(), args[0])
			printResult(res)
			return err
		},
	}
}

func newVerifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <slug>",
		Short: "Run a feature's checks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stream, _ := cmd.Flags().GetBool("stream")

			s, err := open(true, false)
			if err != nil {
				return err
			}
			defer s.Close()

			var opts []orchestrator.Option
			if stream {
				opts = append(opts, mpca.WithOutput(os.Stdout))
			}
			res, err := s.rt.VerifyFeature(cmd.Context(), args[0], opts...)
			if res != nil && res.Verify != nil {
				v := res.Verify
				fmt.Printf("Checks (%s): %d passed, %d failed, %d total\n", v.Source, v.Passed, v.Failed, v.Total)
				if v.ReportPath != "" {
					fmt.Printf("Report: %s\n", v.ReportPath)
				}
			}
			printResult(res)
			return err
		},
	}
	cmd.Flags().Bool("stream", false, "Show command output as it is produced")
	return cmd
}

func newChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to the agent about the repository",
		Long:  "With a message, sends it once and prints the reply. Without one, opens an interactive conversation.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, _ := cmd.Flags().GetString("session")
			interactive := len(args) == 0

			s, err := open(true, interactive)
			if err != nil {
				return err
			}
			defer s.Close()

			if !interactive {
				reply, err := s.rt.Chat(cmd.Context(), args[0], sessionID)
				if err != nil {
					return err
				}
				fmt.Println(reply.Text)
				if reply.SessionID != "" {
					fmt.Printf("\nSession: %s\n", reply.SessionID)
				}
				return nil
			}

			chatter := s.rt.Chatter()
			base, err := chatter.Request("", sessionID)
			if err != nil {
				return err
			}
			err = tui.Chat(cmd.Context(), chatter.Agent(), *base, "", tui.Options{Title: "mpca chat", Log: s.log})
			if errors.Is(err, errs.ErrInterrupted) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().String("session", "", "Continue an earlier conversation")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status [slug]",
		Short: "Show feature status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(true, false)
			if err != nil {
				return err
			}
			defer s.Close()

			if len(args) == 0 {
				return listFeatures(s.rt)
			}
			state, err := s.rt.Status(args[0])
			if err != nil {
				return err
			}
			printState(state)
			return nil
		},
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List features",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(true, false)
			if err != nil {
				return err
			}
			defer s.Close()
			return listFeatures(s.rt)
		},
	}
}

func newHistoryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history <slug>",
		Short: "Show a feature's recent attempts and their steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(true, false)
			if err != nil {
				return err
			}
			defer s.Close()

			history, err := s.rt.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(history) == 0 {
				fmt.Println("No attempts recorded.")
				return nil
			}
			for _, h := range history {
				a := h.Attempt
				fmt.Printf("%s [%s] %s", a.Workflow, a.Status, storage.FormatTimeAgo(a.StartedAt))
				if a.Error != "" {
					fmt.Printf(" - %s", truncate(a.Error, 60))
				}
				fmt.Println()
				for _, st := range h.Steps {
					line := fmt.Sprintf("  %d. %s [%s]", st.Step+1, st.Name, st.Status)
					if st.Turns > 0 {
						line += fmt.Sprintf(" turns=%d cost=$%.4f", st.Turns, st.CostUSD)
					}
					fmt.Println(line)
				}
			}
			return nil
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <slug>",
		Short: "Delete a feature, its worktree and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(true, false)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.rt.DeleteFeature(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted %s\n", args[0])
			return nil
		},
	}
}

func listFeatures(rt *mpca.Runtime) error {
	features, err := rt.ListFeatures()
	if err != nil {
		return err
	}
	if len(features) == 0 {
		fmt.Println("No features found.")
		return nil
	}
	for _, f := range features {
		if f.Err != nil {
			fmt.Printf("%-30s unreadable: %s\n", f.Slug, truncate(f.Err.Error(), 60))
			continue
		}
		fmt.Printf("%-30s %s\n", f.Slug, summary(f.State))
	}
	return nil
}

func summary(state *models.RunState) string {
	s := fmt.Sprintf("[%s]", state.Phase)
	if state.Workflow != "" {
		s += fmt.Sprintf(" %s at step %d", state.Workflow, state.Step)
	}
	if state.Failure != nil {
		s += " failed: " + truncate(state.Failure.Message, 50)
	}
	return s
}

func printState(state *models.RunState) {
	fmt.Printf("Feature: %s\n", state.FeatureSlug)
	fmt.Printf("Phase: %s\n", state.Phase)
	if state.Workflow != "" {
		fmt.Printf("Pending: %s (step %d)\n", state.Workflow, state.Step)
	}
	fmt.Printf("Turns: %d\n", state.Turns)
	fmt.Printf("Cost: $%.4f\n", state.CostUSD)
	fmt.Printf("Updated: %s\n", storage.FormatTimeAgo(state.UpdatedAt))
	if state.Failure != nil {
		fmt.Printf("Failure: %s (%s, step %d)\n", state.Failure.Message, state.Failure.Kind, state.Failure.Step+1)
	}
}

func printResult(res *orchestrator.Result) {
	if res == nil {
		return
	}
	if res.Archived != "" {
		fmt.Printf("Archived corrupted record to %s\n", res.Archived)
	}
	if res.Skipped {
		fmt.Printf("%s: already past %s, nothing to do\n", res.Feature, res.Workflow)
	} else if res.Resumed {
		fmt.Printf("%s: resumed %s\n", res.Feature, res.Workflow)
	}
	if res.State != nil {
		fmt.Printf("%s %s\n", res.Feature, summary(res.State))
	}
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
