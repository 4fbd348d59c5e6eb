package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/floorwatch/internal/engine"
)

var (
	headStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	keyStyle  = lipgloss.NewStyle().Width(20).Foreground(lipgloss.Color("252"))
)

func newSyncCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync [value|events|all]",
		Short: "Run one sync pass now and print its report",
		Long: `Run the value pass, the event pass, or both once, outside the scheduler.

Example:
  floorwatch sync value
  floorwatch sync --json`,
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{engine.PassValues, engine.PassEvents, "all"},
		RunE: func(cmd *cobra.Command, args []string) error {
			which := "all"
			if len(args) == 1 {
				which = args[0]
			}
			var passes []string
			switch which {
			case engine.PassValues, engine.PassEvents:
				passes = []string{which}
			case "all":
				passes = []string{engine.PassValues, engine.PassEvents}
			default:
				return fmt.Errorf("unknown pass %q (want value, events or all)", which)
			}
			return runPasses(cmd.Context(), root, cmd.OutOrStdout(), passes)
		},
	}
}

func newReconcileCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Expire licenses and deactivate unlicensed watches now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPasses(cmd.Context(), root, cmd.OutOrStdout(), []string{engine.PassReconcile})
		},
	}
}

// withApp loads config, builds the app, runs fn and tears the app down.
func withApp(ctx context.Context, root *rootOptions, fn func(*app) error) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, !root.Verbose)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(a)
}

func runPasses(ctx context.Context, root *rootOptions, out io.Writer, passes []string) error {
	return withApp(ctx, root, func(a *app) error {
		reports := make([]engine.Report, len(passes))
		errs := make([]error, len(passes))
		for i, pass := range passes {
			rep, err := a.runPass(ctx, pass)
			a.audit.RecordErr(cliActor, "sync.run", pass, err)
			reports[i] = rep
			if err != nil {
				errs[i] = fmt.Errorf("%s pass: %w", pass, err)
			}
		}
		if useJSON(root, out) {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(reports); err != nil {
				return err
			}
		} else {
			for i, rep := range reports {
				renderReport(out, rep, errs[i])
			}
		}
		return errors.Join(errs...)
	})
}

// useJSON picks JSON when asked to or when out is not a terminal.
func useJSON(root *rootOptions, out io.Writer) bool {
	if root.JSON {
		return true
	}
	f, ok := out.(*os.File)
	return ok && !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
}

func renderReport(w io.Writer, rep engine.Report, err error) {
	fmt.Fprintf(w, "%s %s\n", headStyle.Render(rep.Pass+" pass"),
		dimStyle.Render(fmt.Sprintf("%s · %s · %s", rep.CycleID, rep.StartedAt.Format(time.RFC3339), rep.Duration.Round(time.Millisecond))))

	counts := rep.Counts()
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s %d\n", keyStyle.Render(k), counts[k])
	}
	if len(keys) == 0 {
		fmt.Fprintf(w, "  %s\n", dimStyle.Render("nothing to do"))
	}

	if err != nil {
		fmt.Fprintf(w, "  %s\n\n", errStyle.Render(err.Error()))
		return
	}
	fmt.Fprintf(w, "  %s\n\n", okStyle.Render("ok"))
}
