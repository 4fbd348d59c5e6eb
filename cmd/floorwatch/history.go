package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/floorwatch/internal/engine"
	"github.com/basket/floorwatch/internal/fetch"
	"github.com/basket/floorwatch/internal/persistence"
)

// historyReport is the output of `floorwatch history`.
type historyReport struct {
	Key       string                     `json:"key"`
	Days      int                        `json:"days"`
	Averages  []persistence.DailyAverage `json:"averages"`
	Live      *float64                   `json:"live,omitempty"`
	ChangePct *float64                   `json:"change_pct,omitempty"`
}

func newHistoryCommand(root *rootOptions) *cobra.Command {
	var (
		days int
		live bool
	)
	cmd := &cobra.Command{
		Use:   "history <lookup-key>",
		Short: "Show daily average floor prices",
		Long: `Show the daily average floor price recorded over the last N days and,
unless --live=false, compare the current floor price against the latest day.

Example:
  floorwatch history cool-cats --days 14`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if days <= 0 {
				return fmt.Errorf("--days must be positive")
			}
			return withApp(cmd.Context(), root, func(a *app) error {
				rep, err := buildHistory(cmd.Context(), a.store, a.fetcher, args[0], days, live, time.Now())
				if err != nil {
					return err
				}
				if useJSON(root, cmd.OutOrStdout()) {
					return printJSON(cmd.OutOrStdout(), rep)
				}
				renderHistory(cmd.OutOrStdout(), rep, a.cfg.Sync.CurrencySymbol)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "number of days to show")
	cmd.Flags().BoolVar(&live, "live", true, "fetch the current floor price for comparison")
	return cmd
}

type averageLister interface {
	DailyAverages(ctx context.Context, key string, since time.Time) ([]persistence.DailyAverage, error)
}

func buildHistory(ctx context.Context, store averageLister, f *fetch.Fetcher, key string, days int, live bool, now time.Time) (historyReport, error) {
	since := now.UTC().Truncate(24*time.Hour).AddDate(0, 0, -(days - 1))
	avgs, err := store.DailyAverages(ctx, key, since)
	if err != nil {
		return historyReport{}, err
	}
	rep := historyReport{Key: key, Days: days, Averages: avgs}
	if !live || f == nil {
		return rep, nil
	}

	out := f.NewCycle().Resolve(ctx, key)
	if !out.OK() {
		return rep, nil
	}
	price := out.Value.FloorPrice
	rep.Live = &price
	if n := len(avgs); n > 0 && avgs[n-1].Average > 0 {
		pct := (price - avgs[n-1].Average) / avgs[n-1].Average * 100
		rep.ChangePct = &pct
	}
	return rep, nil
}

func renderHistory(w io.Writer, rep historyReport, unit string) {
	fmt.Fprintf(w, "%s %s\n", headStyle.Render(engine.FormatName(rep.Key)),
		dimStyle.Render(fmt.Sprintf("last %d days", rep.Days)))
	if len(rep.Averages) == 0 {
		fmt.Fprintf(w, "  %s\n", dimStyle.Render("no samples recorded"))
	}
	for _, d := range rep.Averages {
		fmt.Fprintf(w, "  %s %s %s %s\n", keyStyle.Render(d.Day.Format(time.DateOnly)),
			engine.FormatValue(d.Average), unit, dimStyle.Render(fmt.Sprintf("(%d samples)", d.Samples)))
	}
	if rep.Live == nil {
		return
	}
	line := fmt.Sprintf("  %s %s %s", keyStyle.Render("now"), engine.FormatValue(*rep.Live), unit)
	if rep.ChangePct != nil {
		style := okStyle
		if *rep.ChangePct < 0 {
			style = errStyle
		}
		line += " " + style.Render(fmt.Sprintf("%+.2f%%", *rep.ChangePct))
	}
	fmt.Fprintln(w, line)
}
