package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/basket/floorwatch/internal/config"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

// rootOptions holds global flags for all commands.
type rootOptions struct {
	Home    string
	JSON    bool
	Verbose bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "floorwatch",
		Short: "Keep chat titles and channels in step with NFT floor prices",
		Long: `floorwatch renames chats to the current floor price of the collections
they follow and posts new listings and sales to subscribed channels.

Configuration lives in $FLOORWATCH_HOME/config.yaml (default ~/.floorwatch).`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Home, "home", "", "data directory (default $FLOORWATCH_HOME or ~/.floorwatch)")
	cmd.PersistentFlags().BoolVar(&opts.JSON, "json", false, "print JSON instead of text")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "also write logs to stdout")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newReconcileCommand(opts))
	cmd.AddCommand(newWatchCommand(opts))
	cmd.AddCommand(newLicenseCommand(opts))
	cmd.AddCommand(newHistoryCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newDoctorCommand(opts))

	return cmd
}

func (o *rootOptions) homeDir() string {
	if o.Home != "" {
		return o.Home
	}
	return config.HomeDir()
}

func (o *rootOptions) loadConfig() (config.Config, error) {
	return config.LoadFrom(o.homeDir())
}

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

var errDoctorFailed = errors.New("one or more checks failed")
