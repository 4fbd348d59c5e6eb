package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/floorwatch/internal/audit"
	"github.com/basket/floorwatch/internal/persistence"
)

const cliActor = "cli"

// withStore opens the store and the audit log; admin commands need
// nothing else.
func withStore(root *rootOptions, fn func(*persistence.Store, *audit.Log) error) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	store, err := persistence.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()
	log, err := audit.Open(cfg.HomeDir)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer log.Close()
	return fn(store, log)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newWatchCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Manage watches (add, list, cancel)",
	}
	cmd.AddCommand(newWatchAddCommand(root))
	cmd.AddCommand(newWatchListCommand(root))
	cmd.AddCommand(newWatchCancelCommand(root))
	return cmd
}

type watchAddOptions struct {
	Guild     string
	Kind      string
	EventType string
	Target    string
	Expires   time.Duration
}

func newWatchAddCommand(root *rootOptions) *cobra.Command {
	opts := &watchAddOptions{}
	cmd := &cobra.Command{
		Use:   "add <lookup-key>",
		Short: "Subscribe a target to a collection",
		Long: `Add a value watch (the target is renamed to the floor price) or an event
watch (new listings or sales are posted to the target).

Example:
  floorwatch watch add cool-cats --guild g1 --target -1001234567890
  floorwatch watch add cool-cats --guild g1 --kind event --event sold --target @coolcats_sales`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := persistence.Watch{
				GuildRef:  opts.Guild,
				Kind:      persistence.WatchKind(strings.ToLower(opts.Kind)),
				EventType: persistence.EventType(strings.ToLower(opts.EventType)),
				LookupKey: args[0],
				TargetRef: opts.Target,
			}
			if opts.Expires > 0 {
				at := time.Now().Add(opts.Expires).UTC()
				w.ExpiresAt = &at
			}
			return withStore(root, func(s *persistence.Store, log *audit.Log) error {
				created, err := s.CreateWatch(cmd.Context(), w)
				log.RecordErr(cliActor, "watch.add", w.GuildRef+"/"+w.LookupKey, err)
				if err != nil {
					return err
				}
				if root.JSON {
					return printJSON(cmd.OutOrStdout(), created)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "watch %s created (%s %s -> %s)\n", created.ID, created.Kind, created.LookupKey, created.TargetRef)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Guild, "guild", "", "guild that owns the watch (required)")
	cmd.Flags().StringVar(&opts.Kind, "kind", string(persistence.KindValue), "watch kind: value or event")
	cmd.Flags().StringVar(&opts.EventType, "event", string(persistence.EventSold), "event type for event watches: created or sold")
	cmd.Flags().StringVar(&opts.Target, "target", "", "chat ID or @channel to update (required)")
	cmd.Flags().DurationVar(&opts.Expires, "expires", 0, "optional lifetime, e.g. 720h")
	_ = cmd.MarkFlagRequired("guild")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func newWatchListCommand(root *rootOptions) *cobra.Command {
	var guild string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the watches of a guild",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(root, func(s *persistence.Store, _ *audit.Log) error {
				watches, err := s.ListWatchesByGuild(cmd.Context(), guild)
				if err != nil {
					return err
				}
				if root.JSON {
					return printJSON(cmd.OutOrStdout(), watches)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tKIND\tKEY\tTARGET\tACTIVE\tCREATED")
				for _, w := range watches {
					kind := string(w.Kind)
					if w.EventType != "" {
						kind += "/" + string(w.EventType)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n", w.ID, kind, w.LookupKey, w.TargetRef, w.Active, w.CreatedAt.Format(time.DateOnly))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&guild, "guild", "", "guild to list (required)")
	_ = cmd.MarkFlagRequired("guild")
	return cmd
}

func newWatchCancelCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <watch-id>",
		Short: "Stop a watch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(root, func(s *persistence.Store, log *audit.Log) error {
				err := s.CancelWatch(cmd.Context(), args[0])
				log.RecordErr(cliActor, "watch.cancel", args[0], err)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "watch %s cancelled\n", args[0])
				return nil
			})
		},
	}
}

func newLicenseCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "license",
		Short: "Manage guild licenses (create, claim, list)",
	}
	cmd.AddCommand(newLicenseCreateCommand(root))
	cmd.AddCommand(newLicenseClaimCommand(root))
	cmd.AddCommand(newLicenseListCommand(root))
	return cmd
}

func newLicenseCreateCommand(root *rootOptions) *cobra.Command {
	var (
		kind  string
		guild string
		days  int
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a license, optionally claimed for a guild right away",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if days <= 0 {
				return fmt.Errorf("--days must be positive")
			}
			l := persistence.License{
				Kind:      kind,
				GuildRef:  guild,
				ExpiresAt: time.Now().Add(time.Duration(days) * 24 * time.Hour),
			}
			return withStore(root, func(s *persistence.Store, log *audit.Log) error {
				created, err := s.CreateLicense(cmd.Context(), l)
				log.RecordErr(cliActor, "license.create", created.ID, err)
				if err != nil {
					return err
				}
				if root.JSON {
					return printJSON(cmd.OutOrStdout(), created)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "license %s created, expires %s\n", created.ID, created.ExpiresAt.Format(time.RFC3339))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "manual", "license kind")
	cmd.Flags().StringVar(&guild, "guild", "", "claim for this guild immediately")
	cmd.Flags().IntVar(&days, "days", 30, "validity in days")
	return cmd
}

func newLicenseClaimCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "claim <license-id> <guild>",
		Short: "Bind an unclaimed license to a guild",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(root, func(s *persistence.Store, log *audit.Log) error {
				err := s.ClaimLicense(cmd.Context(), args[0], args[1])
				log.RecordErr(cliActor, "license.claim", args[0]+"->"+args[1], err)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "license %s claimed by %s\n", args[0], args[1])
				return nil
			})
		},
	}
}

func newLicenseListCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all licenses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(root, func(s *persistence.Store, _ *audit.Log) error {
				return listLicenses(cmd.Context(), s, cmd.OutOrStdout(), root.JSON)
			})
		},
	}
}

func listLicenses(ctx context.Context, s *persistence.Store, out io.Writer, asJSON bool) error {
	licenses, err := s.ListLicenses(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(out, licenses)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tGUILD\tACTIVE\tEXPIRES")
	for _, l := range licenses {
		guild := l.GuildRef
		if guild == "" {
			guild = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", l.ID, l.Kind, guild, l.Active, l.ExpiresAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
