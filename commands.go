package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dzaakk/quotagate/internal/keys"
	"github.com/Dzaakk/quotagate/internal/window"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create the configured seed keys if the key directory is empty",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Keys.Source != "sqlite" {
			return fmt.Errorf("seed needs a persistent key source, got %q", cfg.Keys.Source)
		}
		// buildApp seeds when enabled
		cfg.Keys.Seed = false

		a, err := buildApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		created, err := keys.Seed(cmd.Context(), a.db.Keys(), cfg.Keys.Seeds, logger)
		if err != nil {
			return err
		}
		if created == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "key directory already populated, nothing to do")
			return nil
		}
		return printKeys(cmd.OutOrStdout(), created)
	},
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Inspect and remove API keys in the sqlite key directory",
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API keys, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := openKeyAdmin(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		all, err := a.db.Keys().List(cmd.Context())
		if err != nil {
			return err
		}
		return printKeys(cmd.OutOrStdout(), all)
	},
}

var keysDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a key together with its usage counters and access logs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openKeyAdmin(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		k, err := a.db.DeleteKey(cmd.Context(), args[0])
		if errors.Is(err, keys.ErrNotFound) {
			return fmt.Errorf("no key with id %q", args[0])
		}
		if err != nil {
			return err
		}
		// counters may live outside the database
		if err := a.counter.DeleteForKey(cmd.Context(), k.Key); err != nil {
			return fmt.Errorf("delete usage counters: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "deleted key %s (%s)\n", k.ID, k.Name)
		return nil
	},
}

func openKeyAdmin(ctx context.Context) (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Keys.Source != "sqlite" {
		return nil, fmt.Errorf("key administration needs the sqlite key source, got %q", cfg.Keys.Source)
	}
	cfg.Keys.Seed = false
	return buildApp(ctx, cfg, logger)
}

var windowKind string

var windowCmd = &cobra.Command{
	Use:   "window",
	Short: "Print the current minute and day window ids",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return printWindows(cmd.OutOrStdout(), time.Now(), windowKind)
	},
}

func init() {
	windowCmd.Flags().StringVarP(&windowKind, "kind", "k", "", "only print this window kind (minute or day)")
	keysCmd.AddCommand(keysListCmd, keysDeleteCmd)
	rootCmd.AddCommand(seedCmd, keysCmd, windowCmd)
}

func printKeys(w io.Writer, ks []keys.APIKey) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tKEY\tPER MINUTE\tPER DAY\tACTIVE")
	for _, k := range ks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%t\n", k.ID, k.Name, k.Key, k.PerMinute, k.PerDay, k.Active)
	}
	return tw.Flush()
}

// printWindows writes the windows containing now; kind narrows it to one when set.
func printWindows(w io.Writer, now time.Time, kind string) error {
	minute, day := window.Resolve(now)
	spans := []window.Span{minute, day}
	if kind != "" {
		k, err := window.ParseKind(kind)
		if err != nil {
			return err
		}
		if k == window.Minute {
			spans = spans[:1]
		} else {
			spans = spans[1:]
		}
	}
	for _, s := range spans {
		if _, err := fmt.Fprintf(w, "%-6s %-13s expires %s resets %s\n",
			s.Kind, s.ID,
			s.ExpiresAt.Format(time.RFC3339),
			window.ResetAt(s.Kind, now).Format(time.RFC3339),
		); err != nil {
			return err
		}
	}
	return nil
}
