package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/sprout/harvest/internal/scheduler"
)

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single harvest pass and print its summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithTimeout(ctx, cfg.Harvest.RunTimeout)
		defer cancel()

		a, err := newApp(ctx, cfg, logger, storeKind)
		if err != nil {
			return err
		}
		defer a.close()

		runner, err := a.runner()
		if err != nil {
			return err
		}
		summary, err := withRunLock(ctx, a.lock(), runner.Run)
		if err != nil {
			return err
		}
		return printJSON(cmd, summary)
	},
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Run a single discovery pass and print its summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithTimeout(ctx, cfg.Harvest.RunTimeout)
		defer cancel()

		a, err := newApp(ctx, cfg, logger, storeKind)
		if err != nil {
			return err
		}
		defer a.close()

		discoverer, err := a.discoverer()
		if err != nil {
			return err
		}
		summary, err := withRunLock(ctx, a.lock(), discoverer.Run)
		if err != nil {
			return err
		}
		return printJSON(cmd, summary)
	},
}

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down]",
	Short:     "Apply or revert database migrations",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down"},
	RunE: func(cmd *cobra.Command, args []string) error {
		down := len(args) == 1 && args[0] == "down"
		return migrateDB(cfg.Database.Postgres, down, logger)
	},
}

func init() {
	rootCmd.AddCommand(onceCmd, discoverCmd, migrateCmd)
}

// withRunLock runs fn holding the same slot the daemon's scheduler takes, so a
// one-off pass never overlaps a scheduled run.
func withRunLock[T any](ctx context.Context, lock scheduler.Lock, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	release, ok, err := lock.TryLock(ctx, scheduler.RunSlot)
	if err != nil {
		return zero, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return zero, scheduler.ErrBusy
	}
	defer release()
	return fn(ctx)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
