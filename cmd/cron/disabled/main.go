// Command disabled is the one-shot BounceEngine sweep cron entry point
// (spec.md §4.6): for every list, under its list lock, it recovers stale
// BYBOUNCE records, transitions over-threshold subscribers to BYBOUNCE,
// issues disable warnings, and unsubscribes addresses past the warning
// limit. Mirrors the real system's cron/disabled script, per
// SPEC_FULL.md §4.7's cron entry points expansion.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/mailmanhq/engine/internal/bounce"
	"github.com/mailmanhq/engine/internal/config"
	"github.com/mailmanhq/engine/internal/liststore"
	"github.com/mailmanhq/engine/internal/logging"
	"github.com/mailmanhq/engine/internal/mlock"
	"github.com/mailmanhq/engine/internal/queue"
)

var cfgPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "disabled: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "disabled",
	Short: "Run the daily bounce disable/warn/remove sweep, list by list",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&cfgPath, "config", "/etc/mailman/mailman.yaml", "path to config file")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, err := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	qset, err := queue.NewSet(cfg.Storage.QueueDir, queue.Names)
	if err != nil {
		return fmt.Errorf("open queue set: %w", err)
	}
	virgin, err := qset.Switchboard("virgin")
	if err != nil {
		return err
	}

	lists := liststore.NewStore(cfg.Storage.ListDataDir)
	names, err := lists.Lists()
	if err != nil {
		return fmt.Errorf("list lists: %w", err)
	}

	engine := &bounce.Engine{
		Store:    lists,
		Virgin:   virgin,
		Hostname: cfg.Server.Hostname,
		SiteList: cfg.Server.SiteList,
		Log:      log.Bounce(),
	}

	ctx := context.Background()
	acquireTimeout := config.Duration(cfg.Lock.AcquireTimeout, 5*time.Second)

	for _, name := range names {
		if err := sweepOne(ctx, cfg, engine, lists, acquireTimeout, name); err != nil {
			log.ErrorContext(ctx, "disabled sweep failed for list, continuing", err, "list", name)
		}
	}
	return nil
}

func sweepOne(ctx context.Context, cfg *config.Config, engine *bounce.Engine, lists *liststore.Store, acquireTimeout time.Duration, name string) error {
	lock := mlock.New(filepath.Join(cfg.Storage.LockDir, name+".lock"), cfg.Server.Hostname, name)
	if err := lock.Acquire(acquireTimeout, cfg.Lock.AllowCrossHost); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer lock.Release()

	l, err := lists.Load(name)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	changed, err := engine.Sweep(ctx, l, cfg.Bounce)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	if changed {
		if err := lists.Save(l); err != nil {
			return fmt.Errorf("save: %w", err)
		}
	}
	return nil
}
