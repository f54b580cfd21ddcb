// Command checkdbs is the one-shot ModerationEngine sweep cron entry
// point (spec.md §4.5): for every list, under its list lock, it expires
// aged-out pending requests and held messages and synthesizes an admin
// notice when any hold remains open. It also rebuilds that list's slice
// of the site-wide SQLite index so cross-list consistency reporting
// reflects the post-sweep state. Mirrors the real system's cron/checkdbs
// script, per SPEC_FULL.md §4.7's cron entry points expansion.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/mailmanhq/engine/internal/config"
	"github.com/mailmanhq/engine/internal/liststore"
	"github.com/mailmanhq/engine/internal/logging"
	"github.com/mailmanhq/engine/internal/mlock"
	"github.com/mailmanhq/engine/internal/moderation"
	"github.com/mailmanhq/engine/internal/queue"
	"github.com/mailmanhq/engine/internal/siteindex"
)

var cfgPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "checkdbs: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "checkdbs",
	Short: "Expire stale pending requests and held messages, list by list",
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

	engine := &moderation.Engine{
		Store:                  lists,
		Virgin:                 virgin,
		Hostname:               cfg.Server.Hostname,
		Log:                    log.Moderation(),
		MaxAutoResponsesPerDay: cfg.Moderate.MaxAutoResponsesPerDay,
	}

	ctx := context.Background()

	index, err := siteindex.Open(cfg.Storage.SiteIndexDB)
	if err != nil {
		return fmt.Errorf("open site index: %w", err)
	}
	defer index.Close()
	if err := index.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate site index: %w", err)
	}

	acquireTimeout := config.Duration(cfg.Lock.AcquireTimeout, 5*time.Second)

	for _, name := range names {
		if err := sweepOne(ctx, cfg, engine, lists, index, acquireTimeout, name); err != nil {
			log.ErrorContext(ctx, "checkdbs sweep failed for list, continuing", err, "list", name)
		}
	}
	return nil
}

func sweepOne(ctx context.Context, cfg *config.Config, engine *moderation.Engine, lists *liststore.Store, index *siteindex.DB, acquireTimeout time.Duration, name string) error {
	lock := mlock.New(filepath.Join(cfg.Storage.LockDir, name+".lock"), cfg.Server.Hostname, name)
	if err := lock.Acquire(acquireTimeout, cfg.Lock.AllowCrossHost); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer lock.Release()

	l, err := lists.Load(name)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	changed, err := engine.Sweep(ctx, l, cfg.Moderate, cfg.Server.SiteList)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	if changed {
		if err := lists.Save(l); err != nil {
			return fmt.Errorf("save: %w", err)
		}
	}
	if err := index.Rebuild(ctx, l); err != nil {
		return fmt.Errorf("rebuild site index: %w", err)
	}
	return nil
}
