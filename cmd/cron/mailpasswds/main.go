// Command mailpasswds is the one-shot PasswordReminders cron entry point
// (spec.md §4.7): groups subscribers by host across every list and sends
// each address at most one reminder per run, honoring the per-subscriber
// suppress-reminder flag. Mirrors the real system's cron/mailpasswds
// script, per SPEC_FULL.md §4.7's cron entry points expansion.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mailmanhq/engine/internal/config"
	"github.com/mailmanhq/engine/internal/liststore"
	"github.com/mailmanhq/engine/internal/logging"
	"github.com/mailmanhq/engine/internal/mlock"
	"github.com/mailmanhq/engine/internal/periodic"
	"github.com/mailmanhq/engine/internal/queue"
)

var cfgPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mailpasswds: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mailpasswds",
	Short: "Send password reminder mail to every subscriber, grouped by host",
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

	tasks := &periodic.Tasks{
		Store: lists,
		Lock: func(list string) *mlock.Lock {
			return mlock.New(filepath.Join(cfg.Storage.LockDir, list+".lock"), cfg.Server.Hostname, list)
		},
		Virgin:   virgin,
		Hostname: cfg.Server.Hostname,
		SiteList: cfg.Server.SiteList,
		Log:      log.Periodic("mailpasswds"),
	}

	return tasks.PasswordReminders(context.Background())
}
