// Command senddigests is the one-shot DigestDispatch cron entry point
// (spec.md §4.7): for every digest-enabled list, fold its accumulated
// digest entries into one issue and reinject it through the pipeline.
// Mirrors the real system's cron/senddigests script, per SPEC_FULL.md
// §4.7's cron entry points expansion.
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
		fmt.Fprintf(os.Stderr, "senddigests: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "senddigests",
	Short: "Dispatch accumulated digests for every digest-enabled list",
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
	pipeline, err := qset.Switchboard("pipeline")
	if err != nil {
		return err
	}

	lists := liststore.NewStore(cfg.Storage.ListDataDir)

	tasks := &periodic.Tasks{
		Store: lists,
		Lock: func(list string) *mlock.Lock {
			return mlock.New(filepath.Join(cfg.Storage.LockDir, list+".lock"), cfg.Server.Hostname, list)
		},
		Pipeline: pipeline,
		Hostname: cfg.Server.Hostname,
		SiteList: cfg.Server.SiteList,
		Log:      log.Periodic("senddigests"),
	}

	return tasks.DigestDispatch(context.Background())
}
