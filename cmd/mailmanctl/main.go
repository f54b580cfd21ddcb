// Command mailmanctl operates the engine's Master Supervisor: start,
// stop, restart, and log-reopen subcommands drive one long-lived
// supervisor process that forks and monitors the qrunner fleet.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mailmanhq/engine/internal/config"
	"github.com/mailmanhq/engine/internal/logging"
	"github.com/mailmanhq/engine/internal/master"
	"github.com/mailmanhq/engine/internal/mlock"
)

var (
	cfgPath         string
	qrunnerPath     string
	noRestart       bool
	staleLockClean  bool
	quiet           bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mailmanctl: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mailmanctl",
	Short: "Control the mailman engine's master supervisor",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "/etc/mailman/mailman.yaml", "path to config file")
	rootCmd.PersistentFlags().StringVar(&qrunnerPath, "qrunner", "qrunner", "path to the qrunner binary")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress startup banner")

	startCmd.Flags().BoolVar(&noRestart, "no-restart", false, "do not restart children on abnormal exit")
	startCmd.Flags().BoolVar(&staleLockClean, "stale-lock-cleanup", false, "break a stale master lease before acquiring")

	rootCmd.AddCommand(startCmd, stopCmd, restartCmd, reopenCmd)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Acquire the master lease and run the runner fleet until signaled",
	RunE:  runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Signal a running master supervisor to shut down",
	RunE:  runStop,
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Signal a running master supervisor to restart its children",
	RunE:  runRestart,
}

var reopenCmd = &cobra.Command{
	Use:   "reopen",
	Short: "Signal a running master supervisor to reopen its log file",
	RunE:  runReopen,
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return cfg, nil
}

func masterLock(cfg *config.Config) *mlock.Lock {
	l := mlock.New(filepath.Join(cfg.Storage.LockDir, "master.lock"), cfg.Server.Hostname, "master")
	if cfg.Lock.LifetimeSeconds > 0 {
		l.SetLifetime(time.Duration(cfg.Lock.LifetimeSeconds) * time.Second)
	}
	return l
}

func pidFile(cfg *config.Config) string {
	return filepath.Join(cfg.Storage.LockDir, "master.pid")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	log = log.Master()

	lock := masterLock(cfg)
	if staleLockClean {
		// Take the lease here with stale-lease breaking allowed across
		// hosts; the supervisor's own Acquire then re-enters it.
		if err := lock.Acquire(30*time.Second, true); err != nil {
			return fmt.Errorf("acquire master lease: %w", err)
		}
		defer lock.Release()
	}

	specs := master.SpecsFromConfig(cfg)
	sup := master.New(qrunnerPath, cfgPath, lock, log, specs)

	if !quiet {
		fmt.Fprintf(os.Stdout, "mailmanctl: starting %d runner worker(s)\n", len(specs))
	}
	if err := os.WriteFile(pidFile(cfg), []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		log.WarnContext(context.Background(), "failed to write pid file", "error", err.Error())
	}
	defer os.Remove(pidFile(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				logCfg := logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output}
				if err := log.Reopen(logCfg); err != nil {
					log.ErrorContext(ctx, "failed to reopen log file", err)
				}
				sup.Broadcast(syscall.SIGHUP)
			case syscall.SIGINT:
				if noRestart {
					log.InfoContext(ctx, "ignoring restart request (--no-restart)")
					continue
				}
				log.InfoContext(ctx, "restarting runner fleet")
				sup.Broadcast(syscall.SIGINT)
			case syscall.SIGTERM:
				log.InfoContext(ctx, "received shutdown signal", "signal", sig.String())
				cancel()
				return
			}
		}
	}()

	return sup.Run(ctx)
}

// signalMaster reads the PID file and sends sig to that process, the
// convention every other supervisor script in this tree uses in place
// of a control socket.
func signalMaster(sig syscall.Signal) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(pidFile(cfg))
	if err != nil {
		return fmt.Errorf("master not running (no pid file): %w", err)
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return fmt.Errorf("malformed pid file: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find master process %d: %w", pid, err)
	}
	return proc.Signal(sig)
}

func runStop(cmd *cobra.Command, args []string) error {
	return signalMaster(syscall.SIGTERM)
}

func runRestart(cmd *cobra.Command, args []string) error {
	return signalMaster(syscall.SIGINT)
}

func runReopen(cmd *cobra.Command, args []string) error {
	return signalMaster(syscall.SIGHUP)
}
