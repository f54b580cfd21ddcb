// Command qrunner is the worker process the master supervisor forks: one
// invocation runs a single named runner (Incoming, Pipeline, Outgoing,
// Bounce, Virgin, Command, News, Retry, or Archive), optionally one slice
// of a partitioned queue, until told to stop.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mailmanhq/engine/internal/bounce"
	"github.com/mailmanhq/engine/internal/config"
	"github.com/mailmanhq/engine/internal/delivery"
	"github.com/mailmanhq/engine/internal/handlers"
	"github.com/mailmanhq/engine/internal/liststore"
	"github.com/mailmanhq/engine/internal/logging"
	"github.com/mailmanhq/engine/internal/mlock"
	"github.com/mailmanhq/engine/internal/queue"
	"github.com/mailmanhq/engine/internal/resilience"
	"github.com/mailmanhq/engine/internal/runner"
	"github.com/mailmanhq/engine/internal/security"
)

var (
	cfgPath  string
	runnerArg string
	once     bool
	listOnly bool
	verbose  bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "qrunner: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "qrunner",
	Short: "Run a single mailman engine queue runner",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&cfgPath, "config", "/etc/mailman/mailman.yaml", "path to config file")
	rootCmd.Flags().StringVar(&runnerArg, "runner", "", "runner to run: NAME or NAME:slice:numSlices")
	rootCmd.Flags().BoolVar(&once, "once", false, "process a single drained pass of the queue, then exit")
	rootCmd.Flags().BoolVar(&listOnly, "list", false, "print the configured runner names and exit")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "force debug-level logging regardless of config")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	if listOnly {
		for _, name := range cfg.RunnerNames() {
			fmt.Println(name)
		}
		return nil
	}

	logCfg := logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output}
	if verbose {
		logCfg.Level = "debug"
	}
	log, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	if runnerArg == "" {
		return fmt.Errorf("--runner is required (use --list to see configured names)")
	}
	name, slice, numSlices, err := parseRunnerArg(runnerArg)
	if err != nil {
		return err
	}

	qset, err := queue.NewSet(cfg.Storage.QueueDir, queue.Names)
	if err != nil {
		return fmt.Errorf("open queue set: %w", err)
	}

	lists := liststore.NewStore(cfg.Storage.ListDataDir)

	lockFactory := func(list string) *mlock.Lock {
		return mlock.New(filepath.Join(cfg.Storage.LockDir, list+".lock"), cfg.Server.Hostname, list)
	}

	r, err := buildRunner(cfg, name, slice, numSlices, qset, lists, lockFactory, log)
	if err != nil {
		return fmt.Errorf("build runner %s: %w", name, err)
	}
	if once {
		r.built = runner.New(name, r.sb(), r.handlers(), qset, log, append(r.opts, runner.WithSlice(slice, numSlices), runner.WithOnce())...)
	}

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Listen, log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				if err := log.Reopen(logCfg); err != nil {
					log.ErrorContext(ctx, "failed to reopen log file", err)
				}
			case syscall.SIGINT, syscall.SIGTERM:
				log.InfoContext(ctx, "received shutdown signal, stopping runner", "signal", sig.String())
				r.built.Stop()
				cancel()
				reraise(sig)
				return
			}
		}
	}()

	if err := r.built.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("runner %s: %w", name, err)
	}
	return nil
}

// reraise restores the default disposition for sig and sends it to this
// process again, so a parent (the master supervisor) observing via
// os.ProcessState sees a true signal-terminated exit rather than the
// process having simply chosen to os.Exit(0).
func reraise(sig os.Signal) {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return
	}
	signal.Reset(s)
	syscall.Kill(os.Getpid(), s)
}

func parseRunnerArg(arg string) (name string, slice, numSlices int, err error) {
	parts := strings.Split(arg, ":")
	switch len(parts) {
	case 1:
		return parts[0], 0, 1, nil
	case 3:
		slice, err = strconv.Atoi(parts[1])
		if err != nil {
			return "", 0, 0, fmt.Errorf("invalid slice in --runner %q: %w", arg, err)
		}
		numSlices, err = strconv.Atoi(parts[2])
		if err != nil {
			return "", 0, 0, fmt.Errorf("invalid numSlices in --runner %q: %w", arg, err)
		}
		return parts[0], slice, numSlices, nil
	default:
		return "", 0, 0, fmt.Errorf("malformed --runner %q, want NAME or NAME:slice:numSlices", arg)
	}
}

func serveMetrics(addr string, log *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.ErrorContext(context.Background(), "metrics listener exited", err, "addr", addr)
	}
}

// builtRunner bundles the constructed runner.Runner together with the
// pieces needed to rebuild it with WithOnce when --once is set, since
// runner.Runner does not expose a way to add options after construction.
type builtRunner struct {
	built       *runner.Runner
	switchboard *queue.Switchboard
	chain       []runner.Handler
	opts        []runner.Option
}

func (b *builtRunner) sb() *queue.Switchboard    { return b.switchboard }
func (b *builtRunner) handlers() []runner.Handler { return b.chain }

const maxRetryAttempts = 8

func retryDelay(attempt int) time.Duration {
	d := time.Minute << uint(attempt)
	const cap = 2 * time.Hour
	if d > cap || d <= 0 {
		return cap
	}
	return d
}

func buildRunner(
	cfg *config.Config,
	name string,
	slice, numSlices int,
	qset *queue.Set,
	lists *liststore.Store,
	lockFactory handlers.LockFactory,
	log *logging.Logger,
) (*builtRunner, error) {
	opts := []runner.Option{runner.WithSlice(slice, numSlices)}
	if pollInterval := config.Duration(cfg.Queue.EmptyPollInterval, time.Second); pollInterval > 0 {
		opts = append(opts, runner.WithIdleSleep(pollInterval))
	}

	switch name {
	case "Incoming":
		sb, err := qset.Switchboard("incoming")
		if err != nil {
			return nil, err
		}
		pipeline, err := qset.Switchboard("pipeline")
		if err != nil {
			return nil, err
		}
		chain := []runner.Handler{
			handlers.KnownList{Lists: lists},
			handlers.AccessControl{Store: lists, Lock: lockFactory, Log: log},
			handlers.Forward{Target: pipeline, WhichQ: "pipeline"},
		}
		return &builtRunner{
			built:       runner.New(name, sb, chain, qset, log, opts...),
			switchboard: sb,
			chain:       chain,
			opts:        opts,
		}, nil

	case "Pipeline":
		sb, err := qset.Switchboard("pipeline")
		if err != nil {
			return nil, err
		}
		outgoing, err := qset.Switchboard("outgoing")
		if err != nil {
			return nil, err
		}
		archiveQ, err := qset.Switchboard("archive")
		if err != nil {
			return nil, err
		}
		chain := []runner.Handler{
			handlers.SanityCheck{Hostname: cfg.Server.Hostname},
			handlers.Header{Lists: lists},
			handlers.Footer{Lists: lists},
			handlers.Personalize{Lists: lists},
			handlers.Archive{Sink: handlers.QueueArchiveSink{Archive: archiveQ}},
			handlers.Digest{Lists: lists, Store: lists},
			handlers.ToOutgoing{Lists: lists, Hostname: cfg.Server.Hostname, Outgoing: outgoing},
		}
		return &builtRunner{
			built:       runner.New(name, sb, chain, qset, log, opts...),
			switchboard: sb,
			chain:       chain,
			opts:        opts,
		}, nil

	case "Outgoing":
		sb, err := qset.Switchboard("outgoing")
		if err != nil {
			return nil, err
		}
		bounceQ, err := qset.Switchboard("bounce")
		if err != nil {
			return nil, err
		}
		retryQ, err := qset.Switchboard("retry")
		if err != nil {
			return nil, err
		}
		breakers := resilience.NewBreakerRegistry(func(key string) resilience.Config {
			return resilience.DefaultConfig(key)
		})
		dkim := security.NewDKIMSignerPool()
		chain := []runner.Handler{
			delivery.Handler{
				Config: delivery.Config{
					RelayHost:      cfg.Delivery.RelayHost,
					ConnectTimeout: config.Duration(cfg.Delivery.ConnectTimeout, 30*time.Second),
					CommandTimeout: config.Duration(cfg.Delivery.CommandTimeout, 5*time.Minute),
					RequireTLS:     cfg.Delivery.RequireTLS,
					VerifyTLS:      cfg.Delivery.VerifyTLS,
					SignOutbound:   cfg.Delivery.SignOutbound,
				},
				Breakers: breakers,
				DKIM:     dkim,
				Bounce:   bounceQ,
				Retry:    retryQ,
				Log:      log,
			},
		}
		return &builtRunner{
			built:       runner.New(name, sb, chain, qset, log, opts...),
			switchboard: sb,
			chain:       chain,
			opts:        opts,
		}, nil

	case "Bounce":
		sb, err := qset.Switchboard("bounce")
		if err != nil {
			return nil, err
		}
		chain := []runner.Handler{
			bounce.ScoreHandler{
				Store: lists,
				Lock: func(list string) interface {
					Acquire(timeout time.Duration, allowCrossHost bool) error
					Release() error
				} {
					return lockFactory(list)
				},
				Hostname: cfg.Server.Hostname,
				Log:      log,
			},
		}
		return &builtRunner{
			built:       runner.New(name, sb, chain, qset, log, opts...),
			switchboard: sb,
			chain:       chain,
			opts:        opts,
		}, nil

	case "Virgin":
		sb, err := qset.Switchboard("virgin")
		if err != nil {
			return nil, err
		}
		outgoing, err := qset.Switchboard("outgoing")
		if err != nil {
			return nil, err
		}
		chain := []runner.Handler{
			handlers.VirginDispatch{Outgoing: outgoing, Hostname: cfg.Server.Hostname, Log: log},
		}
		return &builtRunner{
			built:       runner.New(name, sb, chain, qset, log, opts...),
			switchboard: sb,
			chain:       chain,
			opts:        opts,
		}, nil

	case "Command":
		sb, err := qset.Switchboard("command")
		if err != nil {
			return nil, err
		}
		virgin, err := qset.Switchboard("virgin")
		if err != nil {
			return nil, err
		}
		chain := []runner.Handler{
			handlers.CommandHandler{Store: lists, Lock: lockFactory, Virgin: virgin, Hostname: cfg.Server.Hostname, Log: log},
		}
		return &builtRunner{
			built:       runner.New(name, sb, chain, qset, log, opts...),
			switchboard: sb,
			chain:       chain,
			opts:        opts,
		}, nil

	case "News":
		sb, err := qset.Switchboard("news")
		if err != nil {
			return nil, err
		}
		incoming, err := qset.Switchboard("incoming")
		if err != nil {
			return nil, err
		}
		chain := []runner.Handler{
			handlers.BeenThereGuard{Lists: lists},
			handlers.Forward{Target: incoming, WhichQ: "incoming"},
		}
		return &builtRunner{
			built:       runner.New(name, sb, chain, qset, log, opts...),
			switchboard: sb,
			chain:       chain,
			opts:        opts,
		}, nil

	case "Retry":
		sb, err := qset.Switchboard("retry")
		if err != nil {
			return nil, err
		}
		outgoing, err := qset.Switchboard("outgoing")
		if err != nil {
			return nil, err
		}
		retryOpts := append(append([]runner.Option{}, opts...), runner.WithDisposeOverride(
			func(ctx context.Context, list string, message []byte, meta queue.Metadata) (runner.Dispose, error) {
				attempt := 0
				if v, ok := meta["_retry_attempt"].(float64); ok {
					attempt = int(v)
				}
				if attempt >= maxRetryAttempts {
					return runner.Done, fmt.Errorf("retry: exhausted %d attempts for list %s", attempt, list)
				}

				var last time.Time
				if v, ok := meta["_retry_last"].(string); ok && v != "" {
					last, _ = time.Parse(time.RFC3339, v)
				}
				if !last.IsZero() && time.Since(last) < retryDelay(attempt) {
					time.Sleep(time.Second)
					return runner.Keep, nil
				}

				meta["_retry_attempt"] = float64(attempt + 1)
				meta["_retry_last"] = time.Now().Format(time.RFC3339)
				meta["whichq"] = "outgoing"
				if _, err := outgoing.Enqueue(message, meta); err != nil {
					return runner.Done, fmt.Errorf("retry: re-enqueue to outgoing: %w", err)
				}
				return runner.Done, nil
			},
		))
		return &builtRunner{
			built:       runner.New(name, sb, nil, qset, log, retryOpts...),
			switchboard: sb,
			chain:       nil,
			opts:        retryOpts,
		}, nil

	case "Archive":
		sb, err := qset.Switchboard("archive")
		if err != nil {
			return nil, err
		}
		chain := []runner.Handler{
			handlers.Record{Log: log},
		}
		return &builtRunner{
			built:       runner.New(name, sb, chain, qset, log, opts...),
			switchboard: sb,
			chain:       chain,
			opts:        opts,
		}, nil

	default:
		return nil, fmt.Errorf("unknown runner %q", name)
	}
}
