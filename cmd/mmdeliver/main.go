// Command mmdeliver is the MTA-facing wrapper: a minimal SMTP-accepting
// process a postfix/sendmail pipe plugin would hand a message to. It
// performs no mailbox storage, authentication, or IMAP concerns — its
// only job is to decide a destination list and queue for each recipient
// and atomically enqueue the message, giving the spool directory
// contract of spec.md §6 a concrete producer (SPEC_FULL.md §6 expansion).
package main

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/emersion/go-smtp"
	"github.com/spf13/cobra"

	"github.com/mailmanhq/engine/internal/config"
	"github.com/mailmanhq/engine/internal/liststore"
	"github.com/mailmanhq/engine/internal/logging"
	"github.com/mailmanhq/engine/internal/mta"
	"github.com/mailmanhq/engine/internal/queue"
)

var (
	cfgPath string
	listen  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mmdeliver: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mmdeliver",
	Short: "Accept mail from the MTA and enqueue it into the engine's spool",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&cfgPath, "config", "/etc/mailman/mailman.yaml", "path to config file")
	rootCmd.Flags().StringVar(&listen, "listen", "127.0.0.1:8825", "address to accept LMTP/SMTP from the MTA on")
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

	log, err := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	qset, err := queue.NewSet(cfg.Storage.QueueDir, queue.Names)
	if err != nil {
		return fmt.Errorf("open queue set: %w", err)
	}
	lists := liststore.NewStore(cfg.Storage.ListDataDir)

	router := &mta.Router{Lists: lists, Queues: qset, Log: log}
	backend := mta.NewBackend(router)

	s := smtp.NewServer(backend)
	s.Addr = listen
	s.Domain = cfg.Server.Hostname
	s.AllowInsecureAuth = true
	s.MaxMessageBytes = cfg.Delivery.MaxMessageSize
	s.MaxRecipients = 500

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listen, err)
	}
	log.InfoContext(context.Background(), "mmdeliver accepting mail from the MTA", "addr", listen)
	return s.Serve(ln)
}
