// Command mailman is the site administration CLI: create and inspect
// lists, and manage their membership, operating directly on
// internal/liststore state rather than through the mail pipeline.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mailmanhq/engine/internal/auth"
	"github.com/mailmanhq/engine/internal/config"
	"github.com/mailmanhq/engine/internal/liststore"
	"github.com/mailmanhq/engine/internal/mlock"
)

var cfgPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mailman: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mailman",
	Short: "Administer mailing lists: create lists, manage members",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "/etc/mailman/mailman.yaml", "path to config file")

	listCmd := &cobra.Command{Use: "list", Short: "Manage list definitions"}
	listCmd.AddCommand(listCreateCmd, listShowCmd)

	memberCmd := &cobra.Command{Use: "member", Short: "Manage list membership"}
	memberCmd.AddCommand(memberAddCmd, memberRemoveCmd, memberFindCmd)

	rootCmd.AddCommand(listCmd, memberCmd)
}

var listCreateArgs struct {
	owner       string
	adminPass   string
	moderate    bool
	digest      bool
	subscribePolicy string
}

var listCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a new mailing list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, err := openStore()
		if err != nil {
			return err
		}
		name := args[0]
		if store.Exists(name) {
			return fmt.Errorf("list %q already exists", name)
		}
		l := liststore.NewList(name, cfg.Server.Hostname)
		if listCreateArgs.owner != "" {
			l.Owners = append(l.Owners, listCreateArgs.owner)
		}
		if listCreateArgs.adminPass != "" {
			hash, err := auth.HashPassword(listCreateArgs.adminPass)
			if err != nil {
				return fmt.Errorf("hash admin password: %w", err)
			}
			l.AdminPasswordHash = hash
		}
		l.DefaultModerate = listCreateArgs.moderate
		l.DigestEnabled = listCreateArgs.digest
		if listCreateArgs.subscribePolicy != "" {
			l.SubscribePolicy = listCreateArgs.subscribePolicy
		} else {
			l.SubscribePolicy = "confirm"
		}
		l.BounceScoreThreshold = 5.0
		l.BounceScoreHard = 1.0
		l.BounceScoreSoft = 0.5
		l.MaxDaysToHold = 3

		if err := withListLock(cfg, name, func() error { return store.Save(l) }); err != nil {
			return err
		}
		fmt.Printf("created list %s@%s\n", name, cfg.Server.Hostname)
		return nil
	},
}

var listShowCmd = &cobra.Command{
	Use:   "show NAME",
	Short: "Print a list's configuration and member count",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := openStore()
		if err != nil {
			return err
		}
		l, err := store.Load(args[0])
		if err != nil {
			return fmt.Errorf("load %s: %w", args[0], err)
		}
		fmt.Printf("name:              %s\n", l.Name)
		fmt.Printf("host:              %s\n", l.Host)
		fmt.Printf("owners:            %s\n", strings.Join(l.Owners, ", "))
		fmt.Printf("subscribe_policy:  %s\n", l.SubscribePolicy)
		fmt.Printf("default_moderate:  %v\n", l.DefaultModerate)
		fmt.Printf("digest_enabled:    %v\n", l.DigestEnabled)
		fmt.Printf("members:           %d\n", len(l.Subscribers))
		fmt.Printf("pending_requests:  %d\n", len(l.PendingRequests))
		fmt.Printf("held_messages:     %d\n", len(l.HeldMessages))
		return nil
	},
}

var memberAddArgs struct {
	digest bool
}

var memberAddCmd = &cobra.Command{
	Use:   "add LIST ADDRESS",
	Short: "Add a member to a list immediately, bypassing confirmation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, err := openStore()
		if err != nil {
			return err
		}
		name, address := args[0], args[1]
		var added bool
		err = withListLock(cfg, name, func() error {
			l, err := store.Load(name)
			if err != nil {
				return fmt.Errorf("load %s: %w", name, err)
			}
			if _, exists := l.Subscriber(address); exists {
				return fmt.Errorf("%s is already a member of %s", address, name)
			}
			l.AddSubscriber(liststore.Subscriber{
				Address: address,
				Status:  liststore.StatusEnabled,
				Digest:  memberAddArgs.digest,
			})
			added = true
			return store.Save(l)
		})
		if err != nil {
			return err
		}
		if added {
			fmt.Printf("added %s to %s\n", address, name)
		}
		return nil
	},
}

var memberRemoveCmd = &cobra.Command{
	Use:   "remove LIST ADDRESS",
	Short: "Remove a member from a list",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, err := openStore()
		if err != nil {
			return err
		}
		name, address := args[0], args[1]
		err = withListLock(cfg, name, func() error {
			l, err := store.Load(name)
			if err != nil {
				return fmt.Errorf("load %s: %w", name, err)
			}
			if _, exists := l.Subscriber(address); !exists {
				return fmt.Errorf("%s is not a member of %s", address, name)
			}
			delete(l.Subscribers, strings.ToLower(address))
			return store.Save(l)
		})
		if err != nil {
			return err
		}
		fmt.Printf("removed %s from %s\n", address, name)
		return nil
	},
}

var memberFindCmd = &cobra.Command{
	Use:   "find LIST [PATTERN]",
	Short: "List members, optionally filtered by a substring of their address",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := openStore()
		if err != nil {
			return err
		}
		l, err := store.Load(args[0])
		if err != nil {
			return fmt.Errorf("load %s: %w", args[0], err)
		}
		var pattern string
		if len(args) == 2 {
			pattern = strings.ToLower(args[1])
		}
		for addr, sub := range l.Subscribers {
			if pattern != "" && !strings.Contains(addr, pattern) {
				continue
			}
			digest := ""
			if sub.Digest {
				digest = " (digest)"
			}
			fmt.Printf("%s\t%s%s\n", sub.Address, sub.Status, digest)
		}
		return nil
	},
}

func init() {
	listCreateCmd.Flags().StringVar(&listCreateArgs.owner, "owner", "", "initial list owner address")
	listCreateCmd.Flags().StringVar(&listCreateArgs.adminPass, "admin-password", "", "list admin password")
	listCreateCmd.Flags().BoolVar(&listCreateArgs.moderate, "moderate", false, "hold posts from non-subscribers by default")
	listCreateCmd.Flags().BoolVar(&listCreateArgs.digest, "digest", false, "enable digest delivery")
	listCreateCmd.Flags().StringVar(&listCreateArgs.subscribePolicy, "subscribe-policy", "", "confirm, confirm+approve, or open (default confirm)")

	memberAddCmd.Flags().BoolVar(&memberAddArgs.digest, "digest", false, "subscribe in digest mode")
}

func openStore() (*config.Config, *liststore.Store, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, nil, fmt.Errorf("ensure directories: %w", err)
	}
	return cfg, liststore.NewStore(cfg.Storage.ListDataDir), nil
}

// withListLock guards a mutating operation with the same FileLock the
// Command runner and moderation/bounce engines take before touching a
// list's state, so cmd/mailman can run safely alongside a live engine.
func withListLock(cfg *config.Config, list string, fn func() error) error {
	lock := mlock.New(filepath.Join(cfg.Storage.LockDir, list+".lock"), cfg.Server.Hostname, list)
	if err := lock.Acquire(10*time.Second, false); err != nil {
		return fmt.Errorf("acquire lock for %s: %w", list, err)
	}
	defer lock.Release()
	return fn()
}
