package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Unsubscribe from communities and revert their ledger entries",
	Long: `Page through the account's subscriptions and unfollow them. With a
deny-list (entries prefixed '!' in --instances), only communities
hosted on denied instances are unfollowed; without one, all of them
are. Each successful unfollow reverts the community's ledger entry
from the subscribed sentinel back to its resolved numeric ID, so a
later run can re-subscribe idempotently.

Example:
  $ subwoofer reset --instances '!example.org'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := buildConfig(cmd)
		if err != nil {
			return err
		}

		b, led, logg, err := assemble(cfg)
		if err != nil {
			return err
		}
		defer led.Close()
		defer logg.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := b.Reset(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("reset failed: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resetCmd)
}
