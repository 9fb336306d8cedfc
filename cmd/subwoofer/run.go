package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a discovery pass (or loop forever with --daemon)",
	Long: `Run the discovery pipeline: fetch candidate instances, scan each
one's community listing, and resolve or subscribe to every community
that clears the activity thresholds. Work recorded in the ledger by a
previous run is never repeated.

Example:
  $ subwoofer run --domain lemmy.example --username bot --password ... \
      --threshold-resolve 50 --threshold-subscribe 100 --daemon`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := buildConfig(cmd)
		if err != nil {
			return err
		}
		cfg.Daemon, _ = cmd.Flags().GetBool("daemon")
		if cmd.Flags().Changed("daemon-delay") {
			cfg.DaemonDelay, _ = cmd.Flags().GetDuration("daemon-delay")
		}

		b, led, logg, err := assemble(cfg)
		if err != nil {
			return err
		}
		defer led.Close()
		defer logg.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := b.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("run failed: %w", err)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().Bool("daemon", false, "Repeat the pass forever, sleeping between passes")
	runCmd.Flags().Duration("daemon-delay", 24*time.Hour, "Sleep between daemon passes (env: SUBWOOFER_DAEMON_DELAY)")
	rootCmd.AddCommand(runCmd)
}
