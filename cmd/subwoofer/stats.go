package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/lemmyfed/subwoofer/internal/config"
	"github.com/lemmyfed/subwoofer/internal/ledger"
	"github.com/lemmyfed/subwoofer/internal/types"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show ledger statistics",
	Long: `Print how many communities the ledger records as resolved and how
many as subscribed. Reads only the local ledger; no credentials and no
network access needed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Only the database path matters here; skip full validation so
		// stats works without credentials.
		cfg := config.DefaultConfig()
		applyEnv(cfg)
		if cmd.Flags().Changed("database") {
			cfg.Database, _ = cmd.Flags().GetString("database")
		}

		led, err := ledger.Open(cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to open ledger: %w", err)
		}
		defer led.Close()

		ctx := context.Background()
		stats, err := led.Stats(ctx)
		if err != nil {
			return err
		}

		cyan := color.New(color.FgCyan).SprintFunc()
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("Ledger: %s\n", cfg.Database)
		fmt.Printf("  %s communities tracked\n", cyan(stats.Resolved))
		fmt.Printf("  %s subscribed\n", green(stats.Subscribed))

		verboseList, _ := cmd.Flags().GetBool("list")
		if verboseList {
			return led.ForEach(ctx, func(addr string, state int64) error {
				if state == types.StateSubscribed {
					fmt.Printf("  %s %s\n", green("✓"), addr)
				} else {
					fmt.Printf("  %s %s (id %d)\n", cyan("·"), addr, state)
				}
				return nil
			})
		}
		return nil
	},
}

func init() {
	statsCmd.Flags().Bool("list", false, "List every tracked community")
	rootCmd.AddCommand(statsCmd)
}
