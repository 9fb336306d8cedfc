// subwoofer discovers active communities across a federation of Lemmy
// instances and subscribes a single account to the ones that qualify.
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lemmyfed/subwoofer/internal/bot"
	"github.com/lemmyfed/subwoofer/internal/config"
	"github.com/lemmyfed/subwoofer/internal/directory"
	"github.com/lemmyfed/subwoofer/internal/ledger"
	"github.com/lemmyfed/subwoofer/internal/lemmy"
	"github.com/lemmyfed/subwoofer/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "subwoofer",
	Short: "Community discovery and subscription bot for Lemmy instances",
	Long: `subwoofer crawls the fediverse for active Lemmy communities and
subscribes a single account to the ones that clear the configured
activity thresholds, so a small or personal instance sees content from
across the federation.

Configuration comes from flags, SUBWOOFER_* environment variables, or
an optional YAML file (--config). Credentials are required for every
command; there is no unauthenticated mode.`,
	SilenceUsage: true,
}

var (
	cfgFile string
	verbose int
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Path to YAML config file")
	pf.CountVarP(&verbose, "verbose", "v", "Increase log verbosity")
	pf.String("database", "", "Ledger database path (env: SUBWOOFER_DATABASE)")
	pf.String("domain", "", "Home instance domain (env: SUBWOOFER_DOMAIN)")
	pf.String("username", "", "Account username or email (env: SUBWOOFER_USERNAME)")
	pf.String("password", "", "Account password (env: SUBWOOFER_PASSWORD)")
	pf.Int64("threshold-resolve", 0, "Half-year active users required to resolve (env: SUBWOOFER_THRESHOLD_RESOLVE)")
	pf.Int64("threshold-subscribe", 0, "Half-year active users required to subscribe (env: SUBWOOFER_THRESHOLD_SUBSCRIBE)")
	pf.String("instances", "", "Comma-separated instance allow-list; prefix with '!' to deny, e.g. 'lemmy.ml,!example.org'")
	pf.Bool("nsfw", false, "Include NSFW communities")
	pf.StringSlice("languages", nil, "Language codes to filter communities by, e.g. 'en,de'")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// buildConfig layers config sources: defaults, then the YAML file,
// then SUBWOOFER_* environment variables, then explicit flags.
func buildConfig(cmd *cobra.Command) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if cfgFile != "" {
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}

	applyEnv(cfg)

	f := cmd.Flags()
	if f.Changed("database") {
		cfg.Database, _ = f.GetString("database")
	}
	if f.Changed("domain") {
		cfg.Home, _ = f.GetString("domain")
	}
	if f.Changed("username") {
		cfg.Username, _ = f.GetString("username")
	}
	if f.Changed("password") {
		cfg.Password, _ = f.GetString("password")
	}
	if f.Changed("threshold-resolve") {
		cfg.ThresholdResolve, _ = f.GetInt64("threshold-resolve")
	}
	if f.Changed("threshold-subscribe") {
		cfg.ThresholdSubscribe, _ = f.GetInt64("threshold-subscribe")
	}
	if f.Changed("instances") {
		raw, _ := f.GetString("instances")
		cfg.Instances, cfg.DenyInstances = config.ParseInstanceList(raw)
	}
	if f.Changed("nsfw") {
		cfg.AllowNSFW, _ = f.GetBool("nsfw")
	}
	if f.Changed("languages") {
		cfg.Languages, _ = f.GetStringSlice("languages")
	}

	switch {
	case verbose == 1:
		cfg.LogLevel = "debug"
	case verbose > 1:
		cfg.LogLevel = "debug"
		cfg.LogPretty = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *config.Config) {
	if v := os.Getenv("SUBWOOFER_DATABASE"); v != "" {
		cfg.Database = v
	}
	if v := os.Getenv("SUBWOOFER_DOMAIN"); v != "" {
		cfg.Home = v
	}
	if v := os.Getenv("SUBWOOFER_USERNAME"); v != "" {
		cfg.Username = v
	}
	if v := os.Getenv("SUBWOOFER_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("SUBWOOFER_THRESHOLD_RESOLVE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.ThresholdResolve = n
		}
	}
	if v := os.Getenv("SUBWOOFER_THRESHOLD_SUBSCRIBE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.ThresholdSubscribe = n
		}
	}
	if v := os.Getenv("SUBWOOFER_DAEMON_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DaemonDelay = d
		}
	}
}

// assemble builds the full dependency graph for a command run. The
// caller owns closing the returned ledger.
func assemble(cfg *config.Config) (*bot.Bot, *ledger.Ledger, *zap.SugaredLogger, error) {
	logg, err := logger.New(cfg.LogLevel, cfg.LogPretty)
	if err != nil {
		return nil, nil, nil, err
	}

	led, err := ledger.Open(cfg.Database)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	client, err := lemmy.New(&lemmy.Config{
		Home:   cfg.Home,
		Logger: logg,
	})
	if err != nil {
		led.Close()
		return nil, nil, nil, err
	}

	dir := directory.New(&directory.Config{
		Home:             cfg.Home,
		ResolveThreshold: cfg.ThresholdResolve,
		Allow:            cfg.Instances,
		Deny:             cfg.DenyInstances,
		Logger:           logg,
	})

	b, err := bot.New(&bot.Deps{
		Config:    cfg,
		Client:    client,
		Directory: dir,
		Ledger:    led,
		Logger:    logg,
	})
	if err != nil {
		led.Close()
		return nil, nil, nil, err
	}
	return b, led, logg, nil
}
